package analyzer

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/blockflow/types"
)

func TestAnalyze(t *testing.T) {
	a := New()
	ctx := context.Background()

	tests := []struct {
		name        string
		source      string
		used        []string
		defined     []string
		imports     []string
		calls       []string
		funcs       []string
		sideEffects bool
	}{
		{
			name:    "assignment reads and writes",
			source:  "x = 1\ny = x + z\n",
			used:    []string{"z"},
			defined: []string{"x", "y"},
		},
		{
			name:    "use before definition in the same block",
			source:  "a = b\nb = 1\n",
			used:    []string{"b"},
			defined: []string{"a", "b"},
		},
		{
			name:    "imports define aliases",
			source:  "import pandas as pd\nfrom os import path\nimport numpy.linalg\n",
			used:    []string{},
			defined: []string{"numpy", "path", "pd"},
			imports: []string{"numpy.linalg", "os.path", "pandas"},
		},
		{
			name:    "function body writes stay local",
			source:  "def f(a):\n    tmp = a + g\n    return tmp\nresult = f(1)\n",
			used:    []string{"g"},
			defined: []string{"f", "result"},
			calls:   []string{"f"},
			funcs:   []string{"f"},
		},
		{
			name:    "for loop target",
			source:  "for i in items:\n    total = i\n",
			used:    []string{"items"},
			defined: []string{"i", "total"},
		},
		{
			name:    "comprehension variables are local",
			source:  "squares = [v * v for v in nums if v > limit]\n",
			used:    []string{"limit", "nums"},
			defined: []string{"squares"},
		},
		{
			name:        "attribute names and keyword names are not reads",
			source:      "df.plot(kind=style)\n",
			used:        []string{"df", "style"},
			defined:     []string{},
			calls:       []string{"plot"},
			sideEffects: true,
		},
		{
			name:    "builtins are ignored",
			source:  "n = len(items)\n",
			used:    []string{"items"},
			defined: []string{"n"},
			calls:   []string{"len"},
		},
		{
			name:    "augmented assignment reads its target",
			source:  "total += x\n",
			used:    []string{"total", "x"},
			defined: []string{"total"},
		},
		{
			name:        "trailing expression echoes output",
			source:      "x = 1\nx\n",
			used:        []string{},
			defined:     []string{"x"},
			sideEffects: true,
		},
		{
			name:        "print is side-effecting",
			source:      "print(report)\n",
			used:        []string{"report"},
			defined:     []string{},
			calls:       []string{"print"},
			sideEffects: true,
		},
		{
			name:    "tuple unpacking",
			source:  "a, (b, c) = pair\n",
			used:    []string{"pair"},
			defined: []string{"a", "b", "c"},
		},
		{
			name:    "subscript assignment mutates an existing name",
			source:  "df['col'] = values\n",
			used:    []string{"df", "values"},
			defined: []string{},
		},
		{
			name:    "lambda parameters are local",
			source:  "key = lambda row: row[column]\n",
			used:    []string{"column"},
			defined: []string{"key"},
		},
		{
			name:    "class body is a nested scope",
			source:  "class Model(Base):\n    size = 3\n",
			used:    []string{"Base"},
			defined: []string{"Model"},
			funcs:   []string{"Model"},
		},
		{
			name:    "class body runs when the class is defined",
			source:  "class K:\n    v = data\ndata = 1\n",
			used:    []string{"data"},
			defined: []string{"K", "data"},
			funcs:   []string{"K"},
		},
		{
			name:    "first comprehension iterable is read in the enclosing scope",
			source:  "y = [v for v in data]\ndata = 1\n",
			used:    []string{"data"},
			defined: []string{"data", "y"},
		},
		{
			name:    "later comprehension iterables see earlier targets",
			source:  "flat = [w for row in grid for w in row]\n",
			used:    []string{"grid"},
			defined: []string{"flat"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := a.Analyze(ctx, tt.source)
			require.NoError(t, err)
			assert.Equal(t, tt.used, info.VariablesUsed, "used")
			assert.Equal(t, tt.defined, info.VariablesDefined, "defined")
			if tt.imports != nil {
				assert.Equal(t, tt.imports, info.Imports, "imports")
			}
			if tt.calls != nil {
				assert.Equal(t, tt.calls, info.FunctionsCalled, "calls")
			}
			if tt.funcs != nil {
				assert.Equal(t, tt.funcs, info.FunctionsDefined, "functions defined")
			}
			assert.Equal(t, tt.sideEffects, info.SideEffectingOutput, "side effects")
			assert.False(t, info.ConsumesAll)
		})
	}
}

func TestAnalyzeSyntaxError(t *testing.T) {
	info, err := New().Analyze(context.Background(), "x = (\n")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAnalysis))

	var aerr *AnalysisError
	require.True(t, errors.As(err, &aerr))
	assert.True(t, info.ConsumesAll)
	assert.Empty(t, info.VariablesDefined)
	assert.Empty(t, info.VariablesUsed)
	assert.NotEmpty(t, info.Warning)
}

func TestAnalyzeEmptySource(t *testing.T) {
	info, err := New().Analyze(context.Background(), "  \n")
	require.NoError(t, err)
	assert.Empty(t, info.VariablesUsed)
	assert.Empty(t, info.VariablesDefined)
	assert.False(t, info.ConsumesAll)
}

func TestAnalyzeSourceTooLarge(t *testing.T) {
	a := New(WithMaxSourceSize(4))
	info, err := a.Analyze(context.Background(), "value = 1\n")
	assert.ErrorIs(t, err, ErrAnalysis)
	assert.True(t, info.ConsumesAll)
}

func TestAnalyzeCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New().Analyze(ctx, "x = 1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAnalyzeBlocks(t *testing.T) {
	blocks := []types.Block{
		{ID: "load", Position: 1, Source: "data = [1, 2, 3]\n"},
		{ID: "broken", Position: 2, Source: "def oops(:\n"},
		{ID: "total", Position: 3, Source: "total = len(data)\n"},
	}

	report, err := New().AnalyzeBlocks(context.Background(), blocks)
	require.NoError(t, err)
	require.Len(t, report.DependencyMap, 3)
	require.Len(t, report.Warnings, 1)

	assert.Equal(t, "broken", report.Warnings[0].BlockID)
	assert.True(t, report.DependencyMap["broken"].ConsumesAll)
	assert.Equal(t, []string{"data"}, report.DependencyMap["total"].VariablesUsed)
	assert.Equal(t, []string{"data"}, report.DependencyMap["load"].VariablesDefined)
}

func TestAnalyzeDeterministic(t *testing.T) {
	src := "import math\nfor k in keys:\n    acc = math.sqrt(k) + bias\nprint(acc)\n"
	a := New()
	first, err := a.Analyze(context.Background(), src)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := a.Analyze(context.Background(), src)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
