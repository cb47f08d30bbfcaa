package rules

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprEvaluatorEvaluate(t *testing.T) {
	evaluator := NewExprEvaluator()

	tests := []struct {
		name       string
		expression string
		env        map[string]interface{}
		want       interface{}
		wantErr    bool
		errMsg     string
	}{
		{
			name:       "arithmetic",
			expression: "age + 5",
			env:        map[string]interface{}{"age": 25},
			want:       30,
		},
		{
			name:       "string concatenation",
			expression: "greeting + ', ' + name",
			env:        map[string]interface{}{"greeting": "hello", "name": "blocks"},
			want:       "hello, blocks",
		},
		{
			name:       "list literal",
			expression: "[1, 2, n]",
			env:        map[string]interface{}{"n": 3},
			want:       []interface{}{1, 2, 3},
		},
		{
			name:       "map field access",
			expression: "row.total * 2",
			env:        map[string]interface{}{"row": map[string]interface{}{"total": 4}},
			want:       8,
		},
		{
			name:       "invalid expression",
			expression: "age >>> 18",
			env:        map[string]interface{}{"age": 25},
			wantErr:    true,
			errMsg:     "unexpected token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := evaluator.Evaluate(tt.expression, tt.env)
			if tt.wantErr {
				assert.Error(t, err)
				if tt.errMsg != "" {
					assert.Contains(t, err.Error(), tt.errMsg)
				}
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, result)
		})
	}
}

func TestExprEvaluatorCacheAcrossNamespaces(t *testing.T) {
	evaluator := NewExprEvaluator()

	got, err := evaluator.Evaluate("x * 2", map[string]interface{}{"x": 2})
	require.NoError(t, err)
	assert.Equal(t, 4, got)

	got, err = evaluator.Evaluate("x * 2", map[string]interface{}{"x": 2.5})
	require.NoError(t, err)
	assert.Equal(t, 5.0, got)

	assert.Equal(t, 1, evaluator.Cached())
}

func TestExprEvaluatorCallsEnvFunctions(t *testing.T) {
	evaluator := NewExprEvaluator()
	var seen []interface{}
	env := map[string]interface{}{
		"emit": func(args ...interface{}) interface{} {
			seen = append(seen, args...)
			return nil
		},
		"boom": func(args ...interface{}) (interface{}, error) {
			return nil, errors.New("boom")
		},
		"v": 7,
	}

	_, err := evaluator.Evaluate("emit(v, 'x')", env)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{7, "x"}, seen)

	_, err = evaluator.Evaluate("boom()", env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestExprEvaluatorConcurrent(t *testing.T) {
	evaluator := NewExprEvaluator()
	var wg sync.WaitGroup
	numGoroutines := 100

	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(i int) {
			defer wg.Done()
			result, err := evaluator.Evaluate("value + 1", map[string]interface{}{"value": i})
			assert.NoError(t, err)
			assert.Equal(t, i+1, result)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, evaluator.Cached())
}

func BenchmarkEvaluate(b *testing.B) {
	evaluator := NewExprEvaluator()
	expression := "x > 5"
	env := map[string]interface{}{"x": 10}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, _ = evaluator.Evaluate(expression, env)
	}
}
