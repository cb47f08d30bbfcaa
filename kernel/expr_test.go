package kernel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/blockflow/types"
)

func execute(t *testing.T, k Kernel, code string) Response {
	t.Helper()
	resp, err := k.Execute(context.Background(), Request{Code: code, Tag: t.Name()})
	require.NoError(t, err)
	return resp
}

func TestExprKernelPersistsBindings(t *testing.T) {
	k := NewExprKernel()
	defer k.Close()

	resp := execute(t, k, "x = 40\ny = x + 2\n")
	assert.False(t, resp.Failed())
	assert.Empty(t, resp.Outputs)
	assert.Equal(t, 1, resp.ExecutionCount)

	resp = execute(t, k, "print('y is', y)\ny\n")
	assert.False(t, resp.Failed())
	assert.Equal(t, []types.Artifact{
		{Type: types.ArtifactStream, Name: "stdout", Content: "y is 42\n"},
		{Type: types.ArtifactResult, MimeType: "text/plain", Content: "42"},
	}, resp.Outputs)
	assert.Equal(t, 2, resp.ExecutionCount)
}

func TestExprKernelStatements(t *testing.T) {
	k := NewExprKernel()
	defer k.Close()

	execute(t, k, "a = b = 3\nc, d = [1, 'two']\ntotal = 10\ntotal += a * 2\n")
	g := k.Globals()
	assert.Equal(t, 3, g["a"])
	assert.Equal(t, 3, g["b"])
	assert.Equal(t, 1, g["c"])
	assert.Equal(t, "two", g["d"])
	assert.Equal(t, 16, g["total"])

	execute(t, k, "import pandas as pd\nfrom os import path\nimport numpy.linalg\npass\n")
	g = k.Globals()
	assert.Equal(t, Module{Name: "pandas"}, g["pd"])
	assert.Equal(t, Module{Name: "os.path"}, g["path"])
	assert.Equal(t, Module{Name: "numpy"}, g["numpy"])

	resp := execute(t, k, "# just a comment\nflag = not False\nflag\n")
	assert.Equal(t, "True", resp.Outputs[0].Content)

	resp = execute(t, k, "None\n")
	assert.Empty(t, resp.Outputs)
}

func TestExprKernelFailureDoesNotMergeBindings(t *testing.T) {
	k := NewExprKernel()
	defer k.Close()

	execute(t, k, "x = 1\n")
	resp := execute(t, k, "x = 2\nprint('before')\ny = missing + 1\n")
	require.True(t, resp.Failed())
	assert.Contains(t, resp.Error, "NameError: name 'missing' is not defined")
	assert.Contains(t, resp.Error, "line 3")

	require.Len(t, resp.Outputs, 2)
	assert.Equal(t, "before\n", resp.Outputs[0].Content)
	assert.Equal(t, types.ArtifactError, resp.Outputs[1].Type)
	assert.Equal(t, "NameError", resp.Outputs[1].Name)

	g := k.Globals()
	assert.Equal(t, 1, g["x"])
	_, ok := g["y"]
	assert.False(t, ok)
}

func TestExprKernelErrors(t *testing.T) {
	k := NewExprKernel()
	defer k.Close()

	tests := []struct {
		name string
		code string
		kind string
	}{
		{name: "syntax error", code: "x = (\n", kind: "SyntaxError"},
		{name: "unsupported statement", code: "for i in items:\n    pass\n", kind: "NotImplementedError"},
		{name: "explicit failure", code: "fail('bad input')\n", kind: "RuntimeError"},
		{name: "unpack mismatch", code: "a, b = [1]\n", kind: "ValueError"},
		{name: "unknown augmented target", code: "counter += 1\n", kind: "NameError"},
		{name: "range above the limit", code: "n = range(100000000000)\n", kind: "ValueError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := execute(t, k, tt.code)
			require.True(t, resp.Failed())
			assert.Contains(t, resp.Error, tt.kind)
			last := resp.Outputs[len(resp.Outputs)-1]
			assert.Equal(t, types.ArtifactError, last.Type)
			assert.Equal(t, tt.kind, last.Name)
		})
	}

	resp := execute(t, k, "fail('bad input')\n")
	assert.Contains(t, resp.Error, "bad input")

	resp = execute(t, k, "big = range(10000001)\n")
	assert.Contains(t, resp.Error, "ValueError: range() argument 10000001 exceeds the limit of 10000000")

	resp = execute(t, k, "few = range(3)\n")
	require.False(t, resp.Failed())
	assert.Equal(t, []interface{}{0, 1, 2}, k.Globals()["few"])
}

func TestExprKernelDisplayTable(t *testing.T) {
	k := NewExprKernel()
	defer k.Close()

	resp := execute(t, k, "rows = [{'name': 'a', 'n': 1}, {'name': 'b', 'n': 2}]\ndisplay(rows, 'done')\n")
	require.Len(t, resp.Outputs, 2)
	assert.Equal(t, types.ArtifactTable, resp.Outputs[0].Type)
	assert.JSONEq(t, `[{"name":"a","n":1},{"name":"b","n":2}]`, resp.Outputs[0].Content)
	assert.Equal(t, types.Artifact{Type: types.ArtifactResult, MimeType: "text/plain", Content: "'done'"}, resp.Outputs[1])
}

func TestExprKernelSleepHonoursContext(t *testing.T) {
	k := NewExprKernel()
	defer k.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := k.Execute(ctx, Request{Code: "x = 1\nsleep(5000)\n"})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 2*time.Second)

	_, ok := k.Globals()["x"]
	assert.False(t, ok)

	resp := execute(t, k, "sleep(1)\nok = True\n")
	assert.False(t, resp.Failed())
}

func TestExprKernelClosed(t *testing.T) {
	k := NewExprKernel()
	require.NoError(t, k.Close())
	require.NoError(t, k.Close())

	_, err := k.Execute(context.Background(), Request{Code: "x = 1"})
	assert.ErrorIs(t, err, ErrKernelDead)
}

func TestExprFactory(t *testing.T) {
	factory := NewExprFactory()

	k1, err := factory(context.Background())
	require.NoError(t, err)
	k2, err := factory(context.Background())
	require.NoError(t, err)

	execute(t, k1, "shared = 1\n")
	resp := execute(t, k2, "shared\n")
	assert.True(t, resp.Failed(), "kernels from one factory must not share a namespace")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = factory(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRepr(t *testing.T) {
	assert.Equal(t, "None", repr(nil))
	assert.Equal(t, "False", repr(false))
	assert.Equal(t, "'it\\'s'", repr("it's"))
	assert.Equal(t, "2.0", repr(2.0))
	assert.Equal(t, "2.5", repr(2.5))
	assert.Equal(t, "[1, 'a', None]", repr([]interface{}{1, "a", nil}))
	assert.Equal(t, "{'a': 1, 'b': [True]}", repr(map[string]interface{}{"b": []interface{}{true}, "a": 1}))
	assert.Equal(t, "<module 'os'>", repr(Module{Name: "os"}))
	assert.Equal(t, "plain", str("plain"))
}
