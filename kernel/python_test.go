package kernel

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/blockflow/types"
)

func startPython(t *testing.T, opts ...PythonOption) *PythonKernel {
	t.Helper()
	if _, err := exec.LookPath(defaultPythonBinary); err != nil {
		t.Skip("python3 not available")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	k, err := StartPython(ctx, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = k.Close() })
	return k
}

func TestPythonKernelPersistsNamespace(t *testing.T) {
	k := startPython(t)

	resp := execute(t, k, "x = 20\ny = x * 2\n")
	assert.False(t, resp.Failed())
	assert.Equal(t, 1, resp.ExecutionCount)

	resp = execute(t, k, "print('y =', y)\ny + 2\n")
	assert.False(t, resp.Failed())
	assert.Equal(t, []types.Artifact{
		{Type: types.ArtifactStream, Name: "stdout", Content: "y = 40\n"},
		{Type: types.ArtifactResult, MimeType: "text/plain", Content: "42"},
	}, resp.Outputs)
	assert.Equal(t, 2, resp.ExecutionCount)
}

func TestPythonKernelRaises(t *testing.T) {
	k := startPython(t)

	resp := execute(t, k, "1 / 0\n")
	require.True(t, resp.Failed())
	assert.Contains(t, resp.Error, "ZeroDivisionError")
	last := resp.Outputs[len(resp.Outputs)-1]
	assert.Equal(t, types.ArtifactError, last.Type)
	assert.Equal(t, "ZeroDivisionError", last.Name)

	resp = execute(t, k, "import sys\nprint('warn', file=sys.stderr)\n")
	assert.False(t, resp.Failed())
	assert.Equal(t, []types.Artifact{{Type: types.ArtifactStream, Name: "stderr", Content: "warn\n"}}, resp.Outputs)
}

func TestPythonKernelInterruptKeepsKernel(t *testing.T) {
	k := startPython(t)
	execute(t, k, "kept = 1\n")

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	resp, err := k.Execute(ctx, Request{Code: "import time\ntime.sleep(30)\n"})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, resp.Error, "KeyboardInterrupt")

	resp = execute(t, k, "kept\n")
	assert.Equal(t, "1", resp.Outputs[0].Content)
}

func TestPythonKernelSurvivesStrayInterrupts(t *testing.T) {
	k := startPython(t)
	execute(t, k, "count = 0\n")

	// each interrupt may land mid block, between blocks or while a reply is written
	for i := 0; i < 20; i++ {
		require.NoError(t, k.cmd.Process.Signal(os.Interrupt))
		resp, err := k.Execute(context.Background(), Request{Code: "count += 1\n"})
		require.NoError(t, err)
		if resp.Failed() {
			assert.Contains(t, resp.Error, "KeyboardInterrupt")
		}
	}

	resp := execute(t, k, "'alive'\n")
	require.False(t, resp.Failed())
	assert.Equal(t, "'alive'", resp.Outputs[0].Content)
}

func TestPythonKernelKilledWhenInterruptIgnored(t *testing.T) {
	k := startPython(t, WithInterruptGrace(200*time.Millisecond))
	execute(t, k, "import signal\nsignal.signal(signal.SIGINT, signal.SIG_IGN)\n")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := k.Execute(ctx, Request{Code: "import time\ntime.sleep(30)\n"})
	assert.ErrorIs(t, err, ErrKernelDead)

	_, err = k.Execute(context.Background(), Request{Code: "1"})
	assert.ErrorIs(t, err, ErrKernelDead)
}

func TestPythonKernelClose(t *testing.T) {
	k := startPython(t)
	require.NoError(t, k.Close())
	require.NoError(t, k.Close())

	_, err := k.Execute(context.Background(), Request{Code: "1"})
	assert.ErrorIs(t, err, ErrKernelDead)
}

func TestStartPythonMissingBinary(t *testing.T) {
	_, err := StartPython(context.Background(), WithPythonBinary("/nonexistent/python"))
	assert.Error(t, err)
}
