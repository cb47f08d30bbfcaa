// Package kernel provides the interpreters that back an execution session.
//
// A Kernel owns a persistent variable namespace. Each Execute call runs one
// block of source against that namespace and reports the ordered outputs the
// run produced. Two kernels are provided: an in-process kernel that runs a
// Python-compatible statement subset on expr-lang/expr, and a subprocess
// kernel that drives a real python3 interpreter.
package kernel

import (
	"context"
	"errors"

	"github.com/songzhibin97/blockflow/types"
)

var (
	// ErrKernelDead indicates the kernel can no longer execute code.
	ErrKernelDead = errors.New("kernel is dead")
)

// Request is one block of source to execute.
type Request struct {
	Code string
	Tag  string // block id, for logs and tracebacks
}

// Response is the outcome of one Execute call.
//
// Error is the runtime error raised by the code, empty on success. It is not
// a Go error: the kernel stays usable after user code fails.
type Response struct {
	Outputs        []types.Artifact
	Error          string
	ExecutionCount int
}

// Failed reports whether the executed code raised.
func (r Response) Failed() bool {
	return r.Error != ""
}

// Kernel executes block source against a persistent namespace.
//
// Execute returns a non-nil error only when the kernel itself failed
// (ErrKernelDead) or ctx expired before the code finished. Calls must not
// overlap; the session layer serializes them.
type Kernel interface {
	Execute(ctx context.Context, req Request) (Response, error)
	Close() error
}

// Factory starts a fresh kernel.
type Factory func(ctx context.Context) (Kernel, error)
