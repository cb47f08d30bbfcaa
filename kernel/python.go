package kernel

import (
	"bufio"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/songzhibin97/blockflow/types"
)

//go:embed driver.py
var driverSource string

const (
	defaultPythonBinary   = "python3"
	defaultInterruptGrace = 2 * time.Second
	maxMessageSize        = 64 << 20
)

// PythonOption configures a PythonKernel.
type PythonOption func(*PythonKernel)

// WithPythonBinary sets the interpreter to launch.
func WithPythonBinary(path string) PythonOption {
	return func(k *PythonKernel) {
		if path != "" {
			k.binary = path
		}
	}
}

// WithInterruptGrace sets how long an interrupted run may take to stop
// before the interpreter is killed.
func WithInterruptGrace(d time.Duration) PythonOption {
	return func(k *PythonKernel) {
		if d > 0 {
			k.grace = d
		}
	}
}

// WithWorkDir sets the interpreter's working directory.
func WithWorkDir(dir string) PythonOption {
	return func(k *PythonKernel) {
		k.workDir = dir
	}
}

// WithPythonLogger sets the logger of the kernel.
func WithPythonLogger(logger *slog.Logger) PythonOption {
	return func(k *PythonKernel) {
		if logger != nil {
			k.logger = logger
		}
	}
}

type pythonRequest struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Tag  string `json:"tag"`
}

type pythonReply struct {
	ID             string           `json:"id"`
	Outputs        []types.Artifact `json:"outputs"`
	Error          string           `json:"error"`
	ExecutionCount int              `json:"execution_count"`
}

// PythonKernel drives a python3 subprocess over a JSON-lines protocol.
//
// Each request carries an id; the reader goroutine routes the matching reply
// to the waiting Execute call through its own channel. When ctx expires the
// interpreter receives SIGINT, and is killed if it has not replied within the
// interrupt grace.
type PythonKernel struct {
	binary  string
	grace   time.Duration
	workDir string
	logger  *slog.Logger

	cmd   *exec.Cmd
	stdin io.WriteCloser

	execMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan pythonReply
	exited  chan struct{}
	waitErr error
	closed  bool
}

// StartPython launches an interpreter and waits until its driver is ready.
func StartPython(ctx context.Context, opts ...PythonOption) (*PythonKernel, error) {
	k := &PythonKernel{
		binary:  defaultPythonBinary,
		grace:   defaultInterruptGrace,
		logger:  slog.Default(),
		pending: make(map[string]chan pythonReply),
		exited:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(k)
	}

	cmd := exec.Command(k.binary, "-u", "-c", driverSource)
	cmd.Dir = k.workDir
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open kernel stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open kernel stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", k.binary, err)
	}
	k.cmd = cmd
	k.stdin = stdin

	ready := make(chan pythonReply, 1)
	k.pending["ready"] = ready
	go k.readLoop(stdout)

	select {
	case <-ready:
		k.logger.Debug("python kernel started", slog.Int("pid", cmd.Process.Pid))
		return k, nil
	case <-k.exited:
		return nil, fmt.Errorf("%w: interpreter exited during startup: %v", ErrKernelDead, k.waitErr)
	case <-ctx.Done():
		_ = k.Close()
		return nil, ctx.Err()
	}
}

// NewPythonFactory returns a Factory starting one interpreter per kernel.
func NewPythonFactory(opts ...PythonOption) Factory {
	return func(ctx context.Context) (Kernel, error) {
		return StartPython(ctx, opts...)
	}
}

func (k *PythonKernel) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxMessageSize)
	for scanner.Scan() {
		var reply pythonReply
		if err := json.Unmarshal(scanner.Bytes(), &reply); err != nil {
			k.logger.Warn("discarding malformed kernel message", slog.String("error", err.Error()))
			continue
		}
		k.mu.Lock()
		ch, ok := k.pending[reply.ID]
		delete(k.pending, reply.ID)
		k.mu.Unlock()
		if ok {
			ch <- reply
		}
	}
	if err := scanner.Err(); err != nil {
		k.logger.Warn("kernel output stream failed", slog.String("error", err.Error()))
	}

	err := k.cmd.Wait()
	k.mu.Lock()
	k.waitErr = err
	k.mu.Unlock()
	close(k.exited)
}

// Execute implements Kernel.
func (k *PythonKernel) Execute(ctx context.Context, req Request) (Response, error) {
	k.execMu.Lock()
	defer k.execMu.Unlock()

	select {
	case <-k.exited:
		return Response{}, ErrKernelDead
	default:
	}
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	id := uuid.NewString()
	ch := make(chan pythonReply, 1)
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return Response{}, ErrKernelDead
	}
	k.pending[id] = ch
	k.mu.Unlock()

	line, err := json.Marshal(pythonRequest{ID: id, Code: req.Code, Tag: req.Tag})
	if err != nil {
		k.forget(id)
		return Response{}, fmt.Errorf("failed to encode request: %w", err)
	}
	if _, err := k.stdin.Write(append(line, '\n')); err != nil {
		k.forget(id)
		return Response{}, fmt.Errorf("%w: %v", ErrKernelDead, err)
	}

	select {
	case reply := <-ch:
		return reply.response(), nil
	case <-k.exited:
		return Response{}, ErrKernelDead
	case <-ctx.Done():
	}

	// Interrupt the run and give the interpreter a chance to report.
	if err := k.cmd.Process.Signal(os.Interrupt); err != nil {
		k.logger.Warn("failed to interrupt kernel", slog.String("error", err.Error()))
	}
	timer := time.NewTimer(k.grace)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply.response(), ctx.Err()
	case <-k.exited:
		return Response{}, ErrKernelDead
	case <-timer.C:
		k.logger.Warn("kernel ignored interrupt, killing it",
			slog.String("tag", req.Tag),
			slog.Duration("grace", k.grace))
		_ = k.kill()
		return Response{}, fmt.Errorf("%w: killed after ignoring interrupt", ErrKernelDead)
	}
}

func (r pythonReply) response() Response {
	return Response{Outputs: r.Outputs, Error: r.Error, ExecutionCount: r.ExecutionCount}
}

func (k *PythonKernel) forget(id string) {
	k.mu.Lock()
	delete(k.pending, id)
	k.mu.Unlock()
}

func (k *PythonKernel) kill() error {
	if err := k.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-k.exited
	return nil
}

// Close implements Kernel. It closes stdin so the driver exits, and kills
// the interpreter if it does not exit within the interrupt grace.
func (k *PythonKernel) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	_ = k.stdin.Close()
	select {
	case <-k.exited:
		return nil
	case <-time.After(k.grace):
		return k.kill()
	}
}
