// Package session manages execution sessions: long-lived kernels whose
// variable bindings persist across block runs.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/blockflow/kernel"
	"github.com/songzhibin97/blockflow/types"
)

// Session states
const (
	StatusActive     = "active"
	StatusIdle       = "idle"
	StatusTerminated = "terminated"
)

const (
	defaultIdleTimeout  = 30 * time.Minute
	defaultReapInterval = time.Minute
)

// Info is a snapshot of a session.
type Info struct {
	ID             uint64 `json:"id"`
	CreatedAt      int64  `json:"created_at"`
	LastActivityAt int64  `json:"last_activity_at"`
	Status         string `json:"status"`
	ExecutionCount int    `json:"execution_count"`
}

type session struct {
	info   Info // guarded by Manager.mu
	kernel kernel.Kernel
	exec   sync.Mutex // serializes Execute calls
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger of the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock sets the clock used for timestamps and the reaper ticker.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithIdleTimeout sets how long a session may stay idle before it is reaped.
// Zero disables reaping.
func WithIdleTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.idleTimeout = d
		}
	}
}

// WithReapInterval sets how often idle sessions are looked for.
func WithReapInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.reapInterval = d
		}
	}
}

// Manager is the registry of execution sessions.
//
// Execute calls on one session run one at a time; calls on different
// sessions run in parallel. An idle reaper terminates sessions that have not
// executed anything for longer than the idle timeout. It never reclaims a
// session with an execution in flight.
type Manager struct {
	generate     generator.Generator
	factory      kernel.Factory
	clock        clock.Clock
	logger       *slog.Logger
	idleTimeout  time.Duration
	reapInterval time.Duration

	mu       sync.RWMutex
	sessions map[uint64]*session
	closed   bool

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a Manager starting kernels with factory.
func NewManager(generate generator.Generator, factory kernel.Factory, opts ...Option) (*Manager, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if factory == nil {
		return nil, errors.New("kernel factory is required")
	}

	m := &Manager{
		generate:     generate,
		factory:      factory,
		clock:        clock.New(),
		logger:       slog.Default(),
		idleTimeout:  defaultIdleTimeout,
		reapInterval: defaultReapInterval,
		sessions:     make(map[uint64]*session),
		stop:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.idleTimeout > 0 {
		ticker := m.clock.Ticker(m.reapInterval)
		m.wg.Add(1)
		go m.reapLoop(ticker)
	}
	return m, nil
}

// Create starts a kernel and registers a new idle session for it.
func (m *Manager) Create(ctx context.Context) (uint64, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	default:
	}

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return 0, ErrManagerClosed
	}

	id, err := m.generate.NextID()
	if err != nil {
		return 0, fmt.Errorf("failed to generate session ID: %w", err)
	}
	k, err := m.factory(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to start kernel: %w", err)
	}

	now := m.clock.Now().UnixMilli()
	s := &session{
		info: Info{
			ID:             id,
			CreatedAt:      now,
			LastActivityAt: now,
			Status:         StatusIdle,
		},
		kernel: k,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = k.Close()
		return 0, ErrManagerClosed
	}
	m.sessions[id] = s
	m.mu.Unlock()

	sessionsActive.Inc()
	m.logger.Debug("session created", slog.Uint64("session_id", id))
	return id, nil
}

// Execute runs source in the session and returns the block's result.
//
// A failing block or an expired deadline yields a failed result and a nil
// error; the session stays usable. If the kernel dies the session is
// terminated and a *SessionError is returned along with the failed result.
func (m *Manager) Execute(ctx context.Context, id uint64, source, tag string) (types.ExecutionResult, error) {
	s, err := m.lookup(id)
	if err != nil {
		return types.ExecutionResult{}, err
	}

	s.exec.Lock()
	defer s.exec.Unlock()

	m.mu.Lock()
	if s.info.Status == StatusTerminated {
		m.mu.Unlock()
		return types.ExecutionResult{}, fmt.Errorf("session %d: %w", id, ErrSessionTerminated)
	}
	s.info.Status = StatusActive
	s.info.LastActivityAt = m.clock.Now().UnixMilli()
	m.mu.Unlock()

	start := m.clock.Now()
	resp, kerr := s.kernel.Execute(ctx, kernel.Request{Code: source, Tag: tag})
	elapsed := m.clock.Since(start)

	result := types.ExecutionResult{
		BlockID:         tag,
		Status:          types.StatusCompleted,
		ExecutionTimeMs: elapsed.Milliseconds(),
		Outputs:         resp.Outputs,
	}
	if result.Outputs == nil {
		result.Outputs = []types.Artifact{}
	}

	switch {
	case kerr == nil && !resp.Failed():
		sessionExecutions.WithLabelValues("completed").Inc()
	case kerr == nil:
		result.Status = types.StatusFailed
		result.Error = fmt.Sprintf("%v: %s", ErrNodeExecution, resp.Error)
		sessionExecutions.WithLabelValues("failed").Inc()
	case errors.Is(kerr, kernel.ErrKernelDead):
		result.Status = types.StatusFailed
		result.Error = fmt.Sprintf("%v: %v", ErrSessionFailed, kerr)
		sessionExecutions.WithLabelValues("session_failed").Inc()
		m.logger.Error("kernel died, terminating session",
			slog.Uint64("session_id", id),
			slog.String("tag", tag),
			slog.String("error", kerr.Error()))
		m.remove(s)
		return result, &SessionError{SessionID: id, Err: kerr}
	case errors.Is(kerr, context.DeadlineExceeded):
		result.Status = types.StatusFailed
		result.Error = fmt.Sprintf("%v after %s", ErrNodeTimeout, elapsed.Round(time.Millisecond))
		sessionExecutions.WithLabelValues("timeout").Inc()
	default:
		result.Status = types.StatusFailed
		result.Error = kerr.Error()
		m.touch(s, resp.ExecutionCount)
		return result, kerr
	}

	m.touch(s, resp.ExecutionCount)
	return result, nil
}

// touch marks s idle after an execution.
func (m *Manager) touch(s *session, count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.info.Status == StatusTerminated {
		return
	}
	s.info.Status = StatusIdle
	s.info.LastActivityAt = m.clock.Now().UnixMilli()
	if count > s.info.ExecutionCount {
		s.info.ExecutionCount = count
	} else {
		s.info.ExecutionCount++
	}
}

// Terminate stops the session's kernel and forgets it. Terminating an
// unknown or already terminated session is a no-op.
func (m *Manager) Terminate(ctx context.Context, id uint64) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	m.remove(s)
	return nil
}

// remove marks s terminated, drops it from the registry and closes its kernel.
func (m *Manager) remove(s *session) {
	m.mu.Lock()
	if s.info.Status == StatusTerminated {
		m.mu.Unlock()
		return
	}
	s.info.Status = StatusTerminated
	delete(m.sessions, s.info.ID)
	m.mu.Unlock()

	sessionsActive.Dec()
	if err := s.kernel.Close(); err != nil {
		m.logger.Warn("failed to close kernel",
			slog.Uint64("session_id", s.info.ID),
			slog.String("error", err.Error()))
	}
	m.logger.Debug("session terminated", slog.Uint64("session_id", s.info.ID))
}

// Get returns a snapshot of the session.
func (m *Manager) Get(ctx context.Context, id uint64) (Info, error) {
	select {
	case <-ctx.Done():
		return Info{}, ctx.Err()
	default:
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return Info{}, fmt.Errorf("session %d: %w", id, ErrSessionNotFound)
	}
	return s.info, nil
}

// List returns snapshots of all live sessions ordered by ID.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	m.mu.RLock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.info)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Close stops the reaper and terminates every session.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	close(m.stop)
	m.wg.Wait()

	for _, s := range all {
		m.remove(s)
	}
	return nil
}

func (m *Manager) lookup(id uint64) (*session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrManagerClosed
	}
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %d: %w", id, ErrSessionNotFound)
	}
	return s, nil
}

func (m *Manager) reapLoop(ticker *clock.Ticker) {
	defer m.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reap()
		}
	}
}

// reap terminates sessions idle for longer than the idle timeout. Sessions
// whose execute lock is held are skipped.
func (m *Manager) reap() int {
	cutoff := m.clock.Now().Add(-m.idleTimeout).UnixMilli()

	m.mu.RLock()
	var candidates []*session
	for _, s := range m.sessions {
		if s.info.Status == StatusIdle && s.info.LastActivityAt < cutoff {
			candidates = append(candidates, s)
		}
	}
	m.mu.RUnlock()

	reaped := 0
	for _, s := range candidates {
		if !s.exec.TryLock() {
			continue
		}
		m.mu.RLock()
		expired := s.info.Status == StatusIdle && s.info.LastActivityAt < cutoff
		m.mu.RUnlock()
		if expired {
			m.remove(s)
			sessionsReaped.Inc()
			reaped++
			m.logger.Info("reaped idle session", slog.Uint64("session_id", s.info.ID))
		}
		s.exec.Unlock()
	}
	return reaped
}
