package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/blockflow/analyzer"
	"github.com/songzhibin97/blockflow/dag"
	"github.com/songzhibin97/blockflow/events"
	"github.com/songzhibin97/blockflow/session"
	"github.com/songzhibin97/blockflow/storage"
	"github.com/songzhibin97/blockflow/types"
)

// Event types
const (
	EventExecutionStarted  = "execution_started"
	EventNodeStarted       = "node_started"
	EventNodeFinished      = "node_finished"
	EventExecutionFinished = "execution_finished"
	EventDefinitionUpdated = "definition_updated"
)

// DefaultNodeTimeout bounds one node run unless WithNodeTimeout says otherwise.
const DefaultNodeTimeout = 5 * time.Minute

// CancelledMessage is the error message of an execution stopped by Cancel.
const CancelledMessage = "execution cancelled by user"

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithNodeTimeout sets the per-node execution budget.
func WithNodeTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.nodeTimeout = d
		}
	}
}

// WithAnalyzer replaces the default dependency analyzer.
func WithAnalyzer(a *analyzer.Analyzer) Option {
	return func(e *Engine) {
		if a != nil {
			e.analyzer = a
		}
	}
}

// WithEventBus sets the bus lifecycle events are published on. The engine stops it on Stop.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) {
		if bus != nil {
			e.eventBus = bus
		}
	}
}

// WithArtifactSink sets where node results are forwarded after being recorded.
func WithArtifactSink(sink ArtifactSink) Option {
	return func(e *Engine) {
		e.sink = sink
	}
}

// WithClock sets the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		if c != nil {
			e.clock = c
		}
	}
}

// StartOptions selects what an execution runs.
type StartOptions struct {
	// SelectedNodes restricts the run to these nodes, still in execution order. Empty runs all.
	SelectedNodes []string
	// Force reruns every node even when its prior result in the session is still valid.
	Force bool
	// IncludeDependencies adds every node a selected node transitively depends on.
	IncludeDependencies bool
	// IncludeDependents adds every node that transitively depends on a selected node.
	IncludeDependents bool
}

// AnalysisReport is the outcome of Analyze.
type AnalysisReport struct {
	DependencyMap map[string]types.DependencyInfo
	Graph         *dag.Graph
	Validation    dag.Validation
	Warnings      []*analyzer.AnalysisError
}

// StatusReport is a point-in-time view of an execution.
type StatusReport struct {
	Execution  types.WorkflowExecution
	Completed  int
	Failed     int
	Skipped    int
	Pending    int
	Running    int
	Cached     int
	DurationMs int64
}

// Statistics summarises the executions of one definition.
type Statistics struct {
	DefinitionID      uint64
	Total             int
	Completed         int
	Failed            int
	Cancelled         int
	Active            int
	SuccessRate       float64 // completed / finished, 0 when nothing finished
	AverageDurationMs int64   // over finished executions that started
	AverageNodeTimeMs float64 // over node runs that reached the session, reused results excluded
}

// run is the live handle of one execution. The engine goroutine driving it owns
// the record; readers load immutable snapshots. Saves are serialized by mu, and
// once a cancel is accepted every saved record carries the cancelled state.
type run struct {
	id           uint64
	definitionID uint64
	snapshot     atomic.Pointer[types.WorkflowExecution]
	done         chan struct{}

	mu          sync.Mutex
	cancelled   bool
	cancelledAt int64
	finished    bool
}

// markCancelled applies an accepted cancel to exec. Callers hold r.mu.
func (r *run) markCancelled(exec *types.WorkflowExecution) {
	exec.Status = types.StatusCancelled
	exec.CompletedAt = r.cancelledAt
	exec.ErrorMessage = CancelledMessage
}

func (r *run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// definitionSession is the session a definition's executions share.
type definitionSession struct {
	id     uint64
	ledger *ledger
}

// Engine analyzes notebooks into workflow definitions and executes them
// against persistent sessions.
type Engine struct {
	generate    generator.Generator
	store       storage.Storage
	sessions    *session.Manager
	source      BlockSource
	analyzer    *analyzer.Analyzer
	eventBus    *events.EventBus
	sink        ArtifactSink
	logger      *slog.Logger
	clock       clock.Clock
	nodeTimeout time.Duration

	cacheMu     sync.RWMutex
	definitions map[uint64]types.WorkflowDefinition

	mu         sync.Mutex
	live       map[uint64]*run // by definition ID
	runs       map[uint64]*run // by execution ID
	defSession map[uint64]*definitionSession
	stopped    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine creates an Engine. A nil store defaults to in-memory storage.
func NewEngine(generate generator.Generator, store storage.Storage, sessions *session.Manager, source BlockSource, opts ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if sessions == nil {
		return nil, errors.New("session manager is required")
	}
	if source == nil {
		return nil, errors.New("block source is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}

	e := &Engine{
		generate:    generate,
		store:       store,
		sessions:    sessions,
		source:      source,
		logger:      slog.Default(),
		clock:       clock.New(),
		nodeTimeout: DefaultNodeTimeout,
		definitions: make(map[uint64]types.WorkflowDefinition),
		live:        make(map[uint64]*run),
		runs:        make(map[uint64]*run),
		defSession:  make(map[uint64]*definitionSession),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.analyzer == nil {
		e.analyzer = analyzer.New(analyzer.WithLogger(e.logger))
	}
	if e.eventBus == nil {
		e.eventBus = events.NewEventBus(events.WithLogger(e.logger))
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type.
func (e *Engine) SubscribeEvent(eventType string, handler events.EventHandler) {
	e.eventBus.Subscribe(eventType, handler)
}

// Analyze computes the dependency map of blocks and validates the resulting graph.
// Unparsable blocks are reported as warnings; a cycle is reported in Validation.
func (e *Engine) Analyze(ctx context.Context, blocks []types.Block) (*AnalysisReport, error) {
	res, err := e.analyzer.AnalyzeBlocks(ctx, blocks)
	if err != nil {
		return nil, err
	}
	report := &AnalysisReport{DependencyMap: res.DependencyMap, Warnings: res.Warnings}

	graph, err := dag.Build(res.DependencyMap, blocks)
	if err != nil && !dag.IsCycle(err) {
		return nil, err
	}
	report.Graph = graph
	if err != nil {
		report.Validation = dag.Validate(graph.Nodes, graph.Edges)
	} else {
		report.Validation = dag.Validation{IsValid: true}
	}
	return report, nil
}

// BuildDAG turns a dependency map into nodes, edges and an execution order.
func (e *Engine) BuildDAG(depMap map[string]types.DependencyInfo, blocks []types.Block) (*dag.Graph, error) {
	return dag.Build(depMap, blocks)
}

// RefreshDefinition re-analyzes the project's blocks and updates its active definition.
//
// A cycle is returned as a *dag.CycleError and leaves the stored definition untouched.
// The version is bumped only when nodes, edges, order or dependency summaries change.
func (e *Engine) RefreshDefinition(ctx context.Context, projectID string) (*types.WorkflowDefinition, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	blocks, err := e.source.ListBlocks(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list blocks of project %s: %w", projectID, err)
	}
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoBlocks, projectID)
	}
	report, err := e.Analyze(ctx, blocks)
	if err != nil {
		return nil, err
	}
	if !report.Validation.IsValid {
		cycleErr := &dag.CycleError{Nodes: report.Validation.CycleNodes}
		e.logger.Warn("definition not updated, dependency cycle",
			slog.String("project_id", projectID),
			slog.String("error", cycleErr.Error()))
		return nil, cycleErr
	}

	fingerprints := make(map[string]string, len(blocks))
	for _, b := range blocks {
		fingerprints[b.ID] = Fingerprint(b.Source, report.DependencyMap[b.ID])
	}

	now := e.clock.Now().UnixMilli()
	def, err := e.store.LoadActiveDefinition(ctx, projectID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		id, genErr := e.generate.NextID()
		if genErr != nil {
			return nil, fmt.Errorf("failed to generate definition ID: %w", genErr)
		}
		def = types.WorkflowDefinition{
			ID:        id,
			ProjectID: projectID,
			Name:      projectID,
			IsActive:  true,
			CreatedAt: now,
		}
	case err != nil:
		return nil, fmt.Errorf("failed to load active definition: %w", err)
	}

	candidate := def
	candidate.Nodes = report.Graph.Nodes
	candidate.Edges = report.Graph.Edges
	candidate.ExecutionOrder = report.Graph.ExecutionOrder
	candidate.DependencyMap = report.DependencyMap
	candidate.Fingerprints = fingerprints

	structural := def.Version == 0 || !sameStructure(def, candidate)
	if !structural && sameFingerprints(def.Fingerprints, fingerprints) {
		e.cacheDefinition(def)
		return &def, nil
	}
	if structural {
		candidate.Version = def.Version + 1
	}
	candidate.UpdatedAt = now
	if err := e.store.SaveDefinition(ctx, candidate); err != nil {
		return nil, fmt.Errorf("failed to save definition: %w", err)
	}
	e.cacheDefinition(candidate)

	e.logger.Info("definition refreshed",
		slog.Uint64("definition_id", candidate.ID),
		slog.String("project_id", projectID),
		slog.Int("version", candidate.Version),
		slog.Int("nodes", len(candidate.Nodes)),
		slog.Int("edges", len(candidate.Edges)))
	e.publishEvent(EventDefinitionUpdated, func(ev *events.Event) {
		ev.DefinitionID = candidate.ID
		ev.Data = map[string]interface{}{
			"project_id": projectID,
			"version":    candidate.Version,
			"structural": structural,
		}
	})
	return &candidate, nil
}

func sameStructure(a, b types.WorkflowDefinition) bool {
	type structure struct {
		Nodes []string                        `json:"nodes"`
		Edges []types.Edge                    `json:"edges"`
		Order []string                        `json:"order"`
		Deps  map[string]types.DependencyInfo `json:"deps"`
	}
	ra, errA := json.Marshal(structure{a.Nodes, a.Edges, a.ExecutionOrder, a.DependencyMap})
	rb, errB := json.Marshal(structure{b.Nodes, b.Edges, b.ExecutionOrder, b.DependencyMap})
	return errA == nil && errB == nil && bytes.Equal(ra, rb)
}

func sameFingerprints(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// GetDefinition retrieves a workflow definition, checking the cache first.
func (e *Engine) GetDefinition(ctx context.Context, id uint64) (*types.WorkflowDefinition, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	def, err := e.getDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	return &def, nil
}

func (e *Engine) getDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	e.cacheMu.RLock()
	def, ok := e.definitions[id]
	e.cacheMu.RUnlock()
	if ok {
		return def, nil
	}

	def, err := e.store.GetDefinition(ctx, id)
	if err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("failed to get definition: %w", err)
	}
	e.cacheDefinition(def)
	return def, nil
}

func (e *Engine) cacheDefinition(def types.WorkflowDefinition) {
	e.cacheMu.Lock()
	e.definitions[def.ID] = def
	e.cacheMu.Unlock()
}

// Start creates a pending execution of the definition and runs it in the background.
//
// It fails with a *ConflictError while another execution of the same definition
// is pending or running, and with ErrUnknownNode when a selected node is not part
// of the definition. The returned value is the pending snapshot.
func (e *Engine) Start(ctx context.Context, definitionID uint64, opts StartOptions) (*types.WorkflowExecution, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	def, err := e.getDefinition(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	for _, id := range opts.SelectedNodes {
		if !def.HasNode(id) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
		}
	}
	plan := dag.Restrict(def.ExecutionOrder, expandSelection(def, opts))

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil, ErrEngineStopped
	}
	if other, ok := e.live[definitionID]; ok {
		e.mu.Unlock()
		return nil, &ConflictError{DefinitionID: definitionID, ExecutionID: other.id}
	}
	id, err := e.generate.NextID()
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("failed to generate execution ID: %w", err)
	}
	r := &run{id: id, definitionID: definitionID, done: make(chan struct{})}
	e.live[definitionID] = r
	e.runs[id] = r
	e.wg.Add(1)
	e.mu.Unlock()

	now := e.clock.Now().UnixMilli()
	exec := types.WorkflowExecution{
		ID:                id,
		DefinitionID:      def.ID,
		DefinitionVersion: def.Version,
		ProjectID:         def.ProjectID,
		Status:            types.StatusPending,
		Plan:              plan,
		NodeStatus:        make(map[string]string, len(plan)),
		NodeResults:       make(map[string]types.ExecutionResult, len(plan)),
		Force:             opts.Force,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	for _, node := range plan {
		exec.NodeStatus[node] = types.StatusPending
	}

	if err := e.save(ctx, r, &exec); err != nil {
		e.unregister(r)
		close(r.done)
		e.wg.Done()
		return nil, fmt.Errorf("failed to save execution: %w", err)
	}
	out := r.snapshot.Load().Clone()

	go e.execute(r, def, exec)
	return &out, nil
}

// expandSelection returns the nodes to run, or nil for all of them.
func expandSelection(def types.WorkflowDefinition, opts StartOptions) []string {
	if len(opts.SelectedNodes) == 0 {
		return nil
	}
	if !opts.IncludeDependencies && !opts.IncludeDependents {
		return opts.SelectedNodes
	}
	out := append([]string(nil), opts.SelectedNodes...)
	for _, id := range opts.SelectedNodes {
		if opts.IncludeDependencies {
			out = append(out, dag.Ancestors(def.Edges, id)...)
		}
		if opts.IncludeDependents {
			out = append(out, dag.Descendants(def.Edges, id)...)
		}
	}
	return out
}

func (e *Engine) unregister(r *run) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.live[r.definitionID] == r {
		delete(e.live, r.definitionID)
	}
	delete(e.runs, r.id)
}

func (e *Engine) lookupRun(id uint64) (*run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[id]
	return r, ok
}

// Cancel stops a pending or running execution. On acceptance the execution is
// recorded as cancelled right away; a node already in flight finishes and the
// nodes after it are skipped. It reports false when the execution has already
// finished.
func (e *Engine) Cancel(ctx context.Context, executionID uint64) (bool, error) {
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	default:
	}

	r, ok := e.lookupRun(executionID)
	if !ok {
		if _, err := e.store.GetExecution(ctx, executionID); err != nil {
			return false, err
		}
		return false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return false, nil
	}
	if r.cancelled {
		return true, nil
	}
	r.cancelled = true
	r.cancelledAt = e.clock.Now().UnixMilli()
	e.logger.Info("execution cancelled", slog.Uint64("execution_id", executionID))
	if snap := r.snapshot.Load(); snap != nil {
		exec := snap.Clone()
		_ = e.saveLocked(ctx, r, &exec)
	}
	return true, nil
}

// ActiveExecutions returns the latest snapshot of every execution still driven
// by the engine, oldest first.
func (e *Engine) ActiveExecutions(ctx context.Context) ([]types.WorkflowExecution, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	e.mu.Lock()
	runs := make([]*run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	out := make([]types.WorkflowExecution, 0, len(runs))
	for _, r := range runs {
		if snap := r.snapshot.Load(); snap != nil {
			out = append(out, snap.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// GetExecution returns the latest snapshot of an execution.
func (e *Engine) GetExecution(ctx context.Context, executionID uint64) (*types.WorkflowExecution, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if r, ok := e.lookupRun(executionID); ok {
		if snap := r.snapshot.Load(); snap != nil {
			out := snap.Clone()
			return &out, nil
		}
	}
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// GetStatus returns a snapshot of the execution with node counts and duration.
func (e *Engine) GetStatus(ctx context.Context, executionID uint64) (*StatusReport, error) {
	exec, err := e.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{Execution: *exec}
	for _, node := range exec.Plan {
		switch exec.NodeStatus[node] {
		case types.StatusCompleted:
			report.Completed++
		case types.StatusFailed:
			report.Failed++
		case types.StatusSkipped:
			report.Skipped++
		case types.StatusRunning:
			report.Running++
		default:
			report.Pending++
		}
		if exec.NodeResults[node].Cached {
			report.Cached++
		}
	}
	report.DurationMs = duration(*exec, e.clock.Now().UnixMilli())
	return report, nil
}

func duration(exec types.WorkflowExecution, now int64) int64 {
	if exec.StartedAt == 0 {
		return 0
	}
	end := exec.CompletedAt
	if end == 0 {
		end = now
	}
	return end - exec.StartedAt
}

// Wait blocks until the execution reaches a terminal state and returns its final record.
func (e *Engine) Wait(ctx context.Context, executionID uint64) (*types.WorkflowExecution, error) {
	if r, ok := e.lookupRun(executionID); ok {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-r.done:
		}
		snap := r.snapshot.Load().Clone()
		return &snap, nil
	}
	return e.GetExecution(ctx, executionID)
}

// ListExecutions returns the executions of a definition ordered by creation time.
func (e *Engine) ListExecutions(ctx context.Context, definitionID uint64) ([]types.WorkflowExecution, error) {
	return e.store.ListExecutions(ctx, definitionID)
}

// PruneExecutions removes the stored records of finished executions and
// returns how many were removed. Executions the engine still drives are kept,
// including cancelled ones whose last node has not returned yet.
func (e *Engine) PruneExecutions(ctx context.Context) (int, error) {
	e.mu.Lock()
	live := make(map[uint64]struct{}, len(e.runs))
	for id := range e.runs {
		live[id] = struct{}{}
	}
	e.mu.Unlock()

	removed, err := e.store.ClearFinished(ctx, func(id uint64) bool {
		_, ok := live[id]
		return ok
	})
	if err != nil {
		return 0, err
	}
	e.logger.Info("pruned finished executions", slog.Int("removed", removed))
	return removed, nil
}

// Statistics aggregates the recorded executions of a definition.
func (e *Engine) Statistics(ctx context.Context, definitionID uint64) (*Statistics, error) {
	execs, err := e.store.ListExecutions(ctx, definitionID)
	if err != nil {
		return nil, err
	}
	stats := &Statistics{DefinitionID: definitionID, Total: len(execs)}
	var totalMs, timed, nodeMs, nodeRuns int64
	for _, exec := range execs {
		for _, result := range exec.NodeResults {
			if !result.Cached {
				nodeMs += result.ExecutionTimeMs
				nodeRuns++
			}
		}
		switch exec.Status {
		case types.StatusCompleted:
			stats.Completed++
		case types.StatusFailed:
			stats.Failed++
		case types.StatusCancelled:
			stats.Cancelled++
		default:
			stats.Active++
		}
		if exec.IsTerminal() && exec.StartedAt > 0 {
			totalMs += exec.CompletedAt - exec.StartedAt
			timed++
		}
	}
	if finished := stats.Completed + stats.Failed + stats.Cancelled; finished > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(finished)
	}
	if timed > 0 {
		stats.AverageDurationMs = totalMs / timed
	}
	if nodeRuns > 0 {
		stats.AverageNodeTimeMs = float64(nodeMs) / float64(nodeRuns)
	}
	return stats, nil
}

// Stop aborts in-flight executions, waits for them to record their final state,
// terminates the engine's sessions and stops the event bus.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	e.mu.Unlock()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	e.mu.Lock()
	owned := make([]uint64, 0, len(e.defSession))
	for defID, ds := range e.defSession {
		owned = append(owned, ds.id)
		delete(e.defSession, defID)
	}
	e.mu.Unlock()
	for _, id := range owned {
		if err := e.sessions.Terminate(ctx, id); err != nil {
			e.logger.Warn("failed to terminate session", slog.Uint64("session_id", id), slog.String("error", err.Error()))
		}
	}

	e.eventBus.Stop()
	return nil
}

// publishEvent hands an event to the bus without waiting for handlers. fill
// builds the event and is skipped when nobody listens for eventType.
func (e *Engine) publishEvent(eventType string, fill func(event *events.Event)) {
	if !e.eventBus.HasSubscribers(eventType) {
		return
	}
	event := events.Event{Type: eventType, Timestamp: e.clock.Now().UnixMilli()}
	fill(&event)
	if err := e.eventBus.Publish(context.Background(), event); err != nil && !errors.Is(err, events.ErrNoHandler) {
		e.logger.Debug("event dropped", slog.String("event", eventType), slog.String("error", err.Error()))
	}
}
