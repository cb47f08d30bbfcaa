package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/songzhibin97/blockflow/analyzer"
	"github.com/songzhibin97/blockflow/events"
	"github.com/songzhibin97/blockflow/session"
	"github.com/songzhibin97/blockflow/types"
)

// execute drives one execution to a terminal state. It owns exec; every change
// is saved and then published as a fresh snapshot.
func (e *Engine) execute(r *run, def types.WorkflowDefinition, exec types.WorkflowExecution) {
	defer e.wg.Done()
	ctx := e.ctx
	logger := e.logger.With(slog.Uint64("execution_id", exec.ID), slog.Uint64("definition_id", def.ID))

	blocks, err := e.source.ListBlocks(ctx, def.ProjectID)
	if err != nil {
		e.finish(ctx, r, &exec, types.StatusFailed, fmt.Sprintf("failed to list blocks: %v", err), 0)
		return
	}
	sources := make(map[string]*types.Block, len(blocks))
	for i := range blocks {
		sources[blocks[i].ID] = &blocks[i]
	}

	ds, err := e.acquireSession(ctx, def.ID)
	if err != nil {
		e.finish(ctx, r, &exec, types.StatusFailed, fmt.Sprintf("failed to acquire session: %v", err), 0)
		return
	}
	exec.SessionID = ds.id

	for i, node := range exec.Plan {
		if r.isCancelled() || ctx.Err() != nil {
			e.finish(ctx, r, &exec, types.StatusCancelled, "", i)
			return
		}

		if exec.Status == types.StatusPending {
			exec.Status = types.StatusRunning
			exec.StartedAt = e.clock.Now().UnixMilli()
			logger.Info("execution started", slog.Int("nodes", len(exec.Plan)), slog.Uint64("session_id", ds.id))
			e.publishEvent(EventExecutionStarted, func(ev *events.Event) {
				ev.ExecutionID = exec.ID
				ev.DefinitionID = def.ID
				ev.Data = map[string]interface{}{"session_id": ds.id, "plan": exec.Plan}
			})
		}
		exec.CurrentNode = node
		exec.NodeStatus[node] = types.StatusRunning
		_ = e.save(ctx, r, &exec)
		e.publishEvent(EventNodeStarted, func(ev *events.Event) {
			ev.ExecutionID = exec.ID
			ev.DefinitionID = def.ID
			ev.NodeID = node
		})

		result, err := e.runNode(ctx, ds, exec.Force, node, sources[node], e.nodeInfo(ctx, def, node, sources[node]))
		exec.NodeResults[node] = result
		exec.NodeStatus[node] = result.Status
		_ = e.save(ctx, r, &exec)
		e.recordNode(ctx, exec.ID, result)
		e.publishEvent(EventNodeFinished, func(ev *events.Event) {
			ev.ExecutionID = exec.ID
			ev.DefinitionID = def.ID
			ev.NodeID = node
			ev.Data = map[string]interface{}{
				"status":            result.Status,
				"execution_time_ms": result.ExecutionTimeMs,
				"cached":            result.Cached,
				"error":             result.Error,
			}
		})

		var serr *session.SessionError
		switch {
		case errors.As(err, &serr), errors.Is(err, session.ErrSessionNotFound), errors.Is(err, session.ErrSessionTerminated):
			logger.Error("session failed, execution aborted", slog.String("node_id", node), slog.String("error", err.Error()))
			e.dropSession(def.ID, ds)
			e.finish(ctx, r, &exec, types.StatusFailed, fmt.Sprintf("node %s failed: %s", node, result.Error), i+1)
			return
		case err != nil:
			// the engine is stopping
			e.finish(ctx, r, &exec, types.StatusCancelled, err.Error(), i+1)
			return
		case result.Status == types.StatusFailed:
			logger.Warn("node failed, halting execution", slog.String("node_id", node), slog.String("error", result.Error))
			e.finish(ctx, r, &exec, types.StatusFailed, fmt.Sprintf("node %s failed: %s", node, result.Error), i+1)
			return
		}
	}

	e.finish(ctx, r, &exec, types.StatusCompleted, "", len(exec.Plan))
}

// nodeInfo returns the dependency summary of the block as it is now. A block
// edited since the definition was refreshed is re-analyzed, so the session
// ledger tracks the names the edited source actually reads and writes.
func (e *Engine) nodeInfo(ctx context.Context, def types.WorkflowDefinition, node string, block *types.Block) types.DependencyInfo {
	info := def.DependencyMap[node]
	if block == nil || Fingerprint(block.Source, info) == def.Fingerprints[node] {
		return info
	}
	fresh, err := e.analyzer.Analyze(ctx, block.Source)
	var aerr *analyzer.AnalysisError
	if err != nil && !errors.As(err, &aerr) {
		// the engine is stopping; keep the stored summary but never reuse the node
		fresh = info
		fresh.ConsumesAll = true
	}
	e.logger.Debug("block changed since definition refresh",
		slog.Uint64("definition_id", def.ID),
		slog.String("node_id", node))
	return fresh
}

// runNode executes one block in the session, or reuses its prior result when
// incremental execution allows it.
func (e *Engine) runNode(ctx context.Context, ds *definitionSession, force bool, node string, block *types.Block, info types.DependencyInfo) (types.ExecutionResult, error) {
	if block == nil {
		return types.ExecutionResult{
			BlockID: node,
			Status:  types.StatusFailed,
			Outputs: []types.Artifact{},
			Error:   fmt.Sprintf("%v: %s", ErrBlockNotFound, node),
		}, nil
	}

	fingerprint := Fingerprint(block.Source, info)
	if !force {
		if result, ok := ds.ledger.reusable(node, info, fingerprint); ok {
			nodeExecutionsTotal.WithLabelValues("cached").Inc()
			return result, nil
		}
	}

	nodeCtx, cancel := context.WithTimeout(ctx, e.nodeTimeout)
	defer cancel()
	result, err := e.sessions.Execute(nodeCtx, ds.id, block.Source, node)
	if result.BlockID == "" {
		result.BlockID = node
	}
	if result.Status == "" {
		result.Status = types.StatusFailed
		result.Error = err.Error()
	}
	if result.Outputs == nil {
		result.Outputs = []types.Artifact{}
	}
	ds.ledger.record(node, info, fingerprint, result)

	nodeExecutionsTotal.WithLabelValues(result.Status).Inc()
	nodeDuration.Observe(time.Duration(result.ExecutionTimeMs * int64(time.Millisecond)).Seconds())
	return result, err
}

// recordNode forwards a node result to the artifact sink.
func (e *Engine) recordNode(ctx context.Context, executionID uint64, result types.ExecutionResult) {
	if e.sink == nil {
		return
	}
	if err := e.sink.Put(context.WithoutCancel(ctx), executionID, result); err != nil {
		e.logger.Warn("artifact sink rejected result",
			slog.Uint64("execution_id", executionID),
			slog.String("node_id", result.BlockID),
			slog.String("error", err.Error()))
	}
}

// finish stamps the terminal status, skips the plan nodes from index from on
// that have not started, and releases the definition for new executions.
func (e *Engine) finish(ctx context.Context, r *run, exec *types.WorkflowExecution, status, message string, from int) {
	r.mu.Lock()
	r.finished = true
	if r.cancelled {
		status = types.StatusCancelled
		message = CancelledMessage
	}
	r.mu.Unlock()

	for _, node := range exec.Plan[min(from, len(exec.Plan)):] {
		if exec.NodeStatus[node] == types.StatusPending {
			exec.NodeStatus[node] = types.StatusSkipped
		}
	}
	now := e.clock.Now().UnixMilli()
	if exec.StartedAt == 0 && status == types.StatusCompleted {
		exec.StartedAt = now
	}
	exec.Status = status
	exec.ErrorMessage = message
	exec.CurrentNode = ""
	exec.CompletedAt = now
	_ = e.save(ctx, r, exec)

	executionsTotal.WithLabelValues(status).Inc()
	e.logger.Info("execution finished",
		slog.Uint64("execution_id", exec.ID),
		slog.String("status", status),
		slog.Int64("duration_ms", duration(*exec, now)))
	e.publishEvent(EventExecutionFinished, func(ev *events.Event) {
		ev.ExecutionID = exec.ID
		ev.DefinitionID = exec.DefinitionID
		ev.Data = map[string]interface{}{
			"status":        status,
			"error_message": message,
		}
	})

	e.unregister(r)
	close(r.done)
}

// save persists the record and then publishes it to readers.
func (e *Engine) save(ctx context.Context, r *run, exec *types.WorkflowExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return e.saveLocked(ctx, r, exec)
}

func (e *Engine) saveLocked(ctx context.Context, r *run, exec *types.WorkflowExecution) error {
	if r.cancelled {
		r.markCancelled(exec)
	}
	exec.UpdatedAt = e.clock.Now().UnixMilli()
	snapshot := exec.Clone()
	err := e.store.SaveExecution(context.WithoutCancel(ctx), snapshot)
	if err != nil {
		e.logger.Error("failed to save execution",
			slog.Uint64("execution_id", exec.ID),
			slog.String("error", err.Error()))
	}
	r.snapshot.Store(&snapshot)
	return err
}

// acquireSession returns the definition's session, creating a new one when
// there is none or the previous one has been reaped.
func (e *Engine) acquireSession(ctx context.Context, definitionID uint64) (*definitionSession, error) {
	e.mu.Lock()
	ds := e.defSession[definitionID]
	e.mu.Unlock()

	if ds != nil {
		info, err := e.sessions.Get(ctx, ds.id)
		if err == nil && info.Status != session.StatusTerminated {
			return ds, nil
		}
		e.logger.Info("session gone, creating a new one",
			slog.Uint64("definition_id", definitionID),
			slog.Uint64("session_id", ds.id))
	}

	id, err := e.sessions.Create(ctx)
	if err != nil {
		return nil, err
	}
	ds = &definitionSession{id: id, ledger: newLedger()}
	e.mu.Lock()
	e.defSession[definitionID] = ds
	e.mu.Unlock()
	return ds, nil
}

func (e *Engine) dropSession(definitionID uint64, ds *definitionSession) {
	e.mu.Lock()
	if e.defSession[definitionID] == ds {
		delete(e.defSession, definitionID)
	}
	e.mu.Unlock()
}
