package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/songzhibin97/blockflow/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
type MemoryStorage struct {
	definitions map[uint64]types.WorkflowDefinition
	executions  map[uint64]types.WorkflowExecution
	active      map[string]uint64 // project -> active definition
	mu          sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		definitions: make(map[uint64]types.WorkflowDefinition),
		executions:  make(map[uint64]types.WorkflowExecution),
		active:      make(map[string]uint64),
	}
}

// getItem is a standalone generic helper function.
func getItem[T any](ctx context.Context, mu *sync.RWMutex, m map[uint64]T, id uint64, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[id]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: id=%d", errNotFound, id)
		}
		return item, nil
	})
}

// SaveDefinition saves a workflow definition to memory.
func (s *MemoryStorage) SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if def.IsActive {
			if prev, ok := s.active[def.ProjectID]; ok && prev != def.ID {
				old := s.definitions[prev]
				old.IsActive = false
				s.definitions[prev] = old
			}
			s.active[def.ProjectID] = def.ID
		} else if s.active[def.ProjectID] == def.ID {
			delete(s.active, def.ProjectID)
		}
		s.definitions[def.ID] = def
		return struct{}{}, nil
	})
	return err
}

// GetDefinition retrieves a workflow definition from memory.
func (s *MemoryStorage) GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error) {
	return getItem(ctx, &s.mu, s.definitions, id, ErrDefinitionNotFound)
}

// LoadActiveDefinition retrieves the active definition of a project from memory.
func (s *MemoryStorage) LoadActiveDefinition(ctx context.Context, projectID string) (types.WorkflowDefinition, error) {
	return withContext(ctx, func() (types.WorkflowDefinition, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		id, ok := s.active[projectID]
		if !ok {
			return types.WorkflowDefinition{}, fmt.Errorf("%w: project=%s", ErrDefinitionNotFound, projectID)
		}
		return s.definitions[id], nil
	})
}

// SaveExecution saves a workflow execution to memory.
func (s *MemoryStorage) SaveExecution(ctx context.Context, exec types.WorkflowExecution) error {
	_, err := withContext(ctx, func() (struct{}, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.executions[exec.ID] = exec.Clone()
		return struct{}{}, nil
	})
	return err
}

// GetExecution retrieves a workflow execution from memory.
func (s *MemoryStorage) GetExecution(ctx context.Context, id uint64) (types.WorkflowExecution, error) {
	exec, err := getItem(ctx, &s.mu, s.executions, id, ErrExecutionNotFound)
	if err != nil {
		return exec, err
	}
	return exec.Clone(), nil
}

// ListExecutions returns the executions of a definition ordered by creation time.
func (s *MemoryStorage) ListExecutions(ctx context.Context, definitionID uint64) ([]types.WorkflowExecution, error) {
	return withContext(ctx, func() ([]types.WorkflowExecution, error) {
		s.mu.RLock()
		var out []types.WorkflowExecution
		for _, exec := range s.executions {
			if exec.DefinitionID == definitionID {
				out = append(out, exec.Clone())
			}
		}
		s.mu.RUnlock()
		sortExecutions(out)
		return out, nil
	})
}

// ClearFinished removes completed, failed and cancelled executions and
// reports how many were removed.
func (s *MemoryStorage) ClearFinished(ctx context.Context, keep func(id uint64) bool) (int, error) {
	return withContext(ctx, func() (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		removed := 0
		for id, exec := range s.executions {
			if exec.IsTerminal() && (keep == nil || !keep(id)) {
				delete(s.executions, id)
				removed++
			}
		}
		return removed, nil
	})
}

func sortExecutions(execs []types.WorkflowExecution) {
	sort.Slice(execs, func(i, j int) bool {
		if execs[i].CreatedAt != execs[j].CreatedAt {
			return execs[i].CreatedAt < execs[j].CreatedAt
		}
		return execs[i].ID < execs[j].ID
	})
}
