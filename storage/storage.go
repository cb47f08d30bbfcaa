package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/songzhibin97/blockflow/types"
)

// Errors
var (
	// ErrNotFound is returned when a requested resource is not found.
	ErrNotFound = errors.New("resource not found")

	ErrDefinitionNotFound = fmt.Errorf("workflow definition %w", ErrNotFound)
	ErrExecutionNotFound  = fmt.Errorf("workflow execution %w", ErrNotFound)
)

// Storage persists workflow definitions and executions.
//
// Saving a definition with IsActive set makes it the project's active
// definition and deactivates the previous one.
type Storage interface {
	// SaveDefinition saves a workflow definition.
	SaveDefinition(ctx context.Context, def types.WorkflowDefinition) error

	// GetDefinition retrieves a workflow definition by ID.
	GetDefinition(ctx context.Context, id uint64) (types.WorkflowDefinition, error)

	// LoadActiveDefinition retrieves the active definition of a project.
	LoadActiveDefinition(ctx context.Context, projectID string) (types.WorkflowDefinition, error)

	// SaveExecution saves a workflow execution.
	SaveExecution(ctx context.Context, exec types.WorkflowExecution) error

	// GetExecution retrieves a workflow execution by ID.
	GetExecution(ctx context.Context, id uint64) (types.WorkflowExecution, error)

	// ListExecutions returns the executions of a definition, oldest first.
	ListExecutions(ctx context.Context, definitionID uint64) ([]types.WorkflowExecution, error)

	// ClearFinished removes terminal executions for which keep, when set,
	// returns false, and reports how many were removed.
	ClearFinished(ctx context.Context, keep func(id uint64) bool) (int, error)
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}
