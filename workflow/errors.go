package workflow

import (
	"errors"
	"fmt"

	"github.com/songzhibin97/blockflow/storage"
)

var (
	ErrDefinitionNotFound = storage.ErrDefinitionNotFound
	ErrExecutionNotFound  = storage.ErrExecutionNotFound
	ErrUnknownNode        = errors.New("node is not part of the workflow definition")
	ErrBlockNotFound      = errors.New("block source not found")
	ErrConflict           = errors.New("workflow execution already running")
	ErrEngineStopped      = errors.New("workflow engine is stopped")
	ErrNoBlocks           = errors.New("project has no blocks")
)

// ConflictError is returned by Start when the definition already has a live execution.
type ConflictError struct {
	DefinitionID uint64
	ExecutionID  uint64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("definition %d: %v (execution %d)", e.DefinitionID, ErrConflict, e.ExecutionID)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }
