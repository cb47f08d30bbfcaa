package session

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionTerminated = errors.New("session is terminated")
	ErrSessionFailed     = errors.New("session failed")
	ErrManagerClosed     = errors.New("session manager is closed")

	// ErrNodeExecution and ErrNodeTimeout describe a failed block run. They are
	// recorded in the ExecutionResult, never returned from Execute.
	ErrNodeExecution = errors.New("node execution failed")
	ErrNodeTimeout   = errors.New("node execution timed out")
)

// SessionError reports that the kernel behind a session died. The session
// has been terminated and removed from the registry.
type SessionError struct {
	SessionID uint64
	Err       error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %d failed: %v", e.SessionID, e.Err)
}

func (e *SessionError) Unwrap() []error {
	return []error{ErrSessionFailed, e.Err}
}
