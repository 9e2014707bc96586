package coordinator

import (
	"errors"
	"fmt"

	"github.com/packpool/packpool/internal/controlplane/store"
)

var (
	// ErrOperationInProgress means the endpoint already has a non-terminal
	// operation. Requests are rejected, never queued silently.
	ErrOperationInProgress = fmt.Errorf("%w: operation already in progress", store.ErrConflict)

	// ErrTimeout means the operation exceeded its execution ceiling.
	ErrTimeout = errors.New("operation timeout")

	// ErrTransient marks a retryable unit failure. The executor retries it
	// within the budget; callers only ever see it after exhaustion, repacked
	// as ErrExecution.
	ErrTransient = errors.New("transient failure")

	// ErrExecution means the package execution collaborator reported a
	// terminal fault, or the retry budget was exhausted.
	ErrExecution = errors.New("execution failure")
)

type transientError struct{ err error }

func (e *transientError) Error() string        { return e.err.Error() }
func (e *transientError) Unwrap() error        { return e.err }
func (e *transientError) Is(target error) bool { return target == ErrTransient }

// Transient wraps err so the executor treats it as retryable.
// Package runners use this for i/o and process execution faults.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}
