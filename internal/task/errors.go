package task

import (
	"errors"

	"github.com/Markmu/sector-strength-sub001/internal/store"
)

var (
	// ErrTaskNotFound is returned when a task id does not exist.
	ErrTaskNotFound = store.ErrTaskNotFound

	// ErrInvalidTask is returned by CreateTask for malformed input.
	ErrInvalidTask = errors.New("invalid task")

	// ErrInvalidParams marks missing or malformed task parameters.
	// Handlers wrap it so the executor fails the task without retrying.
	ErrInvalidParams = errors.New("invalid task parameters")

	// ErrUnknownTaskType is returned when no handler is registered for a type.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrHandlerExists is returned when a type is registered twice.
	ErrHandlerExists = errors.New("handler already registered")

	// ErrExecutorRunning is returned by Start on a running executor.
	ErrExecutorRunning = errors.New("executor already running")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable. The executor fails the task
// immediately instead of consuming its retry budget.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent or is a
// configuration error (invalid params, unknown task type).
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p) || errors.Is(err, ErrInvalidParams) || errors.Is(err, ErrUnknownTaskType)
}
