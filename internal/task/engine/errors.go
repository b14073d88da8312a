package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrAborted marks tasks that never started because a fatal error or
	// cancellation ended the run.
	ErrAborted     = errors.New("task aborted")
	ErrCircuitOpen = errors.New("task skipped: circuit breaker open")
)

// Fatal marks an error as fatal to the whole run: no further tasks start.
//
// Example:
//
//	return engine.Fatal(fmt.Errorf("session lost: %w", err))
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fatalError{err: err}
}

// IsFatal reports whether err is wrapped with Fatal.
func IsFatal(err error) bool {
	var e fatalError
	return errors.As(err, &e)
}

type fatalError struct{ err error }

func (e fatalError) Error() string { return fmt.Sprintf("fatal: %v", e.err) }
func (e fatalError) Unwrap() error { return e.err }
