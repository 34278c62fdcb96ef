package command

import (
	"errors"
	"fmt"
)

var (
	// ErrRejected is returned when the command call itself failed: a transport
	// error or a negative acknowledgement from the vehicle.
	ErrRejected = errors.New("command rejected")

	// ErrTimeout is returned when the command was accepted but its effect was
	// not observed in telemetry within the timeout.
	ErrTimeout = errors.New("command not confirmed before timeout")

	// ErrCancelled is returned when a wait was interrupted by shutdown.
	ErrCancelled = errors.New("command cancelled")

	// ErrNotReady is returned when a command is issued before the backend
	// completed its connection handshake.
	ErrNotReady = errors.New("backend not ready")

	// ErrFatal marks conditions that must abort the operation and be surfaced
	// to the process owner: a backend that cannot connect, or an estimator
	// that cannot be stopped.
	ErrFatal = errors.New("fatal backend failure")
)

// Error describes a failed command. It matches both the sentinel of its
// outcome and the underlying cause with errors.Is.
type Error struct {
	Op        string  // Command or operation name
	Outcome   Outcome // Failure classification, never OutcomeSuccess
	Temporary bool    // Cause is transient, retrying may succeed
	Err       error   // Underlying cause, may be nil
}

// NewError creates an Error for op with the given outcome and cause.
func NewError(op string, outcome Outcome, err error) *Error {
	return &Error{
		Op:        op,
		Outcome:   outcome,
		Temporary: IsTemporary(err),
		Err:       err,
	}
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Outcome.sentinel())
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Outcome.sentinel(), e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Outcome.sentinel()}
	}
	return []error{e.Outcome.sentinel(), e.Err}
}

// OutcomeOf classifies err. A nil error is OutcomeSuccess; an error that
// carries no classification is reported as OutcomeRejected.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeSuccess
	}

	var cmdErr *Error
	if errors.As(err, &cmdErr) {
		return cmdErr.Outcome
	}

	switch {
	case errors.Is(err, ErrTimeout):
		return OutcomeTimeout
	case errors.Is(err, ErrCancelled):
		return OutcomeCancelled
	case errors.Is(err, ErrNotReady):
		return OutcomeNotReady
	case errors.Is(err, ErrFatal):
		return OutcomeFatal
	default:
		return OutcomeRejected
	}
}

type temporary interface {
	Temporary() bool
}

type temporaryError struct {
	err error
}

func (e temporaryError) Error() string   { return e.err.Error() }
func (e temporaryError) Unwrap() error   { return e.err }
func (e temporaryError) Temporary() bool { return true }

// Temporary marks err as transient, e.g. a transport failure as opposed to
// a negative acknowledgement. It returns nil for a nil error.
func Temporary(err error) error {
	if err == nil {
		return nil
	}
	return temporaryError{err}
}

// IsTemporary reports whether err, or any error it wraps, is transient.
func IsTemporary(err error) bool {
	var t temporary
	return errors.As(err, &t) && t.Temporary()
}
