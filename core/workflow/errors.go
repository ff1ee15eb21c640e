package workflow

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound            = errors.New("execution not found")
	ErrDuplicateDefinition = errors.New("duplicate workflow definition")
	ErrUnknownDefinition   = errors.New("unknown workflow definition")
	ErrInvalidDefinition   = errors.New("invalid workflow definition")
)

// TransientError is a recoverable step failure; the step is retried per policy.
// Delay, when set, replaces the computed backoff for the next attempt.
type TransientError struct {
	Err   error
	Delay time.Duration
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return "transient step error"
	}
	return e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError fails the execution without exhausting retries.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	if e.Err == nil {
		return "permanent step error"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable step error.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// RetryAfter wraps err as retryable with an explicit delay.
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err, Delay: delay}
}

// Permanent wraps err so the engine fails the execution immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf is Permanent(fmt.Errorf(...)).
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err (or anything it wraps) is a PermanentError.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// retryDelay returns an explicit delay carried by a TransientError.
func retryDelay(err error) (time.Duration, bool) {
	var tr *TransientError
	if errors.As(err, &tr) && tr.Delay > 0 {
		return tr.Delay, true
	}
	return 0, false
}
