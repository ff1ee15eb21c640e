package bus

import (
	"errors"
	"fmt"
	"time"
)

// MaxRedeliverDelay caps the delay a handler may ask JetStream to wait before redelivery.
const MaxRedeliverDelay = time.Hour

// RetryableError asks a durable subscription to nak the message instead of acking it.
type RetryableError struct {
	Err   error
	Delay time.Duration
}

func (e *RetryableError) Error() string {
	if e.Delay > 0 {
		return fmt.Sprintf("redeliver in %s: %v", e.Delay, e.Err)
	}
	return fmt.Sprintf("redeliver: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// RetryAfter marks err for redelivery after delay, clamped to [0, MaxRedeliverDelay].
func RetryAfter(err error, delay time.Duration) error {
	if err == nil {
		err = errors.New("redelivery requested")
	}
	switch {
	case delay < 0:
		delay = 0
	case delay > MaxRedeliverDelay:
		delay = MaxRedeliverDelay
	}
	return &RetryableError{Err: err, Delay: delay}
}

// RetryDelay reports whether err asks for redelivery and after how long.
func RetryDelay(err error) (time.Duration, bool) {
	var re *RetryableError
	if !errors.As(err, &re) {
		return 0, false
	}
	return re.Delay, true
}
