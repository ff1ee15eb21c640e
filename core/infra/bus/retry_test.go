package bus

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestRetryAfterWrapsCause(t *testing.T) {
	cause := errors.New("store down")
	err := RetryAfter(cause, 2*time.Second)
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to unwrap")
	}
	if !strings.Contains(err.Error(), "redeliver in 2s") {
		t.Fatalf("unexpected message %q", err.Error())
	}
	wrapped := fmt.Errorf("dispatch: %w", err)
	if delay, ok := RetryDelay(wrapped); !ok || delay != 2*time.Second {
		t.Fatalf("expected delay through wrapping, got %v %v", delay, ok)
	}
}

func TestRetryAfterClampsDelay(t *testing.T) {
	if delay, ok := RetryDelay(RetryAfter(nil, -5*time.Second)); !ok || delay != 0 {
		t.Fatalf("expected negative delay clamped to zero, got %v", delay)
	}
	if delay, _ := RetryDelay(RetryAfter(nil, 48*time.Hour)); delay != MaxRedeliverDelay {
		t.Fatalf("expected delay capped, got %v", delay)
	}
	if msg := RetryAfter(nil, 0).Error(); msg != "redeliver: redelivery requested" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestRetryDelayIgnoresPlainErrors(t *testing.T) {
	if delay, ok := RetryDelay(errors.New("no")); ok || delay != 0 {
		t.Fatalf("plain errors are acked")
	}
	if _, ok := RetryDelay(nil); ok {
		t.Fatalf("nil is not a redelivery request")
	}
}
