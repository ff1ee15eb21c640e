package workflow

import (
	"math"
	"time"
)

// RetryConfig bounds how often a failing RUN step is retried.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetry is used when neither the step, the definition nor the engine
// policy supplies one.
var DefaultRetry = RetryConfig{
	MaxRetries:     3,
	InitialBackoff: time.Second,
	MaxBackoff:     time.Minute,
	Multiplier:     2,
}

// computeBackoff returns initial * multiplier^(attempt-1), capped at MaxBackoff.
func computeBackoff(cfg RetryConfig, attempt int) time.Duration {
	initial := cfg.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 2
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(initial) * math.Pow(mult, float64(attempt-1))
	if cfg.MaxBackoff > 0 && delay > float64(cfg.MaxBackoff) {
		delay = float64(cfg.MaxBackoff)
	}
	if delay > float64(math.MaxInt64) {
		delay = float64(math.MaxInt64)
	}
	return time.Duration(delay)
}
