package workflow

import "time"

// Run declares a RUN step.
func Run(name string, fn StepFunc) StepSpec {
	return StepSpec{Name: name, Kind: StepKindRun, Body: fn}
}

// SleepUntil declares a suspension that resumes at the time fn returns.
// fn runs once; the computed time is persisted and reused after restarts.
func SleepUntil(name string, fn WakeFunc) StepSpec {
	return StepSpec{Name: name, Kind: StepKindSleepUntil, Until: fn}
}

// Sleep declares a suspension of d measured from when the step is reached.
func Sleep(name string, d time.Duration) StepSpec {
	return SleepUntil(name, func(sc *StepContext) (time.Time, error) {
		return sc.Now().Add(d), nil
	})
}

// When guards the step with an expression over {input, steps}. A false
// guard records the step as a no-op without invoking it.
func (s StepSpec) When(expression string) StepSpec {
	s.Condition = expression
	return s
}

// WithRetry overrides the retry policy for this step.
func (s StepSpec) WithRetry(cfg RetryConfig) StepSpec {
	s.Retry = &cfg
	return s
}

// Skipped wraps a step result that represents "nothing to do".
type Skipped struct {
	Value any
}

// Skip marks a step result as a no-op. Whether it is recorded as COMPLETE
// or SKIPPED is decided by the engine policy; either way it is final.
func Skip(value any) Skipped {
	return Skipped{Value: value}
}
