package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// StepContext is what a step body sees: the trigger payload, results of
// earlier steps and the execution identity.
type StepContext struct {
	exec    *Execution
	now     time.Time
	attempt int
}

func newStepContext(exec *Execution, now time.Time, attempt int) *StepContext {
	return &StepContext{exec: exec, now: now, attempt: attempt}
}

// ExecutionID returns the id of the running execution.
func (c *StepContext) ExecutionID() string { return c.exec.ID }

// DefinitionID returns the id of the definition being executed.
func (c *StepContext) DefinitionID() string { return c.exec.DefinitionID }

// TriggeredAt is when the triggering event occurred (or the cron tick fired).
func (c *StepContext) TriggeredAt() time.Time { return c.exec.TriggeredAt }

// Now is the wall clock at the time the step was entered.
func (c *StepContext) Now() time.Time { return c.now }

// Attempt is 1 on the first invocation of a step and grows with retries.
func (c *StepContext) Attempt() int { return c.attempt }

// Input returns the raw trigger payload.
func (c *StepContext) Input() json.RawMessage { return c.exec.Input }

// Decode unmarshals the trigger payload into v.
func (c *StepContext) Decode(v any) error {
	if len(c.exec.Input) == 0 {
		return nil
	}
	if err := json.Unmarshal(c.exec.Input, v); err != nil {
		return Permanent(fmt.Errorf("decode trigger payload: %w", err))
	}
	return nil
}

// Result decodes the recorded result of an earlier step into v. It reports
// false when the step has no recorded result.
func (c *StepContext) Result(step string, v any) (bool, error) {
	st, ok := c.exec.Steps[step]
	if !ok || st == nil || !st.Status.Done() || len(st.Result) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(st.Result, v); err != nil {
		return false, fmt.Errorf("decode result of %s: %w", step, err)
	}
	return true, nil
}

// scope is the expression environment for step conditions.
func (c *StepContext) scope() map[string]any {
	env := map[string]any{
		"input": map[string]any{},
		"steps": map[string]any{},
	}
	if len(c.exec.Input) > 0 {
		var input any
		if err := json.Unmarshal(c.exec.Input, &input); err == nil && input != nil {
			env["input"] = input
		}
	}
	steps := map[string]any{}
	for name, st := range c.exec.Steps {
		if st == nil || len(st.Result) == 0 {
			continue
		}
		var out any
		if err := json.Unmarshal(st.Result, &out); err == nil {
			steps[name] = out
		}
	}
	env["steps"] = steps
	return env
}
