package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pingup/pingup/core/infra/logging"
	"github.com/pingup/pingup/core/infra/metrics"
)

const (
	engineComponent     = "workflow-engine"
	defaultLease        = 30 * time.Second
	defaultInlineRetry  = 30 * time.Second
	releaseLeaseTimeout = 2 * time.Second
)

// Locker hands out exclusive leases so only one engine drives an execution.
type Locker interface {
	TryAcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	RenewLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// Policy carries the tunables the engine reads at runtime.
type Policy struct {
	Retry RetryConfig
	// Retries overrides Retry per definition id.
	Retries map[string]RetryConfig
	// NoopStatus is what a guarded-out or Skip()-returning step is recorded as.
	NoopStatus StepStatus
	Lease      time.Duration
	// InlineRetry is the longest backoff waited in-process; longer backoffs
	// suspend the execution and leave the wake-up to the scheduler.
	InlineRetry time.Duration
}

// DefaultPolicy returns the engine defaults.
func DefaultPolicy() Policy {
	return Policy{
		Retry:       DefaultRetry,
		NoopStatus:  StepComplete,
		Lease:       defaultLease,
		InlineRetry: defaultInlineRetry,
	}
}

// Engine drives executions step by step. Each step's outcome is persisted
// before the next step starts, so a resumed execution never re-runs a
// finished step.
type Engine struct {
	store    Store
	registry *Registry
	policy   Policy
	locker   Locker
	metrics  metrics.WorkflowMetrics
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
	newID    func() string
	base     context.Context

	mu     sync.Mutex
	active map[string]struct{}
	wg     sync.WaitGroup

	// OnFinished is called after an execution reaches COMPLETED or FAILED.
	OnFinished func(exec *Execution)
}

// NewEngine creates an engine over store that resolves definitions from registry.
func NewEngine(store Store, registry *Registry) *Engine {
	return &Engine{
		store:    store,
		registry: registry,
		policy:   DefaultPolicy(),
		metrics:  metrics.Noop{},
		now:      func() time.Time { return time.Now().UTC() },
		sleep:    sleepContext,
		newID:    uuid.NewString,
		base:     context.Background(),
		active:   map[string]struct{}{},
	}
}

// WithPolicy replaces the engine policy. Zero fields fall back to defaults.
func (e *Engine) WithPolicy(p Policy) *Engine {
	def := DefaultPolicy()
	if p.Retry == (RetryConfig{}) {
		p.Retry = def.Retry
	}
	if p.Retry.MaxRetries < 0 {
		p.Retry.MaxRetries = 0
	}
	if p.NoopStatus != StepSkipped {
		p.NoopStatus = StepComplete
	}
	if p.Lease <= 0 {
		p.Lease = def.Lease
	}
	if p.InlineRetry <= 0 {
		p.InlineRetry = def.InlineRetry
	}
	e.policy = p
	return e
}

// WithLocker enables lease-based exclusion across processes.
func (e *Engine) WithLocker(l Locker) *Engine {
	e.locker = l
	return e
}

// WithMetrics sets the metrics sink.
func (e *Engine) WithMetrics(m metrics.WorkflowMetrics) *Engine {
	if m != nil {
		e.metrics = m
	}
	return e
}

// WithClock overrides the wall clock.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	if now != nil {
		e.now = now
	}
	return e
}

// WithContext sets the context background executions run under. Cancelling
// it stops in-flight executions at the next step boundary; they stay
// RUNNING and are picked up again by recovery.
func (e *Engine) WithContext(ctx context.Context) *Engine {
	if ctx != nil {
		e.base = ctx
	}
	return e
}

// Registry returns the definition registry the engine resolves from.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Start creates an execution of def for ev and begins driving it in the
// background. The returned execution is the persisted initial record.
func (e *Engine) Start(ctx context.Context, def *Definition, ev Event) (*Execution, error) {
	if def == nil {
		return nil, fmt.Errorf("%w: nil definition", ErrUnknownDefinition)
	}
	if _, ok := e.registry.Get(def.ID); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDefinition, def.ID)
	}
	now := e.now()
	triggered := ev.OccurredAt
	if triggered.IsZero() {
		triggered = now
	}
	exec := &Execution{
		ID:           e.newID(),
		DefinitionID: def.ID,
		EventID:      ev.ID,
		EventName:    ev.Name,
		Input:        ev.Data,
		TriggeredAt:  triggered.UTC(),
		Steps:        make(map[string]*StepState, len(def.Steps)),
		State:        StateRunning,
		CreatedAt:    now,
	}
	for _, step := range def.Steps {
		exec.Steps[step.Name] = newStepState()
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	e.timeline(ctx, exec, "started", "", "event="+ev.Name)
	e.metrics.IncExecutionStarted(def.ID)
	logging.Info(engineComponent, "execution started", "execution_id", exec.ID, "definition", def.ID, "event", ev.Name)
	e.spawn(exec.ID)
	return exec, nil
}

// Resume continues an existing execution in the background. Finished
// executions are ignored; sleeping ones are only advanced once due.
func (e *Engine) Resume(ctx context.Context, id string) error {
	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec.State.Terminal() {
		return nil
	}
	e.spawn(id)
	return nil
}

// Dispatch is the single entry point for work that is ready now: either an
// existing execution to resume or a definition to start.
func (e *Engine) Dispatch(ctx context.Context, r Ready) error {
	if r.ExecutionID != "" {
		return e.Resume(ctx, r.ExecutionID)
	}
	if r.Definition == nil {
		return fmt.Errorf("ready item has neither execution nor definition")
	}
	ev := r.Event
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = r.At
	}
	_, err := e.Start(ctx, r.Definition, ev)
	return err
}

// Recover resumes RUNNING executions not updated within staleAfter. It is
// run at startup and periodically so work orphaned by a crash continues.
func (e *Engine) Recover(ctx context.Context, staleAfter time.Duration, limit int64) (int, error) {
	cutoff := e.now().Add(-staleAfter)
	ids, err := e.store.ListStale(ctx, cutoff, limit)
	if err != nil {
		return 0, err
	}
	resumed := 0
	for _, id := range ids {
		if e.isActive(id) {
			continue
		}
		exec, err := e.store.GetExecution(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				logging.Warn(engineComponent, "recover load failed", "execution_id", id, "error", err)
			}
			continue
		}
		if exec.State != StateRunning || exec.UpdatedAt.After(cutoff) {
			continue
		}
		if e.spawn(id) {
			resumed++
		}
	}
	if resumed > 0 {
		logging.Info(engineComponent, "recovered executions", "count", resumed)
	}
	return resumed, nil
}

// Get returns the persisted execution.
func (e *Engine) Get(ctx context.Context, id string) (*Execution, error) {
	return e.store.GetExecution(ctx, id)
}

// Timeline returns the recorded transitions of an execution.
func (e *Engine) Timeline(ctx context.Context, id string, limit int64) ([]TimelineEvent, error) {
	return e.store.ListTimeline(ctx, id, limit)
}

// Wait blocks until every background execution driver has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) isActive(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[id]
	return ok
}

func (e *Engine) spawn(id string) bool {
	e.mu.Lock()
	if _, busy := e.active[id]; busy {
		e.mu.Unlock()
		return false
	}
	e.active[id] = struct{}{}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.active, id)
			e.mu.Unlock()
		}()
		if err := e.drive(e.base, id); err != nil {
			if errors.Is(err, context.Canceled) {
				logging.Info(engineComponent, "execution interrupted", "execution_id", id)
				return
			}
			logging.Error(engineComponent, "drive execution", "execution_id", id, "error", err)
		}
	}()
	return true
}

// drive advances one execution as far as it can go: to completion, failure
// or the next suspension. Errors returned are infrastructure errors; the
// execution stays RUNNING and recovery retries it later.
func (e *Engine) drive(ctx context.Context, id string) error {
	if e.locker != nil {
		key := "execution:" + id
		ok, err := e.locker.TryAcquireLock(ctx, key, e.policy.Lease)
		if err != nil {
			return fmt.Errorf("acquire lease: %w", err)
		}
		if !ok {
			logging.Debug(engineComponent, "execution leased elsewhere", "execution_id", id)
			return nil
		}
		release := e.holdLease(ctx, key)
		defer release()
	}

	exec, err := e.store.GetExecution(ctx, id)
	if err != nil {
		return err
	}
	if exec.State.Terminal() {
		return nil
	}
	def, ok := e.registry.Get(exec.DefinitionID)
	if !ok {
		return e.fail(ctx, exec, "", nil, fmt.Errorf("%w: %s", ErrUnknownDefinition, exec.DefinitionID))
	}
	if exec.State == StateSleeping {
		now := e.now()
		if exec.WakeAt != nil && now.Before(*exec.WakeAt) {
			return nil
		}
		exec.State = StateRunning
		exec.WakeAt = nil
		if err := e.store.SaveExecution(ctx, exec); err != nil {
			return fmt.Errorf("persist wake: %w", err)
		}
		e.timeline(ctx, exec, "woke", "", "")
	}

	for i, spec := range def.Steps {
		st := exec.step(spec.Name)
		if st.Status.Done() {
			continue
		}
		exec.CurrentStep = i
		var cont bool
		switch spec.Kind {
		case StepKindSleepUntil:
			cont, err = e.sleepStep(ctx, exec, spec, st)
		default:
			cont, err = e.runStep(ctx, def, exec, spec, st)
		}
		if err != nil || !cont {
			return err
		}
	}
	return e.complete(ctx, exec, len(def.Steps))
}

// sleepStep computes and persists the wake time once, then either completes
// the step (already due) or suspends the execution.
func (e *Engine) sleepStep(ctx context.Context, exec *Execution, spec StepSpec, st *StepState) (bool, error) {
	now := e.now()
	if st.WakeAt == nil {
		wake, err := spec.Until(newStepContext(exec, now, 1))
		if err != nil {
			return false, e.fail(ctx, exec, spec.Name, st, err)
		}
		wake = wake.UTC()
		st.WakeAt = &wake
		st.StartedAt = &now
	}
	if !now.Before(*st.WakeAt) {
		st.Status = StepComplete
		st.FinishedAt = &now
		if err := e.store.SaveExecution(ctx, exec); err != nil {
			return false, fmt.Errorf("persist sleep completion: %w", err)
		}
		e.timeline(ctx, exec, "step_completed", spec.Name, "")
		return true, nil
	}
	wake := *st.WakeAt
	exec.State = StateSleeping
	exec.WakeAt = &wake
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return false, fmt.Errorf("persist sleep: %w", err)
	}
	e.timeline(ctx, exec, "sleeping", spec.Name, "until "+wake.Format(time.RFC3339))
	logging.Info(engineComponent, "execution sleeping", "execution_id", exec.ID, "step", spec.Name, "wake_at", wake.Format(time.RFC3339))
	return false, nil
}

// runStep invokes a RUN step until it succeeds, fails permanently or runs
// out of retries. Each attempt is counted and persisted before the body runs.
func (e *Engine) runStep(ctx context.Context, def *Definition, exec *Execution, spec StepSpec, st *StepState) (bool, error) {
	if spec.Condition != "" {
		sc := newStepContext(exec, e.now(), st.Attempts+1)
		ok, err := e.registry.conds.eval(spec.Condition, sc.scope())
		if err != nil {
			return false, e.fail(ctx, exec, spec.Name, st, Permanent(err))
		}
		if !ok {
			now := e.now()
			st.Status = e.policy.NoopStatus
			st.FinishedAt = &now
			if err := e.store.SaveExecution(ctx, exec); err != nil {
				return false, fmt.Errorf("persist guarded step: %w", err)
			}
			e.timeline(ctx, exec, "step_skipped", spec.Name, "condition false")
			return true, nil
		}
	}

	cfg := e.retryFor(def, spec)
	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		now := e.now()
		st.Attempts++
		if st.StartedAt == nil {
			st.StartedAt = &now
		}
		if err := e.store.SaveExecution(ctx, exec); err != nil {
			return false, fmt.Errorf("persist attempt: %w", err)
		}

		out, err := e.invoke(ctx, spec, newStepContext(exec, now, st.Attempts))
		if err == nil {
			status := StepComplete
			if sk, ok := out.(Skipped); ok {
				status = e.policy.NoopStatus
				out = sk.Value
			}
			var raw json.RawMessage
			raw, err = marshalResult(out)
			if err == nil {
				done := e.now()
				st.Status = status
				st.Result = raw
				st.Error = ""
				st.FinishedAt = &done
				if err := e.store.SaveExecution(ctx, exec); err != nil {
					return false, fmt.Errorf("persist step result: %w", err)
				}
				e.metrics.IncStepAttempt(def.ID, spec.Name, "ok")
				typ := "step_completed"
				if status == StepSkipped {
					typ = "step_skipped"
				}
				e.timeline(ctx, exec, typ, spec.Name, "")
				return true, nil
			}
			err = Permanent(err)
		}
		if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			return false, ctx.Err()
		}

		st.Error = err.Error()
		e.metrics.IncStepAttempt(def.ID, spec.Name, "error")
		if IsPermanent(err) || st.Attempts > cfg.MaxRetries {
			return false, e.fail(ctx, exec, spec.Name, st, err)
		}
		delay, explicit := retryDelay(err)
		if !explicit {
			delay = computeBackoff(cfg, st.Attempts)
		}
		logging.Warn(engineComponent, "step failed, retrying",
			"execution_id", exec.ID, "step", spec.Name, "attempt", st.Attempts, "delay", delay.String(), "error", err)
		e.timeline(ctx, exec, "step_retry", spec.Name, err.Error())

		if delay > e.policy.InlineRetry {
			wake := e.now().Add(delay)
			exec.State = StateSleeping
			exec.WakeAt = &wake
			if err := e.store.SaveExecution(ctx, exec); err != nil {
				return false, fmt.Errorf("persist retry backoff: %w", err)
			}
			return false, nil
		}
		if err := e.store.SaveExecution(ctx, exec); err != nil {
			return false, fmt.Errorf("persist step error: %w", err)
		}
		if err := e.sleep(ctx, delay); err != nil {
			return false, err
		}
	}
}

func (e *Engine) invoke(ctx context.Context, spec StepSpec, sc *StepContext) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = fmt.Errorf("step %s panicked: %v", spec.Name, r)
		}
	}()
	return spec.Body(ctx, sc)
}

func (e *Engine) retryFor(def *Definition, spec StepSpec) RetryConfig {
	if spec.Retry != nil {
		return *spec.Retry
	}
	if cfg, ok := e.policy.Retries[def.ID]; ok {
		return cfg
	}
	if def.Retry != nil {
		return *def.Retry
	}
	return e.policy.Retry
}

func (e *Engine) complete(ctx context.Context, exec *Execution, steps int) error {
	now := e.now()
	exec.State = StateCompleted
	exec.CurrentStep = steps
	exec.WakeAt = nil
	exec.Error = ""
	exec.CompletedAt = &now
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return fmt.Errorf("persist completion: %w", err)
	}
	e.timeline(ctx, exec, "completed", "", "")
	logging.Info(engineComponent, "execution completed", "execution_id", exec.ID, "definition", exec.DefinitionID)
	e.finished(exec)
	return nil
}

func (e *Engine) fail(ctx context.Context, exec *Execution, step string, st *StepState, cause error) error {
	now := e.now()
	if st != nil {
		st.Status = StepFailed
		st.Error = cause.Error()
		st.FinishedAt = &now
	}
	exec.State = StateFailed
	exec.WakeAt = nil
	exec.CompletedAt = &now
	if step != "" {
		exec.Error = fmt.Sprintf("step %s: %v", step, cause)
	} else {
		exec.Error = cause.Error()
	}
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return fmt.Errorf("persist failure: %w", err)
	}
	e.timeline(ctx, exec, "failed", step, exec.Error)
	logging.Warn(engineComponent, "execution failed", "execution_id", exec.ID, "definition", exec.DefinitionID, "error", exec.Error)
	e.finished(exec)
	return nil
}

func (e *Engine) finished(exec *Execution) {
	e.metrics.IncExecutionFinished(exec.DefinitionID, string(exec.State))
	if exec.CompletedAt != nil {
		e.metrics.ObserveExecutionDuration(exec.DefinitionID, exec.CompletedAt.Sub(exec.CreatedAt).Seconds())
	}
	if e.OnFinished != nil {
		e.OnFinished(exec)
	}
}

func (e *Engine) timeline(ctx context.Context, exec *Execution, typ, step, msg string) {
	evt := TimelineEvent{Time: e.now(), Type: typ, Step: step, State: exec.State, Message: msg}
	if err := e.store.AppendTimeline(ctx, exec.ID, evt); err != nil {
		logging.Warn(engineComponent, "timeline append failed", "execution_id", exec.ID, "error", err)
	}
}

// holdLease renews the lease at a third of its ttl until the returned
// func is called, which stops renewal and releases the lease.
func (e *Engine) holdLease(ctx context.Context, key string) func() {
	lease := e.policy.Lease
	renewCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				ok, err := e.locker.RenewLock(renewCtx, key, lease)
				if err != nil || !ok {
					logging.Warn(engineComponent, "lease renewal failed", "key", key, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
		releaseCtx, cancelRelease := context.WithTimeout(context.Background(), releaseLeaseTimeout)
		defer cancelRelease()
		if err := e.locker.ReleaseLock(releaseCtx, key); err != nil {
			logging.Warn(engineComponent, "lease release failed", "key", key, "error", err)
		}
	}
}

func (x *Execution) step(name string) *StepState {
	if x.Steps == nil {
		x.Steps = map[string]*StepState{}
	}
	st, ok := x.Steps[name]
	if !ok || st == nil {
		st = newStepState()
		x.Steps[name] = st
	}
	return st
}

func marshalResult(out any) (json.RawMessage, error) {
	if out == nil {
		return nil, nil
	}
	if raw, ok := out.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("marshal step result: %w", err)
	}
	return raw, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
