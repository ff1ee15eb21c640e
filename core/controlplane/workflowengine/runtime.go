package workflowengine

import (
	"context"
	"fmt"
	"time"

	"github.com/pingup/pingup/core/controlplane/scheduler"
	"github.com/pingup/pingup/core/eventbus"
	"github.com/pingup/pingup/core/flows"
	"github.com/pingup/pingup/core/infra/config"
	"github.com/pingup/pingup/core/infra/locks"
	"github.com/pingup/pingup/core/infra/logging"
	"github.com/pingup/pingup/core/infra/metrics"
	"github.com/pingup/pingup/core/infra/notify"
	"github.com/pingup/pingup/core/infra/repository"
	"github.com/pingup/pingup/core/infra/schema"
	"github.com/pingup/pingup/core/live"
	"github.com/pingup/pingup/core/workflow"
)

const (
	storeRedis  = "redis"
	storeSQLite = "sqlite"

	defaultMisfireGrace = time.Minute
)

// Options wires a Runtime. Config and Repo are required; the rest default.
type Options struct {
	Config   *config.Config
	Policy   *config.Policy
	Repo     repository.Repository
	Notifier notify.Notifier
	Pusher   live.Pusher

	// Store and Locker override the ones derived from Config.
	Store  workflow.Store
	Locker workflow.Locker

	WorkflowMetrics  metrics.WorkflowMetrics
	SchedulerMetrics metrics.SchedulerMetrics
	Clock            func() time.Time
}

// Runtime is the assembled engine: registration table, durable store,
// dispatcher and scheduler. The gateway embeds one when EMBED_ENGINE is set;
// the workflow-engine service runs one on its own.
type Runtime struct {
	Registry   *workflow.Registry
	Engine     *workflow.Engine
	Dispatcher *eventbus.Dispatcher
	Scheduler  *scheduler.Scheduler
	Schemas    *schema.EventRegistry

	store   workflow.Store
	closers []func() error
}

// NewRuntime builds a runtime whose background work is bound to ctx.
func NewRuntime(ctx context.Context, opts Options) (*Runtime, error) {
	if opts.Config == nil {
		opts.Config = config.Load()
	}
	if opts.Repo == nil {
		return nil, fmt.Errorf("repository required")
	}
	if opts.Policy == nil {
		opts.Policy = config.DefaultPolicy()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Log{}
	}
	if opts.Pusher == nil {
		opts.Pusher = live.NewRegistry()
	}
	if opts.WorkflowMetrics == nil {
		opts.WorkflowMetrics = metrics.Noop{}
	}
	if opts.SchedulerMetrics == nil {
		opts.SchedulerMetrics = metrics.Noop{}
	}

	rt := &Runtime{Registry: workflow.NewRegistry()}
	ok := false
	defer func() {
		if !ok {
			_ = rt.Close()
		}
	}()

	if err := flows.Register(rt.Registry, flows.Deps{
		Repo:        opts.Repo,
		Notifier:    opts.Notifier,
		Pusher:      opts.Pusher,
		Policy:      opts.Policy,
		FrontendURL: opts.Config.FrontendURL,
	}); err != nil {
		return nil, fmt.Errorf("register workflows: %w", err)
	}

	schemas, err := schema.NewEventRegistry()
	if err != nil {
		return nil, fmt.Errorf("load event schemas: %w", err)
	}
	rt.Schemas = schemas

	store := opts.Store
	if store == nil {
		store, err = openStore(opts.Config, opts.Policy)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, store.Close)
	}
	rt.store = store

	locker := opts.Locker
	if locker == nil && opts.Store == nil && opts.Config.ExecutionStore == storeRedis {
		ls, err := locks.NewRedisStore(opts.Config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis lock store: %w", err)
		}
		rt.closers = append(rt.closers, ls.Close)
		locker = ls
	}

	engine := workflow.NewEngine(store, rt.Registry).
		WithPolicy(EnginePolicy(opts.Policy)).
		WithMetrics(opts.WorkflowMetrics).
		WithContext(ctx)
	if opts.Clock != nil {
		engine = engine.WithClock(opts.Clock)
	}
	if locker != nil {
		engine = engine.WithLocker(locker)
	}
	engine.OnFinished = logFinished
	rt.Engine = engine
	rt.Dispatcher = eventbus.NewDispatcher(rt.Registry, engine).WithSchemas(schemas)

	cron := scheduler.NewCron(rt.Registry).WithMisfireGrace(defaultMisfireGrace)
	if locker != nil {
		cron = cron.WithLocker(locker)
	}
	sp := opts.Policy.Scheduler
	rt.Scheduler = scheduler.New(engine,
		scheduler.NewSleepers(store, sp.ScanLimit).WithMetrics(opts.SchedulerMetrics),
		cron,
	).
		WithPollInterval(time.Duration(sp.PollIntervalMillis) * time.Millisecond).
		WithRecovery(time.Duration(sp.StaleRunningSeconds)*time.Second, sp.ScanLimit).
		WithMetrics(opts.SchedulerMetrics)
	if opts.Clock != nil {
		rt.Scheduler = rt.Scheduler.WithClock(opts.Clock)
	}

	logging.Info(component, "runtime ready",
		"store", opts.Config.ExecutionStore,
		"definitions", len(rt.Registry.All()),
		"noop_status", opts.Policy.NoopStatus,
	)
	ok = true
	return rt, nil
}

// Start runs the scheduler until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) {
	go r.Scheduler.Start(ctx)
}

// Store exposes the execution store for read-only views.
func (r *Runtime) Store() workflow.Store {
	return r.store
}

// Close waits for in-flight executions and releases owned connections.
func (r *Runtime) Close() error {
	if r.Engine != nil {
		r.Engine.Wait()
	}
	var first error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}

// EnginePolicy maps the operator policy file onto engine tunables.
func EnginePolicy(p *config.Policy) workflow.Policy {
	if p == nil {
		p = config.DefaultPolicy()
	}
	out := workflow.Policy{
		Retry:   retryConfig(p.Retry),
		Retries: map[string]workflow.RetryConfig{},
		Lease:   time.Duration(p.Scheduler.LeaseSeconds) * time.Second,
	}
	if p.NoopStatus == config.NoopSkipped {
		out.NoopStatus = workflow.StepSkipped
	} else {
		out.NoopStatus = workflow.StepComplete
	}
	for id, wp := range p.Workflows {
		if wp.Retry != nil {
			out.Retries[id] = retryConfig(p.RetryFor(id))
		}
	}
	return out
}

func retryConfig(r config.RetryPolicy) workflow.RetryConfig {
	return workflow.RetryConfig{
		MaxRetries:     r.MaxRetries,
		InitialBackoff: seconds(r.InitialBackoffSeconds),
		MaxBackoff:     seconds(r.MaxBackoffSeconds),
		Multiplier:     r.Multiplier,
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// OpenStore opens the execution store selected by EXECUTION_STORE.
func OpenStore(cfg *config.Config, p *config.Policy) (workflow.Store, error) {
	return openStore(cfg, p)
}

func openStore(cfg *config.Config, p *config.Policy) (workflow.Store, error) {
	retention := time.Duration(p.RetentionHours * float64(time.Hour))
	switch cfg.ExecutionStore {
	case storeSQLite:
		s, err := workflow.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite execution store: %w", err)
		}
		return s.WithRetention(retention), nil
	default:
		s, err := workflow.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("connect redis execution store: %w", err)
		}
		return s.WithRetention(retention), nil
	}
}

func logFinished(exec *workflow.Execution) {
	if exec.State == workflow.StateFailed {
		logging.Error(component, "execution failed",
			"execution_id", exec.ID,
			"definition", exec.DefinitionID,
			"event_id", exec.EventID,
			"error", exec.Error,
		)
		return
	}
	logging.Debug(component, "execution completed", "execution_id", exec.ID, "definition", exec.DefinitionID)
}
