// Package scheduler decides what workflow work is ready now and hands it to
// the engine through a single entry point.
package scheduler

import (
	"context"
	"time"

	"github.com/pingup/pingup/core/infra/logging"
	"github.com/pingup/pingup/core/infra/metrics"
	"github.com/pingup/pingup/core/workflow"
)

const (
	component = "scheduler"

	defaultPollInterval = time.Second
	defaultStaleAfter   = 5 * time.Minute
	defaultScanLimit    = 200
)

// Engine is the part of the workflow engine the scheduler drives.
type Engine interface {
	Dispatch(ctx context.Context, r workflow.Ready) error
	Recover(ctx context.Context, staleAfter time.Duration, limit int64) (int, error)
}

// Source yields work that has become ready at or before now.
type Source interface {
	Kind() string
	Due(ctx context.Context, now time.Time) ([]workflow.Ready, error)
}

// Scheduler polls its sources and dispatches whatever is ready. It also
// periodically recovers RUNNING executions abandoned by a dead process.
type Scheduler struct {
	engine       Engine
	sources      []Source
	pollInterval time.Duration
	staleAfter   time.Duration
	recoverEvery time.Duration
	scanLimit    int64
	metrics      metrics.SchedulerMetrics
	now          func() time.Time
}

func New(engine Engine, sources ...Source) *Scheduler {
	return &Scheduler{
		engine:       engine,
		sources:      sources,
		pollInterval: defaultPollInterval,
		staleAfter:   defaultStaleAfter,
		recoverEvery: defaultStaleAfter,
		scanLimit:    defaultScanLimit,
		metrics:      metrics.Noop{},
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithPollInterval sets how often sources are polled.
func (s *Scheduler) WithPollInterval(d time.Duration) *Scheduler {
	if d > 0 {
		s.pollInterval = d
	}
	return s
}

// WithRecovery sets how long a RUNNING execution may go without an update
// before it is considered orphaned; the check runs at the same cadence.
func (s *Scheduler) WithRecovery(staleAfter time.Duration, limit int64) *Scheduler {
	if staleAfter > 0 {
		s.staleAfter = staleAfter
		s.recoverEvery = staleAfter
	}
	if limit > 0 {
		s.scanLimit = limit
	}
	return s
}

func (s *Scheduler) WithMetrics(m metrics.SchedulerMetrics) *Scheduler {
	if m != nil {
		s.metrics = m
	}
	return s
}

func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	if now != nil {
		s.now = now
	}
	return s
}

// Start recovers pending work from durable state, then polls until ctx is
// cancelled. A failing tick is logged and the loop carries on.
func (s *Scheduler) Start(ctx context.Context) {
	s.recover(ctx, 0)
	s.Tick(ctx)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	lastRecover := s.now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
			if now := s.now(); now.Sub(lastRecover) >= s.recoverEvery {
				s.recover(ctx, s.staleAfter)
				lastRecover = now
			}
		}
	}
}

// Tick polls every source once and dispatches what is ready.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()
	dispatched := 0
	for _, src := range s.sources {
		items, err := s.due(ctx, src, now)
		if err != nil {
			logging.Error(component, "poll source", "source", src.Kind(), "error", err)
			continue
		}
		for _, item := range items {
			if err := s.engine.Dispatch(ctx, item); err != nil {
				logging.Error(component, "dispatch", "source", src.Kind(), "execution_id", item.ExecutionID, "error", err)
				continue
			}
			s.metrics.IncReady(src.Kind())
			dispatched++
		}
	}
	return dispatched
}

func (s *Scheduler) due(ctx context.Context, src Source, now time.Time) (items []workflow.Ready, err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error(component, "source panicked", "source", src.Kind(), "panic", r)
			items, err = nil, nil
		}
	}()
	return src.Due(ctx, now)
}

func (s *Scheduler) recover(ctx context.Context, staleAfter time.Duration) {
	n, err := s.engine.Recover(ctx, staleAfter, s.scanLimit)
	if err != nil {
		logging.Error(component, "recover running executions", "error", err)
		return
	}
	for i := 0; i < n; i++ {
		s.metrics.IncReady("recover")
	}
}
