package scheduler

import (
	"context"
	"time"

	"github.com/pingup/pingup/core/infra/metrics"
	"github.com/pingup/pingup/core/workflow"
)

// Sleepers yields SLEEPING executions whose wake time has passed.
type Sleepers struct {
	store   workflow.Store
	limit   int64
	metrics metrics.SchedulerMetrics
}

func NewSleepers(store workflow.Store, limit int64) *Sleepers {
	if limit <= 0 {
		limit = defaultScanLimit
	}
	return &Sleepers{store: store, limit: limit, metrics: metrics.Noop{}}
}

func (s *Sleepers) WithMetrics(m metrics.SchedulerMetrics) *Sleepers {
	if m != nil {
		s.metrics = m
	}
	return s
}

func (s *Sleepers) Kind() string { return "wake" }

func (s *Sleepers) Due(ctx context.Context, now time.Time) ([]workflow.Ready, error) {
	ids, err := s.store.ListDue(ctx, now, s.limit)
	if err != nil {
		return nil, err
	}
	s.metrics.SetSleeping(float64(len(ids)))
	out := make([]workflow.Ready, 0, len(ids))
	for _, id := range ids {
		out = append(out, workflow.Ready{ExecutionID: id, At: now})
	}
	return out, nil
}
