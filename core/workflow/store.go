package workflow

import (
	"context"
	"time"
)

// Store persists executions, their per-step records and timelines. Every
// write must be durable before it returns: the engine treats a successful
// SaveExecution as the point after which a step is never re-run.
type Store interface {
	CreateExecution(ctx context.Context, exec *Execution) error
	SaveExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	// ListDue returns sleeping executions whose wake time is at or before now.
	ListDue(ctx context.Context, now time.Time, limit int64) ([]string, error)
	ListByState(ctx context.Context, state ExecutionState, limit int64) ([]string, error)
	// ListStale returns RUNNING executions last updated at or before cutoff,
	// oldest first.
	ListStale(ctx context.Context, cutoff time.Time, limit int64) ([]string, error)
	AppendTimeline(ctx context.Context, id string, event TimelineEvent) error
	ListTimeline(ctx context.Context, id string, limit int64) ([]TimelineEvent, error)
	Close() error
}

const (
	defaultListLimit   = 200
	timelineMaxEntries = 1000
)
