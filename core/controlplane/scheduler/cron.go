package scheduler

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/pingup/pingup/core/infra/logging"
	"github.com/pingup/pingup/core/workflow"
)

const (
	defaultMisfireGrace = time.Minute
	minTickLockTTL      = time.Minute
)

// Cron yields one Ready per cron tick of each cron-triggered definition.
// Next ticks are always computed from the current time, so ticks missed
// while the process was down, or by more than the misfire grace, are dropped.
type Cron struct {
	registry *workflow.Registry
	locker   workflow.Locker
	grace    time.Duration

	mu     sync.Mutex
	scheds map[string]*workflow.CronSchedule
	next   map[string]time.Time
}

func NewCron(registry *workflow.Registry) *Cron {
	return &Cron{
		registry: registry,
		grace:    defaultMisfireGrace,
		scheds:   map[string]*workflow.CronSchedule{},
		next:     map[string]time.Time{},
	}
}

// WithLocker makes each tick fire on only one replica.
func (c *Cron) WithLocker(l workflow.Locker) *Cron {
	c.locker = l
	return c
}

// WithMisfireGrace sets how late a tick may be observed and still fire.
func (c *Cron) WithMisfireGrace(d time.Duration) *Cron {
	if d > 0 {
		c.grace = d
	}
	return c
}

func (c *Cron) Kind() string { return "cron" }

// NextTick reports when a definition fires next, if it has been seen.
func (c *Cron) NextTick(defID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.next[defID]
	return t, ok
}

func (c *Cron) Due(ctx context.Context, now time.Time) ([]workflow.Ready, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []workflow.Ready
	for _, def := range c.registry.Cron() {
		sched, err := c.schedule(def)
		if err != nil {
			logging.Error(component, "cron schedule", "definition", def.ID, "error", err)
			continue
		}
		tick, seen := c.next[def.ID]
		if !seen {
			c.next[def.ID] = sched.Next(now)
			continue
		}
		if now.Before(tick) {
			continue
		}
		c.next[def.ID] = sched.Next(now)
		if now.Sub(tick) > c.grace {
			logging.Warn(component, "cron tick missed", "definition", def.ID, "tick", tick.UTC().Format(time.RFC3339))
			continue
		}
		if !c.claim(ctx, def.ID, tick, sched) {
			continue
		}
		tickID := def.ID + ":" + strconv.FormatInt(tick.Unix(), 10)
		out = append(out, workflow.Ready{
			Definition: def,
			At:         tick.UTC(),
			Event:      workflow.Event{ID: tickID, Name: "cron:" + def.ID, OccurredAt: tick.UTC()},
		})
	}
	return out, nil
}

func (c *Cron) schedule(def *workflow.Definition) (*workflow.CronSchedule, error) {
	if sched, ok := c.scheds[def.ID]; ok {
		return sched, nil
	}
	sched, err := workflow.ParseCron(def.Trigger.Cron, def.Trigger.Timezone)
	if err != nil {
		return nil, err
	}
	c.scheds[def.ID] = sched
	return sched, nil
}

// claim takes a per-tick lease that is never released; it expires on its own
// after the following tick so every replica agrees the tick has fired.
func (c *Cron) claim(ctx context.Context, defID string, tick time.Time, sched *workflow.CronSchedule) bool {
	if c.locker == nil {
		return true
	}
	ttl := sched.Next(tick).Sub(tick)
	if ttl < minTickLockTTL {
		ttl = minTickLockTTL
	}
	key := "cron:" + defID + ":" + strconv.FormatInt(tick.Unix(), 10)
	ok, err := c.locker.TryAcquireLock(ctx, key, ttl)
	if err != nil {
		logging.Error(component, "cron tick lock", "definition", defID, "error", err)
		return false
	}
	return ok
}
