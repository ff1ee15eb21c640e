package workflow

import (
	"fmt"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// CronSchedule is a parsed cron trigger bound to its timezone.
type CronSchedule struct {
	Expression string
	Location   *time.Location
	schedule   cronlib.Schedule
}

// ParseCron parses a standard five-field expression (or @descriptor) in the
// named IANA timezone. An empty timezone means UTC.
func ParseCron(expression, timezone string) (*CronSchedule, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("cron expression required")
	}
	loc := time.UTC
	if tz := strings.TrimSpace(timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("cron timezone %q: %w", tz, err)
		}
		loc = l
	}
	sched, err := cronParser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("cron expression %q: %w", expression, err)
	}
	return &CronSchedule{Expression: expression, Location: loc, schedule: sched}, nil
}

// Next returns the first tick strictly after t, evaluated in the schedule's timezone.
func (c *CronSchedule) Next(t time.Time) time.Time {
	return c.schedule.Next(t.In(c.Location))
}
