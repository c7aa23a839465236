package scheduler

import (
	"fmt"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/robfig/cron/v3"
)

// Trigger decides when a job fires.
type Trigger interface {
	// Next returns the first fire strictly after after, in after's location.
	Next(after time.Time) time.Time
	String() string

	apply(s *gocron.Scheduler) *gocron.Scheduler
}

type cronTrigger struct {
	expr     string
	schedule cron.Schedule
}

// Cron returns a trigger for a standard five field cron expression,
// evaluated in the job manager's time zone.
func Cron(expr string) (Trigger, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: cron %q: %v", ErrInvalidJob, expr, err)
	}
	return &cronTrigger{expr: expr, schedule: schedule}, nil
}

// MustCron is Cron for fixed expressions; it panics on a parse error.
func MustCron(expr string) Trigger {
	t, err := Cron(expr)
	if err != nil {
		panic(err)
	}
	return t
}

func (c *cronTrigger) Next(after time.Time) time.Time {
	return c.schedule.Next(after)
}

func (c *cronTrigger) String() string {
	return "cron[" + c.expr + "]"
}

func (c *cronTrigger) apply(s *gocron.Scheduler) *gocron.Scheduler {
	return s.Cron(c.expr)
}

type intervalTrigger struct {
	every time.Duration
}

// Every returns a trigger firing at a fixed interval, first one interval
// after the scheduler starts.
func Every(d time.Duration) Trigger {
	return &intervalTrigger{every: d}
}

func (i *intervalTrigger) Next(after time.Time) time.Time {
	return after.Add(i.every)
}

func (i *intervalTrigger) String() string {
	return "interval[" + i.every.String() + "]"
}

func (i *intervalTrigger) apply(s *gocron.Scheduler) *gocron.Scheduler {
	return s.Every(i.every)
}
