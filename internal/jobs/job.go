// Package jobs runs background work on fixed intervals, cron
// expressions, or explicit triggers. A given job never overlaps with
// itself: scheduled ticks that arrive mid-run are dropped, and
// triggers on trigger-only jobs coalesce into at most one pending
// follow-up run carrying the most recent payload.
package jobs

import (
	"context"
	"time"
)

// RunFunc is the body of a job. The payload is nil for scheduled runs
// and carries the Trigger argument for triggered runs. Returning an
// error marks the run failed; it is logged and counted, never retried
// by the scheduler itself.
type RunFunc func(ctx context.Context, payload interface{}) error

// Definition declares one job. Exactly one scheduling mode applies:
// Every for fixed intervals, Cron for calendar schedules, or neither
// for a trigger-only job that runs solely via Scheduler.Trigger.
type Definition struct {
	// Name identifies the job in Trigger calls, logs, and metrics.
	Name string

	// Every schedules the job at a fixed interval when positive.
	Every time.Duration

	// Cron schedules the job by a standard five-field cron expression
	// when non-empty. Mutually exclusive with Every.
	Cron string

	// Timeout bounds a single run when positive. The run's context is
	// cancelled at the deadline; the job body decides how to unwind.
	Timeout time.Duration

	// Run is the job body.
	Run RunFunc
}

// triggerOnly reports whether the job has no schedule of its own.
func (d Definition) triggerOnly() bool {
	return d.Every <= 0 && d.Cron == ""
}
