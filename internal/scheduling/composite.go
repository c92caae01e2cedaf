package scheduling

import "time"

// CompositeScheduler consults schedulers in priority order. The first one
// with an opinion wins, and lower priorities are not ticked in that cycle.
type CompositeScheduler struct {
	schedulers []Scheduler
}

// NewCompositeScheduler creates a composite with the given priority order.
func NewCompositeScheduler(schedulers ...Scheduler) *CompositeScheduler {
	return &CompositeScheduler{schedulers: schedulers}
}

func (c *CompositeScheduler) Name() string { return "composite" }

func (c *CompositeScheduler) Tick(now time.Time) ScheduleResult {
	var result ScheduleResult
	for _, s := range c.schedulers {
		if result.TargetState != nil {
			break
		}
		result = merge(result, s.Tick(now))
	}
	return result
}

func merge(acc, sub ScheduleResult) ScheduleResult {
	target := acc.TargetState
	if target == nil {
		target = sub.TargetState
	}
	return ScheduleResult{
		TargetState:            target,
		NextDeadline:           minDeadline(acc.NextDeadline, sub.NextDeadline),
		ShouldPublishTelemetry: acc.ShouldPublishTelemetry || sub.ShouldPublishTelemetry,
	}
}
