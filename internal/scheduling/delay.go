package scheduling

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DelaySchedule holds how long a new decision must be stable before it is
// committed. Zero commits immediately.
type DelaySchedule struct {
	DelayOpen  time.Duration
	DelayClose time.Duration
}

// Validate rejects negative delays.
func (s DelaySchedule) Validate() error {
	if s.DelayOpen < 0 || s.DelayClose < 0 {
		return fmt.Errorf("delays must not be negative (open=%v close=%v)", s.DelayOpen, s.DelayClose)
	}
	return nil
}

// DelayScheduler wraps another scheduler and only commits to a new target
// once the inner scheduler has asked for it continuously for the configured
// delay.
type DelayScheduler struct {
	inner  Scheduler
	delays DelaySchedule
	logger zerolog.Logger

	committed       *TargetState
	pending         *TargetState // non-nil while a transition is in flight
	transitionStart time.Time
}

// NewDelayScheduler wraps inner with zero delays.
func NewDelayScheduler(inner Scheduler, logger zerolog.Logger) *DelayScheduler {
	return &DelayScheduler{
		inner:  inner,
		logger: logger.With().Str("scheduler", "delay").Logger(),
	}
}

func (s *DelayScheduler) Name() string { return "delay" }

// SetTarget replaces the delays. An in-flight transition keeps its start time.
func (s *DelayScheduler) SetTarget(delays DelaySchedule) {
	s.delays = delays
}

// Committed returns the last committed state, or nil before the first commit.
func (s *DelayScheduler) Committed() *TargetState {
	if s.committed == nil {
		return nil
	}
	return s.committed.Ptr()
}

// Pending returns the state waiting to be committed, or nil.
func (s *DelayScheduler) Pending() *TargetState {
	if s.pending == nil {
		return nil
	}
	return s.pending.Ptr()
}

func (s *DelayScheduler) Tick(now time.Time) ScheduleResult {
	inner := s.inner.Tick(now)

	if inner.TargetState == nil {
		s.clearTransition()
		return ScheduleResult{
			TargetState:            s.Committed(),
			NextDeadline:           inner.NextDeadline,
			ShouldPublishTelemetry: inner.ShouldPublishTelemetry,
		}
	}

	desired := *inner.TargetState

	if s.committed == nil {
		s.commit(desired, now)
		return ScheduleResult{
			TargetState:            desired.Ptr(),
			NextDeadline:           inner.NextDeadline,
			ShouldPublishTelemetry: true,
		}
	}

	if desired == *s.committed {
		// Inner reverted before the delay elapsed.
		s.clearTransition()
		return ScheduleResult{
			TargetState:            desired.Ptr(),
			NextDeadline:           inner.NextDeadline,
			ShouldPublishTelemetry: inner.ShouldPublishTelemetry,
		}
	}

	if s.pending == nil || *s.pending != desired {
		s.pending = desired.Ptr()
		s.transitionStart = now
		s.logger.Debug().Stringer("from", *s.committed).Stringer("to", desired).Msg("transition requested")
	}

	delay := s.delays.DelayClose
	if desired == Open {
		delay = s.delays.DelayOpen
	}
	elapsed := now.Sub(s.transitionStart)
	if elapsed >= delay {
		s.commit(desired, now)
		return ScheduleResult{
			TargetState:            desired.Ptr(),
			NextDeadline:           inner.NextDeadline,
			ShouldPublishTelemetry: true,
		}
	}

	return ScheduleResult{
		TargetState:  s.Committed(),
		NextDeadline: minDeadline(inner.NextDeadline, Deadline(delay-elapsed)),
	}
}

func (s *DelayScheduler) commit(state TargetState, now time.Time) {
	s.committed = state.Ptr()
	s.clearTransition()
	s.logger.Debug().Stringer("state", state).Time("at", now).Msg("committed")
}

func (s *DelayScheduler) clearTransition() {
	s.pending = nil
	s.transitionStart = time.Time{}
}
