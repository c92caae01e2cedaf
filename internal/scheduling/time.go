package scheduling

import (
	"errors"
	"fmt"
	"time"
)

// TimeBasedSchedule is one periodic window. A zero Period makes it a
// one-shot window that has no opinion once it is over.
type TimeBasedSchedule struct {
	Start    time.Time
	Period   time.Duration
	Duration time.Duration
}

// Validate rejects windows that cannot be evaluated sensibly.
func (s TimeBasedSchedule) Validate() error {
	if s.Start.IsZero() {
		return errors.New("schedule start is required")
	}
	if s.Period < 0 {
		return fmt.Errorf("schedule period %v is negative", s.Period)
	}
	if s.Duration <= 0 {
		return fmt.Errorf("schedule duration %v must be positive", s.Duration)
	}
	if s.Period > 0 && s.Duration > s.Period {
		return fmt.Errorf("schedule duration %v exceeds period %v", s.Duration, s.Period)
	}
	return nil
}

// TimeBasedScheduler opens while any of its windows is active.
type TimeBasedScheduler struct {
	schedules []TimeBasedSchedule
}

// NewTimeBasedScheduler creates a scheduler with no windows.
func NewTimeBasedScheduler() *TimeBasedScheduler {
	return &TimeBasedScheduler{}
}

func (s *TimeBasedScheduler) Name() string { return "time" }

// SetSchedules replaces the window list. The slice is copied.
func (s *TimeBasedScheduler) SetSchedules(schedules []TimeBasedSchedule) {
	s.schedules = append([]TimeBasedSchedule(nil), schedules...)
}

// Schedules returns a copy of the current window list.
func (s *TimeBasedScheduler) Schedules() []TimeBasedSchedule {
	return append([]TimeBasedSchedule(nil), s.schedules...)
}

func (s *TimeBasedScheduler) Tick(now time.Time) ScheduleResult {
	return EvaluateSchedules(s.schedules, now)
}

// EvaluateSchedules merges all windows at now. Open from any window wins and
// stays valid until the last open window closes; otherwise the result is
// Closed until the earliest upcoming edge.
func EvaluateSchedules(schedules []TimeBasedSchedule, now time.Time) ScheduleResult {
	if len(schedules) == 0 {
		return ScheduleResult{NextDeadline: Deadline(MaxDeadline)}
	}

	var target *TargetState
	var validFor *time.Duration
	isOpen := func() bool { return target != nil && *target == Open }

	for _, sch := range schedules {
		offset := now.Sub(sch.Start)
		if offset < 0 {
			// Not started yet.
			if !isOpen() {
				target = Closed.Ptr()
				validFor = minDeadline(validFor, Deadline(-offset))
			}
			continue
		}

		position := offset
		if sch.Period > 0 {
			position = offset % sch.Period
		} else if position >= sch.Duration {
			// Finished one-shot.
			continue
		}

		if position < sch.Duration {
			closeAfter := sch.Duration - position
			if isOpen() {
				if closeAfter > *validFor {
					validFor = Deadline(closeAfter)
				}
			} else {
				target = Open.Ptr()
				validFor = Deadline(closeAfter)
			}
		} else if !isOpen() {
			target = Closed.Ptr()
			validFor = minDeadline(validFor, Deadline(sch.Period-position))
		}
	}

	return ScheduleResult{TargetState: target, NextDeadline: validFor}
}
