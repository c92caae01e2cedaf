package scheduling

import "time"

// OverrideSchedule forces State until the Until instant.
type OverrideSchedule struct {
	State TargetState
	Until time.Time
}

// OverrideScheduler forces a manual state until it expires, and otherwise
// abstains.
type OverrideScheduler struct {
	override *OverrideSchedule
	applied  bool
}

// NewOverrideScheduler creates a scheduler with no override.
func NewOverrideScheduler() *OverrideScheduler {
	return &OverrideScheduler{}
}

func (s *OverrideScheduler) Name() string { return "override" }

// SetOverride sets or clears (nil) the override. The next Tick reports the
// newly applied override for telemetry.
func (s *OverrideScheduler) SetOverride(override *OverrideSchedule) {
	s.applied = false
	if override == nil {
		s.override = nil
		return
	}
	o := *override
	s.override = &o
}

// Override returns the active override, or nil.
func (s *OverrideScheduler) Override() *OverrideSchedule {
	if s.override == nil {
		return nil
	}
	o := *s.override
	return &o
}

func (s *OverrideScheduler) Tick(now time.Time) ScheduleResult {
	if s.override == nil {
		return ScheduleResult{}
	}

	remaining := s.override.Until.Sub(now)
	if remaining <= 0 {
		s.override = nil
		s.applied = false
		return ScheduleResult{ShouldPublishTelemetry: true}
	}

	publish := !s.applied
	s.applied = true
	return ScheduleResult{
		TargetState:            s.override.State.Ptr(),
		NextDeadline:           Deadline(remaining),
		ShouldPublishTelemetry: publish,
	}
}
