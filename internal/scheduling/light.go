package scheduling

import (
	"fmt"
	"time"
)

// LightPollInterval is how often a light scheduler with a target wants to be
// ticked.
const LightPollInterval = time.Minute

// LightSensorSchedule is a hysteresis band. Open wins when both levels match.
type LightSensorSchedule struct {
	OpenLevel  Lux
	CloseLevel Lux
}

// Validate rejects inverted bands.
func (s LightSensorSchedule) Validate() error {
	if s.OpenLevel < s.CloseLevel {
		return fmt.Errorf("open level %.1f lux is below close level %.1f lux", s.OpenLevel, s.CloseLevel)
	}
	return nil
}

// LightSensorScheduler opens above the open level, closes below the close
// level and abstains in between.
type LightSensorScheduler struct {
	sensor LightSensor
	target *LightSensorSchedule
}

// NewLightSensorScheduler creates a scheduler without a target.
func NewLightSensorScheduler(sensor LightSensor) *LightSensorScheduler {
	return &LightSensorScheduler{sensor: sensor}
}

func (s *LightSensorScheduler) Name() string { return "light" }

// SetTarget sets or clears (nil) the hysteresis band.
func (s *LightSensorScheduler) SetTarget(target *LightSensorSchedule) {
	if target == nil {
		s.target = nil
		return
	}
	t := *target
	s.target = &t
}

// Target returns the current band, or nil.
func (s *LightSensorScheduler) Target() *LightSensorSchedule {
	if s.target == nil {
		return nil
	}
	t := *s.target
	return &t
}

func (s *LightSensorScheduler) Tick(now time.Time) ScheduleResult {
	if s.target == nil {
		return ScheduleResult{}
	}

	result := ScheduleResult{NextDeadline: Deadline(LightPollInterval)}
	// A NaN reading fails both comparisons and abstains.
	lux := s.sensor.LightLevel()
	if lux >= s.target.OpenLevel {
		result.TargetState = Open.Ptr()
	} else if lux <= s.target.CloseLevel {
		result.TargetState = Closed.Ptr()
	}
	return result
}
