// Package scheduling contains the decision logic that turns schedules, sensor
// readings and manual overrides into actuator target states.
// This package does no I/O and owns no goroutines (no GPIO, MQTT or time.Sleep).
// Time is always injectable via the now parameter of Tick.
package scheduling

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// TargetState is the binary intent for an actuator.
// "No opinion" is a nil *TargetState, never a third value.
type TargetState int8

const (
	Closed TargetState = -1
	Open   TargetState = 1
)

func (s TargetState) String() string {
	switch s {
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("TargetState(%d)", int8(s))
	}
}

// Ptr returns a pointer to a copy of s.
func (s TargetState) Ptr() *TargetState {
	return &s
}

// ParseTargetState accepts "open" or "closed" in any case.
func ParseTargetState(v string) (TargetState, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "open":
		return Open, nil
	case "closed", "close":
		return Closed, nil
	}
	return 0, fmt.Errorf("invalid target state %q (want open or closed)", v)
}

// MaxDeadline means "no need to tick again until something else changes".
const MaxDeadline = time.Duration(math.MaxInt64)

// Deadline returns a pointer to d, for building results.
func Deadline(d time.Duration) *time.Duration {
	return &d
}

// ScheduleResult is the output of a scheduler tick.
type ScheduleResult struct {
	// TargetState is nil when the scheduler has no opinion.
	TargetState *TargetState
	// NextDeadline is relative to the now passed into Tick.
	// nil means "as late as possible".
	NextDeadline *time.Duration
	// ShouldPublishTelemetry signals that something observable changed.
	ShouldPublishTelemetry bool
}

// Equal reports whether both results carry the same values.
func (r ScheduleResult) Equal(o ScheduleResult) bool {
	return equalPtr(r.TargetState, o.TargetState) &&
		equalPtr(r.NextDeadline, o.NextDeadline) &&
		r.ShouldPublishTelemetry == o.ShouldPublishTelemetry
}

func (r ScheduleResult) String() string {
	state := "none"
	if r.TargetState != nil {
		state = r.TargetState.String()
	}
	deadline := "none"
	if r.NextDeadline != nil {
		if *r.NextDeadline == MaxDeadline {
			deadline = "max"
		} else {
			deadline = r.NextDeadline.String()
		}
	}
	return fmt.Sprintf("{state=%s deadline=%s telemetry=%t}", state, deadline, r.ShouldPublishTelemetry)
}

// Scheduler decides an actuator target state at a point in time.
// Implementations are not safe for concurrent use: Tick and the setters
// must be called from a single goroutine.
type Scheduler interface {
	Name() string
	// Tick evaluates the scheduler at now. now must never go backwards.
	Tick(now time.Time) ScheduleResult
}

// Lux is an illuminance reading.
type Lux = float64

// Liters is a water volume.
type Liters = float64

// Percent is a soil moisture reading in the range [0, 100].
type Percent = float64

// LightSensor provides ambient light readings.
type LightSensor interface {
	LightLevel() Lux
}

// FlowMeter reports the volume delivered since the previous call and resets
// its accumulator in the same operation.
type FlowMeter interface {
	Volume() Liters
}

// MoistureSensor provides soil moisture readings.
type MoistureSensor interface {
	Moisture() Percent
}

// TemperatureSensor provides the temperature used for drift compensation.
type TemperatureSensor interface {
	Temperature() float64
}

// minDeadline returns the earlier of two deadlines, nil counting as infinity.
func minDeadline(a, b *time.Duration) *time.Duration {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	if *b < *a {
		return b
	}
	return a
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
