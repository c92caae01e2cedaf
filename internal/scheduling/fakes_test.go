package scheduling

import (
	"testing"
	"time"
)

var t0 = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

type fakeLight struct{ lux Lux }

func (f *fakeLight) LightLevel() Lux { return f.lux }

type fakeFlow struct{ bucket Liters }

func (f *fakeFlow) Volume() Liters {
	v := f.bucket
	f.bucket = 0
	return v
}

type fakeMoisture struct{ value Percent }

func (f *fakeMoisture) Moisture() Percent { return f.value }

type fakeTemperature struct{ value float64 }

func (f *fakeTemperature) Temperature() float64 { return f.value }

// scriptedScheduler returns a fixed result and counts ticks.
type scriptedScheduler struct {
	result ScheduleResult
	calls  int
}

func (s *scriptedScheduler) Name() string { return "scripted" }

func (s *scriptedScheduler) Tick(time.Time) ScheduleResult {
	s.calls++
	return s.result
}

func sr(state *TargetState, deadline *time.Duration, publish bool) ScheduleResult {
	return ScheduleResult{TargetState: state, NextDeadline: deadline, ShouldPublishTelemetry: publish}
}

func open() *TargetState   { return Open.Ptr() }
func closed() *TargetState { return Closed.Ptr() }

func assertResult(t *testing.T, label string, got, want ScheduleResult) {
	t.Helper()
	if !got.Equal(want) {
		t.Errorf("%s: got %v, want %v", label, got, want)
	}
}
