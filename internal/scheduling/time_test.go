package scheduling

import (
	"testing"
	"time"
)

type timeCase struct {
	at   time.Time
	want ScheduleResult
}

func runTimeCases(t *testing.T, schedules []TimeBasedSchedule, cases []timeCase) {
	t.Helper()
	for _, tc := range cases {
		got := EvaluateSchedules(schedules, tc.at)
		assertResult(t, tc.at.Sub(t0).String(), got, tc.want)
	}
}

func TestEvaluateSchedulesEmpty(t *testing.T) {
	got := EvaluateSchedules(nil, t0)
	assertResult(t, "empty", got, sr(nil, Deadline(MaxDeadline), false))
}

func TestEvaluateSchedulesSingleWindow(t *testing.T) {
	schedules := []TimeBasedSchedule{{Start: t0, Period: time.Hour, Duration: 15 * time.Second}}

	runTimeCases(t, schedules, []timeCase{
		{t0.Add(-time.Second), sr(closed(), Deadline(time.Second), false)},
		{t0, sr(open(), Deadline(15*time.Second), false)},
		{t0.Add(time.Second), sr(open(), Deadline(14*time.Second), false)},
		{t0.Add(15 * time.Second), sr(closed(), Deadline(time.Hour-15*time.Second), false)},
		{t0.Add(16 * time.Second), sr(closed(), Deadline(time.Hour-16*time.Second), false)},
		{t0.Add(time.Hour), sr(open(), Deadline(15*time.Second), false)},
	})
}

func TestEvaluateSchedulesOverlapping(t *testing.T) {
	// --OOOOOO--------------
	// ----OOOOOO------------
	schedules := []TimeBasedSchedule{
		{Start: t0.Add(5 * time.Minute), Period: time.Hour, Duration: 15 * time.Minute},
		{Start: t0.Add(10 * time.Minute), Period: time.Hour, Duration: 15 * time.Minute},
	}

	runTimeCases(t, schedules, []timeCase{
		{t0, sr(closed(), Deadline(5*time.Minute), false)},
		{t0.Add(time.Second), sr(closed(), Deadline(5*time.Minute-time.Second), false)},
		{t0.Add(5 * time.Minute), sr(open(), Deadline(15*time.Minute), false)},
		{t0.Add(5*time.Minute + time.Second), sr(open(), Deadline(15*time.Minute-time.Second), false)},
		{t0.Add(10 * time.Minute), sr(open(), Deadline(15*time.Minute), false)},
		{t0.Add(15 * time.Minute), sr(open(), Deadline(10*time.Minute), false)},
		{t0.Add(25*time.Minute - time.Second), sr(open(), Deadline(time.Second), false)},
		{t0.Add(25 * time.Minute), sr(closed(), Deadline(40*time.Minute), false)},
		{t0.Add(25*time.Minute + time.Second), sr(closed(), Deadline(40*time.Minute-time.Second), false)},
	})
}

func TestEvaluateSchedulesBackToBack(t *testing.T) {
	schedules := []TimeBasedSchedule{
		{Start: t0, Period: 30 * time.Second, Duration: 10 * time.Second},
		{Start: t0.Add(10 * time.Second), Period: 30 * time.Second, Duration: 10 * time.Second},
	}

	runTimeCases(t, schedules, []timeCase{
		{t0, sr(open(), Deadline(10*time.Second), false)},
		{t0.Add(10*time.Second - time.Millisecond), sr(open(), Deadline(time.Millisecond), false)},
		{t0.Add(10 * time.Second), sr(open(), Deadline(10*time.Second), false)},
		{t0.Add(20 * time.Second), sr(closed(), Deadline(10*time.Second), false)},
	})
}

func TestEvaluateSchedulesClosedUntilFirstOpen(t *testing.T) {
	schedules := []TimeBasedSchedule{{Start: t0.Add(5 * time.Second), Period: time.Minute, Duration: 2 * time.Second}}

	runTimeCases(t, schedules, []timeCase{
		{t0, sr(closed(), Deadline(5*time.Second), false)},
		{t0.Add(5500 * time.Millisecond), sr(open(), Deadline(1500*time.Millisecond), false)},
		{t0.Add(7 * time.Second), sr(closed(), Deadline(58*time.Second), false)},
	})
}

func TestEvaluateSchedulesAlternating(t *testing.T) {
	schedules := []TimeBasedSchedule{
		{Start: t0, Period: 20 * time.Second, Duration: 5 * time.Second},
		{Start: t0.Add(10 * time.Second), Period: 20 * time.Second, Duration: 5 * time.Second},
	}

	runTimeCases(t, schedules, []timeCase{
		{t0, sr(open(), Deadline(5*time.Second), false)},
		{t0.Add(5 * time.Second), sr(closed(), Deadline(5*time.Second), false)},
		{t0.Add(10 * time.Second), sr(open(), Deadline(5*time.Second), false)},
		{t0.Add(15 * time.Second), sr(closed(), Deadline(5*time.Second), false)},
	})
}

func TestEvaluateSchedulesOneShot(t *testing.T) {
	schedules := []TimeBasedSchedule{{Start: t0, Duration: 10 * time.Minute}}

	runTimeCases(t, schedules, []timeCase{
		{t0.Add(-time.Minute), sr(closed(), Deadline(time.Minute), false)},
		{t0.Add(4 * time.Minute), sr(open(), Deadline(6*time.Minute), false)},
		// Finished one-shot has no opinion.
		{t0.Add(10 * time.Minute), sr(nil, nil, false)},
		{t0.Add(48 * time.Hour), sr(nil, nil, false)},
	})
}

func TestEvaluateSchedulesFinishedOneShotDoesNotMaskPeriodic(t *testing.T) {
	schedules := []TimeBasedSchedule{
		{Start: t0, Duration: time.Minute},
		{Start: t0, Period: time.Hour, Duration: 5 * time.Minute},
	}

	runTimeCases(t, schedules, []timeCase{
		{t0.Add(30 * time.Second), sr(open(), Deadline(4*time.Minute+30*time.Second), false)},
		{t0.Add(10 * time.Minute), sr(closed(), Deadline(50*time.Minute), false)},
	})
}

func TestTimeBasedSchedulerCopiesSchedules(t *testing.T) {
	schedules := []TimeBasedSchedule{{Start: t0, Period: time.Hour, Duration: time.Minute}}
	s := NewTimeBasedScheduler()
	s.SetSchedules(schedules)
	schedules[0].Duration = 30 * time.Minute

	assertResult(t, "tick", s.Tick(t0.Add(2*time.Minute)), sr(closed(), Deadline(58*time.Minute), false))
	if got := s.Schedules()[0].Duration; got != time.Minute {
		t.Errorf("stored duration: got %v, want 1m", got)
	}
}

func TestTimeBasedScheduleValidate(t *testing.T) {
	tests := []struct {
		name    string
		sched   TimeBasedSchedule
		wantErr bool
	}{
		{"valid periodic", TimeBasedSchedule{Start: t0, Period: time.Hour, Duration: time.Minute}, false},
		{"valid one-shot", TimeBasedSchedule{Start: t0, Duration: time.Minute}, false},
		{"missing start", TimeBasedSchedule{Period: time.Hour, Duration: time.Minute}, true},
		{"negative period", TimeBasedSchedule{Start: t0, Period: -time.Hour, Duration: time.Minute}, true},
		{"zero duration", TimeBasedSchedule{Start: t0, Period: time.Hour}, true},
		{"duration exceeds period", TimeBasedSchedule{Start: t0, Period: time.Minute, Duration: time.Hour}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.sched.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
