package controller

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/farm-controller/internal/metrics"
	"github.com/sweeney/farm-controller/internal/scheduling"
	"github.com/sweeney/farm-controller/internal/status"
	"github.com/sweeney/farm-controller/internal/store"
)

// unit is the kind-specific part of a controller. All methods run on the
// runner goroutine.
type unit interface {
	tick(now time.Time) scheduling.ScheduleResult
	// resolve maps the scheduler target to the actuator state.
	resolve(target *scheduling.TargetState, open bool) bool
	describe(c *status.ControllerSnapshot)
	// source names what decided the current target, for the transition log.
	source(now time.Time) string
	reset(now time.Time)
	afterTick(now time.Time)
	stop(now time.Time)
}

// Runner ticks one scheduler graph and drives one actuator. Scheduler state is
// only touched by the Run goroutine; other goroutines hand it closures through
// the update queue.
type Runner struct {
	name     string
	kind     status.Kind
	unit     unit
	override *scheduling.OverrideScheduler
	actuator Actuator
	env      Env
	logger   zerolog.Logger

	updates chan func()

	open      bool
	driven    bool
	lastError string
}

func newRunner(name string, kind status.Kind, override *scheduling.OverrideScheduler, u unit, actuator Actuator, env Env) *Runner {
	return &Runner{
		name:     name,
		kind:     kind,
		unit:     u,
		override: override,
		actuator: actuator,
		env:      env,
		logger:   env.Logger.With().Str("controller", name).Logger(),
		updates:  make(chan func(), updateQueue),
	}
}

func (r *Runner) Name() string { return r.name }

func (r *Runner) Kind() status.Kind { return r.kind }

// SetOverride queues a manual override (nil clears it).
func (r *Runner) SetOverride(override *scheduling.OverrideSchedule) error {
	return r.enqueue(func() { r.override.SetOverride(override) })
}

// Reset queues a reset of the controller's accumulated state.
func (r *Runner) Reset() error {
	return r.enqueue(func() { r.unit.reset(r.env.Now()) })
}

func (r *Runner) enqueue(fn func()) error {
	select {
	case r.updates <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run ticks until ctx is cancelled. Queued updates are applied between ticks
// and followed by an immediate tick.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info().Str("kind", string(r.kind)).Msg("controller started")

	for {
		wait := r.step(r.env.Now())

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.unit.stop(r.env.Now())
			r.logger.Info().Msg("controller stopped")
			return nil
		case <-timer.C:
		case fn := <-r.updates:
			timer.Stop()
			fn()
			r.applyPending()
		}
	}
}

// applyPending applies queued updates without blocking.
func (r *Runner) applyPending() {
	for {
		select {
		case fn := <-r.updates:
			fn()
		default:
			return
		}
	}
}

// step runs one tick at now and returns how long to wait before the next.
func (r *Runner) step(now time.Time) time.Duration {
	res := r.unit.tick(now)
	metrics.RecordTick(r.name)

	prevError := r.lastError
	want := r.unit.resolve(res.TargetState, r.open)
	changed := false
	if !r.driven || want != r.open {
		if err := r.actuator.Set(want); err != nil {
			r.lastError = err.Error()
			metrics.RecordActuatorError(r.name)
			r.logger.Error().Err(err).Bool("open", want).Msg("failed to drive actuator")
		} else {
			changed = true
			r.open = want
			r.driven = true
			r.lastError = ""
			r.recordTransition(now)
		}
	}
	metrics.RecordActuator(r.name, r.open, changed)

	wait := r.clamp(res.NextDeadline)
	if r.lastError != "" {
		wait = min(wait, actuatorRetry)
	}

	snap := status.ControllerSnapshot{
		Name:      r.name,
		Kind:      r.kind,
		Open:      r.open,
		Target:    res.TargetState,
		Override:  r.override.Override(),
		LastTick:  now,
		NextTick:  now.Add(wait),
		LastError: r.lastError,
	}
	r.unit.describe(&snap)

	if r.env.Tracker != nil {
		r.env.Tracker.UpdateController(snap)
	}
	if res.ShouldPublishTelemetry || changed || r.lastError != prevError {
		if err := r.env.Publisher.PublishTelemetry(r.name, status.FormatTelemetry(snap)); err != nil {
			r.logger.Warn().Err(err).Msg("failed to publish telemetry")
		}
	}

	r.unit.afterTick(now)
	return wait
}

func (r *Runner) clamp(deadline *time.Duration) time.Duration {
	wait := r.env.MaxWait
	if deadline != nil && *deadline < wait {
		wait = *deadline
	}
	return max(wait, r.env.MinWait)
}

func (r *Runner) recordTransition(now time.Time) {
	state := scheduling.Closed.String()
	if r.open {
		state = scheduling.Open.String()
	}
	source := r.unit.source(now)
	r.logger.Info().Str("state", state).Str("source", source).Msg("actuator changed")

	if r.env.Transitions == nil {
		return
	}
	_, err := r.env.Transitions.RecordTransition(store.Transition{
		Controller: r.name,
		State:      state,
		Source:     source,
		At:         now,
	})
	if err != nil {
		r.logger.Warn().Err(err).Msg("failed to record transition")
	}
}
