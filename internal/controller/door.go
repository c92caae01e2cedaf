package controller

import (
	"time"

	"github.com/sweeney/farm-controller/internal/scheduling"
	"github.com/sweeney/farm-controller/internal/status"
)

// DoorSettings are the operator-facing settings of a coop door.
type DoorSettings struct {
	Override *scheduling.OverrideSchedule
	Light    *scheduling.LightSensorSchedule
	Delays   scheduling.DelaySchedule
}

// DoorOptions wires a door to its hardware.
type DoorOptions struct {
	Name     string
	Settings DoorSettings
	Motor    Actuator
	Light    scheduling.LightSensor
}

// Door is a coop door motor driven by Composite(Override, Delay(Light)).
// An undecided tick closes the door.
type Door struct {
	*Runner

	sensor    scheduling.LightSensor
	light     *scheduling.LightSensorScheduler
	delay     *scheduling.DelayScheduler
	composite *scheduling.CompositeScheduler
}

func NewDoor(opts DoorOptions, env Env) *Door {
	env = env.withDefaults()

	d := &Door{
		sensor: opts.Light,
		light:  scheduling.NewLightSensorScheduler(opts.Light),
	}
	override := scheduling.NewOverrideScheduler()
	d.Runner = newRunner(opts.Name, status.KindDoor, override, d, opts.Motor, env)

	d.delay = scheduling.NewDelayScheduler(d.light, d.logger)
	d.composite = scheduling.NewCompositeScheduler(override, d.delay)
	d.apply(opts.Settings)
	return d
}

// Configure queues new settings. A nil Override keeps the current one.
func (d *Door) Configure(settings DoorSettings) error {
	return d.enqueue(func() { d.apply(settings) })
}

func (d *Door) apply(settings DoorSettings) {
	if settings.Override != nil {
		d.override.SetOverride(settings.Override)
	}
	d.light.SetTarget(settings.Light)
	d.delay.SetTarget(settings.Delays)
}

func (d *Door) tick(now time.Time) scheduling.ScheduleResult {
	return d.composite.Tick(now)
}

func (d *Door) resolve(target *scheduling.TargetState, _ bool) bool {
	return target != nil && *target == scheduling.Open
}

func (d *Door) describe(c *status.ControllerSnapshot) {
	c.Door = &status.DoorStatus{
		Light:     d.sensor.LightLevel(),
		Committed: d.delay.Committed(),
		Pending:   d.delay.Pending(),
	}
}

func (d *Door) source(time.Time) string {
	if d.override.Override() != nil {
		return d.override.Name()
	}
	return d.light.Name()
}

// reset drops any manual override.
func (d *Door) reset(time.Time) {
	d.override.SetOverride(nil)
	d.logger.Info().Msg("override cleared by reset")
}

func (d *Door) afterTick(time.Time) {}

func (d *Door) stop(time.Time) {}
