package soilsim

import (
	"time"

	"github.com/sweeney/farm-controller/internal/scheduling"
)

// Bed is a simulated plot: soil, a moisture sensor and a flow meter fed by a
// valve with a constant flow rate.
type Bed struct {
	Soil     *Soil
	Level    scheduling.Percent
	FlowRate scheduling.Liters // per minute while the valve is open

	bucket scheduling.Liters
}

// NewBed creates a bed at the given starting moisture.
func NewBed(config Config, moisture scheduling.Percent, flowRate scheduling.Liters) *Bed {
	return &Bed{
		Soil:     New(config),
		Level:    moisture,
		FlowRate: flowRate,
	}
}

// Moisture implements scheduling.MoistureSensor.
func (b *Bed) Moisture() scheduling.Percent { return b.Level }

// Volume implements scheduling.FlowMeter.
func (b *Bed) Volume() scheduling.Liters {
	v := b.bucket
	b.bucket = 0
	return v
}

// Controller is an irrigation controller that can be run against a bed.
type Controller interface {
	scheduling.Scheduler
	State() scheduling.IrrigationState
	Telemetry() scheduling.IrrigationTelemetry
}

// RunConfig bounds a simulation run.
type RunConfig struct {
	Start       time.Time
	Timeout     time.Duration
	DefaultTick time.Duration
}

// Result summarizes a simulation run.
type Result struct {
	Last      scheduling.ScheduleResult
	Elapsed   time.Duration
	Steps     int
	Telemetry scheduling.IrrigationTelemetry
	// MaxPulse is the largest single pulse delivered.
	MaxPulse scheduling.Liters
}

// Advance moves the bed forward by dt from now, with water flowing when
// state is Open.
func (b *Bed) Advance(now time.Time, state *scheduling.TargetState, dt time.Duration) {
	if state != nil && *state == scheduling.Open {
		volume := b.FlowRate * dt.Minutes()
		b.bucket += volume
		b.Soil.Inject(now, volume)
	}
	b.Level = b.Soil.Step(now, b.Level, dt)
}

// Run ticks the controller against the bed until it settles back to Idle or
// the timeout passes. Time advances by each result's deadline, or by
// DefaultTick when there is none.
func (b *Bed) Run(c Controller, cfg RunConfig) Result {
	var res Result
	elapsed := time.Duration(0)
	for elapsed < cfg.Timeout {
		now := cfg.Start.Add(elapsed)
		res.Last = c.Tick(now)
		if t := c.Telemetry(); t.LastVolumeDelivered > res.MaxPulse {
			res.MaxPulse = t.LastVolumeDelivered
		}
		if c.State() == scheduling.Idle {
			break
		}

		tick := cfg.DefaultTick
		if res.Last.NextDeadline != nil {
			tick = *res.Last.NextDeadline
		}
		b.Advance(now, res.Last.TargetState, tick)

		elapsed += tick
		res.Steps++
	}
	res.Elapsed = elapsed
	res.Telemetry = c.Telemetry()
	return res
}
