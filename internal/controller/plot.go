package controller

import (
	"errors"
	"time"

	"github.com/sweeney/farm-controller/internal/metrics"
	"github.com/sweeney/farm-controller/internal/scheduling"
	"github.com/sweeney/farm-controller/internal/status"
	"github.com/sweeney/farm-controller/internal/store"
)

const (
	// Starting point of the Kalman filter before the first reading.
	kalmanInitialMoisture = 50.0
	kalmanTempRef         = 20.0
)

// PlotSettings are the operator-facing settings of an irrigation plot.
type PlotSettings struct {
	Override  *scheduling.OverrideSchedule
	Schedules []scheduling.TimeBasedSchedule
	Target    *scheduling.MoistureTarget
}

// PlotOptions wires a plot to its hardware.
type PlotOptions struct {
	Name     string
	Settings PlotSettings
	Moisture scheduling.MoistureConfig

	Valve  Actuator
	Flow   scheduling.FlowMeter
	Sensor scheduling.MoistureSensor
	// Temperature enables Kalman temperature compensation of Sensor.
	Temperature scheduling.TemperatureSensor
	// Models may be nil, in which case nothing is learned across restarts.
	Models ModelStore
}

// Plot is an irrigation valve driven by Composite(Override, TimeBased,
// MoistureBased). A tick without a target keeps the valve as it is.
type Plot struct {
	*Runner

	times     *scheduling.TimeBasedScheduler
	moisture  *scheduling.MoistureBasedScheduler
	kalman    *scheduling.KalmanMoistureSensor
	composite *scheduling.CompositeScheduler
	models    ModelStore

	lastState scheduling.IrrigationState
	stateSeen bool
	saved     scheduling.LearnedModel
}

// NewPlot builds a plot, restoring its learned model when one is stored.
func NewPlot(opts PlotOptions, env Env) *Plot {
	env = env.withDefaults()

	p := &Plot{
		times:  scheduling.NewTimeBasedScheduler(),
		models: opts.Models,
	}
	override := scheduling.NewOverrideScheduler()
	p.Runner = newRunner(opts.Name, status.KindPlot, override, p, opts.Valve, env)

	sensor := opts.Sensor
	if opts.Temperature != nil {
		filter := scheduling.NewMoistureKalmanFilter(kalmanInitialMoisture, 0, kalmanTempRef)
		p.kalman = scheduling.NewKalmanMoistureSensor(opts.Sensor, opts.Temperature, filter, scheduling.DefaultKalmanNoise(), env.Now)
		sensor = p.kalman
	}

	notifier := faultNotifier(opts.Name, env.Publisher, p.logger, func() { metrics.RecordFault(opts.Name) })
	p.moisture = scheduling.NewMoistureBasedScheduler(opts.Moisture, opts.Flow, sensor, notifier, p.logger)
	p.composite = scheduling.NewCompositeScheduler(override, p.times, p.moisture)

	p.restore()
	p.apply(opts.Settings)
	return p
}

// Configure queues new settings. A nil Override keeps the current one;
// SetOverride(nil) clears it.
func (p *Plot) Configure(settings PlotSettings) error {
	return p.enqueue(func() { p.apply(settings) })
}

func (p *Plot) apply(settings PlotSettings) {
	if settings.Override != nil {
		p.override.SetOverride(settings.Override)
	}
	p.times.SetSchedules(settings.Schedules)
	p.moisture.SetTarget(settings.Target)
}

func (p *Plot) restore() {
	if p.models == nil {
		return
	}
	m, err := p.models.LoadModel(p.name)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to load learned model")
		return
	}
	p.moisture.RestoreModel(m)
	p.saved = p.moisture.Model()
	p.logger.Info().Float64("gain", m.Gain).Dur("dead_time", m.DeadTime).Dur("tau", m.Tau).
		Float64("total_volume", m.TotalVolume).Msg("restored learned model")
}

func (p *Plot) tick(now time.Time) scheduling.ScheduleResult {
	return p.composite.Tick(now)
}

func (p *Plot) resolve(target *scheduling.TargetState, open bool) bool {
	if target == nil {
		return open
	}
	return *target == scheduling.Open
}

func (p *Plot) describe(c *status.ControllerSnapshot) {
	t := p.moisture.Telemetry()
	c.Irrigation = &t
	if p.kalman != nil {
		beta := p.kalman.Beta()
		c.TempCoefficient = &beta
	}
}

func (p *Plot) source(now time.Time) string {
	switch {
	case p.override.Override() != nil:
		return p.override.Name()
	case scheduling.EvaluateSchedules(p.times.Schedules(), now).TargetState != nil:
		return p.times.Name()
	default:
		return p.moisture.Name()
	}
}

// reset clears the accounting totals and any irrigation fault.
func (p *Plot) reset(now time.Time) {
	p.moisture.ResetTotals()
	p.moisture.ClearFault()
	p.logger.Info().Msg("irrigation totals reset")
	p.save(now)
}

// afterTick exports metrics and persists the model whenever the irrigation
// state machine moves.
func (p *Plot) afterTick(now time.Time) {
	t := p.moisture.Telemetry()
	metrics.RecordIrrigation(p.name, t.Moisture, t.Gain, t.TotalVolume)

	if p.stateSeen && p.lastState == t.State {
		return
	}
	p.lastState, p.stateSeen = t.State, true
	p.save(now)
}

func (p *Plot) stop(now time.Time) {
	p.save(now)
}

func (p *Plot) save(now time.Time) {
	if p.models == nil {
		return
	}
	m := p.moisture.Model()
	if m == p.saved {
		return
	}
	if err := p.models.SaveModel(p.name, m, now); err != nil {
		p.logger.Warn().Err(err).Msg("failed to save learned model")
		return
	}
	p.saved = m
}
