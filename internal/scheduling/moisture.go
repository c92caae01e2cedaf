package scheduling

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
)

// IrrigationState is the position of the irrigation state machine.
type IrrigationState uint8

const (
	Idle IrrigationState = iota
	Watering
	Soak
	UpdateModel
	Fault
)

func (s IrrigationState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Watering:
		return "watering"
	case Soak:
		return "soak"
	case UpdateModel:
		return "update-model"
	case Fault:
		return "fault"
	default:
		return fmt.Sprintf("IrrigationState(%d)", uint8(s))
	}
}

// nextDeadline is the tick cadence the controller wants in each state.
func (s IrrigationState) nextDeadline() *time.Duration {
	switch s {
	case Idle, Soak:
		return Deadline(30 * time.Second)
	case Watering:
		return Deadline(time.Second)
	case UpdateModel:
		return Deadline(0)
	default:
		return nil
	}
}

const (
	volumeEpsilon = 1e-3
	// Minimum moisture change (percent) that counts as a measurable response.
	minResponse = 0.2
	initialGain = 0.20
)

// MoistureTarget is the band irrigation aims for. Pulses are sized to reach
// its midpoint.
type MoistureTarget struct {
	Low  Percent
	High Percent
}

func (t MoistureTarget) Mid() Percent {
	return 0.5 * (t.Low + t.High)
}

// Validate rejects bands outside [0, 100] and inverted bands.
func (t MoistureTarget) Validate() error {
	if t.Low < 0 || t.High > 100 {
		return fmt.Errorf("moisture target [%.1f, %.1f] outside 0-100%%", t.Low, t.High)
	}
	if t.Low > t.High {
		return fmt.Errorf("moisture target low %.1f%% above high %.1f%%", t.Low, t.High)
	}
	return nil
}

// MoistureConfig tunes the irrigation controller.
type MoistureConfig struct {
	// Pulse sizing
	MinVolume Liters
	MaxVolume Liters
	MinGain   float64 // %/L floor used when planning

	// EMA factors
	AlphaMoisture float64
	AlphaSlope    float64

	// Slope thresholds in %/min
	SlopeRise   float64
	SlopeSettle float64

	MinDeadTime  time.Duration
	MaxTau       time.Duration
	ValveTimeout time.Duration

	// EWMA learning rates
	BetaGain  float64
	BetaDelay float64
	BetaTau   float64

	// Safety caps
	MaxVolumePerCycle Liters
	MaxTotalVolume    Liters
	// NoRiseAfterVolume faults the controller once this much water has been
	// delivered without any observed moisture rise. Zero disables the check.
	NoRiseAfterVolume Liters
}

// DefaultMoistureConfig returns the field defaults.
func DefaultMoistureConfig() MoistureConfig {
	return MoistureConfig{
		MinVolume:         0.5,
		MaxVolume:         10,
		MinGain:           0.05,
		AlphaMoisture:     0.30,
		AlphaSlope:        0.40,
		SlopeRise:         0.05,
		SlopeSettle:       0.01,
		MinDeadTime:       time.Minute,
		MaxTau:            10 * time.Minute,
		ValveTimeout:      5 * time.Minute,
		BetaGain:          0.20,
		BetaDelay:         0.20,
		BetaTau:           0.20,
		MaxVolumePerCycle: 30,
		MaxTotalVolume:    120,
	}
}

// Validate checks the configuration for values the controller cannot run with.
func (c MoistureConfig) Validate() error {
	switch {
	case c.MinVolume <= 0:
		return fmt.Errorf("min volume %.2f L must be positive", c.MinVolume)
	case c.MaxVolume < c.MinVolume:
		return fmt.Errorf("max volume %.2f L below min volume %.2f L", c.MaxVolume, c.MinVolume)
	case c.MaxVolumePerCycle < c.MinVolume:
		return fmt.Errorf("max volume per cycle %.2f L below min volume %.2f L", c.MaxVolumePerCycle, c.MinVolume)
	case c.MaxTotalVolume <= 0:
		return fmt.Errorf("max total volume %.2f L must be positive", c.MaxTotalVolume)
	case c.NoRiseAfterVolume < 0:
		return fmt.Errorf("no-rise volume %.2f L must not be negative", c.NoRiseAfterVolume)
	case c.MinGain <= 0:
		return fmt.Errorf("min gain %.3f must be positive", c.MinGain)
	case !inUnitInterval(c.AlphaMoisture) || !inUnitInterval(c.AlphaSlope):
		return fmt.Errorf("EMA factors must be in (0, 1] (moisture=%.2f slope=%.2f)", c.AlphaMoisture, c.AlphaSlope)
	case !inUnitInterval(c.BetaGain) || !inUnitInterval(c.BetaDelay) || !inUnitInterval(c.BetaTau):
		return fmt.Errorf("learning rates must be in (0, 1] (gain=%.2f delay=%.2f tau=%.2f)", c.BetaGain, c.BetaDelay, c.BetaTau)
	case c.SlopeSettle > c.SlopeRise:
		return fmt.Errorf("settle slope %.3f above rise slope %.3f", c.SlopeSettle, c.SlopeRise)
	case c.MinDeadTime < 0:
		return fmt.Errorf("min dead time %v must not be negative", c.MinDeadTime)
	case c.MaxTau < c.MinDeadTime:
		return fmt.Errorf("max tau %v below min dead time %v", c.MaxTau, c.MinDeadTime)
	case c.ValveTimeout <= 0:
		return fmt.Errorf("valve timeout %v must be positive", c.ValveTimeout)
	}
	return nil
}

func inUnitInterval(v float64) bool {
	return v > 0 && v <= 1
}

// IrrigationTelemetry is the observable and learned state of the controller.
type IrrigationTelemetry struct {
	State IrrigationState

	RawMoisture Percent
	Moisture    Percent // filtered
	Slope       float64 // %/min, filtered

	// Learned soil model
	Gain     float64 // %/L
	DeadTime time.Duration
	Tau      time.Duration

	// Water accounting for the current day, checked against the caps.
	TotalVolume Liters
	TotalCycles uint32
	TotalsSince time.Time

	LastVolumePlanned   Liters
	LastVolumeDelivered Liters
}

// LearnedModel is the part of the telemetry worth keeping across restarts.
type LearnedModel struct {
	Gain        float64
	DeadTime    time.Duration
	Tau         time.Duration
	TotalVolume Liters
	TotalCycles uint32
	// TotalsSince is the start of the day the totals belong to. Totals from
	// an earlier day are dropped on the next tick.
	TotalsSince time.Time
}

// Notification is an operational fault raised by a controller.
type Notification struct {
	Time    time.Time
	Source  string
	Message string
}

// Notifier receives operational faults. Notify is called synchronously from
// Tick and must not block.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notification)

func (f NotifierFunc) Notify(n Notification) { f(n) }

// wateringAware is implemented by moisture sensors that filter differently
// while water is being applied.
type wateringAware interface {
	SetWatering(watering bool)
}

type pulse struct {
	planned   Liters
	delivered Liters
	start     time.Time
}

type soak struct {
	pulseEnd           time.Time
	moistureAtPulseEnd Percent
	checked            bool
	sawRise            bool
	riseAt             time.Time
}

// MoistureBasedScheduler plans and delivers irrigation pulses to keep soil
// moisture inside a target band, learning how the soil responds as it goes.
//
//	Idle -> Watering -> Soak -> UpdateModel -> Idle
//
// Fault is entered when a water cap is hit or the soil stops responding. It
// is left through ClearFault, or at the start of the next day when the daily
// water cap was the cause.
type MoistureBasedScheduler struct {
	config   MoistureConfig
	flow     FlowMeter
	sensor   MoistureSensor
	notifier Notifier
	logger   zerolog.Logger

	target    *MoistureTarget
	state     IrrigationState
	telemetry IrrigationTelemetry

	sampled      bool
	lastSample   time.Time
	lastMoisture Percent

	pulse pulse
	soak  soak

	volumeWithoutRise Liters
	capFault          bool
}

// NewMoistureBasedScheduler creates an idle controller without a target.
// The config must have passed Validate. notifier may be nil.
func NewMoistureBasedScheduler(config MoistureConfig, flow FlowMeter, sensor MoistureSensor, notifier Notifier, logger zerolog.Logger) *MoistureBasedScheduler {
	if notifier == nil {
		notifier = NotifierFunc(func(Notification) {})
	}
	return &MoistureBasedScheduler{
		config:   config,
		flow:     flow,
		sensor:   sensor,
		notifier: notifier,
		logger:   logger.With().Str("scheduler", "moisture").Logger(),
		telemetry: IrrigationTelemetry{
			RawMoisture: math.NaN(),
			Moisture:    math.NaN(),
			Gain:        initialGain,
		},
		lastMoisture: math.NaN(),
	}
}

func (s *MoistureBasedScheduler) Name() string { return "moisture" }

// SetTarget sets or clears (nil) the moisture band. Without a band the
// controller has no opinion.
func (s *MoistureBasedScheduler) SetTarget(target *MoistureTarget) {
	if target == nil {
		s.target = nil
		return
	}
	t := *target
	s.target = &t
}

func (s *MoistureBasedScheduler) Target() *MoistureTarget {
	if s.target == nil {
		return nil
	}
	t := *s.target
	return &t
}

func (s *MoistureBasedScheduler) State() IrrigationState { return s.state }

// Telemetry returns a snapshot of the controller's observable state.
func (s *MoistureBasedScheduler) Telemetry() IrrigationTelemetry {
	t := s.telemetry
	t.State = s.state
	return t
}

// Model returns the learned parameters and accounting totals.
func (s *MoistureBasedScheduler) Model() LearnedModel {
	return LearnedModel{
		Gain:        s.telemetry.Gain,
		DeadTime:    s.telemetry.DeadTime,
		Tau:         s.telemetry.Tau,
		TotalVolume: s.telemetry.TotalVolume,
		TotalCycles: s.telemetry.TotalCycles,
		TotalsSince: s.telemetry.TotalsSince,
	}
}

// RestoreModel reloads previously learned parameters. A non-positive gain
// keeps the current one.
func (s *MoistureBasedScheduler) RestoreModel(m LearnedModel) {
	if m.Gain > 0 {
		s.telemetry.Gain = m.Gain
	}
	s.telemetry.DeadTime = m.DeadTime
	s.telemetry.Tau = m.Tau
	s.telemetry.TotalVolume = m.TotalVolume
	s.telemetry.TotalCycles = m.TotalCycles
	s.telemetry.TotalsSince = m.TotalsSince
}

// ResetTotals clears the accounting totals. It does not leave Fault.
func (s *MoistureBasedScheduler) ResetTotals() {
	s.telemetry.TotalVolume = 0
	s.telemetry.TotalCycles = 0
	s.volumeWithoutRise = 0
}

// ClearFault returns a faulted controller to Idle.
func (s *MoistureBasedScheduler) ClearFault() {
	if s.state == Fault {
		s.capFault = false
		s.setState(Idle)
	}
}

func (s *MoistureBasedScheduler) Tick(now time.Time) ScheduleResult {
	s.rollTotals(now)
	if s.target == nil {
		return ScheduleResult{}
	}

	first := !s.sampled
	s.sampleAndFilter(now)

	before := s.state
	switch s.state {
	case Idle:
		s.idle(now)
	case Watering:
		s.water(now)
	case Soak:
		s.soakIn(now)
	case UpdateModel:
		s.updateModel(now)
	case Fault:
	}

	target := Closed
	if s.state == Watering {
		target = Open
	}
	return ScheduleResult{
		TargetState:            target.Ptr(),
		NextDeadline:           s.state.nextDeadline(),
		ShouldPublishTelemetry: first || s.state != before,
	}
}

// rollTotals starts a new accounting day once now has passed midnight, in
// now's location. A fault raised by the daily cap ends with the day.
func (s *MoistureBasedScheduler) rollTotals(now time.Time) {
	day := startOfDay(now)
	if s.telemetry.TotalsSince.IsZero() {
		s.telemetry.TotalsSince = day
		return
	}
	if !day.After(s.telemetry.TotalsSince) {
		return
	}
	s.logger.Info().
		Float64("total_volume", s.telemetry.TotalVolume).
		Uint32("total_cycles", s.telemetry.TotalCycles).
		Msg("new day, water totals reset")
	s.telemetry.TotalVolume = 0
	s.telemetry.TotalCycles = 0
	s.telemetry.TotalsSince = day
	if s.state == Fault && s.capFault {
		s.capFault = false
		s.setState(Idle)
	}
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func (s *MoistureBasedScheduler) sampleAndFilter(now time.Time) {
	if !s.sampled {
		s.sampled = true
		s.lastSample = now
	}

	raw := s.sensor.Moisture()
	s.telemetry.RawMoisture = raw
	if math.IsNaN(raw) {
		// Hold the filters until a reading arrives.
		return
	}

	if math.IsNaN(s.telemetry.Moisture) {
		s.telemetry.Moisture = raw
	} else {
		a := s.config.AlphaMoisture
		s.telemetry.Moisture = a*raw + (1-a)*s.telemetry.Moisture
	}

	if dt := now.Sub(s.lastSample); dt > 0 {
		prev := s.lastMoisture
		if math.IsNaN(prev) {
			prev = s.telemetry.Moisture
		}
		instant := (s.telemetry.Moisture - prev) / dt.Minutes()
		a := s.config.AlphaSlope
		s.telemetry.Slope = a*instant + (1-a)*s.telemetry.Slope
	}

	s.lastMoisture = s.telemetry.Moisture
	s.lastSample = now
}

func (s *MoistureBasedScheduler) idle(now time.Time) {
	moisture := s.telemetry.Moisture
	if math.IsNaN(moisture) || moisture >= s.target.Low {
		return
	}

	if s.telemetry.TotalVolume >= s.config.MaxTotalVolume {
		s.fault(now, fmt.Sprintf("daily water cap of %.1f L reached (%.1f L delivered)",
			s.config.MaxTotalVolume, s.telemetry.TotalVolume))
		s.capFault = true
		return
	}

	needed := clamp(s.target.Mid()-moisture, 0, 100)
	gain := math.Max(s.telemetry.Gain, s.config.MinGain)
	volume := needed / gain
	if s.telemetry.Slope > s.config.SlopeRise {
		// Still rising from rain or an earlier pulse.
		volume *= 0.5
	}
	volume = clamp(volume, s.config.MinVolume, math.Min(s.config.MaxVolume, s.config.MaxVolumePerCycle))

	// Discard anything the meter counted while the valve was closed.
	s.flow.Volume()
	s.pulse = pulse{planned: volume, start: now}
	s.telemetry.LastVolumePlanned = volume

	s.logger.Debug().
		Float64("moisture", moisture).
		Float64("planned_l", volume).
		Msg("starting pulse")
	s.setState(Watering)
}

func (s *MoistureBasedScheduler) water(now time.Time) {
	s.pulse.delivered += s.flow.Volume()

	reached := s.pulse.delivered+volumeEpsilon >= s.pulse.planned
	timedOut := now.Sub(s.pulse.start) >= s.config.ValveTimeout
	if !reached && !timedOut {
		return
	}

	s.telemetry.TotalVolume += s.pulse.delivered
	s.telemetry.TotalCycles++
	s.telemetry.LastVolumeDelivered = s.pulse.delivered

	s.soak = soak{
		pulseEnd:           now,
		moistureAtPulseEnd: s.telemetry.Moisture,
	}

	s.logger.Debug().
		Float64("delivered_l", s.pulse.delivered).
		Bool("timeout", !reached).
		Msg("pulse finished, soaking")
	s.setState(Soak)
}

func (s *MoistureBasedScheduler) soakIn(now time.Time) {
	since := now.Sub(s.soak.pulseEnd)
	if since < max(s.config.MinDeadTime, s.telemetry.DeadTime) {
		return
	}

	slope := s.telemetry.Slope
	if !s.soak.sawRise {
		firstCheck := !s.soak.checked
		s.soak.checked = true
		if slope > s.config.SlopeRise {
			s.soak.sawRise = true
			s.soak.riseAt = now
			observed := min(since, s.config.MaxTau)
			if firstCheck {
				// The rise started somewhere before the first look, so the
				// estimate moves toward the floor instead of staying put.
				observed = s.config.MinDeadTime
			}
			s.telemetry.DeadTime = learnDuration(s.telemetry.DeadTime, observed, s.config.BetaDelay)
			s.logger.Debug().Dur("after", since).Float64("slope", slope).Msg("rise detected")
		}
		if since > s.config.MaxTau {
			s.logger.Debug().Dur("after", since).Bool("rise", s.soak.sawRise).Msg("soak timed out")
			s.setState(UpdateModel)
		}
		return
	}

	if slope < s.config.SlopeSettle {
		s.telemetry.Tau = learnDuration(s.telemetry.Tau, now.Sub(s.soak.riseAt), s.config.BetaTau)
		s.logger.Debug().Dur("after", since).Msg("settled")
		s.setState(UpdateModel)
	} else if since > s.config.MaxTau {
		s.logger.Debug().Dur("after", since).Float64("slope", slope).Msg("not settled, updating model anyway")
		s.setState(UpdateModel)
	}
}

func (s *MoistureBasedScheduler) updateModel(now time.Time) {
	if s.soak.sawRise {
		s.volumeWithoutRise = 0
	} else {
		s.volumeWithoutRise += s.pulse.delivered
	}

	change := s.telemetry.Moisture - s.soak.moistureAtPulseEnd
	if change > minResponse {
		observed := change / math.Max(s.pulse.delivered, volumeEpsilon)
		b := s.config.BetaGain
		s.telemetry.Gain = (1-b)*s.telemetry.Gain + b*observed
		s.logger.Debug().Float64("observed", observed).Float64("gain", s.telemetry.Gain).Msg("gain updated")
	}

	switch {
	case s.telemetry.Moisture >= s.target.Low:
		s.setState(Idle)
	case s.config.NoRiseAfterVolume > 0 && s.volumeWithoutRise >= s.config.NoRiseAfterVolume:
		s.fault(now, fmt.Sprintf("no moisture response after %.1f L", s.volumeWithoutRise))
	case s.telemetry.TotalVolume >= s.config.MaxTotalVolume:
		s.fault(now, fmt.Sprintf("daily water cap of %.1f L reached mid-cycle (%.1f L delivered)",
			s.config.MaxTotalVolume, s.telemetry.TotalVolume))
		s.capFault = true
	default:
		s.setState(Idle)
	}
}

func (s *MoistureBasedScheduler) fault(now time.Time, message string) {
	s.logger.Warn().Str("reason", message).Msg("irrigation fault")
	s.capFault = false
	s.setState(Fault)
	s.notifier.Notify(Notification{Time: now, Source: s.Name(), Message: message})
}

func (s *MoistureBasedScheduler) setState(next IrrigationState) {
	if next == s.state {
		return
	}
	s.logger.Debug().Stringer("from", s.state).Stringer("to", next).Msg("state change")
	s.state = next
	if w, ok := s.sensor.(wateringAware); ok {
		w.SetWatering(next == Watering || next == Soak)
	}
}

// learnDuration blends an observation into a learned duration. The first
// observation is taken as is.
func learnDuration(current, observed time.Duration, beta float64) time.Duration {
	if current <= 0 {
		return observed
	}
	return time.Duration((1-beta)*float64(current) + beta*float64(observed))
}
