package config

import (
	"errors"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sweeney/farm-controller/internal/scheduling"
)

// PlotConfig describes one irrigation plot: a valve, its flow meter and the
// sensors its moisture controller reads.
type PlotConfig struct {
	Name string `yaml:"name"`

	ValvePin int `yaml:"valve_pin"`
	// ValveActiveLow drives the relay with a low level to open.
	ValveActiveLow bool    `yaml:"valve_active_low"`
	FlowPin        int     `yaml:"flow_pin"`
	PulsesPerLiter float64 `yaml:"pulses_per_liter"`

	// Sensor names under mqtt.sensor_prefix. TemperatureSensor is optional;
	// when set, moisture readings are drift-compensated.
	MoistureSensor    string `yaml:"moisture_sensor"`
	TemperatureSensor string `yaml:"temperature_sensor"`

	Schedules  []ScheduleConfig `yaml:"schedules"`
	Moisture   *TargetConfig    `yaml:"moisture"`
	Override   *OverrideConfig  `yaml:"override"`
	Irrigation IrrigationConfig `yaml:"irrigation"`
}

// UnmarshalYAML fills irrigation tuning the entry leaves out with defaults.
func (p *PlotConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain PlotConfig
	raw := plain{
		PulsesPerLiter: 450,
		Irrigation:     defaultIrrigation(),
	}
	if err := node.Decode(&raw); err != nil {
		return err
	}
	*p = PlotConfig(raw)
	return nil
}

func (p PlotConfig) Validate() error {
	if p.Name == "" {
		return errors.New("name is required")
	}
	if _, err := p.TimeSchedules(); err != nil {
		return fmt.Errorf("plot %q: %w", p.Name, err)
	}
	if _, err := p.Override.Schedule(); err != nil {
		return fmt.Errorf("plot %q: %w", p.Name, err)
	}
	if p.Moisture != nil {
		if err := p.Moisture.Target().Validate(); err != nil {
			return fmt.Errorf("plot %q: %w", p.Name, err)
		}
		if p.MoistureSensor == "" {
			return fmt.Errorf("plot %q: moisture target needs moisture_sensor", p.Name)
		}
		if p.FlowPin <= 0 || p.PulsesPerLiter <= 0 {
			return fmt.Errorf("plot %q: moisture target needs flow_pin and pulses_per_liter", p.Name)
		}
	}
	if err := p.MoistureConfig().Validate(); err != nil {
		return fmt.Errorf("plot %q: irrigation: %w", p.Name, err)
	}
	return nil
}

// TimeSchedules converts the configured watering windows.
func (p PlotConfig) TimeSchedules() ([]scheduling.TimeBasedSchedule, error) {
	out := make([]scheduling.TimeBasedSchedule, 0, len(p.Schedules))
	for i, sc := range p.Schedules {
		s, err := sc.Schedule()
		if err != nil {
			return nil, fmt.Errorf("schedules[%d]: %w", i, err)
		}
		out = append(out, s)
	}
	return out, nil
}

// MoistureTarget returns nil when the plot has no moisture band.
func (p PlotConfig) MoistureTarget() *scheduling.MoistureTarget {
	if p.Moisture == nil {
		return nil
	}
	t := p.Moisture.Target()
	return &t
}

func (p PlotConfig) MoistureConfig() scheduling.MoistureConfig {
	return p.Irrigation.apply(scheduling.DefaultMoistureConfig())
}

// ScheduleConfig is one watering window. A zero period means one-shot.
type ScheduleConfig struct {
	Start    string   `yaml:"start"`
	Period   Duration `yaml:"period"`
	Duration Duration `yaml:"duration"`
}

func (c ScheduleConfig) Schedule() (scheduling.TimeBasedSchedule, error) {
	start, err := time.Parse(time.RFC3339, c.Start)
	if err != nil {
		return scheduling.TimeBasedSchedule{}, fmt.Errorf("start %q: %w", c.Start, err)
	}
	s := scheduling.TimeBasedSchedule{
		Start:    start,
		Period:   c.Period.Duration,
		Duration: c.Duration.Duration,
	}
	if err := s.Validate(); err != nil {
		return scheduling.TimeBasedSchedule{}, err
	}
	return s, nil
}

// TargetConfig is a moisture band in percent.
type TargetConfig struct {
	Low  float64 `yaml:"low"`
	High float64 `yaml:"high"`
}

func (c TargetConfig) Target() scheduling.MoistureTarget {
	return scheduling.MoistureTarget{Low: c.Low, High: c.High}
}

// OverrideConfig forces a state until a time.
type OverrideConfig struct {
	State string `yaml:"state"`
	Until string `yaml:"until"`
}

// Schedule returns nil for a nil receiver.
func (c *OverrideConfig) Schedule() (*scheduling.OverrideSchedule, error) {
	if c == nil {
		return nil, nil
	}
	state, err := scheduling.ParseTargetState(c.State)
	if err != nil {
		return nil, fmt.Errorf("override: %w", err)
	}
	until, err := time.Parse(time.RFC3339, c.Until)
	if err != nil {
		return nil, fmt.Errorf("override until %q: %w", c.Until, err)
	}
	return &scheduling.OverrideSchedule{State: state, Until: until}, nil
}

// IrrigationConfig tunes the moisture controller. See
// scheduling.MoistureConfig for the meaning of each field.
type IrrigationConfig struct {
	MinVolume         float64  `yaml:"min_volume"`
	MaxVolume         float64  `yaml:"max_volume"`
	MinGain           float64  `yaml:"min_gain"`
	AlphaMoisture     float64  `yaml:"alpha_moisture"`
	AlphaSlope        float64  `yaml:"alpha_slope"`
	SlopeRise         float64  `yaml:"slope_rise"`
	SlopeSettle       float64  `yaml:"slope_settle"`
	MinDeadTime       Duration `yaml:"min_dead_time"`
	MaxTau            Duration `yaml:"max_tau"`
	ValveTimeout      Duration `yaml:"valve_timeout"`
	BetaGain          float64  `yaml:"beta_gain"`
	BetaDelay         float64  `yaml:"beta_delay"`
	BetaTau           float64  `yaml:"beta_tau"`
	MaxVolumePerCycle float64  `yaml:"max_volume_per_cycle"`
	MaxTotalVolume    float64  `yaml:"max_total_volume"`
	NoRiseAfterVolume float64  `yaml:"no_rise_after_volume"`
}

func defaultIrrigation() IrrigationConfig {
	d := scheduling.DefaultMoistureConfig()
	return IrrigationConfig{
		MinVolume:         d.MinVolume,
		MaxVolume:         d.MaxVolume,
		MinGain:           d.MinGain,
		AlphaMoisture:     d.AlphaMoisture,
		AlphaSlope:        d.AlphaSlope,
		SlopeRise:         d.SlopeRise,
		SlopeSettle:       d.SlopeSettle,
		MinDeadTime:       Duration{d.MinDeadTime},
		MaxTau:            Duration{d.MaxTau},
		ValveTimeout:      Duration{d.ValveTimeout},
		BetaGain:          d.BetaGain,
		BetaDelay:         d.BetaDelay,
		BetaTau:           d.BetaTau,
		MaxVolumePerCycle: d.MaxVolumePerCycle,
		MaxTotalVolume:    d.MaxTotalVolume,
		NoRiseAfterVolume: d.NoRiseAfterVolume,
	}
}

func (c IrrigationConfig) apply(m scheduling.MoistureConfig) scheduling.MoistureConfig {
	m.MinVolume = c.MinVolume
	m.MaxVolume = c.MaxVolume
	m.MinGain = c.MinGain
	m.AlphaMoisture = c.AlphaMoisture
	m.AlphaSlope = c.AlphaSlope
	m.SlopeRise = c.SlopeRise
	m.SlopeSettle = c.SlopeSettle
	m.MinDeadTime = c.MinDeadTime.Duration
	m.MaxTau = c.MaxTau.Duration
	m.ValveTimeout = c.ValveTimeout.Duration
	m.BetaGain = c.BetaGain
	m.BetaDelay = c.BetaDelay
	m.BetaTau = c.BetaTau
	m.MaxVolumePerCycle = c.MaxVolumePerCycle
	m.MaxTotalVolume = c.MaxTotalVolume
	m.NoRiseAfterVolume = c.NoRiseAfterVolume
	return m
}

// DoorConfig describes a light-driven door: a motor output and the light
// sensor that drives it.
type DoorConfig struct {
	Name        string          `yaml:"name"`
	MotorPin    int             `yaml:"motor_pin"`
	LightSensor string          `yaml:"light_sensor"`
	OpenLux     float64         `yaml:"open_lux"`
	CloseLux    float64         `yaml:"close_lux"`
	OpenDelay   Duration        `yaml:"open_delay"`
	CloseDelay  Duration        `yaml:"close_delay"`
	Override    *OverrideConfig `yaml:"override"`
}

func (d DoorConfig) Validate() error {
	if d.Name == "" {
		return errors.New("name is required")
	}
	if d.LightSensor == "" {
		return fmt.Errorf("door %q: light_sensor is required", d.Name)
	}
	if err := d.LightTarget().Validate(); err != nil {
		return fmt.Errorf("door %q: %w", d.Name, err)
	}
	if err := d.Delays().Validate(); err != nil {
		return fmt.Errorf("door %q: %w", d.Name, err)
	}
	if _, err := d.Override.Schedule(); err != nil {
		return fmt.Errorf("door %q: %w", d.Name, err)
	}
	return nil
}

func (d DoorConfig) LightTarget() scheduling.LightSensorSchedule {
	return scheduling.LightSensorSchedule{OpenLevel: d.OpenLux, CloseLevel: d.CloseLux}
}

func (d DoorConfig) Delays() scheduling.DelaySchedule {
	return scheduling.DelaySchedule{DelayOpen: d.OpenDelay.Duration, DelayClose: d.CloseDelay.Duration}
}
