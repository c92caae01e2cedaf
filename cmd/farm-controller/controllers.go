package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/sweeney/farm-controller/internal/config"
	"github.com/sweeney/farm-controller/internal/controller"
	"github.com/sweeney/farm-controller/internal/gpio"
	"github.com/sweeney/farm-controller/internal/mqtt"
)

// hardware opens the GPIO lines the controllers drive.
type hardware interface {
	output(pin int, activeLow bool) (gpio.Output, error)
	pulseCounter(pin int) (gpio.PulseCounter, error)
}

type chipHardware struct {
	chip string
}

func (h chipHardware) output(pin int, activeLow bool) (gpio.Output, error) {
	o, err := gpio.NewRealOutput(h.chip, pin, activeLow)
	if err != nil {
		return nil, err
	}
	return o, nil
}

func (h chipHardware) pulseCounter(pin int) (gpio.PulseCounter, error) {
	c, err := gpio.NewRealPulseCounter(h.chip, pin)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// simulatedHardware hands out in-memory lines. Flow meters never count.
type simulatedHardware struct{}

func (simulatedHardware) output(int, bool) (gpio.Output, error) {
	return gpio.NewFakeOutput(), nil
}

func (simulatedHardware) pulseCounter(int) (gpio.PulseCounter, error) {
	return gpio.NewFakePulseCounter(), nil
}

// buildControllers creates a controller per configured plot and door and
// registers them with a manager. The returned closers release the GPIO lines
// and must be closed after the manager has stopped.
func buildControllers(cfg *config.Config, hw hardware, feed *mqtt.SensorFeed, env controller.Env, models controller.ModelStore) (*controller.Manager, []io.Closer, error) {
	manager := controller.NewManager()
	var closers []io.Closer
	fail := func(err error) (*controller.Manager, []io.Closer, error) {
		closeAll(closers, env.Logger)
		return nil, nil, err
	}

	for _, pc := range cfg.Plots {
		settings, err := plotSettings(pc)
		if err != nil {
			return fail(err)
		}

		valve, err := hw.output(pc.ValvePin, pc.ValveActiveLow)
		if err != nil {
			return fail(fmt.Errorf("plot %q valve: %w", pc.Name, err))
		}
		closers = append(closers, valve)

		opts := controller.PlotOptions{
			Name:     pc.Name,
			Settings: settings,
			Moisture: pc.MoistureConfig(),
			Valve:    valve,
			Models:   models,
		}
		if pc.FlowPin > 0 {
			counter, err := hw.pulseCounter(pc.FlowPin)
			if err != nil {
				return fail(fmt.Errorf("plot %q flow meter: %w", pc.Name, err))
			}
			closers = append(closers, counter)
			opts.Flow = gpio.NewFlowMeter(counter, pc.PulsesPerLiter)
		}
		if pc.MoistureSensor != "" {
			opts.Sensor = feed.Sensor(pc.MoistureSensor)
			if pc.TemperatureSensor != "" {
				opts.Temperature = feed.Sensor(pc.TemperatureSensor)
			}
		}

		if err := manager.AddPlot(controller.NewPlot(opts, env)); err != nil {
			return fail(err)
		}
	}

	for _, dc := range cfg.Doors {
		settings, err := doorSettings(dc)
		if err != nil {
			return fail(err)
		}

		motor, err := hw.output(dc.MotorPin, false)
		if err != nil {
			return fail(fmt.Errorf("door %q motor: %w", dc.Name, err))
		}
		closers = append(closers, motor)

		door := controller.NewDoor(controller.DoorOptions{
			Name:     dc.Name,
			Settings: settings,
			Motor:    motor,
			Light:    feed.Sensor(dc.LightSensor),
		}, env)
		if err := manager.AddDoor(door); err != nil {
			return fail(err)
		}
	}

	return manager, closers, nil
}

func plotSettings(pc config.PlotConfig) (controller.PlotSettings, error) {
	schedules, err := pc.TimeSchedules()
	if err != nil {
		return controller.PlotSettings{}, fmt.Errorf("plot %q: %w", pc.Name, err)
	}
	override, err := pc.Override.Schedule()
	if err != nil {
		return controller.PlotSettings{}, fmt.Errorf("plot %q: %w", pc.Name, err)
	}
	return controller.PlotSettings{
		Override:  override,
		Schedules: schedules,
		Target:    pc.MoistureTarget(),
	}, nil
}

func doorSettings(dc config.DoorConfig) (controller.DoorSettings, error) {
	override, err := dc.Override.Schedule()
	if err != nil {
		return controller.DoorSettings{}, fmt.Errorf("door %q: %w", dc.Name, err)
	}
	light := dc.LightTarget()
	return controller.DoorSettings{
		Override: override,
		Light:    &light,
		Delays:   dc.Delays(),
	}, nil
}

// reconfigure pushes the schedules, bands, light levels and delays of cfg to
// the running controllers. Controllers added to or removed from cfg, and
// changed pins or sensors, only take effect on restart.
func reconfigure(manager *controller.Manager, cfg *config.Config, logger zerolog.Logger) error {
	var errs []error
	seen := make(map[string]bool)
	skip := func(name string, err error) bool {
		if errors.Is(err, controller.ErrUnknownController) {
			logger.Warn().Str("controller", name).Msg("controller not running, restart to add it")
			return true
		}
		return false
	}

	for _, pc := range cfg.Plots {
		settings, err := plotSettings(pc)
		if err == nil {
			err = manager.ConfigurePlot(pc.Name, settings)
		}
		if err != nil && !skip(pc.Name, err) {
			errs = append(errs, err)
		}
		seen[pc.Name] = true
	}
	for _, dc := range cfg.Doors {
		settings, err := doorSettings(dc)
		if err == nil {
			err = manager.ConfigureDoor(dc.Name, settings)
		}
		if err != nil && !skip(dc.Name, err) {
			errs = append(errs, err)
		}
		seen[dc.Name] = true
	}

	for _, name := range manager.Names() {
		if !seen[name] {
			logger.Warn().Str("controller", name).Msg("controller no longer configured, restart to remove it")
		}
	}
	return errors.Join(errs...)
}

// reload reads the config file again and reconfigures the controllers.
func reload(path string, manager *controller.Manager, logger zerolog.Logger) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if err := reconfigure(manager, cfg, logger); err != nil {
		return err
	}
	logger.Info().Str("config", path).Msg("configuration reloaded")
	return nil
}

// closeAll releases lines in reverse order of opening.
func closeAll(closers []io.Closer, logger zerolog.Logger) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to release gpio line")
		}
	}
}
