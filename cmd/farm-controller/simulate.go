package main

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/sweeney/farm-controller/internal/config"
	"github.com/sweeney/farm-controller/internal/logging"
	"github.com/sweeney/farm-controller/internal/scheduling"
	"github.com/sweeney/farm-controller/internal/soilsim"
)

// simulationStep is the longest the simulated clock advances at once.
const simulationStep = 30 * time.Second

type simulateOptions struct {
	// plot, when set, takes the band and irrigation tuning from that plot of
	// the config file.
	plot     string
	moisture float64
	low      float64
	high     float64
	flowRate float64
	duration time.Duration
	soil     soilsim.Config
}

var simOpts = simulateOptions{
	moisture: 40,
	low:      60,
	high:     70,
	flowRate: 15,
	duration: 6 * time.Hour,
	soil:     soilsim.DefaultConfig(),
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the moisture controller against a simulated soil bed",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := logging.SetupWithWriter("warn", true, cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		irrigation := scheduling.DefaultMoistureConfig()
		if simOpts.plot != "" {
			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			pc, ok := findPlot(cfg, simOpts.plot)
			if !ok {
				return fmt.Errorf("plot %q is not configured", simOpts.plot)
			}
			irrigation = pc.MoistureConfig()
			if t := pc.MoistureTarget(); t != nil {
				simOpts.low, simOpts.high = t.Low, t.High
			}
		}

		_, err = simulate(simOpts, irrigation, cmd.OutOrStdout(), logger)
		return err
	},
}

func init() {
	f := simulateCmd.Flags()
	f.StringVar(&simOpts.plot, "plot", "", "take band and tuning from this configured plot")
	f.Float64Var(&simOpts.moisture, "moisture", simOpts.moisture, "starting soil moisture (%)")
	f.Float64Var(&simOpts.low, "low", simOpts.low, "lower edge of the moisture band (%)")
	f.Float64Var(&simOpts.high, "high", simOpts.high, "upper edge of the moisture band (%)")
	f.Float64Var(&simOpts.flowRate, "flow", simOpts.flowRate, "valve flow rate (L/min)")
	f.DurationVar(&simOpts.duration, "duration", simOpts.duration, "simulated time")
	f.Float64Var(&simOpts.soil.Gain, "soil-gain", simOpts.soil.Gain, "true soil gain (%/L)")
	f.DurationVar(&simOpts.soil.DeadTime, "soil-dead-time", simOpts.soil.DeadTime, "true soil dead time")
	f.DurationVar(&simOpts.soil.Tau, "soil-tau", simOpts.soil.Tau, "true soil time constant")
	f.Float64Var(&simOpts.soil.Evaporation, "evaporation", simOpts.soil.Evaporation, "evaporation (%/min)")
}

func findPlot(cfg *config.Config, name string) (config.PlotConfig, bool) {
	for _, p := range cfg.Plots {
		if p.Name == name {
			return p, true
		}
	}
	return config.PlotConfig{}, false
}

// simulate ticks a moisture controller against a soil bed for opts.duration
// of simulated time, writing a line per irrigation state change and a
// summary, and returns the final telemetry.
func simulate(opts simulateOptions, irrigation scheduling.MoistureConfig, out io.Writer, logger zerolog.Logger) (scheduling.IrrigationTelemetry, error) {
	target := scheduling.MoistureTarget{Low: opts.low, High: opts.high}
	if err := target.Validate(); err != nil {
		return scheduling.IrrigationTelemetry{}, err
	}
	if err := irrigation.Validate(); err != nil {
		return scheduling.IrrigationTelemetry{}, err
	}
	if opts.flowRate <= 0 {
		return scheduling.IrrigationTelemetry{}, fmt.Errorf("flow rate %v must be positive", opts.flowRate)
	}

	bed := soilsim.NewBed(opts.soil, opts.moisture, opts.flowRate)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var elapsed time.Duration

	notifier := scheduling.NotifierFunc(func(n scheduling.Notification) {
		fmt.Fprintf(out, "%9s  fault: %s\n", elapsed, n.Message)
	})
	ctrl := scheduling.NewMoistureBasedScheduler(irrigation, bed, bed, notifier, logger)
	ctrl.SetTarget(&target)

	var last scheduling.IrrigationState
	seen := false
	for elapsed < opts.duration {
		now := start.Add(elapsed)
		res := ctrl.Tick(now)

		if st := ctrl.State(); !seen || st != last {
			tel := ctrl.Telemetry()
			fmt.Fprintf(out, "%9s  %-12s moisture=%5.1f%%  gain=%.3f  dead_time=%v  total=%.1fL\n",
				elapsed, st, bed.Level, tel.Gain, tel.DeadTime, tel.TotalVolume)
			last, seen = st, true
		}

		dt := simulationStep
		if res.NextDeadline != nil {
			dt = min(*res.NextDeadline, simulationStep)
		}
		bed.Advance(now, res.TargetState, dt)
		elapsed += dt
	}

	tel := ctrl.Telemetry()
	fmt.Fprintf(out, "after %v: moisture=%.1f%% gain=%.3f%%/L dead_time=%v tau=%v cycles=%d total=%.1fL\n",
		opts.duration, bed.Level, tel.Gain, tel.DeadTime, tel.Tau, tel.TotalCycles, tel.TotalVolume)
	return tel, nil
}
