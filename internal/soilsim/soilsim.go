// Package soilsim models how soil moisture responds to watering, for tests
// and offline tuning of the irrigation controller.
//
// Each watering adds an impulse whose integrated contribution tends toward
// Gain*volume percent. The impulse starts after DeadTime and decays with
// time constant Tau. Moisture also evaporates linearly.
package soilsim

import (
	"math"
	"time"
)

// Config describes the soil.
type Config struct {
	Gain        float64 // %/L
	DeadTime    time.Duration
	Tau         time.Duration
	Evaporation float64 // %/min
}

// DefaultConfig is a fast-responding soil used in tests.
func DefaultConfig() Config {
	return Config{
		Gain:        1.0,
		DeadTime:    20 * time.Second,
		Tau:         40 * time.Second,
		Evaporation: 0.05,
	}
}

type watering struct {
	at     time.Time
	volume float64
}

// Soil tracks past waterings.
type Soil struct {
	config  Config
	history []watering
}

func New(config Config) *Soil {
	return &Soil{config: config}
}

// Inject records a watering of volume liters at now and forgets waterings
// whose effect has become negligible.
func (s *Soil) Inject(now time.Time, volume float64) {
	if volume > 0 {
		s.history = append(s.history, watering{at: now, volume: volume})
	}
	horizon := s.config.DeadTime + 8*s.config.Tau
	i := 0
	for i < len(s.history) && now.Sub(s.history[i].at) > horizon {
		i++
	}
	s.history = s.history[i:]
}

// Step advances moisture over [now, now+dt] and returns the new value.
func (s *Soil) Step(now time.Time, moisture float64, dt time.Duration) float64 {
	if dt <= 0 {
		return moisture
	}

	moisture = math.Max(0, moisture-s.config.Evaporation*dt.Minutes())

	tau := float64(s.config.Tau)
	decay := 1 - math.Exp(-float64(dt)/tau)
	var delta float64
	for _, w := range s.history {
		effectStart := w.at.Add(s.config.DeadTime)
		if !now.After(effectStart) {
			continue
		}
		age := float64(now.Sub(effectStart))
		delta += s.config.Gain * w.volume * math.Exp(-age/tau) * decay
	}

	return math.Min(100, moisture+delta)
}

// Pending reports how many waterings still affect the soil.
func (s *Soil) Pending() int {
	return len(s.history)
}
