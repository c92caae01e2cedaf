// Package gpio drives actuator outputs and counts flow meter pulses with
// hardware abstraction.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import (
	"sync"

	"github.com/sweeney/farm-controller/internal/scheduling"
)

// DefaultChip is the GPIO chip of the Raspberry Pi header.
const DefaultChip = "gpiochip0"

// Output drives one digital output line, such as a valve relay or a door
// motor.
type Output interface {
	// Set drives the line active (on) or inactive.
	Set(on bool) error

	// Close releases the line, leaving it inactive.
	Close() error
}

// PulseCounter counts rising edges on an input line.
type PulseCounter interface {
	// Pulses returns the total number of pulses seen since the counter was
	// opened. Safe for concurrent use.
	Pulses() uint64

	Close() error
}

// FlowMeter converts a pulse counter into delivered volume.
// It implements scheduling.FlowMeter.
type FlowMeter struct {
	counter        PulseCounter
	pulsesPerLiter float64

	mu   sync.Mutex
	last uint64
}

var _ scheduling.FlowMeter = (*FlowMeter)(nil)

// NewFlowMeter starts measuring from the counter's current value.
func NewFlowMeter(counter PulseCounter, pulsesPerLiter float64) *FlowMeter {
	return &FlowMeter{
		counter:        counter,
		pulsesPerLiter: pulsesPerLiter,
		last:           counter.Pulses(),
	}
}

// Volume returns the liters delivered since the previous call.
func (f *FlowMeter) Volume() scheduling.Liters {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.counter.Pulses()
	delta := now - f.last
	f.last = now
	return float64(delta) / f.pulsesPerLiter
}

// Close releases the underlying counter.
func (f *FlowMeter) Close() error {
	return f.counter.Close()
}
