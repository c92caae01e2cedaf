//go:build !linux

package gpio

import "errors"

var errUnsupported = errors.New("gpio: not supported on this platform (requires Linux)")

// RealOutput is not available on non-Linux platforms.
type RealOutput struct{}

// NewRealOutput returns an error on non-Linux platforms.
func NewRealOutput(chipName string, pin int, activeLow bool) (*RealOutput, error) {
	return nil, errUnsupported
}

func (o *RealOutput) Set(on bool) error { return errUnsupported }

func (o *RealOutput) Close() error { return nil }

// RealPulseCounter is not available on non-Linux platforms.
type RealPulseCounter struct{}

// NewRealPulseCounter returns an error on non-Linux platforms.
func NewRealPulseCounter(chipName string, pin int) (*RealPulseCounter, error) {
	return nil, errUnsupported
}

func (c *RealPulseCounter) Pulses() uint64 { return 0 }

func (c *RealPulseCounter) Close() error { return nil }
