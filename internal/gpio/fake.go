package gpio

import (
	"sync"
	"sync/atomic"
)

// FakeOutput is a test double that records every value it is driven to.
type FakeOutput struct {
	mu sync.Mutex

	// history contains every value passed to Set, in order.
	history []bool
	on      bool
	closed  bool

	// SetError, if set, will be returned by Set.
	SetError error
}

// NewFakeOutput creates an inactive FakeOutput.
func NewFakeOutput() *FakeOutput {
	return &FakeOutput{}
}

// Set records the value.
func (f *FakeOutput) Set(on bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.SetError != nil {
		return f.SetError
	}
	f.history = append(f.history, on)
	f.on = on
	return nil
}

// Close marks the output as closed and inactive.
func (f *FakeOutput) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.on = false
	f.closed = true
	return nil
}

// On reports the current value.
func (f *FakeOutput) On() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.on
}

// History returns a copy of every value passed to Set.
func (f *FakeOutput) History() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.history...)
}

// Closed reports whether Close was called.
func (f *FakeOutput) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// SetFailure makes subsequent Set calls fail with err (nil to recover).
func (f *FakeOutput) SetFailure(err error) {
	f.mu.Lock()
	f.SetError = err
	f.mu.Unlock()
}

// FakePulseCounter is a PulseCounter whose pulses are injected by the test.
type FakePulseCounter struct {
	count  atomic.Uint64
	closed atomic.Bool
}

// NewFakePulseCounter creates a counter at zero.
func NewFakePulseCounter() *FakePulseCounter {
	return &FakePulseCounter{}
}

// Add simulates n rising edges.
func (c *FakePulseCounter) Add(n uint64) {
	c.count.Add(n)
}

func (c *FakePulseCounter) Pulses() uint64 {
	return c.count.Load()
}

func (c *FakePulseCounter) Close() error {
	c.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (c *FakePulseCounter) Closed() bool {
	return c.closed.Load()
}
