package mqtt

import "sync"

// TelemetryMessage is a telemetry publish recorded by FakePublisher.
type TelemetryMessage struct {
	Controller string
	Payload    []byte
}

// FakePublisher records published messages for test assertions. Safe for
// concurrent use, since every controller loop publishes from its own
// goroutine.
type FakePublisher struct {
	mu sync.Mutex

	telemetry      []TelemetryMessage
	systemEvents   []SystemEvent
	systemPayloads [][]byte
	closed         bool
	connected      bool

	publishError       error
	publishSystemError error
}

// NewFakePublisher creates a FakePublisher for testing.
func NewFakePublisher() *FakePublisher {
	return &FakePublisher{}
}

// PublishTelemetry records the telemetry payload.
func (f *FakePublisher) PublishTelemetry(controller string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishError != nil {
		return f.publishError
	}
	f.telemetry = append(f.telemetry, TelemetryMessage{
		Controller: controller,
		Payload:    append([]byte(nil), payload...),
	})
	return nil
}

// PublishSystem records the system event.
func (f *FakePublisher) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.publishSystemError != nil {
		return f.publishSystemError
	}

	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.systemEvents = append(f.systemEvents, event)
	f.systemPayloads = append(f.systemPayloads, payload)
	return nil
}

// Close marks the publisher as closed.
func (f *FakePublisher) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// IsConnected reports whether the fake publisher is "connected".
func (f *FakePublisher) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// SetConnected controls the return value of IsConnected.
func (f *FakePublisher) SetConnected(connected bool) {
	f.mu.Lock()
	f.connected = connected
	f.mu.Unlock()
}

// SetErrors makes subsequent publishes fail (nil to recover).
func (f *FakePublisher) SetErrors(telemetry, system error) {
	f.mu.Lock()
	f.publishError = telemetry
	f.publishSystemError = system
	f.mu.Unlock()
}

// Telemetry returns a copy of the recorded telemetry messages.
func (f *FakePublisher) Telemetry() []TelemetryMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]TelemetryMessage(nil), f.telemetry...)
}

// TelemetryFor returns the payloads published for one controller.
func (f *FakePublisher) TelemetryFor(controller string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out [][]byte
	for _, m := range f.telemetry {
		if m.Controller == controller {
			out = append(out, m.Payload)
		}
	}
	return out
}

// SystemEvents returns a copy of the recorded system events.
func (f *FakePublisher) SystemEvents() []SystemEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SystemEvent(nil), f.systemEvents...)
}

// SystemPayloads returns a copy of the formatted system payloads.
func (f *FakePublisher) SystemPayloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.systemPayloads...)
}

// Closed reports whether Close was called.
func (f *FakePublisher) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Reset clears recorded messages and injected errors.
func (f *FakePublisher) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.telemetry = nil
	f.systemEvents = nil
	f.systemPayloads = nil
	f.closed = false
	f.publishError = nil
	f.publishSystemError = nil
	f.connected = false
}
