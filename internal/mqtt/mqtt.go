// Package mqtt publishes controller telemetry and lifecycle events and feeds
// remote sensor readings to the controllers, with abstraction for testing.
package mqtt

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TelemetryTopic is the topic a controller's telemetry is published on.
func TelemetryTopic(instance, controller string) string {
	return fmt.Sprintf("farm/%s/controllers/%s/telemetry", instance, controller)
}

// SystemTopic is the topic for retained lifecycle events.
func SystemTopic(instance string) string {
	return fmt.Sprintf("farm/%s/system", instance)
}

// Lifecycle event names.
const (
	EventStartup  = "STARTUP"
	EventShutdown = "SHUTDOWN"
	EventFault    = "FAULT"
	EventOffline  = "OFFLINE"
)

// Publisher publishes to MQTT.
type Publisher interface {
	// PublishTelemetry sends a controller's telemetry snapshot.
	// Returns error if publishing fails (should not crash the process).
	PublishTelemetry(controller string, payload []byte) error

	// PublishSystem sends a lifecycle event.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// Discard drops every message. It stands in for the broker when MQTT is
// disabled.
type Discard struct{}

func (Discard) PublishTelemetry(string, []byte) error { return nil }
func (Discard) PublishSystem(SystemEvent) error      { return nil }
func (Discard) Close() error                         { return nil }
func (Discard) IsConnected() bool                    { return false }

// SystemEvent is a lifecycle event (startup, shutdown, fault).
type SystemEvent struct {
	ID         string
	Timestamp  time.Time
	Event      string // e.g. "STARTUP", "SHUTDOWN", "FAULT"
	Reason     string // e.g. "SIGTERM" (shutdown) or the fault message
	Controller string // controller that raised a fault
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// NewSystemEvent creates an event with a fresh id.
func NewSystemEvent(event string, at time.Time) SystemEvent {
	return SystemEvent{
		ID:        uuid.NewString(),
		Timestamp: at,
		Event:     event,
	}
}

// SystemPayload is the MQTT message payload for system events that do not
// carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

type SystemPayloadInner struct {
	ID         string `json:"id,omitempty"`
	Timestamp  string `json:"timestamp"`
	Event      string `json:"event"`
	Reason     string `json:"reason,omitempty"`
	Controller string `json:"controller,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			ID:         event.ID,
			Timestamp:  event.Timestamp.UTC().Format(time.RFC3339),
			Event:      event.Event,
			Reason:     event.Reason,
			Controller: event.Controller,
		},
	}
	return json.Marshal(payload)
}
