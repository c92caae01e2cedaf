package status

import (
	"encoding/json"
	"math"
	"time"

	"github.com/sweeney/farm-controller/internal/scheduling"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string           `json:"event,omitempty"`
	Reason        string           `json:"reason,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	StartTime     string           `json:"start_time"`
	Timestamp     string           `json:"timestamp"`
	MQTT          MQTTStatus       `json:"mqtt"`
	Controllers   []ControllerJSON `json:"controllers"`
	Network       *NetworkJSON     `json:"network,omitempty"`
	Config        ConfigJSON       `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// NetworkJSON is the JSON representation of network info.
type NetworkJSON struct {
	Type       string `json:"type"`
	IP         string `json:"ip"`
	Status     string `json:"status"`
	Gateway    string `json:"gateway"`
	WifiStatus string `json:"wifi_status"`
	SSID       string `json:"ssid"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	Instance string `json:"instance"`
	Version  string `json:"version"`
	Broker   string `json:"broker"`
	HTTPAddr string `json:"http_addr"`
	Database string `json:"database"`
}

// ControllerJSON is the JSON form of a ControllerSnapshot. It is also the
// MQTT telemetry payload.
type ControllerJSON struct {
	Name       string          `json:"name"`
	Kind       string          `json:"kind"`
	Timestamp  string          `json:"timestamp,omitempty"`
	Actuator   string          `json:"actuator"`
	Target     *string         `json:"target"`
	NextTick   string          `json:"next_tick,omitempty"`
	Override   *OverrideJSON   `json:"override,omitempty"`
	Irrigation *IrrigationJSON `json:"irrigation,omitempty"`
	Door       *DoorJSON       `json:"door,omitempty"`
	Error      string          `json:"error,omitempty"`
}

type OverrideJSON struct {
	State string `json:"state"`
	Until string `json:"until"`
}

// IrrigationJSON carries NaN readings (no sample yet) as null.
type IrrigationJSON struct {
	State               string   `json:"state"`
	RawMoisture         *float64 `json:"raw_moisture"`
	Moisture            *float64 `json:"moisture"`
	Slope               *float64 `json:"slope"`
	Gain                float64  `json:"gain"`
	DeadTimeSeconds     float64  `json:"dead_time_s"`
	TauSeconds          float64  `json:"tau_s"`
	TotalVolume         float64  `json:"total_volume_l"`
	TotalCycles         uint32   `json:"total_cycles"`
	LastVolumePlanned   float64  `json:"last_volume_planned_l"`
	LastVolumeDelivered float64  `json:"last_volume_delivered_l"`
	TotalsSince         string   `json:"totals_since,omitempty"`
	TempCoefficient     *float64 `json:"temp_coefficient,omitempty"`
}

type DoorJSON struct {
	Light     *float64 `json:"light_lux"`
	Committed *string  `json:"committed"`
	Pending   *string  `json:"pending"`
}

func number(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

func stateString(s *scheduling.TargetState) *string {
	if s == nil {
		return nil
	}
	v := s.String()
	return &v
}

func actuatorString(open bool) string {
	if open {
		return scheduling.Open.String()
	}
	return scheduling.Closed.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func buildController(c ControllerSnapshot) ControllerJSON {
	cj := ControllerJSON{
		Name:      c.Name,
		Kind:      string(c.Kind),
		Timestamp: formatTime(c.LastTick),
		Actuator:  actuatorString(c.Open),
		Target:    stateString(c.Target),
		NextTick:  formatTime(c.NextTick),
		Error:     c.LastError,
	}
	if c.Override != nil {
		cj.Override = &OverrideJSON{
			State: c.Override.State.String(),
			Until: formatTime(c.Override.Until),
		}
	}
	if t := c.Irrigation; t != nil {
		cj.Irrigation = &IrrigationJSON{
			State:               t.State.String(),
			RawMoisture:         number(t.RawMoisture),
			Moisture:            number(t.Moisture),
			Slope:               number(t.Slope),
			Gain:                t.Gain,
			DeadTimeSeconds:     t.DeadTime.Seconds(),
			TauSeconds:          t.Tau.Seconds(),
			TotalVolume:         t.TotalVolume,
			TotalCycles:         t.TotalCycles,
			LastVolumePlanned:   t.LastVolumePlanned,
			LastVolumeDelivered: t.LastVolumeDelivered,
			TotalsSince:         formatTime(t.TotalsSince),
		}
		if c.TempCoefficient != nil {
			cj.Irrigation.TempCoefficient = number(*c.TempCoefficient)
		}
	}
	if d := c.Door; d != nil {
		cj.Door = &DoorJSON{
			Light:     number(d.Light),
			Committed: stateString(d.Committed),
			Pending:   stateString(d.Pending),
		}
	}
	return cj
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Controllers:   make([]ControllerJSON, 0, len(snap.Controllers)),
		Config: ConfigJSON{
			Instance: snap.Config.Instance,
			Version:  snap.Config.Version,
			Broker:   snap.Config.Broker,
			HTTPAddr: snap.Config.HTTPAddr,
			Database: snap.Config.Database,
		},
	}
	for _, c := range snap.Controllers {
		inner.Controllers = append(inner.Controllers, buildController(c))
	}
	if snap.Network != nil {
		inner.Network = &NetworkJSON{
			Type:       snap.Network.Type,
			IP:         snap.Network.IP,
			Status:     snap.Network.Status,
			Gateway:    snap.Network.Gateway,
			WifiStatus: snap.Network.WifiStatus,
			SSID:       snap.Network.SSID,
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}

// FormatTelemetry returns the MQTT telemetry payload of one controller.
func FormatTelemetry(c ControllerSnapshot) []byte {
	data, _ := json.Marshal(buildController(c))
	return data
}
