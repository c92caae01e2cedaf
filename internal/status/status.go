// Package status provides a thread-safe status tracker for the farm-controller
// daemon. Controller loops write to it; HTTP handlers and MQTT lifecycle
// events read snapshots from it.
package status

import (
	"sort"
	"sync"
	"time"

	"github.com/sweeney/farm-controller/internal/scheduling"
)

// NetworkInfo contains network state as reported by the host.
type NetworkInfo struct {
	Type       string
	IP         string
	Status     string
	Gateway    string
	WifiStatus string
	SSID       string
}

// Config is the static part of the status page, fixed at startup.
type Config struct {
	Instance string
	Version  string
	Broker   string
	HTTPAddr string
	Database string
}

// Kind distinguishes controller types.
type Kind string

const (
	KindPlot Kind = "plot"
	KindDoor Kind = "door"
)

// DoorStatus is the light-driven part of a door controller.
type DoorStatus struct {
	Light     float64 // lux, NaN before the first reading
	Committed *scheduling.TargetState
	Pending   *scheduling.TargetState
}

// ControllerSnapshot is the observable state of one controller after a tick.
type ControllerSnapshot struct {
	Name string
	Kind Kind

	// Open is the state the actuator was last driven to.
	Open bool
	// Target is the scheduler decision of the last tick (nil = undecided).
	Target   *scheduling.TargetState
	Override *scheduling.OverrideSchedule

	LastTick time.Time
	NextTick time.Time

	Irrigation *scheduling.IrrigationTelemetry
	Door       *DoorStatus

	// TempCoefficient is the learned moisture drift per degree of a
	// temperature-compensated plot, nil otherwise.
	TempCoefficient *float64

	// LastError is the most recent actuator error, cleared by a successful write.
	LastError string
}

// Snapshot is the whole site status at one instant: connectivity plus one
// entry per controller.
// It is a value type, safe to use after the lock is released.
type Snapshot struct {
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Network       *NetworkInfo
	Config        Config
	// Controllers are sorted by name.
	Controllers []ControllerSnapshot
}

// Uptime is how long the controller process has been running at Now.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Controller returns the snapshot of the named controller.
func (s Snapshot) Controller(name string) (ControllerSnapshot, bool) {
	for _, c := range s.Controllers {
		if c.Name == name {
			return c, true
		}
	}
	return ControllerSnapshot{}, false
}

// Tracker is shared by the controllers, the MQTT client and the HTTP server.
type Tracker struct {
	mu          sync.RWMutex
	snap        Snapshot
	controllers map[string]ControllerSnapshot
	now         func() time.Time
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
		controllers: make(map[string]ControllerSnapshot),
		now:         time.Now,
	}
}

// UpdateController replaces the snapshot of one controller. The pointers in c
// are shared with readers and must not be modified afterwards.
func (t *Tracker) UpdateController(c ControllerSnapshot) {
	t.mu.Lock()
	t.controllers[c.Name] = c
	t.mu.Unlock()
}

// SetMQTTConnected records whether the broker link is up.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// SetNetwork replaces the host network details.
func (t *Tracker) SetNetwork(info *NetworkInfo) {
	t.mu.Lock()
	t.snap.Network = info
	t.mu.Unlock()
}

// Snapshot copies the current state with Now stamped from the wall clock.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	s.Controllers = make([]ControllerSnapshot, 0, len(t.controllers))
	for _, c := range t.controllers {
		s.Controllers = append(s.Controllers, c)
	}
	t.mu.RUnlock()

	sort.Slice(s.Controllers, func(i, j int) bool {
		return s.Controllers[i].Name < s.Controllers[j].Name
	})
	s.Now = t.now()
	return s
}
