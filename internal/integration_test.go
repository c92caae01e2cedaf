package internal

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/farm-controller/internal/config"
	"github.com/sweeney/farm-controller/internal/controller"
	"github.com/sweeney/farm-controller/internal/gpio"
	"github.com/sweeney/farm-controller/internal/mqtt"
	"github.com/sweeney/farm-controller/internal/scheduling"
	"github.com/sweeney/farm-controller/internal/status"
	"github.com/sweeney/farm-controller/internal/store"
	"github.com/sweeney/farm-controller/internal/web"
)

const siteYAML = `
instance: north-field
plots:
  - name: tomatoes
    valve_pin: 17
    flow_pin: 27
    pulses_per_liter: 100
    moisture_sensor: tomatoes-soil
    moisture: {low: 60, high: 70}
doors:
  - name: coop
    motor_pin: 22
    light_sensor: coop-lux
    open_lux: 250
    close_lux: 10
`

// site is a fully wired farm running on fakes, a temporary database and a
// real HTTP listener.
type site struct {
	cfg       *config.Config
	db        *store.DB
	publisher *mqtt.FakePublisher
	tracker   *status.Tracker
	feed      *mqtt.SensorFeed
	manager   *controller.Manager

	valve   *gpio.FakeOutput
	counter *gpio.FakePulseCounter
	motor   *gpio.FakeOutput

	baseURL string
	cancel  context.CancelFunc
	done    chan error
}

func newSite(t *testing.T) *site {
	t.Helper()

	cfg, err := config.Parse([]byte(siteYAML))
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	db, err := store.Open(filepath.Join(t.TempDir(), "farm.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := &site{
		cfg:       cfg,
		db:        db,
		publisher: mqtt.NewFakePublisher(),
		tracker:   status.NewTracker(time.Now(), status.Config{Instance: cfg.Instance}),
		feed:      mqtt.NewSensorFeed(cfg.MQTT.SensorPrefix, cfg.MQTT.StaleAfter.Duration, zerolog.Nop()),
		manager:   controller.NewManager(),
		valve:     gpio.NewFakeOutput(),
		counter:   gpio.NewFakePulseCounter(),
		motor:     gpio.NewFakeOutput(),
	}
	env := controller.Env{
		Publisher:   s.publisher,
		Transitions: db,
		Tracker:     s.tracker,
		Logger:      zerolog.Nop(),
		MinWait:     10 * time.Millisecond,
		MaxWait:     200 * time.Millisecond,
	}

	pc := cfg.Plots[0]
	plot := controller.NewPlot(controller.PlotOptions{
		Name:     pc.Name,
		Settings: controller.PlotSettings{Target: pc.MoistureTarget()},
		Moisture: pc.MoistureConfig(),
		Valve:    s.valve,
		Flow:     gpio.NewFlowMeter(s.counter, pc.PulsesPerLiter),
		Sensor:   s.feed.Sensor(pc.MoistureSensor),
		Models:   db,
	}, env)

	dc := cfg.Doors[0]
	light := dc.LightTarget()
	door := controller.NewDoor(controller.DoorOptions{
		Name:     dc.Name,
		Settings: controller.DoorSettings{Light: &light, Delays: dc.Delays()},
		Motor:    s.motor,
		Light:    s.feed.Sensor(dc.LightSensor),
	}, env)

	if err := s.manager.AddPlot(plot); err != nil {
		t.Fatalf("add plot: %v", err)
	}
	if err := s.manager.AddDoor(door); err != nil {
		t.Fatalf("add door: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := web.New(ln.Addr().String(), s.tracker, s.manager, db, zerolog.Nop())
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	s.baseURL = "http://" + ln.Addr().String()

	return s
}

// sensor delivers a reading the way the broker would.
func (s *site) sensor(name, payload string) {
	s.feed.Handle(s.cfg.MQTT.SensorPrefix+"/"+name, []byte(payload))
}

func (s *site) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() { s.done <- s.manager.Run(ctx) }()
}

func (s *site) stop(t *testing.T) {
	t.Helper()
	s.cancel()
	select {
	case err := <-s.done:
		if err != nil {
			t.Errorf("manager returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("manager did not stop")
	}
}

func (s *site) getJSON(t *testing.T, path string, v any) {
	t.Helper()
	resp, err := http.Get(s.baseURL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("GET %s: decode: %v", path, err)
	}
}

// eventually polls cond until it holds or three seconds pass.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting: %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestIntegrationFullFlow drives a plot through one watering pulse and a
// door through daylight and an operator override, checking every output:
// GPIO, MQTT, the store and the HTTP API.
func TestIntegrationFullFlow(t *testing.T) {
	s := newSite(t)
	s.sensor("tomatoes-soil", `{"value": 40}`)
	s.sensor("coop-lux", "500")
	s.start()

	eventually(t, "valve opens for dry soil", s.valve.On)
	eventually(t, "door opens in daylight", s.motor.On)

	// Meter the largest pulse the plot may plan.
	maxVolume := s.cfg.Plots[0].MoistureConfig().MaxVolume
	s.counter.Add(uint64(maxVolume * s.cfg.Plots[0].PulsesPerLiter))
	eventually(t, "valve closes after the pulse", func() bool { return !s.valve.On() })
	eventually(t, "plot reports soaking", func() bool {
		c, ok := s.tracker.Snapshot().Controller("tomatoes")
		return ok && c.Irrigation != nil && c.Irrigation.State == scheduling.Soak
	})

	body := strings.NewReader(`{"state": "closed", "for": "1h"}`)
	req, _ := http.NewRequest(http.MethodPut, s.baseURL+"/controllers/coop/override", body)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PUT override: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("PUT override: status %d, want 202", resp.StatusCode)
	}
	eventually(t, "override closes the door", func() bool { return !s.motor.On() })
	eventually(t, "door reports closed", func() bool {
		c, ok := s.tracker.Snapshot().Controller("coop")
		return ok && !c.Open && c.Override != nil
	})

	var plotHistory web.TransitionsJSON
	s.getJSON(t, "/controllers/tomatoes/transitions", &plotHistory)
	if got := plotHistory.Transitions; len(got) != 2 || got[0].State != "closed" || got[1].State != "open" || got[1].Source != "moisture" {
		t.Errorf("plot transitions: got %+v", got)
	}

	var doorHistory web.TransitionsJSON
	s.getJSON(t, "/controllers/coop/transitions", &doorHistory)
	if got := doorHistory.Transitions; len(got) != 2 || got[0].Source != "override" || got[1].Source != "light" {
		t.Errorf("door transitions: got %+v", got)
	}

	var st status.StatusJSON
	s.getJSON(t, "/index.json", &st)
	if len(st.Status.Controllers) != 2 {
		t.Fatalf("controllers in status: got %d, want 2", len(st.Status.Controllers))
	}
	coop, tomatoes := st.Status.Controllers[0], st.Status.Controllers[1]
	if coop.Name != "coop" || coop.Actuator != "closed" || coop.Override == nil || coop.Override.State != "closed" {
		t.Errorf("coop status: got %+v", coop)
	}
	if tomatoes.Irrigation == nil || tomatoes.Irrigation.State != "soak" || tomatoes.Irrigation.TotalCycles != 1 {
		t.Errorf("tomatoes irrigation: got %+v", tomatoes.Irrigation)
	}

	if len(s.publisher.TelemetryFor("tomatoes")) == 0 || len(s.publisher.TelemetryFor("coop")) == 0 {
		t.Error("both controllers should publish telemetry")
	}

	s.stop(t)

	m, err := s.db.LoadModel("tomatoes")
	if err != nil {
		t.Fatalf("learned model not saved: %v", err)
	}
	if m.TotalCycles != 1 || m.TotalVolume != maxVolume {
		t.Errorf("saved model: got %+v", m)
	}
}

// TestIntegrationModelSurvivesRestart checks that a second process on the
// same database picks up the totals of the first.
func TestIntegrationModelSurvivesRestart(t *testing.T) {
	s := newSite(t)
	s.sensor("tomatoes-soil", "40")
	s.start()

	eventually(t, "valve opens", s.valve.On)
	maxVolume := s.cfg.Plots[0].MoistureConfig().MaxVolume
	s.counter.Add(uint64(maxVolume * s.cfg.Plots[0].PulsesPerLiter))
	eventually(t, "valve closes", func() bool { return !s.valve.On() })
	s.stop(t)

	tracker := status.NewTracker(time.Now(), status.Config{Instance: s.cfg.Instance})
	restarted := controller.NewPlot(controller.PlotOptions{
		Name:     "tomatoes",
		Moisture: s.cfg.Plots[0].MoistureConfig(),
		Valve:    gpio.NewFakeOutput(),
		Flow:     gpio.NewFlowMeter(gpio.NewFakePulseCounter(), 100),
		Sensor:   s.feed.Sensor("tomatoes-soil"),
		Models:   s.db,
	}, controller.Env{Publisher: mqtt.NewFakePublisher(), Tracker: tracker, Logger: zerolog.Nop()})

	m := manager(t, restarted.Runner)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	eventually(t, "restarted plot reports the restored totals", func() bool {
		c, ok := tracker.Snapshot().Controller("tomatoes")
		return ok && c.Irrigation != nil && c.Irrigation.TotalCycles == 1 && c.Irrigation.TotalVolume == maxVolume
	})
	cancel()
	<-done
}

// TestIntegrationUnknownControllerAndBadBody checks the API error mapping
// against a real manager.
func TestIntegrationUnknownControllerAndBadBody(t *testing.T) {
	s := newSite(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"unknown override", http.MethodPut, "/controllers/barn/override", `{"state":"open","for":"1m"}`, http.StatusNotFound},
		{"unknown reset", http.MethodPost, "/controllers/barn/reset", "", http.StatusNotFound},
		{"bad state", http.MethodPut, "/controllers/coop/override", `{"state":"ajar","for":"1m"}`, http.StatusBadRequest},
		{"reset", http.MethodPost, "/controllers/tomatoes/reset", "", http.StatusNoContent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, s.baseURL+tt.path, bytes.NewBufferString(tt.body))
			if tt.body != "" {
				req.Header.Set("Content-Type", "application/json")
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status: got %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func manager(t *testing.T, runners ...*controller.Runner) *controller.Manager {
	t.Helper()
	m := controller.NewManager()
	for _, r := range runners {
		if err := m.Add(r); err != nil {
			t.Fatalf("add %s: %v", r.Name(), err)
		}
	}
	return m
}
