package controller

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/sweeney/farm-controller/internal/mqtt"
	"github.com/sweeney/farm-controller/internal/scheduling"
)

func newTestPlot(h *harness, settings PlotSettings, sensor *fakeSensor, flow *fakeFlow, models ModelStore) *Plot {
	return NewPlot(PlotOptions{
		Name:     "tomatoes",
		Settings: settings,
		Moisture: scheduling.DefaultMoistureConfig(),
		Valve:    h.output,
		Flow:     flow,
		Sensor:   sensor,
		Models:   models,
	}, h.env)
}

func band() *scheduling.MoistureTarget {
	return &scheduling.MoistureTarget{Low: 60, High: 70}
}

func equalHistory(a, b []bool) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestPlotWatersDrySoil(t *testing.T) {
	h := newHarness()
	flow := &fakeFlow{}
	models := newFakeModels()
	p := newTestPlot(h, PlotSettings{Target: band()}, &fakeSensor{value: 40}, flow, models)

	if wait := p.step(t0); wait != time.Second {
		t.Errorf("wait while watering: got %v, want 1s", wait)
	}
	if !h.output.On() {
		t.Fatal("valve should open for dry soil")
	}
	tr := h.transitions.list()
	if len(tr) != 1 || tr[0].State != "open" || tr[0].Source != "moisture" || tr[0].Controller != "tomatoes" {
		t.Errorf("transitions: got %+v", tr)
	}
	if n := len(h.publisher.TelemetryFor("tomatoes")); n != 1 {
		t.Errorf("telemetry: got %d messages, want 1", n)
	}

	// 25% short at 0.2 %/L is capped at the 10 L pulse maximum.
	flow.liters = 10
	if wait := p.step(t0.Add(time.Second)); wait != 30*time.Second {
		t.Errorf("wait while soaking: got %v, want 30s", wait)
	}
	if got := h.output.History(); !equalHistory(got, []bool{true, false}) {
		t.Errorf("valve history: got %v, want [true false]", got)
	}

	snap := h.snapshot(t, "tomatoes")
	if snap.Open || snap.Irrigation == nil || snap.Irrigation.State != scheduling.Soak {
		t.Errorf("snapshot: got open=%v irrigation=%+v", snap.Open, snap.Irrigation)
	}
	if m := models.get("tomatoes"); m.TotalVolume != 10 || m.TotalCycles != 1 {
		t.Errorf("saved model: got %+v", m)
	}
}

func TestPlotOverrideHandsBackToSchedule(t *testing.T) {
	h := newHarness()
	settings := PlotSettings{
		Override: &scheduling.OverrideSchedule{State: scheduling.Open, Until: t0.Add(5 * time.Minute)},
		Schedules: []scheduling.TimeBasedSchedule{
			{Start: t0.Add(30 * time.Minute), Period: 24 * time.Hour, Duration: 10 * time.Minute},
		},
	}
	p := newTestPlot(h, settings, &fakeSensor{value: math.NaN()}, &fakeFlow{}, nil)

	if wait := p.step(t0); wait != time.Minute {
		t.Errorf("wait: got %v, want the 1m cap", wait)
	}
	if !h.output.On() {
		t.Fatal("override should open the valve")
	}
	if snap := h.snapshot(t, "tomatoes"); snap.Override == nil || snap.Override.State != scheduling.Open {
		t.Errorf("override in snapshot: got %+v", snap.Override)
	}

	p.step(t0.Add(5 * time.Minute))
	if h.output.On() {
		t.Error("schedule should close the valve once the override expires")
	}
	tr := h.transitions.list()
	if len(tr) != 2 || tr[0].Source != "override" || tr[1].Source != "time" {
		t.Errorf("transitions: got %+v", tr)
	}
	if snap := h.snapshot(t, "tomatoes"); snap.Override != nil {
		t.Errorf("expired override still reported: %+v", snap.Override)
	}
}

func TestPlotUndecidedKeepsValve(t *testing.T) {
	h := newHarness()
	p := newTestPlot(h, PlotSettings{}, &fakeSensor{value: math.NaN()}, &fakeFlow{}, nil)

	p.step(t0)
	if got := h.output.History(); !equalHistory(got, []bool{false}) {
		t.Fatalf("first tick should drive the valve closed: got %v", got)
	}

	if err := p.SetOverride(&scheduling.OverrideSchedule{State: scheduling.Open, Until: t0.Add(time.Minute)}); err != nil {
		t.Fatalf("SetOverride: %v", err)
	}
	p.applyPending()
	p.step(t0.Add(time.Second))
	p.step(t0.Add(2 * time.Minute))

	if got := h.output.History(); !equalHistory(got, []bool{false, true}) {
		t.Errorf("valve history: got %v, want [false true]", got)
	}
	if snap := h.snapshot(t, "tomatoes"); !snap.Open || snap.Target != nil {
		t.Errorf("snapshot: got open=%v target=%v", snap.Open, snap.Target)
	}
}

func TestPlotConfigure(t *testing.T) {
	h := newHarness()
	p := newTestPlot(h, PlotSettings{}, &fakeSensor{value: 40}, &fakeFlow{}, nil)

	p.step(t0)
	if h.output.On() {
		t.Fatal("valve should stay closed without a target")
	}

	if err := p.Configure(PlotSettings{Target: band()}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	p.applyPending()
	p.step(t0.Add(time.Second))
	if !h.output.On() {
		t.Error("valve should open once the target is configured")
	}
}

func TestPlotRestoresLearnedModel(t *testing.T) {
	h := newHarness()
	models := newFakeModels()
	models.models["tomatoes"] = scheduling.LearnedModel{
		Gain:        0.5,
		DeadTime:    2 * time.Minute,
		Tau:         5 * time.Minute,
		TotalVolume: 12,
		TotalCycles: 3,
		TotalsSince: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	p := newTestPlot(h, PlotSettings{}, &fakeSensor{value: math.NaN()}, &fakeFlow{}, models)
	p.step(t0)

	irr := h.snapshot(t, "tomatoes").Irrigation
	if irr.Gain != 0.5 || irr.DeadTime != 2*time.Minute || irr.TotalCycles != 3 {
		t.Errorf("restored telemetry: got %+v", irr)
	}
	if models.saves != 0 {
		t.Errorf("unchanged model should not be saved again (saves=%d)", models.saves)
	}
}

func TestPlotLoadErrorKeepsDefaults(t *testing.T) {
	h := newHarness()
	models := newFakeModels()
	models.loadErr = errors.New("disk I/O error")

	p := newTestPlot(h, PlotSettings{}, &fakeSensor{value: math.NaN()}, &fakeFlow{}, models)
	p.step(t0)

	if irr := h.snapshot(t, "tomatoes").Irrigation; irr.Gain != 0.2 {
		t.Errorf("gain: got %v, want the 0.2 default", irr.Gain)
	}
}

func TestPlotFaultPublishesEventAndResetRecovers(t *testing.T) {
	h := newHarness()
	models := newFakeModels()
	models.models["tomatoes"] = scheduling.LearnedModel{Gain: 0.2, TotalVolume: 200, TotalCycles: 20}

	p := newTestPlot(h, PlotSettings{Target: band()}, &fakeSensor{value: 40}, &fakeFlow{}, models)

	if wait := p.step(t0); wait != time.Minute {
		t.Errorf("wait in fault: got %v, want the 1m cap", wait)
	}
	if h.output.On() {
		t.Error("valve must stay closed in fault")
	}
	if irr := h.snapshot(t, "tomatoes").Irrigation; irr.State != scheduling.Fault {
		t.Fatalf("state: got %v, want fault", irr.State)
	}

	events := h.publisher.SystemEvents()
	if len(events) != 1 {
		t.Fatalf("system events: got %d, want 1", len(events))
	}
	if events[0].Event != mqtt.EventFault || events[0].Controller != "tomatoes" || !strings.Contains(events[0].Reason, "cap") {
		t.Errorf("fault event: got %+v", events[0])
	}

	if err := p.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	p.applyPending()
	if m := models.get("tomatoes"); m.TotalVolume != 0 || m.TotalCycles != 0 {
		t.Errorf("model after reset: got %+v", m)
	}

	p.step(t0.Add(time.Second))
	if !h.output.On() {
		t.Error("plot should water again after reset")
	}
}

func TestPlotWaterCapIsDaily(t *testing.T) {
	h := newHarness()
	models := newFakeModels()
	models.models["tomatoes"] = scheduling.LearnedModel{
		Gain:        0.2,
		TotalVolume: 200,
		TotalCycles: 20,
		TotalsSince: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	p := newTestPlot(h, PlotSettings{Target: band()}, &fakeSensor{value: 40}, &fakeFlow{}, models)
	p.step(t0)
	if h.output.On() {
		t.Fatal("valve must stay closed once the daily cap is spent")
	}

	midnight := time.Date(2026, 1, 2, 0, 0, 30, 0, time.UTC)
	p.step(midnight)
	if !h.output.On() {
		t.Fatal("valve should open on the new day")
	}
	if irr := h.snapshot(t, "tomatoes").Irrigation; irr.State != scheduling.Watering || irr.TotalVolume != 0 {
		t.Errorf("after midnight: got %v with %v L", irr.State, irr.TotalVolume)
	}
	m := models.get("tomatoes")
	if m.TotalVolume != 0 || !m.TotalsSince.Equal(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("saved model: got %+v", m)
	}
}

func TestPlotDropsTotalsFromEarlierDay(t *testing.T) {
	h := newHarness()
	models := newFakeModels()
	models.models["tomatoes"] = scheduling.LearnedModel{
		Gain:        0.2,
		TotalVolume: 200,
		TotalCycles: 20,
		TotalsSince: time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
	}

	p := newTestPlot(h, PlotSettings{Target: band()}, &fakeSensor{value: 40}, &fakeFlow{}, models)
	p.step(t0)

	if !h.output.On() {
		t.Error("a restart on a later day should not inherit yesterday's fault")
	}
	if len(h.publisher.SystemEvents()) != 0 {
		t.Errorf("unexpected events: %+v", h.publisher.SystemEvents())
	}
}

func TestPlotKalmanWhenTemperatureConfigured(t *testing.T) {
	h := newHarness()
	p := NewPlot(PlotOptions{
		Name:        "tomatoes",
		Settings:    PlotSettings{Target: band()},
		Moisture:    scheduling.DefaultMoistureConfig(),
		Valve:       h.output,
		Flow:        &fakeFlow{},
		Sensor:      &fakeSensor{value: 40},
		Temperature: &fakeSensor{value: 20},
	}, h.env)

	p.step(t0)

	irr := h.snapshot(t, "tomatoes").Irrigation
	if math.Abs(irr.RawMoisture-40) > 0.1 {
		t.Errorf("filtered reading: got %v, want about 40", irr.RawMoisture)
	}
	if irr.State != scheduling.Watering {
		t.Errorf("state: got %v, want watering", irr.State)
	}
	if c := h.snapshot(t, "tomatoes").TempCoefficient; c == nil || math.IsNaN(*c) {
		t.Errorf("temperature coefficient: got %v, want a learned value", c)
	}
}

func TestPlotWithoutTemperatureHasNoCoefficient(t *testing.T) {
	h := newHarness()
	p := newTestPlot(h, PlotSettings{Target: band()}, &fakeSensor{value: 40}, &fakeFlow{}, nil)
	p.step(t0)

	if c := h.snapshot(t, "tomatoes").TempCoefficient; c != nil {
		t.Errorf("temperature coefficient: got %v, want nil", *c)
	}
}
