package controller

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sweeney/farm-controller/internal/gpio"
	"github.com/sweeney/farm-controller/internal/mqtt"
	"github.com/sweeney/farm-controller/internal/scheduling"
	"github.com/sweeney/farm-controller/internal/status"
	"github.com/sweeney/farm-controller/internal/store"
)

var t0 = time.Date(2026, 1, 1, 6, 0, 0, 0, time.UTC)

type fakeSensor struct{ value float64 }

func (s *fakeSensor) Moisture() scheduling.Percent { return s.value }
func (s *fakeSensor) LightLevel() scheduling.Lux   { return s.value }
func (s *fakeSensor) Temperature() float64         { return s.value }

type fakeFlow struct{ liters scheduling.Liters }

func (f *fakeFlow) Volume() scheduling.Liters {
	v := f.liters
	f.liters = 0
	return v
}

type fakeModels struct {
	mu      sync.Mutex
	models  map[string]scheduling.LearnedModel
	saves   int
	loadErr error
}

func newFakeModels() *fakeModels {
	return &fakeModels{models: make(map[string]scheduling.LearnedModel)}
}

func (f *fakeModels) SaveModel(plot string, m scheduling.LearnedModel, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.models[plot] = m
	f.saves++
	return nil
}

func (f *fakeModels) LoadModel(plot string) (scheduling.LearnedModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return scheduling.LearnedModel{}, f.loadErr
	}
	m, ok := f.models[plot]
	if !ok {
		return scheduling.LearnedModel{}, store.ErrNotFound
	}
	return m, nil
}

func (f *fakeModels) get(plot string) scheduling.LearnedModel {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.models[plot]
}

type fakeTransitions struct {
	mu  sync.Mutex
	all []store.Transition
}

func (f *fakeTransitions) RecordTransition(t store.Transition) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.all = append(f.all, t)
	return int64(len(f.all)), nil
}

func (f *fakeTransitions) list() []store.Transition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.Transition(nil), f.all...)
}

type harness struct {
	env         Env
	publisher   *mqtt.FakePublisher
	transitions *fakeTransitions
	tracker     *status.Tracker
	output      *gpio.FakeOutput
}

func newHarness() *harness {
	h := &harness{
		publisher:   mqtt.NewFakePublisher(),
		transitions: &fakeTransitions{},
		tracker:     status.NewTracker(t0, status.Config{}),
		output:      gpio.NewFakeOutput(),
	}
	h.env = Env{
		Publisher:   h.publisher,
		Transitions: h.transitions,
		Tracker:     h.tracker,
		Logger:      zerolog.Nop(),
		Now:         func() time.Time { return t0 },
	}
	return h
}

func (h *harness) snapshot(t *testing.T, name string) status.ControllerSnapshot {
	t.Helper()
	c, ok := h.tracker.Snapshot().Controller(name)
	if !ok {
		t.Fatalf("controller %q not tracked", name)
	}
	return c
}
