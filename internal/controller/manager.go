package controller

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/sweeney/farm-controller/internal/scheduling"
)

// Manager looks controllers up by name and runs them together. Controllers
// are registered before Run and the registry is read-only afterwards.
type Manager struct {
	runners map[string]*Runner
	plots   map[string]*Plot
	doors   map[string]*Door
}

func NewManager() *Manager {
	return &Manager{
		runners: make(map[string]*Runner),
		plots:   make(map[string]*Plot),
		doors:   make(map[string]*Door),
	}
}

// AddPlot registers a plot so that it can be reconfigured by name.
func (m *Manager) AddPlot(p *Plot) error {
	if err := m.Add(p.Runner); err != nil {
		return err
	}
	m.plots[p.Name()] = p
	return nil
}

// AddDoor registers a door so that it can be reconfigured by name.
func (m *Manager) AddDoor(d *Door) error {
	if err := m.Add(d.Runner); err != nil {
		return err
	}
	m.doors[d.Name()] = d
	return nil
}

// Add registers a controller. Names must be unique.
func (m *Manager) Add(r *Runner) error {
	if _, exists := m.runners[r.Name()]; exists {
		return fmt.Errorf("controller %q already registered", r.Name())
	}
	m.runners[r.Name()] = r
	return nil
}

// Names returns the registered names in sorted order.
func (m *Manager) Names() []string {
	names := make([]string, 0, len(m.runners))
	for name := range m.runners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manager) get(name string) (*Runner, error) {
	r, ok := m.runners[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownController, name)
	}
	return r, nil
}

// SetOverride queues an override (nil clears it) on the named controller.
func (m *Manager) SetOverride(name string, override *scheduling.OverrideSchedule) error {
	r, err := m.get(name)
	if err != nil {
		return err
	}
	return r.SetOverride(override)
}

// Reset queues a reset on the named controller.
func (m *Manager) Reset(name string) error {
	r, err := m.get(name)
	if err != nil {
		return err
	}
	return r.Reset()
}

// ConfigurePlot queues new settings on the named plot.
func (m *Manager) ConfigurePlot(name string, settings PlotSettings) error {
	p, ok := m.plots[name]
	if !ok {
		return fmt.Errorf("%w plot %q", ErrUnknownController, name)
	}
	return p.Configure(settings)
}

// ConfigureDoor queues new settings on the named door.
func (m *Manager) ConfigureDoor(name string, settings DoorSettings) error {
	d, ok := m.doors[name]
	if !ok {
		return fmt.Errorf("%w door %q", ErrUnknownController, name)
	}
	return d.Configure(settings)
}

// Run runs every controller until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range m.Names() {
		r := m.runners[name]
		g.Go(func() error { return r.Run(ctx) })
	}
	return g.Wait()
}
