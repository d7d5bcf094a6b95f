package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/fixmypic/service_layer/internal/logging"
)

// Component is a lifecycle-managed part of the marketplace. Components are
// started in registration order and stopped in reverse.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ComponentFuncs adapts plain functions. Nil funcs are no-ops.
type ComponentFuncs struct {
	ComponentName string
	StartFunc     func(ctx context.Context) error
	StopFunc      func(ctx context.Context) error
}

func (c ComponentFuncs) Name() string { return c.ComponentName }

func (c ComponentFuncs) Start(ctx context.Context) error {
	if c.StartFunc == nil {
		return nil
	}
	return c.StartFunc(ctx)
}

func (c ComponentFuncs) Stop(ctx context.Context) error {
	if c.StopFunc == nil {
		return nil
	}
	return c.StopFunc(ctx)
}

// Manager starts and stops components deterministically.
type Manager struct {
	log *logging.Logger

	mu         sync.Mutex
	components []Component
	started    int
}

func NewManager(log *logging.Logger) *Manager {
	if log == nil {
		log = logging.NewNop()
	}
	return &Manager{log: log}
}

// Register adds a component. Call before Start.
func (m *Manager) Register(c Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started > 0 {
		return fmt.Errorf("register %s: manager already started", c.Name())
	}
	for _, existing := range m.components {
		if existing.Name() == c.Name() {
			return fmt.Errorf("component %s already registered", c.Name())
		}
	}
	m.components = append(m.components, c)
	return nil
}

// Start starts every component. On failure the components already started
// are stopped again and the error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := m.started; i < len(m.components); i++ {
		c := m.components[i]
		if err := c.Start(ctx); err != nil {
			m.stopLocked(ctx)
			return fmt.Errorf("start %s: %w", c.Name(), err)
		}
		m.started = i + 1
		m.log.WithField("component", c.Name()).Debug("component started")
	}
	return nil
}

// Stop stops started components in reverse order and returns the first error.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopLocked(ctx)
}

func (m *Manager) stopLocked(ctx context.Context) error {
	var first error
	for i := m.started - 1; i >= 0; i-- {
		c := m.components[i]
		if err := c.Stop(ctx); err != nil {
			m.log.WithError(err).WithField("component", c.Name()).Warn("component stop failed")
			if first == nil {
				first = fmt.Errorf("stop %s: %w", c.Name(), err)
			}
		}
	}
	m.started = 0
	return first
}
