// Package manager keeps one connection controller per tenant and owns their
// lifecycle. Each tenant gets its own channel to the gateway; opening a
// tenant that is already open replaces the previous controller.
package manager

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/barberdesk/whatsapp-connect/internal/channel"
	"github.com/barberdesk/whatsapp-connect/internal/controller"
	"github.com/barberdesk/whatsapp-connect/internal/store"
)

// Manager is the per-tenant controller registry.
type Manager struct {
	factory channel.Factory
	repo    store.StatusRepository
	opts    []controller.Option
	log     *slog.Logger

	// openMu serializes Open calls so a replace fully tears down the old
	// controller before the new channel comes up.
	openMu sync.Mutex

	mu          sync.RWMutex
	controllers map[string]*controller.Controller
	closed      bool
}

// New creates a manager. The factory builds a fresh channel for each tenant
// that gets opened; the controller options are shared by all tenants.
func New(factory channel.Factory, repo store.StatusRepository, log *slog.Logger, opts ...controller.Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		factory:     factory,
		repo:        repo,
		opts:        opts,
		log:         log.With("component", "manager"),
		controllers: make(map[string]*controller.Controller),
	}
}

// Open creates a controller for the tenant. An existing controller for the
// same tenant is closed first, so the tenant never holds two live channels,
// not even for the duration of the swap.
func (m *Manager) Open(tenantID string) (*controller.Controller, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant id must not be empty")
	}

	m.openMu.Lock()
	defer m.openMu.Unlock()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("manager is closed")
	}
	old := m.controllers[tenantID]
	delete(m.controllers, tenantID)
	m.mu.Unlock()

	if old != nil {
		m.log.Info("replacing controller", "tenant", tenantID)
		old.Close()
	}

	ch := m.factory(tenantID)
	ctrl := controller.New(tenantID, ch, m.repo, m.opts...)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		ctrl.Close()
		return nil, fmt.Errorf("manager is closed")
	}
	m.controllers[tenantID] = ctrl
	m.mu.Unlock()

	return ctrl, nil
}

// Get returns the controller for a tenant, or nil when none is open.
func (m *Manager) Get(tenantID string) *controller.Controller {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controllers[tenantID]
}

// GetOrOpen returns the tenant's controller, opening one on first use.
func (m *Manager) GetOrOpen(tenantID string) (*controller.Controller, error) {
	if ctrl := m.Get(tenantID); ctrl != nil {
		return ctrl, nil
	}
	return m.Open(tenantID)
}

// Close shuts down and removes the tenant's controller. Closing a tenant
// that is not open is a no-op.
func (m *Manager) Close(tenantID string) {
	m.mu.Lock()
	ctrl := m.controllers[tenantID]
	delete(m.controllers, tenantID)
	m.mu.Unlock()

	if ctrl != nil {
		ctrl.Close()
	}
}

// CloseAll shuts down every controller and marks the manager closed.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	m.closed = true
	ctrls := make([]*controller.Controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		ctrls = append(ctrls, c)
	}
	m.controllers = make(map[string]*controller.Controller)
	m.mu.Unlock()

	for _, c := range ctrls {
		c.Close()
	}
}

// OpenTenants reports how many tenant controllers are currently open.
func (m *Manager) OpenTenants() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.controllers)
}
