// Package health tracks service-level counters for the connector.
package health

import (
	"sync"
	"sync/atomic"
	"time"
)

// Status is the health snapshot served on /healthz.
type Status struct {
	UptimeSeconds    int64     `json:"uptime_seconds"`
	OpenTenants      int       `json:"open_tenants"`
	LastMessage      time.Time `json:"last_message,omitzero"`
	MessagesReceived int64     `json:"messages_received"`
	MessagesSent     int64     `json:"messages_sent"`
	MessagesDropped  int64     `json:"messages_dropped"`
}

// TenantCounter reports how many tenant controllers are currently open.
type TenantCounter interface {
	OpenTenants() int
}

// Monitor aggregates counters across all tenant controllers.
type Monitor struct {
	startTime time.Time

	mu          sync.RWMutex
	lastMessage time.Time

	messagesReceived atomic.Int64
	messagesSent     atomic.Int64
	messagesDropped  atomic.Int64
}

// NewMonitor creates a monitor with the uptime clock started.
func NewMonitor() *Monitor {
	return &Monitor{startTime: time.Now()}
}

// RecordMessageReceived records an inbound envelope.
func (m *Monitor) RecordMessageReceived() {
	m.messagesReceived.Add(1)
	m.mu.Lock()
	m.lastMessage = time.Now()
	m.mu.Unlock()
}

// RecordMessageSent records an outbound envelope that made it onto the wire.
func (m *Monitor) RecordMessageSent() {
	m.messagesSent.Add(1)
}

// RecordMessageDropped records an outbound envelope dropped because the
// transport was down.
func (m *Monitor) RecordMessageDropped() {
	m.messagesDropped.Add(1)
}

// GetStatus returns the current health snapshot. The tenant counter may be
// nil when no manager is attached yet.
func (m *Monitor) GetStatus(tenants TenantCounter) Status {
	m.mu.RLock()
	lastMessage := m.lastMessage
	m.mu.RUnlock()

	open := 0
	if tenants != nil {
		open = tenants.OpenTenants()
	}

	return Status{
		UptimeSeconds:    int64(time.Since(m.startTime).Seconds()),
		OpenTenants:      open,
		LastMessage:      lastMessage,
		MessagesReceived: m.messagesReceived.Load(),
		MessagesSent:     m.messagesSent.Load(),
		MessagesDropped:  m.messagesDropped.Load(),
	}
}
