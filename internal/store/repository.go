// Package store provides durable per-tenant persistence for connection
// status records and the transition audit log.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/barberdesk/whatsapp-connect/internal/state"
	"github.com/barberdesk/whatsapp-connect/internal/status"
)

// ErrNotFound is returned when no usable record exists for a tenant.
// A malformed persisted record is reported the same way: the caller falls
// back to the default status, it never sees a decode error.
var ErrNotFound = errors.New("store: not found")

// Transition is one recorded state machine transition.
type Transition struct {
	ID        int64       `json:"id"`
	TenantID  string      `json:"tenantId"`
	FromState state.State `json:"fromState"`
	ToState   state.State `json:"toState"`
	Trigger   string      `json:"trigger"`
	Timestamp time.Time   `json:"timestamp"`
}

// StatusRepository defines operations for connection status persistence.
type StatusRepository interface {
	// Load returns the persisted status for a tenant, or ErrNotFound when
	// absent or unparsable.
	Load(ctx context.Context, tenantID string) (status.ConnectionStatus, error)
	// Save upserts the status record for a tenant.
	Save(ctx context.Context, tenantID string, st status.ConnectionStatus) error
	// LogTransition appends one transition to the audit log.
	LogTransition(ctx context.Context, tenantID string, from, to state.State, trigger string) error
	// Transitions returns the most recent transitions for a tenant,
	// newest first.
	Transitions(ctx context.Context, tenantID string, limit int) ([]Transition, error)
}
