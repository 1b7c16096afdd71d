// Package status defines the per-tenant WhatsApp connection status record.
package status

import (
	"time"

	"github.com/barberdesk/whatsapp-connect/internal/state"
)

// ConnectionStatus is the status record surfaced to the admin console and
// persisted per tenant. Exactly one state is active at a time; the optional
// fields are only meaningful in the states noted on each of them. Empty means
// absent for the string fields.
type ConnectionStatus struct {
	// State is the current session state.
	State state.State `json:"state"`

	// QRCode is the opaque pairing payload, set only while connecting and a
	// code has been issued. Cleared on any transition away from connecting.
	QRCode string `json:"qrCode,omitempty"`

	// InstanceID identifies the remote session instance once allocated. It
	// survives into connected and into disconnect events that reference it.
	InstanceID string `json:"instanceId,omitempty"`

	// ErrorMessage holds the error text in the error state, or a transient
	// disconnect reason that the controller clears shortly after.
	ErrorMessage string `json:"errorMessage,omitempty"`

	// LastUpdate is stamped on every status write.
	LastUpdate time.Time `json:"lastUpdate"`
}

// Default returns the initial status for a tenant with no persisted record.
func Default() ConnectionStatus {
	return ConnectionStatus{
		State:      state.StateDisconnected,
		LastUpdate: time.Now(),
	}
}

// HasQRCode reports whether a pairing code is currently available to render.
func (s ConnectionStatus) HasQRCode() bool {
	return s.State == state.StateConnecting && s.QRCode != ""
}
