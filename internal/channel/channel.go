package channel

import "errors"

// ErrNotConnected is returned by Send when the transport is down. The message
// is dropped, not queued; callers decide whether the drop matters.
var ErrNotConnected = errors.New("channel: transport not connected")

// Handler receives every inbound envelope, in transport order.
type Handler func(Envelope)

// Channel is a logical duplex connection to the gateway for one tenant.
// Implementations must not block the caller on any method: connect and
// disconnect outcomes are observed via the handler and IsConnected.
type Channel interface {
	// Connect opens the transport. A no-op while a connect is in flight or
	// the transport is already open. A successful open resets the internal
	// retry counter.
	Connect()

	// Send transmits an outbound envelope, returning ErrNotConnected when
	// the transport is down.
	Send(env Envelope) error

	// OnMessage registers the single inbound handler, replacing any prior
	// registration.
	OnMessage(h Handler)

	// Disconnect closes the transport with a normal-closure code, cancels
	// any pending reconnect and resets the retry counter. Idempotent.
	Disconnect()

	// IsConnected reports the transport-level connection flag. This is
	// orthogonal to the WhatsApp session state.
	IsConnected() bool
}

// Factory builds a channel for a tenant. Injecting the factory keeps the
// production websocket transport swappable for a fake in tests.
type Factory func(tenantID string) Channel
