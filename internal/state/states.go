// Package state provides the finite state machine for the WhatsApp session lifecycle.
package state

// State represents a WhatsApp session state as surfaced to the admin console.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// Valid returns true if the state is one of the four defined values.
func (s State) Valid() bool {
	switch s {
	case StateDisconnected, StateConnecting, StateConnected, StateError:
		return true
	default:
		return false
	}
}

// IsRecoverable returns true if RequestConnection can be issued from this state.
// There is no terminal state: error and disconnected are both recoverable.
func (s State) IsRecoverable() bool {
	return s == StateDisconnected || s == StateError
}
