package state

// Trigger represents an event that causes a state transition.
type Trigger string

const (
	// TriggerQRUpdated fires when the gateway issues a new pairing QR code.
	TriggerQRUpdated Trigger = "qr_code_updated"
	// TriggerInstanceConnected fires when the remote session is established.
	TriggerInstanceConnected Trigger = "instance_connected"
	// TriggerInstanceDisconnected fires when the remote session ends.
	TriggerInstanceDisconnected Trigger = "instance_disconnected"
	// TriggerConnectionError fires on a remote-reported session failure.
	TriggerConnectionError Trigger = "connection_error"
	// TriggerDisconnect fires on a local disconnect command.
	TriggerDisconnect Trigger = "disconnect"
)

// String returns the string representation of the trigger.
func (t Trigger) String() string {
	return string(t)
}
