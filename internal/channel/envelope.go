// Package channel provides the bidirectional messaging channel to the
// WhatsApp gateway: JSON envelopes over one websocket per tenant, with
// automatic reconnection on unexpected closure.
package channel

import (
	"encoding/json"
	"fmt"
)

// MessageType tags an envelope.
type MessageType string

// Inbound envelope types.
const (
	TypeQRCodeUpdated        MessageType = "qr_code_updated"
	TypeInstanceConnected    MessageType = "instance_connected"
	TypeInstanceDisconnected MessageType = "instance_disconnected"
	TypeConnectionError      MessageType = "connection_error"
	TypeConnectionStatus     MessageType = "connection_status"
)

// Outbound command types.
const (
	TypeRequestConnection MessageType = "request_connection"
	TypeDisconnect        MessageType = "disconnect"
)

// Envelope is the wire format in both directions.
type Envelope struct {
	Type     MessageType     `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	TenantID string          `json:"tenantId"`
}

// QRCodePayload is the data of a qr_code_updated envelope.
type QRCodePayload struct {
	QRCode     string `json:"qrCode"`
	InstanceID string `json:"instanceId,omitempty"`
}

// InstancePayload is the data of an instance_connected envelope.
type InstancePayload struct {
	InstanceID string `json:"instanceId"`
}

// DisconnectedPayload is the data of an instance_disconnected envelope.
type DisconnectedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorPayload is the data of a connection_error envelope.
type ErrorPayload struct {
	Error string `json:"error,omitempty"`
}

// StatusPayload is the data of a connection_status heartbeat envelope.
type StatusPayload struct {
	Status string `json:"status"`
}

// StatusConnected is the transport-heartbeat sentinel value.
const StatusConnected = "connected"

// NewEnvelope builds an envelope for the given tenant, marshaling the payload
// if one is provided. Commands with no arguments pass a nil payload and get
// an empty data object on the wire.
func NewEnvelope(t MessageType, tenantID string, payload any) (Envelope, error) {
	env := Envelope{Type: t, TenantID: tenantID, Data: json.RawMessage(`{}`)}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		env.Data = data
	}
	return env, nil
}
