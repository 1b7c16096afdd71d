package controller

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barberdesk/whatsapp-connect/internal/channel"
	"github.com/barberdesk/whatsapp-connect/internal/state"
	"github.com/barberdesk/whatsapp-connect/internal/status"
	"github.com/barberdesk/whatsapp-connect/internal/store"
)

// FakeChannel implements channel.Channel for testing.
type FakeChannel struct {
	mu              sync.Mutex
	connected       bool
	refuseConnect   bool
	connectDelay    time.Duration
	connectCalls    int
	disconnectCalls int
	handler         channel.Handler
	sent            []channel.Envelope
}

func NewFakeChannel() *FakeChannel {
	return &FakeChannel{}
}

func (f *FakeChannel) Connect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.refuseConnect {
		return
	}
	if f.connectDelay > 0 {
		// Mimic the asynchronous dial of the real transport.
		time.AfterFunc(f.connectDelay, func() { f.SetConnected(true) })
		return
	}
	f.connected = true
}

func (f *FakeChannel) Send(env channel.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return channel.ErrNotConnected
	}
	f.sent = append(f.sent, env)
	return nil
}

func (f *FakeChannel) OnMessage(h channel.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *FakeChannel) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnectCalls++
	f.connected = false
}

func (f *FakeChannel) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeChannel) SetConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *FakeChannel) SetRefuseConnect(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refuseConnect = v
}

func (f *FakeChannel) SetConnectDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectDelay = d
}

// Deliver pushes an inbound envelope through the registered handler,
// synchronously, the way the websocket read loop would.
func (f *FakeChannel) Deliver(t *testing.T, msgType channel.MessageType, payload any) {
	t.Helper()
	env, err := channel.NewEnvelope(msgType, "barber-1", payload)
	require.NoError(t, err)
	f.DeliverEnvelope(env)
}

func (f *FakeChannel) DeliverEnvelope(env channel.Envelope) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(env)
	}
}

func (f *FakeChannel) SentEnvelopes() []channel.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]channel.Envelope, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *FakeChannel) ConnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func (f *FakeChannel) DisconnectCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnectCalls
}

func setupTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func setupController(t *testing.T, tenantID string, opts ...Option) (*Controller, *FakeChannel, *store.SQLiteStore) {
	t.Helper()
	s := setupTestStore(t)
	fake := NewFakeChannel()

	base := []Option{
		WithPollInterval(10 * time.Millisecond),
		WithErrorClearAfter(50 * time.Millisecond),
	}
	ctrl := New(tenantID, fake, s.Status, append(base, opts...)...)
	t.Cleanup(ctrl.Close)

	return ctrl, fake, s
}

func TestNew_DefaultsToDisconnected(t *testing.T) {
	ctrl, fake, _ := setupController(t, "barber-1")

	st := ctrl.Status()
	assert.Equal(t, state.StateDisconnected, st.State)
	assert.Empty(t, st.QRCode)
	assert.Empty(t, st.ErrorMessage)
	assert.Equal(t, 1, fake.ConnectCalls(), "controller opens the channel on init")
}

func TestNew_RestoresPersistedStatus(t *testing.T) {
	s := setupTestStore(t)
	require.NoError(t, s.Status.Save(context.Background(), "barber-1", status.ConnectionStatus{
		State:      state.StateConnected,
		InstanceID: "i-9",
		LastUpdate: time.Now(),
	}))

	fake := NewFakeChannel()
	ctrl := New("barber-1", fake, s.Status, WithPollInterval(10*time.Millisecond))
	t.Cleanup(ctrl.Close)

	st := ctrl.Status()
	assert.Equal(t, state.StateConnected, st.State)
	assert.Equal(t, "i-9", st.InstanceID)
}

func TestRequestConnection_SendsCommandOnly(t *testing.T) {
	ctrl, fake, _ := setupController(t, "barber-1")

	ctrl.RequestConnection()

	sent := fake.SentEnvelopes()
	require.Len(t, sent, 1)
	assert.Equal(t, channel.TypeRequestConnection, sent[0].Type)
	assert.Equal(t, "barber-1", sent[0].TenantID)

	// No state change until the gateway answers with a QR code.
	assert.Equal(t, state.StateDisconnected, ctrl.Status().State)
}

func TestRequestConnection_NothingSentWhileTransportDown(t *testing.T) {
	ctrl, fake, _ := setupController(t, "barber-1")
	fake.SetRefuseConnect(true)
	fake.SetConnected(false)

	ctrl.RequestConnection()

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, fake.SentEnvelopes())
	assert.Equal(t, state.StateDisconnected, ctrl.Status().State)
}

func TestRequestConnection_DeliveredOnceTransportOpens(t *testing.T) {
	s := setupTestStore(t)
	fake := NewFakeChannel()
	fake.SetConnectDelay(50 * time.Millisecond)

	ctrl := New("barber-1", fake, s.Status, WithPollInterval(10*time.Millisecond))
	t.Cleanup(ctrl.Close)

	// The dial kicked off by the controller init is still in flight.
	ctrl.RequestConnection()
	assert.Empty(t, fake.SentEnvelopes())

	require.Eventually(t, func() bool {
		sent := fake.SentEnvelopes()
		return len(sent) == 1 && sent[0].Type == channel.TypeRequestConnection
	}, time.Second, 10*time.Millisecond, "pairing request goes out once the transport is up")
}

func TestDisconnect_WithdrawsPendingRequest(t *testing.T) {
	s := setupTestStore(t)
	fake := NewFakeChannel()
	fake.SetRefuseConnect(true)

	ctrl := New("barber-1", fake, s.Status, WithPollInterval(10*time.Millisecond))
	t.Cleanup(ctrl.Close)

	ctrl.RequestConnection()
	ctrl.Disconnect()

	fake.SetRefuseConnect(false)
	fake.SetConnected(true)

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, fake.SentEnvelopes(), "withdrawn pairing request must not go out later")
	assert.Equal(t, state.StateDisconnected, ctrl.Status().State)
}

func TestPairingScenario(t *testing.T) {
	ctrl, fake, _ := setupController(t, "barber-1")

	ctrl.RequestConnection()
	fake.Deliver(t, channel.TypeQRCodeUpdated, channel.QRCodePayload{QRCode: "abc", InstanceID: "i1"})

	st := ctrl.Status()
	assert.Equal(t, state.StateConnecting, st.State)
	assert.Equal(t, "abc", st.QRCode)
	assert.Equal(t, "i1", st.InstanceID)
	assert.True(t, st.HasQRCode())

	fake.Deliver(t, channel.TypeInstanceConnected, channel.InstancePayload{InstanceID: "i1"})

	st = ctrl.Status()
	assert.Equal(t, state.StateConnected, st.State)
	assert.Equal(t, "i1", st.InstanceID)
	assert.Empty(t, st.QRCode, "QR code cleared once connected")
	assert.False(t, st.HasQRCode())
}

func TestQRCodeClearsPriorError(t *testing.T) {
	ctrl, fake, _ := setupController(t, "barber-1")

	fake.Deliver(t, channel.TypeConnectionError, channel.ErrorPayload{Error: "session crashed"})

	st := ctrl.Status()
	assert.Equal(t, state.StateError, st.State)
	assert.Equal(t, "session crashed", st.ErrorMessage)
	assert.Equal(t, "session crashed", ctrl.LastError())

	fake.Deliver(t, channel.TypeQRCodeUpdated, channel.QRCodePayload{QRCode: "xyz"})

	st = ctrl.Status()
	assert.Equal(t, state.StateConnecting, st.State)
	assert.Equal(t, "xyz", st.QRCode)
	assert.Empty(t, st.ErrorMessage)
}

func TestDisconnect_SynchronousFromConnecting(t *testing.T) {
	ctrl, fake, _ := setupController(t, "barber-1")

	fake.Deliver(t, channel.TypeQRCodeUpdated, channel.QRCodePayload{QRCode: "abc"})
	require.Equal(t, state.StateConnecting, ctrl.Status().State)

	ctrl.Disconnect()

	// Local transition happens in the same turn, no server ack involved.
	st := ctrl.Status()
	assert.Equal(t, state.StateDisconnected, st.State)
	assert.Empty(t, st.QRCode)

	sent := fake.SentEnvelopes()
	require.Len(t, sent, 1)
	assert.Equal(t, channel.TypeDisconnect, sent[0].Type)
}

func TestDisconnect_NoOutboundWhenTransportDown(t *testing.T) {
	ctrl, fake, _ := setupController(t, "barber-1")

	fake.Deliver(t, channel.TypeInstanceConnected, channel.InstancePayload{InstanceID: "i1"})
	fake.SetConnected(false)

	ctrl.Disconnect()

	assert.Equal(t, state.StateDisconnected, ctrl.Status().State)
	assert.Empty(t, fake.SentEnvelopes())
}

func TestCommands_NoOpOnEmptyTenant(t *testing.T) {
	ctrl, fake, _ := setupController(t, "")

	fake.Deliver(t, channel.TypeInstanceConnected, channel.InstancePayload{InstanceID: "i1"})
	before := ctrl.Status()

	ctrl.RequestConnection()
	ctrl.Disconnect()

	assert.Empty(t, fake.SentEnvelopes())
	assert.Equal(t, before.State, ctrl.Status().State)
}

func TestDisconnectReasonIsTransient(t *testing.T) {
	ctrl, fake, _ := setupController(t, "barber-1")

	fake.Deliver(t, channel.TypeInstanceConnected, channel.InstancePayload{InstanceID: "i1"})
	fake.Deliver(t, channel.TypeInstanceDisconnected, channel.DisconnectedPayload{Reason: "timeout"})

	st := ctrl.Status()
	assert.Equal(t, state.StateDisconnected, st.State)
	assert.Equal(t, "timeout", st.ErrorMessage)
	assert.Equal(t, "i1", st.InstanceID, "instance id survives the disconnect event")

	require.Eventually(t, func() bool {
		return ctrl.LastError() == ""
	}, time.Second, 10*time.Millisecond, "transient reason clears on its own")

	assert.Equal(t, state.StateDisconnected, ctrl.Status().State, "state untouched by the clear")
}

func TestConnectionErrorIsNotTransient(t *testing.T) {
	ctrl, fake, _ := setupController(t, "barber-1")

	fake.Deliver(t, channel.TypeConnectionError, channel.ErrorPayload{Error: "boom"})

	time.Sleep(120 * time.Millisecond)

	st := ctrl.Status()
	assert.Equal(t, state.StateError, st.State)
	assert.Equal(t, "boom", st.ErrorMessage, "error state keeps its message until acted on")
}

func TestHeartbeatUpdatesChannelFlagOnly(t *testing.T) {
	s := setupTestStore(t)
	fake := NewFakeChannel()
	fake.SetRefuseConnect(true)

	// A very long poll so only the heartbeat can flip the flag.
	ctrl := New("barber-1", fake, s.Status, WithPollInterval(time.Hour))
	t.Cleanup(ctrl.Close)

	// Let the poll goroutine take its initial sample first.
	time.Sleep(20 * time.Millisecond)
	assert.False(t, ctrl.IsChannelConnected())

	fake.Deliver(t, channel.TypeConnectionStatus, channel.StatusPayload{Status: channel.StatusConnected})

	assert.True(t, ctrl.IsChannelConnected())
	assert.Equal(t, state.StateDisconnected, ctrl.Status().State, "heartbeat never touches the session state")
}

func TestPollRefreshesChannelFlag(t *testing.T) {
	ctrl, fake, _ := setupController(t, "barber-1")

	require.Eventually(t, ctrl.IsChannelConnected, time.Second, 10*time.Millisecond)

	fake.SetConnected(false)
	require.Eventually(t, func() bool {
		return !ctrl.IsChannelConnected()
	}, time.Second, 10*time.Millisecond)
}

func TestMalformedEnvelopesDropped(t *testing.T) {
	ctrl, fake, _ := setupController(t, "barber-1")

	before := ctrl.Status()

	// QR update without a code.
	fake.Deliver(t, channel.TypeQRCodeUpdated, channel.QRCodePayload{})
	// Unknown type.
	fake.DeliverEnvelope(channel.Envelope{Type: "subscription_renewed", TenantID: "barber-1"})
	// Garbage data.
	fake.DeliverEnvelope(channel.Envelope{
		Type:     channel.TypeInstanceConnected,
		TenantID: "barber-1",
		Data:     json.RawMessage(`"not an object"`),
	})

	st := ctrl.Status()
	assert.Equal(t, before.State, st.State)
	assert.Equal(t, before.QRCode, st.QRCode)
	assert.Equal(t, before.ErrorMessage, st.ErrorMessage)
}

func TestStateAlwaysOneOfFour(t *testing.T) {
	ctrl, fake, _ := setupController(t, "barber-1")

	deliveries := []struct {
		msgType channel.MessageType
		payload any
	}{
		{channel.TypeQRCodeUpdated, channel.QRCodePayload{QRCode: "a"}},
		{channel.TypeConnectionError, channel.ErrorPayload{Error: "x"}},
		{channel.TypeInstanceConnected, channel.InstancePayload{InstanceID: "i1"}},
		{channel.TypeInstanceDisconnected, channel.DisconnectedPayload{}},
		{channel.TypeQRCodeUpdated, channel.QRCodePayload{QRCode: "b"}},
		{channel.TypeQRCodeUpdated, channel.QRCodePayload{QRCode: "c"}},
		{channel.TypeInstanceConnected, channel.InstancePayload{InstanceID: "i2"}},
		{channel.TypeConnectionError, channel.ErrorPayload{}},
	}

	for _, d := range deliveries {
		fake.Deliver(t, d.msgType, d.payload)
		st := ctrl.Status()
		assert.True(t, st.State.Valid(), "state %q after %s", st.State, d.msgType)
		if st.State != state.StateConnecting {
			assert.Empty(t, st.QRCode, "qr code only meaningful while connecting")
		}
	}
}

func TestTransitionsArePersisted(t *testing.T) {
	ctrl, fake, s := setupController(t, "barber-1")

	fake.Deliver(t, channel.TypeQRCodeUpdated, channel.QRCodePayload{QRCode: "abc", InstanceID: "i1"})
	fake.Deliver(t, channel.TypeInstanceConnected, channel.InstancePayload{InstanceID: "i1"})

	loaded, err := s.Status.Load(context.Background(), "barber-1")
	require.NoError(t, err)
	assert.Equal(t, state.StateConnected, loaded.State)
	assert.Equal(t, "i1", loaded.InstanceID)
	assert.Empty(t, loaded.QRCode)

	transitions, err := ctrl.Transitions(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Equal(t, state.StateConnected, transitions[0].ToState)
}

func TestReconnect_ClearsErrorAndReopensTransport(t *testing.T) {
	ctrl, fake, _ := setupController(t, "barber-1")

	fake.Deliver(t, channel.TypeConnectionError, channel.ErrorPayload{Error: "boom"})
	require.Equal(t, "boom", ctrl.LastError())

	before := fake.ConnectCalls()
	ctrl.Reconnect()

	assert.Empty(t, ctrl.LastError())
	assert.Equal(t, state.StateError, ctrl.Status().State, "reconnect is transport-level only")
	assert.Equal(t, before+1, fake.ConnectCalls())
}

func TestClose_StopsErrorClearTimer(t *testing.T) {
	s := setupTestStore(t)
	fake := NewFakeChannel()
	ctrl := New("barber-1", fake, s.Status,
		WithPollInterval(10*time.Millisecond),
		WithErrorClearAfter(50*time.Millisecond))

	fake.Deliver(t, channel.TypeInstanceDisconnected, channel.DisconnectedPayload{Reason: "timeout"})
	ctrl.Close()

	time.Sleep(120 * time.Millisecond)

	// The clear timer was stopped on close: the persisted record keeps the
	// reason instead of a post-shutdown write racing a canceled context.
	loaded, err := s.Status.Load(context.Background(), "barber-1")
	require.NoError(t, err)
	assert.Equal(t, "timeout", loaded.ErrorMessage)
}

func TestClose_TearsDownChannel(t *testing.T) {
	s := setupTestStore(t)
	fake := NewFakeChannel()
	ctrl := New("barber-1", fake, s.Status, WithPollInterval(10*time.Millisecond))

	ctrl.Close()
	assert.GreaterOrEqual(t, fake.DisconnectCalls(), 1)

	// Idempotent.
	ctrl.Close()
}
