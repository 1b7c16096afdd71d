// Package controller owns the per-tenant WhatsApp connection lifecycle: it
// drives the session state machine from gateway envelopes and admin commands,
// persists every transition, and exposes the status to the HTTP surface.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/barberdesk/whatsapp-connect/internal/channel"
	"github.com/barberdesk/whatsapp-connect/internal/health"
	"github.com/barberdesk/whatsapp-connect/internal/state"
	"github.com/barberdesk/whatsapp-connect/internal/status"
	"github.com/barberdesk/whatsapp-connect/internal/store"
)

// Option configures a Controller.
type Option func(*Controller)

// WithPollInterval sets the interval of the transport-flag poll.
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) { c.pollInterval = d }
}

// WithErrorClearAfter sets how long a transient disconnect reason stays
// visible before it is cleared.
func WithErrorClearAfter(d time.Duration) Option {
	return func(c *Controller) { c.errClearAfter = d }
}

// WithLogger sets the base logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) { c.log = log }
}

// WithMonitor attaches the health monitor counters.
func WithMonitor(m *health.Monitor) Option {
	return func(c *Controller) { c.monitor = m }
}

// Controller is the connection controller for one tenant. The in-memory
// status is authoritative for the session; the store is an optimization
// that lets the status survive restarts.
type Controller struct {
	tenantID string
	ch       channel.Channel
	repo     store.StatusRepository
	machine  *state.Machine
	log      *slog.Logger
	monitor  *health.Monitor

	pollInterval  time.Duration
	errClearAfter time.Duration

	mu       sync.Mutex
	status   status.ConnectionStatus
	errTimer *time.Timer

	channelConnected atomic.Bool
	pendingSend      atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a controller for a tenant, loads any persisted status, opens
// the channel and starts the transport-flag poll.
func New(tenantID string, ch channel.Channel, repo store.StatusRepository, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Controller{
		tenantID:      tenantID,
		ch:            ch,
		repo:          repo,
		log:           slog.Default(),
		pollInterval:  5 * time.Second,
		errClearAfter: 5 * time.Second,
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "controller", "tenant", tenantID)

	// Restore the last known status; a missing or unparsable record means
	// we start from scratch.
	st, err := repo.Load(ctx, tenantID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			c.log.Error("failed to load persisted status", "error", err)
		}
		st = status.Default()
	}
	c.status = st
	c.machine = state.NewMachine(st.State)

	c.machine.OnTransition(func(ctx context.Context, from, to state.State, trigger state.Trigger) {
		c.log.Info("state transition", "from", from, "to", to, "trigger", trigger)
		if err := c.repo.LogTransition(ctx, c.tenantID, from, to, string(trigger)); err != nil {
			c.log.Error("failed to log transition", "error", err)
		}
	})

	c.ch.OnMessage(c.handleEnvelope)
	c.ch.Connect()

	c.wg.Add(1)
	go c.pollConnectionFlag()

	return c
}

// TenantID returns the tenant this controller belongs to.
func (c *Controller) TenantID() string {
	return c.tenantID
}

// Status returns a snapshot of the current connection status.
func (c *Controller) Status() status.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// IsChannelConnected reports the transport-level flag as of the last poll.
// This is orthogonal to Status().State: the transport can be up while the
// WhatsApp session is disconnected, and vice versa.
func (c *Controller) IsChannelConnected() bool {
	return c.channelConnected.Load()
}

// LastError returns the currently surfaced error text, empty when none.
func (c *Controller) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status.ErrorMessage
}

// Transitions returns the most recent transitions for this tenant.
func (c *Controller) Transitions(ctx context.Context, limit int) ([]store.Transition, error) {
	return c.repo.Transitions(ctx, c.tenantID, limit)
}

// pendingCommandTimeout bounds how long a pairing request waits for the
// transport to come up before it is dropped.
const pendingCommandTimeout = 30 * time.Second

// RequestConnection asks the gateway to start a new pairing. The state does
// not change here; it moves to connecting once a qr_code_updated arrives.
// The transport dial is asynchronous, so a request issued right after the
// channel was opened is held until the transport is up instead of being
// dropped into the cold-start window. No-op when the tenant id is empty.
func (c *Controller) RequestConnection() {
	if c.tenantID == "" {
		return
	}

	// Kick the transport in case it gave up reconnecting earlier.
	c.ch.Connect()

	if c.ch.IsConnected() {
		c.send(channel.TypeRequestConnection)
		return
	}

	if !c.pendingSend.CompareAndSwap(false, true) {
		return
	}
	c.wg.Add(1)
	go c.deliverWhenUp(channel.TypeRequestConnection)
}

// deliverWhenUp sends the command once the transport flag comes up, giving
// up after pendingCommandTimeout. An explicit Disconnect withdraws the
// pending command.
func (c *Controller) deliverWhenUp(t channel.MessageType) {
	defer c.wg.Done()
	defer c.pendingSend.Store(false)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.NewTimer(pendingCommandTimeout)
	defer deadline.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-deadline.C:
			c.log.Warn("outbound command dropped, transport never came up", "type", t)
			if c.monitor != nil {
				c.monitor.RecordMessageDropped()
			}
			return
		case <-ticker.C:
			if !c.pendingSend.Load() {
				return
			}
			if c.ch.IsConnected() {
				c.send(t)
				return
			}
		}
	}
}

// Disconnect ends the session locally right away, telling the gateway when
// the channel is up. It never waits for a server acknowledgment. No-op when
// the tenant id is empty.
func (c *Controller) Disconnect() {
	if c.tenantID == "" {
		return
	}

	// Withdraw any pairing request still waiting for the transport.
	c.pendingSend.Store(false)

	if c.ch.IsConnected() {
		c.send(channel.TypeDisconnect)
	}

	c.apply(state.TriggerDisconnect, func(s *status.ConnectionStatus) {
		s.State = state.StateDisconnected
		s.QRCode = ""
		s.ErrorMessage = ""
	})
}

// Reconnect clears any surfaced error text and re-opens the transport. It
// operates at the channel layer only and never changes the session state.
func (c *Controller) Reconnect() {
	c.mu.Lock()
	if c.errTimer != nil {
		c.errTimer.Stop()
		c.errTimer = nil
	}
	changed := c.status.ErrorMessage != ""
	if changed {
		c.status.ErrorMessage = ""
		c.status.LastUpdate = time.Now()
	}
	snap := c.status
	c.mu.Unlock()

	if changed {
		c.persist(snap)
	}
	c.ch.Connect()
}

// Close stops the poll and error timers and closes the channel. The error
// timer goes first so it cannot fire into an already-canceled context.
func (c *Controller) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.errTimer != nil {
			c.errTimer.Stop()
			c.errTimer = nil
		}
		c.mu.Unlock()
		c.cancel()
		c.ch.Disconnect()
		c.wg.Wait()
	})
}

func (c *Controller) send(t channel.MessageType) {
	env, err := channel.NewEnvelope(t, c.tenantID, nil)
	if err != nil {
		c.log.Error("failed to build envelope", "type", t, "error", err)
		return
	}
	if err := c.ch.Send(env); err != nil {
		// Dropped, not queued. The console checks the channel flag before
		// treating a command as delivered.
		c.log.Warn("outbound command dropped, transport down", "type", t, "error", err)
		if c.monitor != nil {
			c.monitor.RecordMessageDropped()
		}
		return
	}
	if c.monitor != nil {
		c.monitor.RecordMessageSent()
	}
}

func (c *Controller) handleEnvelope(env channel.Envelope) {
	if c.monitor != nil {
		c.monitor.RecordMessageReceived()
	}

	switch env.Type {
	case channel.TypeQRCodeUpdated:
		var p channel.QRCodePayload
		if err := decode(env.Data, &p); err != nil || p.QRCode == "" {
			c.drop(env, err)
			return
		}
		c.apply(state.TriggerQRUpdated, func(s *status.ConnectionStatus) {
			s.State = state.StateConnecting
			s.QRCode = p.QRCode
			if p.InstanceID != "" {
				s.InstanceID = p.InstanceID
			}
			s.ErrorMessage = ""
		})

	case channel.TypeInstanceConnected:
		var p channel.InstancePayload
		if err := decode(env.Data, &p); err != nil {
			c.drop(env, err)
			return
		}
		c.apply(state.TriggerInstanceConnected, func(s *status.ConnectionStatus) {
			s.State = state.StateConnected
			s.QRCode = ""
			s.ErrorMessage = ""
			if p.InstanceID != "" {
				s.InstanceID = p.InstanceID
			}
		})

	case channel.TypeInstanceDisconnected:
		var p channel.DisconnectedPayload
		if err := decode(env.Data, &p); err != nil {
			c.drop(env, err)
			return
		}
		c.apply(state.TriggerInstanceDisconnected, func(s *status.ConnectionStatus) {
			s.State = state.StateDisconnected
			s.QRCode = ""
			s.ErrorMessage = p.Reason
		})
		if p.Reason != "" {
			c.scheduleErrorClear(p.Reason)
		}

	case channel.TypeConnectionError:
		var p channel.ErrorPayload
		if err := decode(env.Data, &p); err != nil {
			c.drop(env, err)
			return
		}
		msg := p.Error
		if msg == "" {
			msg = "gateway reported a connection error"
		}
		c.apply(state.TriggerConnectionError, func(s *status.ConnectionStatus) {
			s.State = state.StateError
			s.QRCode = ""
			s.ErrorMessage = msg
		})

	case channel.TypeConnectionStatus:
		// Transport heartbeat: refreshes the channel flag only, never the
		// session state.
		var p channel.StatusPayload
		if err := decode(env.Data, &p); err != nil {
			c.drop(env, err)
			return
		}
		if p.Status == channel.StatusConnected {
			c.channelConnected.Store(true)
		}

	default:
		c.drop(env, nil)
	}
}

// apply fires the trigger, mutates the status under the lock and persists
// the snapshot. Transitions run to completion one at a time; inbound
// envelopes arrive in transport order on a single goroutine.
func (c *Controller) apply(trigger state.Trigger, mutate func(*status.ConnectionStatus)) {
	c.mu.Lock()
	if err := c.machine.Fire(c.ctx, trigger); err != nil {
		c.mu.Unlock()
		c.log.Error("state transition rejected", "trigger", trigger, "error", err)
		return
	}
	mutate(&c.status)
	c.status.LastUpdate = time.Now()
	snap := c.status
	c.mu.Unlock()

	c.persist(snap)
}

// persist is best-effort: a write failure is logged and swallowed, the
// in-memory status stays authoritative for this session.
func (c *Controller) persist(snap status.ConnectionStatus) {
	if err := c.repo.Save(c.ctx, c.tenantID, snap); err != nil {
		c.log.Error("failed to persist status", "error", err)
	}
}

// scheduleErrorClear wipes a transient disconnect reason after the
// configured delay, unless the message changed in the meantime. The session
// state is left alone.
func (c *Controller) scheduleErrorClear(msg string) {
	c.mu.Lock()
	if c.errTimer != nil {
		c.errTimer.Stop()
	}
	c.errTimer = time.AfterFunc(c.errClearAfter, func() {
		if c.ctx.Err() != nil {
			return
		}
		c.mu.Lock()
		if c.status.ErrorMessage != msg {
			c.mu.Unlock()
			return
		}
		c.status.ErrorMessage = ""
		c.status.LastUpdate = time.Now()
		snap := c.status
		c.mu.Unlock()
		c.persist(snap)
	})
	c.mu.Unlock()
}

func (c *Controller) drop(env channel.Envelope, err error) {
	c.log.Debug("dropping unusable envelope", "type", env.Type, "error", err)
}

// pollConnectionFlag refreshes the transport flag on a fixed interval; the
// channel exposes no connectivity-changed event, so observers get the flag
// at poll granularity.
func (c *Controller) pollConnectionFlag() {
	defer c.wg.Done()

	c.channelConnected.Store(c.ch.IsConnected())

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.channelConnected.Store(c.ch.IsConnected())
		case <-c.ctx.Done():
			return
		}
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
