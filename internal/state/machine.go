package state

import (
	"context"
	"sync"

	"github.com/qmuntal/stateless"
)

// TransitionCallback is called when a state transition occurs.
type TransitionCallback func(ctx context.Context, from, to State, trigger Trigger)

// Machine wraps the stateless state machine with session-lifecycle behavior.
//
// Every trigger is accepted from every state: the gateway is authoritative
// about the session, so an inbound event always wins over whatever the local
// state happens to be. Self-transitions (a fresh QR while already connecting,
// a repeated disconnect) are configured as reentries so callbacks still fire.
type Machine struct {
	sm          *stateless.StateMachine
	callbacks   []TransitionCallback
	callbacksMu sync.RWMutex
}

// NewMachine creates a state machine starting in the given state.
// An unknown initial state falls back to Disconnected.
func NewMachine(initial State) *Machine {
	if !initial.Valid() {
		initial = StateDisconnected
	}

	m := &Machine{
		callbacks: make([]TransitionCallback, 0),
	}

	sm := stateless.NewStateMachine(initial)

	sm.Configure(StateDisconnected).
		Permit(TriggerQRUpdated, StateConnecting).
		Permit(TriggerInstanceConnected, StateConnected).
		Permit(TriggerConnectionError, StateError).
		PermitReentry(TriggerInstanceDisconnected).
		PermitReentry(TriggerDisconnect)

	sm.Configure(StateConnecting).
		PermitReentry(TriggerQRUpdated).
		Permit(TriggerInstanceConnected, StateConnected).
		Permit(TriggerInstanceDisconnected, StateDisconnected).
		Permit(TriggerConnectionError, StateError).
		Permit(TriggerDisconnect, StateDisconnected)

	sm.Configure(StateConnected).
		Permit(TriggerQRUpdated, StateConnecting).
		PermitReentry(TriggerInstanceConnected).
		Permit(TriggerInstanceDisconnected, StateDisconnected).
		Permit(TriggerConnectionError, StateError).
		Permit(TriggerDisconnect, StateDisconnected)

	sm.Configure(StateError).
		Permit(TriggerQRUpdated, StateConnecting).
		Permit(TriggerInstanceConnected, StateConnected).
		Permit(TriggerInstanceDisconnected, StateDisconnected).
		PermitReentry(TriggerConnectionError).
		Permit(TriggerDisconnect, StateDisconnected)

	sm.OnTransitioned(func(ctx context.Context, t stateless.Transition) {
		m.callbacksMu.RLock()
		callbacks := make([]TransitionCallback, len(m.callbacks))
		copy(callbacks, m.callbacks)
		m.callbacksMu.RUnlock()

		from := t.Source.(State)
		to := t.Destination.(State)
		trigger := t.Trigger.(Trigger)

		for _, cb := range callbacks {
			cb(ctx, from, to, trigger)
		}
	})

	m.sm = sm
	return m
}

// State returns the current state.
func (m *Machine) State(ctx context.Context) (State, error) {
	state, err := m.sm.State(ctx)
	if err != nil {
		return "", err
	}
	return state.(State), nil
}

// Fire triggers a state transition.
func (m *Machine) Fire(ctx context.Context, trigger Trigger, args ...any) error {
	return m.sm.FireCtx(ctx, trigger, args...)
}

// CanFire returns true if the trigger can be fired from the current state.
func (m *Machine) CanFire(ctx context.Context, trigger Trigger, args ...any) (bool, error) {
	return m.sm.CanFireCtx(ctx, trigger, args...)
}

// IsInState returns true if the machine is in the specified state.
func (m *Machine) IsInState(ctx context.Context, state State) (bool, error) {
	currentState, err := m.State(ctx)
	if err != nil {
		return false, err
	}
	return currentState == state, nil
}

// OnTransition registers a callback to be called on state transitions.
func (m *Machine) OnTransition(cb TransitionCallback) {
	m.callbacksMu.Lock()
	defer m.callbacksMu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// MustState returns the current state, panicking on error.
func (m *Machine) MustState() State {
	state, err := m.State(context.Background())
	if err != nil {
		panic(err)
	}
	return state
}
