// Package coordinator tracks the run-level coordination state alongside the
// pipeline: which phase the run is in and which crafters are currently
// working. The pipeline drives phase transitions through its progress
// listener; the active-crafter set is maintained from bus events so the
// machine detects the end of a wave without polling.
package coordinator

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/atelier-dev/atelier/internal/common/errors"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/events"
	"github.com/atelier-dev/atelier/internal/events/bus"
	"github.com/atelier-dev/atelier/internal/model"
)

// State is one phase of a coordinated run.
type State string

const (
	// StatePlanning - the coordinator agent is producing the plan.
	StatePlanning State = "planning"
	// StateReady - tasks are registered and waiting for a wave.
	StateReady State = "ready"
	// StateExecuting - crafters are working on the current wave.
	StateExecuting State = "executing"
	// StateWaveComplete - every crafter of the wave has finished.
	StateWaveComplete State = "wave_complete"
	// StateVerifying - the verifier is judging the wave.
	StateVerifying State = "verifying"
	// StateCompleted - the run finished.
	StateCompleted State = "completed"
	// StateError - the run failed.
	StateError State = "error"
)

// transitions lists the legal moves out of each state. Completed and error
// are terminal. Error is reachable from anywhere and is not listed.
var transitions = map[State][]State{
	StatePlanning:     {StateReady, StateCompleted},
	StateReady:        {StateExecuting, StateCompleted},
	StateExecuting:    {StateWaveComplete, StateVerifying, StateCompleted},
	StateWaveComplete: {StateVerifying, StateExecuting, StateCompleted},
	StateVerifying:    {StateCompleted, StateExecuting},
	StateCompleted:    {},
	StateError:        {},
}

func legal(from, to State) bool {
	if to == StateError {
		return from != StateCompleted && from != StateError
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ChangeListener observes state transitions. Listeners run synchronously on
// the transitioning goroutine; a panic in one is contained and must not be
// relied on for control flow.
type ChangeListener func(from, to State)

// Machine is the coordination state machine for one workspace run. It is
// safe for concurrent use; bus callbacks and pipeline listeners feed it
// from different goroutines.
type Machine struct {
	workspaceID string
	logger      *logger.Logger

	mu        sync.Mutex
	state     State
	active    map[string]bool // live crafter agent ids
	errText   string
	listeners []ChangeListener

	sub bus.Subscription
}

// New creates a machine in the planning state and attaches it to the bus.
// Call Close to detach.
func New(workspaceID string, b bus.EventBus, log *logger.Logger) (*Machine, error) {
	m := &Machine{
		workspaceID: workspaceID,
		logger:      log.WithComponent("coordinator").WithWorkspaceID(workspaceID),
		state:       StatePlanning,
		active:      make(map[string]bool),
	}
	if b != nil {
		sub, err := b.Subscribe("coordinator-"+uuid.New().String(), m.onEvent)
		if err != nil {
			return nil, err
		}
		m.sub = sub
	}
	return m, nil
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ErrText returns the message captured when the machine entered the error
// state, empty otherwise.
func (m *Machine) ErrText() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errText
}

// ActiveCrafters returns the ids of crafters currently working, sorted for
// stable output.
func (m *Machine) ActiveCrafters() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OnChange registers a transition listener. Listeners registered after a
// transition do not see it retroactively.
func (m *Machine) OnChange(l ChangeListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Transition moves the machine to the requested state. Illegal moves are
// rejected; terminal states never change again.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !legal(from, to) {
		m.mu.Unlock()
		return apperrors.Invalidf("illegal transition %s -> %s", from, to)
	}
	m.state = to
	if to == StateExecuting {
		// A fresh wave starts with an empty crew; bus events repopulate it.
		m.active = make(map[string]bool)
	}
	ls := make([]ChangeListener, len(m.listeners))
	copy(ls, m.listeners)
	m.mu.Unlock()

	m.logger.Debug("coordination state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	for _, l := range ls {
		m.notify(l, from, to)
	}
	return nil
}

// Fail moves the machine to the error state and records the reason.
// Failing a terminal machine is a no-op.
func (m *Machine) Fail(reason string) {
	m.mu.Lock()
	if m.state == StateCompleted || m.state == StateError {
		m.mu.Unlock()
		return
	}
	m.errText = reason
	m.mu.Unlock()
	_ = m.Transition(StateError)
}

// Reset returns the machine to planning for a new run on the same
// workspace, clearing the crew and any recorded failure. The one move that
// may leave a terminal state; listeners observe it like a transition.
func (m *Machine) Reset() {
	m.mu.Lock()
	from := m.state
	if from == StatePlanning {
		m.mu.Unlock()
		return
	}
	m.state = StatePlanning
	m.errText = ""
	m.active = make(map[string]bool)
	ls := make([]ChangeListener, len(m.listeners))
	copy(ls, m.listeners)
	m.mu.Unlock()

	m.logger.Debug("coordination state reset", zap.String("from", string(from)))
	for _, l := range ls {
		m.notify(l, from, StatePlanning)
	}
}

// notify runs one listener with panic containment.
func (m *Machine) notify(l ChangeListener, from, to State) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("state change listener panicked",
				zap.String("to", string(to)),
				zap.Any("panic", r))
		}
	}()
	l(from, to)
}

// onEvent maintains the active-crafter set from bus traffic. A crafter
// created for this workspace joins the set; its completion leaves it, and
// when the last one leaves during execution the wave is complete.
func (m *Machine) onEvent(ctx context.Context, ev *events.Event) error {
	if ev.WorkspaceID != m.workspaceID || ev.Role != string(model.RoleCrafter) {
		return nil
	}
	switch ev.Type {
	case events.AgentCreated:
		m.mu.Lock()
		m.active[ev.AgentID] = true
		m.mu.Unlock()
	case events.AgentCompleted:
		m.mu.Lock()
		delete(m.active, ev.AgentID)
		drained := len(m.active) == 0 && m.state == StateExecuting
		m.mu.Unlock()
		if drained {
			_ = m.Transition(StateWaveComplete)
		}
	}
	return nil
}

// Close detaches the machine from the bus. The state remains readable.
func (m *Machine) Close() {
	if m.sub != nil {
		if err := m.sub.Unsubscribe(); err != nil {
			m.logger.WithError(err).Warn("failed to unsubscribe coordinator machine")
		}
		m.sub = nil
	}
}
