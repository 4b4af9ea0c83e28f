// Package link tracks the state of the anonymized transport connection.
package link

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/anomess/internal/bus"
)

// EventStatusChanged is published on every successful transition.
const EventStatusChanged = "link.status_changed"

// State is the connection state of the transport.
type State string

const (
	Offline    State = "OFFLINE"
	Starting   State = "STARTING"
	Online     State = "ONLINE"
	Restarting State = "RESTARTING"
	Error      State = "ERROR"
)

var validTransitions = map[State][]State{
	Offline:    {Starting, Error},
	Starting:   {Online, Offline, Error},
	Online:     {Restarting, Offline, Error},
	Restarting: {Starting, Offline, Error},
	Error:      {Offline},
}

// Machine tracks and enforces link state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine in the Offline state. b may be nil.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Offline,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Online reports whether messages can be handed to the transport right now.
func (m *Machine) Online() bool {
	return m.Current() == Online
}

// Transition moves to a new state. Returns an error if the move is not allowed.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid link transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:    EventStatusChanged,
			Payload: Change{From: from, To: to},
		})
	}
	return nil
}

// Change is the payload of EventStatusChanged.
type Change struct {
	From State
	To   State
}
