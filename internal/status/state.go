// Package status owns the push-transport connection state. The transport
// manager is the only writer; everything else observes through Current or
// conn.state_changed bus events.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/duetchat/duet/internal/bus"
)

// State is a connection lifecycle state.
type State string

const (
	Disconnected   State = "DISCONNECTED"
	Connecting     State = "CONNECTING"
	Authenticating State = "AUTHENTICATING"
	Connected      State = "CONNECTED"
	Errored        State = "ERRORED"
)

// validTransitions defines the allowed edges. Every state may fall back to
// Disconnected so teardown is legal at any point; Errored is reached only
// from Authenticating (credential rejection) and left only by an explicit
// reconnect once the caller has refreshed the session.
var validTransitions = map[State][]State{
	Disconnected:   {Connecting},
	Connecting:     {Authenticating, Disconnected},
	Authenticating: {Connected, Errored, Disconnected},
	Connected:      {Disconnected},
	Errored:        {Connecting, Disconnected},
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine starting in Disconnected.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Disconnected, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns an error if the edge
// is not in validTransitions; the state is left unchanged in that case.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !slices.Contains(validTransitions[m.current], to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.KindConnStateChanged,
			Timestamp: time.Now(),
			Payload:   Change{From: from, To: to},
		})
	}
	return nil
}

// Change is the payload for conn.state_changed events.
type Change struct {
	From State
	To   State
}
