package status

import (
	"testing"

	"github.com/duetchat/duet/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Disconnected {
		t.Errorf("initial state = %s, want DISCONNECTED", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Disconnected, Connecting},
		{Connecting, Authenticating},
		{Connecting, Disconnected},
		{Authenticating, Connected},
		{Authenticating, Errored},
		{Connected, Disconnected},
		{Errored, Connecting},
		{Errored, Disconnected},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransitionLeavesStateUnchanged(t *testing.T) {
	m := NewMachine(nil)
	if err := m.Transition(Connected); err == nil {
		t.Error("Transition(DISCONNECTED -> CONNECTED) should fail")
	}
	if m.Current() != Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", m.Current())
	}
}

// TestAuthRejectionDoesNotRetry verifies that a credential rejection parks
// the machine in ERRORED rather than cycling back through CONNECTING on its
// own: the only legal exits are an explicit reconnect or teardown.
func TestAuthRejectionDoesNotRetry(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Authenticating)

	if err := m.Transition(Errored); err != nil {
		t.Fatal(err)
	}
	if err := m.Transition(Connected); err == nil {
		t.Error("Transition(ERRORED -> CONNECTED) should fail")
	}
	if err := m.Transition(Connecting); err != nil {
		t.Errorf("explicit reconnect from ERRORED should be allowed: %v", err)
	}
}

// TestFullConnectLifecycle walks the happy path:
// DISCONNECTED → CONNECTING → AUTHENTICATING → CONNECTED → DISCONNECTED.
func TestFullConnectLifecycle(t *testing.T) {
	m := NewMachine(nil)
	for _, s := range []State{Connecting, Authenticating, Connected, Disconnected} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if m.Current() != Disconnected {
		t.Errorf("final state = %s, want DISCONNECTED", m.Current())
	}
}

// TestReconnectCycle verifies a drop mid-session can dial again.
func TestReconnectCycle(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Connected)

	for _, s := range []State{Disconnected, Connecting, Authenticating, Connected} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Connecting); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.KindConnStateChanged {
		t.Errorf("event kind = %q, want %q", evt.Kind, bus.KindConnStateChanged)
	}
	change, ok := evt.Payload.(Change)
	if !ok {
		t.Fatalf("payload type = %T, want Change", evt.Payload)
	}
	if change.From != Disconnected || change.To != Connecting {
		t.Errorf("change = %v -> %v, want DISCONNECTED -> CONNECTING", change.From, change.To)
	}
}

func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Disconnected:   {},
		Connecting:     {Connecting},
		Authenticating: {Connecting, Authenticating},
		Connected:      {Connecting, Authenticating, Connected},
		Errored:        {Connecting, Authenticating, Errored},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
