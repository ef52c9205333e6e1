package rcon_test

import (
	"errors"
	"testing"

	"github.com/dantte-lp/gorcon/rcon"
)

// -------------------------------------------------------------------------
// TestStateString — enum naming
// -------------------------------------------------------------------------

func TestStateString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state rcon.State
		want  string
	}{
		{rcon.StateDisconnected, "Disconnected"},
		{rcon.StateConnecting, "Connecting"},
		{rcon.StateConnected, "Connected"},
		{rcon.StateAuthenticating, "Authenticating"},
		{rcon.StateAuthenticated, "Authenticated"},
		{rcon.StateError, "Error"},
		{rcon.State(99), "Unknown(99)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

// -------------------------------------------------------------------------
// TestMachineLifecycle — the full happy path emits every transition
// -------------------------------------------------------------------------

func TestMachineLifecycle(t *testing.T) {
	t.Parallel()

	m := rcon.NewMachine()
	if got := m.State(); got != rcon.StateDisconnected {
		t.Fatalf("initial state = %s, want Disconnected", got)
	}

	type change struct {
		newState, oldState rcon.State
	}
	var changes []change
	m.OnStateChange(func(newState, oldState rcon.State) {
		changes = append(changes, change{newState, oldState})
	})

	path := []rcon.State{
		rcon.StateConnecting,
		rcon.StateConnected,
		rcon.StateAuthenticating,
		rcon.StateAuthenticated,
		rcon.StateDisconnected,
	}
	for _, s := range path {
		m.Transition(s)
		if got := m.State(); got != s {
			t.Fatalf("after Transition(%s): state = %s", s, got)
		}
	}

	if len(changes) != len(path) {
		t.Fatalf("got %d state_change events, want %d", len(changes), len(path))
	}
	prev := rcon.StateDisconnected
	for i, s := range path {
		if changes[i].newState != s || changes[i].oldState != prev {
			t.Errorf("change[%d] = (%s, %s), want (%s, %s)",
				i, changes[i].newState, changes[i].oldState, s, prev)
		}
		prev = s
	}
}

// -------------------------------------------------------------------------
// TestMachineErrorPath — Error is only left via teardown
// -------------------------------------------------------------------------

func TestMachineErrorPath(t *testing.T) {
	t.Parallel()

	m := rcon.NewMachine()
	m.Transition(rcon.StateConnecting)
	m.Transition(rcon.StateConnected)
	m.Transition(rcon.StateError)

	if got := m.State(); got != rcon.StateError {
		t.Fatalf("state = %s, want Error", got)
	}

	m.Transition(rcon.StateDisconnected)
	if got := m.State(); got != rcon.StateDisconnected {
		t.Fatalf("state = %s, want Disconnected", got)
	}
}

// TestMachineIllegalTransition verifies that a lifecycle violation is a
// programmer error: it panics instead of being reported at runtime.
func TestMachineIllegalTransition(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		prep []rcon.State
		to   rcon.State
	}{
		{"disconnected to authenticated", nil, rcon.StateAuthenticated},
		{"disconnected to disconnected", nil, rcon.StateDisconnected},
		{"error to connecting", []rcon.State{rcon.StateConnecting, rcon.StateError}, rcon.StateConnecting},
		{"authenticated to connecting", []rcon.State{
			rcon.StateConnecting, rcon.StateConnected,
			rcon.StateAuthenticating, rcon.StateAuthenticated,
		}, rcon.StateConnecting},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			m := rcon.NewMachine()
			for _, s := range tt.prep {
				m.Transition(s)
			}

			defer func() {
				if recover() == nil {
					t.Errorf("Transition(%s) did not panic", tt.to)
				}
			}()
			m.Transition(tt.to)
		})
	}
}

// -------------------------------------------------------------------------
// TestMachineEvents — listener registries fire with their payloads
// -------------------------------------------------------------------------

func TestMachineEvents(t *testing.T) {
	t.Parallel()

	m := rcon.NewMachine()

	var (
		authCount int
		discCount int
		hadError  bool
		gotErr    error
	)
	m.OnAuthenticated(func() { authCount++ })
	m.OnDisconnected(func() { discCount++ })
	m.OnClose(func(he bool) { hadError = he })
	m.OnError(func(err error) { gotErr = err })

	m.EmitAuthenticated()
	m.EmitDisconnected()
	m.EmitClose(true)
	wantErr := errors.New("boom")
	m.EmitError(wantErr)

	if authCount != 1 || discCount != 1 {
		t.Errorf("auth=%d disc=%d, want 1 and 1", authCount, discCount)
	}
	if !hadError {
		t.Error("close listener did not receive hadError=true")
	}
	if !errors.Is(gotErr, wantErr) {
		t.Errorf("error listener got %v, want %v", gotErr, wantErr)
	}
}
