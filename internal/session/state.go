package session

import "fmt"

// State is the connection state of the platform session.
type State int

const (
	Created State = iota
	Initializing
	AwaitingAuth
	Authenticated
	Ready
	Disconnected
	Error
)

var stateNames = [...]string{
	Created:       "created",
	Initializing:  "initializing",
	AwaitingAuth:  "awaiting_auth",
	Authenticated: "authenticated",
	Ready:         "ready",
	Disconnected:  "disconnected",
	Error:         "error",
}

// States lists every state in order.
func States() []State {
	out := make([]State, len(stateNames))
	for i := range stateNames {
		out[i] = State(i)
	}
	return out
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// MarshalText renders the state by name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("session: unknown state %q", b)
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == Disconnected || s == Error
}

// transitions is the complete table of allowed moves. Error is reachable
// from every non-terminal state and is added by CanTransition.
var transitions = map[State][]State{
	Created:       {Initializing},
	Initializing:  {AwaitingAuth, Authenticated},
	AwaitingAuth:  {AwaitingAuth, Authenticated},
	Authenticated: {Ready},
	Ready:         {Disconnected},
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Error {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
