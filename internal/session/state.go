package session

import (
	"fmt"
	"slices"
)

// State is the authentication state of the single active session.
type State string

const (
	Anonymous     State = "ANONYMOUS"
	Authenticated State = "AUTHENTICATED"
)

// validTransitions defines allowed state transitions. Signing in while
// already authenticated replaces the session.
var validTransitions = map[State][]State{
	Anonymous:     {Authenticated},
	Authenticated: {Anonymous, Authenticated},
}

func checkTransition(from, to State) error {
	if !slices.Contains(validTransitions[from], to) {
		return fmt.Errorf("invalid session transition from %s to %s", from, to)
	}
	return nil
}

// StatusChange is the payload for session events.
type StatusChange struct {
	From     State
	To       State
	Identity string
}
