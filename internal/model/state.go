// internal/model/state.go
package model

// ConnectionState represents where a supervised connection is in its lifecycle
type ConnectionState string

const (
	StateClosed         ConnectionState = "CLOSED"
	StateOpening        ConnectionState = "OPENING"
	StateOpenUnverified ConnectionState = "OPEN_UNVERIFIED"
	StateReady          ConnectionState = "READY"
	StateFailed         ConnectionState = "FAILED"
)

var transitions = map[ConnectionState][]ConnectionState{
	StateClosed:         {StateOpening},
	StateOpening:        {StateOpenUnverified, StateOpening, StateFailed, StateClosed},
	StateOpenUnverified: {StateReady, StateOpening, StateFailed, StateClosed},
	StateReady:          {StateOpening, StateClosed},
	StateFailed:         nil,
}

func (s ConnectionState) String() string {
	return string(s)
}

// IsTerminal reports whether no automatic transition leaves this state
func (s ConnectionState) IsTerminal() bool {
	return s == StateFailed
}

// CanTransition reports whether moving from s to next is a legal transition.
// Any non-terminal state may fall back to Closed on disposal.
func (s ConnectionState) CanTransition(next ConnectionState) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AllowsIO reports whether the transport may be read or written in this state
func (s ConnectionState) AllowsIO() bool {
	return s == StateOpenUnverified || s == StateReady
}
