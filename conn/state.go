// Package conn implements the per-connection reliability and ordering
// state machine of spec.md §4.4: one Connection per (peerIp, peerPort),
// owning its reliable-send queue, out-of-order buffer, fragment
// assembler, replay window, and RTT estimator.
package conn

import "fmt"

// State is a connection's position in the spec.md §4.4 lifecycle.
type State uint8

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// transitions enumerates the legal moves; anything else is rejected by
// Connection.transition.
var transitions = map[State]map[State]bool{
	Disconnected:  {Connecting: true},
	Connecting:    {Connected: true, Disconnecting: true},
	Connected:     {Disconnecting: true},
	Disconnecting: {Disconnected: true},
}

func (s State) canTransitionTo(next State) bool {
	return transitions[s][next]
}
