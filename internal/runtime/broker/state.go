package broker

// State is the connectivity state of the broker connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
	// StateFailed is terminal: the attempt ceiling was reached.
	StateFailed
)

var stateNames = [...]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateClosing:      "closing",
	StateClosed:       "closed",
	StateFailed:       "failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// States lists every state in declaration order.
func States() []State {
	return []State{StateDisconnected, StateConnecting, StateConnected, StateClosing, StateClosed, StateFailed}
}

// allows reports whether the transition from s to next is legal. Once the
// supervisor starts closing only the final Closed state may follow.
func (s State) allows(next State) bool {
	switch s {
	case StateClosing:
		return next == StateClosed
	case StateClosed:
		return false
	case StateFailed:
		return next == StateClosing || next == StateClosed
	}
	return true
}
