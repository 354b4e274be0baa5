package pool

// State is the lifecycle state of one provider connection.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// validTransitions is the full transition table. Anything not listed is
// rejected, which keeps impossible states (e.g. FAILED with a live socket)
// unrepresentable.
var validTransitions = map[State][]State{
	StateDisconnected: {StateConnecting, StateReconnecting},
	StateConnecting:   {StateConnected, StateDisconnected, StateFailed},
	StateConnected:    {StateDisconnected, StateReconnecting, StateFailed},
	StateReconnecting: {StateConnected, StateDisconnected, StateFailed},
	StateFailed:       {StateConnecting, StateDisconnected},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
