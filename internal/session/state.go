package session

// State is the lifecycle of one bridged call. Transitions only move forward.
type State int32

const (
	StateDialing State = iota
	StateConnecting
	StateActive
	StateClosing
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDialing:
		return "DIALING"
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateClosing:
		return "CLOSING"
	case StateCompleted:
		return "COMPLETED"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// canMove reports whether from -> to is a forward transition. Any
// non-terminal state may fail directly.
func canMove(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	return to > from && to != StateFailed
}
