package negotiate

// State is the lifecycle of one call attempt.
//
// Idle -> Negotiating -> Connected -> Closed, with Failed reachable from
// Negotiating and Connected. Closed and Failed are terminal.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateConnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	return s == StateFailed || s == StateClosed
}
