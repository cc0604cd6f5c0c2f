package bridge

// State is the lifecycle state of a Session.
type State int32

const (
	Uninitialized State = iota
	Connecting
	Authenticating
	Interactive
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Interactive:
		return "interactive"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// transitions lists the legal successors of each state. Closed has none.
var transitions = map[State][]State{
	Uninitialized:  {Connecting, Closed},
	Connecting:     {Authenticating, Closed},
	Authenticating: {Interactive, Closed},
	Interactive:    {Closing},
	Closing:        {Closed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
