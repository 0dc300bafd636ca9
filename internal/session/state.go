package session

// State is a step of the session lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Handshaking
	Joining
	Joined
	Negotiating
	Closing
	Closed
)

var stateNames = [...]string{
	Disconnected: "disconnected",
	Connecting:   "connecting",
	Handshaking:  "handshaking",
	Joining:      "joining",
	Joined:       "joined",
	Negotiating:  "negotiating",
	Closing:      "closing",
	Closed:       "closed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// allowed reports whether the lifecycle may move from s to next. Only
// Negotiating may go back, to Joined, once a round completes.
func (s State) allowed(next State) bool {
	switch {
	case s == Closed:
		return false
	case next == Closing:
		return s != Closing
	case next == Closed:
		return s == Closing
	case s == Negotiating && next == Joined:
		return true
	default:
		return next > s && s < Closing
	}
}
