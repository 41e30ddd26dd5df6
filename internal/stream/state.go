package stream

// State is the connection state of a subscription. Only the subscription's
// run loop changes it.
type State int

const (
	StateConnecting State = iota + 1
	StateOpen
	StateClosedRetrying
	StateClosedFatal
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosedRetrying:
		return "closed-retrying"
	case StateClosedFatal:
		return "closed-fatal"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateClosedFatal
}
