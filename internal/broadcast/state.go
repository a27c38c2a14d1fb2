package broadcast

// State is the broadcast connection state machine. Error is
// reachable from any state and is only left by a new Setup or an
// explicit restart.
type State int

const (
	StateInvalid State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateInvalid:
		return "invalid"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Stats is a periodic snapshot of the outgoing connection.
type Stats struct {
	MeasuredBitrate    int     `json:"measuredBitrate"`
	RecommendedBitrate int     `json:"recommendedBitrate"`
	Quality            string  `json:"quality"`
	NetworkHealth      float64 `json:"networkHealth"`
}
