package bridge

// State is the bridge's connection state toward the shared channel.
// Connecting -> Subscribed is the only path to steady-state delivery; any
// subscription loss moves the bridge to Reconnecting, where it retries with
// backoff until cancelled.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateSubscribed
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
