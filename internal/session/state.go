package session

// ConnState is the connection-level state of a [Session].
//
//	Disconnected → Connecting → Connected → (Disconnected | Failed)
//
// Failed and Disconnected both loop back to Connecting after the
// reconnect delay.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}
