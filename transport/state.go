package transport

// ConnState is the lifecycle state of one transport connection. It is
// mutated only by its owning transport and exposed read-only.
type ConnState int

const (
	StatePreparing ConnState = iota
	StateDisconnected
	StateConnecting
	StateConnected
	StateFailed
	StateCancelled
	StateManualDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StatePreparing:
		return "preparing"
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	case StateManualDisconnected:
		return "manual_disconnected"
	default:
		return "unknown"
	}
}
