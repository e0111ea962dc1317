package syncer

// State is the connection state of a Coordinator.
type State int

const (
	// Disconnected: no connection; waiting out a backoff delay or stopped.
	Disconnected State = iota
	// Connecting: dialing the authority.
	Connecting
	// Reconciling: catching up after connect, or resolving a rejection.
	Reconciling
	// Connected: draining the outbox.
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Reconciling:
		return "reconciling"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// Status is reported to the status callback on every state transition,
// when sync becomes degraded and when it halts.
type Status struct {
	State State
	// Degraded is set once consecutive connection failures exhaust the
	// retry budget. Retries continue; it clears on the next successful
	// connect.
	Degraded bool
	// Halted is set after a local storage failure. Nothing is retried
	// until Reconnect.
	Halted bool
	// LastError is the most recent transport or storage failure, if any.
	LastError error
	// Pending is the number of outbox records awaiting acknowledgement.
	Pending int
}

// StatusFunc receives status reports. It runs on the sync goroutine and
// must not block.
type StatusFunc func(Status)
