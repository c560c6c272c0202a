package rabbitmq

// State is a lifecycle state of a LifecycleManager
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateChannelOpening
	StateTopologySetup
	StateReady
	StateReconnectWait
	StateClosing
	StateClosed
)

// String returns a string representation of the state
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateChannelOpening:
		return "channel_opening"
	case StateTopologySetup:
		return "topology_setup"
	case StateReady:
		return "ready"
	case StateReconnectWait:
		return "reconnect_wait"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateClosed
}

// Session describes the channel generation that became ready.
type Session struct {
	// Generation increases by one every time the manager reaches ready.
	Generation uint64
	// ReplyQueue is the broker-generated exclusive queue (caller role only).
	ReplyQueue string
	// ConsumeQueue is the queue the delivery handler consumes from.
	ConsumeQueue string
}

// StateListener receives readiness transitions. Callbacks run on the
// event-delivery goroutine and must return quickly.
type StateListener interface {
	OnReady(session Session)
	OnUnready(err error)
}
