package chainsync

// State is the synchronizer lifecycle stage.
type State int32

const (
	StateUninitialized State = iota
	StateBootstrapping
	StateCatchingUp
	StateLive
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateBootstrapping:
		return "bootstrapping"
	case StateCatchingUp:
		return "catching_up"
	case StateLive:
		return "live"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}
