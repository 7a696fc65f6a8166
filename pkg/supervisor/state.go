package supervisor

// State is the supervisor's public lifecycle state.
type State int

const (
	StateIdle State = iota
	StateAuthenticating
	StateConnecting
	StateStreaming
	StateStopping
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateConnecting:
		return "CONNECTING"
	case StateStreaming:
		return "STREAMING"
	case StateStopping:
		return "STOPPING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
