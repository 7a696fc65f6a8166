package transcription

// State is the session lifecycle:
// Idle -> Connecting -> Authenticating -> Streaming -> Closing -> Idle, with
// Error reachable from Connecting, Authenticating and Streaming.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateStreaming
	StateClosing
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateStreaming:
		return "STREAMING"
	case StateClosing:
		return "CLOSING"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

var validTransitions = map[State][]State{
	StateIdle:           {StateConnecting},
	StateConnecting:     {StateAuthenticating, StateError, StateClosing},
	StateAuthenticating: {StateStreaming, StateError, StateClosing},
	StateStreaming:      {StateClosing, StateError},
	StateClosing:        {StateIdle},
	StateError:          {StateConnecting, StateClosing, StateIdle},
}

// CanTransitionTo reports whether the lifecycle allows moving from s to to.
func (s State) CanTransitionTo(to State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
