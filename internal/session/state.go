package session

// State is the Turn Coordinator state
type State int32

const (
	StateIdle State = iota
	StateGreeting
	StateListening
	StateTranscribing
	StateGenerating
	StateSpeaking
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateGreeting:
		return "greeting"
	case StateListening:
		return "listening"
	case StateTranscribing:
		return "transcribing"
	case StateGenerating:
		return "generating"
	case StateSpeaking:
		return "speaking"
	case StateEnded:
		return "ended"
	}
	return "unknown"
}

// End reasons
const (
	ReasonCallEnded        = "call_ended"
	ReasonChannelClosed    = "channel_closed"
	ReasonIdleTimeout      = "idle_timeout"
	ReasonTechnicalFailure = "technical_failure"
	ReasonNoResponse       = "no_response"
	ReasonShutdown         = "shutdown"
)
