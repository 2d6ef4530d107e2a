package session

import "time"

// TransportKind identifies the physical channel carrying session audio.
type TransportKind string

const (
	TransportTelephony TransportKind = "telephony"
	TransportBrowser   TransportKind = "browser"
	TransportGeneric   TransportKind = "generic"
)

// State is the published conversation state. Exactly one value per session
// at any instant; transitions are serialized through the session loop.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateListening    State = "listening"
	StateProcessing   State = "processing"
	StateSpeaking     State = "speaking"
	StateUserSpeaking State = "user_speaking"
	StateError        State = "error"
	StateDisconnected State = "disconnected"
)

// allowed lists the legal forward transitions. Any active state may also
// move to error or disconnected on transport failure; see CanTransition.
var allowed = map[State][]State{
	// idle -> error covers channel setup failing before the session loop
	// ever starts (offer negotiation, microphone access).
	StateIdle:         {StateConnecting, StateError},
	StateConnecting:   {StateListening},
	StateListening:    {StateUserSpeaking, StateSpeaking},
	StateUserSpeaking: {StateProcessing, StateListening},
	StateProcessing:   {StateSpeaking, StateListening},
	StateSpeaking:     {StateListening, StateUserSpeaking},
	StateDisconnected: {StateConnecting},
	StateError:        {StateConnecting},
}

// Active reports whether the state belongs to a live conversation.
func (s State) Active() bool {
	switch s {
	case StateConnecting, StateListening, StateProcessing, StateSpeaking, StateUserSpeaking:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from s to next is legal.
func (s State) CanTransition(next State) bool {
	if next == s {
		return false
	}
	// Fatal exits are legal from every active state.
	if (next == StateDisconnected || next == StateError) && s.Active() {
		return true
	}
	for _, t := range allowed[s] {
		if t == next {
			return true
		}
	}
	return false
}

// CreateRequest defines the payload for creating a new session.
type CreateRequest struct {
	AgentID   string        `json:"agent_id"`
	VoiceID   string        `json:"voice_id"`
	Transport TransportKind `json:"transport"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID      string        `json:"session_id"`
	AgentID        string        `json:"agent_id"`
	VoiceID        string        `json:"voice_id"`
	Transport      TransportKind `json:"transport"`
	State          State         `json:"state"`
	StartedAt      time.Time     `json:"started_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	IdleTTLMS      int64         `json:"idle_ttl_ms"`
}
