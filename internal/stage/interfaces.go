// Package stage holds the narrow streaming adapters for the three external
// AI services (speech recognition, response generation, speech synthesis).
// Adapters are restartable mid-session; a stage failure never requires a new
// transport connection.
package stage

import "context"

// Wire formats for session audio. Telephony and generic carriers speak
// 8kHz G.711 µ-law; the browser path speaks PCM16.
const (
	FormatMuLaw = "g711_ulaw"
	FormatPCM16 = "pcm16"
)

type STTEventType string

const (
	STTEventPartial       STTEventType = "partial"
	STTEventFinal         STTEventType = "final"
	STTEventSpeechStarted STTEventType = "speech_started"
	STTEventSpeechStopped STTEventType = "speech_stopped"
	STTEventError         STTEventType = "error"
)

type STTEvent struct {
	Type         STTEventType
	Text         string
	ItemID       string
	AudioStartMs int64
	AudioEndMs   int64
	Code         string
	Detail       string
	Retryable    bool
	Timestamp    int64
}

type STTSession interface {
	SendAudioChunk(ctx context.Context, audioBase64 string, commit bool) error
	Close() error
}

type STTProvider interface {
	// StartSession opens a recognition stream expecting audio in inputFormat.
	StartSession(ctx context.Context, sessionID, inputFormat string) (STTSession, <-chan STTEvent, error)
}

// ChatRequest is one generation request against the language model.
type ChatRequest struct {
	ThreadID     string `json:"thread_id,omitempty"`
	Instructions string `json:"instructions,omitempty"`
	Text         string `json:"text"`
}

type ChatResponse struct {
	Text string `json:"text"`
}

// DeltaHandler receives streamed text fragments as they arrive. Returning an
// error aborts the stream.
type DeltaHandler func(delta string) error

type LLMProvider interface {
	StreamResponse(ctx context.Context, req ChatRequest, onDelta DeltaHandler) (ChatResponse, error)
}

type TTSEventType string

const (
	TTSEventAudio TTSEventType = "audio"
	TTSEventDone  TTSEventType = "done"
	TTSEventError TTSEventType = "error"
)

type TTSEvent struct {
	Type        TTSEventType
	AudioBase64 string
	ItemID      string
	Code        string
	Detail      string
	Retryable   bool
}

// TTSStream synthesizes assistant speech. Speak while a response is already
// streaming is the caller's bug; the state machine rejects it upstream.
type TTSStream interface {
	Speak(ctx context.Context, text string) error
	Cancel(ctx context.Context) error
	Truncate(ctx context.Context, itemID string, contentIndex int, audioEndMs int64) error
	Events() <-chan TTSEvent
	Close() error
}

type TTSProvider interface {
	// StartStream opens a synthesis stream emitting audio in outputFormat.
	StartStream(ctx context.Context, sessionID, voiceID, outputFormat string) (TTSStream, error)
}
