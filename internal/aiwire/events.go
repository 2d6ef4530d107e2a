// Package aiwire defines the event protocol spoken with the realtime AI
// service over its socket or data channel.
package aiwire

import (
	"encoding/json"
	"errors"
	"fmt"
)

type EventType string

const (
	TypeSessionUpdate      EventType = "session.update"
	TypeInputAudioAppend   EventType = "input_audio_buffer.append"
	TypeSpeechStarted      EventType = "input_audio_buffer.speech_started"
	TypeSpeechStopped      EventType = "input_audio_buffer.speech_stopped"
	TypeItemTruncate       EventType = "conversation.item.truncate"
	TypeTranscriptDelta    EventType = "conversation.item.transcription.delta"
	TypeTranscriptDone     EventType = "conversation.item.transcription.completed"
	TypeResponseCreate     EventType = "response.create"
	TypeResponseCancel     EventType = "response.cancel"
	TypeResponseAudioDelta EventType = "response.audio.delta"
	TypeResponseDone       EventType = "response.done"
	TypeError              EventType = "error"
)

var ErrUnknownEvent = errors.New("unknown ai service event")

type Envelope struct {
	Type EventType `json:"type"`
}

// SessionUpdate pushes per-session configuration before audio starts flowing.
type SessionUpdate struct {
	Type    EventType     `json:"type"`
	Session SessionConfig `json:"session"`
}

type SessionConfig struct {
	Instructions      string         `json:"instructions,omitempty"`
	Voice             string         `json:"voice,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat string         `json:"output_audio_format,omitempty"`
	TurnDetection     *TurnDetection `json:"turn_detection,omitempty"`
}

// TurnDetection configures the service-side VAD.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type InputAudioAppend struct {
	Type  EventType `json:"type"`
	Audio string    `json:"audio"`
}

type SpeechStarted struct {
	Type         EventType `json:"type"`
	AudioStartMs int64     `json:"audio_start_ms,omitempty"`
	ItemID       string    `json:"item_id,omitempty"`
}

type SpeechStopped struct {
	Type       EventType `json:"type"`
	AudioEndMs int64     `json:"audio_end_ms,omitempty"`
	ItemID     string    `json:"item_id,omitempty"`
}

// ItemTruncate trims already-generated assistant audio at the playback offset
// the listener actually heard, so the service's conversation state matches
// what was audible before a barge-in.
type ItemTruncate struct {
	Type         EventType `json:"type"`
	ItemID       string    `json:"item_id"`
	ContentIndex int       `json:"content_index"`
	AudioEndMs   int64     `json:"audio_end_ms"`
}

// TranscriptDelta is a partial transcript for an in-progress utterance.
// Later deltas for the same item supersede earlier ones.
type TranscriptDelta struct {
	Type   EventType `json:"type"`
	ItemID string    `json:"item_id,omitempty"`
	Delta  string    `json:"delta"`
}

// TranscriptDone closes an utterance with its final text.
type TranscriptDone struct {
	Type       EventType `json:"type"`
	ItemID     string    `json:"item_id,omitempty"`
	Transcript string    `json:"transcript"`
}

type ResponseCreate struct {
	Type     EventType       `json:"type"`
	Response *ResponseConfig `json:"response,omitempty"`
}

type ResponseConfig struct {
	Instructions string   `json:"instructions,omitempty"`
	Modalities   []string `json:"modalities,omitempty"`
	Voice        string   `json:"voice,omitempty"`
}

type ResponseCancel struct {
	Type EventType `json:"type"`
}

type ResponseAudioDelta struct {
	Type   EventType `json:"type"`
	ItemID string    `json:"item_id,omitempty"`
	Delta  string    `json:"delta"`
}

type ResponseDone struct {
	Type EventType `json:"type"`
}

type ErrorEvent struct {
	Type  EventType    `json:"type"`
	Error ErrorPayload `json:"error"`
}

type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Parse decodes one event received from the AI service.
func Parse(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid ai event envelope: %w", err)
	}

	switch env.Type {
	case TypeSpeechStarted:
		var e SpeechStarted
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		return e, nil
	case TypeSpeechStopped:
		var e SpeechStopped
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		return e, nil
	case TypeTranscriptDelta:
		var e TranscriptDelta
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		return e, nil
	case TypeTranscriptDone:
		var e TranscriptDone
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		return e, nil
	case TypeResponseAudioDelta:
		var e ResponseAudioDelta
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		return e, nil
	case TypeResponseDone:
		var e ResponseDone
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		return e, nil
	case TypeError:
		var e ErrorEvent
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
	}
}
