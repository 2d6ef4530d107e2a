package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventKind identifies telephony media-stream frame variants.
type EventKind string

const (
	EventStart EventKind = "start"
	EventMedia EventKind = "media"
	EventMark  EventKind = "mark"
	EventClear EventKind = "clear"
	EventStop  EventKind = "stop"
)

var ErrUnsupportedEvent = errors.New("unsupported telephony event")

type Envelope struct {
	Event EventKind `json:"event"`
}

// StartFrame opens a media stream and carries the carrier stream identifier.
type StartFrame struct {
	Event EventKind    `json:"event"`
	Start StartPayload `json:"start"`
}

type StartPayload struct {
	StreamSID string `json:"streamSid"`
	CallSID   string `json:"callSid,omitempty"`
}

// MediaFrame carries one chunk of base64 audio with the carrier's cumulative
// playback timestamp in milliseconds.
type MediaFrame struct {
	Event     EventKind    `json:"event"`
	StreamSID string       `json:"streamSid,omitempty"`
	Media     MediaPayload `json:"media"`
}

type MediaPayload struct {
	Payload   string `json:"payload"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// MarkFrame acknowledges that the far end reached a previously sent mark.
type MarkFrame struct {
	Event     EventKind   `json:"event"`
	StreamSID string      `json:"streamSid,omitempty"`
	Mark      MarkPayload `json:"mark"`
}

type MarkPayload struct {
	Name string `json:"name"`
}

// ClearFrame tells the carrier to drop any audio still queued for playback.
type ClearFrame struct {
	Event     EventKind `json:"event"`
	StreamSID string    `json:"streamSid"`
}

type StopFrame struct {
	Event EventKind `json:"event"`
}

// ParseInbound decodes one frame received from the carrier socket.
func ParseInbound(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Event {
	case EventStart:
		var f StartFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		if f.Start.StreamSID == "" {
			return nil, errors.New("start frame missing streamSid")
		}
		return f, nil
	case EventMedia:
		var f MediaFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		if f.Media.Payload == "" {
			return nil, errors.New("media frame missing payload")
		}
		return f, nil
	case EventMark:
		var f MarkFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		if f.Mark.Name == "" {
			return nil, errors.New("mark frame missing name")
		}
		return f, nil
	case EventStop:
		var f StopFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, ErrUnsupportedEvent
	}
}

// OutboundMedia builds a media frame tagged with the stream identifier the
// carrier handed us at start.
func OutboundMedia(streamSID, payloadBase64 string) MediaFrame {
	return MediaFrame{
		Event:     EventMedia,
		StreamSID: streamSID,
		Media:     MediaPayload{Payload: payloadBase64},
	}
}

// OutboundMark asks the carrier to echo the named mark back once playback
// reaches this point in the stream.
func OutboundMark(streamSID, name string) MarkFrame {
	return MarkFrame{
		Event:     EventMark,
		StreamSID: streamSID,
		Mark:      MarkPayload{Name: name},
	}
}

func OutboundClear(streamSID string) ClearFrame {
	return ClearFrame{Event: EventClear, StreamSID: streamSID}
}
