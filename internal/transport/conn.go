// Package transport carries session audio over one of three channels:
// a telephony media websocket, a browser WebRTC peer connection, or plain
// chunked HTTP. The orchestrator sees the same Connection contract for all
// three.
package transport

import "context"

type EventKind string

const (
	EventStarted EventKind = "started"
	EventAudio   EventKind = "audio"
	EventMark    EventKind = "mark"
	EventStopped EventKind = "stopped"
)

// Event is one inbound signal from the carrier side.
type Event struct {
	Kind        EventKind
	StreamSID   string
	CallSID     string
	AudioBase64 string
	TimestampMs int64
	MarkName    string
}

// Connection is a live duplex audio channel. Inbound closes when the carrier
// hangs up or Close is called; every send after Close fails.
type Connection interface {
	SendAudio(ctx context.Context, audioBase64 string) error
	SendMark(ctx context.Context, name string) error
	Clear(ctx context.Context) error
	Inbound() <-chan Event
	Close() error
}
