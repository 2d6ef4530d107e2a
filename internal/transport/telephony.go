package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/voicelink/internal/protocol"
)

var ErrClosed = errors.New("transport closed")

// TelephonyConn adapts a carrier media websocket to the Connection contract.
// The reader goroutine owns the socket's read side; writes are serialized
// through a mutex because the carrier protocol is strictly message oriented.
type TelephonyConn struct {
	conn    *websocket.Conn
	inbound chan Event

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu        sync.Mutex
	streamSID string
	closed    bool
}

func NewTelephonyConn(conn *websocket.Conn) *TelephonyConn {
	t := &TelephonyConn{
		conn:    conn,
		inbound: make(chan Event, 256),
	}
	go t.readLoop()
	return t
}

// StreamSID returns the carrier stream identifier, empty until the start
// frame arrives.
func (t *TelephonyConn) StreamSID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.streamSID
}

func (t *TelephonyConn) readLoop() {
	defer t.shutdown()
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		parsed, err := protocol.ParseInbound(data)
		if err != nil {
			// Unknown frames are carrier noise, not a protocol failure.
			continue
		}
		switch f := parsed.(type) {
		case protocol.StartFrame:
			t.mu.Lock()
			t.streamSID = f.Start.StreamSID
			t.mu.Unlock()
			t.deliver(Event{Kind: EventStarted, StreamSID: f.Start.StreamSID, CallSID: f.Start.CallSID})
		case protocol.MediaFrame:
			t.deliver(Event{Kind: EventAudio, AudioBase64: f.Media.Payload, TimestampMs: f.Media.Timestamp})
		case protocol.MarkFrame:
			t.deliver(Event{Kind: EventMark, MarkName: f.Mark.Name})
		case protocol.StopFrame:
			t.deliver(Event{Kind: EventStopped})
			return
		}
	}
}

func (t *TelephonyConn) SendAudio(_ context.Context, audioBase64 string) error {
	sid, err := t.requireStream()
	if err != nil {
		return err
	}
	return t.writeJSON(protocol.OutboundMedia(sid, audioBase64))
}

func (t *TelephonyConn) SendMark(_ context.Context, name string) error {
	sid, err := t.requireStream()
	if err != nil {
		return err
	}
	return t.writeJSON(protocol.OutboundMark(sid, name))
}

func (t *TelephonyConn) Clear(_ context.Context) error {
	sid, err := t.requireStream()
	if err != nil {
		return err
	}
	return t.writeJSON(protocol.OutboundClear(sid))
}

func (t *TelephonyConn) requireStream() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return "", ErrClosed
	}
	if t.streamSID == "" {
		return "", errors.New("no media stream started")
	}
	return t.streamSID, nil
}

func (t *TelephonyConn) writeJSON(v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *TelephonyConn) Inbound() <-chan Event { return t.inbound }

// deliver drops events under backpressure rather than stalling the socket
// read loop, and never races the channel close in shutdown.
func (t *TelephonyConn) deliver(e Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.inbound <- e:
	default:
	}
}

func (t *TelephonyConn) Close() error {
	t.shutdown()
	return nil
}

func (t *TelephonyConn) shutdown() {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		_ = t.conn.Close()
		close(t.inbound)
	})
}
