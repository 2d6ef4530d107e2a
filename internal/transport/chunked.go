package transport

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// OutboundChunk is one item the HTTP client pulls: either audio or a mark it
// must echo back after playing everything before it.
type OutboundChunk struct {
	AudioBase64 string `json:"audio,omitempty"`
	Mark        string `json:"mark,omitempty"`
}

// ChunkedConn adapts plain HTTP uploads to the Connection contract. The
// client POSTs base64 audio chunks with its own cumulative timestamp, polls
// for outbound chunks, and echoes marks back as acknowledgments.
type ChunkedConn struct {
	inbound chan Event

	mu        sync.Mutex
	streamSID string
	outbound  []OutboundChunk
	closed    bool
	started   bool
}

func NewChunkedConn() *ChunkedConn {
	return &ChunkedConn{
		inbound:   make(chan Event, 256),
		streamSID: "http_" + uuid.NewString(),
	}
}

func (c *ChunkedConn) StreamSID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamSID
}

// PushAudio feeds one uploaded chunk into the session. The first chunk also
// starts the stream.
func (c *ChunkedConn) PushAudio(audioBase64 string, timestampMs int64) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	sid := c.streamSID
	first := !c.started
	c.started = true
	c.mu.Unlock()

	if first {
		c.deliver(Event{Kind: EventStarted, StreamSID: sid})
	}
	c.deliver(Event{Kind: EventAudio, AudioBase64: audioBase64, TimestampMs: timestampMs})
	return nil
}

// PushMarkAck records the client's acknowledgment of a previously pulled mark.
func (c *ChunkedConn) PushMarkAck(name string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()
	c.deliver(Event{Kind: EventMark, MarkName: name})
	return nil
}

// PushStop signals that the client is done uploading.
func (c *ChunkedConn) PushStop() {
	c.deliver(Event{Kind: EventStopped})
}

func (c *ChunkedConn) SendAudio(_ context.Context, audioBase64 string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.outbound = append(c.outbound, OutboundChunk{AudioBase64: audioBase64})
	return nil
}

func (c *ChunkedConn) SendMark(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.outbound = append(c.outbound, OutboundChunk{Mark: name})
	return nil
}

// Clear drops everything queued but not yet pulled by the client.
func (c *ChunkedConn) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.outbound = c.outbound[:0]
	return nil
}

// DrainOutbound hands the client everything queued since the last poll.
func (c *ChunkedConn) DrainOutbound() []OutboundChunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.outbound
	c.outbound = nil
	return out
}

func (c *ChunkedConn) Inbound() <-chan Event { return c.inbound }

func (c *ChunkedConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.inbound)
	return nil
}

func (c *ChunkedConn) deliver(e Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.inbound <- e:
	default:
	}
}
