package transport

import (
	"context"
	"testing"
	"time"
)

func nextEvent(t *testing.T, c *ChunkedConn) Event {
	t.Helper()
	select {
	case e := <-c.Inbound():
		return e
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func TestChunkedConnStartsOnFirstAudio(t *testing.T) {
	c := NewChunkedConn()
	defer c.Close()

	if err := c.PushAudio("AAAA", 100); err != nil {
		t.Fatalf("PushAudio() error = %v", err)
	}

	e := nextEvent(t, c)
	if e.Kind != EventStarted || e.StreamSID == "" {
		t.Fatalf("first event = %+v, want started", e)
	}
	e = nextEvent(t, c)
	if e.Kind != EventAudio || e.AudioBase64 != "AAAA" || e.TimestampMs != 100 {
		t.Fatalf("audio event = %+v", e)
	}

	if err := c.PushAudio("BBBB", 120); err != nil {
		t.Fatalf("PushAudio() error = %v", err)
	}
	e = nextEvent(t, c)
	if e.Kind != EventAudio {
		t.Fatalf("second chunk must not re-emit started: %+v", e)
	}
}

func TestChunkedConnOutboundDrainAndClear(t *testing.T) {
	c := NewChunkedConn()
	defer c.Close()

	c.SendAudio(context.Background(), "AAAA")
	c.SendMark(context.Background(), "m1")
	chunks := c.DrainOutbound()
	if len(chunks) != 2 || chunks[0].AudioBase64 != "AAAA" || chunks[1].Mark != "m1" {
		t.Fatalf("drained = %+v", chunks)
	}
	if got := c.DrainOutbound(); len(got) != 0 {
		t.Fatalf("second drain = %+v, want empty", got)
	}

	c.SendAudio(context.Background(), "CCCC")
	c.Clear(context.Background())
	if got := c.DrainOutbound(); len(got) != 0 {
		t.Fatalf("Clear left outbound audio: %+v", got)
	}
}

func TestChunkedConnMarkAckRoundTrip(t *testing.T) {
	c := NewChunkedConn()
	defer c.Close()

	c.PushAudio("AAAA", 0)
	nextEvent(t, c) // started
	nextEvent(t, c) // audio

	c.SendMark(context.Background(), "m7")
	chunks := c.DrainOutbound()
	if len(chunks) != 1 || chunks[0].Mark != "m7" {
		t.Fatalf("drained = %+v", chunks)
	}
	if err := c.PushMarkAck(chunks[0].Mark); err != nil {
		t.Fatalf("PushMarkAck() error = %v", err)
	}
	e := nextEvent(t, c)
	if e.Kind != EventMark || e.MarkName != "m7" {
		t.Fatalf("mark ack = %+v", e)
	}
}

func TestChunkedConnClosedRejectsAll(t *testing.T) {
	c := NewChunkedConn()
	c.Close()
	if err := c.PushAudio("AAAA", 0); err == nil {
		t.Fatalf("PushAudio after Close should fail")
	}
	if err := c.SendAudio(context.Background(), "AAAA"); err == nil {
		t.Fatalf("SendAudio after Close should fail")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("repeated Close() error = %v", err)
	}
}
