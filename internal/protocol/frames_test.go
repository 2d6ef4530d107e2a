package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseInboundStart(t *testing.T) {
	raw := []byte(`{"event":"start","start":{"streamSid":"MZ123"}}`)
	parsed, err := ParseInbound(raw)
	if err != nil {
		t.Fatalf("ParseInbound() error = %v", err)
	}
	f, ok := parsed.(StartFrame)
	if !ok {
		t.Fatalf("parsed type = %T, want StartFrame", parsed)
	}
	if f.Start.StreamSID != "MZ123" {
		t.Fatalf("StreamSID = %q, want %q", f.Start.StreamSID, "MZ123")
	}
}

func TestParseInboundMediaWithTimestamp(t *testing.T) {
	raw := []byte(`{"event":"media","media":{"payload":"AAAA","timestamp":1450}}`)
	parsed, err := ParseInbound(raw)
	if err != nil {
		t.Fatalf("ParseInbound() error = %v", err)
	}
	f := parsed.(MediaFrame)
	if f.Media.Payload != "AAAA" || f.Media.Timestamp != 1450 {
		t.Fatalf("unexpected media frame: %+v", f)
	}
}

func TestParseInboundMark(t *testing.T) {
	raw := []byte(`{"event":"mark","mark":{"name":"responsePart"}}`)
	parsed, err := ParseInbound(raw)
	if err != nil {
		t.Fatalf("ParseInbound() error = %v", err)
	}
	f := parsed.(MarkFrame)
	if f.Mark.Name != "responsePart" {
		t.Fatalf("Mark.Name = %q, want %q", f.Mark.Name, "responsePart")
	}
}

func TestParseInboundStop(t *testing.T) {
	parsed, err := ParseInbound([]byte(`{"event":"stop"}`))
	if err != nil {
		t.Fatalf("ParseInbound() error = %v", err)
	}
	if _, ok := parsed.(StopFrame); !ok {
		t.Fatalf("parsed type = %T, want StopFrame", parsed)
	}
}

func TestParseInboundRejectsUnknownEvent(t *testing.T) {
	_, err := ParseInbound([]byte(`{"event":"dtmf"}`))
	if !errors.Is(err, ErrUnsupportedEvent) {
		t.Fatalf("error = %v, want ErrUnsupportedEvent", err)
	}
}

func TestParseInboundRejectsMissingFields(t *testing.T) {
	cases := []string{
		`{"event":"start","start":{}}`,
		`{"event":"media","media":{}}`,
		`{"event":"mark","mark":{}}`,
	}
	for _, raw := range cases {
		if _, err := ParseInbound([]byte(raw)); err == nil {
			t.Fatalf("ParseInbound(%s) expected error", raw)
		}
	}
}

func TestOutboundFramesCarryStreamSID(t *testing.T) {
	media := OutboundMedia("MZ9", "cGF5bG9hZA==")
	data, err := json.Marshal(media)
	if err != nil {
		t.Fatalf("marshal media: %v", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		t.Fatalf("unmarshal media: %v", err)
	}
	if obj["streamSid"] != "MZ9" {
		t.Fatalf("streamSid = %v, want MZ9", obj["streamSid"])
	}

	clear := OutboundClear("MZ9")
	if clear.Event != EventClear || clear.StreamSID != "MZ9" {
		t.Fatalf("unexpected clear frame: %+v", clear)
	}

	mark := OutboundMark("MZ9", "responsePart")
	if mark.Mark.Name != "responsePart" {
		t.Fatalf("unexpected mark frame: %+v", mark)
	}
}
