package aiwire

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseSpeechStarted(t *testing.T) {
	raw := []byte(`{"type":"input_audio_buffer.speech_started","audio_start_ms":120,"item_id":"item_1"}`)
	parsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	e, ok := parsed.(SpeechStarted)
	if !ok {
		t.Fatalf("parsed type = %T, want SpeechStarted", parsed)
	}
	if e.AudioStartMs != 120 || e.ItemID != "item_1" {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestParseResponseAudioDelta(t *testing.T) {
	raw := []byte(`{"type":"response.audio.delta","item_id":"item_2","delta":"UklGRg=="}`)
	parsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	e := parsed.(ResponseAudioDelta)
	if e.Delta != "UklGRg==" || e.ItemID != "item_2" {
		t.Fatalf("unexpected event: %+v", e)
	}
}

func TestParseTranscriptEvents(t *testing.T) {
	parsed, err := Parse([]byte(`{"type":"conversation.item.transcription.delta","item_id":"item_3","delta":"book an"}`))
	if err != nil {
		t.Fatalf("Parse(delta) error = %v", err)
	}
	if d := parsed.(TranscriptDelta); d.Delta != "book an" || d.ItemID != "item_3" {
		t.Fatalf("unexpected delta: %+v", d)
	}

	parsed, err = Parse([]byte(`{"type":"conversation.item.transcription.completed","item_id":"item_3","transcript":"book an appointment"}`))
	if err != nil {
		t.Fatalf("Parse(completed) error = %v", err)
	}
	if d := parsed.(TranscriptDone); d.Transcript != "book an appointment" {
		t.Fatalf("unexpected final transcript: %+v", d)
	}
}

func TestParseUnknownEvent(t *testing.T) {
	_, err := Parse([]byte(`{"type":"conversation.item.created"}`))
	if !errors.Is(err, ErrUnknownEvent) {
		t.Fatalf("error = %v, want ErrUnknownEvent", err)
	}
}

func TestItemTruncateWireShape(t *testing.T) {
	cmd := ItemTruncate{
		Type:         TypeItemTruncate,
		ItemID:       "item_7",
		ContentIndex: 0,
		AudioEndMs:   450,
	}
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal truncate: %v", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		t.Fatalf("unmarshal truncate: %v", err)
	}
	if obj["type"] != "conversation.item.truncate" {
		t.Fatalf("type = %v", obj["type"])
	}
	if obj["audio_end_ms"] != float64(450) {
		t.Fatalf("audio_end_ms = %v, want 450", obj["audio_end_ms"])
	}
	if obj["item_id"] != "item_7" {
		t.Fatalf("item_id = %v, want item_7", obj["item_id"])
	}
}

func TestSessionUpdateOmitsEmptyTurnDetection(t *testing.T) {
	upd := SessionUpdate{
		Type: TypeSessionUpdate,
		Session: SessionConfig{
			Instructions:      "be brief",
			Voice:             "alloy",
			InputAudioFormat:  "g711_ulaw",
			OutputAudioFormat: "g711_ulaw",
		},
	}
	data, err := json.Marshal(upd)
	if err != nil {
		t.Fatalf("marshal session.update: %v", err)
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		t.Fatalf("unmarshal session.update: %v", err)
	}
	sess, ok := obj["session"].(map[string]any)
	if !ok {
		t.Fatalf("session field missing or not an object: %v", obj["session"])
	}
	if _, present := sess["turn_detection"]; present {
		t.Fatalf("turn_detection should be omitted when nil")
	}
}
