package stage

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/voicelink/internal/aiwire"
	"github.com/antoniostano/voicelink/internal/provision"
	"github.com/antoniostano/voicelink/internal/reliability"
)

type RealtimeConfig struct {
	WSBaseURL         string
	Model             string
	Instructions      string
	InputAudioFormat  string
	OutputAudioFormat string
}

// RealtimeProvider runs recognition and synthesis against a realtime AI
// pipeline socket. Each role gets its own connection so a stage restart
// replaces one socket without touching the other.
type RealtimeProvider struct {
	cfg   RealtimeConfig
	creds provision.Source
}

func NewRealtimeProvider(cfg RealtimeConfig, creds provision.Source) *RealtimeProvider {
	if strings.TrimSpace(cfg.WSBaseURL) == "" {
		cfg.WSBaseURL = "wss://api.openai.com/v1/realtime"
	}
	if strings.TrimSpace(cfg.InputAudioFormat) == "" {
		cfg.InputAudioFormat = FormatMuLaw
	}
	if strings.TrimSpace(cfg.OutputAudioFormat) == "" {
		cfg.OutputAudioFormat = FormatMuLaw
	}
	return &RealtimeProvider{cfg: cfg, creds: creds}
}

func (p *RealtimeProvider) dial(ctx context.Context) (*websocket.Conn, error) {
	creds, err := p.creds.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch credentials: %w", err)
	}

	u, err := url.Parse(p.cfg.WSBaseURL)
	if err != nil {
		return nil, err
	}
	if p.cfg.Model != "" {
		q := u.Query()
		q.Set("model", p.cfg.Model)
		u.RawQuery = q.Encode()
	}

	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+creds.Token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		// A stale token looks like a dial failure; drop it so the retry
		// provisions fresh.
		p.creds.Invalidate()
		return nil, fmt.Errorf("dial realtime socket: %w", err)
	}
	return conn, nil
}

func (p *RealtimeProvider) StartSession(ctx context.Context, _ string, inputFormat string) (STTSession, <-chan STTEvent, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(inputFormat) == "" {
		inputFormat = p.cfg.InputAudioFormat
	}

	s := &realtimeSTTSession{conn: conn, events: make(chan STTEvent, 256), done: make(chan struct{})}
	if err := s.writeJSON(aiwire.SessionUpdate{
		Type: aiwire.TypeSessionUpdate,
		Session: aiwire.SessionConfig{
			Instructions:     p.cfg.Instructions,
			InputAudioFormat: inputFormat,
			TurnDetection: &aiwire.TurnDetection{
				Type:              "server_vad",
				SilenceDurationMs: 500,
			},
		},
	}); err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("configure stt session: %w", err)
	}
	go s.readLoop()
	return s, s.events, nil
}

func (p *RealtimeProvider) StartStream(ctx context.Context, _ string, voiceID, outputFormat string) (TTSStream, error) {
	conn, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(outputFormat) == "" {
		outputFormat = p.cfg.OutputAudioFormat
	}

	s := &realtimeTTSStream{conn: conn, voice: voiceID, events: make(chan TTSEvent, 512), done: make(chan struct{})}
	if err := s.writeJSON(aiwire.SessionUpdate{
		Type: aiwire.TypeSessionUpdate,
		Session: aiwire.SessionConfig{
			Voice:             voiceID,
			OutputAudioFormat: outputFormat,
		},
	}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("configure tts stream: %w", err)
	}
	go s.readLoop()
	return s, nil
}

// realtimeSTTSession owns its events channel through readLoop: the loop is
// the only sender and the only closer, so Close from another goroutine can
// never race a send. Close just signals done and drops the socket, which
// unblocks the loop.
type realtimeSTTSession struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan STTEvent
	done      chan struct{}
}

func (s *realtimeSTTSession) SendAudioChunk(_ context.Context, audioBase64 string, _ bool) error {
	return s.writeJSON(aiwire.InputAudioAppend{
		Type:  aiwire.TypeInputAudioAppend,
		Audio: audioBase64,
	})
}

func (s *realtimeSTTSession) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// emit delivers an event unless the session is closing; a consumer that went
// away must unblock the loop, not wedge it.
func (s *realtimeSTTSession) emit(ev STTEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *realtimeSTTSession) readLoop() {
	defer close(s.events)
	defer s.shutdown()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		parsed, err := aiwire.Parse(data)
		if err != nil {
			continue
		}
		now := time.Now().UnixMilli()
		var ev STTEvent
		switch e := parsed.(type) {
		case aiwire.SpeechStarted:
			ev = STTEvent{Type: STTEventSpeechStarted, ItemID: e.ItemID, AudioStartMs: e.AudioStartMs, Timestamp: now}
		case aiwire.SpeechStopped:
			ev = STTEvent{Type: STTEventSpeechStopped, ItemID: e.ItemID, AudioEndMs: e.AudioEndMs, Timestamp: now}
		case aiwire.TranscriptDelta:
			ev = STTEvent{Type: STTEventPartial, Text: e.Delta, ItemID: e.ItemID, Timestamp: now}
		case aiwire.TranscriptDone:
			ev = STTEvent{Type: STTEventFinal, Text: e.Transcript, ItemID: e.ItemID, Timestamp: now}
		case aiwire.ErrorEvent:
			ev = STTEvent{
				Type:      STTEventError,
				Code:      e.Error.Code,
				Detail:    e.Error.Message,
				Retryable: reliability.IsRetryableAICode(e.Error.Code),
				Timestamp: now,
			}
		default:
			continue
		}
		if !s.emit(ev) {
			return
		}
	}
}

func (s *realtimeSTTSession) Close() error {
	s.shutdown()
	return nil
}

func (s *realtimeSTTSession) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}

// realtimeTTSStream follows the same channel-ownership rule as the STT
// session: readLoop is the sole sender and closer of events.
type realtimeTTSStream struct {
	conn      *websocket.Conn
	voice     string
	writeMu   sync.Mutex
	closeOnce sync.Once
	events    chan TTSEvent
	done      chan struct{}
}

func (s *realtimeTTSStream) Speak(_ context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return s.writeJSON(aiwire.ResponseCreate{
		Type: aiwire.TypeResponseCreate,
		Response: &aiwire.ResponseConfig{
			Instructions: text,
			Modalities:   []string{"audio"},
			Voice:        s.voice,
		},
	})
}

func (s *realtimeTTSStream) Cancel(_ context.Context) error {
	return s.writeJSON(aiwire.ResponseCancel{Type: aiwire.TypeResponseCancel})
}

func (s *realtimeTTSStream) Truncate(_ context.Context, itemID string, contentIndex int, audioEndMs int64) error {
	return s.writeJSON(aiwire.ItemTruncate{
		Type:         aiwire.TypeItemTruncate,
		ItemID:       itemID,
		ContentIndex: contentIndex,
		AudioEndMs:   audioEndMs,
	})
}

func (s *realtimeTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *realtimeTTSStream) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *realtimeTTSStream) emit(ev TTSEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *realtimeTTSStream) readLoop() {
	defer close(s.events)
	defer s.shutdown()
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		parsed, err := aiwire.Parse(data)
		if err != nil {
			continue
		}
		var ev TTSEvent
		switch e := parsed.(type) {
		case aiwire.ResponseAudioDelta:
			ev = TTSEvent{Type: TTSEventAudio, AudioBase64: e.Delta, ItemID: e.ItemID}
		case aiwire.ResponseDone:
			ev = TTSEvent{Type: TTSEventDone}
		case aiwire.ErrorEvent:
			ev = TTSEvent{
				Type:      TTSEventError,
				Code:      e.Error.Code,
				Detail:    e.Error.Message,
				Retryable: reliability.IsRetryableAICode(e.Error.Code),
			}
		default:
			continue
		}
		if !s.emit(ev) {
			return
		}
	}
}

func (s *realtimeTTSStream) Close() error {
	s.shutdown()
	return nil
}

func (s *realtimeTTSStream) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}
