package stage

import (
	"context"
	"strings"
	"sync"
)

// MockSTT is a controllable recognizer for tests. The test pushes events
// through Emit; the session records the audio it was fed.
type MockSTT struct {
	mu       sync.Mutex
	events   chan STTEvent
	sessions []*MockSTTSession
	failNext bool
}

func NewMockSTT() *MockSTT {
	return &MockSTT{events: make(chan STTEvent, 64)}
}

func (p *MockSTT) FailNextStart() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failNext = true
}

func (p *MockSTT) StartSession(_ context.Context, sessionID, inputFormat string) (STTSession, <-chan STTEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext {
		p.failNext = false
		return nil, nil, context.DeadlineExceeded
	}
	s := &MockSTTSession{ID: sessionID, InputFormat: inputFormat, events: make(chan STTEvent, 64)}
	p.sessions = append(p.sessions, s)
	return s, s.events, nil
}

func (p *MockSTT) Sessions() []*MockSTTSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*MockSTTSession, len(p.sessions))
	copy(out, p.sessions)
	return out
}

type MockSTTSession struct {
	ID          string
	InputFormat string

	mu     sync.Mutex
	events chan STTEvent
	chunks int
	closed bool
}

func (s *MockSTTSession) SendAudioChunk(_ context.Context, _ string, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.chunks++
	}
	return nil
}

func (s *MockSTTSession) Emit(e STTEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- e
	}
}

func (s *MockSTTSession) Chunks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

func (s *MockSTTSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *MockSTTSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// MockLLM streams a canned reply word by word.
type MockLLM struct {
	Reply string
	Err   error

	mu       sync.Mutex
	requests []ChatRequest
}

func (m *MockLLM) StreamResponse(_ context.Context, req ChatRequest, onDelta DeltaHandler) (ChatResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	reply, err := m.Reply, m.Err
	m.mu.Unlock()

	if err != nil {
		return ChatResponse{}, err
	}
	if reply == "" {
		reply = "okay"
	}
	if onDelta != nil {
		for _, word := range strings.Fields(reply) {
			if err := onDelta(word + " "); err != nil {
				return ChatResponse{}, err
			}
		}
	}
	return ChatResponse{Text: reply}, nil
}

func (m *MockLLM) Requests() []ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ChatRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// TruncateCall records one truncate command the stream received.
type TruncateCall struct {
	ItemID       string
	ContentIndex int
	AudioEndMs   int64
}

// MockTTS hands out streams whose synthesis the test drives through Emit.
type MockTTS struct {
	mu      sync.Mutex
	streams []*MockTTSStream
}

func NewMockTTS() *MockTTS {
	return &MockTTS{}
}

func (p *MockTTS) StartStream(_ context.Context, sessionID, voiceID, outputFormat string) (TTSStream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &MockTTSStream{SessionID: sessionID, VoiceID: voiceID, OutputFormat: outputFormat, events: make(chan TTSEvent, 128)}
	p.streams = append(p.streams, s)
	return s, nil
}

func (p *MockTTS) Streams() []*MockTTSStream {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*MockTTSStream, len(p.streams))
	copy(out, p.streams)
	return out
}

type MockTTSStream struct {
	SessionID    string
	VoiceID      string
	OutputFormat string

	mu        sync.Mutex
	events    chan TTSEvent
	spoken    []string
	truncates []TruncateCall
	cancels   int
	closed    bool
}

func (s *MockTTSStream) Speak(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && strings.TrimSpace(text) != "" {
		s.spoken = append(s.spoken, text)
	}
	return nil
}

func (s *MockTTSStream) Cancel(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels++
	return nil
}

func (s *MockTTSStream) Truncate(_ context.Context, itemID string, contentIndex int, audioEndMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.truncates = append(s.truncates, TruncateCall{ItemID: itemID, ContentIndex: contentIndex, AudioEndMs: audioEndMs})
	return nil
}

func (s *MockTTSStream) Emit(e TTSEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- e
	}
}

func (s *MockTTSStream) Events() <-chan TTSEvent { return s.events }

func (s *MockTTSStream) Spoken() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.spoken))
	copy(out, s.spoken)
	return out
}

func (s *MockTTSStream) Truncates() []TruncateCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TruncateCall, len(s.truncates))
	copy(out, s.truncates)
	return out
}

func (s *MockTTSStream) Cancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

func (s *MockTTSStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *MockTTSStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}
