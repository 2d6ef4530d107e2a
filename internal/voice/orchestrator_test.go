package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/voicelink/internal/observability"
	"github.com/antoniostano/voicelink/internal/session"
	"github.com/antoniostano/voicelink/internal/stage"
	"github.com/antoniostano/voicelink/internal/transcript"
	"github.com/antoniostano/voicelink/internal/transport"
)

// Prometheus instruments register globally, so all tests share one set.
var (
	metricsOnce sync.Once
	testMetrics *observability.Metrics
)

func sharedMetrics() *observability.Metrics {
	metricsOnce.Do(func() {
		testMetrics = observability.NewMetrics("voicelink_test")
	})
	return testMetrics
}

// mockConn is an in-memory transport the tests drive directly.
type mockConn struct {
	inbound chan transport.Event

	mu     sync.Mutex
	audio  []string
	marks  []string
	clears int
	closed bool
}

func newMockConn() *mockConn {
	return &mockConn{inbound: make(chan transport.Event, 64)}
}

func (c *mockConn) push(e transport.Event) { c.inbound <- e }

func (c *mockConn) SendAudio(_ context.Context, audioBase64 string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.audio = append(c.audio, audioBase64)
	return nil
}

func (c *mockConn) SendMark(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	c.marks = append(c.marks, name)
	return nil
}

func (c *mockConn) Clear(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clears++
	return nil
}

func (c *mockConn) Inbound() <-chan transport.Event { return c.inbound }

func (c *mockConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.inbound)
	}
	return nil
}

func (c *mockConn) clearCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clears
}

func (c *mockConn) markNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.marks))
	copy(out, c.marks)
	return out
}

func (c *mockConn) audioCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.audio)
}

func (c *mockConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fixture struct {
	orch     *Orchestrator
	sessions *session.Manager
	stt      *stage.MockSTT
	llm      *stage.MockLLM
	tts      *stage.MockTTS
	conn     *mockConn
	sessID   string
	done     chan error
}

func newFixture(t *testing.T, cfg Config, llm stage.LLMProvider, sttProvider stage.STTProvider) *fixture {
	t.Helper()
	return newFixtureTransport(t, cfg, llm, sttProvider, session.TransportTelephony)
}

func newFixtureTransport(t *testing.T, cfg Config, llm stage.LLMProvider, sttProvider stage.STTProvider, kind session.TransportKind) *fixture {
	t.Helper()
	mgr := session.NewManager(time.Minute)
	stt := stage.NewMockSTT()
	tts := stage.NewMockTTS()
	mockLLM := &stage.MockLLM{Reply: "Sunny and mild today."}

	var usedLLM stage.LLMProvider = mockLLM
	if llm != nil {
		usedLLM = llm
	}
	var usedSTT stage.STTProvider = stt
	if sttProvider != nil {
		usedSTT = sttProvider
	}

	recorder := transcript.NewRecorder(transcript.NewMemoryStore(), zerolog.Nop())
	orch := NewOrchestrator(cfg, mgr, usedSTT, usedLLM, tts, recorder,
		sharedMetrics(), observability.NewLatencyWindow(64), zerolog.Nop())

	s := mgr.Create("agent_1", "voice_1", kind)
	return &fixture{
		orch:     orch,
		sessions: mgr,
		stt:      stt,
		llm:      mockLLM,
		tts:      tts,
		conn:     newMockConn(),
		sessID:   s.ID,
		done:     make(chan error, 1),
	}
}

func (f *fixture) start(t *testing.T, ctx context.Context) {
	t.Helper()
	go func() {
		f.done <- f.orch.RunSession(ctx, f.sessID, f.conn)
	}()
}

func (f *fixture) waitDone(t *testing.T) error {
	t.Helper()
	select {
	case err := <-f.done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatalf("session loop never returned")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (f *fixture) waitState(t *testing.T, want session.State) {
	t.Helper()
	waitFor(t, "state "+string(want), func() bool {
		s, err := f.sessions.Get(f.sessID)
		return err == nil && s.State == want
	})
}

func (f *fixture) sttSession(t *testing.T) *stage.MockSTTSession {
	t.Helper()
	var s *stage.MockSTTSession
	waitFor(t, "recognition session", func() bool {
		sessions := f.stt.Sessions()
		if len(sessions) == 0 {
			return false
		}
		s = sessions[len(sessions)-1]
		return true
	})
	return s
}

func (f *fixture) ttsStream(t *testing.T) *stage.MockTTSStream {
	t.Helper()
	var s *stage.MockTTSStream
	waitFor(t, "synthesis stream", func() bool {
		streams := f.tts.Streams()
		if len(streams) == 0 {
			return false
		}
		s = streams[len(streams)-1]
		return true
	})
	return s
}

// silentFrame is base64 G.711 mu-law silence, below any speech threshold.
func silentFrame() string {
	buf := make([]byte, 160)
	for i := range buf {
		buf[i] = 0xFF
	}
	return base64.StdEncoding.EncodeToString(buf)
}

// loudFrame is base64 G.711 mu-law at full scale, well above any threshold.
func loudFrame() string {
	return base64.StdEncoding.EncodeToString(make([]byte, 160))
}

// pcmSilentFrame is base64 PCM16LE digital silence, the browser wire format.
func pcmSilentFrame() string {
	return base64.StdEncoding.EncodeToString(make([]byte, 320))
}

func TestSessionHappyPath(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, Config{SilenceTimeout: time.Minute, MaxCallDuration: time.Minute}, nil, nil)
	f.start(t, ctx)

	f.conn.push(transport.Event{Kind: transport.EventStarted, StreamSID: "MZ1"})
	f.waitState(t, session.StateListening)

	tts := f.ttsStream(t)
	waitFor(t, "greeting", func() bool { return len(tts.Spoken()) == 1 })

	if got, err := f.sessions.LookupStream("MZ1"); err != nil || got.ID != f.sessID {
		t.Fatalf("LookupStream = %v, %v", got, err)
	}

	f.conn.push(transport.Event{Kind: transport.EventAudio, AudioBase64: silentFrame(), TimestampMs: 200})
	stt := f.sttSession(t)
	waitFor(t, "audio forwarded", func() bool { return stt.Chunks() >= 1 })

	stt.Emit(stage.STTEvent{Type: stage.STTEventSpeechStarted})
	f.waitState(t, session.StateUserSpeaking)

	stt.Emit(stage.STTEvent{Type: stage.STTEventFinal, Text: "what's the weather like"})
	f.waitState(t, session.StateProcessing)
	waitFor(t, "reply spoken", func() bool { return len(tts.Spoken()) == 2 })

	tts.Emit(stage.TTSEvent{Type: stage.TTSEventAudio, AudioBase64: "AAAA", ItemID: "item_1"})
	f.waitState(t, session.StateSpeaking)
	waitFor(t, "outbound audio", func() bool { return f.conn.audioCount() == 1 })

	tts.Emit(stage.TTSEvent{Type: stage.TTSEventDone})
	marks := f.conn.markNames()
	if len(marks) != 1 {
		t.Fatalf("marks sent = %v, want one", marks)
	}
	f.conn.push(transport.Event{Kind: transport.EventMark, MarkName: marks[0]})
	f.waitState(t, session.StateListening)

	f.conn.push(transport.Event{Kind: transport.EventStopped})
	if err := f.waitDone(t); err != nil {
		t.Fatalf("RunSession() error = %v", err)
	}
	s, _ := f.sessions.Get(f.sessID)
	if s.State != session.StateDisconnected {
		t.Fatalf("final state = %s", s.State)
	}
	if !stt.Closed() || !tts.Closed() {
		t.Fatalf("stage streams not closed: stt=%v tts=%v", stt.Closed(), tts.Closed())
	}
}

func TestBargeInTruncatesAtElapsedPlayback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, Config{SilenceTimeout: time.Minute, MaxCallDuration: time.Minute}, nil, nil)
	f.start(t, ctx)

	f.conn.push(transport.Event{Kind: transport.EventStarted, StreamSID: "MZ2"})
	f.waitState(t, session.StateListening)
	tts := f.ttsStream(t)
	stt := f.sttSession(t)

	// Inbound clock reads 1000 when the response starts playing.
	f.conn.push(transport.Event{Kind: transport.EventAudio, AudioBase64: silentFrame(), TimestampMs: 1000})
	waitFor(t, "audio forwarded", func() bool { return stt.Chunks() >= 1 })

	stt.Emit(stage.STTEvent{Type: stage.STTEventSpeechStarted})
	stt.Emit(stage.STTEvent{Type: stage.STTEventFinal, Text: "tell me a story"})
	waitFor(t, "reply spoken", func() bool { return len(tts.Spoken()) == 2 })

	tts.Emit(stage.TTSEvent{Type: stage.TTSEventAudio, AudioBase64: "AAAA", ItemID: "item_7"})
	f.waitState(t, session.StateSpeaking)

	// Carrier has played up to 1450 when the user starts talking over it.
	f.conn.push(transport.Event{Kind: transport.EventAudio, AudioBase64: silentFrame(), TimestampMs: 1450})
	waitFor(t, "second frame forwarded", func() bool { return stt.Chunks() >= 2 })
	stt.Emit(stage.STTEvent{Type: stage.STTEventSpeechStarted})

	f.waitState(t, session.StateUserSpeaking)
	waitFor(t, "truncate issued", func() bool { return len(tts.Truncates()) == 1 })

	tr := tts.Truncates()[0]
	if tr.ItemID != "item_7" || tr.AudioEndMs != 450 {
		t.Fatalf("truncate = %+v, want item_7 at 450ms", tr)
	}
	if f.conn.clearCount() != 1 {
		t.Fatalf("clears = %d, want 1", f.conn.clearCount())
	}
	s, _ := f.sessions.Get(f.sessID)
	if s.InterruptionCount != 1 {
		t.Fatalf("InterruptionCount = %d", s.InterruptionCount)
	}

	// A second barge-in signal for the same item must not truncate again.
	f.conn.push(transport.Event{Kind: transport.EventAudio, AudioBase64: silentFrame(), TimestampMs: 1500})
	stt.Emit(stage.STTEvent{Type: stage.STTEventSpeechStarted})
	time.Sleep(50 * time.Millisecond)
	if len(tts.Truncates()) != 1 {
		t.Fatalf("truncates = %v, want exactly one", tts.Truncates())
	}
}

func TestSilenceTimeoutSpeaksGoodbyeThenHangsUp(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, Config{SilenceTimeout: 60 * time.Millisecond, MaxCallDuration: time.Minute}, nil, nil)
	f.start(t, ctx)

	f.conn.push(transport.Event{Kind: transport.EventStarted, StreamSID: "MZ3"})
	f.waitState(t, session.StateListening)
	tts := f.ttsStream(t)

	waitFor(t, "goodbye spoken", func() bool {
		spoken := tts.Spoken()
		return len(spoken) == 2 && spoken[1] == closingText
	})

	tts.Emit(stage.TTSEvent{Type: stage.TTSEventAudio, AudioBase64: "AAAA", ItemID: "bye_1"})
	tts.Emit(stage.TTSEvent{Type: stage.TTSEventDone})
	waitFor(t, "goodbye mark", func() bool { return len(f.conn.markNames()) >= 1 })
	f.conn.push(transport.Event{Kind: transport.EventMark, MarkName: f.conn.markNames()[0]})

	if err := f.waitDone(t); err != nil {
		t.Fatalf("RunSession() error = %v", err)
	}
	if !f.conn.isClosed() {
		t.Fatalf("transport not closed after goodbye drained")
	}
	s, _ := f.sessions.Get(f.sessID)
	if s.State != session.StateDisconnected {
		t.Fatalf("final state = %s", s.State)
	}
}

func TestSilenceTimeoutFiresThroughQuietCarrierFrames(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, Config{SilenceTimeout: 150 * time.Millisecond, MaxCallDuration: time.Minute}, nil, nil)
	f.start(t, ctx)

	f.conn.push(transport.Event{Kind: transport.EventStarted, StreamSID: "MZ10"})
	f.waitState(t, session.StateListening)
	tts := f.ttsStream(t)

	// Speech-level frames hold the line open.
	ts := int64(0)
	for i := 0; i < 10; i++ {
		ts += 25
		f.conn.push(transport.Event{Kind: transport.EventAudio, AudioBase64: loudFrame(), TimestampMs: ts})
		time.Sleep(25 * time.Millisecond)
	}
	if got := tts.Spoken(); len(got) != 1 {
		t.Fatalf("goodbye spoken while the caller was audible: %v", got)
	}

	// A carrier keeps streaming media frames during silence; they must not
	// keep resetting the timeout.
	deadline := time.Now().Add(2 * time.Second)
	for len(tts.Spoken()) < 2 && time.Now().Before(deadline) {
		ts += 10
		f.conn.push(transport.Event{Kind: transport.EventAudio, AudioBase64: silentFrame(), TimestampMs: ts})
		time.Sleep(10 * time.Millisecond)
	}
	spoken := tts.Spoken()
	if len(spoken) != 2 || spoken[1] != closingText {
		t.Fatalf("silence timeout never closed the call, spoken = %v", spoken)
	}

	tts.Emit(stage.TTSEvent{Type: stage.TTSEventAudio, AudioBase64: "AAAA", ItemID: "bye_2"})
	tts.Emit(stage.TTSEvent{Type: stage.TTSEventDone})
	waitFor(t, "goodbye mark", func() bool { return len(f.conn.markNames()) >= 1 })
	f.conn.push(transport.Event{Kind: transport.EventMark, MarkName: f.conn.markNames()[0]})

	if err := f.waitDone(t); err != nil {
		t.Fatalf("RunSession() error = %v", err)
	}
}

func TestBrowserSessionUsesPCMFormats(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixtureTransport(t, Config{SilenceTimeout: time.Minute, MaxCallDuration: time.Minute},
		nil, nil, session.TransportBrowser)
	f.start(t, ctx)

	f.conn.push(transport.Event{Kind: transport.EventStarted, StreamSID: "web_1"})
	f.waitState(t, session.StateListening)

	stt := f.sttSession(t)
	tts := f.ttsStream(t)
	if stt.InputFormat != stage.FormatPCM16 {
		t.Fatalf("recognition input format = %q, want pcm16", stt.InputFormat)
	}
	if tts.OutputFormat != stage.FormatPCM16 {
		t.Fatalf("synthesis output format = %q, want pcm16", tts.OutputFormat)
	}
}

func TestBrowserSilentMicDoesNotBargeIn(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixtureTransport(t, Config{SilenceTimeout: time.Minute, MaxCallDuration: time.Minute},
		nil, nil, session.TransportBrowser)
	f.start(t, ctx)

	f.conn.push(transport.Event{Kind: transport.EventStarted, StreamSID: "web_2"})
	f.waitState(t, session.StateListening)
	stt := f.sttSession(t)
	tts := f.ttsStream(t)

	stt.Emit(stage.STTEvent{Type: stage.STTEventSpeechStarted})
	stt.Emit(stage.STTEvent{Type: stage.STTEventFinal, Text: "read me the headlines"})
	waitFor(t, "reply spoken", func() bool { return len(tts.Spoken()) == 2 })
	tts.Emit(stage.TTSEvent{Type: stage.TTSEventAudio, AudioBase64: "AAAA", ItemID: "item_3"})
	f.waitState(t, session.StateSpeaking)

	// PCM zero bytes are digital silence; through the mu-law table they would
	// read as full-scale energy and trip a phantom interruption.
	ts := int64(100)
	for i := 0; i < 8; i++ {
		ts += 20
		f.conn.push(transport.Event{Kind: transport.EventAudio, AudioBase64: pcmSilentFrame(), TimestampMs: ts})
	}
	time.Sleep(80 * time.Millisecond)

	if got := len(tts.Truncates()); got != 0 {
		t.Fatalf("silent mic caused %d truncates", got)
	}
	s, _ := f.sessions.Get(f.sessID)
	if s.State != session.StateSpeaking || s.InterruptionCount != 0 {
		t.Fatalf("silent mic interrupted playback: state=%s interruptions=%d", s.State, s.InterruptionCount)
	}
}

func TestRecognitionRestartKeepsTransportAlive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, Config{SilenceTimeout: time.Minute, MaxCallDuration: time.Minute}, nil, nil)
	f.start(t, ctx)

	f.conn.push(transport.Event{Kind: transport.EventStarted, StreamSID: "MZ4"})
	f.waitState(t, session.StateListening)

	first := f.sttSession(t)
	first.Close()

	waitFor(t, "recognition restart", func() bool { return len(f.stt.Sessions()) == 2 })
	if f.conn.isClosed() {
		t.Fatalf("transport was torn down by a stage restart")
	}
	s, _ := f.sessions.Get(f.sessID)
	if s.State != session.StateListening {
		t.Fatalf("state after restart = %s, want listening", s.State)
	}

	// The replacement session receives subsequent audio.
	f.conn.push(transport.Event{Kind: transport.EventAudio, AudioBase64: silentFrame(), TimestampMs: 100})
	second := f.stt.Sessions()[1]
	waitFor(t, "audio on new session", func() bool { return second.Chunks() >= 1 })
}

// blockingLLM holds each request until released, to keep a turn in flight.
type blockingLLM struct {
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (b *blockingLLM) StreamResponse(ctx context.Context, _ stage.ChatRequest, onDelta stage.DeltaHandler) (stage.ChatResponse, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	select {
	case <-b.release:
	case <-ctx.Done():
		return stage.ChatResponse{}, ctx.Err()
	}
	if onDelta != nil {
		if err := onDelta("done"); err != nil {
			return stage.ChatResponse{}, err
		}
	}
	return stage.ChatResponse{Text: "done"}, nil
}

func (b *blockingLLM) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func TestSecondFinalDroppedWhileTurnActive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	llm := &blockingLLM{release: make(chan struct{})}
	f := newFixture(t, Config{SilenceTimeout: time.Minute, MaxCallDuration: time.Minute}, llm, nil)
	f.start(t, ctx)

	f.conn.push(transport.Event{Kind: transport.EventStarted, StreamSID: "MZ5"})
	f.waitState(t, session.StateListening)
	stt := f.sttSession(t)
	tts := f.ttsStream(t)

	stt.Emit(stage.STTEvent{Type: stage.STTEventSpeechStarted})
	stt.Emit(stage.STTEvent{Type: stage.STTEventFinal, Text: "first question"})
	f.waitState(t, session.StateProcessing)
	waitFor(t, "first turn in flight", func() bool { return llm.callCount() == 1 })

	stt.Emit(stage.STTEvent{Type: stage.STTEventFinal, Text: "second question"})
	time.Sleep(50 * time.Millisecond)
	if llm.callCount() != 1 {
		t.Fatalf("calls = %d, concurrent turn was not rejected", llm.callCount())
	}

	close(llm.release)
	waitFor(t, "reply spoken", func() bool { return len(tts.Spoken()) == 2 })
}

func TestShortFinalReturnsToListening(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, Config{SilenceTimeout: time.Minute, MaxCallDuration: time.Minute, PartialMinChars: 3}, nil, nil)
	f.start(t, ctx)

	f.conn.push(transport.Event{Kind: transport.EventStarted, StreamSID: "MZ6"})
	f.waitState(t, session.StateListening)
	stt := f.sttSession(t)

	stt.Emit(stage.STTEvent{Type: stage.STTEventSpeechStarted})
	f.waitState(t, session.StateUserSpeaking)
	stt.Emit(stage.STTEvent{Type: stage.STTEventFinal, Text: "uh"})
	f.waitState(t, session.StateListening)

	if got := len(f.llm.Requests()); got != 0 {
		t.Fatalf("noise final reached the model: %d requests", got)
	}
}

// failingSTT always refuses to start, exhausting the single retry.
type failingSTT struct{}

func (failingSTT) StartSession(context.Context, string, string) (stage.STTSession, <-chan stage.STTEvent, error) {
	return nil, nil, errors.New("provisioning rejected")
}

func TestTerminalRecognitionErrorStaysVisibleAsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, Config{SilenceTimeout: time.Minute, MaxCallDuration: time.Minute}, nil, nil)
	f.start(t, ctx)

	f.conn.push(transport.Event{Kind: transport.EventStarted, StreamSID: "MZ11"})
	f.waitState(t, session.StateListening)
	stt := f.sttSession(t)
	tts := f.ttsStream(t)

	stt.Emit(stage.STTEvent{Type: stage.STTEventError, Code: "invalid_api_key", Detail: "key revoked"})
	waitFor(t, "apology spoken", func() bool {
		spoken := tts.Spoken()
		return len(spoken) == 2 && spoken[1] == apologyText
	})
	tts.Emit(stage.TTSEvent{Type: stage.TTSEventDone})

	err := f.waitDone(t)
	var serr *StageError
	if !errors.As(err, &serr) || serr.Stage != "stt" {
		t.Fatalf("RunSession() error = %v, want stt StageError", err)
	}
	// Observers must still see why the session died; ending it must not
	// repaint the state as a plain disconnect.
	s, _ := f.sessions.Get(f.sessID)
	if s.State != session.StateError {
		t.Fatalf("final state = %s, want error", s.State)
	}
	if !f.conn.isClosed() {
		t.Fatalf("transport left open after fatal stage error")
	}
}

func TestProvisioningFailureNeverReachesListening(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f := newFixture(t, Config{SilenceTimeout: time.Minute, MaxCallDuration: time.Minute}, nil, failingSTT{})
	f.start(t, ctx)

	err := f.waitDone(t)
	var perr *ProvisioningError
	if !errors.As(err, &perr) {
		t.Fatalf("RunSession() error = %v, want ProvisioningError", err)
	}
	s, _ := f.sessions.Get(f.sessID)
	if s.State != session.StateDisconnected {
		t.Fatalf("final state = %s", s.State)
	}
	if got := len(f.llm.Requests()); got != 0 {
		t.Fatalf("model invoked during failed provisioning: %d requests", got)
	}
}
