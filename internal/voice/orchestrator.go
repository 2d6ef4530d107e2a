// Package voice runs the conversation loop for one live session: carrier
// audio in, recognized speech through the language model, synthesized speech
// back out, with barge-in interruption handling in between.
package voice

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/antoniostano/voicelink/internal/audio"
	"github.com/antoniostano/voicelink/internal/observability"
	"github.com/antoniostano/voicelink/internal/relay"
	"github.com/antoniostano/voicelink/internal/reliability"
	"github.com/antoniostano/voicelink/internal/session"
	"github.com/antoniostano/voicelink/internal/stage"
	"github.com/antoniostano/voicelink/internal/transcript"
	"github.com/antoniostano/voicelink/internal/transport"
)

const (
	greetingText    = "Hi, you're connected. How can I help?"
	closingText     = "Thanks for the conversation. Goodbye."
	apologyText     = "Sorry, I ran into a problem with that. Could you say it again?"
	unavailableText = "The service is unavailable right now. Please try again later."

	// drainGrace bounds how long a closing session waits for the carrier to
	// acknowledge the goodbye audio before hanging up anyway.
	drainGrace = 6 * time.Second

	stageRetryBackoff = 250 * time.Millisecond

	// endpointDebounce returns the session to listening when speech stops
	// without ever producing a final transcript.
	endpointDebounce = 1500 * time.Millisecond
)

// Config carries the per-deployment knobs of the session loop.
type Config struct {
	Instructions      string
	Greeting          string
	SilenceTimeout    time.Duration
	MaxCallDuration   time.Duration
	PartialMinChars   int
	FrameQueueCap     int
	ActivityThreshold float64
	ActivityWindow    int
}

// Orchestrator owns the pipeline stages and drives one loop per session.
type Orchestrator struct {
	cfg      Config
	sessions *session.Manager
	stt      stage.STTProvider
	llm      stage.LLMProvider
	tts      stage.TTSProvider
	recorder *transcript.Recorder
	metrics  *observability.Metrics
	latency  *observability.LatencyWindow
	logger   zerolog.Logger
}

func NewOrchestrator(
	cfg Config,
	sessions *session.Manager,
	stt stage.STTProvider,
	llm stage.LLMProvider,
	tts stage.TTSProvider,
	recorder *transcript.Recorder,
	metrics *observability.Metrics,
	latency *observability.LatencyWindow,
	logger zerolog.Logger,
) *Orchestrator {
	if cfg.Greeting == "" {
		cfg.Greeting = greetingText
	}
	if cfg.SilenceTimeout <= 0 {
		cfg.SilenceTimeout = 45 * time.Second
	}
	if cfg.MaxCallDuration <= 0 {
		cfg.MaxCallDuration = 30 * time.Minute
	}
	if cfg.PartialMinChars <= 0 {
		cfg.PartialMinChars = 3
	}
	if cfg.ActivityThreshold <= 0 {
		cfg.ActivityThreshold = 300
	}
	return &Orchestrator{
		cfg:      cfg,
		sessions: sessions,
		stt:      stt,
		llm:      llm,
		tts:      tts,
		recorder: recorder,
		metrics:  metrics,
		latency:  latency,
		logger:   logger,
	}
}

type turnResult struct {
	turnID string
	text   string
	err    error
}

// loop holds the mutable state of one running session. All fields are owned
// by the single goroutine running run(); the stage feed goroutine only
// touches sttSession through feedMu.
type loop struct {
	o      *Orchestrator
	sessID string
	conn   transport.Connection
	log    zerolog.Logger

	sttSession stage.STTSession
	sttEvents  <-chan stage.STTEvent
	ttsStream  stage.TTSStream

	inputFormat  string
	outputFormat string

	tracker  *relay.Tracker
	queue    *relay.FrameQueue
	detector *audio.LevelDetector

	silence  *time.Timer
	callCap  *time.Timer
	debounce *time.Timer

	turnCh     chan turnResult
	turnID     string
	turnCancel context.CancelFunc

	currentItemID string
	markSeq       int
	responseDone  bool
	truncatedItem string
	closing       bool

	speechStartedAt time.Time
	partialSeen     bool
	finalAt         time.Time
	firstAudioSeen  bool
}

// RunSession drives the session until the carrier disconnects, a timeout
// fires, or the context ends. It owns every state transition for the session.
func (o *Orchestrator) RunSession(ctx context.Context, sessID string, conn transport.Connection) error {
	s, err := o.sessions.Get(sessID)
	if err != nil {
		return err
	}
	log := o.logger.With().Str("session_id", sessID).Str("transport", string(s.Transport)).Logger()

	if _, err := o.sessions.Transition(sessID, session.StateConnecting); err != nil {
		return err
	}
	o.metrics.ActiveSessions.Inc()
	o.metrics.SessionEvents.WithLabelValues("connected").Inc()
	defer o.metrics.ActiveSessions.Dec()

	inFormat, outFormat := transportFormats(s.Transport)
	l := &loop{
		o:            o,
		sessID:       sessID,
		conn:         conn,
		log:          log,
		inputFormat:  inFormat,
		outputFormat: outFormat,
		tracker:      relay.NewTracker(),
		queue:        relay.NewFrameQueue(o.cfg.FrameQueueCap),
		detector:     audio.NewLevelDetector(o.cfg.ActivityThreshold, o.cfg.ActivityWindow),
		turnCh:       make(chan turnResult, 1),
	}

	if err := l.provision(ctx, s.VoiceID); err != nil {
		log.Error().Err(err).Msg("stage provisioning failed")
		l.sayBestEffort(ctx, unavailableText)
		l.teardown(session.StateError)
		return &ProvisioningError{Err: err}
	}

	return l.run(ctx)
}

// transportFormats picks the wire format for each direction of session
// audio. The carrier dictates it: telephony and the chunked uploader speak
// G.711 µ-law, the browser peer connection speaks PCM16.
func transportFormats(kind session.TransportKind) (in, out string) {
	if kind == session.TransportBrowser {
		return stage.FormatPCM16, stage.FormatPCM16
	}
	return stage.FormatMuLaw, stage.FormatMuLaw
}

// provision brings up the recognition and synthesis streams. Each gets one
// retry; a session that cannot provision never leaves connecting.
func (l *loop) provision(ctx context.Context, voiceID string) error {
	err := reliability.RetryOnce(ctx, stageRetryBackoff, func(ctx context.Context) error {
		sess, events, err := l.o.stt.StartSession(ctx, l.sessID, l.inputFormat)
		if err != nil {
			return err
		}
		l.sttSession = sess
		l.sttEvents = events
		return nil
	})
	if err != nil {
		return fmt.Errorf("start recognition: %w", err)
	}

	err = reliability.RetryOnce(ctx, stageRetryBackoff, func(ctx context.Context) error {
		stream, err := l.o.tts.StartStream(ctx, l.sessID, voiceID, l.outputFormat)
		if err != nil {
			return err
		}
		l.ttsStream = stream
		return nil
	})
	if err != nil {
		_ = l.sttSession.Close()
		return fmt.Errorf("start synthesis: %w", err)
	}
	return nil
}

func (l *loop) run(ctx context.Context) error {
	l.silence = time.NewTimer(l.o.cfg.SilenceTimeout)
	l.callCap = time.NewTimer(l.o.cfg.MaxCallDuration)
	l.debounce = time.NewTimer(time.Hour)
	stopTimer(l.debounce)
	defer l.silence.Stop()
	defer l.callCap.Stop()
	defer l.debounce.Stop()

	for {
		ttsEvents := l.ttsEventChan()
		select {
		case <-ctx.Done():
			l.teardown(session.StateDisconnected)
			return ctx.Err()

		case ev, ok := <-l.conn.Inbound():
			if !ok {
				l.log.Info().Msg("carrier closed the stream")
				l.teardown(session.StateDisconnected)
				return nil
			}
			if done := l.handleTransport(ctx, ev); done {
				return nil
			}

		case se, ok := <-l.sttEvents:
			if !ok {
				if err := l.restartSTT(ctx); err != nil {
					l.log.Error().Err(err).Msg("recognition stream lost and restart failed")
					l.failFatal(ctx)
					return &StageError{Stage: "stt", Err: err}
				}
				continue
			}
			if done := l.handleSTT(ctx, se); done {
				return &StageError{Stage: "stt", Err: fmt.Errorf("%s: %s", se.Code, se.Detail)}
			}

		case te, ok := <-ttsEvents:
			if !ok {
				if err := l.restartTTS(ctx); err != nil {
					l.log.Error().Err(err).Msg("synthesis stream lost and restart failed")
					l.failFatal(ctx)
					return &StageError{Stage: "tts", Err: err}
				}
				continue
			}
			if done := l.handleTTS(ctx, te); done {
				return nil
			}

		case res := <-l.turnCh:
			l.handleTurnResult(ctx, res)

		case <-l.silence.C:
			l.log.Info().Msg("silence timeout, closing session")
			l.o.metrics.SessionEvents.WithLabelValues("silence_timeout").Inc()
			if done := l.beginClose(ctx); done {
				return nil
			}

		case <-l.callCap.C:
			l.log.Info().Msg("maximum call duration reached, closing session")
			l.o.metrics.SessionEvents.WithLabelValues("max_duration").Inc()
			if done := l.beginClose(ctx); done {
				return nil
			}

		case <-l.debounce.C:
			l.settleWithoutFinal()
		}
	}
}

func (l *loop) ttsEventChan() <-chan stage.TTSEvent {
	if l.ttsStream == nil {
		return nil
	}
	return l.ttsStream.Events()
}

func (l *loop) handleTransport(ctx context.Context, ev transport.Event) bool {
	switch ev.Kind {
	case transport.EventStarted:
		l.o.metrics.TransportFrames.WithLabelValues("inbound", "start").Inc()
		if ev.StreamSID != "" {
			if err := l.o.sessions.BindStream(l.sessID, ev.StreamSID); err != nil {
				l.log.Warn().Err(err).Msg("stream bind failed")
			}
		}
		l.transition(session.StateListening)
		l.log.Info().Str("stream_sid", ev.StreamSID).Msg("media stream started")
		l.speak(ctx, l.o.cfg.Greeting)

	case transport.EventAudio:
		l.o.metrics.TransportFrames.WithLabelValues("inbound", "media").Inc()
		l.tracker.ObserveInbound(ev.TimestampMs)
		_ = l.o.sessions.Touch(l.sessID)
		samples := l.decodeInbound(ev.AudioBase64)
		// Carriers stream media continuously, silence included. Only frames
		// with speech-level energy count as activity, and nothing revives the
		// timer once the closing drain grace is running.
		if !l.closing && audio.RMS(samples) >= l.o.cfg.ActivityThreshold {
			resetTimer(l.silence, l.o.cfg.SilenceTimeout)
		}
		l.forwardAudio(ctx, ev)
		l.detectLocalSpeech(ctx, samples)

	case transport.EventMark:
		l.o.metrics.TransportFrames.WithLabelValues("inbound", "mark").Inc()
		l.tracker.AckMark()
		if l.responseDone && l.tracker.PendingMarks() == 0 {
			return l.finishResponse(ctx)
		}

	case transport.EventStopped:
		l.o.metrics.TransportFrames.WithLabelValues("inbound", "stop").Inc()
		l.log.Info().Msg("carrier stop frame received")
		l.teardown(session.StateDisconnected)
		return true
	}
	return false
}

// forwardAudio pushes the frame through the bounded queue and drains it into
// the recognizer. Eviction under pressure costs the oldest audio, never the
// socket read loop.
func (l *loop) forwardAudio(ctx context.Context, ev transport.Event) {
	if l.queue.Push(relay.Frame{Payload: []byte(ev.AudioBase64), TimestampMs: ev.TimestampMs}) {
		l.o.metrics.DroppedFrames.Inc()
	}
	for {
		f, ok := l.queue.Pop()
		if !ok {
			return
		}
		if err := l.sttSession.SendAudioChunk(ctx, string(f.Payload), false); err != nil {
			l.log.Warn().Err(err).Msg("recognition send failed")
			l.o.metrics.StageErrors.WithLabelValues("stt", "send").Inc()
			return
		}
	}
}

// decodeInbound turns one carrier frame into PCM samples using the
// transport's wire format. Feeding PCM16 bytes through the µ-law table would
// turn digital silence into full-scale noise.
func (l *loop) decodeInbound(audioBase64 string) []int16 {
	raw, err := base64.StdEncoding.DecodeString(audioBase64)
	if err != nil {
		return nil
	}
	if l.inputFormat == stage.FormatPCM16 {
		return audio.PCM16LESamples(raw)
	}
	return audio.DecodeMuLaw(raw)
}

// detectLocalSpeech runs the energy detector over inbound audio so barge-in
// fires from the local signal even before the recognizer reports speech.
func (l *loop) detectLocalSpeech(ctx context.Context, samples []int16) {
	if !l.speaking() || len(samples) == 0 {
		return
	}
	if l.detector.Active(samples) {
		l.handleBargeIn(ctx, "local_energy")
	}
}

// handleSTT reacts to one recognizer event. It reports true when the session
// was torn down and the loop must exit.
func (l *loop) handleSTT(ctx context.Context, ev stage.STTEvent) bool {
	switch ev.Type {
	case stage.STTEventSpeechStarted:
		l.speechStartedAt = time.Now()
		l.partialSeen = false
		if !l.closing {
			resetTimer(l.silence, l.o.cfg.SilenceTimeout)
		}
		if l.speaking() {
			l.handleBargeIn(ctx, "speech_started")
			return false
		}
		if l.state() == session.StateListening {
			l.transition(session.StateUserSpeaking)
		}

	case stage.STTEventPartial:
		if len(strings.TrimSpace(ev.Text)) < l.o.cfg.PartialMinChars {
			return false
		}
		if !l.partialSeen && !l.speechStartedAt.IsZero() {
			l.o.latency.Observe("speech_to_partial", msSince(l.speechStartedAt))
		}
		l.partialSeen = true

	case stage.STTEventFinal:
		stopTimer(l.debounce)
		text := strings.TrimSpace(ev.Text)
		if len(text) < l.o.cfg.PartialMinChars {
			l.settleWithoutFinal()
			return false
		}
		if !l.speechStartedAt.IsZero() {
			l.o.latency.Observe("speech_to_final", msSince(l.speechStartedAt))
		}
		l.startTurn(ctx, text)

	case stage.STTEventSpeechStopped:
		if l.state() == session.StateUserSpeaking {
			resetTimer(l.debounce, endpointDebounce)
		}

	case stage.STTEventError:
		l.o.metrics.StageErrors.WithLabelValues("stt", ev.Code).Inc()
		if !ev.Retryable && !reliability.IsRetryableAICode(ev.Code) {
			l.log.Error().Str("code", ev.Code).Str("detail", ev.Detail).Msg("terminal recognition error")
			l.failFatal(ctx)
			return true
		}
		if err := l.restartSTT(ctx); err != nil {
			l.log.Error().Err(err).Msg("recognition restart failed")
			l.failFatal(ctx)
			return true
		}
	}
	return false
}

// settleWithoutFinal returns to listening when speech activity never produced
// a usable transcript.
func (l *loop) settleWithoutFinal() {
	if l.state() == session.StateUserSpeaking && l.turnID == "" {
		l.transition(session.StateListening)
	}
}

// startTurn launches one generation turn. A turn already in flight wins; the
// new final is dropped because the user will hear the in-flight answer first.
func (l *loop) startTurn(ctx context.Context, text string) {
	if l.turnID != "" {
		l.log.Warn().Msg("final transcript while a turn is active, dropping")
		return
	}
	switch l.state() {
	case session.StateUserSpeaking:
		l.transition(session.StateProcessing)
	case session.StateListening:
		// A final with no speech_started still moves through user_speaking
		// so the published state sequence stays truthful.
		l.transition(session.StateUserSpeaking)
		l.transition(session.StateProcessing)
	default:
		l.log.Warn().Str("state", string(l.state())).Msg("final transcript in unexpected state, dropping")
		return
	}

	l.finalAt = time.Now()
	l.turnID = uuid.NewString()
	_ = l.o.sessions.StartTurn(l.sessID, l.turnID)
	l.o.recorder.Record(ctx, transcript.Record{
		ThreadID:  l.sessID,
		SessionID: l.sessID,
		Role:      transcript.RoleUser,
		Content:   text,
	})

	turnCtx, cancel := context.WithCancel(ctx)
	l.turnCancel = cancel
	turnID := l.turnID
	go func() {
		var reply strings.Builder
		err := reliability.RetryOnce(turnCtx, stageRetryBackoff, func(ctx context.Context) error {
			reply.Reset()
			_, err := l.o.llm.StreamResponse(ctx, stage.ChatRequest{
				ThreadID:     l.sessID,
				Instructions: l.o.cfg.Instructions,
				Text:         text,
			}, func(delta string) error {
				reply.WriteString(delta)
				return nil
			})
			return err
		})
		select {
		case l.turnCh <- turnResult{turnID: turnID, text: reply.String(), err: err}:
		case <-turnCtx.Done():
		}
	}()
}

func (l *loop) handleTurnResult(ctx context.Context, res turnResult) {
	if res.turnID != l.turnID {
		return
	}
	l.turnID = ""
	l.turnCancel = nil

	if res.err != nil {
		if errors.Is(res.err, context.Canceled) {
			return
		}
		l.log.Error().Err(res.err).Msg("generation failed")
		l.o.metrics.StageErrors.WithLabelValues("llm", "generate").Inc()
		l.speak(ctx, apologyText)
		return
	}

	reply := strings.TrimSpace(res.text)
	if reply == "" {
		l.transition(session.StateListening)
		return
	}
	l.o.recorder.Record(ctx, transcript.Record{
		ThreadID:  l.sessID,
		SessionID: l.sessID,
		Role:      transcript.RoleAssistant,
		Content:   reply,
	})
	l.speak(ctx, reply)
}

// speak starts a synthesis response. The session reaches speaking only when
// the first audio chunk actually arrives.
func (l *loop) speak(ctx context.Context, text string) {
	if text == "" || l.ttsStream == nil {
		return
	}
	l.responseDone = false
	l.firstAudioSeen = false
	l.currentItemID = ""
	l.truncatedItem = ""
	if err := l.ttsStream.Speak(ctx, text); err != nil {
		l.log.Error().Err(err).Msg("synthesis request failed")
		l.o.metrics.StageErrors.WithLabelValues("tts", "speak").Inc()
		if l.state() == session.StateProcessing {
			l.transition(session.StateListening)
		}
	}
}

func (l *loop) handleTTS(ctx context.Context, ev stage.TTSEvent) bool {
	switch ev.Type {
	case stage.TTSEventAudio:
		// Deltas for an already truncated item are stale playback; the
		// carrier buffer was cleared, so forwarding them would replay audio
		// the user talked over.
		if ev.ItemID != "" && ev.ItemID == l.truncatedItem {
			return false
		}
		if ev.ItemID != "" {
			l.currentItemID = ev.ItemID
		}
		if !l.firstAudioSeen {
			l.firstAudioSeen = true
			l.tracker.BeginResponse()
			if !l.finalAt.IsZero() {
				l.o.metrics.ObserveFirstAudioLatency(time.Since(l.finalAt))
				l.o.latency.Observe("final_to_first_audio", msSince(l.finalAt))
				l.finalAt = time.Time{}
			}
			if l.state() == session.StateProcessing || l.state() == session.StateListening {
				l.transition(session.StateSpeaking)
			}
		}
		if err := l.conn.SendAudio(ctx, ev.AudioBase64); err != nil {
			l.log.Error().Err(err).Msg("outbound audio failed")
			l.teardown(session.StateDisconnected)
			return true
		}
		l.o.metrics.TransportFrames.WithLabelValues("outbound", "media").Inc()
		l.markSeq++
		mark := fmt.Sprintf("resp_%d", l.markSeq)
		if err := l.conn.SendMark(ctx, mark); err == nil {
			l.tracker.PushMark(mark)
			l.o.metrics.TransportFrames.WithLabelValues("outbound", "mark").Inc()
		}

	case stage.TTSEventDone:
		l.responseDone = true
		if l.tracker.PendingMarks() == 0 {
			return l.finishResponse(ctx)
		}

	case stage.TTSEventError:
		l.o.metrics.StageErrors.WithLabelValues("tts", ev.Code).Inc()
		if err := l.restartTTS(ctx); err != nil {
			l.log.Error().Err(err).Msg("synthesis restart failed")
			l.failFatal(ctx)
			return true
		}
		if l.state() == session.StateSpeaking || l.state() == session.StateProcessing {
			l.tracker.EndResponse()
			l.transition(session.StateListening)
		}
	}
	return false
}

// finishResponse runs once playback has fully drained: synthesis reported
// done and the carrier acknowledged every outbound mark.
func (l *loop) finishResponse(ctx context.Context) bool {
	l.responseDone = false
	l.tracker.EndResponse()
	if !l.speechStartedAt.IsZero() {
		l.o.latency.Observe("turn_total", msSince(l.speechStartedAt))
		l.speechStartedAt = time.Time{}
	}
	if l.closing {
		l.teardown(session.StateDisconnected)
		return true
	}
	if l.state() == session.StateSpeaking {
		l.transition(session.StateListening)
	}
	_ = l.o.sessions.StartTurn(l.sessID, "")
	return false
}

// beginClose speaks the goodbye line and lets the drain logic hang up once
// the carrier has heard it. The grace timer bounds a carrier that never acks.
func (l *loop) beginClose(ctx context.Context) bool {
	if l.closing {
		// Second fire is the drain grace expiring; hang up regardless.
		l.teardown(session.StateDisconnected)
		return true
	}
	l.closing = true
	l.cancelTurn()
	if l.speaking() {
		l.handleBargeIn(ctx, "closing")
	}
	if l.state() == session.StateUserSpeaking {
		l.transition(session.StateListening)
	}
	if l.ttsStream == nil {
		l.teardown(session.StateDisconnected)
		return true
	}
	l.responseDone = false
	l.firstAudioSeen = false
	l.currentItemID = ""
	l.truncatedItem = ""
	if err := l.ttsStream.Speak(ctx, closingText); err != nil {
		l.teardown(session.StateDisconnected)
		return true
	}
	resetTimer(l.silence, drainGrace)
	return false
}

func (l *loop) failFatal(ctx context.Context) {
	l.sayBestEffort(ctx, apologyText)
	l.teardown(session.StateError)
}

// sayBestEffort pushes one line of audio without waiting for playback; used
// on paths where the session is ending anyway.
func (l *loop) sayBestEffort(ctx context.Context, text string) {
	if l.ttsStream == nil {
		return
	}
	_ = l.ttsStream.Speak(ctx, text)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-l.ttsStream.Events():
			if !ok {
				return
			}
			if ev.Type == stage.TTSEventAudio {
				_ = l.conn.SendAudio(ctx, ev.AudioBase64)
			}
			if ev.Type == stage.TTSEventDone || ev.Type == stage.TTSEventError {
				return
			}
		case <-deadline:
			return
		}
	}
}

func (l *loop) restartSTT(ctx context.Context) error {
	l.log.Warn().Msg("restarting recognition stream")
	l.o.metrics.SessionEvents.WithLabelValues("stt_restart").Inc()
	if l.sttSession != nil {
		_ = l.sttSession.Close()
	}
	return reliability.RetryOnce(ctx, stageRetryBackoff, func(ctx context.Context) error {
		sess, events, err := l.o.stt.StartSession(ctx, l.sessID, l.inputFormat)
		if err != nil {
			return err
		}
		l.sttSession = sess
		l.sttEvents = events
		return nil
	})
}

func (l *loop) restartTTS(ctx context.Context) error {
	l.log.Warn().Msg("restarting synthesis stream")
	l.o.metrics.SessionEvents.WithLabelValues("tts_restart").Inc()
	if l.ttsStream != nil {
		_ = l.ttsStream.Close()
	}
	s, err := l.o.sessions.Get(l.sessID)
	if err != nil {
		return err
	}
	return reliability.RetryOnce(ctx, stageRetryBackoff, func(ctx context.Context) error {
		stream, err := l.o.tts.StartStream(ctx, l.sessID, s.VoiceID, l.outputFormat)
		if err != nil {
			return err
		}
		l.ttsStream = stream
		return nil
	})
}

func (l *loop) cancelTurn() {
	if l.turnCancel != nil {
		l.turnCancel()
		l.turnCancel = nil
	}
	l.turnID = ""
}

func (l *loop) teardown(final session.State) {
	l.cancelTurn()
	if l.sttSession != nil {
		_ = l.sttSession.Close()
	}
	if l.ttsStream != nil {
		_ = l.ttsStream.Close()
	}
	_ = l.conn.Close()
	l.queue.Clear()
	if final == session.StateError {
		l.transition(session.StateError)
	}
	if _, err := l.o.sessions.End(l.sessID); err != nil {
		l.log.Warn().Err(err).Msg("session end failed")
	}
	l.o.metrics.SessionEvents.WithLabelValues("ended").Inc()
	l.log.Info().Str("final_state", string(final)).Msg("session ended")
}

func (l *loop) state() session.State {
	s, err := l.o.sessions.Get(l.sessID)
	if err != nil {
		return session.StateDisconnected
	}
	return s.State
}

func (l *loop) speaking() bool { return l.state() == session.StateSpeaking }

func (l *loop) transition(next session.State) {
	if _, err := l.o.sessions.Transition(l.sessID, next); err != nil {
		var inv *session.InvalidTransitionError
		if errors.As(err, &inv) {
			l.log.Warn().Str("from", string(inv.From)).Str("to", string(inv.To)).Msg("transition rejected")
			return
		}
		l.log.Warn().Err(err).Msg("transition failed")
	}
}

func msSince(t time.Time) float64 {
	return float64(time.Since(t).Microseconds()) / 1000.0
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}
