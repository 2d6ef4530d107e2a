package voice

import (
	"context"
	"time"

	"github.com/antoniostano/voicelink/internal/session"
)

// handleBargeIn stops assistant playback the moment the user starts talking
// over it. The truncation offset is computed from the carrier's own playback
// clock: latest inbound media timestamp minus the timestamp at which the
// response started, which is the audio the far end has actually heard.
func (l *loop) handleBargeIn(ctx context.Context, source string) {
	if !l.speaking() {
		return
	}
	started := time.Now()

	elapsed, ok := l.tracker.ElapsedPlaybackMs()
	if !ok {
		return
	}

	// One truncate per response item. A second barge-in signal for the same
	// item (local energy plus recognizer speech_started) must not re-trim.
	if l.currentItemID != "" && l.currentItemID != l.truncatedItem {
		if err := l.ttsStream.Truncate(ctx, l.currentItemID, 0, elapsed); err != nil {
			terr := &TruncationError{Err: err}
			l.log.Warn().Err(terr).Str("item_id", l.currentItemID).Int64("audio_end_ms", elapsed).Msg("truncate rejected, continuing")
		}
		l.truncatedItem = l.currentItemID
	}

	_ = l.ttsStream.Cancel(ctx)
	if err := l.conn.Clear(ctx); err != nil {
		l.log.Warn().Err(err).Msg("carrier clear failed")
	}

	l.tracker.EndResponse()
	l.responseDone = false
	l.cancelTurn()
	l.detector.Reset()

	_ = l.o.sessions.Interrupt(l.sessID)
	l.o.metrics.Interruptions.Inc()
	l.o.metrics.ObserveTruncateOffset(elapsed)
	l.o.latency.Observe("interrupt_to_clear", msSince(started))

	l.transition(session.StateUserSpeaking)
	l.log.Info().
		Str("source", source).
		Str("item_id", l.currentItemID).
		Int64("audio_end_ms", elapsed).
		Msg("barge-in handled")
}
