package transcript

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Recorder is the write path the orchestrator uses: redact, persist, fan out.
// Store and sink failures are logged, never propagated into the call path; a
// broken database must not end a live conversation.
type Recorder struct {
	store  Store
	sinks  []Sink
	logger zerolog.Logger
}

func NewRecorder(store Store, logger zerolog.Logger, sinks ...Sink) *Recorder {
	return &Recorder{store: store, sinks: sinks, logger: logger}
}

func (r *Recorder) Record(ctx context.Context, rec Record) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec.Content, rec.Redacted = RedactPII(rec.Content)

	if r.store != nil {
		if err := r.store.Save(ctx, rec); err != nil {
			r.logger.Error().Err(err).Str("thread_id", rec.ThreadID).Msg("transcript save failed")
		}
	}
	for _, sink := range r.sinks {
		if err := sink.Publish(ctx, rec); err != nil {
			r.logger.Warn().Err(err).Str("thread_id", rec.ThreadID).Msg("transcript publish failed")
		}
	}
}

func (r *Recorder) Recent(ctx context.Context, threadID string, limit int) ([]Record, error) {
	if r.store == nil {
		return nil, nil
	}
	return r.store.Recent(ctx, threadID, limit)
}

func (r *Recorder) Close() {
	if r.store != nil {
		_ = r.store.Close()
	}
	for _, sink := range r.sinks {
		_ = sink.Close()
	}
}

// MemoryStore keeps transcripts in memory; the fallback when no database is
// configured, and the store used by tests.
type MemoryStore struct {
	mu      sync.Mutex
	byID    map[string]Record
	ordered []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]Record)}
}

func (s *MemoryStore) Save(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[rec.ID]; !exists {
		s.ordered = append(s.ordered, rec)
	}
	s.byID[rec.ID] = rec
	return nil
}

func (s *MemoryStore) Recent(_ context.Context, threadID string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []Record
	for _, rec := range s.ordered {
		if rec.ThreadID == threadID {
			matched = append(matched, rec)
		}
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	out := make([]Record, len(matched))
	copy(out, matched)
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
