// Package transcript persists and fans out conversation records. The
// orchestrator only depends on the record shape; storage schema stays here.
package transcript

import (
	"context"
	"time"
)

// Record is one user or assistant utterance in a conversation thread.
type Record struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Redacted  bool      `json:"redacted"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Store is durable transcript persistence.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Recent(ctx context.Context, threadID string, limit int) ([]Record, error)
	Close() error
}

// Sink receives transcript records as a side effect, best effort.
type Sink interface {
	Publish(ctx context.Context, rec Record) error
	Close() error
}
