// Package ledger persists a record of every finished turn for usage
// reporting. Writes happen after the terminal event and never block the
// streaming path.
package ledger

import (
	"context"
	"time"
)

// Outcome indicates how a turn ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Entry represents a single finished turn written to the ledger.
type Entry struct {
	ID               int64     `json:"id"`
	TurnID           string    `json:"turn_id"`
	ConversationID   string    `json:"conversation_id,omitempty"`
	Identity         string    `json:"identity"`
	Provider         string    `json:"provider"`
	Model            string    `json:"model,omitempty"`
	Dialect          string    `json:"dialect,omitempty"`
	DeltaCount       int64     `json:"delta_count"`
	ReplyLen         int64     `json:"reply_len"`
	ValidationOK     bool      `json:"validation_ok"`
	ValidationReason string    `json:"validation_reason,omitempty"`
	Outcome          Outcome   `json:"outcome"`
	ErrorCode        string    `json:"error_code,omitempty"`
	DurationMs       int64     `json:"duration_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// Summary aggregates turn outcomes for an identity.
type Summary struct {
	TotalTurns      int64 `json:"total_turns"`
	CompletedTurns  int64 `json:"completed_turns"`
	FailedTurns     int64 `json:"failed_turns"`
	ValidReplies    int64 `json:"valid_replies"`
	TotalReplyChars int64 `json:"total_reply_chars"`
}

// Store defines persistence behaviour for the ledger.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	Summary(ctx context.Context, identity string) (Summary, error)
	ListRecent(ctx context.Context, identity string, limit int) ([]Entry, error)
	Close() error
}
