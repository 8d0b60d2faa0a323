package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// register sqlite driver
	_ "modernc.org/sqlite"

	"github.com/turnstream/turnstream-gateway/internal/ledger"
)

// Store implements ledger.Store backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS turn_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	turn_id TEXT NOT NULL,
	conversation_id TEXT,
	identity TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT,
	dialect TEXT,
	delta_count INTEGER NOT NULL,
	reply_len INTEGER NOT NULL,
	validation_ok INTEGER NOT NULL,
	validation_reason TEXT,
	outcome TEXT NOT NULL CHECK(outcome IN ('completed','failed')),
	error_code TEXT,
	duration_ms INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_turn_entries_turn_id ON turn_entries(turn_id);
CREATE INDEX IF NOT EXISTS idx_turn_entries_identity_created ON turn_entries(identity, created_at DESC);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts a new turn entry.
func (s *Store) Record(ctx context.Context, entry ledger.Entry) error {
	if entry.TurnID == "" {
		return errors.New("ledger record requires turn id")
	}
	if entry.Outcome != ledger.OutcomeCompleted && entry.Outcome != ledger.OutcomeFailed {
		return fmt.Errorf("invalid outcome %q", entry.Outcome)
	}
	created := entry.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO turn_entries(turn_id, conversation_id, identity, provider, model, dialect,
	delta_count, reply_len, validation_ok, validation_reason, outcome, error_code, duration_ms, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.TurnID,
		entry.ConversationID,
		entry.Identity,
		entry.Provider,
		entry.Model,
		entry.Dialect,
		entry.DeltaCount,
		entry.ReplyLen,
		boolToInt(entry.ValidationOK),
		entry.ValidationReason,
		string(entry.Outcome),
		entry.ErrorCode,
		entry.DurationMs,
		created,
	)
	return err
}

// Summary returns aggregated turn outcomes for the given identity.
func (s *Store) Summary(ctx context.Context, identity string) (ledger.Summary, error) {
	if identity == "" {
		return ledger.Summary{}, errors.New("identity required")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT
	COUNT(*) AS total,
	COALESCE(SUM(CASE WHEN outcome='completed' THEN 1 ELSE 0 END), 0) AS completed,
	COALESCE(SUM(CASE WHEN outcome='failed' THEN 1 ELSE 0 END), 0) AS failed,
	COALESCE(SUM(CASE WHEN validation_ok=1 THEN 1 ELSE 0 END), 0) AS valid,
	COALESCE(SUM(reply_len), 0) AS reply_chars
FROM turn_entries
WHERE identity = ?`, identity)

	var sum ledger.Summary
	if err := row.Scan(&sum.TotalTurns, &sum.CompletedTurns, &sum.FailedTurns, &sum.ValidReplies, &sum.TotalReplyChars); err != nil {
		return ledger.Summary{}, err
	}
	return sum, nil
}

// ListRecent returns the latest entries for an identity.
func (s *Store) ListRecent(ctx context.Context, identity string, limit int) ([]ledger.Entry, error) {
	if identity == "" {
		return nil, errors.New("identity required")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, turn_id, conversation_id, identity, provider, model, dialect,
	delta_count, reply_len, validation_ok, validation_reason, outcome, error_code, duration_ms, created_at
FROM turn_entries
WHERE identity = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`, identity, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e       ledger.Entry
			validOK int
			outcome string
		)
		if err := rows.Scan(&e.ID, &e.TurnID, &e.ConversationID, &e.Identity, &e.Provider, &e.Model, &e.Dialect,
			&e.DeltaCount, &e.ReplyLen, &validOK, &e.ValidationReason, &outcome, &e.ErrorCode, &e.DurationMs, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.ValidationOK = validOK != 0
		e.Outcome = ledger.Outcome(outcome)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
