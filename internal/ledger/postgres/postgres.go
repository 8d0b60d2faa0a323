package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/turnstream/turnstream-gateway/internal/ledger"
)

// Store implements ledger.Store backed by PostgreSQL.
type Store struct {
	db *sql.DB
}

// New opens a PostgreSQL-backed ledger store using the provided DSN and
// connection pool settings.
func New(dsn string, maxOpen, maxIdle, lifetimeMinutes, idleTimeMinutes int) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}

	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		db.SetMaxIdleConns(maxIdle)
	}
	if lifetimeMinutes > 0 {
		db.SetConnMaxLifetime(time.Duration(lifetimeMinutes) * time.Minute)
	}
	if idleTimeMinutes > 0 {
		db.SetConnMaxIdleTime(time.Duration(idleTimeMinutes) * time.Minute)
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
	id BIGSERIAL PRIMARY KEY,
	turn_id TEXT NOT NULL,
	conversation_id TEXT,
	identity TEXT NOT NULL,
	provider TEXT NOT NULL,
	model TEXT,
	dialect TEXT,
	delta_count BIGINT NOT NULL,
	reply_len BIGINT NOT NULL,
	validation_ok BOOLEAN NOT NULL,
	validation_reason TEXT,
	outcome TEXT NOT NULL CHECK(outcome IN ('completed','failed')),
	error_code TEXT,
	duration_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
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
VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		entry.TurnID,
		entry.ConversationID,
		entry.Identity,
		entry.Provider,
		entry.Model,
		entry.Dialect,
		entry.DeltaCount,
		entry.ReplyLen,
		entry.ValidationOK,
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
	COALESCE(SUM(CASE WHEN validation_ok THEN 1 ELSE 0 END), 0) AS valid,
	COALESCE(SUM(reply_len), 0) AS reply_chars
FROM turn_entries
WHERE identity = $1`, identity)

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
WHERE identity = $1
ORDER BY created_at DESC, id DESC
LIMIT $2`, identity, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var (
			e       ledger.Entry
			outcome string
		)
		if err := rows.Scan(&e.ID, &e.TurnID, &e.ConversationID, &e.Identity, &e.Provider, &e.Model, &e.Dialect,
			&e.DeltaCount, &e.ReplyLen, &e.ValidationOK, &e.ValidationReason, &outcome, &e.ErrorCode, &e.DurationMs, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Outcome = ledger.Outcome(outcome)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
