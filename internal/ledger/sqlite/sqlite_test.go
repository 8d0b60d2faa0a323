package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/turnstream/turnstream-gateway/internal/ledger"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func entry(turnID string, outcome ledger.Outcome, validOK bool, replyLen int64) ledger.Entry {
	return ledger.Entry{
		TurnID:       turnID,
		Identity:     "alice",
		Provider:     "loopback",
		Model:        "loopback-1",
		DeltaCount:   3,
		ReplyLen:     replyLen,
		ValidationOK: validOK,
		Outcome:      outcome,
		DurationMs:   42,
	}
}

func TestRecordAndSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Record(ctx, entry("t1", ledger.OutcomeCompleted, true, 100)); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(ctx, entry("t2", ledger.OutcomeCompleted, false, 50)); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(ctx, entry("t3", ledger.OutcomeFailed, false, 0)); err != nil {
		t.Fatal(err)
	}

	sum, err := s.Summary(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalTurns != 3 || sum.CompletedTurns != 2 || sum.FailedTurns != 1 {
		t.Fatalf("unexpected summary: %+v", sum)
	}
	if sum.ValidReplies != 1 || sum.TotalReplyChars != 150 {
		t.Fatalf("unexpected validation/char totals: %+v", sum)
	}

	// Other identities start empty.
	other, err := s.Summary(ctx, "bob")
	if err != nil {
		t.Fatal(err)
	}
	if other.TotalTurns != 0 {
		t.Fatalf("expected empty summary for bob, got %+v", other)
	}
}

func TestRecordValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	e := entry("", ledger.OutcomeCompleted, true, 1)
	if err := s.Record(ctx, e); err == nil {
		t.Fatal("empty turn id should be rejected")
	}

	e = entry("t1", ledger.Outcome("exploded"), true, 1)
	if err := s.Record(ctx, e); err == nil {
		t.Fatal("unknown outcome should be rejected")
	}

	// Duplicate turn ids violate the unique index.
	if err := s.Record(ctx, entry("t1", ledger.OutcomeCompleted, true, 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(ctx, entry("t1", ledger.OutcomeCompleted, true, 1)); err == nil {
		t.Fatal("duplicate turn id should be rejected")
	}
}

func TestListRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		if err := s.Record(ctx, entry(id, ledger.OutcomeCompleted, true, 10)); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := s.ListRecent(ctx, "alice", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].TurnID != "t3" {
		t.Fatalf("expected newest first, got %s", entries[0].TurnID)
	}
	if entries[0].Provider != "loopback" || !entries[0].ValidationOK {
		t.Fatalf("row fields lost: %+v", entries[0])
	}
}
