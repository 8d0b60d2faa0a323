package loopback

import (
	"context"
	"strings"
	"testing"

	"github.com/turnstream/turnstream-gateway/internal/dialect"
	"github.com/turnstream/turnstream-gateway/internal/validator"
)

func TestStreamProducesValidDocument(t *testing.T) {
	p := New(16)
	ch, err := p.Stream(context.Background(), dialect.Envelope{Text: "ping"})
	if err != nil {
		t.Fatal(err)
	}
	var sb strings.Builder
	deltas := 0
	for chunk := range ch {
		if chunk.Err != nil {
			t.Fatal(chunk.Err)
		}
		sb.WriteString(chunk.Delta)
		deltas++
	}
	if deltas < 2 {
		t.Fatalf("expected multiple deltas, got %d", deltas)
	}
	doc := sb.String()
	if !strings.Contains(doc, "You said: ping") {
		t.Fatalf("echo missing from document:\n%s", doc)
	}
	if res := validator.Validate(doc); !res.OK {
		t.Fatalf("loopback document failed validation: %s\n%s", res.Reason, doc)
	}
}

func TestStreamCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := New(1)
	ch, err := p.Stream(ctx, dialect.Envelope{Text: "ping"})
	if err != nil {
		t.Fatal(err)
	}
	// The channel must close without delivering the whole document.
	n := 0
	for range ch {
		n++
	}
	if n > 16 {
		t.Fatalf("cancelled stream should stop early, got %d chunks", n)
	}
}
