package admission

import (
	"context"
	"testing"
)

func TestLimiter_Acquire(t *testing.T) {
	limiter := NewLimiter(Config{MaxStreamsPerIdentity: 3})
	defer limiter.Close()

	ctx := context.Background()

	// Should allow first 3 streams
	for i := 0; i < 3; i++ {
		granted, err := limiter.Acquire(ctx, "alice")
		if err != nil {
			t.Fatal(err)
		}
		if !granted {
			t.Errorf("stream %d should be admitted", i)
		}
	}

	// 4th should be denied
	if granted, _ := limiter.Acquire(ctx, "alice"); granted {
		t.Error("4th stream should be denied")
	}

	// Different identity has separate slots
	if granted, _ := limiter.Acquire(ctx, "bob"); !granted {
		t.Error("different identity should be admitted")
	}
}

func TestLimiter_Release(t *testing.T) {
	limiter := NewLimiter(Config{MaxStreamsPerIdentity: 1})
	defer limiter.Close()

	ctx := context.Background()

	if granted, _ := limiter.Acquire(ctx, "alice"); !granted {
		t.Fatal("first stream should be admitted")
	}
	if granted, _ := limiter.Acquire(ctx, "alice"); granted {
		t.Fatal("second stream should be denied")
	}

	limiter.Release(ctx, "alice")

	if granted, _ := limiter.Acquire(ctx, "alice"); !granted {
		t.Error("slot should be reusable after release")
	}
	if limiter.Held(ctx, "alice") != 1 {
		t.Errorf("expected 1 held slot, got %d", limiter.Held(ctx, "alice"))
	}
}

func TestLimiter_ReleaseClampsAtZero(t *testing.T) {
	limiter := NewLimiter(DefaultConfig())
	defer limiter.Close()

	ctx := context.Background()
	limiter.Release(ctx, "alice")
	limiter.Release(ctx, "alice")

	if held := limiter.Held(ctx, "alice"); held != 0 {
		t.Errorf("expected 0 held slots, got %d", held)
	}
	if granted, _ := limiter.Acquire(ctx, "alice"); !granted {
		t.Error("identity should still be admitted after spurious releases")
	}
}

func TestLimiter_EmptyIdentity(t *testing.T) {
	limiter := NewLimiter(DefaultConfig())
	defer limiter.Close()

	if _, err := limiter.Acquire(context.Background(), ""); err == nil {
		t.Error("empty identity must be rejected")
	}
}
