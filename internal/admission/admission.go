// Package admission bounds concurrent streaming subscriptions per caller
// identity. Unlike request rate limiting this counts live attachments, so
// a slot is held for the full life of a stream and released on detach.
package admission

import (
	"context"
	"fmt"
)

// Store defines the interface for admission slot storage backends.
// Implementations can be in-memory (single instance) or distributed.
type Store interface {
	// Acquire takes one slot for the identity if fewer than ceiling are
	// held. It reports whether the slot was granted and how many slots
	// the identity holds afterwards.
	Acquire(ctx context.Context, identity string, ceiling int) (granted bool, held int, err error)

	// Release returns one slot for the identity. Releasing below zero is
	// clamped, never an error.
	Release(ctx context.Context, identity string) error

	// Held reports the slots currently held by the identity.
	Held(ctx context.Context, identity string) (int, error)

	// Close releases resources.
	Close() error
}

// Limiter enforces a per-identity concurrent stream ceiling using a
// pluggable storage backend.
type Limiter struct {
	store   Store
	ceiling int
}

// Config holds configuration for the admission limiter.
type Config struct {
	// Store is the backend (optional, defaults to MemoryStore).
	Store Store

	// MaxStreamsPerIdentity caps live subscriptions per identity.
	MaxStreamsPerIdentity int
}

// DefaultConfig returns sensible production defaults.
func DefaultConfig() Config {
	return Config{MaxStreamsPerIdentity: 8}
}

// NewLimiter creates an admission limiter with the given configuration.
func NewLimiter(cfg Config) *Limiter {
	if cfg.MaxStreamsPerIdentity <= 0 {
		cfg.MaxStreamsPerIdentity = 8
	}
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	return &Limiter{store: store, ceiling: cfg.MaxStreamsPerIdentity}
}

// Acquire takes a streaming slot for the identity. The caller must pair a
// successful Acquire with exactly one Release.
func (l *Limiter) Acquire(ctx context.Context, identity string) (bool, error) {
	if identity == "" {
		return false, fmt.Errorf("admission: empty identity")
	}
	granted, _, err := l.store.Acquire(ctx, identity, l.ceiling)
	return granted, err
}

// Release returns a streaming slot for the identity.
func (l *Limiter) Release(ctx context.Context, identity string) {
	if identity == "" {
		return
	}
	_ = l.store.Release(ctx, identity)
}

// Held reports the slots currently held by the identity.
func (l *Limiter) Held(ctx context.Context, identity string) int {
	n, err := l.store.Held(ctx, identity)
	if err != nil {
		return 0
	}
	return n
}

// Ceiling reports the configured per-identity maximum.
func (l *Limiter) Ceiling() int { return l.ceiling }

// Close releases the underlying store.
func (l *Limiter) Close() error { return l.store.Close() }
