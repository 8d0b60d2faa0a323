// Package upstream defines the provider abstraction over model backends
// and the registry that picks a provider for each turn.
package upstream

import (
	"context"
	"encoding/json"

	"github.com/turnstream/turnstream-gateway/internal/dialect"
)

// Chunk is one fragment of an upstream streaming response. Either Delta
// carries text, or Err ends the stream; Raw always holds the unmodified
// upstream frame when available.
type Chunk struct {
	Delta string
	Raw   json.RawMessage
	Err   error
}

// Provider streams model output for an adapted envelope. Implementations
// must close the returned channel when the upstream stream ends and must
// stop promptly when ctx is cancelled.
type Provider interface {
	Name() string
	Stream(ctx context.Context, env dialect.Envelope) (<-chan Chunk, error)
}
