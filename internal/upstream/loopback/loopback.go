// Package loopback is a self-contained provider used for development and
// smoke testing. It synthesizes a well-formed structured reply locally so
// the whole pipeline can run without upstream credentials.
package loopback

import (
	"context"
	"fmt"
	"strings"

	"github.com/turnstream/turnstream-gateway/internal/dialect"
	"github.com/turnstream/turnstream-gateway/internal/upstream"
)

var _ upstream.Provider = (*Provider)(nil)

// Provider echoes the request back inside a structured reply document.
type Provider struct {
	chunkSize int
}

// New creates a loopback Provider. chunkSize controls how the reply is
// split into deltas; zero picks a small default so multiple deltas are
// always exercised.
func New(chunkSize int) *Provider {
	if chunkSize <= 0 {
		chunkSize = 32
	}
	return &Provider{chunkSize: chunkSize}
}

// Name implements upstream.Provider.
func (p *Provider) Name() string { return "loopback" }

// Stream implements upstream.Provider.
func (p *Provider) Stream(ctx context.Context, env dialect.Envelope) (<-chan upstream.Chunk, error) {
	prompt := env.Text
	if prompt == "" && len(env.Messages) > 0 {
		prompt = env.Messages[len(env.Messages)-1].Content
	}
	if prompt == "" {
		prompt = string(env.Dialect) + " payload"
	}
	doc := document(prompt)

	ch := make(chan upstream.Chunk, 16)
	go func() {
		defer close(ch)
		for i := 0; i < len(doc); i += p.chunkSize {
			end := i + p.chunkSize
			if end > len(doc) {
				end = len(doc)
			}
			select {
			case ch <- upstream.Chunk{Delta: doc[i:end]}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func document(prompt string) string {
	short := strings.TrimSpace(prompt)
	if len(short) > 60 {
		short = short[:60]
	}
	return fmt.Sprintf(`<summary>loopback echo of %q</summary>
<thinking>
<phase id="1"><title>Read the prompt</title>The prompt was %q.</phase>
<phase id="2"><title>Compose the echo</title>Echo it back verbatim.</phase>
</thinking>
<final>
You said: %s
<serp_queries>[]</serp_queries>
</final>`, short, short, prompt)
}
