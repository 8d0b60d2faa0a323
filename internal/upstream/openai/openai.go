// Package openai streams completions from the OpenAI API. It serves both
// the chat-completions and the responses wire formats.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/turnstream/turnstream-gateway/internal/dialect"
	"github.com/turnstream/turnstream-gateway/internal/upstream"
)

var _ upstream.Provider = (*Provider)(nil)

// Provider sends requests to the OpenAI API.
type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// Config holds configuration for the OpenAI provider.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to https://api.openai.com
	RequestTimeout time.Duration
}

// New creates an OpenAI Provider instance.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.openai.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &Provider{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Name implements upstream.Provider.
func (p *Provider) Name() string { return "openai" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// chatChunk is the chat-completions streaming frame, reduced to the
// fields we read.
type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// responsesEvent is the responses-API streaming frame. Text arrives on
// response.output_text.delta events.
type responsesEvent struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
}

// Stream implements upstream.Provider. Dialect-tagged payloads pass
// through to the matching endpoint with streaming forced on; simple-text
// envelopes go through chat completions.
func (p *Provider) Stream(ctx context.Context, env dialect.Envelope) (<-chan upstream.Chunk, error) {
	var (
		path string
		body []byte
		err  error
	)
	switch env.Dialect {
	case dialect.ProviderChat:
		path = "/v1/chat/completions"
		body, err = marshalStreaming(env.Payload)
	case dialect.ProviderResponses:
		path = "/v1/responses"
		body, err = marshalStreaming(env.Payload)
	case dialect.None:
		path = "/v1/chat/completions"
		body, err = json.Marshal(chatRequest{
			Model:    env.Model,
			Messages: textMessages(env),
			Stream:   true,
		})
	default:
		return nil, fmt.Errorf("openai: unsupported dialect %q", env.Dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("openai: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("openai: upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	ch := make(chan upstream.Chunk, 16)
	responses := env.Dialect == dialect.ProviderResponses
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		err := upstream.ReadSSE(ctx, resp.Body, func(_, data string) bool {
			if data == "[DONE]" {
				return false
			}
			delta, perr := extractDelta([]byte(data), responses)
			if perr != nil {
				ch <- upstream.Chunk{Err: fmt.Errorf("openai: parse stream: %w", perr)}
				return false
			}
			if delta == "" {
				return true
			}
			select {
			case ch <- upstream.Chunk{Delta: delta, Raw: json.RawMessage(data)}:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil && ctx.Err() == nil {
			ch <- upstream.Chunk{Err: fmt.Errorf("openai: read stream: %w", err)}
		}
	}()
	return ch, nil
}

func extractDelta(data []byte, responses bool) (string, error) {
	if responses {
		var evt responsesEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			return "", err
		}
		if evt.Type != "response.output_text.delta" {
			return "", nil
		}
		return evt.Delta, nil
	}
	var chunk chatChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return "", err
	}
	if len(chunk.Choices) == 0 {
		return "", nil
	}
	return chunk.Choices[0].Delta.Content, nil
}

func textMessages(env dialect.Envelope) []chatMessage {
	if len(env.Messages) > 0 {
		msgs := make([]chatMessage, 0, len(env.Messages))
		for _, m := range env.Messages {
			msgs = append(msgs, chatMessage{Role: m.Role, Content: m.Content})
		}
		return msgs
	}
	return []chatMessage{{Role: "user", Content: env.Text}}
}

// marshalStreaming re-encodes the raw payload with streaming forced on.
// The payload fields themselves pass through untouched.
func marshalStreaming(payload map[string]json.RawMessage) ([]byte, error) {
	m := make(map[string]json.RawMessage, len(payload)+1)
	for k, v := range payload {
		m[k] = v
	}
	m["stream"] = json.RawMessage("true")
	return json.Marshal(m)
}
