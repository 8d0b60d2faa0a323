// Package anthropic streams completions from the Anthropic messages API.
package anthropic

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

// Provider sends requests to the Anthropic API (Claude).
type Provider struct {
	apiKey     string
	baseURL    string
	version    string
	httpClient *http.Client
}

// Config holds configuration for the Anthropic provider.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to https://api.anthropic.com
	Version        string // optional, defaults to 2023-06-01
	RequestTimeout time.Duration
}

// New creates an Anthropic Provider instance.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: api key required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://api.anthropic.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	version := strings.TrimSpace(cfg.Version)
	if version == "" {
		version = "2023-06-01"
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &Provider{
		apiKey:     cfg.APIKey,
		baseURL:    baseURL,
		version:    version,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// Name implements upstream.Provider.
func (p *Provider) Name() string { return "anthropic" }

const defaultMaxTokens = 4096

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
	Stream    bool      `json:"stream"`
}

// streamEvent covers the message stream frames we read. Text arrives on
// content_block_delta events with a text_delta payload.
type streamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// Stream implements upstream.Provider.
func (p *Provider) Stream(ctx context.Context, env dialect.Envelope) (<-chan upstream.Chunk, error) {
	var (
		body []byte
		err  error
	)
	switch env.Dialect {
	case dialect.ProviderMessages:
		body, err = marshalStreaming(env.Payload)
	case dialect.None:
		body, err = json.Marshal(messagesRequest{
			Model:     env.Model,
			MaxTokens: defaultMaxTokens,
			Messages:  textMessages(env),
			Stream:    true,
		})
	default:
		return nil, fmt.Errorf("anthropic: unsupported dialect %q", env.Dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("anthropic: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("anthropic: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", p.version)
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("anthropic: upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	ch := make(chan upstream.Chunk, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		err := upstream.ReadSSE(ctx, resp.Body, func(eventType, data string) bool {
			if eventType == "message_stop" {
				return false
			}
			var evt streamEvent
			if perr := json.Unmarshal([]byte(data), &evt); perr != nil {
				ch <- upstream.Chunk{Err: fmt.Errorf("anthropic: parse stream: %w", perr)}
				return false
			}
			if evt.Error != nil {
				ch <- upstream.Chunk{Err: fmt.Errorf("anthropic: stream error %s: %s", evt.Error.Type, evt.Error.Message)}
				return false
			}
			if evt.Type != "content_block_delta" || evt.Delta.Type != "text_delta" || evt.Delta.Text == "" {
				return true
			}
			select {
			case ch <- upstream.Chunk{Delta: evt.Delta.Text, Raw: json.RawMessage(data)}:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil && ctx.Err() == nil {
			ch <- upstream.Chunk{Err: fmt.Errorf("anthropic: read stream: %w", err)}
		}
	}()
	return ch, nil
}

func textMessages(env dialect.Envelope) []message {
	if len(env.Messages) > 0 {
		msgs := make([]message, 0, len(env.Messages))
		for _, m := range env.Messages {
			msgs = append(msgs, message{Role: m.Role, Content: m.Content})
		}
		return msgs
	}
	return []message{{Role: "user", Content: env.Text}}
}

func marshalStreaming(payload map[string]json.RawMessage) ([]byte, error) {
	m := make(map[string]json.RawMessage, len(payload)+1)
	for k, v := range payload {
		m[k] = v
	}
	m["stream"] = json.RawMessage("true")
	return json.Marshal(m)
}
