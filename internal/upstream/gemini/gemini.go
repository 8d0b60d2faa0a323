// Package gemini streams completions from the Google Gemini API via the
// streamGenerateContent endpoint with SSE output.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/turnstream/turnstream-gateway/internal/dialect"
	"github.com/turnstream/turnstream-gateway/internal/upstream"
)

var _ upstream.Provider = (*Provider)(nil)

// Provider sends requests to the Gemini API.
type Provider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	httpClient   *http.Client
}

// Config holds configuration for the Gemini provider.
type Config struct {
	APIKey         string
	BaseURL        string // optional, defaults to https://generativelanguage.googleapis.com
	DefaultModel   string // optional, used when the envelope names none
	RequestTimeout time.Duration
}

// New creates a Gemini Provider instance.
func New(cfg Config) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: api key required")
	}
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = "https://generativelanguage.googleapis.com"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	model := strings.TrimSpace(cfg.DefaultModel)
	if model == "" {
		model = "gemini-2.0-flash"
	}

	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	return &Provider{
		apiKey:       cfg.APIKey,
		baseURL:      baseURL,
		defaultModel: model,
		httpClient:   &http.Client{Timeout: timeout},
	}, nil
}

// Name implements upstream.Provider.
func (p *Provider) Name() string { return "gemini" }

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

// generateChunk is the streaming frame, reduced to the text parts.
type generateChunk struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Stream implements upstream.Provider. Gemini selects streaming via the
// endpoint path rather than a body field, so payloads pass through
// byte-for-byte.
func (p *Provider) Stream(ctx context.Context, env dialect.Envelope) (<-chan upstream.Chunk, error) {
	model := strings.TrimSpace(env.Model)
	var (
		body []byte
		err  error
	)
	switch env.Dialect {
	case dialect.ProviderGenerate:
		// The generate dialect may carry the model inside the payload.
		if model == "" {
			if raw, ok := env.Payload["model"]; ok {
				_ = json.Unmarshal(raw, &model)
			}
		}
		payload := make(map[string]json.RawMessage, len(env.Payload))
		for k, v := range env.Payload {
			if k == "model" {
				continue
			}
			payload[k] = v
		}
		body, err = json.Marshal(payload)
	case dialect.None:
		body, err = json.Marshal(generateRequest{Contents: textContents(env)})
	default:
		return nil, fmt.Errorf("gemini: unsupported dialect %q", env.Dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("gemini: encode request: %w", err)
	}
	if model == "" {
		model = p.defaultModel
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s",
		p.baseURL, url.PathEscape(model), url.QueryEscape(p.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini: request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("gemini: upstream status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	ch := make(chan upstream.Chunk, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		err := upstream.ReadSSE(ctx, resp.Body, func(_, data string) bool {
			var chunk generateChunk
			if perr := json.Unmarshal([]byte(data), &chunk); perr != nil {
				ch <- upstream.Chunk{Err: fmt.Errorf("gemini: parse stream: %w", perr)}
				return false
			}
			if chunk.Error != nil {
				ch <- upstream.Chunk{Err: fmt.Errorf("gemini: stream error %d: %s", chunk.Error.Code, chunk.Error.Message)}
				return false
			}
			var sb strings.Builder
			for _, cand := range chunk.Candidates {
				for _, part := range cand.Content.Parts {
					sb.WriteString(part.Text)
				}
			}
			if sb.Len() == 0 {
				return true
			}
			select {
			case ch <- upstream.Chunk{Delta: sb.String(), Raw: json.RawMessage(data)}:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil && ctx.Err() == nil {
			ch <- upstream.Chunk{Err: fmt.Errorf("gemini: read stream: %w", err)}
		}
	}()
	return ch, nil
}

func textContents(env dialect.Envelope) []content {
	if len(env.Messages) > 0 {
		contents := make([]content, 0, len(env.Messages))
		for _, m := range env.Messages {
			role := m.Role
			// Gemini uses "model" where chat schemas use "assistant".
			if role == "assistant" {
				role = "model"
			}
			contents = append(contents, content{Role: role, Parts: []part{{Text: m.Content}}})
		}
		return contents
	}
	return []content{{Role: "user", Parts: []part{{Text: env.Text}}}}
}
