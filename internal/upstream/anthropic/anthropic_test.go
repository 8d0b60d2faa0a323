package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/turnstream/turnstream-gateway/internal/dialect"
	"github.com/turnstream/turnstream-gateway/internal/upstream"
)

func drain(t *testing.T, ch <-chan upstream.Chunk) (string, error) {
	t.Helper()
	var sb []byte
	for chunk := range ch {
		if chunk.Err != nil {
			return string(sb), chunk.Err
		}
		sb = append(sb, chunk.Delta...)
	}
	return string(sb), nil
}

func TestStreamMessagesDialect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("wrong path %s", r.URL.Path)
		}
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("missing api key header, got %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != "2023-06-01" {
			t.Errorf("missing version header, got %q", got)
		}
		var body map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if string(body["stream"]) != "true" {
			t.Errorf("stream must be forced on, got %s", body["stream"])
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_start\ndata: {\"type\":\"message_start\"}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"Hel\"}}\n\n")
		fmt.Fprint(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"delta\":{\"type\":\"text_delta\",\"text\":\"lo\"}}\n\n")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	p, err := New(Config{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	payload := map[string]json.RawMessage{
		"model":      json.RawMessage(`"claude-sonnet-4"`),
		"max_tokens": json.RawMessage(`1024`),
		"messages":   json.RawMessage(`[]`),
	}
	ch, err := p.Stream(context.Background(), dialect.Envelope{Dialect: dialect.ProviderMessages, Payload: payload})
	if err != nil {
		t.Fatal(err)
	}
	got, err := drain(t, ch)
	if err != nil {
		t.Fatal(err)
	}
	if got != "Hello" {
		t.Fatalf("assembled %q, want %q", got, "Hello")
	}
}

func TestStreamSimpleText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req messagesRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request: %v", err)
		}
		if !req.Stream || req.MaxTokens != defaultMaxTokens || len(req.Messages) != 1 {
			t.Errorf("unexpected request: %+v", req)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer srv.Close()

	p, err := New(Config{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	ch, err := p.Stream(context.Background(), dialect.Envelope{Text: "hello", Model: "claude-sonnet-4"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := drain(t, ch); err != nil {
		t.Fatal(err)
	}
}

func TestStreamErrorEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"overloaded_error\",\"message\":\"busy\"}}\n\n")
	}))
	defer srv.Close()

	p, err := New(Config{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	ch, err := p.Stream(context.Background(), dialect.Envelope{Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := drain(t, ch); err == nil {
		t.Fatal("expected stream error to surface")
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing api key")
	}
}
