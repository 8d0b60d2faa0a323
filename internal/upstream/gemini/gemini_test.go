package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
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

func TestStreamGenerateDialect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "gemini-2.0-flash:streamGenerateContent") {
			t.Errorf("wrong path %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("alt") != "sse" || q.Get("key") != "test-key" {
			t.Errorf("wrong query %s", r.URL.RawQuery)
		}
		var body map[string]json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("bad request body: %v", err)
		}
		if _, hasModel := body["model"]; hasModel {
			t.Error("model must move to the URL, not the body")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"Hel\"}]}}]}\n\n")
		fmt.Fprint(w, "data: {\"candidates\":[{\"content\":{\"parts\":[{\"text\":\"lo\"}]}}]}\n\n")
	}))
	defer srv.Close()

	p, err := New(Config{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	payload := map[string]json.RawMessage{
		"model":    json.RawMessage(`"gemini-2.0-flash"`),
		"contents": json.RawMessage(`[{"parts":[{"text":"hi"}]}]`),
	}
	ch, err := p.Stream(context.Background(), dialect.Envelope{Dialect: dialect.ProviderGenerate, Payload: payload})
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

func TestStreamSimpleTextMapsAssistantRole(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("bad request: %v", err)
		}
		if len(req.Contents) != 2 || req.Contents[1].Role != "model" {
			t.Errorf("assistant role should map to model: %+v", req.Contents)
		}
		w.Header().Set("Content-Type", "text/event-stream")
	}))
	defer srv.Close()

	p, err := New(Config{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	env := dialect.Envelope{Messages: []dialect.Message{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}}
	ch, err := p.Stream(context.Background(), env)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := drain(t, ch); err != nil {
		t.Fatal(err)
	}
}

func TestStreamErrorFrame(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"error\":{\"code\":429,\"message\":\"quota\"}}\n\n")
	}))
	defer srv.Close()

	p, err := New(Config{APIKey: "test-key", BaseURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	ch, err := p.Stream(context.Background(), dialect.Envelope{Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := drain(t, ch); err == nil {
		t.Fatal("expected stream error to surface")
	}
}
