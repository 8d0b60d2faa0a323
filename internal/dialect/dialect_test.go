package dialect

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func rawPayload(t *testing.T, doc string) map[string]json.RawMessage {
	t.Helper()
	var payload map[string]json.RawMessage
	if err := json.Unmarshal([]byte(doc), &payload); err != nil {
		t.Fatalf("bad fixture: %v", err)
	}
	return payload
}

func TestAdaptSimpleText(t *testing.T) {
	env, err := Adapt(Candidate{Text: "hello", Model: "gpt-4o"})
	if err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
	if env.Dialect != None {
		t.Fatalf("simple text must not carry a dialect, got %q", env.Dialect)
	}
	if env.Text != "hello" || env.Model != "gpt-4o" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func TestAdaptStructuredMessages(t *testing.T) {
	env, err := Adapt(Candidate{Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
	if len(env.Messages) != 1 {
		t.Fatalf("messages lost in adaptation: %+v", env)
	}
}

func TestAdaptRawPayload(t *testing.T) {
	payload := rawPayload(t, `{"model":"claude-sonnet-4","messages":[],"max_tokens":1024,"top_k":5}`)
	env, err := Adapt(Candidate{Dialect: string(ProviderMessages), Payload: payload})
	if err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
	if env.Dialect != ProviderMessages {
		t.Fatalf("dialect tag lost: %q", env.Dialect)
	}
	if len(env.Payload) != 4 {
		t.Fatalf("payload must pass through unmodified, got %d fields", len(env.Payload))
	}
}

func TestAdaptRejectsForeignFields(t *testing.T) {
	// top_k is valid for provider_messages but not provider_chat.
	payload := rawPayload(t, `{"model":"gpt-4o","messages":[],"top_k":5}`)
	_, err := Adapt(Candidate{Dialect: string(ProviderChat), Payload: payload})
	var rej *Rejection
	if !errors.As(err, &rej) {
		t.Fatalf("expected a rejection, got %v", err)
	}
	if rej.Code != CodePayloadFieldsNotAllowed {
		t.Fatalf("expected %s, got %s", CodePayloadFieldsNotAllowed, rej.Code)
	}
	if len(rej.Fields) != 1 || rej.Fields[0] != "top_k" {
		t.Fatalf("rejection must name the offending field, got %v", rej.Fields)
	}
	if !strings.Contains(rej.Error(), "top_k") {
		t.Fatalf("error string should mention the field: %v", rej)
	}

	// The same field is fine under the dialect that owns it.
	if _, err := Adapt(Candidate{Dialect: string(ProviderMessages), Payload: payload}); err != nil {
		t.Fatalf("top_k should be accepted under provider_messages: %v", err)
	}
}

func TestAdaptAmbiguousShapes(t *testing.T) {
	payload := rawPayload(t, `{"model":"gpt-4o"}`)
	cases := []struct {
		name string
		c    Candidate
	}{
		{"empty request", Candidate{}},
		{"dialect without payload", Candidate{Dialect: string(ProviderChat)}},
		{"payload without dialect", Candidate{Payload: payload}},
		{"text and payload together", Candidate{Text: "hi", Payload: payload}},
		{"dialect and text together", Candidate{Dialect: string(ProviderChat), Text: "hi", Payload: payload}},
		{"unknown dialect", Candidate{Dialect: "provider_bogus", Payload: payload}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Adapt(tc.c)
			var rej *Rejection
			if !errors.As(err, &rej) {
				t.Fatalf("expected a rejection, got %v", err)
			}
			if rej.Code != CodeAmbiguousRequestShape {
				t.Fatalf("expected %s, got %s", CodeAmbiguousRequestShape, rej.Code)
			}
		})
	}
}

func TestAdaptDeterministic(t *testing.T) {
	payload := rawPayload(t, `{"model":"gpt-4o","voice":"alloy","tone":"warm"}`)
	c := Candidate{Dialect: string(ProviderChat), Payload: payload}
	for i := 0; i < 10; i++ {
		_, err := Adapt(c)
		var rej *Rejection
		if !errors.As(err, &rej) {
			t.Fatalf("expected rejection, got nil")
		}
		if len(rej.Fields) != 2 || rej.Fields[0] != "tone" || rej.Fields[1] != "voice" {
			t.Fatalf("offending fields must be reported in stable order, got %v", rej.Fields)
		}
	}
}
