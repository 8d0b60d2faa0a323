// Package dialect validates and normalizes caller requests into exactly
// one upstream wire shape. It inspects payload shape only, never payload
// semantics, so adaptation stays a pure function of its input.
package dialect

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Dialect names one of the fixed upstream wire formats. The set is closed;
// a request either declares one explicitly or is a simple-text request.
type Dialect string

const (
	// None marks a simple-text envelope with no raw payload.
	None Dialect = ""

	ProviderChat      Dialect = "provider_chat"
	ProviderResponses Dialect = "provider_responses"
	ProviderMessages  Dialect = "provider_messages"
	ProviderGenerate  Dialect = "provider_generate"
)

// Rejection codes surfaced synchronously at intake.
const (
	CodeAmbiguousRequestShape   = "ambiguous_request_shape"
	CodePayloadFieldsNotAllowed = "payload_fields_not_allowed"
)

// Message is one structured chat message in a simple-text request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Candidate is the untrusted caller input before adaptation.
type Candidate struct {
	Text     string                     `json:"text,omitempty"`
	Messages []Message                  `json:"messages,omitempty"`
	Model    string                     `json:"model,omitempty"`
	Dialect  string                     `json:"dialect,omitempty"`
	Payload  map[string]json.RawMessage `json:"payload,omitempty"`
}

// Envelope is the validated request handed to the orchestrator. Exactly
// one of the two shapes holds: simple text (Dialect == None) or a raw
// payload tagged with one dialect.
type Envelope struct {
	Text     string
	Messages []Message
	Model    string
	Dialect  Dialect
	Payload  map[string]json.RawMessage
}

// Rejection is the typed error returned when a candidate fails shape
// validation. Fields lists the offending payload fields, when relevant.
type Rejection struct {
	Code   string
	Fields []string
}

func (r *Rejection) Error() string {
	if len(r.Fields) == 0 {
		return r.Code
	}
	return fmt.Sprintf("%s: %s", r.Code, strings.Join(r.Fields, ", "))
}

// fieldWhitelists fixes the allowed payload fields per dialect. Adaptation
// never interprets the fields; it only rejects what is off-list.
var fieldWhitelists = map[Dialect]map[string]struct{}{
	ProviderChat: toSet(
		"model", "messages", "temperature", "top_p", "max_tokens",
		"max_completion_tokens", "stream", "stop", "n", "presence_penalty",
		"frequency_penalty", "logit_bias", "logprobs", "top_logprobs",
		"seed", "user", "tools", "tool_choice", "response_format",
	),
	ProviderResponses: toSet(
		"model", "input", "instructions", "temperature", "top_p",
		"max_output_tokens", "stream", "tools", "tool_choice",
		"response_format", "metadata", "previous_response_id",
		"reasoning", "store", "truncation",
	),
	ProviderMessages: toSet(
		"model", "messages", "system", "max_tokens", "temperature",
		"top_p", "top_k", "stop_sequences", "stream", "tools",
		"tool_choice", "metadata",
	),
	ProviderGenerate: toSet(
		"model", "contents", "system_instruction", "generation_config",
		"safety_settings", "tools", "tool_config", "cached_content",
	),
}

func toSet(fields ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// Known reports whether the string names one of the four dialects.
func Known(name string) bool {
	_, ok := fieldWhitelists[Dialect(name)]
	return ok
}

// All returns the closed dialect set, for diagnostics.
func All() []Dialect {
	return []Dialect{ProviderChat, ProviderResponses, ProviderMessages, ProviderGenerate}
}

// Adapt validates a candidate into an Envelope. The decision is total and
// deterministic: the same candidate always yields the same result.
func Adapt(c Candidate) (Envelope, error) {
	declared := strings.TrimSpace(c.Dialect)
	hasText := strings.TrimSpace(c.Text) != "" || len(c.Messages) > 0

	if declared == "" {
		if !hasText || len(c.Payload) > 0 {
			return Envelope{}, &Rejection{Code: CodeAmbiguousRequestShape}
		}
		return Envelope{
			Text:     strings.TrimSpace(c.Text),
			Messages: c.Messages,
			Model:    strings.TrimSpace(c.Model),
		}, nil
	}

	// A declared dialect must come with a raw payload and nothing from the
	// simple-text shape. Dialects are never inferred, and an unknown
	// dialect value is an ambiguous shape rather than a near-miss.
	if !Known(declared) || hasText || len(c.Payload) == 0 {
		return Envelope{}, &Rejection{Code: CodeAmbiguousRequestShape}
	}

	d := Dialect(declared)
	allowed := fieldWhitelists[d]
	var offending []string
	for field := range c.Payload {
		if _, ok := allowed[field]; !ok {
			offending = append(offending, field)
		}
	}
	if len(offending) > 0 {
		sort.Strings(offending)
		return Envelope{}, &Rejection{Code: CodePayloadFieldsNotAllowed, Fields: offending}
	}

	return Envelope{
		Model:   strings.TrimSpace(c.Model),
		Dialect: d,
		Payload: c.Payload,
	}, nil
}
