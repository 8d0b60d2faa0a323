// Package event defines the stream event union delivered to subscribers
// of a conversation turn.
package event

import (
	"encoding/json"
	"time"

	"github.com/turnstream/turnstream-gateway/internal/validator"
)

// Type discriminates the event union.
type Type string

const (
	TypeStatus       Type = "status"
	TypeContentDelta Type = "content_delta"
	TypeUpstreamRaw  Type = "upstream_raw"
	TypeHeartbeat    Type = "heartbeat"
	TypeCompleted    Type = "completed"
	TypeError        Type = "error"
)

// Status states reported while a turn is in flight.
const (
	StateQueued  = "queued"
	StateWorking = "working"
	StateRouted  = "routed"
)

// Error codes used for terminal error events raised by the gateway itself
// rather than the upstream provider.
const (
	CodeUpstreamFailure = "upstream_failure"
	CodeTurnTimeout     = "turn_timeout"
	CodeNoSubscriber    = "no_subscriber"
	CodeShuttingDown    = "shutting_down"
	CodeCancelled       = "cancelled"
)

// StreamEvent is one frame of a turn's event stream. Which fields are
// populated depends on Type; TurnID and RequestID are always set.
type StreamEvent struct {
	Type      Type   `json:"type"`
	TurnID    string `json:"turn_id"`
	RequestID string `json:"request_id"`

	// status
	State    string `json:"state,omitempty"`
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`

	// content_delta
	Seq   int    `json:"seq,omitempty"`
	Delta string `json:"delta,omitempty"`

	// upstream_raw
	Raw json.RawMessage `json:"raw,omitempty"`

	// heartbeat
	TS int64 `json:"ts,omitempty"`

	// completed. Reply stays off the wire: subscribers reassemble the
	// text from content_delta frames, the terminal carries only its
	// length and validation outcome.
	Reply      string            `json:"-"`
	ReplyLen   int               `json:"reply_len,omitempty"`
	Validation *validator.Result `json:"validation,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Terminal reports whether the event ends the turn's stream.
func (e StreamEvent) Terminal() bool {
	return e.Type == TypeCompleted || e.Type == TypeError
}

// Status builds a status frame.
func Status(turnID, requestID, state string) StreamEvent {
	return StreamEvent{Type: TypeStatus, TurnID: turnID, RequestID: requestID, State: state}
}

// Routed builds the routed status frame carrying the selected provider and model.
func Routed(turnID, requestID, provider, model string) StreamEvent {
	return StreamEvent{Type: TypeStatus, TurnID: turnID, RequestID: requestID, State: StateRouted, Provider: provider, Model: model}
}

// ContentDelta builds a content fragment frame. Seq starts at 1 and is
// strictly increasing within a turn.
func ContentDelta(turnID, requestID string, seq int, delta string) StreamEvent {
	return StreamEvent{Type: TypeContentDelta, TurnID: turnID, RequestID: requestID, Seq: seq, Delta: delta}
}

// UpstreamRaw builds a diagnostic passthrough frame with the unmodified
// upstream chunk.
func UpstreamRaw(turnID, requestID string, raw json.RawMessage) StreamEvent {
	return StreamEvent{Type: TypeUpstreamRaw, TurnID: turnID, RequestID: requestID, Raw: raw}
}

// Heartbeat builds a keepalive frame.
func Heartbeat(turnID, requestID string) StreamEvent {
	return StreamEvent{Type: TypeHeartbeat, TurnID: turnID, RequestID: requestID, TS: time.Now().UTC().Unix()}
}

// Completed builds the successful terminal frame. The assembled reply is
// held for in-process consumers; only its length is serialized.
func Completed(turnID, requestID, reply string, validation validator.Result) StreamEvent {
	return StreamEvent{Type: TypeCompleted, TurnID: turnID, RequestID: requestID, Reply: reply, ReplyLen: len(reply), Validation: &validation}
}

// Error builds the failed terminal frame.
func Error(turnID, requestID, code, message string) StreamEvent {
	return StreamEvent{Type: TypeError, TurnID: turnID, RequestID: requestID, Code: code, Message: message}
}
