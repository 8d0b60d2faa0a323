// Package httpserver exposes the gateway's HTTP surface: turn intake,
// SSE streaming, turn snapshots, usage reporting and health.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/turnstream/turnstream-gateway/internal/admission"
	"github.com/turnstream/turnstream-gateway/internal/broker"
	"github.com/turnstream/turnstream-gateway/internal/dialect"
	"github.com/turnstream/turnstream-gateway/internal/event"
	"github.com/turnstream/turnstream-gateway/internal/ledger"
	"github.com/turnstream/turnstream-gateway/internal/metrics"
	"github.com/turnstream/turnstream-gateway/internal/orchestrator"
	"github.com/turnstream/turnstream-gateway/internal/version"
)

// identityHeader names the caller. Real deployments put an auth proxy in
// front; the gateway only needs a stable identity string.
const identityHeader = "X-Identity"

const defaultIdentity = "anonymous"

// Server wires the HTTP handlers to the pipeline collaborators.
type Server struct {
	broker    *broker.Broker
	orch      *orchestrator.Orchestrator
	admission *admission.Limiter
	ledger    ledger.Store       // optional
	metrics   *metrics.Collector // optional
	logger    *log.Logger
	logLevel  string

	heartbeat time.Duration
}

// Config wires the server's collaborators.
type Config struct {
	Broker            *broker.Broker
	Orchestrator      *orchestrator.Orchestrator
	Admission         *admission.Limiter
	Ledger            ledger.Store
	Metrics           *metrics.Collector
	Logger            *log.Logger
	LogLevel          string
	HeartbeatInterval time.Duration
}

// New creates a Server.
func New(cfg Config) *Server {
	hb := cfg.HeartbeatInterval
	if hb <= 0 {
		hb = 15 * time.Second
	}
	return &Server{
		broker:    cfg.Broker,
		orch:      cfg.Orchestrator,
		admission: cfg.Admission,
		ledger:    cfg.Ledger,
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
		logLevel:  cfg.LogLevel,
		heartbeat: hb,
	}
}

func (s *Server) isDebug() bool { return s.logLevel == "debug" }

func (s *Server) debugf(format string, args ...any) {
	if s.isDebug() && s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.HandleHealth)
	r.Get("/metrics", s.HandleMetrics)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/turns", s.HandleCreateTurn)
		r.Get("/turns/{turnID}", s.HandleTurnSnapshot)
		r.Get("/turns/{turnID}/stream", s.HandleTurnStream)
		r.Get("/usage/summary", s.HandleUsageSummary)
		r.Get("/usage/recent", s.HandleUsageRecent)
	})
	return r
}

// intakeRequest is the caller-facing turn submission shape.
type intakeRequest struct {
	ConversationID string                     `json:"conversation_id,omitempty"`
	Text           string                     `json:"text,omitempty"`
	Messages       []dialect.Message          `json:"messages,omitempty"`
	Model          string                     `json:"model,omitempty"`
	Dialect        string                     `json:"dialect,omitempty"`
	Payload        map[string]json.RawMessage `json:"payload,omitempty"`
}

// HandleCreateTurn accepts a turn, registers its channel, and kicks off
// the orchestrator. The stream is consumed on a separate request.
func (s *Server) HandleCreateTurn(w http.ResponseWriter, r *http.Request) {
	var req intakeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	env, err := dialect.Adapt(dialect.Candidate{
		Text:     req.Text,
		Messages: req.Messages,
		Model:    req.Model,
		Dialect:  req.Dialect,
		Payload:  req.Payload,
	})
	if err != nil {
		var rej *dialect.Rejection
		if errors.As(err, &rej) {
			s.respondJSON(w, http.StatusBadRequest, map[string]any{
				"error": map[string]any{"code": rej.Code, "fields": rej.Fields},
			})
			return
		}
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	turn := orchestrator.Turn{
		ID:             uuid.NewString(),
		RequestID:      middleware.GetReqID(r.Context()),
		ConversationID: conversationID,
		Identity:       identity(r),
		Envelope:       env,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.broker.CreateChannel(turn.ID, turn.RequestID); err != nil {
		s.respondError(w, http.StatusServiceUnavailable, err)
		return
	}
	// The orchestrator runs detached from this request's context: intake
	// returns immediately and the stream is fetched separately.
	go s.orch.Run(context.Background(), turn)

	s.logf("intake: accepted turn turn_id=%s identity=%s dialect=%s model=%s", turn.ID, turn.Identity, env.Dialect, env.Model)
	s.respondJSON(w, http.StatusAccepted, map[string]any{
		"turn_id":         turn.ID,
		"conversation_id": turn.ConversationID,
		"request_id":      turn.RequestID,
		"stream_url":      "/v1/turns/" + turn.ID + "/stream",
	})
}

// HandleTurnStream attaches an SSE subscriber to a turn's channel.
func (s *Server) HandleTurnStream(w http.ResponseWriter, r *http.Request) {
	turnID := chi.URLParam(r, "turnID")
	// Concurrency accounting keys on the conversation when the caller
	// names one, otherwise on the identity header.
	caller := strings.TrimSpace(r.URL.Query().Get("conversation_id"))
	if caller == "" {
		caller = identity(r)
	}

	if s.admission != nil {
		granted, err := s.admission.Acquire(r.Context(), caller)
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err)
			return
		}
		if !granted {
			if s.metrics != nil {
				s.metrics.AdmissionDenied(caller)
			}
			s.respondError(w, http.StatusTooManyRequests, fmt.Errorf("too many concurrent streams for identity %q", caller))
			return
		}
		defer s.admission.Release(r.Context(), caller)
	}

	events, err := s.broker.Subscribe(r.Context(), turnID)
	if err != nil {
		s.respondError(w, http.StatusNotFound, err)
		return
	}
	if s.metrics != nil {
		s.metrics.StreamAttached()
		defer s.metrics.StreamDetached()
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Heartbeats carry the intake request id, same as every other frame
	// on this turn's stream.
	requestID := s.broker.RequestID(turnID)
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				s.debugf("stream: write failed turn_id=%s err=%v", turnID, err)
				s.broker.Close(turnID)
				return
			}
			flusher.Flush()
			if ev.Terminal() {
				return
			}
			// A fresh event resets the idle clock; heartbeats only fill
			// genuine gaps.
			ticker.Reset(s.heartbeat)
		case <-ticker.C:
			if err := writeSSE(w, event.Heartbeat(turnID, requestID)); err != nil {
				s.broker.Close(turnID)
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			// Client went away; close the channel so the orchestrator
			// stops consuming upstream output.
			s.debugf("stream: client disconnected turn_id=%s", turnID)
			s.broker.Close(turnID)
			return
		}
	}
}

// HandleTurnSnapshot reports the turn's current state without streaming.
func (s *Server) HandleTurnSnapshot(w http.ResponseWriter, r *http.Request) {
	turnID := chi.URLParam(r, "turnID")
	terminal, live, err := s.broker.Snapshot(turnID)
	if err != nil {
		s.respondError(w, http.StatusNotFound, err)
		return
	}
	payload := map[string]any{"turn_id": turnID, "live": live}
	if terminal != nil {
		payload["terminal"] = terminal
	}
	s.respondJSON(w, http.StatusOK, payload)
}

// HandleUsageSummary aggregates the ledger for the calling identity.
func (s *Server) HandleUsageSummary(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.respondError(w, http.StatusNotFound, errors.New("ledger disabled"))
		return
	}
	caller := identity(r)
	sum, err := s.ledger.Summary(r.Context(), caller)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"identity": caller, "summary": sum})
}

// HandleUsageRecent lists the latest ledger rows for the calling identity.
func (s *Server) HandleUsageRecent(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		s.respondError(w, http.StatusNotFound, errors.New("ledger disabled"))
		return
	}
	caller := identity(r)
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	entries, err := s.ledger.ListRecent(r.Context(), caller, limit)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"identity": caller, "entries": entries})
}

// HandleHealth reports liveness and build metadata.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  version.Version,
		"channels": s.broker.Len(),
	})
}

// HandleMetrics exports counters in the Prometheus text format.
func (s *Server) HandleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.respondError(w, http.StatusNotFound, errors.New("metrics disabled"))
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(metrics.FormatPrometheus(s.metrics.GetSnapshot())))
}

func identity(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(identityHeader)); v != "" {
		return v
	}
	return defaultIdentity
}

func writeSSE(w http.ResponseWriter, ev event.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload any) {
	if payload == nil {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	s.respondJSON(w, status, map[string]any{"error": err.Error()})
}
