// Package orchestrator drives one accepted turn: it resolves a provider,
// consumes its upstream stream, publishes events to the broker, and
// settles the turn with a validated terminal event.
package orchestrator

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/turnstream/turnstream-gateway/internal/broker"
	"github.com/turnstream/turnstream-gateway/internal/dialect"
	"github.com/turnstream/turnstream-gateway/internal/event"
	"github.com/turnstream/turnstream-gateway/internal/hooks"
	"github.com/turnstream/turnstream-gateway/internal/ledger"
	"github.com/turnstream/turnstream-gateway/internal/metrics"
	"github.com/turnstream/turnstream-gateway/internal/upstream"
	"github.com/turnstream/turnstream-gateway/internal/validator"
)

// Turn is the unit of work handed over by intake.
type Turn struct {
	ID             string
	RequestID      string
	ConversationID string
	Identity       string
	Envelope       dialect.Envelope
	CreatedAt      time.Time
}

// Orchestrator owns the producer side of every turn. One Run call per
// turn, each on its own goroutine.
type Orchestrator struct {
	broker   *broker.Broker
	registry *upstream.Registry
	ledger   ledger.Store       // optional
	hooks    *hooks.Dispatcher  // optional
	metrics  *metrics.Collector // optional
	logger   *log.Logger

	// upstreamRaw forwards unmodified provider frames as diagnostic
	// events alongside the normalized deltas.
	upstreamRaw bool
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Broker      *broker.Broker
	Registry    *upstream.Registry
	Ledger      ledger.Store
	Hooks       *hooks.Dispatcher
	Metrics     *metrics.Collector
	Logger      *log.Logger
	UpstreamRaw bool
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		broker:      cfg.Broker,
		registry:    cfg.Registry,
		ledger:      cfg.Ledger,
		hooks:       cfg.Hooks,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		upstreamRaw: cfg.UpstreamRaw,
	}
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.logger != nil {
		o.logger.Printf(format, args...)
	}
}

// Run executes the turn to its terminal event. It returns when the turn
// is settled or the broker channel stopped accepting events.
func (o *Orchestrator) Run(ctx context.Context, turn Turn) {
	start := time.Now()
	o.emitHook(ctx, hooks.EventTurnCreated, turn, nil)
	o.broker.Publish(turn.ID, event.Status(turn.ID, turn.RequestID, event.StateQueued))

	provider, err := o.registry.Resolve(turn.Envelope)
	if err != nil {
		o.logf("orchestrator: routing failed turn_id=%s err=%v", turn.ID, err)
		o.settle(ctx, turn, start, settlement{errCode: event.CodeUpstreamFailure, errMsg: err.Error()})
		return
	}
	o.broker.Publish(turn.ID, event.Routed(turn.ID, turn.RequestID, provider.Name(), turn.Envelope.Model))
	o.broker.Publish(turn.ID, event.Status(turn.ID, turn.RequestID, event.StateWorking))
	if o.metrics != nil {
		o.metrics.TurnStarted(provider.Name())
	}

	// Cancelling streamCtx tells the provider to stop once the broker
	// channel is gone.
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, err := provider.Stream(streamCtx, turn.Envelope)
	if err != nil {
		o.logf("orchestrator: upstream start failed turn_id=%s provider=%s err=%v", turn.ID, provider.Name(), err)
		o.settle(ctx, turn, start, settlement{provider: provider.Name(), errCode: event.CodeUpstreamFailure, errMsg: err.Error()})
		return
	}

	var reply strings.Builder
	seq := 0
	abandoned := false
	for chunk := range chunks {
		if chunk.Err != nil {
			o.logf("orchestrator: upstream stream failed turn_id=%s provider=%s err=%v", turn.ID, provider.Name(), chunk.Err)
			o.settle(ctx, turn, start, settlement{
				provider: provider.Name(), deltas: seq,
				errCode: event.CodeUpstreamFailure, errMsg: chunk.Err.Error(),
			})
			return
		}
		seq++
		reply.WriteString(chunk.Delta)
		if o.metrics != nil {
			o.metrics.DeltaForwarded()
		}
		ok := o.broker.Publish(turn.ID, event.ContentDelta(turn.ID, turn.RequestID, seq, chunk.Delta))
		if ok && o.upstreamRaw && len(chunk.Raw) > 0 {
			ok = o.broker.Publish(turn.ID, event.UpstreamRaw(turn.ID, turn.RequestID, chunk.Raw))
		}
		if !ok {
			// Channel closed under us (disconnect, timeout, drain). Stop
			// paying for upstream tokens nobody will read.
			abandoned = true
			cancel()
			break
		}
	}
	if abandoned {
		for range chunks {
			// drain until the provider notices the cancel
		}
		o.logf("orchestrator: turn abandoned turn_id=%s deltas=%d", turn.ID, seq)
		o.record(turn, start, settlement{
			provider: provider.Name(), deltas: seq, reply: reply.String(),
			errCode: event.CodeCancelled, errMsg: "channel closed before completion",
		})
		o.emitHook(ctx, hooks.EventTurnFailed, turn, map[string]any{"code": event.CodeCancelled})
		if o.metrics != nil {
			o.metrics.TurnFailed(event.CodeCancelled)
		}
		return
	}

	res := validator.Validate(reply.String())
	o.logf("orchestrator: turn completed turn_id=%s provider=%s deltas=%d reply_len=%d valid=%t reason=%s",
		turn.ID, provider.Name(), seq, reply.Len(), res.OK, res.Reason)
	o.settle(ctx, turn, start, settlement{
		provider: provider.Name(), deltas: seq, reply: reply.String(), validation: &res,
	})
}

// settlement gathers everything needed to publish the terminal event and
// write the ledger row.
type settlement struct {
	provider   string
	deltas     int
	reply      string
	validation *validator.Result // nil means the turn failed
	errCode    string
	errMsg     string
}

func (o *Orchestrator) settle(ctx context.Context, turn Turn, start time.Time, s settlement) {
	if s.validation != nil {
		o.broker.Publish(turn.ID, event.Completed(turn.ID, turn.RequestID, s.reply, *s.validation))
		o.emitHook(ctx, hooks.EventTurnCompleted, turn, map[string]any{
			"validation_ok": s.validation.OK,
			"reason":        s.validation.Reason,
		})
		if o.metrics != nil {
			o.metrics.TurnCompleted(s.provider, time.Since(start), s.validation.OK, s.validation.Reason)
		}
	} else {
		o.broker.Publish(turn.ID, event.Error(turn.ID, turn.RequestID, s.errCode, s.errMsg))
		o.emitHook(ctx, hooks.EventTurnFailed, turn, map[string]any{"code": s.errCode})
		if o.metrics != nil {
			o.metrics.TurnFailed(s.errCode)
		}
	}
	o.record(turn, start, s)
}

func (o *Orchestrator) record(turn Turn, start time.Time, s settlement) {
	if o.ledger == nil {
		return
	}
	entry := ledger.Entry{
		TurnID:         turn.ID,
		ConversationID: turn.ConversationID,
		Identity:       turn.Identity,
		Provider:       s.provider,
		Model:          turn.Envelope.Model,
		Dialect:        string(turn.Envelope.Dialect),
		DeltaCount:     int64(s.deltas),
		ReplyLen:       int64(len(s.reply)),
		Outcome:        ledger.OutcomeFailed,
		ErrorCode:      s.errCode,
		DurationMs:     time.Since(start).Milliseconds(),
	}
	if s.validation != nil {
		entry.Outcome = ledger.OutcomeCompleted
		entry.ValidationOK = s.validation.OK
		entry.ValidationReason = s.validation.Reason
		entry.ErrorCode = ""
	}
	if err := o.ledger.Record(context.Background(), entry); err != nil {
		o.logf("orchestrator: ledger write failed turn_id=%s err=%v", turn.ID, err)
	}
}

func (o *Orchestrator) emitHook(ctx context.Context, typ hooks.EventType, turn Turn, meta map[string]any) {
	if o.hooks == nil {
		return
	}
	err := o.hooks.Emit(ctx, hooks.Event{
		ID:         uuid.NewString(),
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		TurnID:     turn.ID,
		Identity:   turn.Identity,
		Metadata:   meta,
	})
	if err != nil {
		o.logf("orchestrator: hook emit failed turn_id=%s type=%s err=%v", turn.ID, typ, err)
	}
}
