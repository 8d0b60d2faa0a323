// Package broker holds the per-turn event channels shared between the
// upstream orchestrator (producer) and the streaming gateway (consumer).
// It is the only mutable state crossing that async boundary.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/turnstream/turnstream-gateway/internal/event"
)

var (
	// ErrChannelExists is returned when a turn id is registered twice.
	// Turn ids are generated, so a collision is a programmer error.
	ErrChannelExists = errors.New("broker: channel already exists")
	// ErrUnknownChannel is returned for subscribe/snapshot on an id the
	// broker does not hold.
	ErrUnknownChannel = errors.New("broker: unknown channel")
)

// Config carries the operational tuning knobs. All durations are injected
// rather than hard-coded so tests can compress them.
type Config struct {
	// SubscriberGrace bounds how long a channel may sit without a
	// subscriber before it is torn down.
	SubscriberGrace time.Duration
	// MaxTurnDuration bounds a whole turn; on expiry the channel is
	// force-closed with a synthetic error event.
	MaxTurnDuration time.Duration
	// TerminalRetention bounds how long a delivered terminal event stays
	// replayable for late second subscribers.
	TerminalRetention time.Duration
}

func (c Config) withDefaults() Config {
	if c.SubscriberGrace <= 0 {
		c.SubscriberGrace = 30 * time.Second
	}
	if c.MaxTurnDuration <= 0 {
		c.MaxTurnDuration = 5 * time.Minute
	}
	if c.TerminalRetention <= 0 {
		c.TerminalRetention = 10 * time.Second
	}
	return c
}

// Broker is an injected registry of turn channels. Independent turn ids
// never contend with each other beyond the registry map itself.
type Broker struct {
	cfg    Config
	logger *log.Logger

	mu       sync.Mutex
	channels map[string]*channel
	draining bool
}

type channel struct {
	turnID    string
	requestID string

	mu       sync.Mutex
	queue    []event.StreamEvent
	terminal *event.StreamEvent
	closed   bool
	// wake is poked (non-blocking) whenever queue/closed/terminal change
	// so a waiting subscriber re-checks state.
	wake chan struct{}
	// subscribed flips once any subscriber has attached; it gates the
	// no-subscriber grace teardown.
	subscribed bool
	// delivered flips once the terminal event reached a subscriber.
	delivered bool

	graceTimer *time.Timer
	turnTimer  *time.Timer
}

// New creates an empty broker. One instance per process is typical but
// nothing prevents independent instances (tests rely on that).
func New(cfg Config, logger *log.Logger) *Broker {
	return &Broker{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		channels: make(map[string]*channel),
	}
}

func (b *Broker) logf(format string, args ...any) {
	if b.logger != nil {
		b.logger.Printf(format, args...)
	}
}

// CreateChannel registers a channel for the turn. The request id is kept
// so synthetic events (timeout, drain) carry proper correlation tokens.
func (b *Broker) CreateChannel(turnID, requestID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.draining {
		return fmt.Errorf("broker: shutting down")
	}
	if _, exists := b.channels[turnID]; exists {
		return ErrChannelExists
	}
	ch := &channel{
		turnID:    turnID,
		requestID: requestID,
		wake:      make(chan struct{}, 1),
	}
	ch.graceTimer = time.AfterFunc(b.cfg.SubscriberGrace, func() { b.reapUnsubscribed(turnID) })
	ch.turnTimer = time.AfterFunc(b.cfg.MaxTurnDuration, func() { b.expireTurn(turnID) })
	b.channels[turnID] = ch
	return nil
}

// Publish appends an event to the turn's queue. Publishing to a closed or
// unknown channel is a silent no-op; the return value tells the producer
// whether the event was accepted so it can stop early.
func (b *Broker) Publish(turnID string, ev event.StreamEvent) bool {
	b.mu.Lock()
	ch := b.channels[turnID]
	b.mu.Unlock()
	if ch == nil {
		return false
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return false
	}
	if ev.Terminal() {
		ch.terminal = &ev
		ch.closed = true
		stopTimers(ch)
		if !ch.subscribed {
			b.scheduleUnclaimedRemoval(turnID)
		}
	} else {
		ch.queue = append(ch.queue, ev)
	}
	ch.mu.Unlock()

	poke(ch)
	return true
}

// scheduleUnclaimedRemoval bounds the lifetime of a channel that settled
// before any subscriber attached: the terminal stays claimable for the
// remaining grace window plus the retention window, then the channel is
// dropped. Removal is idempotent, so a subscriber that does attach in
// time races nothing.
func (b *Broker) scheduleUnclaimedRemoval(turnID string) {
	time.AfterFunc(b.cfg.SubscriberGrace+b.cfg.TerminalRetention, func() { b.remove(turnID) })
}

// Subscribe replays queued events in publish order, then yields new events
// until the terminal one. The returned channel closes after the terminal
// event (or immediately after the remembered terminal on re-subscribe).
// Cancelling ctx detaches without consuming further events.
func (b *Broker) Subscribe(ctx context.Context, turnID string) (<-chan event.StreamEvent, error) {
	b.mu.Lock()
	ch := b.channels[turnID]
	b.mu.Unlock()
	if ch == nil {
		return nil, ErrUnknownChannel
	}

	ch.mu.Lock()
	ch.subscribed = true
	if ch.graceTimer != nil {
		ch.graceTimer.Stop()
		ch.graceTimer = nil
	}
	ch.mu.Unlock()

	out := make(chan event.StreamEvent, 16)
	go b.pump(ctx, ch, out)
	return out, nil
}

// pump is the per-subscription consumer loop. A single goroutine drains
// the queue, which is what preserves total ordering.
func (b *Broker) pump(ctx context.Context, ch *channel, out chan<- event.StreamEvent) {
	defer close(out)
	for {
		ev, state := ch.next()
		switch state {
		case nextReady:
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
			if ev.Terminal() {
				b.terminalDelivered(ch)
				return
			}
		case nextDone:
			return
		case nextWait:
			select {
			case <-ch.wake:
			case <-ctx.Done():
				return
			}
		}
	}
}

type nextState int

const (
	nextReady nextState = iota
	nextWait
	nextDone
)

func (c *channel) next() (event.StreamEvent, nextState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) > 0 {
		ev := c.queue[0]
		c.queue = c.queue[1:]
		return ev, nextReady
	}
	if c.closed {
		if c.terminal != nil {
			return *c.terminal, nextReady
		}
		return event.StreamEvent{}, nextDone
	}
	return event.StreamEvent{}, nextWait
}

func (b *Broker) terminalDelivered(ch *channel) {
	ch.mu.Lock()
	already := ch.delivered
	ch.delivered = true
	ch.mu.Unlock()
	if already {
		return
	}
	// Keep the terminal replayable for a bounded window, then drop the
	// channel entirely.
	time.AfterFunc(b.cfg.TerminalRetention, func() { b.remove(ch.turnID) })
}

// Close marks the channel closed without a terminal event. Used for early
// cancellation (client disconnect); subsequent publishes are dropped.
func (b *Broker) Close(turnID string) {
	b.mu.Lock()
	ch := b.channels[turnID]
	b.mu.Unlock()
	if ch == nil {
		return
	}
	ch.mu.Lock()
	alreadyClosed := ch.closed
	ch.closed = true
	stopTimers(ch)
	ch.mu.Unlock()
	if !alreadyClosed {
		poke(ch)
		b.logf("broker: channel closed early turn_id=%s", turnID)
		time.AfterFunc(b.cfg.TerminalRetention, func() { b.remove(turnID) })
	}
}

// Closed reports whether the channel stopped accepting events. Producers
// use it to stop consuming upstream output promptly.
func (b *Broker) Closed(turnID string) bool {
	b.mu.Lock()
	ch := b.channels[turnID]
	b.mu.Unlock()
	if ch == nil {
		return true
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// RequestID reports the intake request id the channel was created with,
// so synthetic frames on the stream carry the turn's correlation token.
func (b *Broker) RequestID(turnID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch := b.channels[turnID]; ch != nil {
		return ch.requestID
	}
	return ""
}

// Snapshot reports the turn's current outward state for non-streaming
// pollers: whether it is still live and its terminal event if any.
func (b *Broker) Snapshot(turnID string) (terminal *event.StreamEvent, live bool, err error) {
	b.mu.Lock()
	ch := b.channels[turnID]
	b.mu.Unlock()
	if ch == nil {
		return nil, false, ErrUnknownChannel
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.terminal != nil {
		t := *ch.terminal
		return &t, false, nil
	}
	return nil, !ch.closed, nil
}

// Len reports how many channels are currently registered.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

// Drain closes every live channel with a synthetic error. Called once at
// process shutdown; the broker accepts no new channels afterwards.
func (b *Broker) Drain() {
	b.mu.Lock()
	b.draining = true
	ids := make([]string, 0, len(b.channels))
	for id := range b.channels {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		b.mu.Lock()
		ch := b.channels[id]
		b.mu.Unlock()
		if ch == nil {
			continue
		}
		ch.mu.Lock()
		if !ch.closed {
			ev := event.Error(ch.turnID, ch.requestID, event.CodeShuttingDown, "gateway shutting down")
			ch.terminal = &ev
			ch.closed = true
			stopTimers(ch)
		}
		ch.mu.Unlock()
		poke(ch)
	}
	b.logf("broker: drained channels=%d", len(ids))
}

// reapUnsubscribed tears down a channel nobody attached to within the
// grace period.
func (b *Broker) reapUnsubscribed(turnID string) {
	b.mu.Lock()
	ch := b.channels[turnID]
	b.mu.Unlock()
	if ch == nil {
		return
	}
	ch.mu.Lock()
	if ch.subscribed {
		ch.mu.Unlock()
		return
	}
	if ch.closed {
		// Settled before anyone attached; nothing left to wait for.
		ch.mu.Unlock()
		b.remove(turnID)
		return
	}
	ev := event.Error(ch.turnID, ch.requestID, event.CodeNoSubscriber, "no subscriber attached within grace period")
	ch.terminal = &ev
	ch.closed = true
	stopTimers(ch)
	ch.mu.Unlock()
	poke(ch)
	b.logf("broker: reaped unsubscribed channel turn_id=%s", turnID)
	b.remove(turnID)
}

// expireTurn force-closes a turn that outlived the maximum duration.
func (b *Broker) expireTurn(turnID string) {
	b.mu.Lock()
	ch := b.channels[turnID]
	b.mu.Unlock()
	if ch == nil {
		return
	}
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ev := event.Error(ch.turnID, ch.requestID, event.CodeTurnTimeout, "turn exceeded maximum duration")
	ch.terminal = &ev
	ch.closed = true
	stopTimers(ch)
	if !ch.subscribed {
		b.scheduleUnclaimedRemoval(turnID)
	}
	ch.mu.Unlock()
	poke(ch)
	b.logf("broker: force-closed expired turn turn_id=%s", turnID)
}

func (b *Broker) remove(turnID string) {
	b.mu.Lock()
	ch := b.channels[turnID]
	delete(b.channels, turnID)
	b.mu.Unlock()
	if ch != nil {
		// Wake any straggling subscriber so it observes the closed state.
		poke(ch)
	}
}

// stopTimers must be called with the channel lock held.
func stopTimers(c *channel) {
	if c.graceTimer != nil {
		c.graceTimer.Stop()
		c.graceTimer = nil
	}
	if c.turnTimer != nil {
		c.turnTimer.Stop()
		c.turnTimer = nil
	}
}

func poke(c *channel) {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}
