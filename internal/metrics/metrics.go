// Package metrics tracks turn-level counters and exports them in the
// Prometheus text format. Manual tracking keeps the dependency surface
// small; swap in prometheus/client_golang if histograms become necessary.
package metrics

import (
	"sync"
	"time"
)

// Collector accumulates gateway counters. All methods are safe for
// concurrent use.
type Collector struct {
	mu sync.RWMutex

	// Turn lifecycle
	turnsStarted   map[string]int64 // by provider
	turnsCompleted map[string]int64 // by provider
	turnsFailed    map[string]int64 // by error code
	turnDurationMs map[string]int64 // total ms by provider

	// Reply validation
	validReplies   int64
	invalidReplies map[string]int64 // by rejection reason

	// Streaming
	deltasForwarded int64
	activeStreams   int64
	admissionDenied map[string]int64 // by identity

	startTime time.Time
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		turnsStarted:    make(map[string]int64),
		turnsCompleted:  make(map[string]int64),
		turnsFailed:     make(map[string]int64),
		turnDurationMs:  make(map[string]int64),
		invalidReplies:  make(map[string]int64),
		admissionDenied: make(map[string]int64),
		startTime:       time.Now(),
	}
}

// TurnStarted records a turn routed to a provider.
func (c *Collector) TurnStarted(provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turnsStarted[provider]++
}

// TurnCompleted records a settled turn and its validation outcome.
func (c *Collector) TurnCompleted(provider string, duration time.Duration, valid bool, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turnsCompleted[provider]++
	c.turnDurationMs[provider] += duration.Milliseconds()
	if valid {
		c.validReplies++
	} else if reason != "" {
		c.invalidReplies[reason]++
	}
}

// TurnFailed records a turn that settled with an error code.
func (c *Collector) TurnFailed(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.turnsFailed[code]++
}

// DeltaForwarded counts one content delta pushed to the channel.
func (c *Collector) DeltaForwarded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deltasForwarded++
}

// StreamAttached increments the live-stream gauge.
func (c *Collector) StreamAttached() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeStreams++
}

// StreamDetached decrements the live-stream gauge.
func (c *Collector) StreamDetached() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeStreams--
}

// AdmissionDenied records a stream rejected at the concurrency ceiling.
func (c *Collector) AdmissionDenied(identity string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.admissionDenied[identity]++
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	Uptime          int64
	TurnsStarted    map[string]int64
	TurnsCompleted  map[string]int64
	TurnsFailed     map[string]int64
	TurnDurationMs  map[string]int64
	ValidReplies    int64
	InvalidReplies  map[string]int64
	DeltasForwarded int64
	ActiveStreams   int64
	AdmissionDenied map[string]int64
}

// GetSnapshot copies the current counters.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Uptime:          int64(time.Since(c.startTime).Seconds()),
		TurnsStarted:    copyMap(c.turnsStarted),
		TurnsCompleted:  copyMap(c.turnsCompleted),
		TurnsFailed:     copyMap(c.turnsFailed),
		TurnDurationMs:  copyMap(c.turnDurationMs),
		ValidReplies:    c.validReplies,
		InvalidReplies:  copyMap(c.invalidReplies),
		DeltasForwarded: c.deltasForwarded,
		ActiveStreams:   c.activeStreams,
		AdmissionDenied: copyMap(c.admissionDenied),
	}
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
