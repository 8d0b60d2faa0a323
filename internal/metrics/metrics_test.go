package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestCollectorSnapshot(t *testing.T) {
	c := NewCollector()
	c.TurnStarted("openai")
	c.TurnStarted("openai")
	c.TurnCompleted("openai", 120*time.Millisecond, true, "")
	c.TurnCompleted("openai", 80*time.Millisecond, false, "final_missing")
	c.TurnFailed("upstream_failure")
	c.DeltaForwarded()
	c.DeltaForwarded()
	c.StreamAttached()
	c.AdmissionDenied("alice")

	snap := c.GetSnapshot()
	if snap.TurnsStarted["openai"] != 2 {
		t.Fatalf("turns started: %+v", snap.TurnsStarted)
	}
	if snap.TurnsCompleted["openai"] != 2 || snap.TurnDurationMs["openai"] != 200 {
		t.Fatalf("completion accounting: %+v %+v", snap.TurnsCompleted, snap.TurnDurationMs)
	}
	if snap.ValidReplies != 1 || snap.InvalidReplies["final_missing"] != 1 {
		t.Fatalf("validation accounting: %d %+v", snap.ValidReplies, snap.InvalidReplies)
	}
	if snap.TurnsFailed["upstream_failure"] != 1 {
		t.Fatalf("failure accounting: %+v", snap.TurnsFailed)
	}
	if snap.DeltasForwarded != 2 || snap.ActiveStreams != 1 {
		t.Fatalf("stream accounting: %d %d", snap.DeltasForwarded, snap.ActiveStreams)
	}
	if snap.AdmissionDenied["alice"] != 1 {
		t.Fatalf("admission accounting: %+v", snap.AdmissionDenied)
	}

	// Snapshot must be a copy, not a view.
	snap.TurnsStarted["openai"] = 99
	if c.GetSnapshot().TurnsStarted["openai"] != 2 {
		t.Fatal("snapshot aliases collector state")
	}
}

func TestFormatPrometheus(t *testing.T) {
	c := NewCollector()
	c.TurnStarted("anthropic")
	c.TurnFailed("turn_timeout")
	c.StreamAttached()

	out := FormatPrometheus(c.GetSnapshot())
	for _, want := range []string{
		`gateway_turns_started_total{provider="anthropic"} 1`,
		`gateway_turns_failed_total{code="turn_timeout"} 1`,
		"gateway_active_streams 1",
		"# TYPE gateway_uptime_seconds gauge",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %q in output:\n%s", want, out)
		}
	}
}
