package metrics

import (
	"fmt"
	"sort"
	"strings"
)

// FormatPrometheus renders a Snapshot in the Prometheus text format.
// See: https://prometheus.io/docs/instrumenting/exposition_formats/
func FormatPrometheus(snap Snapshot) string {
	var sb strings.Builder

	sb.WriteString("# HELP gateway_uptime_seconds Time since gateway started\n")
	sb.WriteString("# TYPE gateway_uptime_seconds gauge\n")
	sb.WriteString(fmt.Sprintf("gateway_uptime_seconds %d\n", snap.Uptime))
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_turns_started_total Turns routed to a provider\n")
	sb.WriteString("# TYPE gateway_turns_started_total counter\n")
	writeLabeled(&sb, "gateway_turns_started_total", "provider", snap.TurnsStarted)
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_turns_completed_total Turns settled with a completed event\n")
	sb.WriteString("# TYPE gateway_turns_completed_total counter\n")
	writeLabeled(&sb, "gateway_turns_completed_total", "provider", snap.TurnsCompleted)
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_turns_failed_total Turns settled with an error event\n")
	sb.WriteString("# TYPE gateway_turns_failed_total counter\n")
	writeLabeled(&sb, "gateway_turns_failed_total", "code", snap.TurnsFailed)
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_turn_duration_ms_total Cumulative turn duration by provider\n")
	sb.WriteString("# TYPE gateway_turn_duration_ms_total counter\n")
	writeLabeled(&sb, "gateway_turn_duration_ms_total", "provider", snap.TurnDurationMs)
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_valid_replies_total Replies that passed structural validation\n")
	sb.WriteString("# TYPE gateway_valid_replies_total counter\n")
	sb.WriteString(fmt.Sprintf("gateway_valid_replies_total %d\n", snap.ValidReplies))
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_invalid_replies_total Replies that failed structural validation\n")
	sb.WriteString("# TYPE gateway_invalid_replies_total counter\n")
	writeLabeled(&sb, "gateway_invalid_replies_total", "reason", snap.InvalidReplies)
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_deltas_forwarded_total Content deltas pushed to turn channels\n")
	sb.WriteString("# TYPE gateway_deltas_forwarded_total counter\n")
	sb.WriteString(fmt.Sprintf("gateway_deltas_forwarded_total %d\n", snap.DeltasForwarded))
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_active_streams Currently attached SSE subscribers\n")
	sb.WriteString("# TYPE gateway_active_streams gauge\n")
	sb.WriteString(fmt.Sprintf("gateway_active_streams %d\n", snap.ActiveStreams))
	sb.WriteString("\n")

	sb.WriteString("# HELP gateway_admission_denied_total Streams rejected at the concurrency ceiling\n")
	sb.WriteString("# TYPE gateway_admission_denied_total counter\n")
	writeLabeled(&sb, "gateway_admission_denied_total", "identity", snap.AdmissionDenied)

	return sb.String()
}

func writeLabeled(sb *strings.Builder, metric, label string, values map[string]int64) {
	for _, key := range sortedKeys(values) {
		sb.WriteString(fmt.Sprintf("%s{%s=%q} %d\n", metric, label, key, values[key]))
	}
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
