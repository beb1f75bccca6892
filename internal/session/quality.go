package session

import "github.com/exosim/control-plane/internal/domain"

// classifyQuality buckets a connection's observed health (spec.md §4.2):
// three or more missed heartbeats is POOR and recommends a client-side
// reconnect; any missed heartbeat or latency over 500ms is DEGRADED;
// otherwise GOOD.
func classifyQuality(latencyMS int64, missedHeartbeats int) (domain.ConnectionQuality, bool) {
	if missedHeartbeats >= 3 {
		return domain.QualityPoor, true
	}
	if missedHeartbeats > 0 || latencyMS > 500 {
		return domain.QualityDegraded, false
	}
	return domain.QualityGood, false
}
