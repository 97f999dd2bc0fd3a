package telephony

import (
	"shopcall-server/pkg/callrecord"
)

// MapProviderStatus translates a provider lifecycle status into the call
// record status. The second return is false for statuses that carry no
// record-level transition (e.g. "initiated" or "queued").
func MapProviderStatus(providerStatus string) (callrecord.Status, bool) {
	switch providerStatus {
	case "ringing":
		return callrecord.StatusRinging, true
	case "answered", "in-progress":
		return callrecord.StatusInProgress, true
	case "completed":
		return callrecord.StatusCompleted, true
	case "busy", "failed", "no-answer":
		return callrecord.StatusFailed, true
	default:
		return "", false
	}
}
