package model

import "time"

// IsStale reports whether an entity whose last update happened at lastSeen
// has exceeded the given timeout as of now. A zero lastSeen (never seen) is
// always stale.
func IsStale(lastSeen, now time.Time, timeout time.Duration) bool {
	if lastSeen.IsZero() {
		return true
	}
	return now.Sub(lastSeen) > timeout
}
