// time.go — Timestamp parsing for externally-reported times, notably the
// build_timestamp the extension sends in its handshake identity frame.
package util

import "time"

// ParseTimestamp parses an RFC3339 timestamp string, trying RFC3339Nano
// first (since it's a superset of RFC3339), then RFC3339 as a fallback.
// Returns zero time on failure — callers treat zero as "not reported".
func ParseTimestamp(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339, s)
	}
	return t
}
