package util

import (
	"testing"
	"time"
)

func TestParseTimestamp(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want time.Time
	}{
		{"rfc3339 build timestamp", "2026-07-14T09:30:00Z", time.Date(2026, 7, 14, 9, 30, 0, 0, time.UTC)},
		{"rfc3339 nano", "2026-07-14T09:30:00.123456789Z", time.Date(2026, 7, 14, 9, 30, 0, 123456789, time.UTC)},
		{"millisecond precision", "2026-07-14T09:30:00.500Z", time.Date(2026, 7, 14, 9, 30, 0, 500000000, time.UTC)},
		{"empty means not reported", "", time.Time{}},
		{"garbage means not reported", "yesterday-ish", time.Time{}},
	}
	for _, tc := range cases {
		if got := ParseTimestamp(tc.in); !got.Equal(tc.want) {
			t.Errorf("%s: ParseTimestamp(%q) = %v, want %v", tc.name, tc.in, got, tc.want)
		}
	}
}

func TestParseTimestampKeepsZoneOffset(t *testing.T) {
	got := ParseTimestamp("2026-07-14T09:30:00+05:00")
	if got.IsZero() {
		t.Fatalf("offset timestamp did not parse")
	}
	want := time.Date(2026, 7, 14, 4, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("offset not honored: got %v, want instant %v", got, want)
	}
}
