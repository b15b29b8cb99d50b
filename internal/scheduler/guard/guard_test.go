package guard

import (
	"testing"
	"time"
)

func TestEnsureDispatchInterrupted(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	old := now.Add(-time.Hour)
	recent := now.Add(-time.Minute)

	cases := []struct {
		name      string
		started   bool
		startedAt *time.Time
		hasTask   bool
		refunded  bool
		want      error
	}{
		{"not started", false, nil, false, false, ErrDispatchNotStarted},
		{"task recorded", true, &old, true, false, ErrDispatchRecorded},
		{"refunded", true, &old, false, true, ErrAlreadyRefunded},
		{"too recent", true, &recent, false, false, ErrDispatchTooRecent},
		{"interrupted", true, &old, false, false, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := EnsureDispatchInterrupted(tc.started, tc.startedAt, tc.hasTask, tc.refunded, now, 30*time.Minute)
			if got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}
