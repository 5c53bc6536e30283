package session

import (
	"testing"
	"time"
)

func newTestClock(t *testing.T) *Clock {
	t.Helper()
	c, err := NewClock("America/New_York", "04:00", "09:30", "16:00")
	if err != nil {
		t.Fatalf("building clock: %v", err)
	}
	return c
}

func TestPhaseBoundaries(t *testing.T) {
	c := newTestClock(t)
	loc := c.Location()

	// Monday 2025-06-02
	cases := []struct {
		name string
		at   time.Time
		want Phase
	}{
		{"midnight", time.Date(2025, 6, 2, 0, 0, 0, 0, loc), PhaseQuiet},
		{"just before pre-market", time.Date(2025, 6, 2, 3, 59, 0, 0, loc), PhaseQuiet},
		{"pre-market open", time.Date(2025, 6, 2, 4, 0, 0, 0, loc), PhasePreMarket},
		{"mid pre-market", time.Date(2025, 6, 2, 7, 15, 0, 0, loc), PhasePreMarket},
		{"last pre-market minute", time.Date(2025, 6, 2, 9, 29, 59, 0, loc), PhasePreMarket},
		{"regular open wins the tie", time.Date(2025, 6, 2, 9, 30, 0, 0, loc), PhaseRegular},
		{"midday", time.Date(2025, 6, 2, 12, 0, 0, 0, loc), PhaseRegular},
		{"regular close inclusive", time.Date(2025, 6, 2, 16, 0, 0, 0, loc), PhaseRegular},
		{"just after close", time.Date(2025, 6, 2, 16, 1, 0, 0, loc), PhaseQuiet},
		{"evening", time.Date(2025, 6, 2, 20, 0, 0, 0, loc), PhaseQuiet},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := c.Phase(tc.at); got != tc.want {
				t.Errorf("Phase(%s) = %s, want %s", tc.at, got, tc.want)
			}
		})
	}
}

func TestWeekendsAreQuiet(t *testing.T) {
	c := newTestClock(t)
	loc := c.Location()

	saturday := time.Date(2025, 6, 7, 12, 0, 0, 0, loc)
	sunday := time.Date(2025, 6, 8, 9, 30, 0, 0, loc)

	if got := c.Phase(saturday); got != PhaseQuiet {
		t.Errorf("Saturday midday = %s, want QUIET", got)
	}
	if got := c.Phase(sunday); got != PhaseQuiet {
		t.Errorf("Sunday at the open = %s, want QUIET", got)
	}
}

func TestPhaseUsesExchangeLocalTime(t *testing.T) {
	c := newTestClock(t)

	// 14:00 UTC on a June Monday is 10:00 in New York: regular session.
	at := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	if got := c.Phase(at); got != PhaseRegular {
		t.Errorf("Phase(14:00 UTC) = %s, want REGULAR", got)
	}
}

func TestExtendedHours(t *testing.T) {
	c := newTestClock(t)
	loc := c.Location()

	if !c.ExtendedHours(time.Date(2025, 6, 2, 7, 0, 0, 0, loc)) {
		t.Error("pre-market should be extended hours")
	}
	if c.ExtendedHours(time.Date(2025, 6, 2, 12, 0, 0, 0, loc)) {
		t.Error("regular session should not be extended hours")
	}
}

func TestNewClockRejectsBadBoundaries(t *testing.T) {
	if _, err := NewClock("America/New_York", "09:30", "04:00", "16:00"); err == nil {
		t.Error("out-of-order boundaries accepted")
	}
	if _, err := NewClock("America/New_York", "4am", "09:30", "16:00"); err == nil {
		t.Error("malformed boundary accepted")
	}
	if _, err := NewClock("Not/AZone", "04:00", "09:30", "16:00"); err == nil {
		t.Error("unknown timezone accepted")
	}
}
