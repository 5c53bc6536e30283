package budget

import (
	"testing"
	"time"
)

func testClock(start time.Time) (now func() time.Time, advance func(time.Duration)) {
	current := start
	now = func() time.Time { return current }
	advance = func(d time.Duration) { current = current.Add(d) }
	return now, advance
}

func newYorkLoc(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("loading location: %v", err)
	}
	return loc
}

func TestTryAdmitDoesNotMutate(t *testing.T) {
	loc := newYorkLoc(t)
	start := time.Date(2025, 6, 2, 10, 0, 0, 0, loc)
	now, _ := testClock(start)

	b := New(Ceilings{PerSecond: 2, PerHour: 10, PerDay: 20, WarnFraction: 0.9}, loc, WithClock(now))

	for i := 0; i < 100; i++ {
		if !b.TryAdmit(1) {
			t.Fatalf("TryAdmit denied on iteration %d with empty counters", i)
		}
	}

	snap := b.Snapshot()
	if snap.SecondCount != 0 || snap.HourCount != 0 || snap.DayCount != 0 {
		t.Fatalf("TryAdmit mutated counters: %+v", snap)
	}
}

func TestPerSecondCeiling(t *testing.T) {
	loc := newYorkLoc(t)
	start := time.Date(2025, 6, 2, 10, 0, 0, 0, loc)
	now, advance := testClock(start)

	b := New(Ceilings{PerSecond: 2, PerHour: 100, PerDay: 1000, WarnFraction: 0.9}, loc, WithClock(now))

	for i := 0; i < 2; i++ {
		if !b.TryAdmit(1) {
			t.Fatalf("admission %d denied under ceiling", i)
		}
		b.Record(1)
	}
	if b.TryAdmit(1) {
		t.Fatal("third call in the same second admitted past the per-second ceiling")
	}

	advance(time.Second)
	if !b.TryAdmit(1) {
		t.Fatal("admission denied after the second rolled over")
	}
}

func TestHourlyWindowResetsAtBoundary(t *testing.T) {
	loc := newYorkLoc(t)
	start := time.Date(2025, 6, 2, 10, 59, 59, 0, loc)
	now, advance := testClock(start)

	b := New(Ceilings{PerSecond: 10, PerHour: 3, PerDay: 1000, WarnFraction: 0.9}, loc, WithClock(now))

	for i := 0; i < 3; i++ {
		b.Record(1)
	}
	if b.TryAdmit(1) {
		t.Fatal("admitted past the hourly ceiling")
	}

	// One second later is a new hour; the hourly window belongs to it.
	advance(time.Second)
	if !b.TryAdmit(1) {
		t.Fatal("admission denied after the hour boundary")
	}
}

func TestDailyWarningFiresOnce(t *testing.T) {
	loc := newYorkLoc(t)
	start := time.Date(2025, 6, 2, 10, 0, 0, 0, loc)
	now, advance := testClock(start)

	warns := 0
	b := New(Ceilings{PerSecond: 1000, PerHour: 1000, PerDay: 10, WarnFraction: 0.9}, loc,
		WithClock(now),
		WithDailyWarn(func(used, ceiling int) { warns++ }))

	for i := 0; i < 8; i++ {
		b.Record(1)
		advance(time.Second)
	}
	if warns != 0 {
		t.Fatalf("warning fired below the threshold: %d", warns)
	}

	b.Record(1) // 9/10 crosses 0.9
	if warns != 1 {
		t.Fatalf("expected exactly one warning at the threshold, got %d", warns)
	}

	advance(time.Second)
	b.Record(1)
	if warns != 1 {
		t.Fatalf("warning re-fired within the same day: %d", warns)
	}
}

func TestVetoDeniesRegardlessOfBudget(t *testing.T) {
	loc := newYorkLoc(t)
	start := time.Date(2025, 6, 2, 10, 0, 0, 0, loc)
	now, _ := testClock(start)

	vetoed := false
	b := New(Ceilings{PerSecond: 10, PerHour: 10, PerDay: 10, WarnFraction: 0.9}, loc,
		WithClock(now),
		WithVeto(func() bool { return vetoed }))

	if !b.TryAdmit(1) {
		t.Fatal("denied with veto inactive and budget empty")
	}
	vetoed = true
	if b.TryAdmit(1) {
		t.Fatal("admitted with veto active")
	}
}

func TestSeedIgnoresStaleWindows(t *testing.T) {
	loc := newYorkLoc(t)
	start := time.Date(2025, 6, 2, 10, 0, 0, 0, loc)
	now, _ := testClock(start)

	b := New(Ceilings{PerSecond: 10, PerHour: 100, PerDay: 100, WarnFraction: 0.9}, loc, WithClock(now))

	// Counters from yesterday must not survive the restart.
	b.Seed(start.Add(-24*time.Hour), 50, 90)
	snap := b.Snapshot()
	if snap.HourCount != 0 || snap.DayCount != 0 {
		t.Fatalf("stale counters seeded: %+v", snap)
	}

	// Counters from earlier in the same hour carry over.
	b.Seed(start.Add(-10*time.Minute), 7, 42)
	snap = b.Snapshot()
	if snap.HourCount != 7 || snap.DayCount != 42 {
		t.Fatalf("same-window counters not seeded: %+v", snap)
	}
}

func TestRemainingHourFraction(t *testing.T) {
	loc := newYorkLoc(t)
	start := time.Date(2025, 6, 2, 10, 0, 0, 0, loc)
	now, advance := testClock(start)

	b := New(Ceilings{PerSecond: 100, PerHour: 10, PerDay: 1000, WarnFraction: 0.9}, loc, WithClock(now))

	if got := b.RemainingHourFraction(); got != 1.0 {
		t.Fatalf("fresh budget fraction = %v, want 1.0", got)
	}
	for i := 0; i < 5; i++ {
		b.Record(1)
		advance(time.Second)
	}
	if got := b.RemainingHourFraction(); got != 0.5 {
		t.Fatalf("half-used fraction = %v, want 0.5", got)
	}
	for i := 0; i < 5; i++ {
		b.Record(1)
		advance(time.Second)
	}
	if got := b.RemainingHourFraction(); got != 0 {
		t.Fatalf("exhausted fraction = %v, want 0", got)
	}
}
