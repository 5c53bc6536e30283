package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"kis-autosell/internal/watcher"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func samplePosition(id string, at time.Time) watcher.Position {
	return watcher.Position{
		ExecutionID: id,
		Symbol:      "AAPL",
		FillPrice:   100.00,
		Quantity:    10,
		FilledAt:    at,
		State:       watcher.StatePending,
		TargetPrice: 103.00,
	}
}

func TestSaveAndLoadPositions(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	if err := s.SavePosition(samplePosition("E1", now)); err != nil {
		t.Fatalf("save: %v", err)
	}

	positions, err := s.OpenPositions(now)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}
	p := positions[0]
	if p.ExecutionID != "E1" || p.Symbol != "AAPL" || p.TargetPrice != 103.00 {
		t.Errorf("loaded position = %+v", p)
	}
	if p.State != watcher.StatePending {
		t.Errorf("state = %s, want PENDING", p.State)
	}
}

func TestSavePositionUpserts(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	pos := samplePosition("E1", now)
	if err := s.SavePosition(pos); err != nil {
		t.Fatalf("insert: %v", err)
	}

	pos.State = watcher.StateSellSubmitted
	pos.SellOrderID = "ORD-1"
	if err := s.SavePosition(pos); err != nil {
		t.Fatalf("update: %v", err)
	}

	positions, err := s.OpenPositions(now)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1 after upsert", len(positions))
	}
	if positions[0].State != watcher.StateSellSubmitted || positions[0].SellOrderID != "ORD-1" {
		t.Errorf("updated position = %+v", positions[0])
	}
}

func TestOpenPositionsScopedToDay(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()

	if err := s.SavePosition(samplePosition("TODAY", now)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SavePosition(samplePosition("YESTERDAY", now.Add(-24*time.Hour))); err != nil {
		t.Fatalf("save: %v", err)
	}

	positions, err := s.OpenPositions(now)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(positions) != 1 || positions[0].ExecutionID != "TODAY" {
		t.Fatalf("positions = %+v, want only TODAY", positions)
	}
}

func TestBudgetCountersRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if _, _, _, ok, err := s.LoadBudget(); err != nil || ok {
		t.Fatalf("fresh store LoadBudget = ok=%v err=%v, want absent", ok, err)
	}

	asOf := time.Now().Truncate(time.Second)
	if err := s.SaveBudget(asOf, 42, 1234); err != nil {
		t.Fatalf("save: %v", err)
	}

	gotAt, hour, day, ok, err := s.LoadBudget()
	if err != nil || !ok {
		t.Fatalf("load: ok=%v err=%v", ok, err)
	}
	if hour != 42 || day != 1234 {
		t.Errorf("counters = %d/%d, want 42/1234", hour, day)
	}
	if !gotAt.Equal(asOf) {
		t.Errorf("asOf = %v, want %v", gotAt, asOf)
	}

	// Overwrite keeps a single row.
	if err := s.SaveBudget(asOf.Add(time.Minute), 43, 1235); err != nil {
		t.Fatalf("second save: %v", err)
	}
	_, hour, day, _, err = s.LoadBudget()
	if err != nil || hour != 43 || day != 1235 {
		t.Errorf("after overwrite = %d/%d err=%v", hour, day, err)
	}
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	s := newTestStore(t)
	s.Close()

	if err := s.SavePosition(samplePosition("E1", time.Now())); err == nil {
		t.Error("save accepted on a closed store")
	}
	if _, err := s.OpenPositions(time.Now()); err == nil {
		t.Error("load accepted on a closed store")
	}
}
