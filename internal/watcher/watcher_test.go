package watcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"kis-autosell/internal/broker"
	apperrors "kis-autosell/internal/errors"
	"kis-autosell/pkg/utils"
)

type fakeGateway struct {
	mu        sync.Mutex
	submits   int
	failFirst int // fail this many submissions with a transient error
	lastPrice float64
	lastQty   int
	lastSym   string
}

func (g *fakeGateway) SubmitLimitSell(ctx context.Context, symbol string, quantity int, price float64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submits++
	if g.failFirst > 0 {
		g.failFirst--
		return "", apperrors.NewTransientCallError("sell_order", context.DeadlineExceeded)
	}
	g.lastSym, g.lastQty, g.lastPrice = symbol, quantity, price
	return "ORD-1", nil
}

func (g *fakeGateway) QueryFills(ctx context.Context, since time.Time) ([]broker.FillEvent, error) {
	return nil, nil
}

func (g *fakeGateway) QueryAccountState(ctx context.Context) (*broker.AccountSnapshot, error) {
	return &broker.AccountSnapshot{}, nil
}

func (g *fakeGateway) submitCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submits
}

type memStore struct {
	mu        sync.Mutex
	positions map[string]Position
}

func newMemStore() *memStore {
	return &memStore{positions: make(map[string]Position)}
}

func (s *memStore) SavePosition(p Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[p.ExecutionID] = p
	return nil
}

func (s *memStore) OpenPositions(day time.Time) ([]Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	return out, nil
}

func fastRetry(attempts int) utils.RetryConfig {
	return utils.RetryConfig{
		MaxAttempts:   attempts,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func buyFill(id string, price float64) broker.FillEvent {
	return broker.FillEvent{
		ExecutionID: id,
		OrderID:     "BUY-" + id,
		Symbol:      "AAPL",
		Side:        broker.SideBuy,
		Price:       price,
		Quantity:    10,
		FilledAt:    time.Now(),
	}
}

func newTestWatcher(g *fakeGateway, s PositionStore, ev Events) *Watcher {
	return New(Config{TargetProfitRate: 0.03, Retry: fastRetry(3)}, g, s, ev, zerolog.Nop())
}

func TestTargetPriceRoundsToCent(t *testing.T) {
	cases := []struct {
		fill, rate, want float64
	}{
		{100.00, 0.03, 103.00},
		{33.33, 0.03, 34.33},
		{0.99, 0.03, 1.02},
		{250.10, 0.03, 257.60},
	}
	for _, tc := range cases {
		if got := TargetPrice(tc.fill, tc.rate); got != tc.want {
			t.Errorf("TargetPrice(%.2f, %.2f) = %v, want %v", tc.fill, tc.rate, got, tc.want)
		}
	}
}

func TestBuyFillSubmitsSellAtTarget(t *testing.T) {
	g := &fakeGateway{}
	w := newTestWatcher(g, newMemStore(), Events{})

	w.HandleFill(context.Background(), buyFill("E1", 100.00), "stream")

	if g.submitCount() != 1 {
		t.Fatalf("submissions = %d, want 1", g.submitCount())
	}
	if g.lastPrice != 103.00 || g.lastQty != 10 || g.lastSym != "AAPL" {
		t.Fatalf("submitted %s x%d @ %v, want AAPL x10 @ 103.00", g.lastSym, g.lastQty, g.lastPrice)
	}

	positions := w.Positions()
	if len(positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(positions))
	}
	p := positions[0]
	if p.State != StateSellSubmitted || p.SellOrderID != "ORD-1" {
		t.Fatalf("position = %+v, want SELL_SUBMITTED with order id", p)
	}
}

func TestDuplicateExecutionIsNoOp(t *testing.T) {
	g := &fakeGateway{}
	w := newTestWatcher(g, newMemStore(), Events{})

	fill := buyFill("E1", 100.00)
	w.HandleFill(context.Background(), fill, "stream")
	// The poller can report the same execution the stream already delivered.
	w.HandleFill(context.Background(), fill, "poll")

	if g.submitCount() != 1 {
		t.Fatalf("duplicate execution caused %d submissions, want 1", g.submitCount())
	}
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	g := &fakeGateway{failFirst: 2}
	w := newTestWatcher(g, newMemStore(), Events{})

	w.HandleFill(context.Background(), buyFill("E1", 50.00), "poll")

	if g.submitCount() != 3 {
		t.Fatalf("submissions = %d, want 3 (two failures, one success)", g.submitCount())
	}
	if p := w.Positions()[0]; p.State != StateSellSubmitted {
		t.Fatalf("state = %s, want SELL_SUBMITTED", p.State)
	}
}

func TestRetryExhaustionMarksSellFailed(t *testing.T) {
	g := &fakeGateway{failFirst: 99}
	var failed Position
	var failErr error
	w := newTestWatcher(g, newMemStore(), Events{
		OnSellFailed: func(p Position, err error) { failed, failErr = p, err },
	})

	w.HandleFill(context.Background(), buyFill("E1", 50.00), "poll")

	if g.submitCount() != 3 {
		t.Fatalf("submissions = %d, want exactly 3 attempts", g.submitCount())
	}
	if p := w.Positions()[0]; p.State != StateSellFailed {
		t.Fatalf("state = %s, want SELL_FAILED", p.State)
	}
	if failed.ExecutionID != "E1" || failErr == nil {
		t.Fatalf("failure event = %+v / %v", failed, failErr)
	}
	var sf *apperrors.SellSubmissionFailure
	if !apperrors.As(failErr, &sf) {
		t.Fatalf("failure error is %T, want SellSubmissionFailure", failErr)
	}
}

func TestSellConfirmationMatchesByOrderID(t *testing.T) {
	g := &fakeGateway{}
	var confirmed Position
	w := newTestWatcher(g, newMemStore(), Events{
		OnSellConfirmed: func(p Position) { confirmed = p },
	})

	w.HandleFill(context.Background(), buyFill("E1", 100.00), "stream")
	w.HandleFill(context.Background(), broker.FillEvent{
		ExecutionID: "E2",
		OrderID:     "ORD-1",
		Symbol:      "AAPL",
		Side:        broker.SideSell,
		Price:       103.00,
		Quantity:    10,
		FilledAt:    time.Now(),
	}, "stream")

	if confirmed.ExecutionID != "E1" {
		t.Fatalf("confirmed position = %+v, want E1", confirmed)
	}
	if p := w.Positions()[0]; p.State != StateSellConfirmed {
		t.Fatalf("state = %s, want SELL_CONFIRMED", p.State)
	}
}

func TestUnmatchedSellExecutionIsIgnored(t *testing.T) {
	g := &fakeGateway{}
	w := newTestWatcher(g, newMemStore(), Events{})

	w.HandleFill(context.Background(), broker.FillEvent{
		ExecutionID: "E9",
		OrderID:     "UNKNOWN",
		Symbol:      "AAPL",
		Side:        broker.SideSell,
		Price:       1,
		Quantity:    1,
		FilledAt:    time.Now(),
	}, "stream")

	if len(w.Positions()) != 0 {
		t.Fatal("unmatched sell execution created a position")
	}
}

func TestRestoreDedupesAcrossRestart(t *testing.T) {
	st := newMemStore()
	g1 := &fakeGateway{}
	w1 := newTestWatcher(g1, st, Events{})
	w1.HandleFill(context.Background(), buyFill("E1", 100.00), "stream")

	// New watcher over the same store, as after a process restart.
	g2 := &fakeGateway{}
	w2 := newTestWatcher(g2, st, Events{})
	if err := w2.Restore(time.Now()); err != nil {
		t.Fatalf("restore: %v", err)
	}

	w2.HandleFill(context.Background(), buyFill("E1", 100.00), "poll")
	if g2.submitCount() != 0 {
		t.Fatalf("restored watcher resubmitted the sell: %d submissions", g2.submitCount())
	}
}
