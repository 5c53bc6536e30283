package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"kis-autosell/internal/budget"
	"kis-autosell/internal/emergency"
	apperrors "kis-autosell/internal/errors"
)

type countingGateway struct {
	mu      sync.Mutex
	calls   int
	nextErr error
}

func (g *countingGateway) bump() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	return g.nextErr
}

func (g *countingGateway) SubmitLimitSell(ctx context.Context, symbol string, quantity int, price float64) (string, error) {
	if err := g.bump(); err != nil {
		return "", err
	}
	return "ORD-1", nil
}

func (g *countingGateway) QueryFills(ctx context.Context, since time.Time) ([]FillEvent, error) {
	if err := g.bump(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (g *countingGateway) QueryAccountState(ctx context.Context) (*AccountSnapshot, error) {
	if err := g.bump(); err != nil {
		return nil, err
	}
	return &AccountSnapshot{}, nil
}

func (g *countingGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func newTestBudget(stop *emergency.Stop, perSecond int) *budget.Budget {
	loc := time.UTC
	opts := []budget.Option{}
	if stop != nil {
		opts = append(opts, budget.WithVeto(stop.Tripped))
	}
	return budget.New(budget.Ceilings{
		PerSecond: perSecond, PerHour: 1000, PerDay: 1000, WarnFraction: 0.9,
	}, loc, opts...)
}

func TestDeniedCallNeverReachesTheGateway(t *testing.T) {
	inner := &countingGateway{}
	stop := emergency.New(emergency.DefaultConfig())
	// Zero per-second ceiling: every admission is denied.
	m := NewMetered(inner, newTestBudget(stop, 0), stop)

	_, err := m.SubmitLimitSell(context.Background(), "AAPL", 1, 100)
	if !apperrors.IsBudgetDenied(err) {
		t.Fatalf("err = %v, want budget denial", err)
	}
	if inner.callCount() != 0 {
		t.Fatalf("inner gateway called %d times on denial", inner.callCount())
	}
	// Denial is not a failure: the stop must remain untouched.
	if stop.Tripped() {
		t.Fatal("stop tripped by a budget denial")
	}
}

func TestCallsAreRecordedAgainstTheBudget(t *testing.T) {
	inner := &countingGateway{}
	stop := emergency.New(emergency.DefaultConfig())
	bud := newTestBudget(stop, 2)
	m := NewMetered(inner, bud, stop)

	if _, err := m.QueryFills(context.Background(), time.Time{}); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, err := m.QueryFills(context.Background(), time.Time{}); err != nil {
		t.Fatalf("second call: %v", err)
	}
	// Third call in the same second crosses the per-second ceiling.
	if _, err := m.QueryFills(context.Background(), time.Time{}); !apperrors.IsBudgetDenied(err) {
		t.Fatalf("third call err = %v, want budget denial", err)
	}
	if inner.callCount() != 2 {
		t.Fatalf("inner calls = %d, want 2", inner.callCount())
	}
}

func TestFailedCallsStillConsumeBudget(t *testing.T) {
	inner := &countingGateway{nextErr: apperrors.NewTransientCallError("sell_order", errors.New("timeout"))}
	stop := emergency.New(emergency.DefaultConfig())
	bud := newTestBudget(stop, 100)
	m := NewMetered(inner, bud, stop)

	_, _ = m.SubmitLimitSell(context.Background(), "AAPL", 1, 100)
	if got := bud.Snapshot().DayCount; got != 1 {
		t.Fatalf("day count after a failed call = %d, want 1: the call fired", got)
	}
}

func TestAccountQueryFailureTripsTheStop(t *testing.T) {
	inner := &countingGateway{nextErr: errors.New("balance endpoint down")}
	stop := emergency.New(emergency.DefaultConfig())
	m := NewMetered(inner, newTestBudget(stop, 100), stop)

	if _, err := m.QueryAccountState(context.Background()); err == nil {
		t.Fatal("account query error swallowed")
	}
	if !stop.Tripped() {
		t.Fatal("account query failure did not trip the stop")
	}

	// With the stop tripped the veto denies the next admission.
	if _, err := m.QueryFills(context.Background(), time.Time{}); !apperrors.IsBudgetDenied(err) {
		t.Fatalf("post-trip call err = %v, want budget denial", err)
	}
}
