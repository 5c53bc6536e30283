package broker

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PaperGateway is an in-memory gateway for development mode. Buy fills are
// injected by hand or by the built-in generator; submitted sells fill after
// a short latency so the whole detect-and-sell cycle can be exercised
// without touching the broker.
type PaperGateway struct {
	mu         sync.Mutex
	pending    []FillEvent
	orders     map[string]paperOrder
	latency    time.Duration
	failSubmit int // when >0, the next submissions fail
}

type paperOrder struct {
	symbol    string
	quantity  int
	price     float64
	placedAt  time.Time
	confirmed bool
}

// NewPaperGateway creates a paper gateway with the given sell-fill latency.
func NewPaperGateway(latency time.Duration) *PaperGateway {
	return &PaperGateway{
		orders:  make(map[string]paperOrder),
		latency: latency,
	}
}

// InjectBuyFill queues a simulated buy execution for the next QueryFills.
func (p *PaperGateway) InjectBuyFill(symbol string, quantity int, price float64) FillEvent {
	ev := FillEvent{
		ExecutionID: uuid.NewString(),
		OrderID:     uuid.NewString(),
		Symbol:      symbol,
		Side:        SideBuy,
		Price:       price,
		Quantity:    quantity,
		FilledAt:    time.Now(),
	}
	p.mu.Lock()
	p.pending = append(p.pending, ev)
	p.mu.Unlock()
	return ev
}

// FailNextSubmissions makes the next n sell submissions fail with a
// transient error.
func (p *PaperGateway) FailNextSubmissions(n int) {
	p.mu.Lock()
	p.failSubmit = n
	p.mu.Unlock()
}

// SubmitLimitSell accepts the order and schedules its confirmation.
func (p *PaperGateway) SubmitLimitSell(ctx context.Context, symbol string, quantity int, price float64) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failSubmit > 0 {
		p.failSubmit--
		return "", fmt.Errorf("paper gateway: simulated submission failure")
	}

	orderID := uuid.NewString()
	p.orders[orderID] = paperOrder{
		symbol:   symbol,
		quantity: quantity,
		price:    price,
		placedAt: time.Now(),
	}
	return orderID, nil
}

// QueryFills drains injected buy fills and emits sell confirmations for
// orders older than the configured latency.
func (p *PaperGateway) QueryFills(ctx context.Context, since time.Time) ([]FillEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fills := p.pending
	p.pending = nil

	now := time.Now()
	for id, ord := range p.orders {
		if ord.confirmed || now.Sub(ord.placedAt) < p.latency {
			continue
		}
		ord.confirmed = true
		p.orders[id] = ord
		fills = append(fills, FillEvent{
			ExecutionID: uuid.NewString(),
			OrderID:     id,
			Symbol:      ord.symbol,
			Side:        SideSell,
			Price:       ord.price,
			Quantity:    ord.quantity,
			FilledAt:    now,
		})
	}
	return fills, nil
}

// QueryAccountState returns a plausible development snapshot.
func (p *PaperGateway) QueryAccountState(ctx context.Context) (*AccountSnapshot, error) {
	p.mu.Lock()
	open := 0
	for _, ord := range p.orders {
		if !ord.confirmed {
			open++
		}
	}
	p.mu.Unlock()

	return &AccountSnapshot{
		Currency:      "USD",
		CashBalance:   10000 + rand.Float64()*100,
		PositionCount: open,
		AsOf:          time.Now(),
	}, nil
}

var _ OrderGateway = (*PaperGateway)(nil)
