// Package watcher reacts to buy executions: it books a position and
// immediately places the take-profit sell.
package watcher

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kis-autosell/internal/broker"
	apperrors "kis-autosell/internal/errors"
	"kis-autosell/internal/logging"
	"kis-autosell/internal/metrics"
	"kis-autosell/pkg/utils"
)

// SellState is the lifecycle of a detected position.
type SellState string

const (
	StatePending       SellState = "PENDING"
	StateSellSubmitted SellState = "SELL_SUBMITTED"
	StateSellConfirmed SellState = "SELL_CONFIRMED"
	// StateSellFailed is terminal: the retry budget was spent and the
	// position needs a human.
	StateSellFailed SellState = "SELL_FAILED"
)

// Position is one detected buy fill and the sell it spawned. ExecutionID is
// the broker-assigned idempotency key.
type Position struct {
	ExecutionID string
	Symbol      string
	FillPrice   float64
	Quantity    int
	FilledAt    time.Time
	State       SellState
	SellOrderID string
	TargetPrice float64
}

// PositionStore persists positions across restarts.
type PositionStore interface {
	SavePosition(p Position) error
	OpenPositions(day time.Time) ([]Position, error)
}

// Events are the watcher's user-visible outcomes.
type Events struct {
	OnBuyDetected   func(p Position)
	OnSellSubmitted func(p Position)
	OnSellConfirmed func(p Position)
	OnSellFailed    func(p Position, err error)
}

// Config holds the watcher's trading parameters.
type Config struct {
	// TargetProfitRate is the markup applied to the fill price, e.g. 0.03.
	TargetProfitRate float64
	// Retry bounds the sell submission attempts.
	Retry utils.RetryConfig
}

// Watcher converts buy fills into sell orders, exactly once per execution.
type Watcher struct {
	cfg     Config
	gateway broker.OrderGateway
	store   PositionStore
	events  Events
	log     zerolog.Logger

	mu        sync.Mutex
	positions map[string]*Position // by ExecutionID
}

// New creates a watcher. Call Restore before feeding fills so restarts do
// not resubmit sells for already-handled executions.
func New(cfg Config, gateway broker.OrderGateway, store PositionStore, events Events, logger zerolog.Logger) *Watcher {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = utils.DefaultRetryConfig()
	}
	return &Watcher{
		cfg:       cfg,
		gateway:   gateway,
		store:     store,
		events:    events,
		log:       logging.WithComponent(logger, "watcher"),
		positions: make(map[string]*Position),
	}
}

// TargetPrice rounds the marked-up fill price to the cent.
func TargetPrice(fillPrice, rate float64) float64 {
	return math.Round(fillPrice*(1+rate)*100) / 100
}

// Restore loads today's open positions from the store so duplicate fill
// reports after a restart stay no-ops.
func (w *Watcher) Restore(day time.Time) error {
	positions, err := w.store.OpenPositions(day)
	if err != nil {
		return apperrors.Wrap(err, "restoring positions")
	}

	w.mu.Lock()
	for i := range positions {
		p := positions[i]
		w.positions[p.ExecutionID] = &p
	}
	w.mu.Unlock()

	w.log.Info().Int("count", len(positions)).Msg("positions restored")
	return nil
}

// Positions returns a snapshot of all tracked positions.
func (w *Watcher) Positions() []Position {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Position, 0, len(w.positions))
	for _, p := range w.positions {
		out = append(out, *p)
	}
	return out
}

// HandleFill processes one execution notice from either data source.
// Duplicate executions, by id, are dropped; both sources can report the
// same fill and the sell must still go out exactly once.
func (w *Watcher) HandleFill(ctx context.Context, fill broker.FillEvent, source string) {
	if fill.Side == broker.SideSell {
		w.handleSellConfirmation(fill)
		return
	}

	w.mu.Lock()
	if _, seen := w.positions[fill.ExecutionID]; seen {
		w.mu.Unlock()
		w.log.Debug().Str("execution_id", fill.ExecutionID).Msg("duplicate fill ignored")
		return
	}
	pos := &Position{
		ExecutionID: fill.ExecutionID,
		Symbol:      fill.Symbol,
		FillPrice:   fill.Price,
		Quantity:    fill.Quantity,
		FilledAt:    fill.FilledAt,
		State:       StatePending,
		TargetPrice: TargetPrice(fill.Price, w.cfg.TargetProfitRate),
	}
	w.positions[fill.ExecutionID] = pos
	snapshot := *pos
	w.mu.Unlock()

	metrics.IncFill(source)
	logging.LogFill(w.log, fill.ExecutionID, fill.Symbol, fill.Quantity, fill.Price)
	w.persist(snapshot)
	if w.events.OnBuyDetected != nil {
		w.events.OnBuyDetected(snapshot)
	}

	w.submitSell(ctx, fill.ExecutionID)
}

// submitSell places the take-profit sell with bounded retry. Budget
// denials and transient failures are retried; everything else, and
// exhaustion, marks the position SELL_FAILED.
func (w *Watcher) submitSell(ctx context.Context, executionID string) {
	w.mu.Lock()
	pos, ok := w.positions[executionID]
	if !ok || pos.State != StatePending {
		w.mu.Unlock()
		return
	}
	symbol, qty, target := pos.Symbol, pos.Quantity, pos.TargetPrice
	w.mu.Unlock()

	retryable := func(err error) bool {
		return apperrors.IsBudgetDenied(err) || apperrors.IsTransient(err)
	}

	orderID, err := utils.RetryWithResult(ctx, w.cfg.Retry, retryable, func() (string, error) {
		return w.gateway.SubmitLimitSell(ctx, symbol, qty, target)
	})

	if err != nil {
		failure := apperrors.NewSellSubmissionFailure(symbol, w.cfg.Retry.MaxAttempts, err)
		snapshot := w.transition(executionID, StateSellFailed, "")
		metrics.IncSellOrder("failed")
		w.log.Error().Err(failure).Str("symbol", symbol).Msg("sell submission abandoned")
		if w.events.OnSellFailed != nil {
			w.events.OnSellFailed(snapshot, failure)
		}
		return
	}

	snapshot := w.transition(executionID, StateSellSubmitted, orderID)
	metrics.IncSellOrder("submitted")
	logging.LogSell(w.log, orderID, symbol, qty, target)
	if w.events.OnSellSubmitted != nil {
		w.events.OnSellSubmitted(snapshot)
	}
}

// handleSellConfirmation matches a sell execution to the position that
// placed it, by broker order id.
func (w *Watcher) handleSellConfirmation(fill broker.FillEvent) {
	w.mu.Lock()
	var matched *Position
	for _, p := range w.positions {
		if p.State == StateSellSubmitted && p.SellOrderID == fill.OrderID {
			matched = p
			break
		}
	}
	if matched == nil {
		w.mu.Unlock()
		w.log.Debug().Str("order_id", fill.OrderID).Msg("unmatched sell execution")
		return
	}
	matched.State = StateSellConfirmed
	snapshot := *matched
	w.mu.Unlock()

	metrics.IncSellOrder("confirmed")
	w.log.Info().Str("symbol", snapshot.Symbol).Str("order_id", snapshot.SellOrderID).
		Float64("price", fill.Price).Msg("sell confirmed")
	w.persist(snapshot)
	if w.events.OnSellConfirmed != nil {
		w.events.OnSellConfirmed(snapshot)
	}
}

// transition updates a position's state and sell order id, persists it,
// and returns the updated snapshot.
func (w *Watcher) transition(executionID string, state SellState, sellOrderID string) Position {
	w.mu.Lock()
	pos, ok := w.positions[executionID]
	if !ok {
		w.mu.Unlock()
		return Position{}
	}
	pos.State = state
	if sellOrderID != "" {
		pos.SellOrderID = sellOrderID
	}
	snapshot := *pos
	w.mu.Unlock()

	w.persist(snapshot)
	return snapshot
}

// persist writes through to the store. Persistence failures are logged,
// not fatal: the in-memory view keeps trading correct for this run.
func (w *Watcher) persist(p Position) {
	if w.store == nil {
		return
	}
	if err := w.store.SavePosition(p); err != nil {
		w.log.Error().Err(err).Str("execution_id", p.ExecutionID).Msg("position persist failed")
	}
}
