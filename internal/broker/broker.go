// Package broker provides the order gateway contract and its KIS
// implementation.
package broker

import (
	"context"
	"time"
)

// Side distinguishes buy and sell executions.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// FillEvent is a normalized execution notice from either data source. The
// broker-assigned ExecutionID is the idempotency key: processing the same id
// twice must be a no-op downstream.
type FillEvent struct {
	ExecutionID string
	OrderID     string
	Symbol      string
	Side        Side
	Price       float64
	Quantity    int
	FilledAt    time.Time
}

// AccountSnapshot is the result of an account state query.
type AccountSnapshot struct {
	Currency      string
	CashBalance   float64
	PositionCount int
	AsOf          time.Time
}

// OrderGateway is the outbound brokerage contract. Every call must pass rate
// budget admission before invocation; see Metered.
type OrderGateway interface {
	// SubmitLimitSell places a limit sell and returns the broker order id.
	SubmitLimitSell(ctx context.Context, symbol string, quantity int, price float64) (string, error)
	// QueryFills returns executions observed since the given instant.
	QueryFills(ctx context.Context, since time.Time) ([]FillEvent, error)
	// QueryAccountState verifies the account's state of record.
	QueryAccountState(ctx context.Context) (*AccountSnapshot, error)
}

// TokenProvider supplies credentials minted by the external auth
// collaborator. Acquisition and refresh are out of scope for the core.
type TokenProvider interface {
	// AccessToken returns a bearer token for REST calls.
	AccessToken(ctx context.Context) (string, error)
	// ApprovalKey returns the websocket subscription approval key.
	ApprovalKey(ctx context.Context) (string, error)
}
