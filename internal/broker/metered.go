package broker

import (
	"context"
	"time"

	"kis-autosell/internal/budget"
	"kis-autosell/internal/emergency"
	apperrors "kis-autosell/internal/errors"
	"kis-autosell/internal/metrics"
)

// Metered decorates an OrderGateway with the full outbound-call protocol:
// budget admission before invocation, one Record per call that actually
// fired, and success/failure reporting to the emergency stop. Every call
// site in the system goes through this wrapper so the protocol lives in
// exactly one place.
type Metered struct {
	inner OrderGateway
	bud   *budget.Budget
	stop  *emergency.Stop
}

// NewMetered wraps a gateway.
func NewMetered(inner OrderGateway, bud *budget.Budget, stop *emergency.Stop) *Metered {
	return &Metered{inner: inner, bud: bud, stop: stop}
}

// SubmitLimitSell submits a sell under admission control.
func (m *Metered) SubmitLimitSell(ctx context.Context, symbol string, quantity int, price float64) (string, error) {
	if !m.bud.TryAdmit(1) {
		metrics.IncBudgetDenied()
		return "", apperrors.ErrBudgetDenied
	}

	orderID, err := m.inner.SubmitLimitSell(ctx, symbol, quantity, price)
	m.bud.Record(1)
	m.report("sell_order", err)
	if err != nil {
		return "", err
	}
	return orderID, nil
}

// QueryFills queries executions under admission control.
func (m *Metered) QueryFills(ctx context.Context, since time.Time) ([]FillEvent, error) {
	if !m.bud.TryAdmit(1) {
		metrics.IncBudgetDenied()
		return nil, apperrors.ErrBudgetDenied
	}

	fills, err := m.inner.QueryFills(ctx, since)
	m.bud.Record(1)
	m.report("query_fills", err)
	if err != nil {
		return nil, err
	}
	return fills, nil
}

// QueryAccountState queries the account under admission control. A failure
// here escalates to the emergency stop immediately rather than joining the
// consecutive-error count.
func (m *Metered) QueryAccountState(ctx context.Context) (*AccountSnapshot, error) {
	if !m.bud.TryAdmit(1) {
		metrics.IncBudgetDenied()
		return nil, apperrors.ErrBudgetDenied
	}

	snapshot, err := m.inner.QueryAccountState(ctx)
	m.bud.Record(1)
	metrics.IncAPICall("query_account", err)
	if err != nil {
		m.stop.ReportAccountQueryFailure(err)
		return nil, err
	}
	m.stop.ReportSuccess()
	return snapshot, nil
}

func (m *Metered) report(op string, err error) {
	metrics.IncAPICall(op, err)
	if err != nil {
		m.stop.ReportError(err)
		return
	}
	m.stop.ReportSuccess()
}

var _ OrderGateway = (*Metered)(nil)
