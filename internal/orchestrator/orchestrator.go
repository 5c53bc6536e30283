// Package orchestrator drives the trading day: it maps the session phase to
// the active data source, fails over from stream to polling, checks the
// silence condition, and persists budget counters.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kis-autosell/internal/broker"
	"kis-autosell/internal/budget"
	"kis-autosell/internal/emergency"
	apperrors "kis-autosell/internal/errors"
	"kis-autosell/internal/logging"
	"kis-autosell/internal/metrics"
	"kis-autosell/internal/session"
	"kis-autosell/internal/stream"
)

// Streamer is the stream supervisor surface the orchestrator drives.
type Streamer interface {
	Start(ctx context.Context)
	Stop()
	ResetForSession()
	State() stream.State
}

// PollSource is the poller surface the orchestrator drives.
type PollSource interface {
	Start(ctx context.Context)
	Stop()
	Running() bool
}

// BudgetStore persists budget counters across restarts.
type BudgetStore interface {
	SaveBudget(asOf time.Time, hourCount, dayCount int) error
}

// Deps are the orchestrator's collaborators, already wired to each other.
type Deps struct {
	Clock    *session.Clock
	Budget   *budget.Budget
	Stop     *emergency.Stop
	Streamer Streamer
	Poller   PollSource
	Gateway  broker.OrderGateway // metered; used for account verification
	Store    BudgetStore         // optional
	Logger   zerolog.Logger
}

const (
	tickInterval  = time.Second
	persistPeriod = 30 * time.Second

	// accountCheckPeriod paces the state-of-record verification during
	// live phases. A failed check trips the emergency stop outright.
	accountCheckPeriod = 5 * time.Minute
)

// Orchestrator runs the once-per-second control loop. All data-source
// transitions are sequenced here: the previous source is fully stopped,
// in-flight work drained, before the next one starts.
type Orchestrator struct {
	deps Deps
	log  zerolog.Logger
	now  func() time.Time

	mu           sync.Mutex
	phase        session.Phase
	tripped      bool
	started      bool
	cancel       context.CancelFunc
	done         chan struct{}
	lastFlush    time.Time
	lastAcctChk  time.Time
	acctInFlight bool
}

// New creates an orchestrator.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{
		deps: deps,
		log:  logging.WithComponent(deps.Logger, "orchestrator"),
		now:  time.Now,
	}
}

// WithClock injects a clock for deterministic tests.
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator {
	o.now = now
	return o
}

// Run executes the control loop until ctx is canceled, then shuts both
// sources down and flushes the budget counters.
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.done = make(chan struct{})
	o.started = true
	o.phase = ""
	o.lastFlush = o.now()
	o.mu.Unlock()
	defer close(o.done)
	defer cancel()

	o.log.Info().Msg("orchestrator started")

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	// Apply the initial phase immediately rather than after the first tick.
	o.Tick(runCtx)

	for {
		select {
		case <-runCtx.Done():
			o.shutdown()
			return nil
		case <-ticker.C:
			o.Tick(runCtx)
		}
	}
}

// Tick performs one control-loop iteration. Exported so tests can step the
// loop deterministically.
func (o *Orchestrator) Tick(ctx context.Context) {
	now := o.now()
	phase := o.deps.Clock.Phase(now)
	metrics.SetPhase(string(phase))

	o.mu.Lock()
	prev := o.phase
	changed := phase != prev
	if changed {
		o.phase = phase
	}
	wasTripped := o.tripped
	isTripped := o.deps.Stop.Tripped()
	o.tripped = isTripped
	flushDue := now.Sub(o.lastFlush) >= persistPeriod
	if flushDue {
		o.lastFlush = now
	}
	o.mu.Unlock()

	if isTripped && !wasTripped {
		o.haltSources()
	}

	if changed {
		o.log.Info().Str("from", string(prev)).Str("to", string(phase)).Msg("session phase change")
		if !isTripped {
			o.applyPhase(ctx, phase)
		} else if phase == session.PhaseQuiet {
			o.deps.Stop.DisarmSilence()
		}
	}

	if !isTripped && wasTripped {
		// Manual clear observed: re-enter the current phase from scratch.
		o.log.Info().Msg("emergency stop cleared, resuming")
		o.applyPhase(ctx, phase)
	}

	if !isTripped && phase == session.PhaseRegular {
		o.checkFailover(ctx)
	}

	if phase != session.PhaseQuiet {
		o.deps.Stop.CheckSilence()
		if !isTripped {
			o.maybeVerifyAccount(ctx, now)
		}
	}

	snap := o.deps.Budget.Snapshot()
	metrics.SetDayBudgetUsed(snap.DayCount)
	if flushDue {
		o.flushBudget(snap)
	}
}

// applyPhase stops the outgoing source before starting the incoming one.
// Stop blocks until the source's loop has exited, so an in-flight call
// always completes under the phase that started it.
func (o *Orchestrator) applyPhase(ctx context.Context, phase session.Phase) {
	switch phase {
	case session.PhaseQuiet:
		o.deps.Poller.Stop()
		o.deps.Streamer.Stop()
		o.deps.Stop.DisarmSilence()

	case session.PhasePreMarket:
		o.deps.Streamer.Stop()
		o.deps.Stop.ArmSilence()
		o.deps.Poller.Start(ctx)

	case session.PhaseRegular:
		o.deps.Poller.Stop()
		o.deps.Stop.ArmSilence()
		o.deps.Stop.ResetSession()
		o.deps.Streamer.ResetForSession()
		o.deps.Streamer.Start(ctx)
	}
}

// checkFailover starts the poller when the stream has spent its retry
// budget mid-session. The stream stays FAILED until the next session
// reset; polling covers the remainder.
func (o *Orchestrator) checkFailover(ctx context.Context) {
	if o.deps.Streamer.State() == stream.StateFailed && !o.deps.Poller.Running() {
		o.log.Warn().Msg("stream failed, switching to polling for the rest of the session")
		o.deps.Poller.Start(ctx)
	}
}

// maybeVerifyAccount periodically confirms the account's state of record.
// The metered gateway escalates a failure straight to the emergency stop;
// a budget denial just postpones the check to a later tick.
func (o *Orchestrator) maybeVerifyAccount(ctx context.Context, now time.Time) {
	if o.deps.Gateway == nil {
		return
	}

	o.mu.Lock()
	due := !o.acctInFlight && now.Sub(o.lastAcctChk) >= accountCheckPeriod
	if due {
		o.acctInFlight = true
	}
	o.mu.Unlock()
	if !due {
		return
	}

	go func() {
		defer func() {
			o.mu.Lock()
			o.acctInFlight = false
			o.mu.Unlock()
		}()

		callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		_, err := o.deps.Gateway.QueryAccountState(callCtx)
		if apperrors.IsBudgetDenied(err) {
			return
		}

		o.mu.Lock()
		o.lastAcctChk = o.now()
		o.mu.Unlock()

		if err != nil {
			o.log.Error().Err(err).Msg("account verification failed")
			return
		}
		o.log.Debug().Msg("account state verified")
	}()
}

func (o *Orchestrator) haltSources() {
	cond, _ := o.deps.Stop.TripCondition()
	o.log.Error().Str("condition", string(cond.Kind)).Str("reason", cond.Reason).
		Msg("emergency stop tripped, halting all outbound activity")
	o.deps.Poller.Stop()
	o.deps.Streamer.Stop()
	o.deps.Stop.DisarmSilence()
}

func (o *Orchestrator) flushBudget(snap budget.Snapshot) {
	if o.deps.Store == nil {
		return
	}
	if err := o.deps.Store.SaveBudget(o.now(), snap.HourCount, snap.DayCount); err != nil {
		o.log.Error().Err(err).Msg("budget counter persist failed")
	}
}

// Clear re-arms a tripped emergency stop and lets the next tick resume the
// current phase. Exposed to the operator surface; nothing internal calls it.
func (o *Orchestrator) Clear() {
	o.deps.Stop.Clear()
	o.log.Info().Msg("emergency stop manually cleared")
}

// Phase returns the phase the loop last applied.
func (o *Orchestrator) Phase() session.Phase {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

func (o *Orchestrator) shutdown() {
	o.log.Info().Msg("shutting down")
	o.deps.Poller.Stop()
	o.deps.Streamer.Stop()
	o.flushBudget(o.deps.Budget.Snapshot())
}

// Stop cancels a running loop and waits for shutdown to finish.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	done := o.done
	started := o.started
	o.cancel = nil
	o.started = false
	o.mu.Unlock()

	if started && cancel != nil {
		cancel()
		<-done
	}
}
