// Package emergency implements the circuit breaker that halts all outbound
// activity. Five independently evaluated trip conditions feed a single
// aggregator as tagged condition events; once tripped, the stop stays
// tripped until an explicit manual clear.
package emergency

import (
	"fmt"
	"sync"
	"time"

	apperrors "kis-autosell/internal/errors"
)

// State represents the aggregator state.
type State string

const (
	StateArmed   State = "ARMED"
	StateTripped State = "TRIPPED"
)

// Kind tags a trip condition.
type Kind string

const (
	// KindBudgetExhausted: daily budget consumption reached the warning
	// fraction of the daily ceiling.
	KindBudgetExhausted Kind = "budget_exhausted"
	// KindCallErrors: too many consecutive outbound-call errors.
	KindCallErrors Kind = "consecutive_call_errors"
	// KindStreamFailed: the stream supervisor exhausted its retry budget.
	KindStreamFailed Kind = "stream_failed"
	// KindAccountQuery: the account's state of record could not be verified.
	KindAccountQuery Kind = "account_query_failed"
	// KindAPISilence: no successful brokerage response for the silence window.
	KindAPISilence Kind = "api_silence"
)

// Condition is the tagged event that tripped (or may trip) the stop.
type Condition struct {
	Kind   Kind
	Reason string
	At     time.Time
}

// Config holds the trip thresholds.
type Config struct {
	MaxConsecutiveErrors int           // condition 2, default 10
	StreamFailedTrips    int           // condition 3, default 3
	APISilenceTimeout    time.Duration // condition 5, default 5m
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveErrors: 10,
		StreamFailedTrips:    3,
		APISilenceTimeout:    5 * time.Minute,
	}
}

// Stop aggregates trip conditions. All transitions happen under one lock so
// a trip is visible to every call site before its next admission check.
type Stop struct {
	cfg Config
	now func() time.Time

	// onTrip fires exactly once per trip, outside the lock.
	onTrip func(Condition)

	mu          sync.Mutex
	state       State
	tripped     Condition
	consecutive int       // consecutive call errors, reset on any success
	streamFails int       // supervisor exhaustion events this session
	lastOK      time.Time // last successful response of any kind
	silenceArm  bool      // silence tracking active (only during live phases)
}

// Option configures a Stop.
type Option func(*Stop)

// WithClock injects a clock for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Stop) { s.now = now }
}

// WithTripHandler installs the high-priority alert callback.
func WithTripHandler(fn func(Condition)) Option {
	return func(s *Stop) { s.onTrip = fn }
}

// New creates an armed Stop.
func New(cfg Config, opts ...Option) *Stop {
	s := &Stop{
		cfg:   cfg,
		now:   time.Now,
		state: StateArmed,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.lastOK = s.now()
	return s
}

// Tripped reports whether the stop has tripped. Wired into the rate budget
// as its admission veto.
func (s *Stop) Tripped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateTripped
}

// State returns the current state.
func (s *Stop) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TripCondition returns the condition that tripped the stop, if any.
func (s *Stop) TripCondition() (Condition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tripped, s.state == StateTripped
}

// ReportSuccess records a successful brokerage response of any kind. Resets
// the consecutive-error counter and the silence window.
func (s *Stop) ReportSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutive = 0
	s.lastOK = s.now()
}

// MarkAlive records API liveness without an outbound call succeeding, e.g. a
// stream heartbeat. Feeds the silence window only.
func (s *Stop) MarkAlive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastOK = s.now()
}

// ReportError records a failed outbound call. Budget denials are not
// failures and are ignored here.
func (s *Stop) ReportError(err error) {
	if err == nil || apperrors.IsBudgetDenied(err) {
		return
	}

	s.mu.Lock()
	s.consecutive++
	trip := s.consecutive >= s.cfg.MaxConsecutiveErrors
	count := s.consecutive
	s.mu.Unlock()

	if trip {
		s.trip(Condition{
			Kind:   KindCallErrors,
			Reason: formatCount("consecutive outbound-call errors", count),
		})
	}
}

// ReportAccountQueryFailure escalates immediately: inability to verify the
// state of record is never counted or retried, it trips.
func (s *Stop) ReportAccountQueryFailure(err error) {
	reason := "account query failed"
	if err != nil {
		reason = "account query failed: " + err.Error()
	}
	s.trip(Condition{Kind: KindAccountQuery, Reason: reason})
}

// ReportStreamExhausted records a stream supervisor failure-exhaustion event
// and trips on the configured occurrence within the session.
func (s *Stop) ReportStreamExhausted() {
	s.mu.Lock()
	s.streamFails++
	trip := s.streamFails >= s.cfg.StreamFailedTrips
	count := s.streamFails
	s.mu.Unlock()

	if trip {
		s.trip(Condition{
			Kind:   KindStreamFailed,
			Reason: formatCount("stream failure exhaustions this session", count),
		})
	}
}

// ReportBudgetThreshold trips on the daily-budget warning crossing.
func (s *Stop) ReportBudgetThreshold(used, ceiling int) {
	s.trip(Condition{
		Kind:   KindBudgetExhausted,
		Reason: formatRatio("daily budget consumption", used, ceiling),
	})
}

// CheckSilence trips when no successful response has been seen for the
// configured window. Only meaningful while a live phase expects traffic;
// the orchestrator arms it on phase entry and disarms it for QUIET.
func (s *Stop) CheckSilence() {
	s.mu.Lock()
	armed := s.silenceArm && s.state == StateArmed
	elapsed := s.now().Sub(s.lastOK)
	s.mu.Unlock()

	if armed && elapsed >= s.cfg.APISilenceTimeout {
		s.trip(Condition{
			Kind:   KindAPISilence,
			Reason: "no successful API response for " + s.cfg.APISilenceTimeout.String(),
		})
	}
}

// ArmSilence starts silence tracking from now. Called on entry to a phase
// that performs outbound calls.
func (s *Stop) ArmSilence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silenceArm = true
	s.lastOK = s.now()
}

// DisarmSilence suspends silence tracking. Called on entry to QUIET, where
// no calls are expected and silence is normal.
func (s *Stop) DisarmSilence() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.silenceArm = false
}

// ResetSession clears the per-session stream failure counter. Called at
// each REGULAR session start.
func (s *Stop) ResetSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamFails = 0
}

// Clear re-arms a tripped stop. This is the explicit external reset; nothing
// in the system clears a trip on its own.
func (s *Stop) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateArmed
	s.tripped = Condition{}
	s.consecutive = 0
	s.streamFails = 0
	s.lastOK = s.now()
}

func (s *Stop) trip(cond Condition) {
	s.mu.Lock()
	if s.state == StateTripped {
		s.mu.Unlock()
		return
	}
	cond.At = s.now()
	s.state = StateTripped
	s.tripped = cond
	handler := s.onTrip
	s.mu.Unlock()

	if handler != nil {
		handler(cond)
	}
}

func formatCount(what string, n int) string {
	return fmt.Sprintf("%s: %d", what, n)
}

func formatRatio(what string, used, ceiling int) string {
	return fmt.Sprintf("%s: %d/%d", what, used, ceiling)
}
