package stream

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kis-autosell/internal/logging"
	"kis-autosell/internal/metrics"
)

// State is the supervisor's connection state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateFailed means the per-session retry budget is spent. The
	// supervisor stays here until the next session reset.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Config bounds the supervisor's reconnect behavior.
type Config struct {
	// MaxFailures is the consecutive connection failures allowed before
	// the supervisor gives up for the session.
	MaxFailures int
	// SilenceTimeout closes a connection that has delivered nothing,
	// not even heartbeats, for this long.
	SilenceTimeout time.Duration
	// BackoffBase and BackoffMax bound the delay between attempts.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultConfig matches the production reconnect policy.
func DefaultConfig() Config {
	return Config{
		MaxFailures:    3,
		SilenceTimeout: 5 * time.Minute,
		BackoffBase:    2 * time.Second,
		BackoffMax:     30 * time.Second,
	}
}

// Supervisor owns the streaming connection lifecycle: connect, consume,
// reconnect within a bounded per-session failure budget, and declare
// failure when the budget is spent. Connection attempts are admitted
// through the rate budget like any other outbound call; a denied
// admission counts as a failed attempt.
type Supervisor struct {
	cfg    Config
	source Source
	admit  Admitter
	hooks  Hooks
	log    zerolog.Logger

	mu        sync.Mutex
	state     State
	failures  int
	exhausted bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor creates a supervisor. Start must be called to begin.
func NewSupervisor(cfg Config, source Source, admit Admitter, hooks Hooks, logger zerolog.Logger) *Supervisor {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}
	return &Supervisor{
		cfg:    cfg,
		source: source,
		admit:  admit,
		hooks:  hooks,
		log:    logging.WithComponent(logger, "stream"),
		state:  StateDisconnected,
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failures returns the consecutive failure count for this session.
func (s *Supervisor) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Start launches the supervision loop. It returns immediately; the loop
// runs until ctx is canceled, Stop is called, or the failure budget is
// spent.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	// A FAILED supervisor stays down until ResetForSession.
	if s.cancel != nil || s.state == StateFailed {
		s.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(runCtx)
}

// Stop terminates the loop and waits for it to exit.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// ResetForSession clears the failure budget at a session boundary. A FAILED
// supervisor becomes eligible to stream again; the caller restarts it.
func (s *Supervisor) ResetForSession() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = 0
	s.exhausted = false
	if s.state == StateFailed {
		s.state = StateDisconnected
	}
}

func (s *Supervisor) run(ctx context.Context) {
	done := s.done
	defer func() {
		// FAILED survives loop exit; anything else settles to DISCONNECTED.
		// Clearing cancel lets a later Start relaunch after a session reset.
		s.mu.Lock()
		if s.state != StateFailed {
			s.state = StateDisconnected
		}
		if s.cancel != nil {
			s.cancel()
			s.cancel = nil
		}
		s.mu.Unlock()
		close(done)
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		attempt := s.Failures()
		if attempt > 0 {
			delay := backoffDelay(attempt-1, s.cfg.BackoffBase, s.cfg.BackoffMax)
			s.log.Info().Int("attempt", attempt+1).Dur("delay", delay).Msg("waiting before reconnect")
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
		}

		s.setState(StateConnecting)
		metrics.IncStreamReconnect()

		if !s.admit.TryAdmit(1) {
			s.log.Warn().Msg("stream connect denied by rate budget")
			if s.countFailure(nil) {
				return
			}
			continue
		}

		conn, err := s.source.Connect(ctx)
		s.admit.Record(1)
		if err != nil {
			s.log.Error().Err(err).Msg("stream connect failed")
			if s.countFailure(err) {
				return
			}
			continue
		}

		s.setState(StateConnected)
		s.log.Info().Msg("stream connected")

		clean := s.consume(ctx, conn)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		if !clean {
			if s.countFailure(nil) {
				return
			}
		}
	}
}

// consume reads events until the connection dies or ctx is canceled.
// Returns true when the loop exits by cancellation rather than failure.
// The failure counter resets as soon as the connection proves itself by
// delivering data, so three flaky mornings don't accumulate into a
// permanent failure across one good afternoon.
func (s *Supervisor) consume(ctx context.Context, conn Conn) bool {
	silence := time.NewTimer(s.silenceTimeout())
	defer silence.Stop()

	for {
		select {
		case <-ctx.Done():
			return true

		case <-silence.C:
			s.log.Warn().Dur("timeout", s.silenceTimeout()).Msg("stream silent, recycling connection")
			return false

		case ev, ok := <-conn.Events():
			if !ok {
				s.log.Warn().Msg("stream connection closed by peer")
				return false
			}

			if !silence.Stop() {
				select {
				case <-silence.C:
				default:
				}
			}
			silence.Reset(s.silenceTimeout())

			switch ev.Type {
			case EventFill:
				s.markHealthy()
				if s.hooks.OnActivity != nil {
					s.hooks.OnActivity()
				}
				if s.hooks.OnFill != nil {
					s.hooks.OnFill(ev.Fill)
				}
			case EventHeartbeat:
				s.markHealthy()
				if s.hooks.OnActivity != nil {
					s.hooks.OnActivity()
				}
			case EventError:
				s.log.Error().Err(ev.Err).Msg("stream connection error")
				return false
			}
		}
	}
}

func (s *Supervisor) silenceTimeout() time.Duration {
	if s.cfg.SilenceTimeout <= 0 {
		return 5 * time.Minute
	}
	return s.cfg.SilenceTimeout
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) markHealthy() {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
}

// countFailure records one failed attempt and reports whether the budget
// is now spent. On exhaustion it moves to FAILED and fires OnExhausted
// exactly once per session.
func (s *Supervisor) countFailure(err error) bool {
	s.mu.Lock()
	s.failures++
	failures := s.failures
	spent := failures >= s.cfg.MaxFailures && !s.exhausted
	if spent {
		s.exhausted = true
		s.state = StateFailed
	}
	s.mu.Unlock()

	if s.hooks.OnFailure != nil {
		s.hooks.OnFailure(err)
	}
	if spent {
		s.log.Error().Int("failures", failures).Msg("stream retry budget spent, failing over to polling")
		if s.hooks.OnExhausted != nil {
			s.hooks.OnExhausted()
		}
		return true
	}
	return false
}
