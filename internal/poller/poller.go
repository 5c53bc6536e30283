// Package poller implements the REST fallback data source: a polling loop
// whose interval stretches as the hourly rate budget drains.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kis-autosell/internal/broker"
	apperrors "kis-autosell/internal/errors"
	"kis-autosell/internal/logging"
)

// BudgetView exposes the budget headroom the poller adapts to.
type BudgetView interface {
	// RemainingHourFraction reports the unused share of the hourly
	// ceiling, in [0, 1].
	RemainingHourFraction() float64
}

// Config bounds the polling cadence.
type Config struct {
	MinInterval time.Duration
	MaxInterval time.Duration
}

// DefaultConfig matches the production polling policy.
func DefaultConfig() Config {
	return Config{
		MinInterval: 3 * time.Second,
		MaxInterval: 10 * time.Second,
	}
}

// Poller drives QueryFills on an adaptive interval. It is the sole data
// source in pre-market and the failover source when the stream is down
// mid-session. Budget denials are not errors: the poller simply waits for
// headroom and tries again.
type Poller struct {
	cfg     Config
	gateway broker.OrderGateway
	bud     BudgetView
	onFill  func(broker.FillEvent)
	log     zerolog.Logger

	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a poller delivering fills to onFill.
func New(cfg Config, gateway broker.OrderGateway, bud BudgetView, onFill func(broker.FillEvent), logger zerolog.Logger) *Poller {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = 3 * time.Second
	}
	if cfg.MaxInterval < cfg.MinInterval {
		cfg.MaxInterval = cfg.MinInterval
	}
	return &Poller{
		cfg:     cfg,
		gateway: gateway,
		bud:     bud,
		onFill:  onFill,
		log:     logging.WithComponent(logger, "poller"),
	}
}

// Interval computes the current polling interval from budget headroom:
// the fuller the hourly window, the slower the poll. A fresh fill resets
// the cadence to the floor so follow-up executions are caught quickly.
func Interval(cfg Config, remainingHourFraction float64, recentActivity bool) time.Duration {
	if recentActivity {
		return cfg.MinInterval
	}
	frac := remainingHourFraction
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	spread := cfg.MaxInterval - cfg.MinInterval
	return cfg.MinInterval + time.Duration(float64(spread)*(1-frac))
}

// Running reports whether the loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Start launches the polling loop. It returns immediately. Starting a
// running poller is a no-op.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.active {
		p.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.active = true
	p.cancel = cancel
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.run(runCtx)
}

// Stop halts the loop and waits for it to exit. Stopping a stopped poller
// is a no-op.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.active = false
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	<-done
}

func (p *Poller) run(ctx context.Context) {
	defer close(p.done)

	since := time.Now().Add(-time.Minute)
	recentActivity := false

	for {
		interval := Interval(p.cfg, p.bud.RemainingHourFraction(), recentActivity)
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		pollStart := time.Now()
		fills, err := p.pollOnce(ctx, since)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.log.Warn().Err(err).Msg("poll failed")
			recentActivity = false
			continue
		}

		since = pollStart
		recentActivity = len(fills) > 0
		for _, fill := range fills {
			p.onFill(fill)
		}
	}
}

// pollOnce issues one admitted query. A budget denial is not a failure:
// the poller waits out the current second window and retries as soon as
// it rolls over.
func (p *Poller) pollOnce(ctx context.Context, since time.Time) ([]broker.FillEvent, error) {
	for {
		fills, err := p.gateway.QueryFills(ctx, since)
		if err == nil || !apperrors.IsBudgetDenied(err) {
			return fills, err
		}
		p.log.Debug().Msg("poll denied, waiting for the next budget window")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(untilNextSecond(time.Now())):
		}
	}
}

// untilNextSecond returns the wait until the next second-window boundary.
func untilNextSecond(now time.Time) time.Duration {
	next := now.Truncate(time.Second).Add(time.Second)
	return next.Sub(now)
}
