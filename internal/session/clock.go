// Package session maps wall-clock time to the trading session phase.
package session

import (
	"fmt"
	"time"
)

// Phase represents the current session phase.
type Phase string

const (
	PhasePreMarket Phase = "PRE_MARKET"
	PhaseRegular   Phase = "REGULAR"
	PhaseQuiet     Phase = "QUIET"
)

// String returns a human-readable description of the phase.
func (p Phase) String() string {
	switch p {
	case PhasePreMarket:
		return "Pre-Market (polling)"
	case PhaseRegular:
		return "Regular Session (streaming)"
	case PhaseQuiet:
		return "Quiet (no outbound calls)"
	default:
		return string(p)
	}
}

// Clock derives the session phase from exchange-local time. Phase is a pure
// function of the instant passed in; the Clock holds no mutable state.
//
// Known limitation: without a trading-calendar collaborator the clock only
// recognizes weekends. A weekday exchange holiday reads as a normal trading
// day; operators should not run the process on holidays.
type Clock struct {
	loc      *time.Location
	preStart int // minutes from midnight
	regStart int
	regEnd   int
}

// NewClock builds a Clock from "HH:MM" boundaries in the named time zone.
func NewClock(timezone, preMarketStart, regularStart, regularEnd string) (*Clock, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", timezone, err)
	}

	pre, err := parseBoundary(preMarketStart)
	if err != nil {
		return nil, err
	}
	start, err := parseBoundary(regularStart)
	if err != nil {
		return nil, err
	}
	end, err := parseBoundary(regularEnd)
	if err != nil {
		return nil, err
	}

	if !(pre < start && start < end) {
		return nil, fmt.Errorf("session boundaries must be ordered: %s < %s < %s",
			preMarketStart, regularStart, regularEnd)
	}

	return &Clock{loc: loc, preStart: pre, regStart: start, regEnd: end}, nil
}

func parseBoundary(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("session boundary %q is not HH:MM: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Phase returns the session phase at the given instant.
//
// REGULAR is the closed interval [regular_start, regular_end] so that
// REGULAR wins exact boundary ties; PRE_MARKET is [premarket_start,
// regular_start). Weekends and everything outside the two windows are QUIET,
// the safe default when the exchange is closed.
func (c *Clock) Phase(now time.Time) Phase {
	t := now.In(c.loc)

	if t.Weekday() == time.Saturday || t.Weekday() == time.Sunday {
		return PhaseQuiet
	}

	minutes := t.Hour()*60 + t.Minute()
	switch {
	case minutes >= c.regStart && minutes <= c.regEnd:
		return PhaseRegular
	case minutes >= c.preStart && minutes < c.regStart:
		return PhasePreMarket
	default:
		return PhaseQuiet
	}
}

// Location returns the exchange time zone the clock operates in.
func (c *Clock) Location() *time.Location {
	return c.loc
}

// ExtendedHours reports whether the instant falls outside the regular
// session. Sell orders placed then carry the extended-hours flag.
func (c *Clock) ExtendedHours(now time.Time) bool {
	return c.Phase(now) != PhaseRegular
}
