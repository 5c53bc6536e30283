// Package stream owns the real-time execution feed: the websocket source
// and the supervisor that keeps it alive during the regular session.
package stream

import (
	"context"
	"time"

	"kis-autosell/internal/broker"
)

// EventType tags stream events.
type EventType int

const (
	// EventFill carries a normalized execution notice.
	EventFill EventType = iota
	// EventHeartbeat proves upstream liveness without data.
	EventHeartbeat
	// EventError reports a connection-level failure; the connection is dead.
	EventError
)

// Event is one message from an open connection.
type Event struct {
	Type EventType
	Fill broker.FillEvent
	Err  error
}

// Conn is an open streaming connection: a lazy, unbounded, non-restartable
// sequence of events until closed.
type Conn interface {
	// Events returns the event channel. It closes when the connection ends.
	Events() <-chan Event
	// Close terminates the connection. Safe to call more than once.
	Close() error
}

// Source establishes streaming connections.
type Source interface {
	Connect(ctx context.Context) (Conn, error)
}

// Admitter is the slice of the rate budget the supervisor needs: reconnect
// attempts are outbound calls and are metered like any other.
type Admitter interface {
	TryAdmit(weight int) bool
	Record(weight int)
}

// Hooks are the supervisor's outbound signals.
type Hooks struct {
	// OnFill receives each normalized fill event.
	OnFill func(broker.FillEvent)
	// OnActivity fires for any inbound data, fills and heartbeats alike.
	OnActivity func()
	// OnFailure fires for each counted connection failure.
	OnFailure func(err error)
	// OnExhausted fires once when the retry budget is spent; the caller
	// fails over to polling for the remainder of the session.
	OnExhausted func()
}

// backoffDelay returns the wait before the next reconnect attempt.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	d := base * time.Duration(1<<uint(attempt))
	if d > max {
		d = max
	}
	return d
}
