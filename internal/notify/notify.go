// Package notify delivers user-facing trade and incident notifications.
// Delivery is fire-and-forget: a dead channel never blocks trading.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kis-autosell/internal/logging"
)

// Kind classifies notifications for level filtering.
type Kind string

const (
	KindBuyDetected   Kind = "buy_detected"
	KindSellSubmitted Kind = "sell_submitted"
	KindSellConfirmed Kind = "sell_confirmed"
	KindSellFailed    Kind = "sell_failed"
	KindEmergency     Kind = "emergency"
	KindBudgetWarning Kind = "budget_warning"
	KindStreamFailed  Kind = "stream_failed"
	KindLifecycle     Kind = "lifecycle"
)

// Event is one notification.
type Event struct {
	ID      string
	Kind    Kind
	Title   string
	Message string
	At      time.Time
}

// Channel delivers events to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, ev Event) error
}

// Level filters which kinds a notifier forwards.
type Level string

const (
	LevelAll        Level = "all"
	LevelTradesOnly Level = "trades_only"
	LevelErrorsOnly Level = "errors_only"
)

func (l Level) allows(k Kind) bool {
	switch l {
	case LevelTradesOnly:
		switch k {
		case KindBuyDetected, KindSellSubmitted, KindSellConfirmed, KindSellFailed:
			return true
		}
		return false
	case LevelErrorsOnly:
		switch k {
		case KindSellFailed, KindEmergency, KindStreamFailed, KindBudgetWarning:
			return true
		}
		return false
	default:
		return true
	}
}

const sendTimeout = 10 * time.Second

// Notifier fans events out to its channels. Failures are logged and
// dropped; there is no delivery queue or retry.
type Notifier struct {
	level    Level
	channels []Channel
	log      zerolog.Logger
	wg       sync.WaitGroup
}

// New creates a notifier at the given level.
func New(level Level, channels []Channel, logger zerolog.Logger) *Notifier {
	if level == "" {
		level = LevelAll
	}
	return &Notifier{
		level:    level,
		channels: channels,
		log:      logging.WithComponent(logger, "notify"),
	}
}

// Notify dispatches the event to every channel asynchronously.
func (n *Notifier) Notify(kind Kind, title, message string) {
	if !n.level.allows(kind) {
		return
	}
	ev := Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		Title:   title,
		Message: message,
		At:      time.Now(),
	}

	for _, ch := range n.channels {
		ch := ch
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := ch.Send(ctx, ev); err != nil {
				n.log.Warn().Err(err).Str("channel", ch.Name()).
					Str("kind", string(ev.Kind)).Msg("notification delivery failed")
			}
		}()
	}
}

// Flush waits for in-flight deliveries, used during shutdown.
func (n *Notifier) Flush() {
	n.wg.Wait()
}
