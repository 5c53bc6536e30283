package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
)

type recordingChannel struct {
	mu     sync.Mutex
	events []Event
}

func (c *recordingChannel) Name() string { return "recording" }

func (c *recordingChannel) Send(ctx context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *recordingChannel) kinds() []Kind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Kind, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.Kind
	}
	return out
}

func TestLevelFiltering(t *testing.T) {
	all := []Kind{
		KindBuyDetected, KindSellSubmitted, KindSellConfirmed, KindSellFailed,
		KindEmergency, KindBudgetWarning, KindStreamFailed, KindLifecycle,
	}

	cases := []struct {
		level Level
		want  map[Kind]bool
	}{
		{LevelAll, map[Kind]bool{
			KindBuyDetected: true, KindSellSubmitted: true, KindSellConfirmed: true,
			KindSellFailed: true, KindEmergency: true, KindBudgetWarning: true,
			KindStreamFailed: true, KindLifecycle: true,
		}},
		{LevelTradesOnly, map[Kind]bool{
			KindBuyDetected: true, KindSellSubmitted: true,
			KindSellConfirmed: true, KindSellFailed: true,
		}},
		{LevelErrorsOnly, map[Kind]bool{
			KindSellFailed: true, KindEmergency: true,
			KindBudgetWarning: true, KindStreamFailed: true,
		}},
	}

	for _, tc := range cases {
		t.Run(string(tc.level), func(t *testing.T) {
			ch := &recordingChannel{}
			n := New(tc.level, []Channel{ch}, zerolog.Nop())

			for _, k := range all {
				n.Notify(k, "t", "m")
			}
			n.Flush()

			got := map[Kind]bool{}
			for _, k := range ch.kinds() {
				got[k] = true
			}
			for _, k := range all {
				if got[k] != tc.want[k] {
					t.Errorf("level %s kind %s delivered=%v want %v", tc.level, k, got[k], tc.want[k])
				}
			}
		})
	}
}

func TestEventsCarryUniqueIDs(t *testing.T) {
	ch := &recordingChannel{}
	n := New(LevelAll, []Channel{ch}, zerolog.Nop())

	n.Notify(KindLifecycle, "a", "1")
	n.Notify(KindLifecycle, "b", "2")
	n.Flush()

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.events) != 2 {
		t.Fatalf("events = %d, want 2", len(ch.events))
	}
	if ch.events[0].ID == "" || ch.events[0].ID == ch.events[1].ID {
		t.Errorf("ids not unique: %q vs %q", ch.events[0].ID, ch.events[1].ID)
	}
}

func TestWebhookPostsJSON(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	n := New(LevelAll, []Channel{NewWebhook(srv.URL)}, zerolog.Nop())
	n.Notify(KindSellSubmitted, "Limit sell submitted", "AAPL x10 @ 103.00")
	n.Flush()

	if got["kind"] != string(KindSellSubmitted) {
		t.Errorf("kind = %q", got["kind"])
	}
	if got["title"] != "Limit sell submitted" {
		t.Errorf("title = %q", got["title"])
	}
}

func TestDeadChannelDoesNotBlock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := New(LevelAll, []Channel{NewWebhook(srv.URL)}, zerolog.Nop())
	n.Notify(KindEmergency, "t", "m")
	n.Flush() // must return despite the delivery failure
}
