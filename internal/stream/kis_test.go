package stream

import (
	"strings"
	"testing"

	"kis-autosell/internal/broker"
)

func noticeFrame(fields []string) string {
	return "0|" + trExecNotice + "|001|" + strings.Join(fields, "^")
}

func noticeFields() []string {
	f := make([]string, minNoticeField)
	f[fieldOrderNo] = "0000012345"
	f[fieldSide] = "02"
	f[fieldSymbol] = "AAPL"
	f[fieldQty] = "10"
	f[fieldPrice] = "187.45"
	f[fieldTime] = "093215"
	f[fieldExecFlag] = "2"
	return f
}

func TestParseExecNoticeBuy(t *testing.T) {
	fill, ok := parseExecNotice(noticeFrame(noticeFields()))
	if !ok {
		t.Fatal("valid buy notice rejected")
	}
	if fill.Side != broker.SideBuy {
		t.Errorf("side = %s, want BUY", fill.Side)
	}
	if fill.ExecutionID != "0000012345" || fill.Symbol != "AAPL" {
		t.Errorf("identity fields = %q / %q", fill.ExecutionID, fill.Symbol)
	}
	if fill.Quantity != 10 || fill.Price != 187.45 {
		t.Errorf("qty/price = %d / %v", fill.Quantity, fill.Price)
	}
}

func TestParseExecNoticeSell(t *testing.T) {
	f := noticeFields()
	f[fieldSide] = "01"
	fill, ok := parseExecNotice(noticeFrame(f))
	if !ok {
		t.Fatal("valid sell notice rejected")
	}
	if fill.Side != broker.SideSell {
		t.Errorf("side = %s, want SELL", fill.Side)
	}
}

func TestParseExecNoticeDropsNonExecutions(t *testing.T) {
	f := noticeFields()
	f[fieldExecFlag] = "1" // order accepted, not executed
	if _, ok := parseExecNotice(noticeFrame(f)); ok {
		t.Error("non-execution row parsed as a fill")
	}
}

func TestParseExecNoticeDropsMalformedFrames(t *testing.T) {
	cases := []string{
		"",
		"0|OTHERTR|001|a^b^c",
		"0|" + trExecNotice + "|001|too^few^fields",
		noticeFrame(func() []string { f := noticeFields(); f[fieldQty] = "zero"; return f }()),
		noticeFrame(func() []string { f := noticeFields(); f[fieldPrice] = "-1"; return f }()),
	}
	for _, msg := range cases {
		if _, ok := parseExecNotice(msg); ok {
			t.Errorf("malformed frame parsed: %q", msg)
		}
	}
}

func TestBackoffDelayIsBounded(t *testing.T) {
	cfg := DefaultConfig()
	prev := backoffDelay(0, cfg.BackoffBase, cfg.BackoffMax)
	for attempt := 1; attempt < 10; attempt++ {
		d := backoffDelay(attempt, cfg.BackoffBase, cfg.BackoffMax)
		if d < prev {
			t.Fatalf("backoff shrank at attempt %d: %v -> %v", attempt, prev, d)
		}
		if d > cfg.BackoffMax {
			t.Fatalf("backoff exceeded the cap at attempt %d: %v", attempt, d)
		}
		prev = d
	}
}
