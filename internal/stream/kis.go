package stream

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"kis-autosell/internal/broker"
	apperrors "kis-autosell/internal/errors"
	"kis-autosell/internal/logging"
)

// trExecNotice is the KIS realtime execution-notice subscription id.
const trExecNotice = "H0STCNI0"

// Caret-separated field positions within an execution notice payload.
const (
	fieldOrderNo   = 2
	fieldSide      = 4  // 01 sell, 02 buy
	fieldSymbol    = 8
	fieldQty       = 9
	fieldPrice     = 10
	fieldTime      = 11
	fieldExecFlag  = 13 // 2 when the row is an actual execution
	minNoticeField = 14
)

// KISSourceConfig configures the websocket source.
type KISSourceConfig struct {
	URL            string
	ConnectTimeout time.Duration
}

// KISSource dials the KIS realtime gateway and subscribes to execution
// notices for the account.
type KISSource struct {
	cfg    KISSourceConfig
	tokens broker.TokenProvider
	log    zerolog.Logger
}

// NewKISSource creates a websocket source.
func NewKISSource(cfg KISSourceConfig, tokens broker.TokenProvider, logger zerolog.Logger) *KISSource {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	return &KISSource{cfg: cfg, tokens: tokens, log: logging.WithComponent(logger, "kis-ws")}
}

// subscribeRequest is the KIS realtime subscription envelope.
type subscribeRequest struct {
	Header struct {
		ApprovalKey string `json:"approval_key"`
		Custtype    string `json:"custtype"`
		TrType      string `json:"tr_type"`
		ContentType string `json:"content-type"`
	} `json:"header"`
	Body struct {
		Input struct {
			TrID  string `json:"tr_id"`
			TrKey string `json:"tr_key"`
		} `json:"input"`
	} `json:"body"`
}

// controlMessage covers subscription acks and PINGPONG frames.
type controlMessage struct {
	Header struct {
		TrID string `json:"tr_id"`
	} `json:"header"`
	Body struct {
		RtCd string `json:"rt_cd"`
		Msg1 string `json:"msg1"`
	} `json:"body"`
}

// Connect dials the gateway, subscribes, and returns a live connection.
func (s *KISSource) Connect(ctx context.Context) (Conn, error) {
	key, err := s.tokens.ApprovalKey(ctx)
	if err != nil || key == "" {
		return nil, apperrors.NewConnectionFailure("approval_key", apperrors.ErrTokenUnavailable)
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.cfg.URL, nil)
	if err != nil {
		return nil, apperrors.NewConnectionFailure("dial", err)
	}

	var req subscribeRequest
	req.Header.ApprovalKey = key
	req.Header.Custtype = "P"
	req.Header.TrType = "1"
	req.Header.ContentType = "utf-8"
	req.Body.Input.TrID = trExecNotice

	if err := ws.WriteJSON(req); err != nil {
		ws.Close()
		return nil, apperrors.NewConnectionFailure("subscribe", err)
	}

	conn := &kisConn{
		ws:     ws,
		events: make(chan Event, 16),
		log:    s.log,
	}
	go conn.readLoop()
	return conn, nil
}

type kisConn struct {
	ws     *websocket.Conn
	events chan Event
	log    zerolog.Logger

	closeOnce sync.Once
}

func (c *kisConn) Events() <-chan Event { return c.events }

func (c *kisConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.ws.Close()
	})
	return err
}

// readLoop pumps messages until the socket dies. KIS frames come in two
// shapes: JSON control messages (subscription acks and PINGPONG
// heartbeats) and pipe-delimited realtime payloads.
func (c *kisConn) readLoop() {
	defer close(c.events)

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			c.events <- Event{Type: EventError, Err: apperrors.NewConnectionFailure("read", err)}
			return
		}

		msg := string(raw)
		if strings.HasPrefix(msg, "{") {
			c.handleControl(raw)
			continue
		}

		if fill, ok := parseExecNotice(msg); ok {
			c.events <- Event{Type: EventFill, Fill: fill}
		}
	}
}

func (c *kisConn) handleControl(raw []byte) {
	var ctrl controlMessage
	if err := json.Unmarshal(raw, &ctrl); err != nil {
		c.log.Debug().Err(err).Msg("unparseable control frame")
		return
	}

	switch ctrl.Header.TrID {
	case "PINGPONG":
		// Echo the frame back to keep the session alive.
		if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
			c.log.Warn().Err(err).Msg("pong write failed")
		}
		c.events <- Event{Type: EventHeartbeat}
	case trExecNotice:
		if ctrl.Body.RtCd != "" && ctrl.Body.RtCd != "0" {
			c.events <- Event{Type: EventError, Err: apperrors.NewBrokerError(ctrl.Body.RtCd, ctrl.Body.Msg1)}
			return
		}
		c.log.Debug().Msg("execution notice subscription confirmed")
		c.events <- Event{Type: EventHeartbeat}
	}
}

// parseExecNotice decodes one pipe-delimited realtime frame:
// "0|H0STCNI0|001|payload" with a caret-separated payload. Rows that are
// not confirmed executions are dropped.
func parseExecNotice(msg string) (broker.FillEvent, bool) {
	parts := strings.Split(msg, "|")
	if len(parts) < 4 || parts[1] != trExecNotice {
		return broker.FillEvent{}, false
	}

	fields := strings.Split(parts[3], "^")
	if len(fields) < minNoticeField {
		return broker.FillEvent{}, false
	}
	if fields[fieldExecFlag] != "2" {
		return broker.FillEvent{}, false
	}

	qty := atoiField(fields[fieldQty])
	price := atofField(fields[fieldPrice])
	if qty <= 0 || price <= 0 {
		return broker.FillEvent{}, false
	}

	side := broker.SideSell
	if fields[fieldSide] == "02" {
		side = broker.SideBuy
	}

	return broker.FillEvent{
		ExecutionID: fields[fieldOrderNo],
		OrderID:     fields[fieldOrderNo],
		Symbol:      strings.TrimSpace(fields[fieldSymbol]),
		Side:        side,
		Price:       price,
		Quantity:    qty,
		FilledAt:    parseNoticeTime(fields[fieldTime]),
	}, true
}

func atoiField(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

func atofField(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

func parseNoticeTime(hhmmss string) time.Time {
	now := time.Now()
	if len(hhmmss) == 6 {
		if t, err := time.ParseInLocation("20060102150405", now.Format("20060102")+hhmmss, time.Local); err == nil {
			return t
		}
	}
	return now
}

var _ Source = (*KISSource)(nil)
