package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	apperrors "kis-autosell/internal/errors"
	"kis-autosell/internal/logging"
)

// KIS transaction ids for the overseas-stock endpoints.
const (
	trSellOrder   = "JTTT1002U" // overseas sell order
	trInquireNCCS = "JTTT3010R" // non-concluded/concluded order inquiry
	trBalance     = "JTTT3012R" // overseas balance inquiry
)

const (
	pathOrder   = "/uapi/overseas-stock/v1/trading/order"
	pathNCCS    = "/uapi/overseas-stock/v1/trading/inquire-nccs"
	pathBalance = "/uapi/overseas-stock/v1/trading/inquire-balance"
)

// KISConfig holds the gateway configuration.
type KISConfig struct {
	BaseURL        string
	AppKey         string
	AppSecret      string
	CANO           string
	AcntPrdtCd     string
	ExchangeCode   string // NASD, NYSE, AMEX
	RequestTimeout time.Duration
	// MinRequestInterval paces requests to stay under the broker's own
	// server-side gateway limit (EGW00101).
	MinRequestInterval time.Duration
}

// KISGateway implements OrderGateway against the KIS overseas-stock REST API.
type KISGateway struct {
	cfg    KISConfig
	tokens TokenProvider
	client *http.Client
	pace   *rate.Limiter
	log    zerolog.Logger

	// extendedHours reports whether the next order falls outside the
	// regular session and needs the EXT_HOURS_YN flag.
	extendedHours func() bool
}

// NewKISGateway creates a KIS REST gateway.
func NewKISGateway(cfg KISConfig, tokens TokenProvider, extendedHours func() bool, logger zerolog.Logger) *KISGateway {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	minInterval := cfg.MinRequestInterval
	if minInterval == 0 {
		minInterval = 2500 * time.Millisecond
	}

	return &KISGateway{
		cfg:           cfg,
		tokens:        tokens,
		client:        &http.Client{Timeout: timeout},
		pace:          rate.NewLimiter(rate.Every(minInterval), 1),
		log:           logging.WithComponent(logger, "kis"),
		extendedHours: extendedHours,
	}
}

// kisResponse is the common KIS response envelope.
type kisResponse struct {
	RtCd   string            `json:"rt_cd"`
	MsgCd  string            `json:"msg_cd"`
	Msg1   string            `json:"msg1"`
	Output json.RawMessage   `json:"output"`
	Out2   []json.RawMessage `json:"output2"`
}

// SubmitLimitSell places an overseas limit sell order.
func (g *KISGateway) SubmitLimitSell(ctx context.Context, symbol string, quantity int, price float64) (string, error) {
	if symbol == "" || quantity <= 0 || price <= 0 {
		return "", fmt.Errorf("invalid sell parameters: symbol=%q qty=%d price=%.2f", symbol, quantity, price)
	}

	extHours := "N"
	if g.extendedHours != nil && g.extendedHours() {
		extHours = "Y"
	}

	body := map[string]string{
		"CANO":             g.cfg.CANO,
		"ACNT_PRDT_CD":     g.cfg.AcntPrdtCd,
		"OVRS_EXCG_CD":     g.cfg.ExchangeCode,
		"PDNO":             strings.ToUpper(symbol),
		"ORD_DVSN":         "00", // limit order
		"ORD_QTY":          strconv.Itoa(quantity),
		"OVRS_ORD_UNPR":    fmt.Sprintf("%.2f", price),
		"SLL_BUY_DVSN_CD":  "01", // sell
		"ORD_SVR_DVSN_CD":  "0",
		"EXT_HOURS_YN":     extHours,
	}

	var out struct {
		Odno string `json:"ODNO"`
	}
	resp, err := g.call(ctx, http.MethodPost, pathOrder, trSellOrder, nil, body)
	if err != nil {
		return "", err
	}
	if len(resp.Output) > 0 {
		if err := json.Unmarshal(resp.Output, &out); err != nil {
			return "", apperrors.NewTransientCallError("sell_order", fmt.Errorf("decoding order output: %w", err))
		}
	}
	if out.Odno == "" {
		return "", apperrors.NewTransientCallError("sell_order", fmt.Errorf("broker returned no order id"))
	}

	g.log.Debug().Str("order_id", out.Odno).Str("symbol", symbol).
		Int("quantity", quantity).Float64("price", price).
		Str("ext_hours", extHours).Msg("sell order accepted")
	return out.Odno, nil
}

// nccsRow is one execution row from the inquire-nccs endpoint.
type nccsRow struct {
	Odno         string `json:"odno"`
	Pdno         string `json:"pdno"`
	SllBuyDvsnCd string `json:"sll_buy_dvsn_cd"` // 01 sell, 02 buy
	OrdStcd      string `json:"ord_stcd"`
	CcldQty      string `json:"ccld_qty"`
	CcldUnpr     string `json:"ccld_unpr"`
	OrdDt        string `json:"ord_dt"`
	OrdTmd       string `json:"ord_tmd"`
}

// QueryFills returns executions recorded today since the given instant.
// Rows without a filled quantity are still pending and skipped.
func (g *KISGateway) QueryFills(ctx context.Context, since time.Time) ([]FillEvent, error) {
	today := time.Now().Format("20060102")
	params := url.Values{
		"CANO":             {g.cfg.CANO},
		"ACNT_PRDT_CD":     {g.cfg.AcntPrdtCd},
		"ORD_STRT_DT":      {today},
		"ORD_END_DT":       {today},
		"CTX_AREA_FK200":   {""},
		"CTX_AREA_NK200":   {""},
	}

	resp, err := g.call(ctx, http.MethodGet, pathNCCS, trInquireNCCS, params, nil)
	if err != nil {
		return nil, err
	}

	var rows []nccsRow
	if len(resp.Output) > 0 {
		if err := json.Unmarshal(resp.Output, &rows); err != nil {
			return nil, apperrors.NewTransientCallError("query_fills", fmt.Errorf("decoding fills: %w", err))
		}
	}

	fills := make([]FillEvent, 0, len(rows))
	for _, row := range rows {
		qty := atoiSafe(row.CcldQty)
		price := atofSafe(row.CcldUnpr)
		if qty <= 0 || price <= 0 || row.Pdno == "" {
			continue
		}

		side := SideSell
		if row.SllBuyDvsnCd == "02" {
			side = SideBuy
		}

		filledAt := parseOrderTime(row.OrdDt, row.OrdTmd)
		if !since.IsZero() && filledAt.Before(since) {
			continue
		}

		fills = append(fills, FillEvent{
			ExecutionID: row.Odno,
			OrderID:     row.Odno,
			Symbol:      row.Pdno,
			Side:        side,
			Price:       price,
			Quantity:    qty,
			FilledAt:    filledAt,
		})
	}
	return fills, nil
}

// balanceRow is the aggregate line of the balance inquiry.
type balanceRow struct {
	FrcrPchsAmt  string `json:"frcr_pchs_amt1"`
	FrcrDnclAmt  string `json:"frcr_dncl_amt_2"`
	OvrsRlztPfls string `json:"ovrs_rlzt_pfls_amt"`
}

// QueryAccountState verifies the account's state of record. Any failure is
// wrapped as an AccountQueryError; the caller escalates it immediately.
func (g *KISGateway) QueryAccountState(ctx context.Context) (*AccountSnapshot, error) {
	params := url.Values{
		"CANO":              {g.cfg.CANO},
		"ACNT_PRDT_CD":      {g.cfg.AcntPrdtCd},
		"OVRS_EXCG_CD":      {g.cfg.ExchangeCode},
		"TR_CRCY_CD":        {"USD"},
		"CTX_AREA_FK200":    {""},
		"CTX_AREA_NK200":    {""},
	}

	resp, err := g.call(ctx, http.MethodGet, pathBalance, trBalance, params, nil)
	if err != nil {
		return nil, apperrors.NewAccountQueryError("query_balance", err)
	}

	var positions []json.RawMessage
	if len(resp.Output) > 0 {
		// output holds one row per held position; count is enough here.
		if err := json.Unmarshal(resp.Output, &positions); err != nil {
			return nil, apperrors.NewAccountQueryError("query_balance", fmt.Errorf("decoding positions: %w", err))
		}
	}

	snapshot := &AccountSnapshot{
		Currency:      "USD",
		PositionCount: len(positions),
		AsOf:          time.Now(),
	}
	if len(resp.Out2) > 0 {
		var row balanceRow
		if err := json.Unmarshal(resp.Out2[0], &row); err == nil {
			snapshot.CashBalance = atofSafe(row.FrcrDnclAmt)
		}
	}
	return snapshot, nil
}

// call performs one paced, authenticated request and decodes the KIS
// envelope. Transport failures become TransientCallErrors; application
// rejections become BrokerErrors.
func (g *KISGateway) call(ctx context.Context, method, path, trID string, params url.Values, body map[string]string) (*kisResponse, error) {
	if err := g.pace.Wait(ctx); err != nil {
		return nil, err
	}

	token, err := g.tokens.AccessToken(ctx)
	if err != nil || token == "" {
		return nil, apperrors.Wrap(apperrors.ErrTokenUnavailable, trID)
	}

	endpoint := strings.TrimRight(g.cfg.BaseURL, "/") + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("authorization", "Bearer "+token)
	req.Header.Set("appkey", g.cfg.AppKey)
	req.Header.Set("appsecret", g.cfg.AppSecret)
	req.Header.Set("tr_id", trID)
	req.Header.Set("custtype", "P")

	start := time.Now()
	httpResp, err := g.client.Do(req)
	logging.LogAPICall(g.log, trID, time.Since(start), err)
	if err != nil {
		return nil, apperrors.NewTransientCallError(trID, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, apperrors.NewTransientCallError(trID, fmt.Errorf("HTTP %d", httpResp.StatusCode))
	}

	var resp kisResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, apperrors.NewTransientCallError(trID, fmt.Errorf("decoding response: %w", err))
	}

	if resp.RtCd != "0" {
		return nil, apperrors.NewBrokerError(resp.MsgCd, resp.Msg1)
	}
	return &resp, nil
}

func atoiSafe(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

func atofSafe(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}

// parseOrderTime combines the KIS order date (YYYYMMDD) and time (HHMMSS)
// fields. Falls back to now when either is absent.
func parseOrderTime(date, tm string) time.Time {
	if len(date) == 8 && len(tm) == 6 {
		if t, err := time.ParseInLocation("20060102150405", date+tm, time.Local); err == nil {
			return t
		}
	}
	return time.Now()
}

var _ OrderGateway = (*KISGateway)(nil)
