package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/tradecore/engine/internal/risk"
	"github.com/tradecore/engine/pkg/types"
)

// LiveConfig configures one Live venue adapter.
type LiveConfig struct {
	Venue       types.Venue
	RESTBaseURL string
	WSUserURL   string
	APIKey      string
	APISecret   string
	Timeout     time.Duration

	RetryCount    int
	RetryWaitBase time.Duration
	RetryWaitMax  time.Duration

	RateLimits RateLimits

	BreakerThreshold int
	BreakerCooldown  time.Duration
}

// Live wraps a real exchange's REST order-entry surface and a WS
// user-stream listener with a resilience triad: a token-bucket rate limiter
// (ratelimit.go), a resty-level exponential-backoff retry for transient
// errors, and a circuit breaker per adapter.
type Live struct {
	cfg     LiveConfig
	http    *resty.Client
	rl      *RateLimiter
	breaker *risk.CircuitBreaker
	signer  Signer
	logger  *slog.Logger

	userEvents chan UserEvent
	conn       *websocket.Conn
}

// Signer attaches venue-specific authentication headers to a request.
// Credentials are opaque handles supplied externally; Signer is the seam a
// concrete venue's auth scheme plugs into.
type Signer interface {
	Sign(method, path, body string) (headers map[string]string, err error)
}

// HMACSigner is the generic API-key+secret HMAC-SHA256 signing scheme used
// by most centralized exchanges: signature over timestamp+method+path+body.
type HMACSigner struct {
	APIKey    string
	APISecret string
}

func (s HMACSigner) Sign(method, path, body string) (map[string]string, error) {
	if s.APISecret == "" {
		return nil, fmt.Errorf("no api secret configured")
	}
	ts := fmt.Sprintf("%d", time.Now().Unix())
	sig := hmacSHA256Hex(s.APISecret, ts+method+path+body)
	return map[string]string{
		"X-API-KEY":   s.APIKey,
		"X-TIMESTAMP": ts,
		"X-SIGNATURE": sig,
	}, nil
}

// NewLive constructs a Live venue adapter.
func NewLive(cfg LiveConfig, logger *slog.Logger) *Live {
	retryCount := cfg.RetryCount
	if retryCount == 0 {
		retryCount = 3
	}
	waitBase := cfg.RetryWaitBase
	if waitBase == 0 {
		waitBase = 500 * time.Millisecond
	}
	waitMax := cfg.RetryWaitMax
	if waitMax == 0 {
		waitMax = 5 * time.Second
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	httpClient := resty.New().
		SetBaseURL(cfg.RESTBaseURL).
		SetTimeout(timeout).
		SetRetryCount(retryCount).
		SetRetryWaitTime(waitBase).
		SetRetryMaxWaitTime(waitMax).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Live{
		cfg:        cfg,
		http:       httpClient,
		rl:         NewRateLimiterWith(cfg.RateLimits),
		breaker:    risk.NewCircuitBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		signer:     HMACSigner{APIKey: cfg.APIKey, APISecret: cfg.APISecret},
		logger:     logger.With("component", "venue", "venue_name", cfg.Venue),
		userEvents: make(chan UserEvent, 1024),
	}
}

func (l *Live) Name() types.Venue { return l.cfg.Venue }

// BreakerState exposes the adapter's circuit breaker state for gateway
// status reporting.
func (l *Live) BreakerState() risk.BreakerState { return l.breaker.State() }

func (l *Live) guard() error {
	if l.breaker.State() == risk.Open {
		return fmt.Errorf("venue %s: circuit breaker open", l.cfg.Venue)
	}
	return nil
}

func (l *Live) record(err error) {
	if err != nil {
		l.breaker.RecordFailure()
		return
	}
	l.breaker.RecordSuccess()
}

func (l *Live) Place(ctx context.Context, req types.PlaceOrderRequest) (ExecutionReport, error) {
	if err := l.guard(); err != nil {
		return ExecutionReport{}, err
	}
	if err := l.rl.Order.Wait(ctx); err != nil {
		return ExecutionReport{}, err
	}

	body, _ := json.Marshal(placeOrderWire{
		ClientOrderID: req.ClientOrderID,
		Symbol:        string(req.Symbol),
		Side:          string(req.Side),
		Type:          string(req.Type),
		Qty:           req.Qty,
		Price:         req.Price,
		TIF:           string(req.TIF),
	})
	headers, err := l.signer.Sign(http.MethodPost, "/orders", string(body))
	if err != nil {
		return ExecutionReport{}, fmt.Errorf("sign place order: %w", err)
	}

	var result execReportWire
	resp, err := l.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(body).
		SetResult(&result).
		Post("/orders")
	l.record(err)
	if err != nil {
		return ExecutionReport{}, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return ExecutionReport{}, fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.toReport(), nil
}

func (l *Live) Cancel(ctx context.Context, coid string) (ExecutionReport, error) {
	if err := l.guard(); err != nil {
		return ExecutionReport{}, err
	}
	if err := l.rl.Cancel.Wait(ctx); err != nil {
		return ExecutionReport{}, err
	}

	path := "/orders/" + coid
	headers, err := l.signer.Sign(http.MethodDelete, path, "")
	if err != nil {
		return ExecutionReport{}, fmt.Errorf("sign cancel: %w", err)
	}

	var result execReportWire
	resp, err := l.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Delete(path)
	l.record(err)
	if err != nil {
		return ExecutionReport{}, fmt.Errorf("cancel order: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return ExecutionReport{}, fmt.Errorf("cancel order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.toReport(), nil
}

func (l *Live) Query(ctx context.Context, coid string) (ExecutionReport, error) {
	if err := l.guard(); err != nil {
		return ExecutionReport{}, err
	}
	if err := l.rl.Book.Wait(ctx); err != nil {
		return ExecutionReport{}, err
	}

	path := "/orders/" + coid
	headers, err := l.signer.Sign(http.MethodGet, path, "")
	if err != nil {
		return ExecutionReport{}, fmt.Errorf("sign query: %w", err)
	}

	var result execReportWire
	resp, err := l.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get(path)
	l.record(err)
	if err != nil {
		return ExecutionReport{}, fmt.Errorf("query order: %w", err)
	}
	if resp.StatusCode() >= 400 {
		return ExecutionReport{}, fmt.Errorf("query order: status %d: %s", resp.StatusCode(), resp.String())
	}
	return result.toReport(), nil
}

func (l *Live) OpenOrders(ctx context.Context) ([]ExecutionReport, error) {
	headers, err := l.signer.Sign(http.MethodGet, "/orders/open", "")
	if err != nil {
		return nil, err
	}
	var results []execReportWire
	resp, err := l.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&results).Get("/orders/open")
	l.record(err)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() >= 400 {
		return nil, fmt.Errorf("open orders: status %d", resp.StatusCode())
	}
	out := make([]ExecutionReport, len(results))
	for i, r := range results {
		out[i] = r.toReport()
	}
	return out, nil
}

func (l *Live) Balances(ctx context.Context) ([]types.Balance, error) {
	headers, err := l.signer.Sign(http.MethodGet, "/balances", "")
	if err != nil {
		return nil, err
	}
	var results []types.Balance
	resp, err := l.http.R().SetContext(ctx).SetHeaders(headers).SetResult(&results).Get("/balances")
	l.record(err)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() >= 400 {
		return nil, fmt.Errorf("balances: status %d", resp.StatusCode())
	}
	return results, nil
}

func (l *Live) UserEvents() <-chan UserEvent { return l.userEvents }

// RunUserStream dials the venue's authenticated WS feed and pushes
// normalized UserEvents, auto-reconnecting with exponential backoff. A
// no-op when the venue has no user-stream URL configured.
func (l *Live) RunUserStream(ctx context.Context) error {
	if l.cfg.WSUserURL == "" {
		return nil
	}
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		err := l.connectAndReadUserStream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warn("user stream disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (l *Live) connectAndReadUserStream(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.cfg.WSUserURL, nil)
	if err != nil {
		return fmt.Errorf("dial user stream: %w", err)
	}
	l.conn = conn
	defer func() {
		conn.Close()
		l.conn = nil
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read user stream: %w", err)
		}
		var wire userEventWire
		if err := json.Unmarshal(msg, &wire); err != nil {
			l.logger.Debug("ignoring unparseable user-stream message", "data", string(msg))
			continue
		}
		select {
		case l.userEvents <- wire.toUserEvent():
		default:
			l.logger.Warn("user event channel full, dropping event")
		}
	}
}

type placeOrderWire struct {
	ClientOrderID string           `json:"client_order_id"`
	Symbol        string           `json:"symbol"`
	Side          string           `json:"side"`
	Type          string           `json:"type"`
	Qty           decimal.Decimal  `json:"qty"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	TIF           string           `json:"tif"`
}

type execReportWire struct {
	ClientOrderID string          `json:"client_order_id"`
	VenueOrderID  string          `json:"venue_order_id"`
	Status        string          `json:"status"`
	ExecutedQty   decimal.Decimal `json:"executed_qty"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	Reason        string          `json:"reason"`
}

func (w execReportWire) toReport() ExecutionReport {
	return ExecutionReport{
		ClientOrderID: w.ClientOrderID,
		VenueOrderID:  w.VenueOrderID,
		Status:        types.OrderStatus(w.Status),
		ExecutedQty:   w.ExecutedQty,
		AvgPrice:      w.AvgPrice,
		Reason:        w.Reason,
	}
}

type userEventWire struct {
	Type          string          `json:"type"`
	ClientOrderID string          `json:"client_order_id"`
	Symbol        string          `json:"symbol"`
	FillPrice     decimal.Decimal `json:"fill_price"`
	FillQty       decimal.Decimal `json:"fill_qty"`
	Status        string          `json:"status"`
	TsExch        int64           `json:"ts_exch"`
}

func (w userEventWire) toUserEvent() UserEvent {
	return UserEvent{
		Type: w.Type, ClientOrderID: w.ClientOrderID, Symbol: types.SymbolId(w.Symbol),
		FillPrice: w.FillPrice, FillQty: w.FillQty, Status: types.OrderStatus(w.Status), TsExch: w.TsExch,
	}
}
