// wsadapter.go implements the concrete venue market-data adapter the
// Manager drives through the Adapter interface: a WebSocket connection for
// push events (trades, book snapshots/deltas, klines, tickers, mark price,
// funding) plus a REST leg for on-demand resnapshot. One adapter per venue,
// dispatching on a normalized event envelope.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/tradecore/engine/pkg/types"
)

// decimalFromString parses a wire decimal string, treating malformed or
// empty input as zero rather than failing the whole message. Venue feeds
// occasionally omit optional numeric fields.
func decimalFromString(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

const (
	wsPingInterval = 30 * time.Second
	wsReadTimeout  = 90 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// WSAdapterConfig configures one venue's market-data connection.
type WSAdapterConfig struct {
	Venue       types.Venue
	WSURL       string
	RESTBaseURL string
	Timeout     time.Duration

	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration
}

// WSAdapter is the concrete Adapter implementation driving one venue's
// public market-data feed and normalizing its messages into the Manager via
// HandleBookSnapshot/HandleBookDelta/Emit.
type WSAdapter struct {
	cfg     WSAdapterConfig
	manager *Manager
	http    *resty.Client
	logger  *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	subMu sync.RWMutex
	subs  map[SubKey]bool

	nowNs func() int64
}

// NewWSAdapter constructs a WS/REST adapter for one venue and registers it
// with manager.
func NewWSAdapter(cfg WSAdapterConfig, manager *Manager, nowNs func() int64, logger *slog.Logger) *WSAdapter {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	a := &WSAdapter{
		cfg:     cfg,
		manager: manager,
		http:    resty.New().SetBaseURL(cfg.RESTBaseURL).SetTimeout(timeout),
		logger:  logger.With("component", "marketdata_ws", "venue", cfg.Venue),
		subs:    make(map[SubKey]bool),
		nowNs:   nowNs,
	}
	manager.RegisterAdapter(cfg.Venue, a)
	return a
}

// Subscribe records the key and, if connected, pushes a subscribe message.
// Re-issuing on reconnect is handled by Manager.Reconnect replaying
// Subscribe for every still-active key.
func (a *WSAdapter) Subscribe(key SubKey) error {
	a.subMu.Lock()
	a.subs[key] = true
	a.subMu.Unlock()
	return a.writeJSON(subUnsubWire{Op: "subscribe", Symbol: string(key.Symbol), EventType: string(key.EventType)})
}

// Unsubscribe drops the key and pushes an unsubscribe message.
func (a *WSAdapter) Unsubscribe(key SubKey) error {
	a.subMu.Lock()
	delete(a.subs, key)
	a.subMu.Unlock()
	return a.writeJSON(subUnsubWire{Op: "unsubscribe", Symbol: string(key.Symbol), EventType: string(key.EventType)})
}

// RequestResnapshot fetches a fresh order-book snapshot over REST and feeds
// it to the manager, re-baselining a book that went Stale on a gap.
func (a *WSAdapter) RequestResnapshot(symbol types.SymbolId) error {
	var snap bookSnapshotWire
	resp, err := a.http.R().
		SetResult(&snap).
		SetQueryParam("symbol", string(symbol)).
		Get("/depth")
	if err != nil {
		return fmt.Errorf("resnapshot %s: %w", symbol, err)
	}
	if resp.StatusCode() >= 400 {
		return fmt.Errorf("resnapshot %s: status %d", symbol, resp.StatusCode())
	}
	now := a.nowNs()
	a.manager.HandleBookSnapshot(a.cfg.Venue, symbol, snap.toPayload(), snap.TsExch, now)
	return nil
}

// Run connects and maintains the WebSocket connection with exponential
// backoff reconnection. Blocks until ctx is cancelled.
func (a *WSAdapter) Run(ctx context.Context) error {
	base := a.cfg.ReconnectBaseDelay
	if base <= 0 {
		base = time.Second
	}
	max := a.cfg.ReconnectMaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}

	attempt := 0
	for {
		a.manager.SetConnState(a.cfg.Venue, Connecting, a.nowNs())
		err := a.connectAndRead(ctx)
		if ctx.Err() != nil {
			a.manager.SetConnState(a.cfg.Venue, Disconnected, a.nowNs())
			return ctx.Err()
		}

		a.manager.SetConnState(a.cfg.Venue, Disconnected, a.nowNs())
		delay := ReconnectBackoff(attempt, base, max, nil)
		a.logger.Warn("market data websocket disconnected, reconnecting", "error", err, "delay", delay)
		attempt++

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (a *WSAdapter) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.WSURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()
	defer func() {
		a.connMu.Lock()
		conn.Close()
		a.conn = nil
		a.connMu.Unlock()
	}()

	if err := a.resubscribeAll(); err != nil {
		return fmt.Errorf("resubscribe: %w", err)
	}
	a.manager.SetConnState(a.cfg.Venue, Connected, a.nowNs())
	if err := a.manager.Reconnect(a.cfg.Venue); err != nil {
		a.logger.Warn("forced resnapshot on reconnect failed", "error", err)
	}

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go a.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		a.dispatchMessage(msg)
	}
}

func (a *WSAdapter) resubscribeAll() error {
	a.subMu.RLock()
	keys := make([]SubKey, 0, len(a.subs))
	for k := range a.subs {
		keys = append(keys, k)
	}
	a.subMu.RUnlock()

	for _, k := range keys {
		if err := a.writeJSON(subUnsubWire{Op: "subscribe", Symbol: string(k.Symbol), EventType: string(k.EventType)}); err != nil {
			return err
		}
	}
	return nil
}

func (a *WSAdapter) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.writeMessage(websocket.PingMessage, nil); err != nil {
				a.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (a *WSAdapter) writeJSON(v any) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn == nil {
		return nil // not yet connected; resubscribeAll replays once connected
	}
	a.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return a.conn.WriteJSON(v)
}

func (a *WSAdapter) writeMessage(msgType int, data []byte) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("not connected")
	}
	a.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return a.conn.WriteMessage(msgType, data)
}

// dispatchMessage peeks the envelope's event_type and routes to the
// matching Manager call, unmarshalling the full payload only once the type
// is known.
func (a *WSAdapter) dispatchMessage(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
		Symbol    string `json:"symbol"`
		TsExch    int64  `json:"ts_exch"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		a.logger.Debug("ignoring non-json market data message", "data", string(data))
		return
	}
	symbol := types.SymbolId(envelope.Symbol)
	now := a.nowNs()

	switch types.MarketEventType(envelope.EventType) {
	case types.EventTrade:
		var w tradeWire
		if err := json.Unmarshal(data, &w); err != nil {
			a.logger.Error("unmarshal trade", "error", err)
			return
		}
		payload := w.toPayload()
		a.manager.Emit(types.MarketEvent{Type: types.EventTrade, Venue: a.cfg.Venue, Symbol: symbol, TsExch: envelope.TsExch, TsRecv: now, Trade: &payload})

	case types.EventBookSnapshot:
		var w bookSnapshotWire
		if err := json.Unmarshal(data, &w); err != nil {
			a.logger.Error("unmarshal book snapshot", "error", err)
			return
		}
		a.manager.HandleBookSnapshot(a.cfg.Venue, symbol, w.toPayload(), envelope.TsExch, now)

	case types.EventBookDelta:
		var w bookDeltaWire
		if err := json.Unmarshal(data, &w); err != nil {
			a.logger.Error("unmarshal book delta", "error", err)
			return
		}
		a.manager.HandleBookDelta(a.cfg.Venue, symbol, w.toPayload(), envelope.TsExch, now)

	case types.EventKline:
		var w klineWire
		if err := json.Unmarshal(data, &w); err != nil {
			a.logger.Error("unmarshal kline", "error", err)
			return
		}
		payload := w.toPayload()
		a.manager.Emit(types.MarketEvent{Type: types.EventKline, Venue: a.cfg.Venue, Symbol: symbol, TsExch: envelope.TsExch, TsRecv: now, Kline: &payload})

	case types.EventTicker:
		var w tickerWire
		if err := json.Unmarshal(data, &w); err != nil {
			a.logger.Error("unmarshal ticker", "error", err)
			return
		}
		payload := w.toPayload()
		a.manager.Emit(types.MarketEvent{Type: types.EventTicker, Venue: a.cfg.Venue, Symbol: symbol, TsExch: envelope.TsExch, TsRecv: now, Ticker: &payload})

	case types.EventMarkPrice:
		var w struct {
			MarkPrice json.Number `json:"mark_price"`
		}
		if err := json.Unmarshal(data, &w); err != nil {
			a.logger.Error("unmarshal mark price", "error", err)
			return
		}
		mp := decimalFromString(w.MarkPrice.String())
		a.manager.Emit(types.MarketEvent{Type: types.EventMarkPrice, Venue: a.cfg.Venue, Symbol: symbol, TsExch: envelope.TsExch, TsRecv: now, MarkPrice: &types.MarkPricePayload{MarkPrice: mp}})

	case types.EventFundingRate:
		var w fundingWire
		if err := json.Unmarshal(data, &w); err != nil {
			a.logger.Error("unmarshal funding rate", "error", err)
			return
		}
		payload := w.toPayload()
		a.manager.Emit(types.MarketEvent{Type: types.EventFundingRate, Venue: a.cfg.Venue, Symbol: symbol, TsExch: envelope.TsExch, TsRecv: now, Funding: &payload})

	default:
		a.logger.Debug("unhandled market data event type", "type", envelope.EventType)
	}
}

type subUnsubWire struct {
	Op        string `json:"op"`
	Symbol    string `json:"symbol"`
	EventType string `json:"event_type"`
}

type priceLevelWire struct {
	Price string `json:"price"`
	Qty   string `json:"qty"`
}

func (w priceLevelWire) toLevel() types.PriceLevel {
	return types.PriceLevel{Price: decimalFromString(w.Price), Qty: decimalFromString(w.Qty)}
}

type bookSnapshotWire struct {
	Sequence uint64           `json:"sequence"`
	TsExch   int64            `json:"ts_exch"`
	Bids     []priceLevelWire `json:"bids"`
	Asks     []priceLevelWire `json:"asks"`
}

func (w bookSnapshotWire) toPayload() types.BookSnapshotPayload {
	return types.BookSnapshotPayload{Sequence: w.Sequence, Bids: levelsFromWire(w.Bids), Asks: levelsFromWire(w.Asks)}
}

type bookDeltaWire struct {
	PrevSequence uint64           `json:"prev_sequence"`
	Sequence     uint64           `json:"sequence"`
	Bids         []priceLevelWire `json:"bids"`
	Asks         []priceLevelWire `json:"asks"`
}

func (w bookDeltaWire) toPayload() types.BookDeltaPayload {
	return types.BookDeltaPayload{PrevSequence: w.PrevSequence, Sequence: w.Sequence, Bids: levelsFromWire(w.Bids), Asks: levelsFromWire(w.Asks)}
}

func levelsFromWire(ws []priceLevelWire) []types.PriceLevel {
	out := make([]types.PriceLevel, len(ws))
	for i, w := range ws {
		out[i] = w.toLevel()
	}
	return out
}

type tradeWire struct {
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	IsBuyerMaker bool   `json:"is_buyer_maker"`
	TradeID      string `json:"trade_id"`
}

func (w tradeWire) toPayload() types.TradePayload {
	return types.TradePayload{Price: decimalFromString(w.Price), Qty: decimalFromString(w.Qty), IsBuyerMaker: w.IsBuyerMaker, TradeID: w.TradeID}
}

type klineWire struct {
	Open       string `json:"open"`
	High       string `json:"high"`
	Low        string `json:"low"`
	Close      string `json:"close"`
	Volume     string `json:"volume"`
	StartTime  int64  `json:"start_time"`
	CloseTime  int64  `json:"close_time"`
}

func (w klineWire) toPayload() types.KlinePayload {
	return types.KlinePayload{
		Open: decimalFromString(w.Open), High: decimalFromString(w.High),
		Low: decimalFromString(w.Low), Close: decimalFromString(w.Close),
		Volume: decimalFromString(w.Volume), StartTime: w.StartTime, CloseTime: w.CloseTime,
	}
}

type tickerWire struct {
	LastPrice string `json:"last_price"`
	BidPrice  string `json:"bid_price"`
	AskPrice  string `json:"ask_price"`
}

func (w tickerWire) toPayload() types.TickerPayload {
	return types.TickerPayload{LastPrice: decimalFromString(w.LastPrice), BidPrice: decimalFromString(w.BidPrice), AskPrice: decimalFromString(w.AskPrice)}
}

type fundingWire struct {
	Rate        string `json:"rate"`
	NextFunding int64  `json:"next_funding"`
}

func (w fundingWire) toPayload() types.FundingRatePayload {
	return types.FundingRatePayload{Rate: decimalFromString(w.Rate), NextFunding: w.NextFunding}
}
