// Package emitter serializes the engine's outbound event stream to
// newline-delimited JSON on a single byte sink. Every write goes through
// one mutex, so concurrent producers never interleave partial lines and
// consumers can parse line-by-line.
package emitter

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tradecore/engine/pkg/types"
)

// Emitter writes one JSON object per line to sink, serialized by mu so
// concurrent producers never interleave partial lines.
type Emitter struct {
	mu   sync.Mutex
	sink io.Writer
	enc  *json.Encoder
}

// New constructs an emitter writing to sink (typically os.Stdout or a
// service-mode socket).
func New(sink io.Writer) *Emitter {
	e := &Emitter{sink: sink}
	e.enc = json.NewEncoder(sink)
	return e
}

func (e *Emitter) write(record map[string]any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.enc.Encode(record); err != nil {
		return fmt.Errorf("emit record: %w", err)
	}
	return nil
}

// Market emits a top-line price tick.
func (e *Emitter) Market(tsNs int64, symbol types.SymbolId, price decimal.Decimal) error {
	return e.write(map[string]any{
		"type": "market", "ts_ns": tsNs, "symbol": symbol, "price": price,
	})
}

// Trade emits one executed trade observed on a venue's public feed.
func (e *Emitter) Trade(tsNs int64, symbol types.SymbolId, venue types.Venue, t types.TradePayload) error {
	return e.write(map[string]any{
		"type": "trade", "ts_ns": tsNs, "symbol": symbol, "venue": venue,
		"price": t.Price, "qty": t.Qty, "is_buyer_maker": t.IsBuyerMaker, "trade_id": t.TradeID,
	})
}

// BookTop emits the current best bid/ask for a (venue, symbol) pair.
func (e *Emitter) BookTop(tsNs int64, symbol types.SymbolId, venue types.Venue, bidPrice, bidQty, askPrice, askQty decimal.Decimal) error {
	return e.write(map[string]any{
		"type": "book_top", "ts_ns": tsNs, "symbol": symbol, "venue": venue,
		"bid_price": bidPrice, "bid_qty": bidQty, "ask_price": askPrice, "ask_qty": askQty,
	})
}

// BookDelta emits an incremental order-book update.
func (e *Emitter) BookDelta(tsNs int64, symbol types.SymbolId, venue types.Venue, d types.BookDeltaPayload) error {
	return e.write(map[string]any{
		"type": "book_delta", "ts_ns": tsNs, "symbol": symbol, "venue": venue,
		"sequence": d.Sequence, "bids": d.Bids, "asks": d.Asks,
	})
}

// Kline emits a completed (or in-progress) candle.
func (e *Emitter) Kline(tsNs int64, symbol types.SymbolId, venue types.Venue, k types.KlinePayload) error {
	return e.write(map[string]any{
		"type": "kline", "ts_ns": tsNs, "symbol": symbol, "venue": venue,
		"open": k.Open, "high": k.High, "low": k.Low, "close": k.Close, "volume": k.Volume,
		"start_time": k.StartTime, "close_time": k.CloseTime,
	})
}

// OrderUpdate emits an order lifecycle transition. Optional fields are
// included only when non-zero.
func (e *Emitter) OrderUpdate(tsNs int64, coid string, status types.OrderStatus, symbol types.SymbolId, side types.OrderSide, qty, price decimal.Decimal, venueOrderID uint64, reason string) error {
	rec := map[string]any{
		"type": "order_update", "ts_ns": tsNs, "client_order_id": coid, "status": status,
	}
	if symbol != "" {
		rec["symbol"] = symbol
	}
	if side != "" {
		rec["side"] = side
	}
	if !qty.IsZero() {
		rec["qty"] = qty
	}
	if !price.IsZero() {
		rec["price"] = price
	}
	if venueOrderID != 0 {
		rec["venue_order_id"] = venueOrderID
	}
	if reason != "" {
		rec["reason"] = reason
	}
	return e.write(rec)
}

// OrderState emits the full order lifecycle record, flattened so consumers
// address fields directly rather than through a nested object.
func (e *Emitter) OrderState(tsNs int64, s types.OrderState) error {
	rec := map[string]any{
		"type": "order_state", "ts_ns": tsNs,
		"client_order_id": s.ClientOrderID, "status": s.Status,
		"executed_qty": s.ExecutedQty, "avg_price": s.AvgPrice, "last_ts_ns": s.LastTsNs,
	}
	if s.Reason != "" {
		rec["reason"] = s.Reason
	}
	if s.VenueOrderID != 0 {
		rec["venue_order_id"] = s.VenueOrderID
	}
	return e.write(rec)
}

// Fill emits one execution against an order.
func (e *Emitter) Fill(tsNs int64, coid string, symbol types.SymbolId, qty, price decimal.Decimal) error {
	return e.write(map[string]any{
		"type": "fill", "ts_ns": tsNs, "client_order_id": coid, "symbol": symbol, "qty": qty, "price": price,
	})
}

// Account emits the full balance snapshot.
func (e *Emitter) Account(tsNs int64, balances []types.Balance) error {
	return e.write(map[string]any{
		"type": "account", "ts_ns": tsNs, "balances": balances,
	})
}

// SubscriptionStatus emits a market-data subscription lifecycle transition.
func (e *Emitter) SubscriptionStatus(tsNs int64, symbol types.SymbolId, eventType types.MarketEventType, status string) error {
	return e.write(map[string]any{
		"type": "subscription_status", "ts_ns": tsNs, "symbol": symbol, "event_type": eventType, "status": status,
	})
}

// Reconciliation emits one divergence found while diffing local order
// state against a venue's authoritative view.
func (e *Emitter) Reconciliation(tsNs int64, venue types.Venue, coid, kind string, localStatus, venueStatus types.OrderStatus) error {
	rec := map[string]any{
		"type": "reconciliation", "ts_ns": tsNs, "venue": venue, "client_order_id": coid, "kind": kind,
	}
	if localStatus != "" {
		rec["local_status"] = localStatus
	}
	if venueStatus != "" {
		rec["venue_status"] = venueStatus
	}
	return e.write(rec)
}

// StrategyStatus emits a strategy lifecycle record in response to STRATEGY
// LIST/STATUS commands.
func (e *Emitter) StrategyStatus(tsNs int64, strategyID, status string) error {
	return e.write(map[string]any{
		"type": "strategy_status", "ts_ns": tsNs, "strategy_id": strategyID, "status": status,
	})
}

// Error emits a user-facing error record for rejections that do not
// terminate anything.
func (e *Emitter) Error(tsNs int64, message string) error {
	return e.write(map[string]any{
		"type": "error", "ts_ns": tsNs, "message": message,
	})
}

// EmitMarketEvent dispatches a normalized market-data event to the
// matching record type. It returns an error, so it does not match the
// internal/marketdata Manager's Emit callback signature; the engine shell
// calls it from its loop handler for market events.
func (e *Emitter) EmitMarketEvent(ev types.MarketEvent) error {
	switch ev.Type {
	case types.EventTrade:
		if ev.Trade != nil {
			return e.Trade(ev.TsRecv, ev.Symbol, ev.Venue, *ev.Trade)
		}
	case types.EventBookSnapshot:
		if ev.Snapshot != nil {
			bid, bq, ask, aq := topOf(*ev.Snapshot)
			return e.BookTop(ev.TsRecv, ev.Symbol, ev.Venue, bid, bq, ask, aq)
		}
	case types.EventBookDelta:
		if ev.Delta != nil {
			return e.BookDelta(ev.TsRecv, ev.Symbol, ev.Venue, *ev.Delta)
		}
	case types.EventKline:
		if ev.Kline != nil {
			return e.Kline(ev.TsRecv, ev.Symbol, ev.Venue, *ev.Kline)
		}
	case types.EventTicker:
		if ev.Ticker != nil {
			return e.Market(ev.TsRecv, ev.Symbol, ev.Ticker.LastPrice)
		}
	case types.EventMarkPrice:
		if ev.MarkPrice != nil {
			return e.Market(ev.TsRecv, ev.Symbol, ev.MarkPrice.MarkPrice)
		}
	case types.EventSubscriptionStatus:
		if ev.SubStatus != nil {
			return e.SubscriptionStatus(ev.TsRecv, ev.Symbol, ev.SubStatus.EventType, ev.SubStatus.Status)
		}
	}
	return nil
}

func topOf(snap types.BookSnapshotPayload) (bidPrice, bidQty, askPrice, askQty decimal.Decimal) {
	if len(snap.Bids) > 0 {
		bidPrice, bidQty = snap.Bids[0].Price, snap.Bids[0].Qty
	}
	if len(snap.Asks) > 0 {
		askPrice, askQty = snap.Asks[0].Price, snap.Asks[0].Qty
	}
	return
}
