// Package types defines the shared data structures used across all engine
// packages: symbols, venues, orders, balances, positions, market events and
// order books, risk limits, and the persisted state snapshot. It has no
// dependencies on internal packages so it can be imported by every layer.
package types

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// SymbolId is an opaque, uppercase-normalized instrument key, e.g. "BTCUSDT".
type SymbolId string

// NormalizeSymbol returns the canonical form of a raw symbol string.
func NormalizeSymbol(raw string) SymbolId {
	out := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out = append(out, c)
	}
	return SymbolId(out)
}

// Venue identifies the execution venue an order or market event belongs to.
type Venue string

const (
	VenueSimulated Venue = "SIMULATED"
	VenueBinance   Venue = "BINANCE"
	VenueOKX       Venue = "OKX"
	VenueBybit     Venue = "BYBIT"
	VenueCoinbase  Venue = "COINBASE"
)

func (v Venue) Valid() bool {
	switch v {
	case VenueSimulated, VenueBinance, VenueOKX, VenueBybit, VenueCoinbase:
		return true
	default:
		return false
	}
}

type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

type TimeInForce string

const (
	GTC TimeInForce = "GTC"
	IOC TimeInForce = "IOC"
	FOK TimeInForce = "FOK"
)

type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether an order in this status can never transition again.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected:
		return true
	default:
		return false
	}
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// PlaceOrderRequest is the caller-supplied intent to place an order.
// Invariant: Price is non-nil iff Type == Limit.
type PlaceOrderRequest struct {
	ClientOrderID string           `json:"client_order_id"`
	Symbol        SymbolId         `json:"symbol"`
	Venue         Venue            `json:"venue"`
	Side          OrderSide        `json:"side"`
	Type          OrderType        `json:"type"`
	Qty           decimal.Decimal  `json:"qty"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	TIF           TimeInForce      `json:"tif"`
	UserID        string           `json:"user_id,omitempty"`
	StrategyID    string           `json:"strategy_id,omitempty"` // empty if the order did not originate from a strategy
}

// Validate checks the structural invariants of a request; it does not
// evaluate risk or account state.
func (r *PlaceOrderRequest) Validate() error {
	if r.ClientOrderID == "" {
		return fmt.Errorf("client_order_id is required")
	}
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if !r.Venue.Valid() {
		return fmt.Errorf("unknown venue %q", r.Venue)
	}
	if r.Side != Buy && r.Side != Sell {
		return fmt.Errorf("invalid side %q", r.Side)
	}
	if !r.Qty.IsPositive() {
		return fmt.Errorf("qty must be > 0")
	}
	switch r.Type {
	case Limit:
		if r.Price == nil {
			return fmt.Errorf("price is required for limit orders")
		}
		if !r.Price.IsPositive() {
			return fmt.Errorf("price must be > 0")
		}
	case Market:
		if r.Price != nil {
			return fmt.Errorf("price must be absent for market orders")
		}
	default:
		return fmt.Errorf("invalid order type %q", r.Type)
	}
	switch r.TIF {
	case GTC, IOC, FOK:
	default:
		return fmt.Errorf("invalid time in force %q", r.TIF)
	}
	return nil
}

// PendingOrder is the in-flight bookkeeping record held between order
// acceptance and terminal resolution.
type PendingOrder struct {
	Request       PlaceOrderRequest `json:"request"`
	AcceptTsNs    int64             `json:"accept_ts_ns"`
	DueFillTsNs   int64             `json:"due_fill_ts_ns"` // when a simulated fill is scheduled; 0 if not yet known
	ReservedValue decimal.Decimal   `json:"reserved_value"`
	ReservedAsset string            `json:"reserved_asset"`
	VenueOrderID  uint64            `json:"venue_order_id"`
}

// OrderState is the externally visible lifecycle record for one order.
type OrderState struct {
	ClientOrderID string          `json:"client_order_id"`
	Status        OrderStatus     `json:"status"`
	ExecutedQty   decimal.Decimal `json:"executed_qty"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	Reason        string          `json:"reason,omitempty"`
	LastTsNs      int64           `json:"last_ts_ns"`
	VenueOrderID  uint64          `json:"venue_order_id,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Balances and positions
// ————————————————————————————————————————————————————————————————————————

// Balance holds the free (available) and locked (reserved) amount of one asset.
type Balance struct {
	Asset  string          `json:"asset"`
	Free   decimal.Decimal `json:"free"`
	Locked decimal.Decimal `json:"locked"`
}

// Total returns Free+Locked.
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// CostBasisMethod selects how Position computes its average entry price.
type CostBasisMethod string

const (
	WeightedAverage CostBasisMethod = "WEIGHTED_AVERAGE"
	FIFO            CostBasisMethod = "FIFO"
)

// Position tracks net exposure and PnL for one symbol.
type Position struct {
	Symbol        SymbolId        `json:"symbol"`
	Size          decimal.Decimal `json:"size"` // positive = long, negative = short
	AvgPrice      decimal.Decimal `json:"avg_price"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

type MarketEventType string

const (
	EventTrade              MarketEventType = "TRADE"
	EventBookSnapshot       MarketEventType = "BOOK_SNAPSHOT"
	EventBookDelta          MarketEventType = "BOOK_DELTA"
	EventKline              MarketEventType = "KLINE"
	EventTicker             MarketEventType = "TICKER"
	EventMarkPrice          MarketEventType = "MARK_PRICE"
	EventFundingRate        MarketEventType = "FUNDING_RATE"
	EventSubscriptionStatus MarketEventType = "SUBSCRIPTION_STATUS"
)

// PriceLevel is one level of an order book, keyed by price with a size.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Qty   decimal.Decimal `json:"qty"`
}

// MarketEvent is the normalized envelope for every inbound market-data message.
type MarketEvent struct {
	Type      MarketEventType
	Venue     Venue
	Symbol    SymbolId
	TsExch    int64
	TsRecv    int64
	Trade     *TradePayload
	Snapshot  *BookSnapshotPayload
	Delta     *BookDeltaPayload
	Kline     *KlinePayload
	Ticker    *TickerPayload
	MarkPrice *MarkPricePayload
	Funding   *FundingRatePayload
	SubStatus *SubscriptionStatusPayload
}

type TradePayload struct {
	Price        decimal.Decimal
	Qty          decimal.Decimal
	IsBuyerMaker bool
	TradeID      string
}

type BookSnapshotPayload struct {
	Sequence uint64
	Bids     []PriceLevel
	Asks     []PriceLevel
}

type BookDeltaPayload struct {
	PrevSequence uint64
	Sequence     uint64
	Bids         []PriceLevel
	Asks         []PriceLevel
}

type KlinePayload struct {
	Open, High, Low, Close, Volume decimal.Decimal
	StartTime, CloseTime           int64
}

type TickerPayload struct {
	LastPrice decimal.Decimal
	BidPrice  decimal.Decimal
	AskPrice  decimal.Decimal
}

type MarkPricePayload struct {
	MarkPrice decimal.Decimal
}

type FundingRatePayload struct {
	Rate        decimal.Decimal
	NextFunding int64
}

type SubscriptionStatusPayload struct {
	EventType MarketEventType
	Status    string // "subscribed", "unsubscribed", "error"
}

// ————————————————————————————————————————————————————————————————————————
// Risk
// ————————————————————————————————————————————————————————————————————————

// RiskLimits is the static, per-venue (or global) set of risk thresholds.
// Effective thresholds at evaluation time are these base values scaled by
// dynamic multipliers — see internal/risk.
type RiskLimits struct {
	MaxOrderNotional     decimal.Decimal
	MaxPositionPerSymbol map[SymbolId]decimal.Decimal
	MaxLeverage          decimal.Decimal
	MaxDailyLossPct      decimal.Decimal
	ReferencePrices      map[SymbolId]decimal.Decimal
}

// ————————————————————————————————————————————————————————————————————————
// Persisted state
// ————————————————————————————————————————————————————————————————————————

// StateSnapshot is the full durable representation of engine state written
// to disk for warm restart.
type StateSnapshot struct {
	Version           int                          `json:"version"`
	SnapshotID        string                       `json:"snapshot_id"`
	TsNs              int64                        `json:"ts_ns"`
	SequenceNum       uint64                       `json:"sequence_num"`
	ChecksumHex       string                       `json:"checksum_hex"`
	Balances          []Balance                    `json:"balances"`
	PendingOrders     []PendingOrder               `json:"pending_orders"`
	PricePerSymbol    map[SymbolId]decimal.Decimal `json:"price_per_symbol"`
	VenueCounter      uint64                       `json:"venue_counter"`
	StrategySnapshots map[string]json.RawMessage   `json:"strategy_snapshots"`
}

// Clock is the interface every timestamp in the engine flows through, so
// tests can inject a deterministic fake instead of wall-clock time.
type Clock interface {
	NowNs() int64
}
