package strategy

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecore/engine/internal/clock"
	"github.com/tradecore/engine/internal/config"
	"github.com/tradecore/engine/pkg/types"
)

// BookView is the minimal market-data surface a strategy reads; satisfied
// by *orderbook.Book.
type BookView struct {
	Mid    func() (float64, bool)
	Spread func() (float64, bool)
}

// OrderGateway is the minimal order-placement surface a strategy drives;
// satisfied by *account.Ledger plus its risk PreTradeFunc, wired by the
// engine shell so strategy never imports account or risk directly.
type OrderGateway interface {
	PlaceOrder(req types.PlaceOrderRequest) (accepted bool, reason string)
	CancelOrder(coid string) (found bool)
	Position(symbol types.SymbolId) (types.Position, bool)
}

// Quote is one side of a desired two-sided market.
type Quote struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// QuotePair is the desired state of both sides for one refresh tick.
type QuotePair struct {
	Bid, Ask *Quote
}

// Maker runs the Avellaneda-Stoikov market-making model for one (venue,
// symbol) pair: a reservation price skewed by inventory, an optimal spread
// widened under toxic flow, both quoted through the risk-gated
// OrderGateway.
type Maker struct {
	id     string
	venue  types.Venue
	symbol types.SymbolId

	cfg   config.StrategyConfig
	book  BookView
	gw    OrderGateway
	clk   clock.Clock
	flow  *FlowTracker
	tick  float64

	activeBidCOID string
	activeAskCOID string
	activeBid     *Quote
	activeAsk     *Quote

	seq int64

	logger *slog.Logger
}

// NewMaker constructs a maker strategy instance. tick is the venue's price
// increment for symbol (used for rounding and the min-spread clamp).
func NewMaker(id string, venue types.Venue, symbol types.SymbolId, cfg config.StrategyConfig, tick float64, book BookView, gw OrderGateway, clk clock.Clock, logger *slog.Logger) *Maker {
	return &Maker{
		id:     id,
		venue:  venue,
		symbol: symbol,
		cfg:    cfg,
		tick:   tick,
		book:   book,
		gw:     gw,
		clk:    clk,
		flow:   NewFlowTracker(cfg.FlowWindow, cfg.FlowToxicityThreshold, cfg.FlowCooldownPeriod, cfg.FlowMaxSpreadMultiplier, nil),
		logger: logger.With("component", "maker", "strategy_id", id, "symbol", symbol),
	}
}

// OnFill feeds an execution into the flow tracker so subsequent ticks can
// react to adverse selection.
func (m *Maker) OnFill(side types.OrderSide, price, qty float64, tsNs int64) {
	m.flow.AddFill(Fill{Timestamp: time.Unix(0, tsNs), Side: side, Symbol: m.symbol, Price: price, Qty: qty})
}

// Symbols declares the instruments this maker consumes market events for.
func (m *Maker) Symbols() []types.SymbolId {
	return []types.SymbolId{m.symbol}
}

// UpdateParameters validates and atomically installs a new StrategyConfig.
// Runs on the event loop like Tick, so the swap needs no locking; the next
// Tick quotes with the new parameters.
func (m *Maker) UpdateParameters(params any) error {
	cfg, ok := params.(config.StrategyConfig)
	if !ok {
		return fmt.Errorf("maker %s: parameters must be a StrategyConfig, got %T", m.id, params)
	}
	if cfg.Gamma <= 0 {
		return fmt.Errorf("maker %s: gamma must be > 0", m.id)
	}
	if cfg.OrderSizeUSD <= 0 {
		return fmt.Errorf("maker %s: order_size_usd must be > 0", m.id)
	}
	if cfg.DefaultSpreadBps < 0 {
		return fmt.Errorf("maker %s: default_spread_bps must be >= 0", m.id)
	}
	if cfg.FlowMaxSpreadMultiplier < 1 {
		return fmt.Errorf("maker %s: flow_max_spread_multiplier must be >= 1", m.id)
	}
	m.cfg = cfg
	m.onParametersChanged()
	return nil
}

// onParametersChanged rebuilds derived state after a parameter swap; the
// flow tracker's window/threshold tuning lives in the config, so it is
// reconstructed rather than patched in place.
func (m *Maker) onParametersChanged() {
	m.flow = NewFlowTracker(m.cfg.FlowWindow, m.cfg.FlowToxicityThreshold, m.cfg.FlowCooldownPeriod, m.cfg.FlowMaxSpreadMultiplier, nil)
	m.logger.Info("parameters updated",
		"gamma", m.cfg.Gamma, "sigma", m.cfg.Sigma,
		"order_size_usd", m.cfg.OrderSizeUSD, "default_spread_bps", m.cfg.DefaultSpreadBps,
	)
}

// Tick runs one refresh cycle: compute desired quotes and reconcile active
// orders against them.
func (m *Maker) Tick() error {
	mid, ok := m.book.Mid()
	if !ok {
		m.logger.Debug("no mid price available")
		return nil
	}

	pos, _ := m.gw.Position(m.symbol)
	q := m.inventorySkew(pos, mid)

	desired := m.computeQuotes(mid, q)
	return m.reconcile(desired)
}

// inventorySkew normalizes position size into the [-1, 1] "q" term the
// Avellaneda-Stoikov reservation price uses, scaled by one order's target
// notional (a position of +1 order's worth of exposure maps to q=1).
func (m *Maker) inventorySkew(pos types.Position, mid float64) float64 {
	if m.cfg.OrderSizeUSD <= 0 || mid <= 0 {
		return 0
	}
	sizeUnits := m.cfg.OrderSizeUSD / mid
	if sizeUnits <= 0 {
		return 0
	}
	size := decimalToFloat(pos.Size)
	q := size / sizeUnits
	return clamp(q, -1, 1)
}

func (m *Maker) computeQuotes(mid, q float64) QuotePair {
	gamma := m.cfg.Gamma
	sigma := m.cfg.Sigma
	k := m.cfg.K
	T := m.cfg.T
	minSpread := mid * float64(m.cfg.DefaultSpreadBps) / 10000.0

	flowMultiplier := m.flow.GetSpreadMultiplier()
	minSpread *= flowMultiplier

	reservationPrice := mid - q*gamma*sigma*sigma*T
	optSpread := gamma*sigma*sigma*T + (2.0/gamma)*math.Log(1+gamma/k)
	optSpread *= flowMultiplier

	bidRaw := reservationPrice - optSpread/2
	askRaw := reservationPrice + optSpread/2

	if (askRaw - bidRaw) < minSpread {
		bidRaw = reservationPrice - minSpread/2
		askRaw = reservationPrice + minSpread/2
	}

	bidRaw = roundDownToTick(bidRaw, m.tick)
	askRaw = roundUpToTick(askRaw, m.tick)
	if bidRaw >= askRaw {
		askRaw = bidRaw + m.tick
	}
	if bidRaw <= 0 {
		bidRaw = m.tick
	}

	absQ := math.Abs(q)
	sizeFactor := 1.0 - 0.5*absQ
	baseSize := m.cfg.OrderSizeUSD / mid
	size := baseSize * sizeFactor
	if size <= 0 {
		return QuotePair{}
	}

	var out QuotePair
	// Don't add to a position that's already maxed out in that direction.
	if q < 1 {
		out.Bid = &Quote{Price: decimal.NewFromFloat(bidRaw), Qty: decimal.NewFromFloat(size)}
	}
	if q > -1 {
		out.Ask = &Quote{Price: decimal.NewFromFloat(askRaw), Qty: decimal.NewFromFloat(size)}
	}

	m.logger.Debug("quotes computed",
		"mid", mid, "q", q, "reservation", reservationPrice,
		"bid", bidRaw, "ask", askRaw, "flow_multiplier", flowMultiplier,
	)
	return out
}

// reconcile cancels any active quote that has drifted beyond tolerance and
// places fresh ones.
func (m *Maker) reconcile(desired QuotePair) error {
	const priceTolerance = 1 // ticks
	const sizeTolerance = 0.10

	if m.activeBid != nil {
		if desired.Bid == nil || !withinTolerance(m.activeBid, desired.Bid, m.tick, priceTolerance, sizeTolerance) {
			m.gw.CancelOrder(m.activeBidCOID)
			m.activeBid, m.activeBidCOID = nil, ""
		}
	}
	if m.activeAsk != nil {
		if desired.Ask == nil || !withinTolerance(m.activeAsk, desired.Ask, m.tick, priceTolerance, sizeTolerance) {
			m.gw.CancelOrder(m.activeAskCOID)
			m.activeAsk, m.activeAskCOID = nil, ""
		}
	}

	if m.activeBid == nil && desired.Bid != nil {
		coid := m.nextCOID("bid")
		req := types.PlaceOrderRequest{
			ClientOrderID: coid, Symbol: m.symbol, Venue: m.venue,
			Side: types.Buy, Type: types.Limit, Qty: desired.Bid.Qty, Price: &desired.Bid.Price,
			TIF: types.GTC, StrategyID: m.id,
		}
		if ok, reason := m.gw.PlaceOrder(req); ok {
			m.activeBid, m.activeBidCOID = desired.Bid, coid
		} else {
			m.logger.Warn("bid rejected", "reason", reason)
		}
	}
	if m.activeAsk == nil && desired.Ask != nil {
		coid := m.nextCOID("ask")
		req := types.PlaceOrderRequest{
			ClientOrderID: coid, Symbol: m.symbol, Venue: m.venue,
			Side: types.Sell, Type: types.Limit, Qty: desired.Ask.Qty, Price: &desired.Ask.Price,
			TIF: types.GTC, StrategyID: m.id,
		}
		if ok, reason := m.gw.PlaceOrder(req); ok {
			m.activeAsk, m.activeAskCOID = desired.Ask, coid
		} else {
			m.logger.Warn("ask rejected", "reason", reason)
		}
	}
	return nil
}

func (m *Maker) nextCOID(tag string) string {
	m.seq++
	return fmt.Sprintf("%s-%s-%d-%d", m.id, tag, m.clk.NowNs(), m.seq)
}

func withinTolerance(active, desired *Quote, tick float64, priceToleranceTicks int, sizeTolerance float64) bool {
	priceDiff := math.Abs(decimalToFloat(active.Price) - decimalToFloat(desired.Price))
	if priceDiff > float64(priceToleranceTicks)*tick {
		return false
	}
	dq := decimalToFloat(desired.Qty)
	if dq == 0 {
		return false
	}
	sizeDiff := math.Abs(decimalToFloat(active.Qty)-dq) / dq
	return sizeDiff <= sizeTolerance
}

// CancelAll cancels both active quotes, used on shutdown or when the book
// goes stale.
func (m *Maker) CancelAll() {
	if m.activeBidCOID != "" {
		m.gw.CancelOrder(m.activeBidCOID)
		m.activeBid, m.activeBidCOID = nil, ""
	}
	if m.activeAskCOID != "" {
		m.gw.CancelOrder(m.activeAskCOID)
		m.activeAsk, m.activeAskCOID = nil, ""
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func roundDownToTick(v, tick float64) float64 {
	if tick <= 0 {
		return v
	}
	return math.Floor(v/tick) * tick
}

func roundUpToTick(v, tick float64) float64 {
	if tick <= 0 {
		return v
	}
	return math.Ceil(v/tick) * tick
}
