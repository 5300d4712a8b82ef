// Package risk implements pre-trade gating and ongoing risk monitoring.
// PreTrade evaluates an ordered series of checks before an order is ever
// reserved or sent to a venue; the circuit breaker (circuitbreaker.go)
// latches the whole gate shut on repeated failures or operator command.
package risk

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecore/engine/internal/config"
	"github.com/tradecore/engine/internal/coreerrors"
	"github.com/tradecore/engine/pkg/types"
)

// Decision is the outcome of PreTrade.
type Decision struct {
	Allow       bool
	Kind        string // which check rejected, e.g. "NOTIONAL_CAP"
	Explanation string
}

// AccountView is the minimal read-only surface PreTrade needs from the
// account ledger, kept as an interface so risk and account never import
// each other.
type AccountView interface {
	Position(symbol types.SymbolId) (types.Position, bool)
	SnapshotBalances() []types.Balance
}

// BookView supplies reference prices for price-sanity checks.
type BookView interface {
	Mid() (float64, bool)
}

// Engine evaluates pre-trade checks and hosts the circuit breaker and rule
// engine. One Engine instance covers the whole account; limits are
// per-symbol or global, never per-venue.
type Engine struct {
	mu     sync.RWMutex
	cfg    config.RiskConfig
	logger *slog.Logger

	breaker *CircuitBreaker
	rules   []Rule

	// Rolling state for dynamic multipliers and the daily-loss check.
	equity        decimal.Decimal
	startOfDayEq  decimal.Decimal
	volPercentile float64
	drawdownPct   float64
	marketCond    float64 // 1.0 = benign, < 1.0 = crisis mode

	lossWindow  []lossSample
	referencePx map[types.SymbolId]decimal.Decimal
}

type lossSample struct {
	ts   time.Time
	loss decimal.Decimal
}

// NewEngine constructs a risk engine with benign default multipliers.
func NewEngine(cfg config.RiskConfig, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:          cfg,
		logger:       logger.With("component", "risk"),
		breaker:      NewCircuitBreaker(cfg.ConsecutiveErrorsTrip, cfg.CooldownAfterTrip),
		marketCond:   1.0,
		referencePx:  make(map[types.SymbolId]decimal.Decimal),
		equity:       decimal.Zero,
		startOfDayEq: decimal.Zero,
	}
}

// SetEquity updates the account-equity figure used for leverage/drawdown
// checks. Called by the engine wiring whenever balances change materially.
func (e *Engine) SetEquity(equity decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.equity = equity
	if e.startOfDayEq.IsZero() {
		e.startOfDayEq = equity
	}
	if equity.LessThan(e.startOfDayEq) {
		e.drawdownPct, _ = e.startOfDayEq.Sub(equity).Div(e.startOfDayEq).Float64()
	} else {
		e.drawdownPct = 0
	}
}

// ResetDay clears the start-of-day equity anchor (called at daily rollover).
func (e *Engine) ResetDay() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startOfDayEq = e.equity
	e.drawdownPct = 0
}

// SetVolPercentile feeds the current realized/implied volatility percentile
// (0..1) used by the vol multiplier.
func (e *Engine) SetVolPercentile(p float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.volPercentile = p
}

// SetMarketCondition sets the external market-condition multiplier
// (<=1.0; crisis-mode operators can push this down manually or via an
// external regime detector).
func (e *Engine) SetMarketCondition(m float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.marketCond = m
}

// SetReferencePrice records the reference price used by the price-sanity
// check for a symbol (typically the last trade or mid).
func (e *Engine) SetReferencePrice(symbol types.SymbolId, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.referencePx[symbol] = price
}

// SetRules replaces the user-defined rule set, evaluated in slice order.
func (e *Engine) SetRules(rules []Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = rules
}

// RecordPnL feeds a realized-PnL sample into the rolling loss window used
// by the circuit breaker's cumulative-loss trip condition.
func (e *Engine) RecordPnL(pnl decimal.Decimal, now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pnl.IsNegative() {
		e.lossWindow = append(e.lossWindow, lossSample{ts: now, loss: pnl.Neg()})
	}
	cutoff := now.Add(-e.cfg.LossWindow)
	i := 0
	for ; i < len(e.lossWindow); i++ {
		if e.lossWindow[i].ts.After(cutoff) {
			break
		}
	}
	e.lossWindow = e.lossWindow[i:]

	var total decimal.Decimal
	for _, s := range e.lossWindow {
		total = total.Add(s.loss)
	}
	if e.cfg.LossWindowThreshold > 0 {
		tf, _ := total.Float64()
		if tf > e.cfg.LossWindowThreshold {
			e.breaker.TripManual("cumulative loss in rolling window exceeded threshold")
		}
	}
}

// RecordVenueError feeds a venue-adapter failure into the circuit breaker's
// consecutive-error trip condition.
func (e *Engine) RecordVenueError() { e.breaker.RecordFailure() }

// RecordVenueSuccess resets the circuit breaker's consecutive-error count.
func (e *Engine) RecordVenueSuccess() { e.breaker.RecordSuccess() }

// TripManual trips the circuit breaker from an operator command.
func (e *Engine) TripManual(reason string) { e.breaker.TripManual(reason) }

// ResetBreaker explicitly resets the circuit breaker.
func (e *Engine) ResetBreaker() { e.breaker.Reset() }

// BreakerState reports the circuit breaker's current state.
func (e *Engine) BreakerState() BreakerState { return e.breaker.State() }

// effectiveMultiplier combines vol/drawdown/market-condition multipliers,
// each bounded to (0, 1.0] and monotone in its input. Constants are config
// fields so they can be tuned and pinned by regression tests without
// recompiling.
func (e *Engine) effectiveMultiplier() (vol, dd, combined float64) {
	vol = volMultiplier(e.volPercentile, e.cfg.VolBaseline, e.cfg.VolMultiplierK)
	dd = ddMultiplier(e.drawdownPct, e.cfg.DrawdownMultiplierK)
	combined = vol * dd * e.marketCond
	return vol, dd, combined
}

// volMultiplier is a monotone, bounded linear clamp: benign vol (at or
// below baseline) yields 1.0; each unit above baseline subtracts k, floored
// at 0.2 so the engine never fully zeroes out order size from vol alone.
func volMultiplier(percentile, baseline, k float64) float64 {
	if percentile <= baseline {
		return 1.0
	}
	return clamp(1.0-k*(percentile-baseline), 0.2, 1.0)
}

// ddMultiplier is a monotone, bounded linear clamp in drawdown percentage,
// floored at 0.1 (deep drawdown still allows trivial risk-reducing orders
// through the gate, since the spec does not require a drawdown-only halt —
// that is the circuit breaker's job).
func ddMultiplier(drawdownPct, k float64) float64 {
	return clamp(1.0-k*drawdownPct, 0.1, 1.0)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

// PreTrade runs the ordered checks (circuit breaker, notional cap, position
// cap, leverage cap, price sanity, daily loss, rule engine),
// short-circuiting on the first rejection.
func (e *Engine) PreTrade(req types.PlaceOrderRequest, account AccountView, book BookView) Decision {
	e.mu.RLock()
	defer e.mu.RUnlock()

	// 1. Kill switch / circuit breaker.
	if e.breaker.State() != Closed {
		return Decision{Allow: false, Kind: "CIRCUIT_BREAKER", Explanation: "circuit breaker is tripped"}
	}

	volMult, ddMult, combined := e.effectiveMultiplier()
	explain := fmt.Sprintf("vol_mult=%.3f dd_mult=%.3f market_cond=%.3f effective=%.3f", volMult, ddMult, e.marketCond, combined)

	price := e.orderPrice(req, book)

	// 2. Notional cap.
	notional := req.Qty.Mul(price)
	effMaxNotional := e.cfg.MaxOrderNotional * combined
	if nf, _ := notional.Float64(); nf > effMaxNotional {
		return Decision{Allow: false, Kind: "NOTIONAL_CAP", Explanation: fmt.Sprintf("notional %.2f exceeds effective cap %.2f (%s)", nf, effMaxNotional, explain)}
	}

	// 3. Per-symbol position cap.
	projected := e.projectedPosition(req, account)
	effMaxPos := e.cfg.MaxPositionNotional * combined
	if pf, _ := projected.Mul(price).Abs().Float64(); pf > effMaxPos {
		return Decision{Allow: false, Kind: "POSITION_CAP", Explanation: fmt.Sprintf("projected position notional %.2f exceeds effective cap %.2f (%s)", pf, effMaxPos, explain)}
	}

	// 4. Leverage cap.
	equity := e.equity
	if equity.IsPositive() {
		totalNotional := projected.Mul(price).Abs()
		lev, _ := totalNotional.Div(equity).Float64()
		effMaxLev := e.cfg.MaxLeverage * combined
		if lev > effMaxLev {
			return Decision{Allow: false, Kind: "LEVERAGE_CAP", Explanation: fmt.Sprintf("leverage %.2fx exceeds effective cap %.2fx (%s)", lev, effMaxLev, explain)}
		}
	}

	// 5. Price sanity (limit orders only).
	if req.Type == types.Limit {
		if ref, ok := e.referencePx[req.Symbol]; ok && ref.IsPositive() {
			dev, _ := req.Price.Sub(ref).Div(ref).Abs().Float64()
			if dev > e.cfg.MaxPriceDeviation {
				return Decision{Allow: false, Kind: "PRICE_SANITY", Explanation: fmt.Sprintf("price deviates %.4f from reference, max %.4f", dev, e.cfg.MaxPriceDeviation)}
			}
		}
	}

	// 6. Daily loss.
	if e.cfg.MaxDailyLossPct > 0 && e.drawdownPct > e.cfg.MaxDailyLossPct*combined {
		return Decision{Allow: false, Kind: "DAILY_LOSS", Explanation: fmt.Sprintf("drawdown %.4f exceeds effective cap %.4f (%s)", e.drawdownPct, e.cfg.MaxDailyLossPct*combined, explain)}
	}

	// 7. Rule engine.
	ctx := RuleContext{Request: req, Account: account, Book: book}
	for _, r := range e.rules {
		if r.Evaluate(ctx) && r.Action == ActionReject {
			return Decision{Allow: false, Kind: "RULE:" + r.Name, Explanation: r.Explanation}
		}
	}

	return Decision{Allow: true}
}

func (e *Engine) orderPrice(req types.PlaceOrderRequest, book BookView) decimal.Decimal {
	if req.Type == types.Limit && req.Price != nil {
		return *req.Price
	}
	if book != nil {
		if mid, ok := book.Mid(); ok {
			return decimal.NewFromFloat(mid)
		}
	}
	return decimal.Zero
}

func (e *Engine) projectedPosition(req types.PlaceOrderRequest, account AccountView) decimal.Decimal {
	var current decimal.Decimal
	if account != nil {
		if pos, ok := account.Position(req.Symbol); ok {
			current = pos.Size
		}
	}
	delta := req.Qty
	if req.Side == types.Sell {
		delta = delta.Neg()
	}
	return current.Add(delta)
}

// AsPreTradeFunc adapts Engine into account.PreTradeFunc's signature
// without account importing risk.
func (e *Engine) AsPreTradeFunc(account AccountView, book BookView) func(types.PlaceOrderRequest, decimal.Decimal) (bool, string) {
	return func(req types.PlaceOrderRequest, _ decimal.Decimal) (bool, string) {
		dec := e.PreTrade(req, account, book)
		if dec.Allow {
			return true, ""
		}
		rej := coreerrors.RiskRejection{Kind: dec.Kind, Explanation: dec.Explanation}
		return false, rej.Error()
	}
}
