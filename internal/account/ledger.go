// Package account is the authoritative in-memory state for balances,
// pending orders, and order-state lookups. Accepting an order moves the
// reserved value from free to locked; fills and cancels unwind the
// reservation, so free+locked per asset stays consistent with the sum of
// open reservations at every step.
package account

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tradecore/engine/internal/coreerrors"
	"github.com/tradecore/engine/pkg/types"
)

// PreTradeFunc is invoked during PlaceOrder before reservations are
// committed. The caller (engine wiring) plugs in the risk engine here so
// that account stays decoupled from risk (avoiding an import cycle and
// letting each be tested in isolation).
type PreTradeFunc func(req types.PlaceOrderRequest, reservedValue decimal.Decimal) (allow bool, reason string)

// OrderDecision is the outcome of PlaceOrder.
type OrderDecision struct {
	Accepted     bool
	Reason       coreerrors.Reason
	Message      string
	VenueOrderID uint64
}

// CancelResult is the outcome of CancelOrder.
type CancelResult struct {
	Found bool
	// Reason is left empty by CancelOrder: an unknown order, or one that has
	// already reached a terminal status, is reported with Found == false.
	Reason string
}

// Ledger owns balances, pending orders, and order-state for one account.
// All mutation happens through PlaceOrder/CancelOrder/ApplyFill, which the
// engine only ever calls from the event loop — so Ledger itself does not
// need internal locking beyond what's required for concurrent read-only
// snapshot access from other goroutines (e.g. the gateway).
type Ledger struct {
	mu sync.RWMutex

	balances  map[string]*types.Balance      // asset -> balance
	pending   map[string]*types.PendingOrder // coid -> pending order
	states    map[string]*types.OrderState   // coid -> order state
	orderIDs  map[string]uint64              // coid -> venue order id, kept after terminal for idempotent re-cancel
	positions map[types.SymbolId]*types.Position

	costBasis map[types.SymbolId]types.CostBasisMethod
	lots      map[types.SymbolId][]lot // open cost lots, oldest first, for FIFO symbols

	nextVenueOrderID func() uint64

	// slippage estimate applied to market-order reservation, e.g. 0.005 = 0.5%.
	marketSlippage decimal.Decimal
}

// lot is one open cost-basis parcel for FIFO realized-PnL accounting.
type lot struct {
	Qty   decimal.Decimal
	Price decimal.Decimal
}

// New constructs an empty ledger seeded with the given opening balances.
func New(nextVenueOrderID func() uint64, marketSlippage decimal.Decimal, openingBalances []types.Balance) *Ledger {
	l := &Ledger{
		balances:         make(map[string]*types.Balance),
		pending:          make(map[string]*types.PendingOrder),
		states:           make(map[string]*types.OrderState),
		orderIDs:         make(map[string]uint64),
		positions:        make(map[types.SymbolId]*types.Position),
		costBasis:        make(map[types.SymbolId]types.CostBasisMethod),
		lots:             make(map[types.SymbolId][]lot),
		nextVenueOrderID: nextVenueOrderID,
		marketSlippage:   marketSlippage,
	}
	for _, b := range openingBalances {
		bb := b
		l.balances[b.Asset] = &bb
	}
	return l
}

// SetCostBasisMethod configures the cost-basis method used for a symbol's
// Position. Defaults to WeightedAverage if never set.
func (l *Ledger) SetCostBasisMethod(symbol types.SymbolId, method types.CostBasisMethod) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.costBasis[symbol] = method
}

func (l *Ledger) balance(asset string) *types.Balance {
	b, ok := l.balances[asset]
	if !ok {
		b = &types.Balance{Asset: asset, Free: decimal.Zero, Locked: decimal.Zero}
		l.balances[asset] = b
	}
	return b
}

// SplitSymbol splits a symbol like "BTCUSDT" into base="BTC", quote="USDT".
// Production systems carry an explicit instrument table; absent one, the
// common quote-asset suffix set splits canonically.
var knownQuotes = []string{"USDT", "USDC", "BUSD", "USD", "BTC", "ETH"}

func SplitSymbol(symbol types.SymbolId) (base, quote string) {
	s := string(symbol)
	for _, q := range knownQuotes {
		if len(s) > len(q) && s[len(s)-len(q):] == q {
			return s[:len(s)-len(q)], q
		}
	}
	return s, "USDT"
}

// ReservationFor computes the reserved value and reserved asset for a
// request: buy-limit reserves qty*price of quote, sells reserve qty of
// base, market buys reserve an adversely-priced estimate off the last known
// best ask. A market buy with no known ask cannot be reserved and returns
// an error.
func (l *Ledger) ReservationFor(req types.PlaceOrderRequest, bestBid, bestAsk decimal.Decimal) (asset string, value decimal.Decimal, err error) {
	base, quote := SplitSymbol(req.Symbol)

	switch req.Type {
	case types.Limit:
		if req.Side == types.Buy {
			return quote, req.Qty.Mul(*req.Price), nil
		}
		return base, req.Qty, nil
	case types.Market:
		if req.Side == types.Buy {
			if bestAsk.IsZero() {
				return "", decimal.Zero, fmt.Errorf("no reference price for market buy reservation")
			}
			adverse := bestAsk.Mul(decimal.NewFromInt(1).Add(l.marketSlippage))
			return quote, req.Qty.Mul(adverse), nil
		}
		return base, req.Qty, nil
	default:
		return "", decimal.Zero, fmt.Errorf("unknown order type %q", req.Type)
	}
}

// PlaceOrder runs duplicate rejection, reservation computation, the risk
// gate, the balance debit, and pending-order insertion, in that order;
// preTrade is invoked between reservation computation and balance debit.
func (l *Ledger) PlaceOrder(req types.PlaceOrderRequest, nowNs int64, bestBid, bestAsk decimal.Decimal, preTrade PreTradeFunc) OrderDecision {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Step 1: duplicate rejection.
	if _, exists := l.states[req.ClientOrderID]; exists {
		return OrderDecision{Accepted: false, Reason: coreerrors.ReasonDuplicateClientOrder, Message: "client_order_id already used"}
	}

	// Step 2: compute reservation.
	asset, reserved, err := l.ReservationFor(req, bestBid, bestAsk)
	if err != nil {
		return OrderDecision{Accepted: false, Reason: coreerrors.ReasonInsufficientFunds, Message: err.Error()}
	}

	// Step 3: risk gate.
	if preTrade != nil {
		if allow, reason := preTrade(req, reserved); !allow {
			l.recordRejected(req, nowNs, reason)
			return OrderDecision{Accepted: false, Reason: coreerrors.ReasonRiskRejected, Message: reason}
		}
	}

	// Step 4: debit free, credit locked.
	bal := l.balance(asset)
	if bal.Free.LessThan(reserved) {
		l.recordRejected(req, nowNs, "insufficient funds")
		return OrderDecision{Accepted: false, Reason: coreerrors.ReasonInsufficientFunds, Message: fmt.Sprintf("need %s %s, have %s free", reserved, asset, bal.Free)}
	}
	bal.Free = bal.Free.Sub(reserved)
	bal.Locked = bal.Locked.Add(reserved)

	// Step 5: assign venue order id, insert pending, record New state.
	voID := l.nextVenueOrderID()
	po := &types.PendingOrder{
		Request:       req,
		AcceptTsNs:    nowNs,
		ReservedValue: reserved,
		ReservedAsset: asset,
		VenueOrderID:  voID,
	}
	l.pending[req.ClientOrderID] = po
	l.orderIDs[req.ClientOrderID] = voID
	l.states[req.ClientOrderID] = &types.OrderState{
		ClientOrderID: req.ClientOrderID,
		Status:        types.StatusNew,
		ExecutedQty:   decimal.Zero,
		AvgPrice:      decimal.Zero,
		LastTsNs:      nowNs,
		VenueOrderID:  voID,
	}

	return OrderDecision{Accepted: true, VenueOrderID: voID}
}

func (l *Ledger) recordRejected(req types.PlaceOrderRequest, nowNs int64, reason string) {
	l.states[req.ClientOrderID] = &types.OrderState{
		ClientOrderID: req.ClientOrderID,
		Status:        types.StatusRejected,
		ExecutedQty:   decimal.Zero,
		AvgPrice:      decimal.Zero,
		Reason:        reason,
		LastTsNs:      nowNs,
	}
}

// CancelOrder is idempotent: once a coid has reached a terminal state (or
// was never pending), repeated calls return Found=false.
func (l *Ledger) CancelOrder(coid string, nowNs int64) CancelResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	po, ok := l.pending[coid]
	if !ok {
		return CancelResult{Found: false}
	}

	state := l.states[coid]
	if state != nil && state.Status.IsTerminal() {
		return CancelResult{Found: false}
	}

	// Release reservation.
	bal := l.balance(po.ReservedAsset)
	bal.Locked = bal.Locked.Sub(po.ReservedValue)
	bal.Free = bal.Free.Add(po.ReservedValue)

	delete(l.pending, coid)
	if state != nil {
		state.Status = types.StatusCanceled
		state.LastTsNs = nowNs
	}
	return CancelResult{Found: true}
}

// ApplyFill processes an execution against a pending order: proportional
// reservation release, balance movement across both sides of the trade,
// running weighted-average fill price, and status transition to
// PartiallyFilled or Filled.
func (l *Ledger) ApplyFill(coid string, fillPrice, fillQty decimal.Decimal, nowNs int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	po, ok := l.pending[coid]
	if !ok {
		return fmt.Errorf("apply_fill: %s not pending", coid)
	}
	state := l.states[coid]
	if state == nil {
		return fmt.Errorf("apply_fill: %s has no order state", coid)
	}

	req := po.Request
	base, quote := SplitSymbol(req.Symbol)

	// Reservation share consumed by this fill, proportional to the quantity
	// still outstanding. The share, not the fill notional, is what was moved
	// to locked at acceptance, so the share is what leaves locked here; the
	// gap between share and actual notional settles against free. This is
	// how a worst-case market-buy reservation unwinds: the over-reserved
	// part returns to free instead of stranding in locked.
	remaining := req.Qty.Sub(state.ExecutedQty)
	share := po.ReservedValue
	if remaining.IsPositive() && fillQty.LessThan(remaining) {
		share = po.ReservedValue.Mul(fillQty).Div(remaining)
	}
	if share.GreaterThan(po.ReservedValue) {
		share = po.ReservedValue
	}

	if req.Side == types.Buy {
		notional := fillPrice.Mul(fillQty)
		quoteBal := l.balance(quote)
		quoteBal.Locked = quoteBal.Locked.Sub(share)
		if share.GreaterThan(notional) {
			quoteBal.Free = quoteBal.Free.Add(share.Sub(notional))
		} else if notional.GreaterThan(share) {
			quoteBal.Free = quoteBal.Free.Sub(notional.Sub(share))
		}
		l.balance(base).Free = l.balance(base).Free.Add(fillQty)
	} else {
		baseBal := l.balance(base)
		baseBal.Locked = baseBal.Locked.Sub(share)
		l.balance(quote).Free = l.balance(quote).Free.Add(fillPrice.Mul(fillQty))
	}
	po.ReservedValue = po.ReservedValue.Sub(share)

	// Running weighted-average price.
	prevQty := state.ExecutedQty
	prevAvg := state.AvgPrice
	newQty := prevQty.Add(fillQty)
	if newQty.IsPositive() {
		state.AvgPrice = prevAvg.Mul(prevQty).Add(fillPrice.Mul(fillQty)).Div(newQty)
	}
	state.ExecutedQty = newQty
	state.LastTsNs = nowNs

	if state.ExecutedQty.GreaterThanOrEqual(req.Qty) {
		state.Status = types.StatusFilled
		// Release any reservation dust left by share division rounding, so
		// nothing stays locked once the order leaves the pending map.
		if po.ReservedValue.IsPositive() {
			bal := l.balance(po.ReservedAsset)
			bal.Locked = bal.Locked.Sub(po.ReservedValue)
			bal.Free = bal.Free.Add(po.ReservedValue)
		}
		delete(l.pending, coid)
	} else {
		state.Status = types.StatusPartiallyFilled
	}

	l.applyPositionFill(req, fillPrice, fillQty)
	return nil
}

func (l *Ledger) applyPositionFill(req types.PlaceOrderRequest, fillPrice, fillQty decimal.Decimal) {
	pos, ok := l.positions[req.Symbol]
	if !ok {
		pos = &types.Position{Symbol: req.Symbol}
		l.positions[req.Symbol] = pos
	}
	signedQty := fillQty
	if req.Side == types.Sell {
		signedQty = fillQty.Neg()
	}

	switch {
	case pos.Size.IsZero() || sameSign(pos.Size, signedQty):
		// Increasing (or opening) a position: weighted-average entry.
		totalCost := pos.AvgPrice.Mul(pos.Size.Abs()).Add(fillPrice.Mul(fillQty))
		newSize := pos.Size.Add(signedQty)
		if !newSize.IsZero() {
			pos.AvgPrice = totalCost.Div(newSize.Abs())
		}
		pos.Size = newSize
		l.lots[req.Symbol] = append(l.lots[req.Symbol], lot{Qty: fillQty, Price: fillPrice})
	default:
		// Reducing (or flipping) a position: realize PnL on the closed
		// portion, against the average entry price or oldest-lot-first
		// depending on the symbol's configured cost basis.
		closingQty := decimal.Min(fillQty, pos.Size.Abs())
		if l.costBasis[req.Symbol] == types.FIFO {
			pos.RealizedPnL = pos.RealizedPnL.Add(l.consumeLots(req.Symbol, closingQty, fillPrice, pos.Size.IsPositive()))
		} else {
			var pnlPerUnit decimal.Decimal
			if pos.Size.IsPositive() {
				pnlPerUnit = fillPrice.Sub(pos.AvgPrice)
			} else {
				pnlPerUnit = pos.AvgPrice.Sub(fillPrice)
			}
			pos.RealizedPnL = pos.RealizedPnL.Add(pnlPerUnit.Mul(closingQty))
			l.consumeLots(req.Symbol, closingQty, fillPrice, pos.Size.IsPositive())
		}
		pos.Size = pos.Size.Add(signedQty)
		if fillQty.GreaterThan(closingQty) {
			// Flipped through zero: the remainder opens a new position
			// at the fill price.
			remainder := fillQty.Sub(closingQty)
			pos.AvgPrice = fillPrice
			if req.Side == types.Sell {
				pos.Size = remainder.Neg()
			} else {
				pos.Size = remainder
			}
			l.lots[req.Symbol] = []lot{{Qty: remainder, Price: fillPrice}}
		}
	}
}

// consumeLots pops cost lots oldest-first for a closing fill and returns the
// FIFO-realized PnL of the closed quantity. It is also called for
// weighted-average symbols (return value discarded) so the lot queue stays
// aligned with the open position either way.
func (l *Ledger) consumeLots(symbol types.SymbolId, closingQty, fillPrice decimal.Decimal, longPosition bool) decimal.Decimal {
	lots := l.lots[symbol]
	realized := decimal.Zero
	remaining := closingQty
	for remaining.IsPositive() && len(lots) > 0 {
		take := decimal.Min(lots[0].Qty, remaining)
		var pnlPerUnit decimal.Decimal
		if longPosition {
			pnlPerUnit = fillPrice.Sub(lots[0].Price)
		} else {
			pnlPerUnit = lots[0].Price.Sub(fillPrice)
		}
		realized = realized.Add(pnlPerUnit.Mul(take))
		lots[0].Qty = lots[0].Qty.Sub(take)
		remaining = remaining.Sub(take)
		if !lots[0].Qty.IsPositive() {
			lots = lots[1:]
		}
	}
	l.lots[symbol] = lots
	return realized
}

func sameSign(a, b decimal.Decimal) bool {
	return (a.IsPositive() && b.IsPositive()) || (a.IsNegative() && b.IsNegative())
}

// DebitFee subtracts a venue fee from an asset's free balance. Fees settle
// out of free funds after the fill's principal has moved, so the
// reservation invariant over locked funds is untouched.
func (l *Ledger) DebitFee(asset string, amount decimal.Decimal) {
	if !amount.IsPositive() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	bal := l.balance(asset)
	bal.Free = bal.Free.Sub(amount)
}

// CollectDueFills returns pending orders whose simulated due-fill timestamp
// has elapsed, for the simulated venue's timer-driven fill scheduling.
func (l *Ledger) CollectDueFills(nowNs int64) []types.PendingOrder {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var due []types.PendingOrder
	for _, po := range l.pending {
		if po.DueFillTsNs != 0 && po.DueFillTsNs <= nowNs {
			due = append(due, *po)
		}
	}
	return due
}

// SetDueFillTs records when a pending order (simulated venue) is scheduled
// to fill.
func (l *Ledger) SetDueFillTs(coid string, dueNs int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if po, ok := l.pending[coid]; ok {
		po.DueFillTsNs = dueNs
	}
}

// GetOrderState returns the current lifecycle record for a coid.
func (l *Ledger) GetOrderState(coid string) (types.OrderState, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.states[coid]
	if !ok {
		return types.OrderState{}, false
	}
	return *s, true
}

// GetPendingOrder returns the pending record for a coid, if still open.
func (l *Ledger) GetPendingOrder(coid string) (types.PendingOrder, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	po, ok := l.pending[coid]
	if !ok {
		return types.PendingOrder{}, false
	}
	return *po, true
}

// SnapshotBalances returns a stable copy of all balances, sorted is not
// guaranteed — callers that need deterministic ordering (persistence) sort
// by asset.
func (l *Ledger) SnapshotBalances() []types.Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.Balance, 0, len(l.balances))
	for _, b := range l.balances {
		out = append(out, *b)
	}
	return out
}

// SnapshotPending returns a stable copy of all pending orders.
func (l *Ledger) SnapshotPending() []types.PendingOrder {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.PendingOrder, 0, len(l.pending))
	for _, po := range l.pending {
		out = append(out, *po)
	}
	return out
}

// Positions returns a copy of every derived position.
func (l *Ledger) Positions() []types.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]types.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	return out
}

// Position returns the current derived position for a symbol.
func (l *Ledger) Position(symbol types.SymbolId) (types.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[symbol]
	if !ok {
		return types.Position{}, false
	}
	return *p, true
}

// Restore rehydrates balances and pending orders from a snapshot.
// Reservations are rebuilt from the pending orders themselves rather than a
// separate ledger, so the free/locked invariant holds without
// double-bookkeeping.
func (l *Ledger) Restore(balances []types.Balance, pending []types.PendingOrder) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.balances = make(map[string]*types.Balance, len(balances))
	for _, b := range balances {
		bb := b
		l.balances[b.Asset] = &bb
	}

	l.pending = make(map[string]*types.PendingOrder, len(pending))
	l.states = make(map[string]*types.OrderState, len(pending))
	l.orderIDs = make(map[string]uint64, len(pending))
	for _, po := range pending {
		p := po
		l.pending[po.Request.ClientOrderID] = &p
		l.orderIDs[po.Request.ClientOrderID] = po.VenueOrderID
		l.states[po.Request.ClientOrderID] = &types.OrderState{
			ClientOrderID: po.Request.ClientOrderID,
			Status:        types.StatusNew,
			ExecutedQty:   decimal.Zero,
			AvgPrice:      decimal.Zero,
			LastTsNs:      po.AcceptTsNs,
			VenueOrderID:  po.VenueOrderID,
		}
	}
}
