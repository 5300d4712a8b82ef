package main

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/tradecore/engine/internal/account"
	"github.com/tradecore/engine/internal/clock"
	"github.com/tradecore/engine/internal/coreerrors"
	"github.com/tradecore/engine/internal/gateway"
	"github.com/tradecore/engine/internal/loop"
	"github.com/tradecore/engine/internal/orderbook"
	"github.com/tradecore/engine/internal/strategy"
	"github.com/tradecore/engine/internal/venue"
	"github.com/tradecore/engine/pkg/types"
)

// strategyGateway adapts the shared ledger/risk/venue set into the narrow
// strategy.OrderGateway surface for one (venue, symbol) pair, so a Maker
// never imports account, risk, or venue directly. Both strategy signals and
// stdio ORDER commands route through place, which is the single emission
// point for order lifecycle records.
type strategyGateway struct {
	app   *App
	venue venue.Venue
	book  *orderbook.Book
}

// place runs one order through validation, the risk-gated ledger, and the
// venue, emitting exactly one lifecycle record per outcome: order_update{New}
// on acceptance, order_update{Rejected, reason} for risk/funds rejections,
// and an error record for duplicates and malformed requests (which never
// create order state).
func (g *strategyGateway) place(req types.PlaceOrderRequest) account.OrderDecision {
	a := g.app
	now := a.clk.NowNs()

	if !clock.ValidClientOrderID(req.ClientOrderID) {
		a.emit.Error(now, fmt.Sprintf("%s: invalid client_order_id %q", coreerrors.ReasonParseError, req.ClientOrderID))
		return account.OrderDecision{Reason: coreerrors.ReasonParseError, Message: "invalid client_order_id"}
	}
	if err := req.Validate(); err != nil {
		a.emit.Error(now, fmt.Sprintf("%s: %v", coreerrors.ReasonParseError, err))
		return account.OrderDecision{Reason: coreerrors.ReasonParseError, Message: err.Error()}
	}
	if g.venue == nil {
		a.emit.Error(now, fmt.Sprintf("venue %s is not configured", req.Venue))
		return account.OrderDecision{Reason: coreerrors.ReasonVenueErrorPermanent, Message: "venue not configured"}
	}

	bidF, askF, _ := g.book.BestBidAsk()
	bid, ask := decimal.NewFromFloat(bidF), decimal.NewFromFloat(askF)

	preTrade := a.risk.AsPreTradeFunc(a.ledger, g.book)
	decision := a.ledger.PlaceOrder(req, now, bid, ask, preTrade)

	var price decimal.Decimal
	if req.Price != nil {
		price = *req.Price
	}

	switch {
	case decision.Accepted:
		atomic.AddUint64(&a.mutations, 1)
		a.emit.OrderUpdate(now, req.ClientOrderID, types.StatusNew, req.Symbol, req.Side, req.Qty, price, decision.VenueOrderID, "")
		go g.submitToVenue(req)
	case decision.Reason == coreerrors.ReasonDuplicateClientOrder:
		a.emit.Error(now, coreerrors.New(decision.Reason, decision.Message).Error())
	default:
		a.emit.OrderUpdate(now, req.ClientOrderID, types.StatusRejected, req.Symbol, req.Side, req.Qty, price, 0, string(decision.Reason))
	}
	return decision
}

// PlaceOrder implements strategy.OrderGateway.
func (g *strategyGateway) PlaceOrder(req types.PlaceOrderRequest) (bool, string) {
	decision := g.place(req)
	if decision.Accepted {
		return true, ""
	}
	msg := decision.Message
	if decision.Reason != "" {
		msg = fmt.Sprintf("%s: %s", decision.Reason, msg)
	}
	return false, msg
}

// CancelOrder releases the reservation and emits order_update{Canceled} on
// the first successful cancel; repeats report not-found without emitting.
func (g *strategyGateway) CancelOrder(coid string) bool {
	a := g.app
	now := a.clk.NowNs()

	po, _ := a.ledger.GetPendingOrder(coid)
	result := a.ledger.CancelOrder(coid, now)
	if !result.Found {
		return false
	}
	atomic.AddUint64(&a.mutations, 1)
	a.emit.OrderUpdate(now, coid, types.StatusCanceled, po.Request.Symbol, po.Request.Side, decimal.Zero, decimal.Zero, po.VenueOrderID, "")

	if g.venue != nil {
		go func() {
			ctx, cancel := context.WithTimeout(a.runCtx(), venue.Deadline)
			defer cancel()
			if _, err := g.venue.Cancel(ctx, coid); err != nil {
				a.risk.RecordVenueError()
			} else {
				a.risk.RecordVenueSuccess()
			}
		}()
	}
	return true
}

func (g *strategyGateway) Position(symbol types.SymbolId) (types.Position, bool) {
	return g.app.ledger.Position(symbol)
}

// submitToVenue dispatches an accepted order to its venue off the loop. For
// the simulated venue it schedules the due fill; for live venues an
// immediately-reported execution is posted back onto the loop as a user
// event so settlement stays serialized. Later fills arrive over the venue's
// user stream through the same path.
func (g *strategyGateway) submitToVenue(req types.PlaceOrderRequest) {
	a := g.app
	ctx, cancel := context.WithTimeout(a.runCtx(), venue.Deadline)
	defer cancel()

	report, err := g.venue.Place(ctx, req)
	if err != nil {
		a.risk.RecordVenueError()
		reason := coreerrors.ReasonVenueErrorTransient
		if errors.Is(err, context.DeadlineExceeded) {
			reason = coreerrors.ReasonVenueTimeout
		}
		a.emit.Error(a.clk.NowNs(), fmt.Sprintf("%s: place %s: %v", reason, req.ClientOrderID, err))
		return
	}
	a.risk.RecordVenueSuccess()

	if sim, ok := g.venue.(*venue.Simulated); ok {
		a.ledger.SetDueFillTs(req.ClientOrderID, sim.DueFillTsNs(a.clk.NowNs()))
		return
	}

	if report.ExecutedQty.IsPositive() {
		ue := venue.UserEvent{
			Type: "fill", ClientOrderID: req.ClientOrderID, Symbol: req.Symbol,
			FillPrice: report.AvgPrice, FillQty: report.ExecutedQty, Status: report.Status,
		}
		if err := a.loop.Post(ue, loop.High, nil); err != nil {
			a.emit.Error(a.clk.NowNs(), fmt.Sprintf("fill for %s dropped: %v", req.ClientOrderID, err))
		}
	}
}

// statusProvider implements gateway.EngineStatusProvider over the running
// App.
type statusProvider struct {
	app *App
}

func (p *statusProvider) Status() gateway.StatusSnapshot {
	a := p.app

	counts := map[string]int{}
	for _, st := range a.registry.List() {
		counts[string(st)]++
	}

	venues := make([]types.Venue, 0, len(a.venues))
	for v := range a.venues {
		venues = append(venues, v)
	}

	realized := decimal.Zero
	positions := a.ledger.Positions()
	symbols := make([]types.SymbolId, 0, len(positions))
	for _, pos := range positions {
		realized = realized.Add(pos.RealizedPnL)
		symbols = append(symbols, pos.Symbol)
	}

	return gateway.StatusSnapshot{
		Mode:             a.cfg.Mode,
		DryRun:           a.cfg.DryRun,
		UptimeSeconds:    float64(a.clk.NowNs()-a.startNs) / 1e9,
		BreakerState:     a.risk.BreakerState().String(),
		StrategyCounts:   counts,
		ActiveVenues:     venues,
		ActiveSymbols:    symbols,
		TotalRealizedPnL: realized.String(),
	}
}

func (p *statusProvider) Health() gateway.HealthSnapshot {
	a := p.app
	states := make(map[types.Venue]string, len(a.venues))
	for v := range a.venues {
		states[v] = a.mdMgr.ConnState(v).String()
	}
	return gateway.HealthSnapshot{
		OK:              !a.loop.FailStopped(),
		TimestampUnixNs: a.clk.NowNs(),
		VenueStates:     states,
		FailStopped:     a.loop.FailStopped(),
	}
}

func (p *statusProvider) Start() error {
	for id := range p.app.registry.List() {
		_ = p.app.registry.Start(id)
	}
	p.app.risk.ResetBreaker()
	return nil
}

func (p *statusProvider) Stop() error {
	for id := range p.app.registry.List() {
		_ = p.app.registry.Stop(id)
	}
	return nil
}

func (p *statusProvider) ListStrategies() map[string]strategy.Status {
	return p.app.registry.List()
}

func (p *statusProvider) GetStrategy(id string) (gateway.StrategyDetail, bool) {
	status, err := p.app.registry.Status(id)
	if err != nil {
		return gateway.StrategyDetail{}, false
	}
	return gateway.StrategyDetail{ID: id, Status: status}, true
}

func (p *statusProvider) StartStrategy(id string) error {
	return p.app.registry.Start(id)
}

func (p *statusProvider) StopStrategy(id string) error {
	return p.app.registry.Stop(id)
}

func (p *statusProvider) Events() <-chan gateway.Response {
	return p.app.events
}
