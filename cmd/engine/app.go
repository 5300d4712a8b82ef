package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecore/engine/internal/account"
	"github.com/tradecore/engine/internal/clock"
	"github.com/tradecore/engine/internal/command"
	"github.com/tradecore/engine/internal/config"
	"github.com/tradecore/engine/internal/coreerrors"
	"github.com/tradecore/engine/internal/emitter"
	"github.com/tradecore/engine/internal/gateway"
	"github.com/tradecore/engine/internal/loop"
	"github.com/tradecore/engine/internal/marketdata"
	"github.com/tradecore/engine/internal/persistence"
	"github.com/tradecore/engine/internal/risk"
	"github.com/tradecore/engine/internal/strategy"
	"github.com/tradecore/engine/internal/venue"
	"github.com/tradecore/engine/pkg/types"
)

const defaultTickSize = 0.01

// strategyMeta is what the engine persists per loaded strategy so a warm
// restart can rehydrate the registry.
type strategyMeta struct {
	Venue  types.Venue     `json:"venue"`
	Symbol types.SymbolId  `json:"symbol"`
	Status strategy.Status `json:"status"`
}

// App wires every module of the engine core into one running process:
// clock, event loop, market data manager with its venue adapters, account
// ledger, risk engine, venue set, strategy registry, persistence store, and
// event emitter. The command stream and the gateway both drive the same
// wiring; nothing mutates engine state except through the loop.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	clk      clock.Clock
	loop     *loop.Loop
	mdMgr    *marketdata.Manager
	ledger   *account.Ledger
	risk     *risk.Engine
	venues   map[types.Venue]venue.Venue
	adapters map[types.Venue]*marketdata.WSAdapter
	registry *strategy.Registry
	store    *persistence.Store
	emit     *emitter.Emitter

	gatewaySrv *gateway.Server
	events     chan gateway.Response

	defaultVenue types.Venue
	startNs      int64

	mu           sync.Mutex
	gateways     map[string]*strategyGateway
	lastPrice    map[types.SymbolId]decimal.Decimal
	strategyMeta map[string]strategyMeta

	snapSeq   uint64 // atomic; sequence_num of the next snapshot
	mutations uint64 // atomic; counts order placements, cancels, and fills

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewApp constructs every component from cfg and restores the most recent
// valid snapshot, but starts nothing; call Run. A snapshot directory whose
// files all fail checksum verification returns persistence.ErrNoValidSnapshot
// so the shell can refuse to start rather than silently cold-start over
// corrupt state.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	clk := clock.NewSystem(0)
	mdMgr := marketdata.NewManager(defaultTickSize, cfg.MarketData.StaleBookReplayCap)

	venues := make(map[types.Venue]venue.Venue, len(cfg.Venues))
	adapters := make(map[types.Venue]*marketdata.WSAdapter, len(cfg.Venues))
	defaultVenue := types.VenueSimulated

	for i, vc := range cfg.Venues {
		v, err := buildVenue(vc, clk, mdMgr, logger)
		if err != nil {
			return nil, fmt.Errorf("build venue %s: %w", vc.Name, err)
		}
		venues[v.Name()] = v
		if i == 0 {
			defaultVenue = v.Name()
		}

		if v.Name() != types.VenueSimulated {
			adapters[v.Name()] = marketdata.NewWSAdapter(marketdata.WSAdapterConfig{
				Venue:              v.Name(),
				WSURL:              vc.WSMarketURL,
				RESTBaseURL:        vc.RESTBaseURL,
				Timeout:            vc.Timeout,
				ReconnectBaseDelay: cfg.MarketData.ReconnectBaseDelay,
				ReconnectMaxDelay:  cfg.MarketData.ReconnectMaxDelay,
			}, mdMgr, clk.NowNs, logger)
		}
	}

	ledger := account.New(clk.NextVenueOrderID, decimal.NewFromFloat(0.001), nil)
	riskEngine := risk.NewEngine(cfg.Risk, logger)

	store, err := persistence.Open(cfg.Snapshot.Dir, cfg.Snapshot.MaxSnapshots)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	app := &App{
		cfg:          cfg,
		logger:       logger,
		clk:          clk,
		loop:         loop.New(logger, 0),
		mdMgr:        mdMgr,
		ledger:       ledger,
		risk:         riskEngine,
		venues:       venues,
		adapters:     adapters,
		registry:     strategy.NewRegistry(),
		store:        store,
		emit:         emitter.New(os.Stdout),
		events:       make(chan gateway.Response, 256),
		defaultVenue: defaultVenue,
		startNs:      clk.NowNs(),
		gateways:     make(map[string]*strategyGateway),
		lastPrice:    make(map[types.SymbolId]decimal.Decimal),
		strategyMeta: make(map[string]strategyMeta),
	}
	mdMgr.Emit = func(ev types.MarketEvent) {
		tags := map[string]string{"venue": string(ev.Venue), "symbol": string(ev.Symbol)}
		if err := app.loop.Post(ev, loop.Normal, tags); err != nil {
			logger.Warn("market event dropped", "error", err)
		}
	}
	app.registerLoopHandlers()

	if cfg.Gateway.Enabled || cfg.Mode == "service" {
		app.gatewaySrv = gateway.NewServer(cfg.Gateway, &statusProvider{app: app}, logger)
	}

	snap, ok, err := store.Restore()
	if err != nil {
		return nil, fmt.Errorf("restore snapshot: %w", err)
	}
	if ok {
		app.restoreSnapshot(snap)
	}

	return app, nil
}

// tickSignal and dueFillSignal are zero-payload events posted by the shell's
// timers; the loop serializes their handling against every other posted
// event (commands, market data) so strategy ticks and fill settlement never
// race a concurrently-dispatched order command.
type tickSignal struct{}
type dueFillSignal struct{}

// reconcileResult carries a venue's authoritative open-order list, fetched
// off-loop, back onto the loop for diffing against local state.
type reconcileResult struct {
	venue  types.Venue
	orders []venue.ExecutionReport
}

// registerLoopHandlers wires every event producer (command stream, market
// data manager, venue user streams, timers) into the loop's single dispatch
// surface, so any mutation of engine state is performed by exactly one
// logical thread of execution at a time. Registration happens once, during
// construction, never after Run.
func (a *App) registerLoopHandlers() {
	a.loop.RegisterHandler(func(ev loop.Event) bool {
		_, ok := ev.Payload.(types.MarketEvent)
		return ok
	}, func(ev loop.Event) {
		a.handleMarketEvent(ev.Payload.(types.MarketEvent))
	})

	a.loop.RegisterHandler(func(ev loop.Event) bool {
		_, ok := ev.Payload.(command.Command)
		return ok
	}, func(ev loop.Event) {
		a.dispatch(ev.Payload.(command.Command))
	})

	a.loop.RegisterHandler(func(ev loop.Event) bool {
		_, ok := ev.Payload.(venue.UserEvent)
		return ok
	}, func(ev loop.Event) {
		a.handleUserEvent(ev.Payload.(venue.UserEvent))
	})

	a.loop.RegisterHandler(func(ev loop.Event) bool {
		_, ok := ev.Payload.(tickSignal)
		return ok
	}, func(loop.Event) {
		a.registry.Tick()
	})

	a.loop.RegisterHandler(func(ev loop.Event) bool {
		_, ok := ev.Payload.(dueFillSignal)
		return ok
	}, func(loop.Event) {
		a.processDueFills()
	})

	a.loop.RegisterHandler(func(ev loop.Event) bool {
		_, ok := ev.Payload.(reconcileResult)
		return ok
	}, func(ev loop.Event) {
		a.handleReconcileResult(ev.Payload.(reconcileResult))
	})
}

// drainLoopErrors logs handler panics/fail-stop transitions surfaced on the
// loop's error channel; it never itself stops the loop.
func (a *App) drainLoopErrors() {
	for he := range a.loop.ErrCh() {
		a.logger.Error("loop handler error", "error", he.Err)
		if a.loop.FailStopped() {
			a.emit.Error(a.clk.NowNs(), "engine entered fail-stop: "+he.Err.Error())
		}
	}
}

func buildVenue(vc config.VenueConfig, clk clock.Clock, mdMgr *marketdata.Manager, logger *slog.Logger) (venue.Venue, error) {
	name := types.Venue(strings.ToUpper(vc.Name))
	if name == types.VenueSimulated {
		latency := vc.SimLatency
		if latency <= 0 {
			latency = 200 * time.Millisecond
		}
		slip := vc.SimSlippage
		if slip <= 0 {
			slip = 0.0005
		}
		books := simulatedBookSource{mdMgr: mdMgr}
		return venue.NewSimulated(clk, books, int64(latency), decimal.NewFromFloat(vc.SimFeeBps), decimal.NewFromFloat(slip)), nil
	}
	if !name.Valid() {
		return nil, fmt.Errorf("unknown venue %q", vc.Name)
	}
	return venue.NewLive(venue.LiveConfig{
		Venue:       name,
		RESTBaseURL: vc.RESTBaseURL,
		WSUserURL:   vc.WSUserURL,
		APIKey:      vc.APIKey,
		APISecret:   vc.APISecret,
		Timeout:     vc.Timeout,
	}, logger), nil
}

// simulatedBookSource adapts the market data manager's lazily-created books
// to venue.BookSource, so the Simulated venue can fill against whatever
// symbol a strategy happens to be quoting without the engine shell tracking
// a separate book registry.
type simulatedBookSource struct {
	mdMgr *marketdata.Manager
}

func (s simulatedBookSource) BestBidAsk(symbol types.SymbolId) (bid, ask float64, ok bool) {
	return s.mdMgr.Book(types.VenueSimulated, symbol).BestBidAsk()
}

// Run starts every background goroutine (market data adapters, venue user
// streams, strategy ticker, due-fill collector, snapshot scheduler, optional
// gateway) and blocks reading commands from in until ctx is cancelled.
func (a *App) Run(ctx context.Context, in commandSource) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.loop.Run()
	}()
	go a.drainLoopErrors()

	for v, adapter := range a.adapters {
		a.wg.Add(1)
		go func(v types.Venue, ad *marketdata.WSAdapter) {
			defer a.wg.Done()
			if err := ad.Run(a.ctx); err != nil && a.ctx.Err() == nil {
				a.logger.Error("market data adapter exited", "venue", v, "error", err)
			}
		}(v, adapter)
	}

	for name, v := range a.venues {
		a.wg.Add(1)
		go func(name types.Venue, v venue.Venue) {
			defer a.wg.Done()
			a.drainUserEvents(name, v)
		}(name, v)

		if lv, ok := v.(*venue.Live); ok {
			a.wg.Add(1)
			go func(lv *venue.Live) {
				defer a.wg.Done()
				if err := lv.RunUserStream(a.ctx); err != nil && a.ctx.Err() == nil {
					a.logger.Error("user stream exited", "error", err)
				}
			}(lv)
		}
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.tickerLoop()
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.dueFillLoop()
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.snapshotLoop()
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.reconcileLoop()
	}()

	if a.gatewaySrv != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.gatewaySrv.Start(); err != nil {
				a.logger.Error("gateway server exited", "error", err)
			}
		}()
	}

	return a.commandLoop(in)
}

// drainUserEvents forwards one venue's user-stream pushes onto the loop at
// High priority, so fills settle ahead of queued market-data traffic.
func (a *App) drainUserEvents(name types.Venue, v venue.Venue) {
	for {
		select {
		case <-a.ctx.Done():
			return
		case ue := <-v.UserEvents():
			tags := map[string]string{"venue": string(name)}
			if err := a.loop.Post(ue, loop.High, tags); err != nil {
				a.logger.Warn("user event dropped", "venue", name, "error", err)
			}
		}
	}
}

// runCtx returns the run-scoped context once Run has started, so venue
// requests launched by command dispatch are cancelled by shutdown.
func (a *App) runCtx() context.Context {
	if a.ctx != nil {
		return a.ctx
	}
	return context.Background()
}

func (a *App) tickerLoop() {
	interval := a.cfg.Strategy.RefreshInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if err := a.loop.Post(tickSignal{}, loop.Normal, nil); err != nil {
				a.logger.Warn("strategy tick dropped", "error", err)
			}
		}
	}
}

// dueFillLoop posts a dueFillSignal on a fixed cadence; the loop's handler
// (processDueFills) does the actual settlement work so it is serialized
// against every other posted event instead of racing order commands on its
// own goroutine.
func (a *App) dueFillLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if err := a.loop.Post(dueFillSignal{}, loop.Normal, nil); err != nil {
				a.logger.Warn("due-fill tick dropped", "error", err)
			}
		}
	}
}

// processDueFills asks the simulated venue to emit a fill for every pending
// order whose scheduled fill time has elapsed. The fill itself arrives back
// through the venue's user-event stream and is applied by handleUserEvent,
// the same path a live venue's fills take. Invoked only from the loop's
// dueFillSignal handler.
func (a *App) processDueFills() {
	now := a.clk.NowNs()
	for _, po := range a.ledger.CollectDueFills(now) {
		sim, ok := a.venues[po.Request.Venue].(*venue.Simulated)
		if !ok {
			continue
		}
		a.ledger.SetDueFillTs(po.Request.ClientOrderID, 0) // consume the schedule
		if err := sim.EmitFill(po.Request.ClientOrderID, now); err != nil {
			a.emit.Error(now, fmt.Sprintf("simulated fill for %s failed: %v", po.Request.ClientOrderID, err))
		}
	}
}

// handleUserEvent settles a venue push: fills flow into the ledger (emitting
// fill + order_update records), lifecycle pushes are surfaced directly.
func (a *App) handleUserEvent(ue venue.UserEvent) {
	switch ue.Type {
	case "fill":
		a.applyFill(ue.ClientOrderID, ue.FillPrice, ue.FillQty)
	case "order_update":
		a.emit.OrderUpdate(a.clk.NowNs(), ue.ClientOrderID, ue.Status, ue.Symbol, "", decimal.Zero, decimal.Zero, 0, "")
	}
}

// applyFill runs one execution through the ledger and emits the fill record
// followed by the resulting order_update, feeds realized PnL into the risk
// engine's loss window, settles the simulated venue's fee, and notifies the
// owning strategy.
func (a *App) applyFill(coid string, price, qty decimal.Decimal) {
	now := a.clk.NowNs()
	po, ok := a.ledger.GetPendingOrder(coid)
	if !ok {
		a.emit.Error(now, fmt.Sprintf("fill for unknown order %s", coid))
		return
	}
	symbol := po.Request.Symbol
	prevPos, _ := a.ledger.Position(symbol)

	if err := a.ledger.ApplyFill(coid, price, qty, now); err != nil {
		a.emit.Error(now, err.Error())
		return
	}
	atomic.AddUint64(&a.mutations, 1)

	a.emit.Fill(now, coid, symbol, qty, price)
	state, _ := a.ledger.GetOrderState(coid)
	a.emit.OrderUpdate(now, coid, state.Status, symbol, po.Request.Side, state.ExecutedQty, state.AvgPrice, state.VenueOrderID, "")

	if sim, ok := a.venues[po.Request.Venue].(*venue.Simulated); ok {
		if fee := sim.Fee(price.Mul(qty)); fee.IsPositive() {
			_, quote := account.SplitSymbol(symbol)
			a.ledger.DebitFee(quote, fee)
		}
	}

	pos, _ := a.ledger.Position(symbol)
	if delta := pos.RealizedPnL.Sub(prevPos.RealizedPnL); !delta.IsZero() {
		a.risk.RecordPnL(delta, time.Unix(0, now))
	}
	a.risk.SetEquity(a.markToMarketEquity())

	if sid := po.Request.StrategyID; sid != "" {
		if inst, ok := a.registry.Instance(sid); ok {
			if obs, ok := inst.(strategy.FillObserver); ok {
				pf, _ := price.Float64()
				qf, _ := qty.Float64()
				obs.OnFill(po.Request.Side, pf, qf, now)
			}
		}
	}
}

// reconcileLoop periodically lists each live venue's open orders off-loop
// and posts the result back for diffing, so the diff-and-correct step runs
// serialized with every other state mutation.
func (a *App) reconcileLoop() {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			for name, v := range a.venues {
				rec, ok := v.(venue.Reconciler)
				if !ok {
					continue
				}
				ctx, cancel := context.WithTimeout(a.ctx, venue.Deadline)
				orders, err := rec.OpenOrders(ctx)
				cancel()
				if err != nil {
					a.risk.RecordVenueError()
					a.logger.Warn("reconciliation fetch failed", "venue", name, "error", err)
					continue
				}
				a.risk.RecordVenueSuccess()
				if err := a.loop.Post(reconcileResult{venue: name, orders: orders}, loop.Normal, nil); err != nil {
					a.logger.Warn("reconcile result dropped", "venue", name, "error", err)
				}
			}
		}
	}
}

// handleReconcileResult diffs the venue's authoritative open-order list
// against local pending state. The venue wins for orders: a locally-open
// order the venue no longer knows is canceled locally, releasing its
// reservation. Runs on the loop.
func (a *App) handleReconcileResult(res reconcileResult) {
	now := a.clk.NowNs()
	local := make(map[string]types.OrderState)
	for _, po := range a.ledger.SnapshotPending() {
		if po.Request.Venue != res.venue {
			continue
		}
		if st, ok := a.ledger.GetOrderState(po.Request.ClientOrderID); ok {
			local[po.Request.ClientOrderID] = st
		}
	}

	for _, div := range venue.Reconcile(res.orders, local, nil) {
		a.emit.Reconciliation(now, res.venue, div.ClientOrderID, div.Kind, div.LocalStatus, div.VenueStatus)
		if div.Kind == "missing_venue" {
			if result := a.ledger.CancelOrder(div.ClientOrderID, now); result.Found {
				atomic.AddUint64(&a.mutations, 1)
				a.emit.OrderUpdate(now, div.ClientOrderID, types.StatusCanceled, "", "", decimal.Zero, decimal.Zero, 0, "reconciliation")
			}
		}
	}
}

// stablecoinQuotes are the assets treated as cash at face value when
// marking equity.
var stablecoinQuotes = map[string]bool{"USDT": true, "USDC": true, "BUSD": true, "USD": true}

// markToMarketEquity values every balance in quote terms: stable quote
// assets at face, everything else at the last observed price of its
// <ASSET>USDT pair. Assets with no observed price contribute nothing, which
// understates equity and therefore errs conservative on the leverage check.
func (a *App) markToMarketEquity() decimal.Decimal {
	a.mu.Lock()
	prices := make(map[types.SymbolId]decimal.Decimal, len(a.lastPrice))
	for s, p := range a.lastPrice {
		prices[s] = p
	}
	a.mu.Unlock()

	equity := decimal.Zero
	for _, b := range a.ledger.SnapshotBalances() {
		total := b.Free.Add(b.Locked)
		if total.IsZero() {
			continue
		}
		if stablecoinQuotes[b.Asset] {
			equity = equity.Add(total)
			continue
		}
		if px, ok := prices[types.SymbolId(b.Asset+"USDT")]; ok {
			equity = equity.Add(total.Mul(px))
		}
	}
	return equity
}

// snapshotLoop drives the time- and mutation-count-based snapshot triggers,
// both gated behind the minimum interval so back-to-back triggers cannot
// thrash the disk.
func (a *App) snapshotLoop() {
	interval := a.cfg.Snapshot.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	minInterval := a.cfg.Snapshot.MinInterval
	if minInterval <= 0 {
		minInterval = 5 * time.Second
	}
	everyN := uint64(a.cfg.Snapshot.EveryNMutations)

	lastNs := a.clk.NowNs()
	lastMutations := atomic.LoadUint64(&a.mutations)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			now := a.clk.NowNs()
			muts := atomic.LoadUint64(&a.mutations)
			due := now-lastNs >= int64(interval) || (everyN > 0 && muts-lastMutations >= everyN)
			if !due || now-lastNs < int64(minInterval) {
				continue
			}
			if err := a.saveSnapshot(); err != nil {
				a.logger.Error("snapshot save failed", "error", err)
				continue
			}
			lastNs = now
			lastMutations = muts
		}
	}
}

func (a *App) saveSnapshot() error {
	a.mu.Lock()
	prices := make(map[types.SymbolId]decimal.Decimal, len(a.lastPrice))
	for s, p := range a.lastPrice {
		prices[s] = p
	}
	metas := make(map[string]json.RawMessage, len(a.strategyMeta))
	for id, meta := range a.strategyMeta {
		if st, err := a.registry.Status(id); err == nil {
			meta.Status = st
		}
		raw, err := json.Marshal(meta)
		if err != nil {
			continue
		}
		metas[id] = raw
	}
	a.mu.Unlock()

	snap := types.StateSnapshot{
		Version:           1,
		SnapshotID:        a.clk.NewSnapshotID(),
		TsNs:              a.clk.NowNs(),
		SequenceNum:       atomic.AddUint64(&a.snapSeq, 1),
		Balances:          a.ledger.SnapshotBalances(),
		PendingOrders:     a.ledger.SnapshotPending(),
		PricePerSymbol:    prices,
		VenueCounter:      a.clk.VenueOrderCounter(),
		StrategySnapshots: metas,
	}
	return a.store.Save(snap)
}

// restoreSnapshot rehydrates balances, pending orders (reservations rebuild
// from the orders themselves inside ledger.Restore), the venue-order-id
// counter, reference prices, and the strategy registry.
func (a *App) restoreSnapshot(snap types.StateSnapshot) {
	a.ledger.Restore(snap.Balances, snap.PendingOrders)
	a.clk.SeedVenueOrderCounter(snap.VenueCounter)
	atomic.StoreUint64(&a.snapSeq, snap.SequenceNum)

	a.mu.Lock()
	for s, p := range snap.PricePerSymbol {
		a.lastPrice[s] = p
	}
	a.mu.Unlock()
	for s, p := range snap.PricePerSymbol {
		a.risk.SetReferencePrice(s, p)
	}

	for id, raw := range snap.StrategySnapshots {
		var meta strategyMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			a.logger.Warn("skipping unreadable strategy snapshot", "strategy_id", id, "error", err)
			continue
		}
		if err := a.loadStrategy(id, []string{string(meta.Venue), string(meta.Symbol)}); err != nil {
			a.logger.Warn("strategy rehydration failed", "strategy_id", id, "error", err)
			continue
		}
		if meta.Status == strategy.Running {
			_ = a.registry.Start(id)
		}
	}

	a.logger.Info("restored snapshot",
		"sequence", snap.SequenceNum, "ts_ns", snap.TsNs,
		"pending_orders", len(snap.PendingOrders), "strategies", len(snap.StrategySnapshots),
	)
}

// handleMarketEvent runs on the loop for every normalized market event:
// tracks the latest reference price, delivers to subscribed strategies, and
// forwards to the output stream.
func (a *App) handleMarketEvent(ev types.MarketEvent) {
	var px decimal.Decimal
	switch ev.Type {
	case types.EventTrade:
		if ev.Trade != nil {
			px = ev.Trade.Price
		}
	case types.EventTicker:
		if ev.Ticker != nil {
			px = ev.Ticker.LastPrice
		}
	case types.EventMarkPrice:
		if ev.MarkPrice != nil {
			px = ev.MarkPrice.MarkPrice
		}
	}
	if px.IsPositive() {
		a.mu.Lock()
		a.lastPrice[ev.Symbol] = px
		a.mu.Unlock()
		a.risk.SetReferencePrice(ev.Symbol, px)
	}

	a.registry.Deliver(ev)

	if err := a.emit.EmitMarketEvent(ev); err != nil {
		a.logger.Error("emit market event failed", "error", err)
	}
}

// commandSource is the minimal input surface the command loop drives,
// satisfied by a bufio.Scanner over stdin in stdio mode.
type commandSource interface {
	Scan() bool
	Text() string
	Err() error
}

// commandLoop reads one line at a time, parses it via internal/command, and
// dispatches the result. A malformed line is reported as an error record
// without affecting engine state.
func (a *App) commandLoop(in commandSource) error {
	for in.Scan() {
		if a.ctx.Err() != nil {
			return a.ctx.Err()
		}
		line := in.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		cmd, err := command.Parse(line)
		if err != nil {
			a.emit.Error(a.clk.NowNs(), err.Error())
			continue
		}
		if err := a.loop.Post(cmd, commandPriority(cmd.Kind), map[string]string{"kind": string(cmd.Kind)}); err != nil {
			a.emit.Error(a.clk.NowNs(), fmt.Sprintf("command dropped: %v", err))
		}
	}
	return in.Err()
}

// commandPriority routes order/cancel commands ahead of read-only queries
// and administrative strategy/subscription commands, so a burst of QUERY
// traffic can never delay an order reaching the risk gate.
func commandPriority(kind command.Kind) loop.Priority {
	switch kind {
	case command.KindOrder, command.KindCancel:
		return loop.High
	default:
		return loop.Normal
	}
}

func (a *App) dispatch(cmd command.Command) {
	switch cmd.Kind {
	case command.KindOrder:
		a.dispatchOrder(cmd.Order)
	case command.KindCancel:
		a.dispatchCancel(cmd.CancelCOID)
	case command.KindQuery:
		a.dispatchQuery(cmd)
	case command.KindStrategy:
		a.dispatchStrategy(cmd)
	case command.KindSubscribe:
		a.dispatchSub(cmd, true)
	case command.KindUnsubscribe:
		a.dispatchSub(cmd, false)
	}
}

func (a *App) dispatchOrder(req types.PlaceOrderRequest) {
	if req.Venue == "" {
		req.Venue = a.defaultVenue
	}
	gw := a.gatewayFor(req.Venue, req.Symbol, req.StrategyID)
	gw.place(req)
}

func (a *App) dispatchCancel(coid string) {
	pending, ok := a.ledger.GetPendingOrder(coid)
	if !ok {
		a.emit.Error(a.clk.NowNs(), coreerrors.New(coreerrors.ReasonUnknownOrder, "cancel "+coid+": not found").Error())
		return
	}
	gw := a.gatewayFor(pending.Request.Venue, pending.Request.Symbol, pending.Request.StrategyID)
	if !gw.CancelOrder(coid) {
		a.emit.Error(a.clk.NowNs(), coreerrors.New(coreerrors.ReasonUnknownOrder, "cancel "+coid+": not found").Error())
	}
}

func (a *App) dispatchQuery(cmd command.Command) {
	switch strings.ToUpper(cmd.QueryWhat) {
	case "ACCOUNT":
		a.emit.Account(a.clk.NowNs(), a.ledger.SnapshotBalances())
	case "ORDER":
		if len(cmd.QueryParams) == 0 {
			a.emit.Error(a.clk.NowNs(), "QUERY ORDER requires a client_order_id")
			return
		}
		state, ok := a.ledger.GetOrderState(cmd.QueryParams[0])
		if !ok {
			a.emit.Error(a.clk.NowNs(), fmt.Sprintf("%s: QUERY ORDER %s", coreerrors.ReasonUnknownOrder, cmd.QueryParams[0]))
			return
		}
		a.emit.OrderState(a.clk.NowNs(), state)
	default:
		a.emit.Error(a.clk.NowNs(), fmt.Sprintf("QUERY: unknown target %s", cmd.QueryWhat))
	}
}

func (a *App) dispatchStrategy(cmd command.Command) {
	if len(cmd.StrategyArgs) == 0 && cmd.StrategyAction != command.StrategyList {
		a.emit.Error(a.clk.NowNs(), "STRATEGY requires an id")
		return
	}
	var id string
	if len(cmd.StrategyArgs) > 0 {
		id = cmd.StrategyArgs[0]
	}

	var err error
	switch cmd.StrategyAction {
	case command.StrategyLoad:
		err = a.loadStrategy(id, cmd.StrategyArgs[1:])
	case command.StrategyStart:
		err = a.registry.Start(id)
	case command.StrategyStop:
		err = a.registry.Stop(id)
	case command.StrategyPause:
		err = a.registry.Pause(id)
	case command.StrategyResume:
		err = a.registry.Resume(id)
	case command.StrategyUnload:
		if err = a.registry.Unload(id); err == nil {
			a.mu.Lock()
			delete(a.strategyMeta, id)
			a.mu.Unlock()
		}
	case command.StrategyList:
		for sid, status := range a.registry.List() {
			a.emit.StrategyStatus(a.clk.NowNs(), sid, string(status))
		}
	case command.StrategyStatus:
		status, statusErr := a.registry.Status(id)
		if statusErr != nil {
			err = statusErr
		} else {
			a.emit.StrategyStatus(a.clk.NowNs(), id, string(status))
		}
	}
	if err != nil {
		a.emit.Error(a.clk.NowNs(), err.Error())
		return
	}
	switch cmd.StrategyAction {
	case command.StrategyList, command.StrategyStatus:
	default:
		status, _ := a.registry.Status(id)
		a.pushGatewayEvent(gateway.Response{
			Action: gateway.ActionGetStrategy, OK: true,
			Data: gateway.StrategyDetail{ID: id, Status: status},
		})
	}
}

// pushGatewayEvent hands an unsolicited event to connected control-surface
// clients, dropping it if nobody is draining the channel.
func (a *App) pushGatewayEvent(resp gateway.Response) {
	select {
	case a.events <- resp:
	default:
	}
}

// loadStrategy constructs the built-in Avellaneda-Stoikov maker for args =
// [venue, symbol] and registers it under id.
func (a *App) loadStrategy(id string, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("STRATEGY LOAD %s requires venue and symbol", id)
	}
	venueName := types.Venue(strings.ToUpper(args[0]))
	if !venueName.Valid() {
		return fmt.Errorf("STRATEGY LOAD %s: unknown venue %q", id, args[0])
	}
	symbol := types.SymbolId(strings.ToUpper(args[1]))

	gw := a.gatewayFor(venueName, symbol, id)
	book := a.mdMgr.Book(venueName, symbol)
	bookView := strategy.BookView{Mid: book.Mid, Spread: book.Spread}

	maker := strategy.NewMaker(id, venueName, symbol, a.cfg.Strategy, defaultTickSize, bookView, gw, a.clk, a.logger)
	if err := a.registry.Load(id, maker); err != nil {
		return err
	}
	a.mu.Lock()
	a.strategyMeta[id] = strategyMeta{Venue: venueName, Symbol: symbol, Status: strategy.Loaded}
	a.mu.Unlock()
	return nil
}

func (a *App) gatewayFor(v types.Venue, symbol types.SymbolId, strategyID string) *strategyGateway {
	a.mu.Lock()
	defer a.mu.Unlock()
	key := string(v) + ":" + string(symbol) + ":" + strategyID
	if gw, ok := a.gateways[key]; ok {
		return gw
	}
	gw := &strategyGateway{
		app:   a,
		venue: a.venues[v],
		book:  a.mdMgr.Book(v, symbol),
	}
	a.gateways[key] = gw
	return gw
}

func (a *App) dispatchSub(cmd command.Command, subscribe bool) {
	key := marketdata.SubKey{Venue: cmd.SubVenue, Symbol: cmd.SubSymbol, EventType: cmd.SubEvent}
	var err error
	if subscribe {
		err = a.mdMgr.Subscribe(key)
	} else {
		err = a.mdMgr.Unsubscribe(key)
	}
	if err != nil {
		a.emit.Error(a.clk.NowNs(), err.Error())
	}
}

// Shutdown runs the graceful shutdown sequence: stop accepting new work
// (context cancel halts the command loop and in-flight venue requests),
// cancel every strategy's open orders as a safety net, persist a final
// snapshot, stop the loop, wait for every background goroutine, then stop
// the gateway.
func (a *App) Shutdown() {
	if a.cancel != nil {
		a.cancel()
	}

	for id := range a.registry.List() {
		_ = a.registry.Stop(id)
	}

	if err := a.saveSnapshot(); err != nil {
		a.logger.Error("final snapshot save failed", "error", err)
	}

	a.loop.Shutdown()
	a.wg.Wait()

	if a.gatewaySrv != nil {
		if err := a.gatewaySrv.Stop(); err != nil {
			a.logger.Error("gateway server stop failed", "error", err)
		}
	}

	close(a.events)
	a.logger.Info("shutdown complete")
}
