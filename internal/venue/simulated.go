package venue

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/tradecore/engine/internal/clock"
	"github.com/tradecore/engine/pkg/types"
)

// BookSource supplies the last known top-of-book for market-order pricing
// and worst-case fill estimation.
type BookSource interface {
	BestBidAsk(symbol types.SymbolId) (bid, ask float64, ok bool)
}

// Simulated is the in-process execution venue: it accepts every order
// admitted by the risk engine and schedules a fill at now+latency for the
// full quantity, limit orders at their own price and market orders at the
// adverse side of book plus slippage.
type Simulated struct {
	mu sync.Mutex

	clk     clock.Clock
	books   BookSource
	latency int64 // nanoseconds added to "now" for the scheduled fill
	feeBps  decimal.Decimal
	slip    decimal.Decimal

	userEvents chan UserEvent
	orders     map[string]simOrder
}

type simOrder struct {
	req    types.PlaceOrderRequest
	report ExecutionReport
}

// NewSimulated constructs a simulated venue. latencyNs is the fixed delay
// applied to every accepted order before its fill is emitted; feeBps is a
// flat fee in basis points applied to the fill notional.
func NewSimulated(clk clock.Clock, books BookSource, latencyNs int64, feeBps, slip decimal.Decimal) *Simulated {
	return &Simulated{
		clk:        clk,
		books:      books,
		latency:    latencyNs,
		feeBps:     feeBps,
		slip:       slip,
		userEvents: make(chan UserEvent, 1024),
		orders:     make(map[string]simOrder),
	}
}

func (s *Simulated) Name() types.Venue { return types.VenueSimulated }

func (s *Simulated) Place(ctx context.Context, req types.PlaceOrderRequest) (ExecutionReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rep := ExecutionReport{ClientOrderID: req.ClientOrderID, VenueOrderID: req.ClientOrderID, Status: types.StatusNew}
	s.orders[req.ClientOrderID] = simOrder{req: req, report: rep}
	return rep, nil
}

// FillPrice determines the price a market or limit order fills at:
// limit orders fill at their own price, market orders at the adverse
// side of book scaled by the configured slippage.
func (s *Simulated) FillPrice(req types.PlaceOrderRequest) (decimal.Decimal, error) {
	if req.Type == types.Limit {
		return *req.Price, nil
	}
	if s.books == nil {
		return decimal.Zero, fmt.Errorf("no book source for market order pricing")
	}
	bid, ask, ok := s.books.BestBidAsk(req.Symbol)
	if !ok {
		return decimal.Zero, fmt.Errorf("no top-of-book for %s", req.Symbol)
	}
	one := decimal.NewFromInt(1)
	if req.Side == types.Buy {
		return decimal.NewFromFloat(ask).Mul(one.Add(s.slip)), nil
	}
	return decimal.NewFromFloat(bid).Mul(one.Sub(s.slip)), nil
}

// DueFillTsNs returns when a just-accepted order should fill.
func (s *Simulated) DueFillTsNs(acceptedAtNs int64) int64 { return acceptedAtNs + s.latency }

// Fee returns the venue's flat fee for a fill of the given notional.
func (s *Simulated) Fee(notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(s.feeBps).Div(decimal.NewFromInt(10000))
}

// EmitFill pushes a fill UserEvent for a previously placed order — invoked
// by the timer-driven due-fill collector, not directly by Place, since the
// loop's timer (not the venue itself) drives simulated fill timing. The
// resulting order_update is produced by the ledger when the fill is applied,
// so only the fill itself crosses the user-event channel.
func (s *Simulated) EmitFill(coid string, tsExch int64) error {
	s.mu.Lock()
	so, ok := s.orders[coid]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown simulated order %s", coid)
	}

	price, err := s.FillPrice(so.req)
	if err != nil {
		return err
	}

	s.mu.Lock()
	so.report.Status = types.StatusFilled
	so.report.ExecutedQty = so.req.Qty
	so.report.AvgPrice = price
	s.orders[coid] = so
	s.mu.Unlock()

	s.userEvents <- UserEvent{
		Type: "fill", ClientOrderID: coid, Symbol: so.req.Symbol,
		FillPrice: price, FillQty: so.req.Qty, Status: types.StatusFilled, TsExch: tsExch,
	}
	return nil
}

func (s *Simulated) Cancel(ctx context.Context, coid string) (ExecutionReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	so, ok := s.orders[coid]
	if !ok {
		return ExecutionReport{}, fmt.Errorf("unknown order %s", coid)
	}
	so.report.Status = types.StatusCanceled
	s.orders[coid] = so
	return so.report, nil
}

func (s *Simulated) Query(ctx context.Context, coid string) (ExecutionReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	so, ok := s.orders[coid]
	if !ok {
		return ExecutionReport{}, fmt.Errorf("unknown order %s", coid)
	}
	return so.report, nil
}

func (s *Simulated) UserEvents() <-chan UserEvent { return s.userEvents }
