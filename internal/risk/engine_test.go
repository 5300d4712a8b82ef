package risk

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecore/engine/internal/config"
	"github.com/tradecore/engine/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxOrderNotional:      100000,
		MaxPositionNotional:   500000,
		MaxLeverage:           5,
		MaxDailyLossPct:       0.1,
		MaxPriceDeviation:     0.05,
		VolBaseline:           0.3,
		VolMultiplierK:        1.0,
		DrawdownMultiplierK:   2.0,
		LossWindow:            time.Hour,
		LossWindowThreshold:   1_000_000,
		ConsecutiveErrorsTrip: 3,
		CooldownAfterTrip:     time.Minute,
	}
}

type fakeAccount struct {
	pos map[types.SymbolId]types.Position
}

func (f fakeAccount) Position(symbol types.SymbolId) (types.Position, bool) {
	p, ok := f.pos[symbol]
	return p, ok
}
func (f fakeAccount) SnapshotBalances() []types.Balance { return nil }

type fakeBook struct{ mid float64 }

func (f fakeBook) Mid() (float64, bool) { return f.mid, true }

func limitReq(symbol types.SymbolId, side types.OrderSide, qty, price string) types.PlaceOrderRequest {
	q, _ := decimal.NewFromString(qty)
	p, _ := decimal.NewFromString(price)
	return types.PlaceOrderRequest{
		ClientOrderID: "c1", Symbol: symbol, Venue: types.VenueSimulated,
		Side: side, Type: types.Limit, Qty: q, Price: &p, TIF: types.GTC,
	}
}

func TestPreTradeAllowsWithinLimits(t *testing.T) {
	t.Parallel()
	e := NewEngine(testConfig(), testLogger())
	e.SetEquity(decimal.NewFromInt(1_000_000))

	dec := e.PreTrade(limitReq("BTCUSDT", types.Buy, "1", "50000"), fakeAccount{}, fakeBook{mid: 50000})
	if !dec.Allow {
		t.Fatalf("expected allow, got reject: %s %s", dec.Kind, dec.Explanation)
	}
}

func TestPreTradeRejectsNotionalCap(t *testing.T) {
	t.Parallel()
	e := NewEngine(testConfig(), testLogger())
	e.SetEquity(decimal.NewFromInt(10_000_000))

	dec := e.PreTrade(limitReq("BTCUSDT", types.Buy, "10", "50000"), fakeAccount{}, fakeBook{mid: 50000})
	if dec.Allow || dec.Kind != "NOTIONAL_CAP" {
		t.Fatalf("expected NOTIONAL_CAP rejection, got %+v", dec)
	}
}

func TestPreTradeRejectsWhenCircuitBreakerOpen(t *testing.T) {
	t.Parallel()
	e := NewEngine(testConfig(), testLogger())
	e.TripManual("test trip")

	dec := e.PreTrade(limitReq("BTCUSDT", types.Buy, "1", "50000"), fakeAccount{}, fakeBook{mid: 50000})
	if dec.Allow || dec.Kind != "CIRCUIT_BREAKER" {
		t.Fatalf("expected CIRCUIT_BREAKER rejection, got %+v", dec)
	}
}

func TestPreTradeRejectsPriceSanity(t *testing.T) {
	t.Parallel()
	e := NewEngine(testConfig(), testLogger())
	e.SetEquity(decimal.NewFromInt(1_000_000))
	e.SetReferencePrice("BTCUSDT", decimal.NewFromInt(50000))

	dec := e.PreTrade(limitReq("BTCUSDT", types.Buy, "0.1", "60000"), fakeAccount{}, fakeBook{mid: 50000})
	if dec.Allow || dec.Kind != "PRICE_SANITY" {
		t.Fatalf("expected PRICE_SANITY rejection, got %+v", dec)
	}
}

func TestRuleEngineRejectsMatchingRule(t *testing.T) {
	t.Parallel()
	e := NewEngine(testConfig(), testLogger())
	e.SetEquity(decimal.NewFromInt(1_000_000))
	e.SetRules([]Rule{
		{Name: "NO_ETH", Action: ActionReject, Explanation: "ETH trading disabled", Predicate: SymbolIs("ETHUSDT")},
	})

	dec := e.PreTrade(limitReq("ETHUSDT", types.Buy, "1", "3000"), fakeAccount{}, fakeBook{mid: 3000})
	if dec.Allow || dec.Kind != "RULE:NO_ETH" {
		t.Fatalf("expected rule rejection, got %+v", dec)
	}
}

func TestVolAndDrawdownMultipliersAreMonotoneBounded(t *testing.T) {
	t.Parallel()
	if v := volMultiplier(0.1, 0.3, 1.0); v != 1.0 {
		t.Errorf("below-baseline vol should yield 1.0, got %v", v)
	}
	if v := volMultiplier(10, 0.3, 1.0); v != 0.2 {
		t.Errorf("extreme vol should floor at 0.2, got %v", v)
	}
	if v := volMultiplier(0.5, 0.3, 1.0); v <= 0.2 || v >= 1.0 {
		t.Errorf("moderate vol should be strictly between floor and 1.0, got %v", v)
	}
	if d := ddMultiplier(0, 2.0); d != 1.0 {
		t.Errorf("zero drawdown should yield 1.0, got %v", d)
	}
	if d := ddMultiplier(10, 2.0); d != 0.1 {
		t.Errorf("extreme drawdown should floor at 0.1, got %v", d)
	}
}

func TestCircuitBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(3, time.Millisecond)
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != Closed {
		t.Fatal("should still be closed before threshold")
	}
	cb.RecordFailure()
	if cb.State() != Open {
		t.Fatal("should be open after threshold failures")
	}

	time.Sleep(5 * time.Millisecond)
	if cb.State() != HalfOpen {
		t.Fatal("should transition to half-open after cooldown")
	}
	cb.RecordSuccess()
	if cb.State() != Closed {
		t.Fatal("success in half-open should close the breaker")
	}
}
