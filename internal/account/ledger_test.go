package account

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tradecore/engine/pkg/types"
)

func d(v string) decimal.Decimal {
	dv, _ := decimal.NewFromString(v)
	return dv
}

func newTestLedger(openingUSDT, openingBTC string) *Ledger {
	var counter uint64
	next := func() uint64 { counter++; return counter }
	return New(next, d("0"), []types.Balance{
		{Asset: "USDT", Free: d(openingUSDT), Locked: decimal.Zero},
		{Asset: "BTC", Free: d(openingBTC), Locked: decimal.Zero},
	})
}

func limitBuy(coid string, qty, price string) types.PlaceOrderRequest {
	p := d(price)
	return types.PlaceOrderRequest{
		ClientOrderID: coid, Symbol: "BTCUSDT", Venue: types.VenueSimulated,
		Side: types.Buy, Type: types.Limit, Qty: d(qty), Price: &p, TIF: types.GTC,
	}
}

func allowAll(types.PlaceOrderRequest, decimal.Decimal) (bool, string) { return true, "" }

// Scenario 1: happy limit buy, simulated.
func TestPlaceOrderThenFillHappyPath(t *testing.T) {
	t.Parallel()
	l := newTestLedger("100000", "0")

	dec := l.PlaceOrder(limitBuy("c1", "0.5", "49000"), 1, decimal.Zero, decimal.Zero, allowAll)
	if !dec.Accepted {
		t.Fatalf("expected accepted, got reason=%s msg=%s", dec.Reason, dec.Message)
	}
	state, ok := l.GetOrderState("c1")
	if !ok || state.Status != types.StatusNew {
		t.Fatalf("expected New status, got %+v", state)
	}

	if err := l.ApplyFill("c1", d("49000"), d("0.5"), 2); err != nil {
		t.Fatalf("apply fill: %v", err)
	}
	state, _ = l.GetOrderState("c1")
	if state.Status != types.StatusFilled {
		t.Fatalf("expected Filled, got %v", state.Status)
	}

	usdt := l.balance("USDT")
	if !usdt.Free.Equal(d("75500")) {
		t.Errorf("USDT.free = %v, want 75500", usdt.Free)
	}
	btc := l.balance("BTC")
	if !btc.Free.Equal(d("0.5")) {
		t.Errorf("BTC.free = %v, want 0.5", btc.Free)
	}
	if !usdt.Locked.IsZero() {
		t.Errorf("USDT.locked = %v, want 0 after full fill", usdt.Locked)
	}
}

// Scenario 2: duplicate COID.
func TestDuplicateClientOrderIDRejected(t *testing.T) {
	t.Parallel()
	l := newTestLedger("100000", "0")
	l.PlaceOrder(limitBuy("c1", "0.5", "49000"), 1, decimal.Zero, decimal.Zero, allowAll)

	before := l.SnapshotBalances()
	dec := l.PlaceOrder(limitBuy("c1", "0.5", "49000"), 2, decimal.Zero, decimal.Zero, allowAll)
	if dec.Accepted {
		t.Fatal("expected duplicate rejection")
	}
	after := l.SnapshotBalances()
	assertBalancesEqual(t, before, after)
}

// Scenario 3: insufficient funds.
func TestInsufficientFundsRejected(t *testing.T) {
	t.Parallel()
	l := newTestLedger("100", "0")

	dec := l.PlaceOrder(limitBuy("c2", "1", "50000"), 1, decimal.Zero, decimal.Zero, allowAll)
	if dec.Accepted {
		t.Fatal("expected rejection")
	}
	state, ok := l.GetOrderState("c2")
	if !ok || state.Status != types.StatusRejected {
		t.Fatalf("expected Rejected state, got %+v", state)
	}
	usdt := l.balance("USDT")
	if !usdt.Free.Equal(d("100")) || !usdt.Locked.IsZero() {
		t.Fatalf("balance mutated on rejection: %+v", usdt)
	}
}

// Scenario 4: cancel then re-cancel.
func TestCancelThenReCancelIdempotent(t *testing.T) {
	t.Parallel()
	l := newTestLedger("0", "0")
	l.balance("ETH").Free = d("1")

	req := types.PlaceOrderRequest{
		ClientOrderID: "c3", Symbol: "ETHUSDT", Venue: types.VenueSimulated,
		Side: types.Sell, Type: types.Limit, Qty: d("1"), Price: ptr(d("3000")), TIF: types.GTC,
	}
	dec := l.PlaceOrder(req, 1, decimal.Zero, decimal.Zero, allowAll)
	if !dec.Accepted {
		t.Fatalf("expected accepted: %s", dec.Message)
	}

	res := l.CancelOrder("c3", 2)
	if !res.Found {
		t.Fatal("expected found=true on first cancel")
	}
	state, _ := l.GetOrderState("c3")
	if state.Status != types.StatusCanceled {
		t.Fatalf("expected Canceled, got %v", state.Status)
	}

	res = l.CancelOrder("c3", 3)
	if res.Found {
		t.Fatal("expected found=false on re-cancel")
	}

	eth := l.balance("ETH")
	if !eth.Free.Equal(d("1")) || !eth.Locked.IsZero() {
		t.Fatalf("ETH balance not restored: %+v", eth)
	}
}

// Market buys reserve a worst-case notional (ask scaled up by the market
// slippage estimate) but fill at whatever the venue actually charges, so a
// full fill must return the over-reserved difference from locked to free.
func TestMarketBuyFillReleasesWorstCaseReservation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		fillPrice string // actual notional = fillPrice × qty
	}{
		{"fills below the reserve price", "49024.5"}, // ask × 1.0005 < reserve ask × 1.001
		{"fills at the ask", "49000"},
		{"fills at the reserve price exactly", "49049"}, // ask × 1.001
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			l := New(func() uint64 { return 1 }, d("0.001"), []types.Balance{
				{Asset: "USDT", Free: d("100000"), Locked: decimal.Zero},
			})

			req := types.PlaceOrderRequest{
				ClientOrderID: "m1", Symbol: "BTCUSDT", Venue: types.VenueSimulated,
				Side: types.Buy, Type: types.Market, Qty: d("0.5"), TIF: types.IOC,
			}
			dec := l.PlaceOrder(req, 1, d("48990"), d("49000"), allowAll)
			if !dec.Accepted {
				t.Fatalf("place: %s %s", dec.Reason, dec.Message)
			}

			// Reserved: 0.5 × 49000 × 1.001 = 24524.5.
			usdt := l.balance("USDT")
			if !usdt.Locked.Equal(d("24524.5")) {
				t.Fatalf("locked after place = %s, want 24524.5", usdt.Locked)
			}

			if err := l.ApplyFill("m1", d(tt.fillPrice), d("0.5"), 2); err != nil {
				t.Fatalf("fill: %v", err)
			}

			notional := d(tt.fillPrice).Mul(d("0.5"))
			usdt = l.balance("USDT")
			if !usdt.Locked.IsZero() {
				t.Errorf("locked after full fill = %s, want 0 (no stranded reservation)", usdt.Locked)
			}
			if !usdt.Free.Equal(d("100000").Sub(notional)) {
				t.Errorf("USDT free = %s, want %s", usdt.Free, d("100000").Sub(notional))
			}
			if !usdt.Free.Add(usdt.Locked).Equal(d("100000").Sub(notional)) {
				t.Errorf("USDT not conserved: free+locked = %s", usdt.Free.Add(usdt.Locked))
			}
			if btc := l.balance("BTC"); !btc.Free.Equal(d("0.5")) {
				t.Errorf("BTC free = %s, want 0.5", btc.Free)
			}
		})
	}
}

func TestMarketBuyPartialFillsConserveReservation(t *testing.T) {
	t.Parallel()
	l := New(func() uint64 { return 1 }, d("0.001"), []types.Balance{
		{Asset: "USDT", Free: d("100000"), Locked: decimal.Zero},
	})

	req := types.PlaceOrderRequest{
		ClientOrderID: "m1", Symbol: "BTCUSDT", Venue: types.VenueSimulated,
		Side: types.Buy, Type: types.Market, Qty: d("1"), TIF: types.IOC,
	}
	if dec := l.PlaceOrder(req, 1, d("48990"), d("49000"), allowAll); !dec.Accepted {
		t.Fatalf("place: %s %s", dec.Reason, dec.Message)
	}
	reserved := d("49049") // 1 × 49000 × 1.001

	// Half fills at 49010: half the reservation leaves locked, the gap to
	// the actual notional settles back into free.
	if err := l.ApplyFill("m1", d("49010"), d("0.5"), 2); err != nil {
		t.Fatalf("partial fill: %v", err)
	}
	usdt := l.balance("USDT")
	if !usdt.Locked.Equal(reserved.Div(d("2"))) {
		t.Fatalf("locked after partial = %s, want %s", usdt.Locked, reserved.Div(d("2")))
	}

	if err := l.ApplyFill("m1", d("49010"), d("0.5"), 3); err != nil {
		t.Fatalf("final fill: %v", err)
	}
	usdt = l.balance("USDT")
	if !usdt.Locked.IsZero() {
		t.Fatalf("locked after full fill = %s, want 0", usdt.Locked)
	}
	spent := d("49010") // 1 × 49010
	if !usdt.Free.Equal(d("100000").Sub(spent)) {
		t.Fatalf("USDT free = %s, want %s", usdt.Free, d("100000").Sub(spent))
	}
}

func TestRiskRejectionLeavesNoMutation(t *testing.T) {
	t.Parallel()
	l := newTestLedger("100000", "0")
	deny := func(types.PlaceOrderRequest, decimal.Decimal) (bool, string) { return false, "CIRCUIT_BREAKER" }

	before := l.SnapshotBalances()
	dec := l.PlaceOrder(limitBuy("c9", "0.1", "49000"), 1, decimal.Zero, decimal.Zero, deny)
	if dec.Accepted {
		t.Fatal("expected rejection")
	}
	assertBalancesEqual(t, before, l.SnapshotBalances())
}

// fillRoundTrip places and fully fills one limit order so position state
// accumulates without each test re-spelling the two-step dance.
func fillRoundTrip(t *testing.T, l *Ledger, coid string, side types.OrderSide, qty, price string) {
	t.Helper()
	p := d(price)
	req := types.PlaceOrderRequest{
		ClientOrderID: coid, Symbol: "BTCUSDT", Venue: types.VenueSimulated,
		Side: side, Type: types.Limit, Qty: d(qty), Price: &p, TIF: types.GTC,
	}
	dec := l.PlaceOrder(req, 1, decimal.Zero, decimal.Zero, allowAll)
	if !dec.Accepted {
		t.Fatalf("place %s: %s %s", coid, dec.Reason, dec.Message)
	}
	if err := l.ApplyFill(coid, d(price), d(qty), 2); err != nil {
		t.Fatalf("fill %s: %v", coid, err)
	}
}

func TestWeightedAverageRealizedPnL(t *testing.T) {
	t.Parallel()
	l := newTestLedger("1000000", "10")

	fillRoundTrip(t, l, "b1", types.Buy, "1", "100")
	fillRoundTrip(t, l, "b2", types.Buy, "1", "200")
	// Average entry 150; selling 1 at 300 realizes 150.
	fillRoundTrip(t, l, "s1", types.Sell, "1", "300")

	pos, ok := l.Position("BTCUSDT")
	if !ok {
		t.Fatal("no position")
	}
	if !pos.RealizedPnL.Equal(d("150")) {
		t.Fatalf("realized pnl = %s, want 150 (weighted average)", pos.RealizedPnL)
	}
	if !pos.Size.Equal(d("1")) {
		t.Fatalf("size = %s, want 1", pos.Size)
	}
}

func TestFIFORealizedPnL(t *testing.T) {
	t.Parallel()
	l := newTestLedger("1000000", "10")
	l.SetCostBasisMethod("BTCUSDT", types.FIFO)

	fillRoundTrip(t, l, "b1", types.Buy, "1", "100")
	fillRoundTrip(t, l, "b2", types.Buy, "1", "200")
	// FIFO consumes the 100-cost lot first; selling 1 at 300 realizes 200.
	fillRoundTrip(t, l, "s1", types.Sell, "1", "300")

	pos, _ := l.Position("BTCUSDT")
	if !pos.RealizedPnL.Equal(d("200")) {
		t.Fatalf("realized pnl = %s, want 200 (FIFO)", pos.RealizedPnL)
	}

	// Selling the remaining unit consumes the 200-cost lot: +100 more.
	fillRoundTrip(t, l, "s2", types.Sell, "1", "300")
	pos, _ = l.Position("BTCUSDT")
	if !pos.RealizedPnL.Equal(d("300")) {
		t.Fatalf("realized pnl after second sell = %s, want 300", pos.RealizedPnL)
	}
	if !pos.Size.IsZero() {
		t.Fatalf("size = %s, want 0 after closing out", pos.Size)
	}
}

func TestDebitFeeReducesFreeOnly(t *testing.T) {
	t.Parallel()
	l := newTestLedger("1000", "0")

	l.DebitFee("USDT", d("2.5"))
	usdt := l.balance("USDT")
	if !usdt.Free.Equal(d("997.5")) {
		t.Fatalf("free = %s, want 997.5", usdt.Free)
	}
	if !usdt.Locked.IsZero() {
		t.Fatalf("locked mutated by fee: %s", usdt.Locked)
	}

	l.DebitFee("USDT", decimal.Zero) // no-op
	if !l.balance("USDT").Free.Equal(d("997.5")) {
		t.Fatal("zero fee must not change balances")
	}
}

func TestRestoreRebuildsReservationsFromPending(t *testing.T) {
	t.Parallel()
	l := newTestLedger("100000", "0")
	l.PlaceOrder(limitBuy("c1", "0.5", "49000"), 1, decimal.Zero, decimal.Zero, allowAll)

	balances := l.SnapshotBalances()
	pending := l.SnapshotPending()

	restored := newTestLedger("0", "0")
	restored.Restore(balances, pending)

	usdt := restored.balance("USDT")
	if !usdt.Locked.Equal(d("24500")) || !usdt.Free.Equal(d("75500")) {
		t.Fatalf("restored balances wrong: %+v", usdt)
	}
	if _, ok := restored.GetPendingOrder("c1"); !ok {
		t.Fatal("pending order not restored")
	}
	// Cancel after restore must release exactly the restored reservation.
	if res := restored.CancelOrder("c1", 2); !res.Found {
		t.Fatal("cancel after restore should find the order")
	}
	usdt = restored.balance("USDT")
	if !usdt.Free.Equal(d("100000")) || !usdt.Locked.IsZero() {
		t.Fatalf("reservation not released after restore+cancel: %+v", usdt)
	}
}

func ptr(d decimal.Decimal) *decimal.Decimal { return &d }

func assertBalancesEqual(t *testing.T, a, b []types.Balance) {
	t.Helper()
	byAsset := func(bs []types.Balance) map[string]types.Balance {
		m := make(map[string]types.Balance, len(bs))
		for _, x := range bs {
			m[x.Asset] = x
		}
		return m
	}
	am, bm := byAsset(a), byAsset(b)
	for asset, av := range am {
		bv := bm[asset]
		if !av.Free.Equal(bv.Free) || !av.Locked.Equal(bv.Locked) {
			t.Fatalf("balance for %s changed: %+v -> %+v", asset, av, bv)
		}
	}
}
