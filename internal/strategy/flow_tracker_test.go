package strategy

import (
	"testing"
	"time"

	"github.com/tradecore/engine/pkg/types"
)

func TestFlowTrackerNoFillsIsNeutral(t *testing.T) {
	t.Parallel()
	ft := NewFlowTracker(time.Minute, 0.6, 30*time.Second, 3.0, nil)
	if ft.IsFlowToxic() {
		t.Fatalf("empty tracker should never be toxic")
	}
	if mult := ft.GetSpreadMultiplier(); mult != 1.0 {
		t.Fatalf("multiplier = %v, want 1.0 with no fills", mult)
	}
}

func TestFlowTrackerOneSidedFlowIsToxic(t *testing.T) {
	t.Parallel()
	now := time.Unix(1000, 0)
	clk := func() time.Time { return now }
	ft := NewFlowTracker(time.Minute, 0.6, 30*time.Second, 3.0, clk)

	for i := 0; i < 10; i++ {
		ft.AddFill(Fill{Timestamp: now, Side: types.Buy, Symbol: "BTCUSDT", Price: 100, Qty: 1})
	}

	metrics := ft.CalculateToxicity()
	if !metrics.IsAverse {
		t.Fatalf("expected toxic flow from 10 consecutive buys, got %+v", metrics)
	}
	if metrics.DirectionalImbalance != 1.0 {
		t.Fatalf("directional imbalance = %v, want 1.0", metrics.DirectionalImbalance)
	}
	if mult := ft.GetSpreadMultiplier(); mult <= 1.0 {
		t.Fatalf("spread multiplier = %v, want > 1.0 during toxicity", mult)
	}
}

func TestFlowTrackerBalancedFlowIsNotToxic(t *testing.T) {
	t.Parallel()
	now := time.Unix(2000, 0)
	clk := func() time.Time { return now }
	ft := NewFlowTracker(time.Minute, 0.6, 30*time.Second, 3.0, clk)

	for i := 0; i < 10; i++ {
		side := types.Buy
		if i%2 == 0 {
			side = types.Sell
		}
		ft.AddFill(Fill{Timestamp: now, Side: side, Symbol: "BTCUSDT", Price: 100, Qty: 1})
	}

	if ft.IsFlowToxic() {
		t.Fatalf("balanced 50/50 flow should not be toxic")
	}
}

func TestFlowTrackerEvictsStaleFills(t *testing.T) {
	t.Parallel()
	base := time.Unix(3000, 0)
	clk := base
	ft := NewFlowTracker(10*time.Second, 0.6, 5*time.Second, 2.0, func() time.Time { return clk })

	ft.AddFill(Fill{Timestamp: base, Side: types.Buy, Symbol: "BTCUSDT", Price: 100, Qty: 1})
	if ft.GetFillCount() != 1 {
		t.Fatalf("fill count = %d, want 1", ft.GetFillCount())
	}

	clk = base.Add(20 * time.Second)
	if ft.GetFillCount() != 1 {
		t.Fatalf("count should not change until an eviction-triggering call")
	}
	ft.CalculateToxicity()
	if ft.GetFillCount() != 0 {
		t.Fatalf("fill should have been evicted after window elapsed, count=%d", ft.GetFillCount())
	}
}
