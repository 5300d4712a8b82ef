package marketdata

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecore/engine/pkg/types"
)

type fakeAdapter struct {
	subs       []SubKey
	unsubs     []SubKey
	resnaps    []types.SymbolId
	failNext   bool
}

func (f *fakeAdapter) Subscribe(key SubKey) error {
	f.subs = append(f.subs, key)
	return nil
}

func (f *fakeAdapter) Unsubscribe(key SubKey) error {
	f.unsubs = append(f.unsubs, key)
	return nil
}

func (f *fakeAdapter) RequestResnapshot(symbol types.SymbolId) error {
	f.resnaps = append(f.resnaps, symbol)
	return nil
}

func TestSubscribeRefcountsAndDedupes(t *testing.T) {
	t.Parallel()
	m := NewManager(0.01, 64)
	fa := &fakeAdapter{}
	m.RegisterAdapter(types.VenueBinance, fa)

	key := SubKey{Venue: types.VenueBinance, Symbol: "BTCUSDT", EventType: types.EventBookDelta}

	if err := m.Subscribe(key); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := m.Subscribe(key); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got := m.RefCount(key); got != 2 {
		t.Fatalf("refcount = %d, want 2", got)
	}
	if len(fa.subs) != 1 {
		t.Fatalf("adapter.Subscribe called %d times, want 1 (dedup on first ref)", len(fa.subs))
	}

	if err := m.Unsubscribe(key); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if len(fa.unsubs) != 0 {
		t.Fatalf("adapter.Unsubscribe called early, refcount should still be 1")
	}
	if err := m.Unsubscribe(key); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if len(fa.unsubs) != 1 {
		t.Fatalf("adapter.Unsubscribe called %d times, want 1 (on last ref drop)", len(fa.unsubs))
	}
}

func TestReconnectReissuesAndResnapshots(t *testing.T) {
	t.Parallel()
	m := NewManager(0.01, 64)
	fa := &fakeAdapter{}
	m.RegisterAdapter(types.VenueBinance, fa)

	bookKey := SubKey{Venue: types.VenueBinance, Symbol: "ETHUSDT", EventType: types.EventBookDelta}
	tradeKey := SubKey{Venue: types.VenueBinance, Symbol: "ETHUSDT", EventType: types.EventTrade}
	_ = m.Subscribe(bookKey)
	_ = m.Subscribe(tradeKey)
	fa.subs = nil // reset after initial subscribe calls

	if err := m.Reconnect(types.VenueBinance); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if len(fa.subs) != 2 {
		t.Fatalf("reconnect re-issued %d subscriptions, want 2", len(fa.subs))
	}
	if len(fa.resnaps) != 1 || fa.resnaps[0] != "ETHUSDT" {
		t.Fatalf("reconnect resnapshots = %v, want exactly [ETHUSDT]", fa.resnaps)
	}
}

func TestConnStateTransitionEmitsSubscriptionStatus(t *testing.T) {
	t.Parallel()
	m := NewManager(0.01, 64)
	var emitted []types.MarketEvent
	m.Emit = func(e types.MarketEvent) { emitted = append(emitted, e) }

	m.SetConnState(types.VenueBinance, Connected, 100)
	if len(emitted) != 1 {
		t.Fatalf("expected 1 emitted event, got %d", len(emitted))
	}
	if emitted[0].Type != types.EventSubscriptionStatus {
		t.Fatalf("event type = %v, want SUBSCRIPTION_STATUS", emitted[0].Type)
	}
	if emitted[0].SubStatus.Status != "CONNECTED" {
		t.Fatalf("status = %q, want CONNECTED", emitted[0].SubStatus.Status)
	}
	if m.ConnState(types.VenueBinance) != Connected {
		t.Fatalf("conn state not persisted")
	}
}

func TestReconnectIncrementsMetric(t *testing.T) {
	t.Parallel()
	m := NewManager(0.01, 64)
	m.RegisterAdapter(types.VenueBinance, &fakeAdapter{})

	m.SetConnState(types.VenueBinance, Connected, 1)
	m.SetConnState(types.VenueBinance, Connecting, 2)

	if got := m.Metrics(types.VenueBinance).Reconnects; got != 1 {
		t.Fatalf("reconnects = %d, want 1", got)
	}
}

func TestHandleBookSnapshotAndDeltaUpdateBookAndMetrics(t *testing.T) {
	t.Parallel()
	m := NewManager(0.01, 64)
	var emitted []types.MarketEvent
	m.Emit = func(e types.MarketEvent) { emitted = append(emitted, e) }

	snap := types.BookSnapshotPayload{
		Sequence: 10,
		Bids:     []types.PriceLevel{{Price: decimal.NewFromFloat(100.00), Qty: decimal.NewFromFloat(1)}},
		Asks:     []types.PriceLevel{{Price: decimal.NewFromFloat(100.02), Qty: decimal.NewFromFloat(1)}},
	}
	m.HandleBookSnapshot(types.VenueBinance, "BTCUSDT", snap, 1000, 1010)

	bid, ask, ok := m.Book(types.VenueBinance, "BTCUSDT").BestBidAsk()
	if !ok || bid != 100.00 || ask != 100.02 {
		t.Fatalf("unexpected top of book after snapshot: bid=%v ask=%v ok=%v", bid, ask, ok)
	}

	delta := types.BookDeltaPayload{
		PrevSequence: 10,
		Sequence:     11,
		Bids:         []types.PriceLevel{{Price: decimal.NewFromFloat(100.00), Qty: decimal.Zero}},
	}
	m.HandleBookDelta(types.VenueBinance, "BTCUSDT", delta, 2000, 2020)

	_, _, ok = m.Book(types.VenueBinance, "BTCUSDT").BestBidAsk()
	if ok {
		t.Fatalf("expected empty bid side after qty-zero delta removed the only level")
	}

	metrics := m.Metrics(types.VenueBinance)
	if metrics.MessageCount != 2 {
		t.Fatalf("message count = %d, want 2", metrics.MessageCount)
	}
	if metrics.GapCount != 0 {
		t.Fatalf("gap count = %d, want 0 for in-order delta", metrics.GapCount)
	}
	if len(emitted) != 2 {
		t.Fatalf("expected 2 emitted events, got %d", len(emitted))
	}
}

func TestHandleBookDeltaGapTriggersResnapshot(t *testing.T) {
	t.Parallel()
	m := NewManager(0.01, 64)
	fa := &fakeAdapter{}
	m.RegisterAdapter(types.VenueBinance, fa)

	snap := types.BookSnapshotPayload{Sequence: 5}
	m.HandleBookSnapshot(types.VenueBinance, "BTCUSDT", snap, 0, 0)

	delta := types.BookDeltaPayload{PrevSequence: 99, Sequence: 100}
	m.HandleBookDelta(types.VenueBinance, "BTCUSDT", delta, 0, 0)

	if len(fa.resnaps) != 1 {
		t.Fatalf("expected resnapshot request on gap, got %d calls", len(fa.resnaps))
	}
	if m.Metrics(types.VenueBinance).GapCount != 1 {
		t.Fatalf("gap count not recorded")
	}
}

func TestReconnectBackoffCapsAndGrows(t *testing.T) {
	t.Parallel()
	base := ReconnectBackoff(0, time.Second, 30*time.Second, nil)
	if base != time.Second {
		t.Fatalf("attempt 0 backoff = %v, want 1s", base)
	}
	grown := ReconnectBackoff(3, time.Second, 30*time.Second, nil)
	if grown != 8*time.Second {
		t.Fatalf("attempt 3 backoff = %v, want 8s", grown)
	}
	capped := ReconnectBackoff(10, time.Second, 30*time.Second, nil)
	if capped != 30*time.Second {
		t.Fatalf("attempt 10 backoff = %v, want capped at 30s", capped)
	}
}
