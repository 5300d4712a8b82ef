package emitter

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tradecore/engine/pkg/types"
)

func TestMarketRecordShape(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	e := New(&buf)

	if err := e.Market(100, "BTCUSDT", decimal.NewFromInt(50000)); err != nil {
		t.Fatalf("market: %v", err)
	}

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec["type"] != "market" || rec["symbol"] != "BTCUSDT" {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestOrderUpdateOmitsZeroOptionalFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	e := New(&buf)

	if err := e.OrderUpdate(1, "coid-1", types.StatusNew, "", "", decimal.Zero, decimal.Zero, 0, ""); err != nil {
		t.Fatalf("order_update: %v", err)
	}

	var rec map[string]any
	_ = json.Unmarshal(buf.Bytes(), &rec)
	for _, optional := range []string{"symbol", "side", "qty", "price", "venue_order_id", "reason"} {
		if _, present := rec[optional]; present {
			t.Fatalf("field %q present with zero value, want omitted: %+v", optional, rec)
		}
	}
	if rec["client_order_id"] != "coid-1" {
		t.Fatalf("client_order_id missing: %+v", rec)
	}
}

func TestOrderUpdateIncludesSuppliedOptionalFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	e := New(&buf)

	price := decimal.NewFromInt(100)
	if err := e.OrderUpdate(1, "coid-1", types.StatusRejected, "BTCUSDT", types.Buy, decimal.NewFromInt(2), price, 7, "insufficient funds"); err != nil {
		t.Fatalf("order_update: %v", err)
	}

	var rec map[string]any
	_ = json.Unmarshal(buf.Bytes(), &rec)
	if rec["reason"] != "insufficient funds" {
		t.Fatalf("reason not present: %+v", rec)
	}
	if rec["venue_order_id"].(float64) != 7 {
		t.Fatalf("venue_order_id not present: %+v", rec)
	}
}

func TestLinesAreNeverInterleavedUnderConcurrentWriters(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	var mu sync.Mutex
	e := New(syncWriter{&buf, &mu})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_ = e.Error(int64(n), strings.Repeat("x", 50))
		}(i)
	}
	wg.Wait()

	scanner := bufio.NewScanner(&buf)
	count := 0
	for scanner.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("line %d did not parse as a single JSON object: %v", count, err)
		}
		count++
	}
	if count != 20 {
		t.Fatalf("expected 20 well-formed lines, got %d", count)
	}
}

type syncWriter struct {
	buf *bytes.Buffer
	mu  *sync.Mutex
}

func (w syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func TestEmitMarketEventDispatchesBookSnapshotAsBookTop(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	e := New(&buf)

	ev := types.MarketEvent{
		Type: types.EventBookSnapshot, Symbol: "BTCUSDT", Venue: types.VenueBinance, TsRecv: 5,
		Snapshot: &types.BookSnapshotPayload{
			Bids: []types.PriceLevel{{Price: decimal.NewFromInt(100), Qty: decimal.NewFromInt(1)}},
			Asks: []types.PriceLevel{{Price: decimal.NewFromInt(101), Qty: decimal.NewFromInt(2)}},
		},
	}
	if err := e.EmitMarketEvent(ev); err != nil {
		t.Fatalf("emit: %v", err)
	}

	var rec map[string]any
	_ = json.Unmarshal(buf.Bytes(), &rec)
	if rec["type"] != "book_top" {
		t.Fatalf("expected book_top, got %v", rec["type"])
	}
}
