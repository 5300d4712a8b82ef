package command

import (
	"testing"

	"github.com/tradecore/engine/pkg/types"
)

func TestParseOrderLimit(t *testing.T) {
	t.Parallel()
	cmd, err := Parse("ORDER c1 btcusdt Buy Limit 0.5 49000 GTC")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Kind != KindOrder {
		t.Fatalf("kind=%v, want KindOrder", cmd.Kind)
	}
	req := cmd.Order
	if req.ClientOrderID != "c1" || req.Symbol != types.SymbolId("BTCUSDT") {
		t.Errorf("coid/symbol not parsed: %+v", req)
	}
	if req.Side != types.Buy || req.Type != types.Limit || req.TIF != types.GTC {
		t.Errorf("side/type/tif not parsed: %+v", req)
	}
	if req.Price == nil {
		t.Fatal("expected a price for a LIMIT order")
	}
	if f, _ := req.Price.Float64(); f != 49000 {
		t.Errorf("price=%v, want 49000", f)
	}
}

func TestParseOrderMarketDefaultsTIFAndRejectsPrice(t *testing.T) {
	t.Parallel()
	cmd, err := Parse("ORDER c2 ETHUSDT Sell Market 1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Order.Price != nil {
		t.Errorf("MARKET order must not carry a price, got %v", cmd.Order.Price)
	}
	if cmd.Order.TIF != types.GTC {
		t.Errorf("default TIF should be GTC, got %v", cmd.Order.TIF)
	}

	if _, err := Parse("ORDER c3 ETHUSDT Sell Market 1 3000"); err == nil {
		t.Error("expected ParseError for MARKET order carrying a price")
	}
}

func TestParseOrderLimitRequiresPrice(t *testing.T) {
	t.Parallel()
	if _, err := Parse("ORDER c4 ETHUSDT Sell Limit 1"); err == nil {
		t.Error("expected ParseError for LIMIT order missing price")
	}
}

func TestParseOrderInvalidFields(t *testing.T) {
	t.Parallel()
	cases := []string{
		"ORDER c5 ETHUSDT Sideways Limit 1 10",
		"ORDER c6 ETHUSDT Buy Weird 1 10",
		"ORDER c7 ETHUSDT Buy Limit -1 10",
		"ORDER c8 ETHUSDT Buy Limit 1 10 BADTIF",
		"ORDER c9 ETHUSDT Buy",
	}
	for _, line := range cases {
		if _, err := Parse(line); err == nil {
			t.Errorf("Parse(%q): expected ParseError", line)
		}
	}
}

func TestParseCancel(t *testing.T) {
	t.Parallel()
	cmd, err := Parse("CANCEL c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Kind != KindCancel || cmd.CancelCOID != "c1" {
		t.Errorf("got %+v", cmd)
	}

	if _, err := Parse("CANCEL"); err == nil {
		t.Error("expected ParseError for CANCEL with no coid")
	}
	if _, err := Parse("CANCEL c1 c2"); err == nil {
		t.Error("expected ParseError for CANCEL with extra args")
	}
}

func TestParseQuery(t *testing.T) {
	t.Parallel()
	cmd, err := Parse("QUERY order c1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Kind != KindQuery || cmd.QueryWhat != "ORDER" || len(cmd.QueryParams) != 1 || cmd.QueryParams[0] != "c1" {
		t.Errorf("got %+v", cmd)
	}

	if _, err := Parse("QUERY"); err == nil {
		t.Error("expected ParseError for QUERY with no target")
	}
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()
	cmd, err := Parse("STRATEGY load mk1 BINANCE BTCUSDT")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Kind != KindStrategy || cmd.StrategyAction != StrategyLoad {
		t.Errorf("got %+v", cmd)
	}
	if len(cmd.StrategyArgs) != 3 {
		t.Errorf("args=%v, want 3", cmd.StrategyArgs)
	}

	if _, err := Parse("STRATEGY bogus"); err == nil {
		t.Error("expected ParseError for unknown strategy action")
	}
}

func TestParseSubscribeUnsubscribe(t *testing.T) {
	t.Parallel()
	cmd, err := Parse("SUBSCRIBE binance btcusdt trade")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Kind != KindSubscribe || cmd.SubVenue != types.VenueBinance || cmd.SubSymbol != types.SymbolId("BTCUSDT") {
		t.Errorf("got %+v", cmd)
	}
	if cmd.SubEvent != types.EventTrade {
		t.Errorf("event=%v, want TRADE", cmd.SubEvent)
	}

	cmd, err = Parse("UNSUBSCRIBE binance btcusdt trade")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cmd.Kind != KindUnsubscribe {
		t.Errorf("kind=%v, want KindUnsubscribe", cmd.Kind)
	}

	if _, err := Parse("SUBSCRIBE nosuchvenue btcusdt trade"); err == nil {
		t.Error("expected ParseError for unknown venue")
	}
	if _, err := Parse("SUBSCRIBE binance btcusdt"); err == nil {
		t.Error("expected ParseError for missing event_type")
	}
}

func TestParseUnknownVerbAndEmptyLine(t *testing.T) {
	t.Parallel()
	if _, err := Parse("FROBNICATE c1"); err == nil {
		t.Error("expected ParseError for unknown verb")
	}
	if _, err := Parse("   "); err == nil {
		t.Error("expected ParseError for empty line")
	}
}
