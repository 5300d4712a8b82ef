// Package command tokenizes a single line of stdio-mode input into a typed
// Command variant. Each command verb runs its own ordered sequence of field
// checks and returns the first failure as a ParseError, rather than
// building a general-purpose grammar.
package command

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tradecore/engine/pkg/types"
)

// Kind discriminates the parsed command variant.
type Kind string

const (
	KindOrder       Kind = "ORDER"
	KindCancel      Kind = "CANCEL"
	KindQuery       Kind = "QUERY"
	KindStrategy    Kind = "STRATEGY"
	KindSubscribe   Kind = "SUBSCRIBE"
	KindUnsubscribe Kind = "UNSUBSCRIBE"
	KindUnknown     Kind = "UNKNOWN"
)

// StrategyAction is the sub-verb of a STRATEGY command.
type StrategyAction string

const (
	StrategyLoad   StrategyAction = "LOAD"
	StrategyStart  StrategyAction = "START"
	StrategyStop   StrategyAction = "STOP"
	StrategyPause  StrategyAction = "PAUSE"
	StrategyResume StrategyAction = "RESUME"
	StrategyUnload StrategyAction = "UNLOAD"
	StrategyList   StrategyAction = "LIST"
	StrategyStatus StrategyAction = "STATUS"
)

// ParseError is returned for malformed or unrecognized input. It is
// surfaced as an `error` event without affecting engine state.
type ParseError struct {
	Line    string
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error: %s (line: %q)", e.Message, e.Line)
}

// Command is the parsed result of one input line.
type Command struct {
	Kind Kind

	// ORDER
	Order types.PlaceOrderRequest

	// CANCEL
	CancelCOID string

	// QUERY
	QueryWhat   string
	QueryParams []string

	// STRATEGY
	StrategyAction StrategyAction
	StrategyArgs   []string

	// SUBSCRIBE / UNSUBSCRIBE
	SubVenue  types.Venue
	SubSymbol types.SymbolId
	SubEvent  types.MarketEventType
}

// Parse tokenizes one line. A malformed or unrecognized line returns a
// *ParseError as err. An empty line or an unknown verb comes with a Command
// whose Kind is KindUnknown; a known verb with bad arguments comes with a
// zero Command (empty Kind).
func Parse(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{Kind: KindUnknown}, &ParseError{Line: line, Message: "empty line"}
	}

	verb := strings.ToUpper(fields[0])
	args := fields[1:]

	switch verb {
	case "ORDER":
		return parseOrder(line, args)
	case "CANCEL":
		return parseCancel(line, args)
	case "QUERY":
		return parseQuery(line, args)
	case "STRATEGY":
		return parseStrategy(line, args)
	case "SUBSCRIBE":
		return parseSub(line, args, KindSubscribe)
	case "UNSUBSCRIBE":
		return parseSub(line, args, KindUnsubscribe)
	default:
		return Command{Kind: KindUnknown}, &ParseError{Line: line, Message: fmt.Sprintf("unknown verb %q", fields[0])}
	}
}

// parseOrder handles: ORDER <coid> <symbol> <side> <type> <qty> [price] [tif]
func parseOrder(line string, args []string) (Command, error) {
	if len(args) < 5 {
		return Command{}, &ParseError{Line: line, Message: "ORDER requires at least coid symbol side type qty"}
	}

	coid, symbol := args[0], types.SymbolId(strings.ToUpper(args[1]))
	side := types.OrderSide(strings.ToUpper(args[2]))
	if side != types.Buy && side != types.Sell {
		return Command{}, &ParseError{Line: line, Message: fmt.Sprintf("invalid side %q", args[2])}
	}

	typ := types.OrderType(strings.ToUpper(args[3]))
	if typ != types.Limit && typ != types.Market {
		return Command{}, &ParseError{Line: line, Message: fmt.Sprintf("invalid order type %q", args[3])}
	}

	qty, err := decimal.NewFromString(args[4])
	if err != nil || !qty.IsPositive() {
		return Command{}, &ParseError{Line: line, Message: fmt.Sprintf("invalid qty %q", args[4])}
	}

	rest := args[5:]
	var price *decimal.Decimal
	tif := types.GTC

	if typ == types.Limit {
		if len(rest) == 0 {
			return Command{}, &ParseError{Line: line, Message: "ORDER of type LIMIT requires a price"}
		}
		p, err := decimal.NewFromString(rest[0])
		if err != nil || !p.IsPositive() {
			return Command{}, &ParseError{Line: line, Message: fmt.Sprintf("invalid price %q", rest[0])}
		}
		price = &p
		rest = rest[1:]
	} else if len(rest) > 0 {
		if _, err := decimal.NewFromString(rest[0]); err == nil {
			return Command{}, &ParseError{Line: line, Message: "MARKET orders must not specify a price"}
		}
	}

	if len(rest) > 0 {
		tif = types.TimeInForce(strings.ToUpper(rest[0]))
		switch tif {
		case types.GTC, types.IOC, types.FOK:
		default:
			return Command{}, &ParseError{Line: line, Message: fmt.Sprintf("invalid time in force %q", rest[0])}
		}
	}

	req := types.PlaceOrderRequest{
		ClientOrderID: coid, Symbol: symbol, Side: side, Type: typ, Qty: qty, Price: price, TIF: tif,
	}
	return Command{Kind: KindOrder, Order: req}, nil
}

// parseCancel handles: CANCEL <coid>
func parseCancel(line string, args []string) (Command, error) {
	if len(args) != 1 {
		return Command{}, &ParseError{Line: line, Message: "CANCEL requires exactly one client_order_id"}
	}
	return Command{Kind: KindCancel, CancelCOID: args[0]}, nil
}

// parseQuery handles: QUERY <what> [params...]
func parseQuery(line string, args []string) (Command, error) {
	if len(args) == 0 {
		return Command{}, &ParseError{Line: line, Message: "QUERY requires a target"}
	}
	return Command{Kind: KindQuery, QueryWhat: strings.ToUpper(args[0]), QueryParams: args[1:]}, nil
}

// parseStrategy handles: STRATEGY <action> [args...]
func parseStrategy(line string, args []string) (Command, error) {
	if len(args) == 0 {
		return Command{}, &ParseError{Line: line, Message: "STRATEGY requires an action"}
	}
	action := StrategyAction(strings.ToUpper(args[0]))
	switch action {
	case StrategyLoad, StrategyStart, StrategyStop, StrategyPause, StrategyResume, StrategyUnload, StrategyList, StrategyStatus:
	default:
		return Command{}, &ParseError{Line: line, Message: fmt.Sprintf("invalid strategy action %q", args[0])}
	}
	return Command{Kind: KindStrategy, StrategyAction: action, StrategyArgs: args[1:]}, nil
}

// parseSub handles: SUBSCRIBE|UNSUBSCRIBE <venue> <symbol> <event_type>
func parseSub(line string, args []string, kind Kind) (Command, error) {
	if len(args) != 3 {
		return Command{}, &ParseError{Line: line, Message: fmt.Sprintf("%s requires venue symbol event_type", kind)}
	}
	venue := types.Venue(strings.ToUpper(args[0]))
	if !venue.Valid() {
		return Command{}, &ParseError{Line: line, Message: fmt.Sprintf("invalid venue %q", args[0])}
	}
	eventType := types.MarketEventType(strings.ToUpper(args[2]))
	return Command{
		Kind: kind, SubVenue: venue, SubSymbol: types.SymbolId(strings.ToUpper(args[1])), SubEvent: eventType,
	}, nil
}
