package risk

import (
	"github.com/shopspring/decimal"

	"github.com/tradecore/engine/pkg/types"
)

// Action is what a Rule does when its predicate matches.
type Action string

const (
	ActionReject Action = "REJECT"
	ActionAllow  Action = "ALLOW"
)

// RuleContext is the evaluation context handed to every Predicate: the
// incoming order plus read-only account/book views.
type RuleContext struct {
	Request types.PlaceOrderRequest
	Account AccountView
	Book    BookView
}

// Predicate is an atomic boolean test over order fields, position, or
// market state.
type Predicate func(RuleContext) bool

// Rule is one entry in the user-defined composite rule set: a boolean
// expression tree over atomic Predicates evaluated in priority (slice)
// order, short-circuiting the whole PreTrade gate on the first matching
// Reject rule.
type Rule struct {
	Name        string
	Action      Action
	Explanation string
	Predicate   Predicate
}

// Evaluate runs the rule's predicate.
func (r Rule) Evaluate(ctx RuleContext) bool {
	if r.Predicate == nil {
		return false
	}
	return r.Predicate(ctx)
}

// And combines predicates with logical AND.
func And(preds ...Predicate) Predicate {
	return func(ctx RuleContext) bool {
		for _, p := range preds {
			if !p(ctx) {
				return false
			}
		}
		return true
	}
}

// Or combines predicates with logical OR.
func Or(preds ...Predicate) Predicate {
	return func(ctx RuleContext) bool {
		for _, p := range preds {
			if p(ctx) {
				return true
			}
		}
		return false
	}
}

// Not negates a predicate.
func Not(p Predicate) Predicate {
	return func(ctx RuleContext) bool { return !p(ctx) }
}

// SymbolIs matches orders for a specific symbol.
func SymbolIs(symbol types.SymbolId) Predicate {
	return func(ctx RuleContext) bool { return ctx.Request.Symbol == symbol }
}

// SideIs matches orders on a specific side.
func SideIs(side types.OrderSide) Predicate {
	return func(ctx RuleContext) bool { return ctx.Request.Side == side }
}

// QtyAbove matches orders whose quantity exceeds threshold.
func QtyAbove(threshold decimal.Decimal) Predicate {
	return func(ctx RuleContext) bool { return ctx.Request.Qty.GreaterThan(threshold) }
}

// VenueIs matches orders routed to a specific venue.
func VenueIs(venue types.Venue) Predicate {
	return func(ctx RuleContext) bool { return ctx.Request.Venue == venue }
}
