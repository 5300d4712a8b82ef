// Package venue implements the execution-venue abstraction: a fixed
// capability set {Place, Cancel, Query, UserEvents} backed either by the
// Simulated venue or a Live adapter wrapping a real exchange's REST/WS
// surface. The core never calls a venue synchronously from the event loop;
// every call here runs off-loop and its result is posted back onto the loop
// as an event by the caller.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tradecore/engine/pkg/types"
)

// ExecutionReport is the normalized response to a Place/Cancel/Query call.
type ExecutionReport struct {
	ClientOrderID string
	VenueOrderID  string
	Status        types.OrderStatus
	ExecutedQty   decimal.Decimal
	AvgPrice      decimal.Decimal
	Reason        string
}

// UserEvent is a fill or order-lifecycle push from a venue's user stream.
type UserEvent struct {
	Type          string // "fill" or "order_update"
	ClientOrderID string
	Symbol        types.SymbolId
	FillPrice     decimal.Decimal
	FillQty       decimal.Decimal
	Status        types.OrderStatus
	TsExch        int64
}

// Venue is the capability set every concrete venue implements.
type Venue interface {
	Place(ctx context.Context, req types.PlaceOrderRequest) (ExecutionReport, error)
	Cancel(ctx context.Context, coid string) (ExecutionReport, error)
	Query(ctx context.Context, coid string) (ExecutionReport, error)
	UserEvents() <-chan UserEvent
	// Name identifies which types.Venue this adapter serves.
	Name() types.Venue
}

// Reconciler is implemented by venues that can list their own open orders
// and balances for periodic diffing against local state.
type Reconciler interface {
	OpenOrders(ctx context.Context) ([]ExecutionReport, error)
	Balances(ctx context.Context) ([]types.Balance, error)
}

// Divergence is one difference found during reconciliation.
type Divergence struct {
	ClientOrderID string
	Kind          string // "missing_local", "missing_venue", "status_mismatch"
	LocalStatus   types.OrderStatus
	VenueStatus   types.OrderStatus
}

// Reconcile diffs the venue's view of open orders against the engine's
// local pending-order states. The venue is authoritative for orders: any
// divergence is reported so the caller corrects local state, except for
// orders the caller marks as "cancel in flight" via localInFlightCancel,
// where local state is authoritative instead.
func Reconcile(venueOrders []ExecutionReport, localStates map[string]types.OrderState, localInFlightCancel map[string]bool) []Divergence {
	var divergences []Divergence

	byCoid := make(map[string]ExecutionReport, len(venueOrders))
	for _, vo := range venueOrders {
		byCoid[vo.ClientOrderID] = vo
	}

	for coid, local := range localStates {
		if localInFlightCancel[coid] {
			continue
		}
		vo, onVenue := byCoid[coid]
		switch {
		case !onVenue && !local.Status.IsTerminal():
			divergences = append(divergences, Divergence{ClientOrderID: coid, Kind: "missing_venue", LocalStatus: local.Status})
		case onVenue && vo.Status != local.Status:
			divergences = append(divergences, Divergence{ClientOrderID: coid, Kind: "status_mismatch", LocalStatus: local.Status, VenueStatus: vo.Status})
		}
	}
	for coid, vo := range byCoid {
		if _, known := localStates[coid]; !known {
			divergences = append(divergences, Divergence{ClientOrderID: coid, Kind: "missing_local", VenueStatus: vo.Status})
		}
	}
	return divergences
}

// Deadline is the per-request timeout every venue call should honor;
// callers wrap ctx with context.WithTimeout(ctx, Deadline) before invoking
// Place/Cancel/Query, and a VENUE_TIMEOUT error event is posted by the
// caller on expiry.
const Deadline = 10 * time.Second
