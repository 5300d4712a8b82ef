// Package gateway declares the engine's control-surface contract: a typed
// request/response pair set plus a WebSocket event bridge. It declares the
// contract and a minimal dispatch loop; the full external REST surface
// (routing framework, auth/RBAC, content negotiation) belongs to the
// gateway process that consumes this contract, not to the engine.
package gateway

import (
	"time"

	"github.com/tradecore/engine/internal/strategy"
	"github.com/tradecore/engine/pkg/types"
)

// Action names the declared request/response pairs.
type Action string

const (
	ActionStatus         Action = "status"
	ActionHealth         Action = "health"
	ActionStart          Action = "start"
	ActionStop           Action = "stop"
	ActionListStrategies Action = "list_strategies"
	ActionGetStrategy    Action = "get_strategy"
	ActionStartStrategy  Action = "start_strategy"
	ActionStopStrategy   Action = "stop_strategy"
)

// Request is the single inbound envelope for every gateway action. Unused
// fields are ignored by actions that don't need them.
type Request struct {
	Action     Action `json:"action"`
	StrategyID string `json:"strategy_id,omitempty"`
}

// Response is the single outbound envelope for both request replies and
// unsolicited event pushes.
type Response struct {
	Action Action `json:"action"`
	OK     bool   `json:"ok"`
	Error  string `json:"error,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// StatusSnapshot answers the "status" action: a coarse operational summary.
type StatusSnapshot struct {
	Mode             string           `json:"mode"`
	DryRun           bool             `json:"dry_run"`
	UptimeSeconds    float64          `json:"uptime_seconds"`
	BreakerState     string           `json:"breaker_state"`
	StrategyCounts   map[string]int   `json:"strategy_counts"`
	ActiveVenues     []types.Venue    `json:"active_venues"`
	ActiveSymbols    []types.SymbolId `json:"active_symbols"`
	TotalRealizedPnL string           `json:"total_realized_pnl"`
}

// HealthSnapshot answers the "health" action: a liveness/readiness probe
// suitable for an external orchestrator, with venue/market-data
// connectivity folded in.
type HealthSnapshot struct {
	OK              bool                   `json:"ok"`
	TimestampUnixNs int64                  `json:"ts_ns"`
	VenueStates     map[types.Venue]string `json:"venue_states"`
	FailStopped     bool                   `json:"fail_stopped"`
}

// StrategyDetail answers the "get_strategy" action.
type StrategyDetail struct {
	ID     string          `json:"id"`
	Status strategy.Status `json:"status"`
}

// EngineStatusProvider is the read/control surface the gateway needs from
// the running engine. The cmd/engine application shell implements this over
// its own wiring; the gateway package never reaches into engine internals
// directly.
type EngineStatusProvider interface {
	Status() StatusSnapshot
	Health() HealthSnapshot

	// Start/Stop control the engine's trading-enabled state as a whole
	// (resume/halt every running strategy), not the process lifecycle.
	Start() error
	Stop() error

	ListStrategies() map[string]strategy.Status
	GetStrategy(id string) (StrategyDetail, bool)
	StartStrategy(id string) error
	StopStrategy(id string) error

	// Events, if non-nil, is drained by the gateway and pushed to every
	// connected client as unsolicited Response envelopes.
	Events() <-chan Response
}

// Clock abstracts time.Now for health timestamps, so tests can inject a
// fixed instant without depending on internal/clock.
type Clock func() time.Time
