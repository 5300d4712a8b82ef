package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/tradecore/engine/internal/config"
)

// Handlers binds HTTP routes and the WebSocket upgrade to an
// EngineStatusProvider.
type Handlers struct {
	provider EngineStatusProvider
	cfg      config.GatewayConfig
	hub      *Hub
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandlers constructs the handler set and wires its WS upgrader's origin
// check to cfg.AllowedOrigins.
func NewHandlers(provider EngineStatusProvider, cfg config.GatewayConfig, hub *Hub, logger *slog.Logger) *Handlers {
	h := &Handlers{provider: provider, cfg: cfg, hub: hub, logger: logger.With("component", "gateway-handlers")}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.isOriginAllowed,
	}
	return h
}

// HandleHealth answers GET /health with the engine's HealthSnapshot.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	snap := h.provider.Health()
	w.Header().Set("Content-Type", "application/json")
	if !snap.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(snap)
}

// HandleStatus answers GET /api/status with the engine's StatusSnapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(h.provider.Status())
}

// HandleWebSocket upgrades to the control-surface WebSocket, sends an
// initial status Response, then hands the connection to a Client for
// bidirectional request/response and event-push traffic.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)
	initial := Response{Action: ActionStatus, OK: true, Data: h.provider.Status()}
	data, err := json.Marshal(initial)
	if err == nil {
		select {
		case client.send <- data:
		default:
		}
	}
}

// Dispatch handles one parsed Request and is wired as the Hub's dispatch
// function.
func (h *Handlers) Dispatch(req Request) Response {
	switch req.Action {
	case ActionStatus:
		return Response{Action: req.Action, OK: true, Data: h.provider.Status()}

	case ActionHealth:
		return Response{Action: req.Action, OK: true, Data: h.provider.Health()}

	case ActionStart:
		if err := h.provider.Start(); err != nil {
			return Response{Action: req.Action, OK: false, Error: err.Error()}
		}
		return Response{Action: req.Action, OK: true}

	case ActionStop:
		if err := h.provider.Stop(); err != nil {
			return Response{Action: req.Action, OK: false, Error: err.Error()}
		}
		return Response{Action: req.Action, OK: true}

	case ActionListStrategies:
		return Response{Action: req.Action, OK: true, Data: h.provider.ListStrategies()}

	case ActionGetStrategy:
		if req.StrategyID == "" {
			return Response{Action: req.Action, OK: false, Error: "strategy_id is required"}
		}
		detail, ok := h.provider.GetStrategy(req.StrategyID)
		if !ok {
			return Response{Action: req.Action, OK: false, Error: "strategy not found"}
		}
		return Response{Action: req.Action, OK: true, Data: detail}

	case ActionStartStrategy:
		if req.StrategyID == "" {
			return Response{Action: req.Action, OK: false, Error: "strategy_id is required"}
		}
		if err := h.provider.StartStrategy(req.StrategyID); err != nil {
			return Response{Action: req.Action, OK: false, Error: err.Error()}
		}
		return Response{Action: req.Action, OK: true}

	case ActionStopStrategy:
		if req.StrategyID == "" {
			return Response{Action: req.Action, OK: false, Error: "strategy_id is required"}
		}
		if err := h.provider.StopStrategy(req.StrategyID); err != nil {
			return Response{Action: req.Action, OK: false, Error: err.Error()}
		}
		return Response{Action: req.Action, OK: true}

	default:
		return Response{Action: req.Action, OK: false, Error: "unknown action"}
	}
}

// isOriginAllowed checks a WS upgrade's Origin header against
// cfg.AllowedOrigins, with a localhost passthrough for local tooling.
func (h *Handlers) isOriginAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true // non-browser clients (CLIs, server-to-server) send no Origin
	}
	if len(h.cfg.AllowedOrigins) == 0 {
		return isLocalhost(origin)
	}
	normalized := normalizeOrigin(origin)
	for _, allowed := range h.cfg.AllowedOrigins {
		if normalizeOrigin(allowed) == normalized {
			return true
		}
	}
	return isLocalhost(origin)
}

func normalizeOrigin(origin string) string {
	o := strings.ToLower(strings.TrimSpace(origin))
	o = strings.TrimSuffix(o, "/")
	return o
}

func isLocalhost(origin string) bool {
	o := normalizeOrigin(origin)
	return strings.Contains(o, "localhost") || strings.Contains(o, "127.0.0.1")
}
