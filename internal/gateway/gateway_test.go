package gateway

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tradecore/engine/internal/config"
	"github.com/tradecore/engine/internal/strategy"
)

type stubProvider struct {
	status   StatusSnapshot
	health   HealthSnapshot
	startErr error
	stopErr  error
	strats   map[string]strategy.Status
	detail   StrategyDetail
	hasDetail bool
	strategyErr error
}

func (s *stubProvider) Status() StatusSnapshot { return s.status }
func (s *stubProvider) Health() HealthSnapshot { return s.health }
func (s *stubProvider) Start() error           { return s.startErr }
func (s *stubProvider) Stop() error            { return s.stopErr }
func (s *stubProvider) ListStrategies() map[string]strategy.Status { return s.strats }
func (s *stubProvider) GetStrategy(id string) (StrategyDetail, bool) { return s.detail, s.hasDetail }
func (s *stubProvider) StartStrategy(id string) error { return s.strategyErr }
func (s *stubProvider) StopStrategy(id string) error  { return s.strategyErr }
func (s *stubProvider) Events() <-chan Response       { return nil }

func newTestHandlers(p EngineStatusProvider) *Handlers {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandlers(p, config.GatewayConfig{}, nil, logger)
}

func TestDispatchStatus(t *testing.T) {
	t.Parallel()
	p := &stubProvider{status: StatusSnapshot{Mode: "service"}}
	h := newTestHandlers(p)

	resp := h.Dispatch(Request{Action: ActionStatus})
	if !resp.OK {
		t.Fatalf("expected OK response, got %+v", resp)
	}
	snap, ok := resp.Data.(StatusSnapshot)
	if !ok || snap.Mode != "service" {
		t.Fatalf("expected status snapshot passthrough, got %+v", resp.Data)
	}
}

func TestDispatchStartStopErrors(t *testing.T) {
	t.Parallel()
	p := &stubProvider{startErr: errors.New("already running"), stopErr: errors.New("already stopped")}
	h := newTestHandlers(p)

	if resp := h.Dispatch(Request{Action: ActionStart}); resp.OK || resp.Error == "" {
		t.Fatalf("expected start failure surfaced, got %+v", resp)
	}
	if resp := h.Dispatch(Request{Action: ActionStop}); resp.OK || resp.Error == "" {
		t.Fatalf("expected stop failure surfaced, got %+v", resp)
	}
}

func TestDispatchGetStrategyRequiresID(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(&stubProvider{})

	resp := h.Dispatch(Request{Action: ActionGetStrategy})
	if resp.OK {
		t.Fatalf("expected failure for missing strategy_id, got %+v", resp)
	}
}

func TestDispatchGetStrategyNotFound(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(&stubProvider{hasDetail: false})

	resp := h.Dispatch(Request{Action: ActionGetStrategy, StrategyID: "maker-1"})
	if resp.OK {
		t.Fatalf("expected not-found failure, got %+v", resp)
	}
}

func TestDispatchGetStrategyFound(t *testing.T) {
	t.Parallel()
	want := StrategyDetail{ID: "maker-1", Status: strategy.Running}
	h := newTestHandlers(&stubProvider{hasDetail: true, detail: want})

	resp := h.Dispatch(Request{Action: ActionGetStrategy, StrategyID: "maker-1"})
	if !resp.OK {
		t.Fatalf("expected success, got %+v", resp)
	}
	got, ok := resp.Data.(StrategyDetail)
	if !ok || got != want {
		t.Fatalf("got %+v, want %+v", resp.Data, want)
	}
}

func TestDispatchUnknownAction(t *testing.T) {
	t.Parallel()
	h := newTestHandlers(&stubProvider{})

	resp := h.Dispatch(Request{Action: Action("bogus")})
	if resp.OK {
		t.Fatalf("expected failure for unknown action, got %+v", resp)
	}
}

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		origin string
		cfg    config.GatewayConfig
		want   bool
	}{
		{name: "empty origin allowed", origin: "", cfg: config.GatewayConfig{}, want: true},
		{name: "localhost allowed by default", origin: "http://localhost:8080", cfg: config.GatewayConfig{}, want: true},
		{name: "non-local origin denied by default", origin: "https://evil.example", cfg: config.GatewayConfig{}, want: false},
		{
			name:   "allowlist permits exact origin",
			origin: "https://ops.example.com",
			cfg:    config.GatewayConfig{AllowedOrigins: []string{"https://ops.example.com"}},
			want:   true,
		},
		{
			name:   "allowlist denies everything else",
			origin: "https://evil.example",
			cfg:    config.GatewayConfig{AllowedOrigins: []string{"https://ops.example.com"}},
			want:   false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newTestHandlers(&stubProvider{})
			h.cfg = tt.cfg
			req := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if got := h.isOriginAllowed(req); got != tt.want {
				t.Fatalf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}
