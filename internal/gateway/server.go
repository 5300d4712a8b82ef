package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tradecore/engine/internal/config"
)

// Server runs the gateway's HTTP/WebSocket control surface: two plain JSON
// GET routes for probes and a bidirectional websocket for everything else.
type Server struct {
	cfg      config.GatewayConfig
	provider EngineStatusProvider
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer constructs the gateway server. It does not start listening;
// call Start.
func NewServer(cfg config.GatewayConfig, provider EngineStatusProvider, logger *slog.Logger) *Server {
	handlers := NewHandlers(provider, cfg, nil, logger)
	hub := NewHub(logger, handlers.Dispatch)
	handlers.hub = hub

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/status", handlers.HandleStatus)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		provider: provider,
		hub:      hub,
		handlers: handlers,
		server:   httpServer,
		logger:   logger.With("component", "gateway-server"),
	}
}

// Start runs the hub loop, the event consumer, and blocks serving HTTP
// until the listener is closed by Stop.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.consumeEvents()

	s.logger.Info("gateway server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info("stopping gateway server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// consumeEvents drains the provider's Events() channel, if any, and fans
// each one out to every connected client.
func (s *Server) consumeEvents() {
	events := s.provider.Events()
	if events == nil {
		return
	}
	for evt := range events {
		s.hub.BroadcastEvent(evt)
	}
}
