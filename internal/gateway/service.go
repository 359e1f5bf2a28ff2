// Package gateway binds live connections to game sessions: WebSocket
// transport, connection lifecycle, broadcast relay, and the synchronous REST
// surface.
package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/playgrid/spotdiff/internal/game"
	"github.com/playgrid/spotdiff/internal/session"
	"github.com/playgrid/spotdiff/internal/timer"
)

// Config holds gateway service configuration.
type Config struct {
	ConnectionConfig ConnectionConfig
	Game             game.Config
	TickInterval     time.Duration
}

// DefaultConfig returns default gateway configuration.
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		Game:             game.DefaultConfig(),
		TickInterval:     time.Second,
	}
}

// Service wires the session store, timer engine, coordinator, lifecycle
// manager, and HTTP surfaces into one unit.
type Service struct {
	store          *session.Store
	timers         *timer.Engine
	coordinator    *game.Coordinator
	connections    *ConnectionManager
	lifecycle      *Lifecycle
	wsHandler      *WebSocketHandler
	sessionHandler *SessionHandler
}

// NewService builds the full gateway service. history and publisher may be
// nil; gameplay proceeds without them.
func NewService(cfg Config, oracle game.Oracle, recorder game.HistoryRecorder, lister HistoryLister, publisher game.TerminalPublisher) *Service {
	clock := clockwork.NewRealClock()

	store := session.NewStore(clock)
	timers := timer.NewEngine(clock, cfg.TickInterval)
	connections := NewConnectionManager(cfg.ConnectionConfig)
	coordinator := game.NewCoordinator(store, timers, oracle, connections, recorder, publisher, clock, cfg.Game)
	lifecycle := NewLifecycle(connections, coordinator)

	return &Service{
		store:          store,
		timers:         timers,
		coordinator:    coordinator,
		connections:    connections,
		lifecycle:      lifecycle,
		wsHandler:      NewWebSocketHandler(connections),
		sessionHandler: NewSessionHandler(coordinator, store, lister),
	}
}

// Start runs the broadcast relay until the context is cancelled.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting game gateway service")
	s.connections.Start(ctx)
	log.Info().Msg("game gateway service stopped")
	return nil
}

// RegisterRoutes registers the WebSocket and REST routes.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.sessionHandler.RegisterRoutes(mux)
	log.Info().Msg("game gateway routes registered")
}

// Stats returns service statistics for the info endpoint.
func (s *Service) Stats() map[string]int {
	stats := s.connections.Stats()
	stats["live_sessions"] = s.store.Len()
	stats["running_clocks"] = s.timers.ActiveCount()
	return stats
}
