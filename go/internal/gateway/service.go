package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/lobby/go/internal/countdown"
	"github.com/nats-io/nats.go"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
)

// Service exposes one member's countdown to UI clients: websocket pushes,
// REST routes and the CountdownService RPC.
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	stateHandler      *StateHandler
	rpc               *rpcService
	countdown         Countdown
	clock             clockwork.Clock
	config            Config
}

// Config holds configuration for the gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
	AllowedOrigins   []string
}

// DefaultConfig returns default configuration for the gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		AllowedOrigins:   []string{"*"},
	}
}

// NewService creates the gateway for cd and subscribes to its display.
func NewService(config Config, cd Countdown) *Service {
	clock := clockwork.NewRealClock()
	cm := NewConnectionManager(config.ConnectionConfig)

	s := &Service{
		connectionManager: cm,
		wsHandler:         NewWebSocketHandler(cm, cd, clock),
		stateHandler:      NewStateHandler(cd),
		rpc:               &rpcService{countdown: cd},
		countdown:         cd,
		clock:             clock,
		config:            config,
	}

	cd.Subscribe(func(snap countdown.Snapshot) {
		cm.BroadcastToSession(cd.SessionID(), NewCountdownEvent(cd.SessionID(), snap, clock.Now()))
	})
	return s
}

// Start runs the connection manager until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	log.Info().
		Str("session_id", s.countdown.SessionID()).
		Str("member_id", s.countdown.MemberID()).
		Msg("starting countdown gateway")

	s.connectionManager.Start(ctx)

	log.Info().Msg("countdown gateway stopped")
	return nil
}

// RegisterRoutes registers the websocket, REST, RPC and health routes.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	s.stateHandler.RegisterStateRoutes(mux)

	path, handler := NewCountdownServiceHandler(s.rpc)
	mux.Handle(path, handler)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Error().Err(err).Msg("failed to write health check response")
		}
	})
	log.Info().Msg("countdown gateway routes registered")
}

// Handler returns every route wrapped with CORS and cleartext HTTP/2.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: s.config.AllowedOrigins,
		AllowedHeaders: []string{"*"},
	})
	return h2c.NewHandler(c.Handler(mux), &http2.Server{})
}

// NewServer returns an http.Server for the gateway listening on addr.
func (s *Service) NewServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// ConsumeEvents forwards relayed session events to websocket clients until
// ctx is cancelled. The stream must already exist; the outbox relay creates it.
func (s *Service) ConsumeEvents(ctx context.Context, nc *nats.Conn, cfg JetStreamConsumerConfig) error {
	consumer, err := NewEventConsumer(ctx, nc, s.connectionManager, cfg)
	if err != nil {
		return err
	}
	return consumer.Start(ctx)
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() ConnectionStats {
	return s.connectionManager.GetConnectionStats()
}
