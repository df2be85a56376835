package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/lobby/go/internal/dbconfig"
	"github.com/mcdev12/lobby/go/internal/session/natsbus"
	"github.com/mcdev12/lobby/go/internal/transition"
)

func main() {
	// load .env
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	cfg := dbconfig.NewConfigFromEnv()
	dsn := cfg.DSN()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatal().Err(err).Str("dsn", cfg.Redacted()).Msg("ping database")
	}
	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Database).
		Msg("connected to database")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// publish to JetStream when NATS is configured, otherwise just log
	var publisher transition.Publisher = transition.LogPublisher{}
	var nc *nats.Conn
	if url := os.Getenv("NATS_URL"); url != "" {
		natsCfg := natsbus.DefaultConfig()
		natsCfg.URL = url
		natsCfg.MemberID = "outbox-relay"
		nc, err = natsbus.Connect(natsCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("connect to NATS")
		}
		defer nc.Drain()

		js, err := transition.NewJetStreamPublisher(ctx, nc, transition.DefaultJetStreamConfig())
		if err != nil {
			log.Fatal().Err(err).Msg("create JetStream publisher")
		}
		publisher = js
	} else {
		log.Warn().Msg("NATS_URL not set, relayed events are only logged")
	}

	relayCfg := transition.DefaultRelayConfig()
	relayCfg.DatabaseURL = dsn
	if iv := os.Getenv("FALLBACK_INTERVAL"); iv != "" {
		if d, err := time.ParseDuration(iv); err == nil {
			relayCfg.FallbackInterval = d
		}
	}

	relay, err := transition.NewRelay(db, publisher, relayCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create outbox relay")
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Msg("starting outbox relay")
		errCh <- relay.Start(ctx)
	}()

	threshold := 2 * relayCfg.FallbackInterval
	health := &http.Server{
		Addr:              getEnv("HEALTH_ADDR", ":8091"),
		Handler:           transition.NewHealthChecker(relay, db, nc, threshold),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", health.Addr).Msg("serving relay health")
		if err := health.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("health server failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = health.Shutdown(shutdownCtx)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			log.Warn().Msg("relay did not stop in time")
		}
		log.Info().Msg("graceful shutdown complete")

	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("relay exited unexpectedly")
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
