package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/lobby/go/internal/countdown"
	"github.com/mcdev12/lobby/go/internal/gateway"
	"github.com/mcdev12/lobby/go/internal/lobbyconfig"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	cfg, err := lobbyconfig.Load(getEnv("LOBBY_CONFIG", lobbyconfig.DefaultPath))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	launcher, closeLauncher, err := setupLauncher(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up transition launcher")
	}
	defer closeLauncher()

	session, err := setupSubstrate(ctx, cfg, launcher)
	if err != nil {
		log.Fatal().Err(err).Str("substrate", cfg.Substrate).Msg("failed to join session")
	}
	member := session.member

	gw := gateway.NewService(cfg.GatewayConfig(), member)
	server := gw.NewServer(cfg.Gateway.Addr)

	go func() {
		if err := member.Run(ctx); err != nil {
			log.Error().Err(err).Msg("countdown member stopped")
		}
	}()
	go func() {
		if err := gw.Start(ctx); err != nil {
			log.Error().Err(err).Msg("gateway service failed")
		}
	}()
	if session.nc != nil {
		go func() {
			consumerCfg := gateway.DefaultJetStreamConsumerConfig(cfg.Session.ID, cfg.Session.MemberID)
			if err := gw.ConsumeEvents(ctx, session.nc, consumerCfg); err != nil {
				log.Warn().Err(err).Msg("relayed session events unavailable to clients")
			}
		}()
	}
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
			stop()
		}
	}()

	log.Info().
		Str("session_id", cfg.Session.ID).
		Str("member_id", cfg.Session.MemberID).
		Str("substrate", cfg.Substrate).
		Msg("lobby member running")

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := session.leave(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to leave session")
	}

	log.Info().Msg("lobby member shutdown complete")
}

// leaveFunc says goodbye to the session so authority moves on without
// waiting for a roster timeout.
type leaveFunc func(ctx context.Context) error

var _ gateway.Countdown = (*countdown.Member)(nil)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
