package natsbus

import (
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Config holds connection and session settings for the NATS substrate.
type Config struct {
	URL           string
	Bucket        string
	SessionID     string
	MemberID      string
	MemberName    string
	Capacity      int
	MemberTTL     time.Duration // roster entries older than this are gone
	Heartbeat     time.Duration
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns default substrate configuration
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Bucket:        "LOBBY_SESSIONS",
		Capacity:      4,
		MemberTTL:     10 * time.Second,
		Heartbeat:     3 * time.Second,
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

func (c Config) validate() error {
	if c.SessionID == "" || c.MemberID == "" {
		return fmt.Errorf("session id and member id are required")
	}
	if strings.ContainsAny(c.SessionID+c.MemberID, ".*> ") {
		return fmt.Errorf("session id %q and member id %q must not contain '.', '*', '>' or spaces", c.SessionID, c.MemberID)
	}
	if c.Heartbeat <= 0 || c.MemberTTL <= c.Heartbeat {
		return fmt.Errorf("member ttl (%s) must exceed heartbeat (%s)", c.MemberTTL, c.Heartbeat)
	}
	return nil
}

// Connect dials NATS with reconnect handling.
func Connect(cfg Config) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("lobby-" + cfg.MemberID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

func stateKey(sessionID string) string {
	return sessionID + ".countdown"
}

func memberKey(sessionID, memberID string) string {
	return sessionID + ".members." + memberID
}

func memberFromKey(sessionID, key string) (string, bool) {
	prefix := sessionID + ".members."
	if !strings.HasPrefix(key, prefix) {
		return "", false
	}
	id := strings.TrimPrefix(key, prefix)
	return id, id != ""
}

func inboxSubject(sessionID, memberID string) string {
	return "lobby." + sessionID + ".member." + memberID + ".inbox"
}
