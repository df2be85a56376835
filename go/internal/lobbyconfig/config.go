package lobbyconfig

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/lobby/go/internal/countdown"
	"github.com/mcdev12/lobby/go/internal/gateway"
	"github.com/mcdev12/lobby/go/internal/session/natsbus"
	"gopkg.in/yaml.v3"
)

const DefaultPath = "config/lobby.yaml"

const (
	SubstrateNATS   = "nats"
	SubstrateMemory = "memory"
)

// Config is one lobby member process: file settings first, environment on top.
type Config struct {
	Substrate string          `yaml:"substrate"`
	Session   SessionConfig   `yaml:"session"`
	Countdown CountdownConfig `yaml:"countdown"`
	NATS      NATSConfig      `yaml:"nats"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Demo      DemoConfig      `yaml:"demo"`
}

type SessionConfig struct {
	ID         string `yaml:"id"`
	MemberID   string `yaml:"member_id"`
	MemberName string `yaml:"member_name"`
	Capacity   int    `yaml:"capacity"`
}

type CountdownConfig struct {
	Policy          countdown.Policy `yaml:"policy"`
	Target          string           `yaml:"target"`
	StartDuration   time.Duration    `yaml:"start_duration"`
	WatchInterval   time.Duration    `yaml:"watch_interval"`
	DisplayInterval time.Duration    `yaml:"display_interval"`
}

type NATSConfig struct {
	URL       string        `yaml:"url"`
	Bucket    string        `yaml:"bucket"`
	MemberTTL time.Duration `yaml:"member_ttl"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

type GatewayConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DemoConfig drives the simulated peers of the in-memory substrate.
type DemoConfig struct {
	Peers     int           `yaml:"peers"`
	JoinEvery time.Duration `yaml:"join_every"`
}

// Default returns the configuration used when neither file nor env say otherwise.
func Default() Config {
	cd := countdown.DefaultConfig()
	nb := natsbus.DefaultConfig()
	return Config{
		Substrate: SubstrateNATS,
		Session: SessionConfig{
			ID:       "lobby",
			Capacity: nb.Capacity,
		},
		Countdown: CountdownConfig{
			Policy:          cd.Policy,
			Target:          cd.Target,
			StartDuration:   cd.StartDuration,
			WatchInterval:   cd.WatchInterval,
			DisplayInterval: cd.DisplayInterval,
		},
		NATS: NATSConfig{
			URL:       nb.URL,
			Bucket:    nb.Bucket,
			MemberTTL: nb.MemberTTL,
			Heartbeat: nb.Heartbeat,
		},
		Gateway: GatewayConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"*"},
		},
		Demo: DemoConfig{
			Peers:     3,
			JoinEvery: 4 * time.Second,
		},
	}
}

// Load reads path over the defaults (a missing file is not an error), then
// applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	cfg.applyEnv()
	if cfg.Session.MemberID == "" {
		cfg.Session.MemberID = uuid.New().String()
	}
	if cfg.Session.MemberName == "" {
		cfg.Session.MemberName = cfg.Session.MemberID
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Substrate = getEnv("LOBBY_SUBSTRATE", c.Substrate)
	c.Session.ID = getEnv("LOBBY_SESSION_ID", c.Session.ID)
	c.Session.MemberID = getEnv("LOBBY_MEMBER_ID", c.Session.MemberID)
	c.Session.MemberName = getEnv("LOBBY_MEMBER_NAME", c.Session.MemberName)
	c.Session.Capacity = getEnvAsInt("LOBBY_CAPACITY", c.Session.Capacity)
	c.Countdown.Target = getEnv("LOBBY_TARGET", c.Countdown.Target)
	c.Countdown.StartDuration = getEnvAsDuration("LOBBY_START_DURATION", c.Countdown.StartDuration)
	c.Countdown.WatchInterval = getEnvAsDuration("LOBBY_WATCH_INTERVAL", c.Countdown.WatchInterval)
	c.Countdown.DisplayInterval = getEnvAsDuration("LOBBY_DISPLAY_INTERVAL", c.Countdown.DisplayInterval)
	c.NATS.URL = getEnv("NATS_URL", c.NATS.URL)
	c.Gateway.Addr = getEnv("LOBBY_ADDR", c.Gateway.Addr)
	if origins := os.Getenv("LOBBY_ALLOWED_ORIGINS"); origins != "" {
		c.Gateway.AllowedOrigins = strings.Split(origins, ",")
	}
	c.Demo.Peers = getEnvAsInt("LOBBY_DEMO_PEERS", c.Demo.Peers)
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.Substrate {
	case SubstrateNATS, SubstrateMemory:
	default:
		return fmt.Errorf("unknown substrate %q", c.Substrate)
	}
	if c.Session.Capacity < 1 {
		return fmt.Errorf("session capacity must be positive, got %d", c.Session.Capacity)
	}
	if c.Substrate == SubstrateMemory && c.Demo.Peers >= c.Session.Capacity {
		return fmt.Errorf("demo peers (%d) leave no room for the local member (capacity %d)", c.Demo.Peers, c.Session.Capacity)
	}
	if err := c.CountdownConfig().Validate(); err != nil {
		return fmt.Errorf("countdown: %w", err)
	}
	return nil
}

// CountdownConfig converts to the state machine settings.
func (c Config) CountdownConfig() countdown.Config {
	return countdown.Config{
		Policy:          c.Countdown.Policy,
		Target:          c.Countdown.Target,
		StartDuration:   c.Countdown.StartDuration,
		WatchInterval:   c.Countdown.WatchInterval,
		DisplayInterval: c.Countdown.DisplayInterval,
	}
}

// NATSConfig converts to the NATS substrate settings.
func (c Config) NATSConfig() natsbus.Config {
	cfg := natsbus.DefaultConfig()
	cfg.URL = c.NATS.URL
	cfg.Bucket = c.NATS.Bucket
	cfg.SessionID = c.Session.ID
	cfg.MemberID = c.Session.MemberID
	cfg.MemberName = c.Session.MemberName
	cfg.Capacity = c.Session.Capacity
	cfg.MemberTTL = c.NATS.MemberTTL
	cfg.Heartbeat = c.NATS.Heartbeat
	return cfg
}

// GatewayConfig converts to the gateway settings.
func (c Config) GatewayConfig() gateway.Config {
	cfg := gateway.DefaultConfig()
	cfg.AllowedOrigins = c.Gateway.AllowedOrigins
	return cfg
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
