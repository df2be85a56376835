package countdown

import (
	"fmt"
	"time"
)

const (
	defaultWatchInterval   = 500 * time.Millisecond
	defaultDisplayInterval = 250 * time.Millisecond
	defaultStartDuration   = 5 * time.Second
	defaultTarget          = "SessionScene"
)

// Config holds the tunables of one member's countdown components.
type Config struct {
	Policy Policy
	// Target identifies what the terminal transition loads.
	Target string
	// StartDuration is the countdown written by RequestStart. Zero starts
	// the transition immediately.
	StartDuration   time.Duration
	WatchInterval   time.Duration
	DisplayInterval time.Duration
}

// DefaultConfig returns the settings the lobby runs with when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Policy:          DefaultPolicy(),
		Target:          defaultTarget,
		StartDuration:   defaultStartDuration,
		WatchInterval:   defaultWatchInterval,
		DisplayInterval: defaultDisplayInterval,
	}
}

// Validate checks intervals and the policy table.
func (c Config) Validate() error {
	if c.WatchInterval <= 0 {
		return fmt.Errorf("watch interval must be positive, got %s", c.WatchInterval)
	}
	if c.DisplayInterval <= 0 {
		return fmt.Errorf("display interval must be positive, got %s", c.DisplayInterval)
	}
	if c.StartDuration < 0 {
		return fmt.Errorf("start duration must not be negative, got %s", c.StartDuration)
	}
	if c.Target == "" {
		return fmt.Errorf("transition target is required")
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	return nil
}
