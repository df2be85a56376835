package transition

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/lobby/go/internal/transition/db"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// HighPendingCount is the unsent backlog above which health reports a warning.
const HighPendingCount = 1000

type HealthStatus struct {
	Healthy           bool      `json:"healthy"`
	Published         uint64    `json:"published"`
	Failed            uint64    `json:"failed"`
	LastPublished     time.Time `json:"last_published"`
	PendingEvents     int64     `json:"pending_events"`
	DatabaseConnected bool      `json:"database_connected"`
	NATSConnected     bool      `json:"nats_connected"`
	RelayRunning      bool      `json:"relay_running"`
	Errors            []string  `json:"errors"`
}

type pinger interface {
	PingContext(ctx context.Context) error
}

type pendingCounter interface {
	CountUnsentOutbox(ctx context.Context) (int64, error)
}

type statsSource interface {
	Stats() RelayStats
}

// HealthChecker reports whether the relay is keeping up with the outbox.
type HealthChecker struct {
	relay     statsSource
	db        pinger
	counter   pendingCounter
	connected func() bool
	threshold time.Duration // how long a backlog may sit without a publish
	clock     clockwork.Clock
}

// NewHealthChecker checks relay against dbConn. nc may be nil when the relay
// only logs.
func NewHealthChecker(relay *Relay, dbConn *sql.DB, nc *nats.Conn, threshold time.Duration) *HealthChecker {
	var connected func() bool
	if nc != nil {
		connected = nc.IsConnected
	}
	return newHealthChecker(relay, dbConn, db.New(dbConn), connected, threshold, clockwork.NewRealClock())
}

func newHealthChecker(relay statsSource, p pinger, counter pendingCounter, connected func() bool, threshold time.Duration, clock clockwork.Clock) *HealthChecker {
	return &HealthChecker{
		relay:     relay,
		db:        p,
		counter:   counter,
		connected: connected,
		threshold: threshold,
		clock:     clock,
	}
}

func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	stats := h.relay.Stats()
	status := HealthStatus{
		Healthy:       true,
		Published:     stats.Published,
		Failed:        stats.Failed,
		LastPublished: stats.LastPublished,
		RelayRunning:  stats.Running,
		Errors:        []string{},
	}

	if err := h.db.PingContext(ctx); err != nil {
		status.Healthy = false
		status.Errors = append(status.Errors, fmt.Sprintf("database ping failed: %v", err))
	} else {
		status.DatabaseConnected = true
	}

	if h.connected != nil {
		status.NATSConnected = h.connected()
		if !status.NATSConnected {
			status.Healthy = false
			status.Errors = append(status.Errors, "NATS disconnected")
		}
	}

	if !status.RelayRunning {
		status.Healthy = false
		status.Errors = append(status.Errors, "relay not running")
	}

	if status.DatabaseConnected {
		pending, err := h.counter.CountUnsentOutbox(ctx)
		if err != nil {
			status.Errors = append(status.Errors, fmt.Sprintf("failed to count pending events: %v", err))
		} else {
			status.PendingEvents = pending
			if pending > HighPendingCount {
				status.Errors = append(status.Errors, fmt.Sprintf("high pending event count: %d", pending))
			}
		}
	}

	// a backlog is only a problem if nothing has gone out for a while
	if status.PendingEvents > 0 && !status.LastPublished.IsZero() {
		if since := h.clock.Since(status.LastPublished); since > h.threshold {
			status.Healthy = false
			status.Errors = append(status.Errors, fmt.Sprintf("no events published for %s", since.Round(time.Second)))
		}
	}

	return status
}

func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)

	w.Header().Set("Content-Type", "application/json")
	if !status.Healthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Error().Err(err).Msg("failed to encode health status")
	}
}
