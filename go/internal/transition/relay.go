package transition

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lib/pq"
	"github.com/mcdev12/lobby/go/internal/transition/db"
	"github.com/rs/zerolog/log"
)

type RelayConfig struct {
	DatabaseURL      string        // Postgres DSN for LISTEN/NOTIFY
	NotifyChannel    string        // Channel name to LISTEN on
	FallbackInterval time.Duration // How often to poll for missed events
	MaxRetries       int
	RetryDelay       time.Duration
	PingInterval     time.Duration
	BatchSize        int32 // Max events to fetch per batch
	RecentSize       int   // Published ids remembered to skip duplicate work
}

func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		DatabaseURL:      "",
		NotifyChannel:    NotifyChannel,
		FallbackInterval: 30 * time.Second,
		MaxRetries:       5,
		RetryDelay:       200 * time.Millisecond,
		PingInterval:     90 * time.Second,
		BatchSize:        100,
		RecentSize:       1024,
	}
}

type relayStore interface {
	FetchUnsent(ctx context.Context, limit int32) ([]OutboxEvent, error)
	FetchByID(ctx context.Context, id uuid.UUID) (*OutboxEvent, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
}

// Relay moves outbox rows to the publisher. NOTIFY wakes it for new rows and
// a fallback poll picks up anything missed while disconnected.
type Relay struct {
	store     relayStore
	publisher Publisher
	cfg       RelayConfig
	notify    <-chan *pq.Notification
	ping      func() error
	close     func() error
	recent    *lru.Cache[uuid.UUID, struct{}]

	mu    sync.Mutex
	stats RelayStats
}

// RelayStats counts what the relay has done since it started.
type RelayStats struct {
	Published     uint64    `json:"published"`
	Failed        uint64    `json:"failed"`
	LastPublished time.Time `json:"last_published,omitempty"`
	Running       bool      `json:"running"`
}

func NewRelay(dbConn *sql.DB, publisher Publisher, cfg RelayConfig) (*Relay, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		10*time.Second,
		time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("listener event")
			}
		},
	)
	return listenRelay(dbConn, publisher, cfg, l)
}

// notifyListener is the part of *pq.Listener the relay drives.
type notifyListener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

func listenRelay(dbConn *sql.DB, publisher Publisher, cfg RelayConfig, l notifyListener) (*Relay, error) {
	if err := l.Listen(cfg.NotifyChannel); err != nil {
		if cerr := l.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("failed to close listener")
		}
		return nil, fmt.Errorf("failed to listen to channel: %w", err)
	}

	log.Info().
		Str("channel", cfg.NotifyChannel).
		Msg("listening for notifications")

	r, err := newRelay(NewRepository(db.New(dbConn)), publisher, cfg, l.NotificationChannel(), l.Ping, l.Close)
	if err != nil {
		_ = l.Close()
		return nil, err
	}
	return r, nil
}

func newRelay(store relayStore, publisher Publisher, cfg RelayConfig, notify <-chan *pq.Notification, ping, closeFn func() error) (*Relay, error) {
	size := cfg.RecentSize
	if size <= 0 {
		size = DefaultRelayConfig().RecentSize
	}
	recent, err := lru.New[uuid.UUID, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("create recent cache: %w", err)
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		notify:    notify,
		ping:      ping,
		close:     closeFn,
		recent:    recent,
	}, nil
}

// Stats returns a copy of the relay counters.
func (r *Relay) Stats() RelayStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Relay) setRunning(running bool) {
	r.mu.Lock()
	r.stats.Running = running
	r.mu.Unlock()
}

func (r *Relay) Start(ctx context.Context) error {
	r.setRunning(true)
	defer r.setRunning(false)

	log.Info().
		Str("channel", r.cfg.NotifyChannel).
		Dur("ping_interval", r.cfg.PingInterval).
		Dur("fallback_interval", r.cfg.FallbackInterval).
		Msg("outbox relay started")

	pingTicker := time.NewTicker(r.cfg.PingInterval)
	fallbackTicker := time.NewTicker(r.cfg.FallbackInterval)
	defer pingTicker.Stop()
	defer fallbackTicker.Stop()

	// drain whatever accumulated while the relay was down
	if err := r.processUnsent(ctx); err != nil {
		log.Error().Err(err).Msg("failed to process unsent events")
	}

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("outbox relay shutting down")
			return r.Stop()
		case note := <-r.notify:
			if note == nil {
				// connection was re-established; catch up on anything missed
				if err := r.processUnsent(ctx); err != nil {
					log.Error().Err(err).Msg("failed to process unsent events")
				}
				continue
			}
			if err := r.handleNotification(ctx, note.Extra); err != nil {
				log.Error().Err(err).Msg("failed to handle notification")
			}
		case <-fallbackTicker.C:
			if err := r.processUnsent(ctx); err != nil {
				log.Error().Err(err).Msg("failed to process unsent events")
			}
		case <-pingTicker.C:
			if r.ping == nil {
				continue
			}
			if err := r.ping(); err != nil {
				log.Error().Err(err).Msg("failed to ping listener")
			}
		}
	}
}

func (r *Relay) Stop() error {
	if r.close == nil {
		return nil
	}
	return r.close()
}

// handleNotification publishes the row whose id is the notification payload.
func (r *Relay) handleNotification(ctx context.Context, extra string) error {
	id, err := uuid.Parse(extra)
	if err != nil {
		return fmt.Errorf("invalid event ID in notification: %w", err)
	}
	if r.recent.Contains(id) {
		return nil
	}

	event, err := r.store.FetchByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrEventNotFound) {
			// already relayed by the fallback poll
			return nil
		}
		return fmt.Errorf("failed to fetch outbox event: %w", err)
	}

	return r.relay(ctx, *event)
}

func (r *Relay) processUnsent(ctx context.Context) error {
	unsent, err := r.store.FetchUnsent(ctx, r.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch unsent outbox events: %w", err)
	}

	for _, event := range unsent {
		if err := r.relay(ctx, event); err != nil {
			log.Error().Err(err).Str("event_id", event.ID.String()).Msg("failed to relay event")
		}
	}
	return nil
}

func (r *Relay) relay(ctx context.Context, event OutboxEvent) error {
	if err := r.publishWithRetry(ctx, event); err != nil {
		r.mu.Lock()
		r.stats.Failed++
		r.mu.Unlock()
		return fmt.Errorf("failed to publish event: %w", err)
	}
	r.recent.Add(event.ID, struct{}{})

	r.mu.Lock()
	r.stats.Published++
	r.stats.LastPublished = time.Now()
	r.mu.Unlock()

	if err := r.store.MarkSent(ctx, event.ID); err != nil {
		return err
	}

	log.Info().
		Str("event_id", event.ID.String()).
		Str("session_id", event.SessionID).
		Str("event_type", event.EventType).
		Msg("published and marked event as sent")
	return nil
}

// publishWithRetry attempts to publish an outbox event with a linear backoff.
func (r *Relay) publishWithRetry(ctx context.Context, event OutboxEvent) error {
	var lastErr error

	for attempt := 0; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := r.cfg.RetryDelay * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if err := r.publisher.Publish(ctx, event); err != nil {
			lastErr = err
			log.Error().
				Err(err).
				Int("attempt", attempt+1).
				Str("event_id", event.ID.String()).
				Msg("failed to publish, retrying")
			continue
		}

		if attempt > 0 {
			log.Info().
				Int("attempt", attempt+1).
				Str("event_id", event.ID.String()).
				Msg("publish succeeded after retry")
		}
		return nil
	}

	return fmt.Errorf("publish failed after %d attempts: %w", r.cfg.MaxRetries+1, lastErr)
}
