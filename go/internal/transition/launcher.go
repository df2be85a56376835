package transition

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/lobby/go/internal/countdown"
	"github.com/mcdev12/lobby/go/internal/countdown/events"
	"github.com/mcdev12/lobby/go/internal/sqlutil"
	"github.com/mcdev12/lobby/go/internal/transition/db"
	"github.com/rs/zerolog/log"
)

// LogLauncher only logs the transition. Used for local runs.
type LogLauncher struct{}

func (LogLauncher) BeginTransition(ctx context.Context, t countdown.Transition) error {
	log.Info().
		Str("session_id", t.SessionID).
		Str("target", t.Target).
		Str("fired_by", t.FiredBy).
		Float64("fired_at", t.FiredAt).
		Str("reason", t.Reason).
		Msg("loading next activity")
	return nil
}

// outboxWriter is the part of db.Queries recording a transition needs.
type outboxWriter interface {
	InsertOutboxEvent(ctx context.Context, arg db.InsertOutboxEventParams) error
	NotifyOutbox(ctx context.Context, channel string, payload string) error
}

// OutboxLauncher records the transition in the Postgres outbox so the relay
// can publish it, announcing the row with NOTIFY in the same transaction.
type OutboxLauncher struct {
	db      *sql.DB
	channel string
	labels  map[string]string
	now     func() time.Time
}

// NewOutboxLauncher creates a launcher writing to dbConn. labels end up in the
// row's metadata column; nil leaves it NULL.
func NewOutboxLauncher(dbConn *sql.DB, labels map[string]string) *OutboxLauncher {
	return &OutboxLauncher{
		db:      dbConn,
		channel: NotifyChannel,
		labels:  labels,
		now:     time.Now,
	}
}

func (l *OutboxLauncher) BeginTransition(ctx context.Context, t countdown.Transition) error {
	var id uuid.UUID
	err := sqlutil.Run(ctx, l.db, func(tx *sql.Tx) *db.Queries { return db.New(tx) }, func(q *db.Queries) error {
		var err error
		id, err = recordTransition(ctx, q, l.channel, t, l.labels, l.now().UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("record transition for session %s: %w", t.SessionID, err)
	}

	log.Info().
		Str("session_id", t.SessionID).
		Str("event_id", id.String()).
		Str("target", t.Target).
		Msg("transition written to outbox")
	return nil
}

func recordTransition(ctx context.Context, w outboxWriter, channel string, t countdown.Transition, labels map[string]string, now time.Time) (uuid.UUID, error) {
	payload, err := json.Marshal(events.TransitionStartedPayload{
		SessionID: t.SessionID,
		Target:    t.Target,
		FiredBy:   t.FiredBy,
		FiredAt:   t.FiredAt,
		Reason:    t.Reason,
		CreatedAt: now,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal TransitionStarted payload: %w", err)
	}

	var metadata json.RawMessage
	if len(labels) > 0 {
		if metadata, err = json.Marshal(labels); err != nil {
			return uuid.Nil, fmt.Errorf("failed to marshal outbox metadata: %w", err)
		}
	}

	id := uuid.New()
	if err := w.InsertOutboxEvent(ctx, db.InsertOutboxEventParams{
		ID:        id,
		SessionID: t.SessionID,
		EventType: events.TypeTransitionStarted,
		Payload:   payload,
		Metadata:  sqlutil.ToNullRawMessage(metadata),
	}); err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert TransitionStarted outbox event: %w", err)
	}
	if err := w.NotifyOutbox(ctx, channel, id.String()); err != nil {
		return uuid.Nil, fmt.Errorf("failed to notify outbox channel: %w", err)
	}
	return id, nil
}

// MultiLauncher fans a transition out to every launcher and joins their errors.
type MultiLauncher []countdown.Transitioner

func (m MultiLauncher) BeginTransition(ctx context.Context, t countdown.Transition) error {
	var errs []error
	for _, l := range m {
		if err := l.BeginTransition(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
