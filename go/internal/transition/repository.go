package transition

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/mcdev12/lobby/go/internal/sqlutil"
	"github.com/mcdev12/lobby/go/internal/transition/db"
)

var ErrEventNotFound = errors.New("outbox event not found or already sent")

type Querier interface {
	FetchUnsentOutbox(ctx context.Context, limit int32) ([]db.LobbyOutbox, error)
	FetchOutboxByID(ctx context.Context, id uuid.UUID) (db.LobbyOutbox, error)
	MarkOutboxSent(ctx context.Context, id uuid.UUID) error
}

type Repository struct {
	queries Querier
}

func NewRepository(querier Querier) *Repository {
	return &Repository{
		queries: querier,
	}
}

func (r *Repository) FetchUnsent(ctx context.Context, limit int32) ([]OutboxEvent, error) {
	rows, err := r.queries.FetchUnsentOutbox(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch unsent outbox events: %w", err)
	}

	events := make([]OutboxEvent, len(rows))
	for i, row := range rows {
		events[i] = toOutboxEvent(row)
	}
	return events, nil
}

func (r *Repository) FetchByID(ctx context.Context, id uuid.UUID) (*OutboxEvent, error) {
	row, err := r.queries.FetchOutboxByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to fetch outbox event by ID: %w", err)
	}

	event := toOutboxEvent(row)
	return &event, nil
}

func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID) error {
	if err := r.queries.MarkOutboxSent(ctx, id); err != nil {
		return fmt.Errorf("failed to mark outbox event as sent: %w", err)
	}
	return nil
}

func toOutboxEvent(row db.LobbyOutbox) OutboxEvent {
	return OutboxEvent{
		ID:        row.ID,
		SessionID: row.SessionID,
		EventType: row.EventType,
		Payload:   row.Payload,
		Metadata:  sqlutil.FromNullRawMessage(row.Metadata),
		CreatedAt: row.CreatedAt,
		SentAt:    sqlutil.FromSqlTime(row.SentAt),
	}
}
