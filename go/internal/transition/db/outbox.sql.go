package db

import (
	"context"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

const insertOutboxEvent = `-- name: InsertOutboxEvent :exec
INSERT INTO lobby_outbox (id, session_id, event_type, payload, metadata)
VALUES ($1, $2, $3, $4, $5)
`

type InsertOutboxEventParams struct {
	ID        uuid.UUID             `json:"id"`
	SessionID string                `json:"session_id"`
	EventType string                `json:"event_type"`
	Payload   []byte                `json:"payload"`
	Metadata  pqtype.NullRawMessage `json:"metadata"`
}

func (q *Queries) InsertOutboxEvent(ctx context.Context, arg InsertOutboxEventParams) error {
	_, err := q.db.ExecContext(ctx, insertOutboxEvent,
		arg.ID,
		arg.SessionID,
		arg.EventType,
		arg.Payload,
		arg.Metadata,
	)
	return err
}

const notifyOutbox = `-- name: NotifyOutbox :exec
SELECT pg_notify($1, $2)
`

func (q *Queries) NotifyOutbox(ctx context.Context, channel string, payload string) error {
	_, err := q.db.ExecContext(ctx, notifyOutbox, channel, payload)
	return err
}

const fetchUnsentOutbox = `-- name: FetchUnsentOutbox :many
SELECT id, session_id, event_type, payload, metadata, created_at, sent_at
FROM lobby_outbox
WHERE sent_at IS NULL
ORDER BY created_at
LIMIT $1
`

func (q *Queries) FetchUnsentOutbox(ctx context.Context, limit int32) ([]LobbyOutbox, error) {
	rows, err := q.db.QueryContext(ctx, fetchUnsentOutbox, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []LobbyOutbox
	for rows.Next() {
		var i LobbyOutbox
		if err := rows.Scan(
			&i.ID,
			&i.SessionID,
			&i.EventType,
			&i.Payload,
			&i.Metadata,
			&i.CreatedAt,
			&i.SentAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const fetchOutboxByID = `-- name: FetchOutboxByID :one
SELECT id, session_id, event_type, payload, metadata, created_at, sent_at
FROM lobby_outbox
WHERE id = $1 AND sent_at IS NULL
`

func (q *Queries) FetchOutboxByID(ctx context.Context, id uuid.UUID) (LobbyOutbox, error) {
	row := q.db.QueryRowContext(ctx, fetchOutboxByID, id)
	var i LobbyOutbox
	err := row.Scan(
		&i.ID,
		&i.SessionID,
		&i.EventType,
		&i.Payload,
		&i.Metadata,
		&i.CreatedAt,
		&i.SentAt,
	)
	return i, err
}

const markOutboxSent = `-- name: MarkOutboxSent :exec
UPDATE lobby_outbox SET sent_at = now() WHERE id = $1
`

func (q *Queries) MarkOutboxSent(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, markOutboxSent, id)
	return err
}

const countUnsentOutbox = `-- name: CountUnsentOutbox :one
SELECT count(*) FROM lobby_outbox WHERE sent_at IS NULL
`

func (q *Queries) CountUnsentOutbox(ctx context.Context) (int64, error) {
	row := q.db.QueryRowContext(ctx, countUnsentOutbox)
	var count int64
	err := row.Scan(&count)
	return count, err
}
