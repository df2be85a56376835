package transition

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NotifyChannel is the Postgres channel outbox inserts are announced on.
const NotifyChannel = "lobby_outbox_events"

// OutboxEvent is one row of the lobby outbox.
type OutboxEvent struct {
	ID        uuid.UUID       `json:"id"`
	SessionID string          `json:"session_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	SentAt    *time.Time      `json:"sent_at,omitempty"`
}

// Publisher delivers outbox events downstream.
type Publisher interface {
	Publish(ctx context.Context, event OutboxEvent) error
}
