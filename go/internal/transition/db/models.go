package db

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

type LobbyOutbox struct {
	ID        uuid.UUID             `json:"id"`
	SessionID string                `json:"session_id"`
	EventType string                `json:"event_type"`
	Payload   []byte                `json:"payload"`
	Metadata  pqtype.NullRawMessage `json:"metadata"`
	CreatedAt time.Time             `json:"created_at"`
	SentAt    sql.NullTime          `json:"sent_at"`
}
