package gateway

import (
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/lobby/go/internal/countdown"
)

// EventType represents the type of event pushed to UI clients
type EventType string

const (
	EventTypeCountdownTick     EventType = "CountdownTick"
	EventTypeTransitionStarted EventType = "TransitionStarted"
)

// CountdownEvent is what websocket clients receive: a tick whenever the local
// display snapshot changes, and TransitionStarted once the session moves on.
type CountdownEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id"`
	Timestamp time.Time `json:"timestamp"`
	Remaining float64   `json:"remaining"`
	Seconds   int       `json:"seconds"`
	Visible   bool      `json:"visible"`
	Text      string    `json:"text"`
	Target    string    `json:"target,omitempty"`
	FiredBy   string    `json:"fired_by,omitempty"`
}

// NewCountdownEvent builds a tick event from a display snapshot.
func NewCountdownEvent(sessionID string, snap countdown.Snapshot, now time.Time) *CountdownEvent {
	return &CountdownEvent{
		ID:        uuid.New().String(),
		Type:      EventTypeCountdownTick,
		SessionID: sessionID,
		Timestamp: now,
		Remaining: snap.Remaining,
		Seconds:   snap.Seconds,
		Visible:   snap.Visible,
		Text:      snap.Text(),
	}
}
