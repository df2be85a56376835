package events

import (
	"encoding/json"
	"time"
)

// Session event payloads shared between substrates, the countdown handler
// and the transition outbox.

const (
	TypeMemberJoined      = "MemberJoined"
	TypeMemberLeft        = "MemberLeft"
	TypeAuthorityChanged  = "AuthorityChanged"
	TypeCancelRequest     = "CancelRequest"
	TypeStateUpdated      = "StateUpdated"
	TypeTransitionStarted = "TransitionStarted"
)

// Envelope wraps every event that crosses a process boundary.
type Envelope struct {
	EventID   string          `json:"eventId"`
	EventType string          `json:"eventType"`
	SessionID string          `json:"sessionId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// MemberJoinedPayload is the payload for a MemberJoined event
type MemberJoinedPayload struct {
	MemberID string `json:"member_id"`
	Name     string `json:"name,omitempty"`
}

// MemberLeftPayload is the payload for a MemberLeft event
type MemberLeftPayload struct {
	MemberID string `json:"member_id"`
	Reason   string `json:"reason,omitempty"`
}

// AuthorityChangedPayload is the payload for an AuthorityChanged event
type AuthorityChangedPayload struct {
	AuthorityID string `json:"authority_id"`
	PreviousID  string `json:"previous_id,omitempty"`
}

// CancelRequestPayload is the directed cancellation message
type CancelRequestPayload struct {
	Kind      string  `json:"kind"`
	SessionID string  `json:"session_id"`
	Sender    string  `json:"sender"`
	SentAt    float64 `json:"sent_at"`
}

// StateUpdatedPayload carries a replicated countdown tuple
type StateUpdatedPayload struct {
	StartedAt float64 `json:"start"`
	Duration  float64 `json:"duration"`
}

// TransitionStartedPayload is written to the outbox when the countdown fires
type TransitionStartedPayload struct {
	SessionID string    `json:"session_id"`
	Target    string    `json:"target"`
	FiredBy   string    `json:"fired_by"`
	FiredAt   float64   `json:"fired_at"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}
