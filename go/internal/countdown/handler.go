package countdown

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mcdev12/lobby/go/internal/countdown/events"
	"github.com/rs/zerolog/log"
)

// HandleSessionEvent decodes a substrate event and routes it to the listener.
func HandleSessionEvent(ctx context.Context, l Listener, eventType string, payload []byte) error {
	log.Debug().
		Str("event_type", eventType).
		Msg("handling session event")

	switch eventType {
	case events.TypeMemberJoined:
		var p events.MemberJoinedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal MemberJoined payload: %w", err)
		}
		l.OnMemberJoined(ctx, p.MemberID)
		return nil

	case events.TypeMemberLeft:
		var p events.MemberLeftPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal MemberLeft payload: %w", err)
		}
		l.OnMemberLeft(ctx, p.MemberID)
		return nil

	case events.TypeAuthorityChanged:
		var p events.AuthorityChangedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal AuthorityChanged payload: %w", err)
		}
		l.OnAuthorityChanged(ctx, p.AuthorityID)
		return nil

	case events.TypeCancelRequest:
		var p events.CancelRequestPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal CancelRequest payload: %w", err)
		}
		l.OnCancelRequest(ctx, CancelRequest{
			Kind:      p.Kind,
			SessionID: p.SessionID,
			Sender:    p.Sender,
			SentAt:    p.SentAt,
		})
		return nil

	case events.TypeStateUpdated:
		var p events.StateUpdatedPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("failed to unmarshal StateUpdated payload: %w", err)
		}
		l.OnStateUpdated(ctx, State{StartedAt: p.StartedAt, Duration: p.Duration})
		return nil

	default:
		log.Warn().
			Str("event_type", eventType).
			Msg("unknown session event type - ignoring")
		return nil
	}
}

// NewEnvelope marshals payload into an event envelope.
func NewEnvelope(sessionID, eventType string, payload any) (events.Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return events.Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", eventType, err)
	}
	return events.Envelope{
		EventID:   uuid.New().String(),
		EventType: eventType,
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Payload:   raw,
	}, nil
}

// CancelEnvelope wraps a cancel request for directed delivery.
func CancelEnvelope(req CancelRequest) (events.Envelope, error) {
	return NewEnvelope(req.SessionID, events.TypeCancelRequest, events.CancelRequestPayload{
		Kind:      req.Kind,
		SessionID: req.SessionID,
		Sender:    req.Sender,
		SentAt:    req.SentAt,
	})
}
