package transition

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcdev12/lobby/go/internal/countdown/events"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
)

// JetStreamConfig shapes the LOBBY_EVENTS stream. Lobby events only matter
// while a session is forming, so retention is short and per-subject capped.
type JetStreamConfig struct {
	StreamName    string
	SubjectPrefix string
	Retain        time.Duration
	// PerSubject caps stored messages per session and event type; -1 is unlimited.
	PerSubject int64
	Replicas   int
	DedupeFor  time.Duration
}

func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		StreamName:    "LOBBY_EVENTS",
		SubjectPrefix: "lobby.events",
		Retain:        24 * time.Hour,
		PerSubject:    100,
		Replicas:      1,
		DedupeFor:     10 * time.Minute,
	}
}

// JetStreamPublisher publishes outbox events to a JetStream stream, using the
// outbox id as the message id so relayed duplicates are dropped by the server.
type JetStreamPublisher struct {
	js     jetstream.JetStream
	config JetStreamConfig
}

func NewJetStreamPublisher(ctx context.Context, nc *nats.Conn, cfg JetStreamConfig) (*JetStreamPublisher, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, lobbyStream(cfg))
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.StreamName, err)
	}
	log.Info().
		Str("stream", stream.CachedInfo().Config.Name).
		Strs("subjects", stream.CachedInfo().Config.Subjects).
		Dur("retain", cfg.Retain).
		Msg("lobby event stream ready")

	return &JetStreamPublisher{js: js, config: cfg}, nil
}

func lobbyStream(cfg JetStreamConfig) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:              cfg.StreamName,
		Description:       "Lobby session event stream fed by the transition outbox",
		Subjects:          []string{cfg.SubjectPrefix + ".>"},
		Retention:         jetstream.LimitsPolicy,
		Discard:           jetstream.DiscardOld,
		MaxAge:            cfg.Retain,
		MaxMsgsPerSubject: cfg.PerSubject,
		Storage:           jetstream.FileStorage,
		Replicas:          cfg.Replicas,
		Duplicates:        cfg.DedupeFor,
	}
}

func (p *JetStreamPublisher) Publish(ctx context.Context, event OutboxEvent) error {
	msg, err := buildMessage(p.config.SubjectPrefix, event, time.Now().UTC())
	if err != nil {
		return err
	}

	ack, err := p.js.PublishMsg(ctx, msg,
		jetstream.WithMsgID(event.ID.String()),
		jetstream.WithExpectStream(p.config.StreamName),
	)
	if err != nil {
		return fmt.Errorf("publish to JetStream: %w", err)
	}

	log.Debug().
		Str("subject", msg.Subject).
		Str("session_id", event.SessionID).
		Uint64("seq", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("lobby event stored")
	return nil
}

// buildMessage wraps the outbox row in the shared event envelope.
func buildMessage(prefix string, event OutboxEvent, now time.Time) (*nats.Msg, error) {
	data, err := json.Marshal(events.Envelope{
		EventID:   event.ID.String(),
		EventType: event.EventType,
		SessionID: event.SessionID,
		Timestamp: now,
		Payload:   event.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}

	return &nats.Msg{
		Subject: fmt.Sprintf("%s.%s.%s", prefix, event.SessionID, event.EventType),
		Data:    data,
		Header: nats.Header{
			"Lobby-Session": []string{event.SessionID},
			"Lobby-Event":   []string{event.EventType},
		},
	}, nil
}

// LogPublisher logs events instead of publishing them. Useful in development.
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, event OutboxEvent) error {
	log.Info().
		Str("event_id", event.ID.String()).
		Str("session_id", event.SessionID).
		Str("event_type", event.EventType).
		RawJSON("payload", event.Payload).
		Msg("outbox event")
	return nil
}
