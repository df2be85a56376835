package gateway

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

// JetStreamConsumerConfig holds configuration for the JetStream consumer
type JetStreamConsumerConfig struct {
	StreamName    string
	ConsumerName  string
	SubjectFilter string        // e.g., "lobby.events.<session>.>"
	MaxDeliver    int           // Max delivery attempts
	AckWait       time.Duration // How long to wait for ack
	MaxAckPending int           // Max messages pending ack
}

// DefaultJetStreamConsumerConfig returns the consumer for one member of sessionID.
func DefaultJetStreamConsumerConfig(sessionID, memberID string) JetStreamConsumerConfig {
	return JetStreamConsumerConfig{
		StreamName:    "LOBBY_EVENTS",
		ConsumerName:  fmt.Sprintf("lobby-gateway-%s-%s", sessionID, memberID),
		SubjectFilter: fmt.Sprintf("lobby.events.%s.>", sessionID),
		MaxDeliver:    5,
		AckWait:       30 * time.Second,
		MaxAckPending: 100,
	}
}

// EventConsumer forwards relayed session events from JetStream to the
// websocket clients of that session.
type EventConsumer struct {
	connectionManager *ConnectionManager
	js                jetstream.JetStream
	consumer          jetstream.Consumer
	config            JetStreamConsumerConfig
}

// NewEventConsumer binds a durable consumer on the shared connection nc.
func NewEventConsumer(ctx context.Context, nc *nats.Conn, cm *ConnectionManager, config JetStreamConsumerConfig) (*EventConsumer, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	ec := &EventConsumer{
		connectionManager: cm,
		js:                js,
		config:            config,
	}
	if err := ec.ensureConsumer(ctx); err != nil {
		return nil, fmt.Errorf("ensure consumer: %w", err)
	}
	return ec, nil
}

func (ec *EventConsumer) ensureConsumer(ctx context.Context) error {
	stream, err := ec.js.Stream(ctx, ec.config.StreamName)
	if err != nil {
		return fmt.Errorf("get stream: %w", err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          ec.config.ConsumerName,
		Durable:       ec.config.ConsumerName,
		Description:   "Lobby gateway WebSocket consumer",
		FilterSubject: ec.config.SubjectFilter,
		DeliverPolicy: jetstream.DeliverNewPolicy,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    ec.config.MaxDeliver,
		AckWait:       ec.config.AckWait,
		MaxAckPending: ec.config.MaxAckPending,
		ReplayPolicy:  jetstream.ReplayInstantPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}

	log.Info().
		Str("consumer", ec.config.ConsumerName).
		Str("stream", ec.config.StreamName).
		Str("filter", ec.config.SubjectFilter).
		Msg("JetStream consumer ready")

	ec.consumer = consumer
	return nil
}

// Start consumes until ctx is cancelled.
func (ec *EventConsumer) Start(ctx context.Context) error {
	messageCh := make(chan jetstream.Msg, 100)

	consumeCtx, err := ec.consumer.Consume(func(msg jetstream.Msg) {
		select {
		case messageCh <- msg:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}
	defer consumeCtx.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("event consumer shutting down")
			return nil
		case msg := <-messageCh:
			ec.handle(msg)
		}
	}
}

func (ec *EventConsumer) handle(msg jetstream.Msg) {
	event, err := clientEventOf(msg.Data())
	if err != nil {
		// malformed envelopes never become valid; terminate instead of redelivering
		log.Error().Err(err).Str("subject", msg.Subject()).Msg("failed to process message")
		if termErr := msg.Term(); termErr != nil {
			log.Error().Err(termErr).Msg("failed to TERM message")
		}
		return
	}

	if event != nil {
		ec.connectionManager.BroadcastToSession(event.SessionID, event)
		log.Info().
			Str("event_id", event.ID).
			Str("session_id", event.SessionID).
			Str("event_type", string(event.Type)).
			Msg("event broadcasted to WebSocket clients")
	}

	if ackErr := msg.Ack(); ackErr != nil {
		log.Error().Err(ackErr).Msg("failed to ACK message")
	}
}

// clientEventOf converts a relayed envelope into what websocket clients
// receive. Event types clients do not care about yield nil.
func clientEventOf(data []byte) (*CountdownEvent, error) {
	var envelope events.Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("unmarshal event envelope: %w", err)
	}

	switch envelope.EventType {
	case events.TypeTransitionStarted:
		var payload events.TransitionStartedPayload
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal %s payload: %w", envelope.EventType, err)
		}
		return &CountdownEvent{
			ID:        envelope.EventID,
			Type:      EventTypeTransitionStarted,
			SessionID: envelope.SessionID,
			Timestamp: envelope.Timestamp,
			Target:    payload.Target,
			FiredBy:   payload.FiredBy,
		}, nil
	default:
		log.Debug().Str("event_type", envelope.EventType).Msg("event not forwarded to clients")
		return nil, nil
	}
}
