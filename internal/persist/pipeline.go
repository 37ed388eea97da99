// Package persist carries settled sessions off the streaming path. Registries
// publish snapshots on an in-process topic and sinks consume them.
package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/ashureev/querymux/internal/domain"
)

// Topics carried by the bus.
const (
	TopicSettled = "sessions.settled"
	TopicDeleted = "sessions.deleted"
)

// SettledMessage is published when a response reaches a terminal state.
type SettledMessage struct {
	Snapshot  domain.SessionSnapshot `json:"snapshot"`
	MessageID string                 `json:"message_id"`
}

// DeletedMessage is published when a user deletes a session.
type DeletedMessage struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// NewBus returns the in-process pub/sub used between registries and sinks.
// Publish returns once every subscriber has acked, so a registry that has
// closed has also persisted its last snapshot.
func NewBus(buffer int64, logger *slog.Logger) *gochannel.GoChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            buffer,
			BlockPublishUntilSubscriberAck: true,
		},
		watermill.NewSlogLogger(logger),
	)
}

// Publisher turns registry callbacks into bus messages.
type Publisher struct {
	pub    message.Publisher
	logger *slog.Logger
}

// NewPublisher wraps pub.
func NewPublisher(pub message.Publisher, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{pub: pub, logger: logger}
}

// PublishSettled publishes a settled snapshot. Its signature matches
// session.Options.OnSettled.
func (p *Publisher) PublishSettled(snap domain.SessionSnapshot, messageID string) {
	p.publish(TopicSettled, SettledMessage{Snapshot: snap, MessageID: messageID}, snap.UserID, snap.SessionID)
}

// PublishDeleted publishes a deletion. Its signature matches
// session.Options.OnDeleted.
func (p *Publisher) PublishDeleted(userID, sessionID string) {
	p.publish(TopicDeleted, DeletedMessage{UserID: userID, SessionID: sessionID}, userID, sessionID)
}

func (p *Publisher) publish(topic string, v any, userID, sessionID string) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("Failed to encode bus message", "topic", topic, "error", err)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("user_id", userID)
	msg.Metadata.Set("session_id", sessionID)
	if err := p.pub.Publish(topic, msg); err != nil {
		p.logger.Error("Failed to publish bus message",
			"topic", topic,
			"user_id", userID,
			"session_id", sessionID,
			"error", err)
	}
}

// Handler processes one bus message.
type Handler func(ctx context.Context, msg *message.Message) error

// Consumer feeds one topic subscription to a handler.
type Consumer struct {
	name     string
	topic    string
	messages <-chan *message.Message
	handle   Handler
	logger   *slog.Logger
}

// Subscribe subscribes to topic immediately, so messages published after it
// returns are delivered once Run starts.
func Subscribe(ctx context.Context, sub message.Subscriber, topic, name string, handle Handler, logger *slog.Logger) (*Consumer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	messages, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s to %s: %w", name, topic, err)
	}
	return &Consumer{
		name:     name,
		topic:    topic,
		messages: messages,
		handle:   handle,
		logger:   logger.With("consumer", name, "topic", topic),
	}, nil
}

// Run processes messages until ctx is cancelled or the subscription closes.
// Failed messages are logged and acked; redelivery would not fix them.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("Consumer started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Consumer shutting down", "reason", ctx.Err())
			return nil
		case msg, ok := <-c.messages:
			if !ok {
				return nil
			}
			if err := c.handle(ctx, msg); err != nil {
				c.logger.Error("Failed to process message",
					"message_uuid", msg.UUID,
					"session_id", msg.Metadata.Get("session_id"),
					"error", err)
			}
			msg.Ack()
		}
	}
}
