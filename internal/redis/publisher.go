package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Event is the envelope pushed to real-time subscribers.
type Event struct {
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	SentAt  time.Time `json:"sent_at"`
}

// Publisher fans events out to connected clients over Redis pub/sub.
// Gateways subscribe to the per-user and per-thread channels.
type Publisher struct {
	client *Client
	logger *zap.Logger
}

// NewPublisher creates a new real-time publisher.
func NewPublisher(client *Client, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, logger: logger}
}

// UserChannel is the channel a user's sessions subscribe to.
func UserChannel(userID string) string {
	return "user:" + userID
}

// ThreadChannel is the channel a chat thread's viewers subscribe to.
func ThreadChannel(threadID string) string {
	return "thread:" + threadID
}

// Publish sends event to channel. Having no subscribers is not an error.
func (p *Publisher) Publish(ctx context.Context, channel, event string, payload any) error {
	body, err := json.Marshal(Event{
		Event:   event,
		Payload: payload,
		SentAt:  time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	receivers, err := p.client.rdb.Publish(ctx, channel, body).Result()
	if err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}

	p.logger.Debug("event published",
		zap.String("channel", channel),
		zap.String("event", event),
		zap.Int64("receivers", receivers),
	)
	return nil
}
