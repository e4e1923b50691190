package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/redis"
)

// ChatPoster writes system messages into chat threads.
type ChatPoster struct {
	store     MessageStore
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
}

// NewChatPoster creates a chat poster. publisher may be nil.
func NewChatPoster(store MessageStore, publisher Publisher, logger *zap.Logger) *ChatPoster {
	return &ChatPoster{
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// PostSystemMessage persists a system message in threadID and announces it to
// the thread's viewers. A non-empty dedupeKey makes the post idempotent;
// when the key already existed posted is false and the record is nil.
func (c *ChatPoster) PostSystemMessage(ctx context.Context, threadID uuid.UUID, content string, metadata db.Metadata, dedupeKey string) (*db.Message, bool, error) {
	if err := metadata.Validate(); err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	msg := &db.Message{
		ID:        uuid.New(),
		ThreadID:  threadID,
		Content:   content,
		Metadata:  metadata,
		IsSystem:  true,
		CreatedAt: c.now().UTC(),
	}
	if dedupeKey != "" {
		msg.DedupeKey = &dedupeKey
	}

	created, err := c.store.CreateSystemMessage(ctx, msg)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", ErrPersistence, err)
	}
	if !created {
		c.logger.Debug("system message already posted",
			zap.String("thread_id", threadID.String()),
			zap.String("dedupe_key", dedupeKey),
		)
		return nil, false, nil
	}

	if c.publisher != nil {
		err := isolate(c.logger, ChannelChat, func() error {
			return c.publisher.Publish(ctx, redis.ThreadChannel(threadID.String()), EventMessageNew, msg)
		})
		if err != nil {
			c.logger.Warn("failed to publish system message",
				zap.String("thread_id", threadID.String()),
				zap.String("message_id", msg.ID.String()),
				zap.Error(err),
			)
		}
	}

	return msg, true, nil
}
