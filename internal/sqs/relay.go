// Package sqs hands desktop notifications to the desktop relay service over SQS.
package sqs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/sink"
)

// SendAPI is the subset of the SQS client used by the relay.
type SendAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// Message is the body the desktop relay consumes.
type Message struct {
	DeviceToken  string            `json:"device_token"`
	DeviceID     string            `json:"device_id"`
	Notification *sink.PushMessage `json:"notification"`
	EnqueuedAt   int64             `json:"enqueued_at"`
}

// RelaySender enqueues desktop pushes for the relay, which holds the
// long-lived connections to desktop clients.
type RelaySender struct {
	client   SendAPI
	queueURL string
	logger   *zap.Logger
	now      func() time.Time
}

// NewRelaySender creates a new SQS-backed desktop relay sender.
func NewRelaySender(ctx context.Context, cfg Config, logger *zap.Logger) (*RelaySender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("desktop relay sender initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return NewRelaySenderWithClient(sqs.NewFromConfig(awsCfg), cfg.QueueURL, logger), nil
}

// NewRelaySenderWithClient builds a sender around an existing client.
func NewRelaySenderWithClient(client SendAPI, queueURL string, logger *zap.Logger) *RelaySender {
	return &RelaySender{
		client:   client,
		queueURL: queueURL,
		logger:   logger,
		now:      time.Now,
	}
}

// Send enqueues msg for one desktop device. Messages for the same user share
// a group id so FIFO relay queues keep per-user order.
func (r *RelaySender) Send(ctx context.Context, token *db.DeviceToken, msg *sink.PushMessage) error {
	if token.Platform != db.PlatformDesktop {
		return fmt.Errorf("desktop relay only supports desktop, got: %s", token.Platform)
	}

	body, err := json.Marshal(Message{
		DeviceToken:  token.Token,
		DeviceID:     token.ID.String(),
		Notification: msg,
		EnqueuedAt:   r.now().UnixNano(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(r.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"notification_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.NotificationID.String()),
			},
		},
	}
	if isFIFO(r.queueURL) {
		input.MessageGroupId = aws.String(msg.UserID.String())
		input.MessageDeduplicationId = aws.String(msg.NotificationID.String() + ":" + token.ID.String())
	}

	result, err := r.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("sqs send failed: %w", err)
	}

	r.logger.Debug("desktop push enqueued",
		zap.String("notification_id", msg.NotificationID.String()),
		zap.String("device_token_id", token.ID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

// SupportsPlatform checks if this sender supports desktop clients
func (r *RelaySender) SupportsPlatform(platform string) bool {
	return platform == db.PlatformDesktop
}

func isFIFO(queueURL string) bool {
	return strings.HasSuffix(queueURL, ".fifo")
}
