// Package sns delivers mobile push notifications through SNS platform endpoints.
package sns

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/sink"
)

// PublishAPI is the subset of the SNS client used for delivery.
type PublishAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config holds SNS settings. Endpoint overrides the AWS endpoint (LocalStack).
type Config struct {
	Region   string
	Endpoint string
}

// PushSender publishes to the SNS platform endpoint ARN stored as the
// device token of mobile devices.
type PushSender struct {
	client PublishAPI
	logger *zap.Logger
}

// NewPushSender creates an SNS-backed mobile push sender.
func NewPushSender(ctx context.Context, cfg Config, logger *zap.Logger) (*PushSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for SNS: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewPushSenderWithClient(client, logger), nil
}

// NewPushSenderWithClient builds a sender around an existing client.
func NewPushSenderWithClient(client PublishAPI, logger *zap.Logger) *PushSender {
	return &PushSender{client: client, logger: logger}
}

// apnsPayload and fcmPayload are the platform bodies SNS forwards verbatim.
type apnsPayload struct {
	APS struct {
		Alert struct {
			Title string `json:"title"`
			Body  string `json:"body"`
		} `json:"alert"`
	} `json:"aps"`
	NotificationID string  `json:"notification_id"`
	Link           *string `json:"link,omitempty"`
}

type fcmPayload struct {
	Notification struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	} `json:"notification"`
	Data map[string]string `json:"data"`
}

// buildMessage renders the JSON message structure SNS expects when
// MessageStructure is "json": one body per platform plus a default.
func buildMessage(msg *sink.PushMessage) (string, error) {
	var apns apnsPayload
	apns.APS.Alert.Title = msg.Title
	apns.APS.Alert.Body = msg.Body
	apns.NotificationID = msg.NotificationID.String()
	apns.Link = msg.Link

	var fcm fcmPayload
	fcm.Notification.Title = msg.Title
	fcm.Notification.Body = msg.Body
	fcm.Data = map[string]string{
		"notification_id": msg.NotificationID.String(),
		"type":            msg.Type,
	}
	if msg.Link != nil {
		fcm.Data["link"] = *msg.Link
	}

	apnsJSON, err := json.Marshal(apns)
	if err != nil {
		return "", err
	}
	fcmJSON, err := json.Marshal(fcm)
	if err != nil {
		return "", err
	}

	envelope, err := json.Marshal(map[string]string{
		"default":      msg.Title,
		"APNS":         string(apnsJSON),
		"APNS_SANDBOX": string(apnsJSON),
		"GCM":          string(fcmJSON),
	})
	if err != nil {
		return "", err
	}
	return string(envelope), nil
}

// Send publishes msg to the token's endpoint ARN.
func (s *PushSender) Send(ctx context.Context, token *db.DeviceToken, msg *sink.PushMessage) error {
	if token.Platform != db.PlatformMobile {
		return fmt.Errorf("SNS sender only supports mobile, got: %s", token.Platform)
	}
	if token.Token == "" {
		return fmt.Errorf("%w: empty endpoint arn", sink.ErrInvalidTarget)
	}

	body, err := buildMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to build push message: %w", err)
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        aws.String(token.Token),
		Message:          aws.String(body),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		if endpointRejected(err) {
			return fmt.Errorf("%w: sns endpoint rejected: %w", sink.ErrInvalidTarget, err)
		}
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Debug("mobile push sent via SNS",
		zap.String("notification_id", msg.NotificationID.String()),
		zap.String("device_token_id", token.ID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

// endpointRejected reports whether err blames the endpoint itself. A bad
// parameter only counts when it names the target; a rejected message body
// must not deactivate the token.
func endpointRejected(err error) bool {
	var disabled *types.EndpointDisabledException
	var notFound *types.NotFoundException
	if errors.As(err, &disabled) || errors.As(err, &notFound) {
		return true
	}
	var invalid *types.InvalidParameterException
	return errors.As(err, &invalid) && strings.Contains(invalid.ErrorMessage(), "TargetArn")
}

// SupportsPlatform checks if this sender supports mobile devices
func (s *PushSender) SupportsPlatform(platform string) bool {
	return platform == db.PlatformMobile
}
