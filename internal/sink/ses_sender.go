package sink

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
)

// EmailAPI is the subset of the SES client used for delivery.
type EmailAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESSender delivers to the email platform; the device token is the address.
type SESSender struct {
	client EmailAPI
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return NewSESSenderWithClient(ses.NewFromConfig(awsCfg), cfg.FromEmail, logger), nil
}

// NewSESSenderWithClient builds a sender around an existing client.
func NewSESSenderWithClient(client EmailAPI, from string, logger *zap.Logger) *SESSender {
	return &SESSender{
		client: client,
		from:   from,
		logger: logger,
	}
}

// Send emails the push message to token.Token.
func (s *SESSender) Send(ctx context.Context, token *db.DeviceToken, msg *PushMessage) error {
	if token.Platform != db.PlatformEmail {
		return fmt.Errorf("SES sender only supports email, got: %s", token.Platform)
	}
	if token.Token == "" {
		return fmt.Errorf("%w: empty email address", ErrInvalidTarget)
	}

	body := msg.Body
	if msg.Link != nil && *msg.Link != "" {
		body += "\n\n" + *msg.Link
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{token.Token},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Title),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		var rejected *types.MessageRejected
		if errors.As(err, &rejected) {
			return fmt.Errorf("%w: ses rejected address: %w", ErrInvalidTarget, err)
		}
		return fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Info("email sent via SES",
		zap.String("notification_id", msg.NotificationID.String()),
		zap.String("device_token_id", token.ID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

// SupportsPlatform checks if this sender supports the email platform
func (s *SESSender) SupportsPlatform(platform string) bool {
	return platform == db.PlatformEmail
}
