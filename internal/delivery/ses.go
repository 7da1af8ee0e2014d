package delivery

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/getrevio/revio/internal/db"
)

// SESAdapter sends review-request emails via AWS SES
type SESAdapter struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

type SESConfig struct {
	Region    string
	FromEmail string
}

func NewSESAdapter(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESAdapter, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESAdapter{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// Send sends a rendered email via AWS SES
func (a *SESAdapter) Send(ctx context.Context, msg Message) (*Receipt, error) {
	// Validate channel
	if msg.Channel != db.ChannelEmail {
		return nil, fmt.Errorf("SES adapter only supports email, got: %s", msg.Channel)
	}

	// Validate required fields
	if msg.To == "" {
		return nil, fmt.Errorf("email message missing destination")
	}
	if msg.Subject == "" {
		return nil, fmt.Errorf("email message missing subject")
	}
	if msg.Body == "" {
		return nil, fmt.Errorf("email message missing body")
	}

	input := &ses.SendEmailInput{
		Source: aws.String(a.from),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(msg.Subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(msg.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
		Tags: []types.MessageTag{
			{Name: aws.String("request_id"), Value: aws.String(msg.RequestID.String())},
			{Name: aws.String("tracking_token"), Value: aws.String(msg.TrackingToken)},
		},
	}

	result, err := a.client.SendEmail(ctx, input)
	if err != nil {
		return nil, classifyProviderError("ses", err)
	}

	a.logger.Info("email sent via SES",
		zap.String("request_id", msg.RequestID.String()),
		zap.String("to", msg.To),
		zap.String("message_id", *result.MessageId),
	)

	return &Receipt{ProviderMessageID: *result.MessageId}, nil
}

// SupportsChannel checks if this adapter supports the email channel
func (a *SESAdapter) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail
}
