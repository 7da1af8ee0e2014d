package delivery

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"go.uber.org/zap"

	"github.com/getrevio/revio/internal/db"
)

// SNSAdapter sends review-request texts via AWS SNS
type SNSAdapter struct {
	client *sns.Client
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

func NewSNSAdapter(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSAdapter, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return &SNSAdapter{
		client: sns.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Send sends a rendered SMS via AWS SNS
func (a *SNSAdapter) Send(ctx context.Context, msg Message) (*Receipt, error) {
	if msg.Channel != db.ChannelSMS {
		return nil, fmt.Errorf("SNS adapter only supports SMS, got: %s", msg.Channel)
	}

	// Validate required fields
	if msg.To == "" {
		return nil, fmt.Errorf("SMS message missing phone number")
	}
	if msg.Body == "" {
		return nil, fmt.Errorf("SMS message missing body")
	}

	input := &sns.PublishInput{
		PhoneNumber: aws.String(msg.To),
		Message:     aws.String(msg.Body),
	}

	result, err := a.client.Publish(ctx, input)
	if err != nil {
		return nil, classifyProviderError("sns", err)
	}

	a.logger.Info("SMS sent via SNS",
		zap.String("request_id", msg.RequestID.String()),
		zap.String("phone_number", msg.To),
		zap.String("message_id", *result.MessageId),
	)

	return &Receipt{ProviderMessageID: *result.MessageId}, nil
}

// SupportsChannel checks if this adapter supports the SMS channel
func (a *SNSAdapter) SupportsChannel(channel string) bool {
	return channel == db.ChannelSMS
}
