// Package sqs streams audit events to an external SQS queue for
// downstream consumers (analytics, CRM sync). The exporter is optional
// and best-effort: callers log failures and move on.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/getrevio/revio/internal/db"
)

// Config holds SQS exporter configuration.
type Config struct {
	Region   string
	QueueURL string
}

// Message is the event payload placed on the queue.
type Message struct {
	EventID    string `json:"event_id"`
	BusinessID string `json:"business_id"`
	RequestID  string `json:"request_id"`
	Type       string `json:"type"`
	Detail     string `json:"detail,omitempty"`
	OccurredAt int64  `json:"occurred_at"`
	ExportedAt int64  `json:"exported_at"`
}

// Exporter publishes audit events to SQS.
type Exporter struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewExporter creates an SQS exporter.
func NewExporter(ctx context.Context, cfg Config, logger *zap.Logger) (*Exporter, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	logger.Info("sqs event exporter initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Exporter{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Export publishes one event.
func (e *Exporter) Export(ctx context.Context, ev *db.Event) error {
	body, err := json.Marshal(messageFromEvent(ev))
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	_, err = e.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(e.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("sqs send: %w", err)
	}

	return nil
}

func messageFromEvent(ev *db.Event) Message {
	return Message{
		EventID:    ev.ID.String(),
		BusinessID: ev.BusinessID.String(),
		RequestID:  ev.RequestID.String(),
		Type:       ev.Type,
		Detail:     ev.Detail,
		OccurredAt: ev.CreatedAt.UnixMilli(),
		ExportedAt: time.Now().UnixMilli(),
	}
}
