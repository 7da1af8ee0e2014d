// Package dispatch executes the firing pipeline: load the request,
// resolve the contact, render, send, and persist the terminal outcome.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/getrevio/revio/internal/db"
	"github.com/getrevio/revio/internal/delivery"
	"github.com/getrevio/revio/internal/metrics"
	"github.com/getrevio/revio/internal/template"
)

// Repository is the storage surface the dispatcher needs.
type Repository interface {
	GetRequest(ctx context.Context, id uuid.UUID) (*db.ReviewRequest, error)
	GetBusiness(ctx context.Context, id uuid.UUID) (*db.Business, error)
	GetCustomer(ctx context.Context, businessID, id uuid.UUID) (*db.Customer, error)
	IsSuppressed(ctx context.Context, businessID uuid.UUID, channel, destination string) (bool, error)
	UpdateRequestStatus(ctx context.Context, id uuid.UUID, from, to string, fields db.StatusFields) error
	AppendEvent(ctx context.Context, ev *db.Event) error
}

// Exporter streams audit events to an external consumer. Optional and
// best-effort: export failures never affect the firing outcome.
type Exporter interface {
	Export(ctx context.Context, ev *db.Event) error
}

// Config holds dispatcher tuning knobs.
type Config struct {
	// DeliveryTimeout bounds a single provider call. Expiry is treated
	// as a delivery failure so a hung provider cannot pin the worker
	// slot forever.
	DeliveryTimeout time.Duration
}

// Dispatcher owns the request state machine's firing path. Safe to
// invoke more than once per request: the queued-only status guard is
// the sole idempotency mechanism.
type Dispatcher struct {
	repo     Repository
	adapter  delivery.Adapter
	exporter Exporter
	config   Config
	logger   *zap.Logger
}

// New creates a dispatcher. exporter may be nil.
func New(repo Repository, adapter delivery.Adapter, exporter Exporter, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.DeliveryTimeout == 0 {
		cfg.DeliveryTimeout = 30 * time.Second
	}
	return &Dispatcher{
		repo:     repo,
		adapter:  adapter,
		exporter: exporter,
		config:   cfg,
		logger:   logger,
	}
}

// Fire runs the send pipeline for one request. Duplicate and stale
// firings (request already sent, cancelled, or unknown) are no-op
// successes, which makes at-least-once queue delivery safe.
func (d *Dispatcher) Fire(ctx context.Context, requestID uuid.UUID) error {
	start := time.Now()

	req, err := d.repo.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			d.logger.Warn("dispatch job for unknown request, dropping",
				zap.String("request_id", requestID.String()),
			)
			return nil
		}
		return fmt.Errorf("load request: %w", err)
	}

	if req.Status != db.StatusQueued {
		d.logger.Info("request no longer queued, skipping firing",
			zap.String("request_id", requestID.String()),
			zap.String("status", req.Status),
		)
		return nil
	}

	business, err := d.repo.GetBusiness(ctx, req.BusinessID)
	if err != nil {
		return fmt.Errorf("load business: %w", err)
	}
	customer, err := d.repo.GetCustomer(ctx, req.BusinessID, req.CustomerID)
	if err != nil {
		return fmt.Errorf("load customer: %w", err)
	}

	destination := resolveDestination(req.Channel, customer)
	if destination == "" {
		return d.failRequest(ctx, req, fmt.Sprintf("customer has no %s destination on file", req.Channel))
	}

	suppressed, err := d.repo.IsSuppressed(ctx, req.BusinessID, req.Channel, destination)
	if err != nil {
		return fmt.Errorf("check suppression: %w", err)
	}
	if suppressed {
		// No external send is attempted for a suppressed contact
		return d.failRequest(ctx, req, fmt.Sprintf("destination is suppressed for channel %s", req.Channel))
	}

	var subject string
	if req.Subject != nil {
		subject = *req.Subject
	}
	vars := template.Vars(business, customer, req)
	content, subject := template.Render(req.Content, subject, vars)

	sendCtx, cancel := context.WithTimeout(ctx, d.config.DeliveryTimeout)
	defer cancel()

	receipt, err := d.adapter.Send(sendCtx, delivery.Message{
		RequestID:     req.ID,
		BusinessID:    req.BusinessID,
		Channel:       req.Channel,
		To:            destination,
		Subject:       subject,
		Body:          content,
		TrackingToken: req.TrackingToken,
	})
	if err != nil {
		if de, ok := delivery.AsError(err); ok {
			// The provider answered and refused; terminal.
			return d.failRequest(ctx, req, de.Reason)
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			// The provider call outlived its own deadline. A hung
			// provider counts as a delivery failure so it cannot
			// pin the worker slot across redeliveries.
			return d.failRequest(ctx, req, fmt.Sprintf("delivery timed out after %s", d.config.DeliveryTimeout))
		}
		// Transport or configuration fault: leave the request queued
		// so lease redelivery can retry the firing.
		return fmt.Errorf("send via %s: %w", req.Channel, err)
	}

	now := time.Now()
	err = d.repo.UpdateRequestStatus(ctx, req.ID, db.StatusQueued, db.StatusSent, db.StatusFields{
		ProviderMessageID: &receipt.ProviderMessageID,
		SentAt:            &now,
	})
	if err != nil {
		if errors.Is(err, db.ErrStaleStatus) {
			// Lost the CAS race after the provider accepted the send.
			// The winner owns the terminal status; nothing to retry.
			d.logger.Warn("request transitioned concurrently after send",
				zap.String("request_id", req.ID.String()),
			)
			return nil
		}
		return fmt.Errorf("record send outcome: %w", err)
	}

	d.appendEvent(ctx, &db.Event{
		BusinessID: req.BusinessID,
		RequestID:  req.ID,
		Type:       db.EventSendSucceeded,
		Detail:     fmt.Sprintf("provider message %s", receipt.ProviderMessageID),
	})

	metrics.RecordRequestFired(db.StatusSent, req.Channel)
	metrics.RecordFiringLatency(req.Channel, time.Since(start))

	d.logger.Info("review request sent",
		zap.String("request_id", req.ID.String()),
		zap.String("channel", req.Channel),
		zap.String("provider_message_id", receipt.ProviderMessageID),
	)

	return nil
}

// Fail terminalizes a queued request with the given reason, used for
// suppression blocks, delivery failures, and exhausted dispatch jobs.
func (d *Dispatcher) Fail(ctx context.Context, requestID uuid.UUID, reason string) error {
	req, err := d.repo.GetRequest(ctx, requestID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load request: %w", err)
	}
	if req.Status != db.StatusQueued {
		return nil
	}
	return d.failRequest(ctx, req, reason)
}

func (d *Dispatcher) failRequest(ctx context.Context, req *db.ReviewRequest, reason string) error {
	err := d.repo.UpdateRequestStatus(ctx, req.ID, db.StatusQueued, db.StatusFailed, db.StatusFields{
		ErrorMessage: &reason,
	})
	if err != nil {
		if errors.Is(err, db.ErrStaleStatus) {
			return nil
		}
		return fmt.Errorf("record failure: %w", err)
	}

	d.appendEvent(ctx, &db.Event{
		BusinessID: req.BusinessID,
		RequestID:  req.ID,
		Type:       db.EventSendFailed,
		Detail:     reason,
	})

	metrics.RecordRequestFired(db.StatusFailed, req.Channel)

	d.logger.Warn("review request failed",
		zap.String("request_id", req.ID.String()),
		zap.String("channel", req.Channel),
		zap.String("reason", reason),
	)

	return nil
}

// appendEvent writes the audit event, retrying once. The status write
// is authoritative; a lost event is logged, never propagated.
func (d *Dispatcher) appendEvent(ctx context.Context, ev *db.Event) {
	err := d.repo.AppendEvent(ctx, ev)
	if err != nil {
		err = d.repo.AppendEvent(ctx, ev)
	}
	if err != nil {
		d.logger.Error("failed to append audit event",
			zap.Error(err),
			zap.String("request_id", ev.RequestID.String()),
			zap.String("type", ev.Type),
		)
		return
	}

	if d.exporter != nil {
		if err := d.exporter.Export(ctx, ev); err != nil {
			d.logger.Warn("failed to export audit event",
				zap.Error(err),
				zap.String("type", ev.Type),
			)
		}
	}
}

func resolveDestination(channel string, customer *db.Customer) string {
	switch channel {
	case db.ChannelEmail:
		if customer.Email != nil {
			return *customer.Email
		}
	case db.ChannelSMS:
		if customer.Phone != nil {
			return *customer.Phone
		}
	}
	return ""
}
