// Package delivery wraps the outbound providers behind a single send
// capability with a normalized outcome.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/getrevio/revio/internal/db"
)

// Message is a fully rendered send: destination, content, and the
// correlation ids the providers echo back in webhooks.
type Message struct {
	RequestID     uuid.UUID
	BusinessID    uuid.UUID
	Channel       string
	To            string
	Subject       string
	Body          string
	TrackingToken string
}

// Receipt is the normalized success outcome of a send.
type Receipt struct {
	ProviderMessageID string
}

// Error is an ordinary provider-side rejection: the provider answered
// and said no. It is distinguished from configuration or connectivity
// faults, which adapters return as plain wrapped errors.
type Error struct {
	Provider string
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s rejected send: %s", e.Provider, e.Reason)
}

// AsError unwraps a provider rejection from an error chain.
func AsError(err error) (*Error, bool) {
	var de *Error
	ok := errors.As(err, &de)
	return de, ok
}

// classifyProviderError separates an API-level error response from a
// transport or configuration fault. Only an answer from the provider's
// API becomes a rejection; a timeout, DNS failure, or credential
// problem stays a plain wrapped error so the send can be redelivered.
func classifyProviderError(provider string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		reason := apiErr.ErrorMessage()
		if code := apiErr.ErrorCode(); code != "" {
			reason = code + ": " + reason
		}
		return &Error{Provider: provider, Reason: reason}
	}
	return fmt.Errorf("%s send: %w", provider, err)
}

// Adapter is the unified interface for all delivery channels.
// Implementations: Email (SES), SMS (SNS).
type Adapter interface {
	Send(ctx context.Context, msg Message) (*Receipt, error)
	SupportsChannel(channel string) bool
}

// Router selects the adapter for a message's channel.
// This implements the Strategy pattern for extensibility.
type Router struct {
	adapters []Adapter
	logger   *zap.Logger
}

// NewRouter creates a router over multiple underlying adapters
func NewRouter(logger *zap.Logger, adapters ...Adapter) *Router {
	return &Router{
		adapters: adapters,
		logger:   logger,
	}
}

// Send routes the message to the first adapter supporting its channel
func (r *Router) Send(ctx context.Context, msg Message) (*Receipt, error) {
	for _, adapter := range r.adapters {
		if adapter.SupportsChannel(msg.Channel) {
			r.logger.Debug("routing message to adapter",
				zap.String("channel", msg.Channel),
				zap.String("request_id", msg.RequestID.String()),
			)
			return adapter.Send(ctx, msg)
		}
	}

	return nil, fmt.Errorf("no adapter found for channel: %s", msg.Channel)
}

// SupportsChannel checks if any underlying adapter supports the channel
func (r *Router) SupportsChannel(channel string) bool {
	for _, adapter := range r.adapters {
		if adapter.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogAdapter logs sends instead of dispatching them (for development)
type LogAdapter struct {
	logger *zap.Logger
}

func NewLogAdapter(logger *zap.Logger) *LogAdapter {
	return &LogAdapter{logger: logger}
}

func (a *LogAdapter) Send(ctx context.Context, msg Message) (*Receipt, error) {
	a.logger.Info("logging message (development mode)",
		zap.String("request_id", msg.RequestID.String()),
		zap.String("channel", msg.Channel),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
	)
	return &Receipt{ProviderMessageID: "log-" + msg.RequestID.String()}, nil
}

func (a *LogAdapter) SupportsChannel(channel string) bool {
	// LogAdapter accepts both channels for development/testing
	return channel == db.ChannelEmail || channel == db.ChannelSMS
}
