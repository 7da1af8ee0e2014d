package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/getrevio/revio/internal/delivery"
)

// ProtectedAdapter wraps a delivery.Adapter with a CircuitBreaker.
// When the downstream provider (SES, SNS) starts failing, the circuit
// opens and sends fail fast instead of piling up on a dead service.
type ProtectedAdapter struct {
	adapter delivery.Adapter
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedAdapter wraps an adapter with circuit breaker protection.
func NewProtectedAdapter(adapter delivery.Adapter, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedAdapter {
	return &ProtectedAdapter{
		adapter: adapter,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts a delivery through the circuit breaker.
// If the circuit is open, returns ErrCircuitOpen immediately (fail fast).
// Provider rejections do not count against the breaker: the provider
// answered, so the circuit only trips on connectivity/configuration
// faults.
func (p *ProtectedAdapter) Send(ctx context.Context, msg delivery.Message) (*delivery.Receipt, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send - failing fast",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("request_id", msg.RequestID.String()),
			zap.String("channel", msg.Channel),
			zap.String("state", p.breaker.GetState().String()),
		)
		return nil, fmt.Errorf("%w: %s provider unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	receipt, err := p.adapter.Send(ctx, msg)
	if err != nil {
		if _, rejected := delivery.AsError(err); rejected {
			p.breaker.RecordSuccess()
			return nil, err
		}
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.config.Name),
			zap.Error(err),
		)
		return nil, err
	}

	p.breaker.RecordSuccess()
	return receipt, nil
}

// SupportsChannel delegates to the underlying adapter.
func (p *ProtectedAdapter) SupportsChannel(channel string) bool {
	return p.adapter.SupportsChannel(channel)
}

// Breaker returns the underlying circuit breaker for metrics/monitoring.
func (p *ProtectedAdapter) Breaker() *CircuitBreaker {
	return p.breaker
}
