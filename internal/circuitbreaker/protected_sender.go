package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/metrics"
	"github.com/lalithlochan/beacon/internal/sink"
)

// ProtectedSender wraps a platform sender with a CircuitBreaker.
// When a push provider starts failing, the circuit opens and sends fail fast
// instead of holding up the engine run on timeouts.
type ProtectedSender struct {
	sender  sink.PlatformSender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender sink.PlatformSender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts delivery through the circuit breaker. An invalid target is
// the provider working correctly, so it does not count against the breaker.
// A panicking sender counts as a failure and the panic is re-raised for the
// caller's isolation boundary.
func (p *ProtectedSender) Send(ctx context.Context, token *db.DeviceToken, msg *sink.PushMessage) error {
	if !p.breaker.Allow() {
		metrics.RecordCircuitRejection(p.breaker.Name())
		p.logger.Warn("circuit breaker rejected push, failing fast",
			zap.String("breaker", p.breaker.Name()),
			zap.String("notification_id", msg.NotificationID.String()),
			zap.String("platform", token.Platform),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	defer func() {
		if r := recover(); r != nil {
			p.breaker.RecordFailure()
			p.logger.Warn("push sender panicked, recorded as failure",
				zap.String("breaker", p.breaker.Name()),
				zap.Any("panic", r),
			)
			panic(r)
		}
	}()

	err := p.sender.Send(ctx, token, msg)
	if err != nil && !errors.Is(err, sink.ErrInvalidTarget) {
		p.breaker.RecordFailure()
		p.logger.Debug("circuit breaker recorded failure",
			zap.String("breaker", p.breaker.Name()),
			zap.Error(err),
		)
		return err
	}

	p.breaker.RecordSuccess()
	return err
}

// SupportsPlatform delegates to the underlying sender.
func (p *ProtectedSender) SupportsPlatform(platform string) bool {
	return p.sender.SupportsPlatform(platform)
}
