package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Decider picks the outcome of a first charge for an idempotency key
type Decider func(idempotencyKey string, amount int64) models.PaymentOutcome

// RandomDecider succeeds with the given probability
func RandomDecider(successRate float64) Decider {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return func(string, int64) models.PaymentOutcome {
		mu.Lock()
		defer mu.Unlock()
		if rng.Float64() < successRate {
			return models.PaymentSucceeded
		}
		return models.PaymentFailed
	}
}

// SimulatedGateway is a payment gateway without a real provider. The
// outcome of a key is decided once and memoized in the payment records;
// later charges with the key return the recorded attempt.
type SimulatedGateway struct {
	records   PaymentRecords
	decide    Decider
	publisher EventPublisher
	logger    *zap.Logger
}

// NewSimulatedGateway creates a simulated gateway
func NewSimulatedGateway(records PaymentRecords, decide Decider, publisher EventPublisher) *SimulatedGateway {
	return &SimulatedGateway{
		records:   records,
		decide:    decide,
		publisher: publisher,
		logger:    util.GetLogger(),
	}
}

// Charge implements PaymentGateway
func (g *SimulatedGateway) Charge(ctx context.Context, orderID string, amount int64, idempotencyKey string) (*models.PaymentAttempt, error) {
	ctx, span := util.StartSpan(ctx, "SimulatedGateway.Charge",
		attribute.String("order_id", orderID),
		attribute.Int64("amount", amount))
	defer span.End()

	existing, err := g.records.GetPaymentByKey(ctx, idempotencyKey)
	if err == nil {
		if existing.Amount != amount {
			return nil, &PaymentError{
				Retryable: false,
				Err:       fmt.Errorf("idempotency key %s already charged %d, got %d", idempotencyKey, existing.Amount, amount),
			}
		}
		g.logger.Info("Returning memoized payment",
			zap.String("order_id", orderID),
			zap.String("payment_id", existing.ID),
			zap.String("outcome", string(existing.Outcome)))
		return existing, nil
	}
	if !errors.Is(err, models.ErrPaymentNotFound) {
		util.FailSpan(span, err)
		return nil, &PaymentError{Retryable: true, Err: err}
	}

	attempt := &models.PaymentAttempt{
		ID:             uuid.New().String(),
		OrderID:        orderID,
		Amount:         amount,
		Outcome:        g.decide(idempotencyKey, amount),
		IdempotencyKey: idempotencyKey,
		ProviderTxID:   fmt.Sprintf("SIM-%s", uuid.New().String()[:8]),
	}

	recorded, err := g.records.RecordPayment(ctx, attempt)
	if err != nil {
		util.FailSpan(span, err)
		return nil, &PaymentError{Retryable: true, Err: err}
	}

	if recorded.ID != attempt.ID {
		// a concurrent charge with this key recorded first
		return recorded, nil
	}

	g.logger.Info("Payment processed",
		zap.String("order_id", orderID),
		zap.String("payment_id", recorded.ID),
		zap.String("outcome", string(recorded.Outcome)))

	event := &models.PaymentOutcomeEvent{
		BaseEvent:      newBaseEvent(models.EventTypePaymentOutcome),
		OrderID:        orderID,
		PaymentID:      recorded.ID,
		IdempotencyKey: idempotencyKey,
		Amount:         amount,
		Outcome:        recorded.Outcome,
	}
	if err := g.publisher.PublishPaymentOutcome(ctx, event); err != nil {
		g.logger.Error("Failed to publish PaymentOutcome event", zap.Error(err))
	}

	return recorded, nil
}
