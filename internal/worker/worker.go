package worker

import (
	"context"
	"errors"

	"checkout-service/internal/broker"
	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// CallbackApplier settles orders with a payment outcome
type CallbackApplier interface {
	ApplyPaymentCallback(ctx context.Context, orderID string, outcome models.PaymentOutcome) error
}

// PaymentSettler records the definitive outcome of a pending payment
type PaymentSettler interface {
	SettlePayment(ctx context.Context, idempotencyKey string, outcome models.PaymentOutcome, providerTxID string) (*models.PaymentAttempt, error)
}

// ProcessedEvents remembers which events were already handled
type ProcessedEvents interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// PaymentCallbackWorker consumes payment outcomes from the payment topic
// and applies them to the orders awaiting payment
type PaymentCallbackWorker struct {
	consumer     *broker.Consumer
	eventHandler *broker.EventHandler
	orders       CallbackApplier
	payments     PaymentSettler
	processed    ProcessedEvents
	logger       *zap.Logger
}

// NewPaymentCallbackWorker creates a new payment callback worker
func NewPaymentCallbackWorker(
	consumer *broker.Consumer,
	orders CallbackApplier,
	payments PaymentSettler,
	processed ProcessedEvents,
) *PaymentCallbackWorker {
	w := &PaymentCallbackWorker{
		consumer:     consumer,
		eventHandler: broker.NewEventHandler(),
		orders:       orders,
		payments:     payments,
		processed:    processed,
		logger:       util.GetLogger(),
	}
	w.eventHandler.OnPaymentOutcome(w.HandlePaymentOutcome)
	return w
}

// Start starts the worker
func (w *PaymentCallbackWorker) Start(ctx context.Context) error {
	w.logger.Info("Starting payment callback worker")
	return w.consumer.StartConsuming(ctx, w.eventHandler.HandleMessage)
}

// Stop stops the worker
func (w *PaymentCallbackWorker) Stop() error {
	w.logger.Info("Stopping payment callback worker")
	return w.consumer.Close()
}

// HandlePaymentOutcome applies one payment outcome. Each event is applied
// at most once. Callbacks the order cannot accept are acknowledged and
// dropped; any other failure is returned so the message is redelivered.
func (w *PaymentCallbackWorker) HandlePaymentOutcome(ctx context.Context, event *models.PaymentOutcomeEvent) error {
	processed, err := w.processed.IsEventProcessed(ctx, event.EventID)
	if err != nil {
		return err
	}
	if processed {
		w.logger.Debug("Skipping processed event", zap.String("event_id", event.EventID))
		return nil
	}

	outcome := event.Outcome
	if event.IdempotencyKey != "" && outcome.IsDefinitive() {
		payment, err := w.payments.SettlePayment(ctx, event.IdempotencyKey, outcome, "")
		switch {
		case err == nil:
			if payment.Outcome.IsDefinitive() && payment.Outcome != outcome {
				w.logger.Warn("Payment callback contradicts recorded outcome",
					zap.String("order_id", event.OrderID),
					zap.String("callback", string(outcome)),
					zap.String("recorded", string(payment.Outcome)))
				outcome = payment.Outcome
			}
		case errors.Is(err, models.ErrPaymentNotFound):
		default:
			return err
		}
	}

	err = w.orders.ApplyPaymentCallback(ctx, event.OrderID, outcome)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrOrderNotFound):
		w.logger.Info("Payment callback not applicable",
			zap.String("event_id", event.EventID),
			zap.String("order_id", event.OrderID),
			zap.Error(err))
	default:
		return err
	}

	return w.processed.MarkEventProcessed(ctx, event.EventID, event.EventType)
}
