package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// EventPublisher publishes domain events. Order lifecycle events and
// compensation alerts go to the order topic; payment outcomes go to the
// payment topic where the callback worker picks them up.
type EventPublisher struct {
	orders   *Producer
	payments *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(orders, payments *Producer) *EventPublisher {
	return &EventPublisher{orders: orders, payments: payments}
}

func orderKey(orderID string) string {
	return fmt.Sprintf("order-%s", orderID)
}

// PublishOrderPaid publishes OrderPaid event
func (ep *EventPublisher) PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error {
	return ep.orders.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderPaymentFailed publishes OrderPaymentFailed event
func (ep *EventPublisher) PublishOrderPaymentFailed(ctx context.Context, event *models.OrderPaymentFailedEvent) error {
	return ep.orders.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishOrderCancelled publishes OrderCancelled event
func (ep *EventPublisher) PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error {
	return ep.orders.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// PublishCompensationFailed publishes the compensation alert. Alerts for an
// attempt that never created an order are keyed by the attempt.
func (ep *EventPublisher) PublishCompensationFailed(ctx context.Context, event *models.CompensationFailedEvent) error {
	key := orderKey(event.OrderID)
	if event.OrderID == "" {
		key = fmt.Sprintf("attempt-%s", event.AttemptID)
	}
	return ep.orders.PublishEvent(ctx, key, event)
}

// PublishPaymentOutcome publishes PaymentOutcome event
func (ep *EventPublisher) PublishPaymentOutcome(ctx context.Context, event *models.PaymentOutcomeEvent) error {
	return ep.payments.PublishEvent(ctx, orderKey(event.OrderID), event)
}

// EventHandler routes incoming events by type
type EventHandler struct {
	onPaymentOutcome func(context.Context, *models.PaymentOutcomeEvent) error
	logger           *zap.Logger
}

// NewEventHandler creates a new event handler
func NewEventHandler() *EventHandler {
	return &EventHandler{logger: util.GetLogger()}
}

// OnPaymentOutcome registers a handler for PaymentOutcome events
func (eh *EventHandler) OnPaymentOutcome(handler func(context.Context, *models.PaymentOutcomeEvent) error) {
	eh.onPaymentOutcome = handler
}

// HandleMessage routes a message to its handler. Messages that cannot be
// decoded are logged and dropped.
func (eh *EventHandler) HandleMessage(ctx context.Context, msg kafka.Message) error {
	var baseEvent models.BaseEvent
	if err := json.Unmarshal(msg.Value, &baseEvent); err != nil {
		eh.logger.Error("Dropping undecodable message",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return nil
	}

	eh.logger.Debug("Handling event",
		zap.String("type", baseEvent.EventType),
		zap.String("event_id", baseEvent.EventID))

	switch baseEvent.EventType {
	case models.EventTypePaymentOutcome:
		if eh.onPaymentOutcome == nil {
			return nil
		}
		var event models.PaymentOutcomeEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			eh.logger.Error("Dropping malformed PaymentOutcome event",
				zap.String("event_id", baseEvent.EventID),
				zap.Error(err))
			return nil
		}
		return eh.onPaymentOutcome(ctx, &event)

	default:
		eh.logger.Debug("Unhandled event type", zap.String("type", baseEvent.EventType))
	}

	return nil
}
