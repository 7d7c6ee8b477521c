package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"
)

// ErrWebhookNotConfigured is returned when no webhook secret is set
var ErrWebhookNotConfigured = errors.New("stripe webhook secret not configured")

// ParseWebhook verifies a Stripe webhook delivery and turns a payment
// intent result into a PaymentOutcome event. Events that do not settle a
// payment return nil.
func (g *StripeGateway) ParseWebhook(payload []byte, signature string) (*models.PaymentOutcomeEvent, error) {
	if g.webhookSecret == "" {
		return nil, ErrWebhookNotConfigured
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, fmt.Errorf("invalid webhook: %w", err)
	}

	var outcome models.PaymentOutcome
	switch event.Type {
	case "payment_intent.succeeded":
		outcome = models.PaymentSucceeded
	case "payment_intent.payment_failed", "payment_intent.canceled":
		outcome = models.PaymentFailed
	default:
		return nil, nil
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, fmt.Errorf("decode payment intent: %w", err)
	}

	orderID := intent.Metadata["order_id"]
	if orderID == "" {
		return nil, fmt.Errorf("payment intent %s has no order_id", intent.ID)
	}

	return &models.PaymentOutcomeEvent{
		BaseEvent: models.BaseEvent{
			EventID:   event.ID,
			EventType: models.EventTypePaymentOutcome,
			Timestamp: time.Unix(event.Created, 0).UTC(),
		},
		OrderID:        orderID,
		PaymentID:      intent.ID,
		IdempotencyKey: orderID,
		Amount:         intent.Amount,
		Outcome:        outcome,
	}, nil
}
