package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"checkout-service/config"
	"checkout-service/internal/models"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/paymentintent"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// PaymentLedger stores payment attempts and settles pending ones
type PaymentLedger interface {
	service.PaymentRecords
	SettlePayment(ctx context.Context, idempotencyKey string, outcome models.PaymentOutcome, providerTxID string) (*models.PaymentAttempt, error)
}

type intentCreator func(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)

// StripeGateway charges orders through Stripe PaymentIntents. The
// idempotency key is passed to Stripe so a retried charge never creates a
// second intent.
type StripeGateway struct {
	records       PaymentLedger
	publisher     service.EventPublisher
	currency      string
	paymentMethod string
	webhookSecret string
	create        intentCreator
	logger        *zap.Logger
}

// NewStripeGateway configures the Stripe client and returns the gateway
func NewStripeGateway(cfg config.PaymentConfig, records PaymentLedger, publisher service.EventPublisher) *StripeGateway {
	stripe.Key = cfg.StripeSecretKey
	return &StripeGateway{
		records:       records,
		publisher:     publisher,
		currency:      cfg.StripeCurrency,
		paymentMethod: cfg.StripePaymentMethod,
		webhookSecret: cfg.StripeWebhookSecret,
		create:        paymentintent.New,
		logger:        util.GetLogger(),
	}
}

// Charge implements service.PaymentGateway
func (g *StripeGateway) Charge(ctx context.Context, orderID string, amount int64, idempotencyKey string) (*models.PaymentAttempt, error) {
	ctx, span := util.StartSpan(ctx, "StripeGateway.Charge",
		attribute.String("order_id", orderID),
		attribute.Int64("amount", amount))
	defer span.End()

	existing, err := g.records.GetPaymentByKey(ctx, idempotencyKey)
	switch {
	case err == nil && existing.Amount != amount:
		return nil, &service.PaymentError{
			Retryable: false,
			Err:       fmt.Errorf("idempotency key %s already charged %d, got %d", idempotencyKey, existing.Amount, amount),
		}
	case err == nil && existing.Outcome.IsDefinitive():
		return existing, nil
	case err != nil && !errors.Is(err, models.ErrPaymentNotFound):
		util.FailSpan(span, err)
		return nil, &service.PaymentError{Retryable: true, Err: err}
	}

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(g.currency),
		PaymentMethod: stripe.String(g.paymentMethod),
		Confirm:       stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
		Metadata: map[string]string{"order_id": orderID},
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	outcome, txID, err := classifyIntent(g.create(params))
	if err != nil {
		util.FailSpan(span, err)
		g.logger.Warn("Stripe charge failed",
			zap.String("order_id", orderID),
			zap.Bool("retryable", service.IsRetryablePayment(err)),
			zap.Error(err))
		return nil, err
	}

	recorded, err := g.records.RecordPayment(ctx, &models.PaymentAttempt{
		ID:             uuid.New().String(),
		OrderID:        orderID,
		Amount:         amount,
		Outcome:        outcome,
		IdempotencyKey: idempotencyKey,
		ProviderTxID:   txID,
	})
	if err != nil {
		util.FailSpan(span, err)
		return nil, &service.PaymentError{Retryable: true, Err: err}
	}
	if recorded.Outcome == models.PaymentPending && outcome.IsDefinitive() {
		recorded, err = g.records.SettlePayment(ctx, idempotencyKey, outcome, txID)
		if err != nil {
			util.FailSpan(span, err)
			return nil, &service.PaymentError{Retryable: true, Err: err}
		}
	}

	g.logger.Info("Stripe charge processed",
		zap.String("order_id", orderID),
		zap.String("payment_intent", txID),
		zap.String("outcome", string(recorded.Outcome)))

	if recorded.Outcome.IsDefinitive() {
		event := &models.PaymentOutcomeEvent{
			BaseEvent: models.BaseEvent{
				EventID:   uuid.New().String(),
				EventType: models.EventTypePaymentOutcome,
				Timestamp: time.Now().UTC(),
			},
			OrderID:        orderID,
			PaymentID:      recorded.ID,
			IdempotencyKey: idempotencyKey,
			Amount:         amount,
			Outcome:        recorded.Outcome,
		}
		if err := g.publisher.PublishPaymentOutcome(ctx, event); err != nil {
			g.logger.Error("Failed to publish PaymentOutcome event", zap.Error(err))
		}
	}

	return recorded, nil
}

// classifyIntent maps a PaymentIntent call to an outcome. Card declines are
// a definitive FAILED outcome; throttling, server and network errors are
// retryable; anything else is a request Stripe will never accept.
func classifyIntent(intent *stripe.PaymentIntent, err error) (models.PaymentOutcome, string, error) {
	if err == nil {
		return intentOutcome(intent), intent.ID, nil
	}

	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return "", "", &service.PaymentError{Retryable: true, Err: err}
	}

	switch {
	case stripeErr.Type == stripe.ErrorTypeCard:
		txID := ""
		if stripeErr.PaymentIntent != nil {
			txID = stripeErr.PaymentIntent.ID
		}
		return models.PaymentFailed, txID, nil
	case stripeErr.HTTPStatusCode == http.StatusTooManyRequests,
		stripeErr.HTTPStatusCode >= http.StatusInternalServerError,
		stripeErr.Type == stripe.ErrorTypeAPI:
		return "", "", &service.PaymentError{Retryable: true, Err: err}
	default:
		return "", "", &service.PaymentError{Retryable: false, Err: err}
	}
}

func intentOutcome(intent *stripe.PaymentIntent) models.PaymentOutcome {
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return models.PaymentSucceeded
	case stripe.PaymentIntentStatusRequiresPaymentMethod, stripe.PaymentIntentStatusCanceled:
		return models.PaymentFailed
	default:
		return models.PaymentPending
	}
}
