package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-service/internal/models"

	"github.com/google/uuid"
)

const paymentColumns = "id, order_id, amount, outcome, idempotency_key, provider_tx_id, created_at, updated_at"

// RecordPayment stores a payment attempt unless one already exists for
// its idempotency key. The stored attempt is returned either way, so
// concurrent charges with one key all see the same outcome.
func (s *Store) RecordPayment(ctx context.Context, payment *models.PaymentAttempt) (*models.PaymentAttempt, error) {
	if payment.ID == "" {
		payment.ID = uuid.New().String()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (id, order_id, amount, outcome, idempotency_key, provider_tx_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		payment.ID, payment.OrderID, payment.Amount, payment.Outcome,
		payment.IdempotencyKey, payment.ProviderTxID)
	if err != nil {
		return nil, fmt.Errorf("insert payment: %w", err)
	}

	return s.GetPaymentByKey(ctx, payment.IdempotencyKey)
}

// GetPaymentByKey retrieves the payment attempt recorded for a key
func (s *Store) GetPaymentByKey(ctx context.Context, idempotencyKey string) (*models.PaymentAttempt, error) {
	var payment models.PaymentAttempt
	err := s.db.GetContext(ctx, &payment,
		"SELECT "+paymentColumns+" FROM payments WHERE idempotency_key = $1", idempotencyKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query payment: %w", err)
	}
	return &payment, nil
}

// GetPaymentByOrderID retrieves the latest payment for an order
func (s *Store) GetPaymentByOrderID(ctx context.Context, orderID string) (*models.PaymentAttempt, error) {
	var payment models.PaymentAttempt
	err := s.db.GetContext(ctx, &payment,
		"SELECT "+paymentColumns+" FROM payments WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query payment: %w", err)
	}
	return &payment, nil
}

// SettlePayment records the definitive outcome of a pending attempt.
// Settled attempts are never changed again; the stored row is returned.
// An empty providerTxID keeps the one already recorded.
func (s *Store) SettlePayment(ctx context.Context, idempotencyKey string, outcome models.PaymentOutcome, providerTxID string) (*models.PaymentAttempt, error) {
	_, err := s.db.ExecContext(ctx, `
		UPDATE payments SET outcome = $1, provider_tx_id = COALESCE(NULLIF($2, ''), provider_tx_id), updated_at = NOW()
		WHERE idempotency_key = $3 AND outcome = $4`,
		outcome, providerTxID, idempotencyKey, models.PaymentPending)
	if err != nil {
		return nil, fmt.Errorf("update payment: %w", err)
	}

	return s.GetPaymentByKey(ctx, idempotencyKey)
}
