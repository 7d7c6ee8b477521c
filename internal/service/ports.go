package service

import (
	"context"
	"time"

	"checkout-service/internal/models"
)

// InventoryLedger holds and settles stock reservations
type InventoryLedger interface {
	Reserve(ctx context.Context, productID string, quantity int, attemptID string) (*models.Reservation, error)
	Release(ctx context.Context, reservationID string) error
	Commit(ctx context.Context, reservationID string) error
}

// AttemptLedger also sees every reservation an attempt has taken, so
// holds left behind without an order can be found and released
type AttemptLedger interface {
	InventoryLedger
	ReservationsForAttempt(ctx context.Context, attemptID string) ([]models.Reservation, error)
	ForgetAttempt(ctx context.Context, attemptID string) error
}

// OrderStore persists orders and guards their status transitions
type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	GetOrderByAttempt(ctx context.Context, attemptID string) (*models.Order, error)
	GetOrdersByUserID(ctx context.Context, userID string) ([]models.Order, error)
	SetOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) error
	SetOrderStatusFrom(ctx context.Context, orderID string, from, status models.OrderStatus) error
}

// PaymentGateway charges an order. Two calls with one idempotency key
// return the same outcome.
type PaymentGateway interface {
	Charge(ctx context.Context, orderID string, amount int64, idempotencyKey string) (*models.PaymentAttempt, error)
}

// PaymentRecords is where payment attempts are memoized
type PaymentRecords interface {
	RecordPayment(ctx context.Context, payment *models.PaymentAttempt) (*models.PaymentAttempt, error)
	GetPaymentByKey(ctx context.Context, idempotencyKey string) (*models.PaymentAttempt, error)
	GetPaymentByOrderID(ctx context.Context, orderID string) (*models.PaymentAttempt, error)
}

// CartStore hands out cart contents and removes the checked out lines
type CartStore interface {
	GetCart(ctx context.Context, userID string) ([]models.LineItem, error)
	RemoveItems(ctx context.Context, userID string, items []models.LineItem) error
}

// Catalog prices products
type Catalog interface {
	GetPrice(ctx context.Context, productID string) (int64, error)
}

// AttemptLocker keeps two requests with one idempotency key from running
// the saga at the same time, and keeps the reconciler off an attempt
// whose saga is still running
type AttemptLocker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

func attemptLockKey(attemptID string) string {
	return "checkout:" + attemptID
}

// EventPublisher emits domain events and operational alerts
type EventPublisher interface {
	PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error
	PublishOrderPaymentFailed(ctx context.Context, event *models.OrderPaymentFailedEvent) error
	PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error
	PublishCompensationFailed(ctx context.Context, event *models.CompensationFailedEvent) error
	PublishPaymentOutcome(ctx context.Context, event *models.PaymentOutcomeEvent) error
}
