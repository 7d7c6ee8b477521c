package models

import "time"

// Event types
const (
	EventTypeOrderPaid          = "ORDER_PAID"
	EventTypeOrderPaymentFailed = "ORDER_PAYMENT_FAILED"
	EventTypeOrderCancelled     = "ORDER_CANCELLED"
	EventTypeCompensationFailed = "COMPENSATION_FAILED"
	EventTypePaymentOutcome     = "PAYMENT_OUTCOME"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderPaidEvent published when checkout finalizes a paid order
type OrderPaidEvent struct {
	BaseEvent
	OrderID     string     `json:"order_id"`
	UserID      string     `json:"user_id"`
	TotalAmount int64      `json:"total_amount"`
	PaymentID   string     `json:"payment_id"`
	Items       []LineItem `json:"items"`
}

// OrderPaymentFailedEvent published when the gateway declines the charge
type OrderPaymentFailedEvent struct {
	BaseEvent
	OrderID   string `json:"order_id"`
	UserID    string `json:"user_id"`
	PaymentID string `json:"payment_id"`
}

// OrderCancelledEvent published when checkout gives up on the payment
type OrderCancelledEvent struct {
	BaseEvent
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
	Reason  string `json:"reason"`
}

// CompensationFailedEvent is the operational alert raised when a
// compensating action ran out of retries
type CompensationFailedEvent struct {
	BaseEvent
	AttemptID      string   `json:"attempt_id"`
	OrderID        string   `json:"order_id,omitempty"`
	Step           string   `json:"step"`
	ReservationIDs []string `json:"reservation_ids,omitempty"`
	Error          string   `json:"error"`
}

// PaymentOutcomeEvent is the gateway's asynchronous callback for a charge
type PaymentOutcomeEvent struct {
	BaseEvent
	OrderID        string         `json:"order_id"`
	PaymentID      string         `json:"payment_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Amount         int64          `json:"amount"`
	Outcome        PaymentOutcome `json:"outcome"`
}
