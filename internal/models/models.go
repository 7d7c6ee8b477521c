package models

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Product represents a product in the catalog
type Product struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Price     int64     `db:"price" json:"price"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Inventory represents the persisted stock level used to seed the ledger
type Inventory struct {
	ProductID string    `db:"product_id" json:"product_id"`
	Stock     int       `db:"stock" json:"stock"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// LineItem is a single product entry of a cart
type LineItem struct {
	ProductID string `json:"product_id" db:"product_id"`
	Quantity  int    `json:"quantity" db:"quantity"`
}

// CartSnapshot is the immutable view of a cart taken when checkout starts
type CartSnapshot struct {
	UserID string
	Items  []LineItem
}

// ErrInvalidQuantity is returned when a line item has a quantity below one
var ErrInvalidQuantity = errors.New("quantity must be at least 1")

// NewCartSnapshot sums repeated products and orders items by product ID.
// The fixed order is what every checkout uses to acquire reservations.
func NewCartSnapshot(userID string, items []LineItem) (*CartSnapshot, error) {
	totals := make(map[string]int, len(items))
	for _, item := range items {
		if item.Quantity < 1 {
			return nil, fmt.Errorf("product %s: %w", item.ProductID, ErrInvalidQuantity)
		}
		totals[item.ProductID] += item.Quantity
	}

	merged := make([]LineItem, 0, len(totals))
	for productID, qty := range totals {
		merged = append(merged, LineItem{ProductID: productID, Quantity: qty})
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].ProductID < merged[j].ProductID
	})

	return &CartSnapshot{UserID: userID, Items: merged}, nil
}

// IsEmpty reports whether the snapshot has no line items
func (c *CartSnapshot) IsEmpty() bool {
	return len(c.Items) == 0
}

// ReservationState is the lifecycle state of a stock reservation
type ReservationState string

const (
	ReservationHeld      ReservationState = "HELD"
	ReservationReleased  ReservationState = "RELEASED"
	ReservationCommitted ReservationState = "COMMITTED"
)

// Reservation is a claim against a product's stock for one checkout attempt
type Reservation struct {
	ID        string           `json:"id"`
	AttemptID string           `json:"attempt_id"`
	ProductID string           `json:"product_id"`
	Quantity  int              `json:"quantity"`
	State     ReservationState `json:"state"`
}

// ReservationID derives the ledger key of a reservation. It is stable per
// attempt and product so a retried reserve call lands on the same entry.
func ReservationID(attemptID, productID string) string {
	return attemptID + ":" + productID
}

// Order represents a customer order
type Order struct {
	ID          string      `db:"id" json:"id"`
	AttemptID   string      `db:"attempt_id" json:"attempt_id"`
	UserID      string      `db:"user_id" json:"user_id"`
	TotalAmount int64       `db:"total_amount" json:"total_amount"`
	Status      OrderStatus `db:"status" json:"status"`
	Items       []OrderItem `db:"-" json:"items"`
	CreatedAt   time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at" json:"updated_at"`
}

// OrderItem represents a line of an order, priced at creation time
type OrderItem struct {
	OrderID   string `db:"order_id" json:"-"`
	ProductID string `db:"product_id" json:"product_id"`
	Quantity  int    `db:"quantity" json:"quantity"`
	UnitPrice int64  `db:"unit_price" json:"unit_price"`
}

// PaymentAttempt is the gateway's record of a charge for an order
type PaymentAttempt struct {
	ID             string         `db:"id" json:"id"`
	OrderID        string         `db:"order_id" json:"order_id"`
	Amount         int64          `db:"amount" json:"amount"`
	Outcome        PaymentOutcome `db:"outcome" json:"outcome"`
	IdempotencyKey string         `db:"idempotency_key" json:"idempotency_key"`
	ProviderTxID   string         `db:"provider_tx_id" json:"provider_tx_id,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

// PaymentOutcome is the result of a charge
type PaymentOutcome string

// Payment outcomes
const (
	PaymentPending   PaymentOutcome = "PENDING"
	PaymentSucceeded PaymentOutcome = "SUCCEEDED"
	PaymentFailed    PaymentOutcome = "FAILED"
)

// IsDefinitive reports whether the outcome will never change
func (o PaymentOutcome) IsDefinitive() bool {
	return o == PaymentSucceeded || o == PaymentFailed
}
