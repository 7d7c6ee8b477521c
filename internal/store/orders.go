package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const orderColumns = "id, attempt_id, user_id, total_amount, status, created_at, updated_at"

// CreateOrder persists an order with its items. Orders are unique per
// attempt: when the attempt already has one, order is overwritten with the
// stored row instead.
func (s *Store) CreateOrder(ctx context.Context, order *models.Order) error {
	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	if order.Status == "" {
		order.Status = models.OrderStatusPending
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO orders (id, attempt_id, user_id, total_amount, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (attempt_id) DO NOTHING
		RETURNING created_at, updated_at`

	var stamps struct {
		CreatedAt time.Time `db:"created_at"`
		UpdatedAt time.Time `db:"updated_at"`
	}
	err = tx.GetContext(ctx, &stamps, query,
		order.ID, order.AttemptID, order.UserID, order.TotalAmount, order.Status)
	if errors.Is(err, sql.ErrNoRows) {
		// another call for this attempt got there first
		tx.Rollback()
		existing, err := s.GetOrderByAttempt(ctx, order.AttemptID)
		if err != nil {
			return err
		}
		*order = *existing
		return nil
	}
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for i := range order.Items {
		order.Items[i].OrderID = order.ID
		_, err := tx.ExecContext(ctx,
			"INSERT INTO order_items (order_id, product_id, quantity, unit_price) VALUES ($1, $2, $3, $4)",
			order.ID, order.Items[i].ProductID, order.Items[i].Quantity, order.Items[i].UnitPrice)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit order: %w", err)
	}

	order.CreatedAt = stamps.CreatedAt
	order.UpdatedAt = stamps.UpdatedAt
	return nil
}

// GetOrder retrieves an order and its items by ID
func (s *Store) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	return s.getOrder(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = $1", id)
}

// GetOrderByAttempt retrieves the order created by a checkout attempt
func (s *Store) GetOrderByAttempt(ctx context.Context, attemptID string) (*models.Order, error) {
	return s.getOrder(ctx, "SELECT "+orderColumns+" FROM orders WHERE attempt_id = $1", attemptID)
}

func (s *Store) getOrder(ctx context.Context, query string, arg string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, query, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}

	items, err := s.GetOrderItems(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	order.Items = items
	return &order, nil
}

// GetOrderItems retrieves all items for an order
func (s *Store) GetOrderItems(ctx context.Context, orderID string) ([]models.OrderItem, error) {
	items := []models.OrderItem{}
	err := s.db.SelectContext(ctx, &items,
		"SELECT order_id, product_id, quantity, unit_price FROM order_items WHERE order_id = $1 ORDER BY product_id",
		orderID)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	return items, nil
}

// SetOrderStatus moves an order to status. The update only applies when
// the current status has an edge to the target; setting the status an
// order already has is a no-op.
func (s *Store) SetOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) error {
	from := models.PreviousStatuses(status)
	allowed := make([]string, len(from))
	for i, st := range from {
		allowed[i] = string(st)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status = ANY($3)",
		status, orderID, pq.Array(allowed))
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var current models.OrderStatus
	err = s.db.GetContext(ctx, &current, "SELECT status FROM orders WHERE id = $1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("query order status: %w", err)
	}
	if current == status {
		return nil
	}
	return fmt.Errorf("%s -> %s: %w", current, status, models.ErrInvalidTransition)
}

// SetOrderStatusFrom moves an order to status only if it is currently in
// from. An order already in status is left alone.
func (s *Store) SetOrderStatusFrom(ctx context.Context, orderID string, from, status models.OrderStatus) error {
	if !models.CanTransition(from, status) {
		return fmt.Errorf("%s -> %s: %w", from, status, models.ErrInvalidTransition)
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		status, orderID, from)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var current models.OrderStatus
	err = s.db.GetContext(ctx, &current, "SELECT status FROM orders WHERE id = $1", orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrOrderNotFound
	}
	if err != nil {
		return fmt.Errorf("query order status: %w", err)
	}
	if current == status {
		return nil
	}
	return fmt.Errorf("%s -> %s: %w", current, status, models.ErrInvalidTransition)
}

// GetOrdersByUserID retrieves orders for a user, newest first
func (s *Store) GetOrdersByUserID(ctx context.Context, userID string) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT "+orderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return orders, err
}

// ListStaleOrders returns orders that need the reconciler: those left in
// PENDING or AWAITING_PAYMENT since before olderThan, and those marked
// NEEDS_RECONCILIATION.
func (s *Store) ListStaleOrders(ctx context.Context, olderThan time.Time, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders, `
		SELECT `+orderColumns+` FROM orders
		WHERE (status IN ($1, $2) AND updated_at < $3) OR status = $4
		ORDER BY updated_at
		LIMIT $5`,
		models.OrderStatusPending, models.OrderStatusAwaitingPayment, olderThan,
		models.OrderStatusNeedsReconciliation, limit)
	if err != nil {
		return nil, fmt.Errorf("query stale orders: %w", err)
	}
	return orders, nil
}
