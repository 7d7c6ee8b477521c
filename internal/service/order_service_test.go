package service

import (
	"context"
	"testing"
	"time"

	"checkout-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// placeOrder holds stock for an attempt and stores its order in the given
// status, the state the saga leaves behind before payment settles
func (h *harness) placeOrder(t *testing.T, attemptID string, status models.OrderStatus, productID string, qty int) *models.Order {
	t.Helper()
	ctx := context.Background()

	_, err := h.ledger.Reserve(ctx, productID, qty, attemptID)
	require.NoError(t, err)

	order := &models.Order{
		ID:          "order-" + attemptID,
		AttemptID:   attemptID,
		UserID:      "u1",
		TotalAmount: int64(qty) * h.catalog.prices[productID],
		Status:      status,
		Items: []models.OrderItem{
			{ProductID: productID, Quantity: qty, UnitPrice: h.catalog.prices[productID]},
		},
	}
	require.NoError(t, h.orders.CreateOrder(ctx, order))
	return order
}

func (h *harness) recordPayment(t *testing.T, order *models.Order, outcome models.PaymentOutcome) {
	t.Helper()
	_, err := h.payments.RecordPayment(context.Background(), &models.PaymentAttempt{
		ID:             "pay-" + order.ID,
		OrderID:        order.ID,
		Amount:         order.TotalAmount,
		Outcome:        outcome,
		IdempotencyKey: order.ID,
	})
	require.NoError(t, err)
}

func TestApplyPaymentCallback(t *testing.T) {
	t.Run("success commits the reservations", func(t *testing.T) {
		h := newHarness(t)
		h.product(t, "P1", 10, 5)
		order := h.placeOrder(t, "a1", models.OrderStatusAwaitingPayment, "P1", 2)
		svc := h.orderService()

		require.NoError(t, svc.ApplyPaymentCallback(context.Background(), order.ID, models.PaymentSucceeded))

		stored, err := svc.GetOrder(context.Background(), order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusPaid, stored.Status)

		stock, held := h.stock(t, "P1")
		assert.Equal(t, 3, stock)
		assert.Equal(t, 0, held)

		// a repeated callback is accepted and changes nothing
		require.NoError(t, svc.ApplyPaymentCallback(context.Background(), order.ID, models.PaymentSucceeded))
		stock, _ = h.stock(t, "P1")
		assert.Equal(t, 3, stock)
	})

	t.Run("failure releases the reservations", func(t *testing.T) {
		h := newHarness(t)
		h.product(t, "P1", 10, 5)
		order := h.placeOrder(t, "a1", models.OrderStatusAwaitingPayment, "P1", 2)
		svc := h.orderService()

		require.NoError(t, svc.ApplyPaymentCallback(context.Background(), order.ID, models.PaymentFailed))

		stored, err := svc.GetOrder(context.Background(), order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusPaymentFailed, stored.Status)

		stock, held := h.stock(t, "P1")
		assert.Equal(t, 5, stock)
		assert.Equal(t, 0, held)
	})

	t.Run("conflicting callback is rejected", func(t *testing.T) {
		h := newHarness(t)
		h.product(t, "P1", 10, 5)
		order := h.placeOrder(t, "a1", models.OrderStatusAwaitingPayment, "P1", 1)
		svc := h.orderService()

		require.NoError(t, svc.ApplyPaymentCallback(context.Background(), order.ID, models.PaymentSucceeded))

		err := svc.ApplyPaymentCallback(context.Background(), order.ID, models.PaymentFailed)
		assert.ErrorIs(t, err, models.ErrInvalidTransition)
		assert.Equal(t, 1.0, counterValue(t, h.metrics, "payment_callbacks_rejected_total"))

		stored, err := svc.GetOrder(context.Background(), order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusPaid, stored.Status)
	})

	t.Run("order not awaiting payment is rejected", func(t *testing.T) {
		for _, status := range []models.OrderStatus{
			models.OrderStatusPending,
			models.OrderStatusCancelled,
			models.OrderStatusNeedsReconciliation,
		} {
			h := newHarness(t)
			h.product(t, "P1", 10, 5)
			order := h.placeOrder(t, "a1", status, "P1", 1)

			err := h.orderService().ApplyPaymentCallback(context.Background(), order.ID, models.PaymentSucceeded)
			assert.ErrorIs(t, err, models.ErrInvalidTransition, "status %s", status)

			_, held := h.stock(t, "P1")
			assert.Equal(t, 1, held, "status %s", status)
		}
	})

	t.Run("unknown order", func(t *testing.T) {
		h := newHarness(t)
		err := h.orderService().ApplyPaymentCallback(context.Background(), "missing", models.PaymentSucceeded)
		assert.ErrorIs(t, err, models.ErrOrderNotFound)
	})

	t.Run("pending outcome is ignored", func(t *testing.T) {
		h := newHarness(t)
		h.product(t, "P1", 10, 5)
		order := h.placeOrder(t, "a1", models.OrderStatusAwaitingPayment, "P1", 1)

		require.NoError(t, h.orderService().ApplyPaymentCallback(context.Background(), order.ID, models.PaymentPending))

		stored, err := h.orders.GetOrder(context.Background(), order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusAwaitingPayment, stored.Status)
	})
}

func TestUpdateStatus(t *testing.T) {
	h := newHarness(t)
	h.product(t, "P1", 10, 5)
	order := h.placeOrder(t, "a1", models.OrderStatusAwaitingPayment, "P1", 1)
	svc := h.orderService()

	_, err := svc.UpdateStatus(context.Background(), order.ID, models.OrderStatusCancelled)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	updated, err := svc.UpdateStatus(context.Background(), order.ID, models.OrderStatusPaid)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPaid, updated.Status)

	_, err = svc.UpdateStatus(context.Background(), order.ID, models.OrderStatusPaymentFailed)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestListUserOrders(t *testing.T) {
	h := newHarness(t)
	h.product(t, "P1", 10, 5)
	svc := h.orderService()

	orders, err := svc.ListUserOrders(context.Background(), "u1")
	require.NoError(t, err)
	assert.NotNil(t, orders)
	assert.Empty(t, orders)

	h.placeOrder(t, "a1", models.OrderStatusPaid, "P1", 1)
	h.placeOrder(t, "a2", models.OrderStatusAwaitingPayment, "P1", 1)

	orders, err = svc.ListUserOrders(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, orders, 2)

	orders, err = svc.ListUserOrders(context.Background(), "someone-else")
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestReconcile(t *testing.T) {
	tests := []struct {
		name       string
		status     models.OrderStatus
		payment    models.PaymentOutcome
		want       models.OrderStatus
		wantStock  int
		wantEvents string
	}{
		{
			name:       "charged order is paid",
			status:     models.OrderStatusAwaitingPayment,
			payment:    models.PaymentSucceeded,
			want:       models.OrderStatusPaid,
			wantStock:  3,
			wantEvents: models.EventTypeOrderPaid,
		},
		{
			name:       "declined order fails",
			status:     models.OrderStatusNeedsReconciliation,
			payment:    models.PaymentFailed,
			want:       models.OrderStatusPaymentFailed,
			wantStock:  5,
			wantEvents: models.EventTypeOrderPaymentFailed,
		},
		{
			name:       "order never charged is cancelled",
			status:     models.OrderStatusPending,
			want:       models.OrderStatusCancelled,
			wantStock:  5,
			wantEvents: models.EventTypeOrderCancelled,
		},
		{
			name:       "pending charge is cancelled",
			status:     models.OrderStatusAwaitingPayment,
			payment:    models.PaymentPending,
			want:       models.OrderStatusCancelled,
			wantStock:  5,
			wantEvents: models.EventTypeOrderCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.product(t, "P1", 10, 5)
			order := h.placeOrder(t, "a1", tt.status, "P1", 2)
			if tt.payment != "" {
				h.recordPayment(t, order, tt.payment)
			}

			got, err := h.orderService().Reconcile(context.Background(), order)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)

			stored, err := h.orders.GetOrder(context.Background(), order.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, stored.Status)

			stock, held := h.stock(t, "P1")
			assert.Equal(t, tt.wantStock, stock)
			assert.Equal(t, 0, held)

			assert.Equal(t, 1, h.publisher.count(tt.wantEvents))
			assert.Equal(t, 1.0, counterValue(t, h.metrics, "orders_reconciled_total", "status", string(tt.want)))
		})
	}

	t.Run("terminal order is left alone", func(t *testing.T) {
		h := newHarness(t)
		h.product(t, "P1", 10, 5)
		order := h.placeOrder(t, "a1", models.OrderStatusPaid, "P1", 1)

		got, err := h.orderService().Reconcile(context.Background(), order)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusPaid, got)

		_, held := h.stock(t, "P1")
		assert.Equal(t, 1, held)
	})

	t.Run("order settled concurrently is skipped", func(t *testing.T) {
		h := newHarness(t)
		h.product(t, "P1", 10, 5)
		order := h.placeOrder(t, "a1", models.OrderStatusAwaitingPayment, "P1", 1)

		// the reconciler's view is stale: a callback already settled it
		h.orders.setStatus(t, order.ID, models.OrderStatusPaid)

		got, err := h.orderService().Reconcile(context.Background(), order)
		require.NoError(t, err)
		assert.Empty(t, got)
		assert.Equal(t, 0.0, counterValue(t, h.metrics, "orders_reconciled_total"))
	})

	t.Run("order of a running checkout is skipped", func(t *testing.T) {
		h := newHarness(t)
		h.product(t, "P1", 10, 5)
		order := h.placeOrder(t, "a1", models.OrderStatusNeedsReconciliation, "P1", 1)
		h.recordPayment(t, order, models.PaymentSucceeded)

		acquired, err := h.client.AcquireLock(context.Background(), "checkout:a1", time.Minute)
		require.NoError(t, err)
		require.True(t, acquired)

		got, err := h.orderService().Reconcile(context.Background(), order)
		require.NoError(t, err)
		assert.Empty(t, got)

		stored, err := h.orders.GetOrder(context.Background(), order.ID)
		require.NoError(t, err)
		assert.Equal(t, models.OrderStatusNeedsReconciliation, stored.Status)
		_, held := h.stock(t, "P1")
		assert.Equal(t, 1, held)
	})

	t.Run("late callback after cancellation is rejected", func(t *testing.T) {
		h := newHarness(t)
		h.product(t, "P1", 10, 5)
		order := h.placeOrder(t, "a1", models.OrderStatusAwaitingPayment, "P1", 1)
		svc := h.orderService()

		got, err := svc.Reconcile(context.Background(), order)
		require.NoError(t, err)
		require.Equal(t, models.OrderStatusCancelled, got)

		err = svc.ApplyPaymentCallback(context.Background(), order.ID, models.PaymentSucceeded)
		assert.ErrorIs(t, err, models.ErrInvalidTransition)

		stock, held := h.stock(t, "P1")
		assert.Equal(t, 5, stock)
		assert.Equal(t, 0, held)
	})
}

func TestSweepAttempt(t *testing.T) {
	ctx := context.Background()

	t.Run("hold without an order is released", func(t *testing.T) {
		h := newHarness(t)
		h.product(t, "P1", 10, 5)
		h.addToCart(t, "u1", "P1", 2)
		h.addToCart(t, "u1", "P2", 1)

		_, err := h.orchestrator(h.simulated(models.PaymentSucceeded)).Checkout(ctx, "u1", "attempt-1")
		requireCheckoutError(t, err, CodeUnknownProduct)

		// a reserve call of the failed checkout reaches the ledger late
		_, err = h.ledger.Reserve(ctx, "P1", 2, "attempt-1")
		require.NoError(t, err)

		n, err := h.orderService().SweepAttempt(ctx, "attempt-1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		stock, held := h.stock(t, "P1")
		assert.Equal(t, 5, stock)
		assert.Equal(t, 0, held)
		assert.Equal(t, 1.0, counterValue(t, h.metrics, "orphaned_holds_released_total"))

		stale, err := h.ledger.StaleAttempts(ctx, time.Now().Add(time.Second), 10)
		require.NoError(t, err)
		assert.Empty(t, stale)
	})

	t.Run("attempt with an order is left to reconcile", func(t *testing.T) {
		h := newHarness(t)
		h.product(t, "P1", 10, 5)
		h.placeOrder(t, "a1", models.OrderStatusAwaitingPayment, "P1", 1)

		n, err := h.orderService().SweepAttempt(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		_, held := h.stock(t, "P1")
		assert.Equal(t, 1, held)

		stale, err := h.ledger.StaleAttempts(ctx, time.Now().Add(time.Second), 10)
		require.NoError(t, err)
		assert.Empty(t, stale)
	})

	t.Run("running checkout is skipped", func(t *testing.T) {
		h := newHarness(t)
		h.product(t, "P1", 10, 5)
		_, err := h.ledger.Reserve(ctx, "P1", 1, "a1")
		require.NoError(t, err)

		acquired, err := h.client.AcquireLock(ctx, "checkout:a1", time.Minute)
		require.NoError(t, err)
		require.True(t, acquired)

		n, err := h.orderService().SweepAttempt(ctx, "a1")
		require.NoError(t, err)
		assert.Equal(t, 0, n)

		_, held := h.stock(t, "P1")
		assert.Equal(t, 1, held)

		stale, err := h.ledger.StaleAttempts(ctx, time.Now().Add(time.Second), 10)
		require.NoError(t, err)
		assert.Equal(t, []string{"a1"}, stale)
	})
}
