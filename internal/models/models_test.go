package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCartSnapshot_MergesAndSorts(t *testing.T) {
	snapshot, err := NewCartSnapshot("u1", []LineItem{
		{ProductID: "P2", Quantity: 1},
		{ProductID: "P1", Quantity: 2},
		{ProductID: "P2", Quantity: 3},
	})
	require.NoError(t, err)

	assert.Equal(t, "u1", snapshot.UserID)
	assert.Equal(t, []LineItem{
		{ProductID: "P1", Quantity: 2},
		{ProductID: "P2", Quantity: 4},
	}, snapshot.Items)
}

func TestNewCartSnapshot_RejectsZeroQuantity(t *testing.T) {
	_, err := NewCartSnapshot("u1", []LineItem{{ProductID: "P1", Quantity: 0}})
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestNewCartSnapshot_Empty(t *testing.T) {
	snapshot, err := NewCartSnapshot("u1", nil)
	require.NoError(t, err)
	assert.True(t, snapshot.IsEmpty())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		want     bool
	}{
		{OrderStatusPending, OrderStatusAwaitingPayment, true},
		{OrderStatusAwaitingPayment, OrderStatusPaid, true},
		{OrderStatusAwaitingPayment, OrderStatusPaymentFailed, true},
		{OrderStatusAwaitingPayment, OrderStatusCancelled, true},
		{OrderStatusPending, OrderStatusPaid, false},
		{OrderStatusPending, OrderStatusCancelled, false},
		{OrderStatusPaid, OrderStatusAwaitingPayment, false},
		{OrderStatusPaid, OrderStatusPaymentFailed, false},
		{OrderStatusAwaitingPayment, OrderStatusPending, false},
		{OrderStatusCancelled, OrderStatusPaid, false},
		{OrderStatusNeedsReconciliation, OrderStatusPaid, true},
		{OrderStatusPaymentFailed, OrderStatusNeedsReconciliation, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestPreviousStatuses(t *testing.T) {
	assert.ElementsMatch(t,
		[]OrderStatus{OrderStatusAwaitingPayment, OrderStatusNeedsReconciliation},
		PreviousStatuses(OrderStatusPaid))
	assert.Equal(t, []OrderStatus{OrderStatusPending}, PreviousStatuses(OrderStatusAwaitingPayment))
	assert.Empty(t, PreviousStatuses(OrderStatusPending))
}

func TestOrderStatusIsTerminal(t *testing.T) {
	assert.True(t, OrderStatusPaid.IsTerminal())
	assert.True(t, OrderStatusPaymentFailed.IsTerminal())
	assert.True(t, OrderStatusCancelled.IsTerminal())
	assert.False(t, OrderStatusPending.IsTerminal())
	assert.False(t, OrderStatusAwaitingPayment.IsTerminal())
	assert.False(t, OrderStatusNeedsReconciliation.IsTerminal())
}
