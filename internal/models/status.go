package models

// OrderStatus is the lifecycle status of an order
type OrderStatus string

// Order statuses
const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusAwaitingPayment OrderStatus = "AWAITING_PAYMENT"
	OrderStatusPaid            OrderStatus = "PAID"
	OrderStatusPaymentFailed   OrderStatus = "PAYMENT_FAILED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"

	// OrderStatusNeedsReconciliation marks an order whose compensation could
	// not complete. Only the reconciler moves it on.
	OrderStatusNeedsReconciliation OrderStatus = "NEEDS_RECONCILIATION"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {
		OrderStatusAwaitingPayment,
		OrderStatusNeedsReconciliation,
	},
	OrderStatusAwaitingPayment: {
		OrderStatusPaid,
		OrderStatusPaymentFailed,
		OrderStatusCancelled,
		OrderStatusNeedsReconciliation,
	},
	OrderStatusNeedsReconciliation: {
		OrderStatusPaid,
		OrderStatusPaymentFailed,
		OrderStatusCancelled,
	},
}

// CanTransition reports whether an order may move from one status to another
func CanTransition(from, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PreviousStatuses lists every status from which the given one is reachable
// in a single step.
func PreviousStatuses(to OrderStatus) []OrderStatus {
	var from []OrderStatus
	for status, nexts := range orderTransitions {
		for _, next := range nexts {
			if next == to {
				from = append(from, status)
			}
		}
	}
	return from
}

// IsTerminal reports whether no further transition is possible
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusPaid || s == OrderStatusPaymentFailed || s == OrderStatusCancelled
}

// IsValid reports whether s is a known status
func (s OrderStatus) IsValid() bool {
	switch s {
	case OrderStatusPending, OrderStatusAwaitingPayment, OrderStatusPaid,
		OrderStatusPaymentFailed, OrderStatusCancelled, OrderStatusNeedsReconciliation:
		return true
	}
	return false
}

// String representation (for logging)
func (s OrderStatus) String() string {
	return string(s)
}
