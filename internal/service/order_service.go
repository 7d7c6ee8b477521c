package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/config"
	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// OrderService handles order reads, payment callbacks and reconciliation
type OrderService struct {
	orders      OrderStore
	payments    PaymentRecords
	ledger      AttemptLedger
	locker      AttemptLocker
	publisher   EventPublisher
	settler     *settler
	lockTTL     time.Duration
	callTimeout time.Duration
	metrics     *util.Metrics
	logger      *zap.Logger
}

// NewOrderService creates a new order service. locker may be nil.
func NewOrderService(
	orders OrderStore,
	payments PaymentRecords,
	ledger AttemptLedger,
	locker AttemptLocker,
	publisher EventPublisher,
	cfg config.CheckoutConfig,
	metrics *util.Metrics,
) *OrderService {
	logger := util.GetLogger()
	lockTTL := cfg.OrderTimeout
	if lockTTL <= 0 {
		lockTTL = 5 * time.Minute
	}
	return &OrderService{
		orders:      orders,
		payments:    payments,
		ledger:      ledger,
		locker:      locker,
		publisher:   publisher,
		lockTTL:     lockTTL,
		callTimeout: cfg.CallTimeout,
		settler: &settler{
			ledger:      ledger,
			policy:      compensatePolicy(cfg),
			callTimeout: cfg.CallTimeout,
			metrics:     metrics,
			logger:      logger,
		},
		metrics: metrics,
		logger:  logger,
	}
}

// GetOrder retrieves an order by ID
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	return s.orders.GetOrder(ctx, orderID)
}

// ListUserOrders returns the orders of a user, newest first
func (s *OrderService) ListUserOrders(ctx context.Context, userID string) ([]models.Order, error) {
	orders, err := s.orders.GetOrdersByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if orders == nil {
		orders = []models.Order{}
	}
	return orders, nil
}

// GetPayment retrieves the payment attempt of an order
func (s *OrderService) GetPayment(ctx context.Context, orderID string) (*models.PaymentAttempt, error) {
	return s.payments.GetPaymentByOrderID(ctx, orderID)
}

// UpdateStatus applies a status written by the payment provider. Only the
// payment outcomes PAID and PAYMENT_FAILED can be written this way.
func (s *OrderService) UpdateStatus(ctx context.Context, orderID string, status models.OrderStatus) (*models.Order, error) {
	var outcome models.PaymentOutcome
	switch status {
	case models.OrderStatusPaid:
		outcome = models.PaymentSucceeded
	case models.OrderStatusPaymentFailed:
		outcome = models.PaymentFailed
	default:
		s.metrics.CallbacksRejected.Inc()
		return nil, fmt.Errorf("status %s is not a payment outcome: %w", status, models.ErrInvalidTransition)
	}

	if err := s.ApplyPaymentCallback(ctx, orderID, outcome); err != nil {
		return nil, err
	}
	return s.orders.GetOrder(ctx, orderID)
}

// ApplyPaymentCallback settles an order awaiting payment with the outcome
// reported by the gateway. Callbacks for orders in any other state are
// rejected with models.ErrInvalidTransition; a repeated callback is
// accepted and settles the reservations again, which is a no-op.
func (s *OrderService) ApplyPaymentCallback(ctx context.Context, orderID string, outcome models.PaymentOutcome) error {
	ctx, span := util.StartSpan(ctx, "OrderService.ApplyPaymentCallback",
		attribute.String("order_id", orderID),
		attribute.String("outcome", string(outcome)))
	defer span.End()

	var target models.OrderStatus
	switch outcome {
	case models.PaymentSucceeded:
		target = models.OrderStatusPaid
	case models.PaymentFailed:
		target = models.OrderStatusPaymentFailed
	default:
		s.logger.Debug("Ignoring non-definitive payment callback", zap.String("order_id", orderID))
		return nil
	}

	err := s.settler.setStatusFrom(ctx, s.orders, orderID, models.OrderStatusAwaitingPayment, target)
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			s.metrics.CallbacksRejected.Inc()
			s.logger.Warn("Rejected payment callback",
				zap.String("order_id", orderID),
				zap.String("outcome", string(outcome)),
				zap.Error(err))
		}
		util.FailSpan(span, err)
		return err
	}

	order, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		util.FailSpan(span, err)
		return fmt.Errorf("failed to load order: %w", err)
	}

	ids := reservationIDs(order)
	step := "callback_commit"
	if target == models.OrderStatusPaid {
		err = s.settler.commitAll(ctx, ids)
	} else {
		step = "callback_release"
		err = s.settler.releaseAll(ctx, ids)
	}
	if err != nil {
		util.FailSpan(span, err)
		alertCompensationFailed(ctx, s.publisher, s.metrics, s.logger, order.AttemptID, order.ID, step, ids, err)
		return err
	}

	s.logger.Info("Payment callback applied",
		zap.String("order_id", orderID),
		zap.String("status", target.String()))
	return nil
}

// Reconcile drives an order the saga left unfinished to a terminal state,
// using the memoized payment attempt as the source of truth. It returns
// the status the order ended in, or an empty status when someone else
// finished the order first.
func (s *OrderService) Reconcile(ctx context.Context, order *models.Order) (models.OrderStatus, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.Reconcile", attribute.String("order_id", order.ID))
	defer span.End()

	if order.Status.IsTerminal() {
		return order.Status, nil
	}

	unlock, acquired, err := s.lockAttempt(ctx, order.AttemptID)
	if err != nil {
		util.FailSpan(span, err)
		return "", err
	}
	if !acquired {
		s.logger.Debug("Checkout still running, skipping order", zap.String("order_id", order.ID))
		return "", nil
	}
	defer unlock()

	switch order.Status {
	case models.OrderStatusPending, models.OrderStatusAwaitingPayment:
		err := s.settler.setStatusFrom(ctx, s.orders, order.ID, order.Status, models.OrderStatusNeedsReconciliation)
		if errors.Is(err, models.ErrInvalidTransition) {
			return "", nil
		}
		if err != nil {
			util.FailSpan(span, err)
			return "", err
		}
	case models.OrderStatusNeedsReconciliation:
	default:
		return order.Status, nil
	}

	full, err := s.orders.GetOrder(ctx, order.ID)
	if err != nil {
		util.FailSpan(span, err)
		return "", fmt.Errorf("failed to load order: %w", err)
	}

	outcome := models.PaymentPending
	var paymentID string
	payment, err := s.payments.GetPaymentByOrderID(ctx, order.ID)
	switch {
	case err == nil:
		outcome, paymentID = payment.Outcome, payment.ID
	case errors.Is(err, models.ErrPaymentNotFound):
	default:
		util.FailSpan(span, err)
		return "", fmt.Errorf("failed to load payment: %w", err)
	}

	ids := reservationIDs(full)
	target := models.OrderStatusCancelled
	switch outcome {
	case models.PaymentSucceeded:
		target = models.OrderStatusPaid
		err = s.settler.commitAll(ctx, ids)
	case models.PaymentFailed:
		target = models.OrderStatusPaymentFailed
		err = s.settler.releaseAll(ctx, ids)
	default:
		err = s.settler.releaseAll(ctx, ids)
	}
	if err != nil {
		util.FailSpan(span, err)
		alertCompensationFailed(ctx, s.publisher, s.metrics, s.logger, full.AttemptID, full.ID, "reconcile", ids, err)
		return "", err
	}

	err = s.settler.setStatusFrom(ctx, s.orders, order.ID, models.OrderStatusNeedsReconciliation, target)
	if err != nil {
		util.FailSpan(span, err)
		return "", err
	}

	s.metrics.OrdersReconciled.WithLabelValues(string(target)).Inc()
	s.logger.Info("Order reconciled",
		zap.String("order_id", order.ID),
		zap.String("status", target.String()))

	s.publishTerminal(ctx, full, target, paymentID)
	return target, nil
}

// SweepAttempt releases the holds of an attempt that never got an order,
// such as a reserve call that reached the ledger after its saga had
// already given up. Attempts with an order are left to Reconcile. It
// returns how many holds were released.
func (s *OrderService) SweepAttempt(ctx context.Context, attemptID string) (int, error) {
	ctx, span := util.StartSpan(ctx, "OrderService.SweepAttempt", attribute.String("attempt_id", attemptID))
	defer span.End()

	unlock, acquired, err := s.lockAttempt(ctx, attemptID)
	if err != nil {
		util.FailSpan(span, err)
		return 0, err
	}
	if !acquired {
		return 0, nil
	}
	defer unlock()

	_, err = s.orders.GetOrderByAttempt(ctx, attemptID)
	switch {
	case err == nil:
		return 0, s.ledger.ForgetAttempt(ctx, attemptID)
	case !errors.Is(err, models.ErrOrderNotFound):
		util.FailSpan(span, err)
		return 0, fmt.Errorf("failed to load order: %w", err)
	}

	reservations, err := s.ledger.ReservationsForAttempt(ctx, attemptID)
	if err != nil {
		util.FailSpan(span, err)
		return 0, fmt.Errorf("failed to list reservations: %w", err)
	}

	var ids []string
	for _, r := range reservations {
		if r.State == models.ReservationHeld {
			ids = append(ids, r.ID)
		}
	}
	if len(ids) > 0 {
		if err := s.settler.releaseAll(ctx, ids); err != nil {
			util.FailSpan(span, err)
			alertCompensationFailed(ctx, s.publisher, s.metrics, s.logger, attemptID, "", "sweep_release", ids, err)
			return 0, err
		}
		s.metrics.OrphanedHoldsReleased.Add(float64(len(ids)))
		s.logger.Warn("Released holds of an attempt without an order",
			zap.String("attempt_id", attemptID),
			zap.Strings("reservation_ids", ids))
	}

	return len(ids), s.ledger.ForgetAttempt(ctx, attemptID)
}

// lockAttempt takes the lock a running checkout holds for its attempt.
// acquired is false while the checkout is still running.
func (s *OrderService) lockAttempt(ctx context.Context, attemptID string) (unlock func(), acquired bool, err error) {
	if s.locker == nil || attemptID == "" {
		return func() {}, true, nil
	}

	key := attemptLockKey(attemptID)
	cctx, cancel := withCallTimeout(ctx, s.callTimeout)
	acquired, err = s.locker.AcquireLock(cctx, key, s.lockTTL)
	cancel()
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock attempt: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}

	return func() {
		rctx, cancel := withCallTimeout(context.WithoutCancel(ctx), s.callTimeout)
		defer cancel()
		if err := s.locker.ReleaseLock(rctx, key); err != nil {
			s.logger.Warn("Failed to release attempt lock", zap.String("attempt_id", attemptID), zap.Error(err))
		}
	}, true, nil
}

func (s *OrderService) publishTerminal(ctx context.Context, order *models.Order, status models.OrderStatus, paymentID string) {
	var err error
	switch status {
	case models.OrderStatusPaid:
		items := make([]models.LineItem, 0, len(order.Items))
		for _, item := range order.Items {
			items = append(items, models.LineItem{ProductID: item.ProductID, Quantity: item.Quantity})
		}
		err = s.publisher.PublishOrderPaid(ctx, &models.OrderPaidEvent{
			BaseEvent:   newBaseEvent(models.EventTypeOrderPaid),
			OrderID:     order.ID,
			UserID:      order.UserID,
			TotalAmount: order.TotalAmount,
			PaymentID:   paymentID,
			Items:       items,
		})
	case models.OrderStatusPaymentFailed:
		err = s.publisher.PublishOrderPaymentFailed(ctx, &models.OrderPaymentFailedEvent{
			BaseEvent: newBaseEvent(models.EventTypeOrderPaymentFailed),
			OrderID:   order.ID,
			UserID:    order.UserID,
			PaymentID: paymentID,
		})
	case models.OrderStatusCancelled:
		err = s.publisher.PublishOrderCancelled(ctx, &models.OrderCancelledEvent{
			BaseEvent: newBaseEvent(models.EventTypeOrderCancelled),
			OrderID:   order.ID,
			UserID:    order.UserID,
			Reason:    "reconciled",
		})
	}
	if err != nil {
		s.logger.Error("Failed to publish order event",
			zap.String("order_id", order.ID),
			zap.String("status", status.String()),
			zap.Error(err))
	}
}
