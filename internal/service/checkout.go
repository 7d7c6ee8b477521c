package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"checkout-service/config"
	"checkout-service/internal/models"
	"checkout-service/internal/retry"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var errPaymentPending = errors.New("payment outcome still pending")

// CheckoutDeps are the participants of the checkout saga. Locker is
// optional.
type CheckoutDeps struct {
	Carts     CartStore
	Catalog   Catalog
	Ledger    InventoryLedger
	Orders    OrderStore
	Gateway   PaymentGateway
	Publisher EventPublisher
	Locker    AttemptLocker
}

// CheckoutOrchestrator turns a cart into a paid order: it reserves stock,
// creates the order, charges it and then either finalizes or compensates.
type CheckoutOrchestrator struct {
	carts     CartStore
	catalog   Catalog
	ledger    InventoryLedger
	orders    OrderStore
	gateway   PaymentGateway
	publisher EventPublisher
	locker    AttemptLocker
	cfg       config.CheckoutConfig
	settler   *settler
	metrics   *util.Metrics
	logger    *zap.Logger
}

// NewCheckoutOrchestrator creates a new checkout orchestrator
func NewCheckoutOrchestrator(deps CheckoutDeps, cfg config.CheckoutConfig, metrics *util.Metrics) *CheckoutOrchestrator {
	logger := util.GetLogger()
	return &CheckoutOrchestrator{
		carts:     deps.Carts,
		catalog:   deps.Catalog,
		ledger:    deps.Ledger,
		orders:    deps.Orders,
		gateway:   deps.Gateway,
		publisher: deps.Publisher,
		locker:    deps.Locker,
		cfg:       cfg,
		settler: &settler{
			ledger:      deps.Ledger,
			policy:      compensatePolicy(cfg),
			callTimeout: cfg.CallTimeout,
			metrics:     metrics,
			logger:      logger,
		},
		metrics: metrics,
		logger:  logger,
	}
}

func compensatePolicy(cfg config.CheckoutConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.CompensateMaxAttempts,
		BaseBackoff: cfg.CompensateBaseBackoff,
		MaxBackoff:  cfg.MaxBackoff,
	}
}

func chargePolicy(cfg config.CheckoutConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.ChargeMaxAttempts,
		BaseBackoff: cfg.ChargeBaseBackoff,
		MaxBackoff:  cfg.MaxBackoff,
	}
}

// Checkout runs one checkout attempt for the user's cart. attemptKey
// identifies the attempt across client retries; an empty key starts a new
// attempt. Failures are always *CheckoutError.
func (o *CheckoutOrchestrator) Checkout(ctx context.Context, userID, attemptKey string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutOrchestrator.Checkout", attribute.String("user_id", userID))
	defer span.End()

	o.metrics.CheckoutsStarted.Inc()
	start := time.Now()

	order, err := o.run(ctx, userID, attemptKey)
	o.metrics.CheckoutDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		util.FailSpan(span, err)
		reason := "error"
		if ce, ok := AsCheckoutError(err); ok {
			reason = strings.ToLower(string(ce.Code))
		}
		o.metrics.CheckoutsFailed.WithLabelValues(reason).Inc()
		return nil, err
	}

	o.metrics.CheckoutsSucceeded.Inc()
	return order, nil
}

func (o *CheckoutOrchestrator) run(ctx context.Context, userID, attemptKey string) (*models.Order, error) {
	attemptID := attemptKey
	if attemptID == "" {
		attemptID = uuid.New().String()
	}

	// held for the whole saga, also while an order sits parked in
	// NEEDS_RECONCILIATION, so the reconciler leaves the attempt alone
	if o.locker != nil {
		unlock, err := o.lockAttempt(ctx, attemptID)
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	if attemptKey != "" {
		order, replayed, err := o.replay(ctx, attemptID)
		if replayed {
			return order, err
		}
	}

	snapshot, err := o.snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}

	if err := ctx.Err(); err != nil {
		return nil, newCheckoutError(CodeCancelled, err)
	}

	ids, err := o.reserve(ctx, attemptID, snapshot)
	if err != nil {
		return nil, err
	}

	// The caller can no longer cancel: from order creation on the saga
	// runs to a terminal state.
	sagaCtx := context.WithoutCancel(ctx)

	order, err := o.createOrder(sagaCtx, attemptID, snapshot, ids)
	if err != nil {
		return nil, err
	}

	if err := o.settler.setStatus(sagaCtx, o.orders, order.ID, models.OrderStatusAwaitingPayment); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return nil, &CheckoutError{Code: CodeInvalidTransition, OrderID: order.ID, Err: err}
		}
		ce := &CheckoutError{Code: CodeOrderPersistenceError, OrderID: order.ID, Err: err}
		o.releaseAfterFailure(sagaCtx, attemptID, order.ID, ids, ce)
		o.flagForReconciliation(sagaCtx, order.ID)
		return nil, ce
	}
	order.Status = models.OrderStatusAwaitingPayment

	payment, err := o.charge(sagaCtx, order)
	if err != nil {
		return o.finalizeCancelled(sagaCtx, order, ids, err)
	}

	o.metrics.PaymentOutcomes.WithLabelValues(string(payment.Outcome)).Inc()
	if payment.Outcome == models.PaymentSucceeded {
		return o.finalizePaid(sagaCtx, order, ids, payment.ID)
	}
	return nil, o.finalizeDeclined(sagaCtx, order, ids, payment.ID)
}

func (o *CheckoutOrchestrator) lockAttempt(ctx context.Context, attemptID string) (func(), error) {
	key := attemptLockKey(attemptID)
	ttl := o.cfg.OrderTimeout
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	cctx, cancel := withCallTimeout(ctx, o.cfg.CallTimeout)
	acquired, err := o.locker.AcquireLock(cctx, key, ttl)
	cancel()
	if err != nil {
		return nil, o.unavailable(ctx, err)
	}
	if !acquired {
		return nil, newCheckoutError(CodeCheckoutInProgress, nil)
	}

	return func() {
		rctx, cancel := withCallTimeout(context.WithoutCancel(ctx), o.cfg.CallTimeout)
		defer cancel()
		if err := o.locker.ReleaseLock(rctx, key); err != nil {
			o.logger.Warn("Failed to release checkout lock", zap.String("attempt_id", attemptID), zap.Error(err))
		}
	}, nil
}

// replay returns the recorded result of an attempt that already created
// its order
func (o *CheckoutOrchestrator) replay(ctx context.Context, attemptID string) (*models.Order, bool, error) {
	cctx, cancel := withCallTimeout(ctx, o.cfg.CallTimeout)
	order, err := o.orders.GetOrderByAttempt(cctx, attemptID)
	cancel()
	if errors.Is(err, models.ErrOrderNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, true, o.unavailable(ctx, err)
	}

	o.logger.Info("Replaying checkout attempt",
		zap.String("attempt_id", attemptID),
		zap.String("order_id", order.ID),
		zap.String("status", order.Status.String()))

	switch order.Status {
	case models.OrderStatusPaid:
		return order, true, nil
	case models.OrderStatusPaymentFailed:
		return nil, true, &CheckoutError{Code: CodePaymentDeclined, OrderID: order.ID}
	case models.OrderStatusCancelled:
		return nil, true, &CheckoutError{Code: CodePaymentUnavailable, OrderID: order.ID}
	default:
		return nil, true, &CheckoutError{Code: CodeCheckoutInProgress, OrderID: order.ID}
	}
}

// snapshot fetches the cart, freezes it and checks every product is known
func (o *CheckoutOrchestrator) snapshot(ctx context.Context, userID string) (*models.CartSnapshot, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutOrchestrator.snapshot")
	defer span.End()

	cctx, cancel := withCallTimeout(ctx, o.cfg.CallTimeout)
	items, err := o.carts.GetCart(cctx, userID)
	cancel()
	if err != nil {
		util.FailSpan(span, err)
		return nil, o.unavailable(ctx, err)
	}

	snapshot, err := models.NewCartSnapshot(userID, items)
	if err != nil {
		return nil, newCheckoutError(CodeInvalidCart, err)
	}
	if snapshot.IsEmpty() {
		return nil, newCheckoutError(CodeEmptyCart, nil)
	}

	for _, item := range snapshot.Items {
		if _, err := o.price(ctx, item.ProductID); err != nil {
			util.FailSpan(span, err)
			return nil, o.catalogError(ctx, item.ProductID, err)
		}
	}

	return snapshot, nil
}

// reserve holds stock for every line item in ascending product order. On
// the first failure every hold of the attempt is released.
func (o *CheckoutOrchestrator) reserve(ctx context.Context, attemptID string, snapshot *models.CartSnapshot) ([]string, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutOrchestrator.reserve", attribute.String("attempt_id", attemptID))
	defer span.End()

	start := time.Now()
	defer func() {
		o.metrics.ReserveLatency.Observe(time.Since(start).Seconds())
	}()

	ids := make([]string, 0, len(snapshot.Items))
	for _, item := range snapshot.Items {
		err := ctx.Err()
		if err == nil {
			var res *models.Reservation
			cctx, cancel := withCallTimeout(ctx, o.cfg.CallTimeout)
			res, err = o.ledger.Reserve(cctx, item.ProductID, item.Quantity, attemptID)
			cancel()
			if err == nil {
				ids = append(ids, res.ID)
				continue
			}
		}

		util.FailSpan(span, err)
		ce := &CheckoutError{ProductID: item.ProductID, Err: err}
		reason := "error"
		switch {
		case errors.Is(err, models.ErrInsufficientStock):
			ce.Code, reason = CodeInsufficientStock, "insufficient_stock"
		case errors.Is(err, models.ErrUnknownProduct):
			ce.Code, reason = CodeUnknownProduct, "unknown_product"
		case ctx.Err() != nil:
			ce.Code, reason = CodeCancelled, "cancelled"
		default:
			ce.Code = CodeServiceUnavailable
		}
		o.metrics.ReservationsFailed.WithLabelValues(reason).Inc()

		o.logger.Info("Reservation failed, releasing attempt",
			zap.String("attempt_id", attemptID),
			zap.String("product_id", item.ProductID),
			zap.Int("quantity", item.Quantity),
			zap.Error(err))

		// a timed out call may still have taken the hold
		held := append(ids, models.ReservationID(attemptID, item.ProductID))
		return nil, o.releaseAfterFailure(context.WithoutCancel(ctx), attemptID, "", held, ce)
	}

	return ids, nil
}

// createOrder prices the snapshot and persists the order as PENDING
func (o *CheckoutOrchestrator) createOrder(ctx context.Context, attemptID string, snapshot *models.CartSnapshot, ids []string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutOrchestrator.createOrder", attribute.String("attempt_id", attemptID))
	defer span.End()

	order := &models.Order{
		ID:        uuid.New().String(),
		AttemptID: attemptID,
		UserID:    snapshot.UserID,
		Status:    models.OrderStatusPending,
		Items:     make([]models.OrderItem, 0, len(snapshot.Items)),
	}

	for _, item := range snapshot.Items {
		price, err := o.price(ctx, item.ProductID)
		if err != nil {
			util.FailSpan(span, err)
			return nil, o.releaseAfterFailure(ctx, attemptID, "", ids, o.catalogError(ctx, item.ProductID, err))
		}
		order.Items = append(order.Items, models.OrderItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: price,
		})
		order.TotalAmount += price * int64(item.Quantity)
	}

	orderID := order.ID
	cctx, cancel := withCallTimeout(ctx, o.cfg.CallTimeout)
	err := o.orders.CreateOrder(cctx, order)
	cancel()
	if err != nil {
		util.FailSpan(span, err)
		return nil, o.releaseAfterFailure(ctx, attemptID, "", ids, newCheckoutError(CodeOrderPersistenceError, err))
	}
	if order.ID != orderID {
		// another request of this attempt created the order and owns the holds
		return nil, &CheckoutError{Code: CodeCheckoutInProgress, OrderID: order.ID}
	}

	o.logger.Info("Order created",
		zap.String("order_id", order.ID),
		zap.String("attempt_id", attemptID),
		zap.Int64("total_amount", order.TotalAmount))
	return order, nil
}

// charge calls the gateway with the order ID as idempotency key, retrying
// transport failures within the charge budget
func (o *CheckoutOrchestrator) charge(ctx context.Context, order *models.Order) (*models.PaymentAttempt, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutOrchestrator.charge", attribute.String("order_id", order.ID))
	defer span.End()

	var payment *models.PaymentAttempt
	err := retry.Do(ctx, chargePolicy(o.cfg), func(ctx context.Context) error {
		o.metrics.PaymentAttemptsTotal.Inc()
		start := time.Now()
		defer func() {
			o.metrics.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
		}()

		cctx, cancel := withCallTimeout(ctx, o.cfg.CallTimeout)
		defer cancel()

		attempt, err := o.gateway.Charge(cctx, order.ID, order.TotalAmount, order.ID)
		if err != nil {
			if !IsRetryablePayment(err) {
				return retry.Permanent(err)
			}
			return err
		}
		payment = attempt
		if !attempt.Outcome.IsDefinitive() {
			return errPaymentPending
		}
		return nil
	}, func(attempt int, err error) {
		o.metrics.PaymentRetries.Inc()
		o.logger.Warn("Retrying charge",
			zap.String("order_id", order.ID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	})
	if err != nil {
		util.FailSpan(span, err)
		return nil, err
	}
	return payment, nil
}

func (o *CheckoutOrchestrator) finalizePaid(ctx context.Context, order *models.Order, ids []string, paymentID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutOrchestrator.finalizePaid", attribute.String("order_id", order.ID))
	defer span.End()

	if err := o.settler.commitAll(ctx, ids); err != nil {
		util.FailSpan(span, err)
		return nil, o.escalate(ctx, order, "commit_reservations", ids, CodeCompensationFailed, err)
	}

	if err := o.settler.setStatus(ctx, o.orders, order.ID, models.OrderStatusPaid); err != nil {
		util.FailSpan(span, err)
		return nil, o.escalate(ctx, order, "set_status_paid", ids, CodeCompensationFailed, err)
	}
	order.Status = models.OrderStatusPaid

	items := make([]models.LineItem, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, models.LineItem{ProductID: item.ProductID, Quantity: item.Quantity})
	}

	// lines added to the cart after the snapshot stay in it
	err := retry.Do(ctx, o.settler.policy, func(ctx context.Context) error {
		cctx, cancel := withCallTimeout(ctx, o.cfg.CallTimeout)
		defer cancel()
		return o.carts.RemoveItems(cctx, order.UserID, items)
	}, nil)
	if err != nil {
		o.logger.Error("Failed to remove checked out items from cart",
			zap.String("order_id", order.ID),
			zap.String("user_id", order.UserID),
			zap.Error(err))
	}

	event := &models.OrderPaidEvent{
		BaseEvent:   newBaseEvent(models.EventTypeOrderPaid),
		OrderID:     order.ID,
		UserID:      order.UserID,
		TotalAmount: order.TotalAmount,
		PaymentID:   paymentID,
		Items:       items,
	}
	if err := o.publisher.PublishOrderPaid(ctx, event); err != nil {
		o.logger.Error("Failed to publish OrderPaid event", zap.Error(err))
	}

	o.logger.Info("Checkout completed", zap.String("order_id", order.ID))
	return order, nil
}

func (o *CheckoutOrchestrator) finalizeDeclined(ctx context.Context, order *models.Order, ids []string, paymentID string) error {
	ctx, span := util.StartSpan(ctx, "CheckoutOrchestrator.finalizeDeclined", attribute.String("order_id", order.ID))
	defer span.End()

	o.logger.Warn("Payment declined, releasing reservations", zap.String("order_id", order.ID))

	if err := o.settler.releaseAll(ctx, ids); err != nil {
		util.FailSpan(span, err)
		return o.escalate(ctx, order, "release_reservations", ids, CodePaymentDeclined, err)
	}

	if err := o.settler.setStatus(ctx, o.orders, order.ID, models.OrderStatusPaymentFailed); err != nil {
		util.FailSpan(span, err)
		return o.escalate(ctx, order, "set_status_payment_failed", ids, CodePaymentDeclined, err)
	}

	event := &models.OrderPaymentFailedEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderPaymentFailed),
		OrderID:   order.ID,
		UserID:    order.UserID,
		PaymentID: paymentID,
	}
	if err := o.publisher.PublishOrderPaymentFailed(ctx, event); err != nil {
		o.logger.Error("Failed to publish OrderPaymentFailed event", zap.Error(err))
	}

	return &CheckoutError{Code: CodePaymentDeclined, OrderID: order.ID}
}

// finalizeCancelled gives up on a charge that never produced an outcome.
// The order is parked in NEEDS_RECONCILIATION first so a late payment
// callback cannot settle it while its holds are released.
func (o *CheckoutOrchestrator) finalizeCancelled(ctx context.Context, order *models.Order, ids []string, cause error) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutOrchestrator.finalizeCancelled", attribute.String("order_id", order.ID))
	defer span.End()

	o.logger.Warn("Charge did not reach an outcome, cancelling order",
		zap.String("order_id", order.ID),
		zap.Error(cause))

	err := o.settler.setStatusFrom(ctx, o.orders, order.ID,
		models.OrderStatusAwaitingPayment, models.OrderStatusNeedsReconciliation)
	if errors.Is(err, models.ErrInvalidTransition) {
		cctx, cancel := withCallTimeout(ctx, o.cfg.CallTimeout)
		current, gerr := o.orders.GetOrder(cctx, order.ID)
		cancel()
		if gerr == nil {
			switch current.Status {
			case models.OrderStatusPaid:
				o.logger.Info("Payment callback settled the order first", zap.String("order_id", order.ID))
				return o.finalizePaid(ctx, order, ids, "")
			case models.OrderStatusPaymentFailed:
				return nil, o.finalizeDeclined(ctx, order, ids, "")
			}
		}
	}
	if err != nil {
		util.FailSpan(span, err)
		return nil, o.escalate(ctx, order, "set_status_cancelled", ids, CodePaymentUnavailable, err)
	}

	if err := o.settler.releaseAll(ctx, ids); err != nil {
		util.FailSpan(span, err)
		return nil, o.escalate(ctx, order, "release_reservations", ids, CodePaymentUnavailable, err)
	}

	err = o.settler.setStatusFrom(ctx, o.orders, order.ID,
		models.OrderStatusNeedsReconciliation, models.OrderStatusCancelled)
	if err != nil {
		util.FailSpan(span, err)
		return nil, o.escalate(ctx, order, "set_status_cancelled", ids, CodePaymentUnavailable, err)
	}

	event := &models.OrderCancelledEvent{
		BaseEvent: newBaseEvent(models.EventTypeOrderCancelled),
		OrderID:   order.ID,
		UserID:    order.UserID,
		Reason:    "payment_unavailable",
	}
	if err := o.publisher.PublishOrderCancelled(ctx, event); err != nil {
		o.logger.Error("Failed to publish OrderCancelled event", zap.Error(err))
	}

	return nil, &CheckoutError{Code: CodePaymentUnavailable, OrderID: order.ID, Err: cause}
}

// releaseAfterFailure releases the holds of a failed attempt and flags the
// error when that compensation could not complete
func (o *CheckoutOrchestrator) releaseAfterFailure(ctx context.Context, attemptID, orderID string, ids []string, ce *CheckoutError) *CheckoutError {
	if err := o.settler.releaseAll(ctx, ids); err != nil {
		alertCompensationFailed(ctx, o.publisher, o.metrics, o.logger, attemptID, orderID, "release_reservations", ids, err)
		ce.CompensationFailed = true
	}
	return ce
}

// escalate raises the alert for a compensation that ran out of retries
// and parks the order for the reconciler
func (o *CheckoutOrchestrator) escalate(ctx context.Context, order *models.Order, step string, ids []string, code ErrorCode, cause error) *CheckoutError {
	alertCompensationFailed(ctx, o.publisher, o.metrics, o.logger, order.AttemptID, order.ID, step, ids, cause)
	o.flagForReconciliation(ctx, order.ID)
	return &CheckoutError{Code: code, OrderID: order.ID, CompensationFailed: true, Err: cause}
}

func (o *CheckoutOrchestrator) flagForReconciliation(ctx context.Context, orderID string) {
	if err := o.settler.setStatus(ctx, o.orders, orderID, models.OrderStatusNeedsReconciliation); err != nil {
		o.logger.Error("Failed to flag order for reconciliation",
			zap.String("order_id", orderID),
			zap.Error(err))
	}
}

func (o *CheckoutOrchestrator) price(ctx context.Context, productID string) (int64, error) {
	cctx, cancel := withCallTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()
	return o.catalog.GetPrice(cctx, productID)
}

func (o *CheckoutOrchestrator) catalogError(ctx context.Context, productID string, err error) *CheckoutError {
	if errors.Is(err, models.ErrUnknownProduct) {
		return &CheckoutError{Code: CodeUnknownProduct, ProductID: productID, Err: err}
	}
	ce := o.unavailable(ctx, err)
	ce.ProductID = productID
	return ce
}

// unavailable classifies an infrastructure failure, telling a caller that
// went away apart from a participant that did not answer
func (o *CheckoutOrchestrator) unavailable(ctx context.Context, err error) *CheckoutError {
	if ctx.Err() != nil {
		return newCheckoutError(CodeCancelled, err)
	}
	return newCheckoutError(CodeServiceUnavailable, err)
}
