package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/retry"
	"checkout-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// settler commits or releases the reservations of an attempt, retrying
// each call under the compensation budget
type settler struct {
	ledger      InventoryLedger
	policy      retry.Policy
	callTimeout time.Duration
	metrics     *util.Metrics
	logger      *zap.Logger
}

func withCallTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// reservationIDs lists the reservations an order's attempt holds, one per
// line item
func reservationIDs(order *models.Order) []string {
	ids := make([]string, 0, len(order.Items))
	for _, item := range order.Items {
		ids = append(ids, models.ReservationID(order.AttemptID, item.ProductID))
	}
	return ids
}

// releaseAll releases every reservation. Failures of one reservation do
// not stop the others; all of them are reported together.
func (s *settler) releaseAll(ctx context.Context, ids []string) error {
	var errs error
	for _, id := range ids {
		s.metrics.CompensationsTotal.WithLabelValues("release_reservation").Inc()
		err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
			cctx, cancel := withCallTimeout(ctx, s.callTimeout)
			defer cancel()
			return s.ledger.Release(cctx, id)
		}, func(attempt int, err error) {
			s.logger.Warn("Retrying reservation release",
				zap.String("reservation_id", id),
				zap.Int("attempt", attempt),
				zap.Error(err))
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("release %s: %w", id, err))
		}
	}
	return errs
}

// commitAll commits every reservation. A reservation that is no longer
// held cannot be committed and is not retried.
func (s *settler) commitAll(ctx context.Context, ids []string) error {
	var errs error
	for _, id := range ids {
		err := retry.Do(ctx, s.policy, func(ctx context.Context) error {
			cctx, cancel := withCallTimeout(ctx, s.callTimeout)
			defer cancel()
			err := s.ledger.Commit(cctx, id)
			if errors.Is(err, models.ErrReservationNotHeld) {
				return retry.Permanent(err)
			}
			return err
		}, func(attempt int, err error) {
			s.logger.Warn("Retrying reservation commit",
				zap.String("reservation_id", id),
				zap.Int("attempt", attempt),
				zap.Error(err))
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("commit %s: %w", id, err))
		}
	}
	return errs
}

// setStatus retries an order status write. Invalid transitions and
// missing orders are final.
func (s *settler) setStatus(ctx context.Context, orders OrderStore, orderID string, status models.OrderStatus) error {
	return s.writeStatus(ctx, orderID, status, func(ctx context.Context) error {
		return orders.SetOrderStatus(ctx, orderID, status)
	})
}

// setStatusFrom is setStatus for a write that must start from one status
func (s *settler) setStatusFrom(ctx context.Context, orders OrderStore, orderID string, from, status models.OrderStatus) error {
	return s.writeStatus(ctx, orderID, status, func(ctx context.Context) error {
		return orders.SetOrderStatusFrom(ctx, orderID, from, status)
	})
}

func (s *settler) writeStatus(ctx context.Context, orderID string, status models.OrderStatus, write func(context.Context) error) error {
	return retry.Do(ctx, s.policy, func(ctx context.Context) error {
		cctx, cancel := withCallTimeout(ctx, s.callTimeout)
		defer cancel()
		err := write(cctx)
		if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrOrderNotFound) {
			return retry.Permanent(err)
		}
		return err
	}, func(attempt int, err error) {
		s.logger.Warn("Retrying order status update",
			zap.String("order_id", orderID),
			zap.String("status", status.String()),
			zap.Int("attempt", attempt),
			zap.Error(err))
	})
}

func newBaseEvent(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// alertCompensationFailed raises the operational alert for a compensating
// action that ran out of retries
func alertCompensationFailed(ctx context.Context, publisher EventPublisher, metrics *util.Metrics, logger *zap.Logger,
	attemptID, orderID, step string, ids []string, cause error) {
	metrics.CompensationsFailed.WithLabelValues(step).Inc()
	logger.Error("Compensation failed, manual reconciliation required",
		zap.String("attempt_id", attemptID),
		zap.String("order_id", orderID),
		zap.String("step", step),
		zap.Strings("reservation_ids", ids),
		zap.Error(cause))

	event := &models.CompensationFailedEvent{
		BaseEvent:      newBaseEvent(models.EventTypeCompensationFailed),
		AttemptID:      attemptID,
		OrderID:        orderID,
		Step:           step,
		ReservationIDs: ids,
		Error:          cause.Error(),
	}
	if err := publisher.PublishCompensationFailed(ctx, event); err != nil {
		logger.Error("Failed to publish CompensationFailed event", zap.Error(err))
	}
}
