package worker

import (
	"context"
	"time"

	"checkout-service/config"
	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

const (
	reconcileLockKey   = "reconciler"
	reconcileBatchSize = 100
)

// StaleOrderLister finds orders the saga left unfinished
type StaleOrderLister interface {
	ListStaleOrders(ctx context.Context, olderThan time.Time, limit int) ([]models.Order, error)
}

// StaleAttemptLister finds attempts that have held stock for a while
type StaleAttemptLister interface {
	StaleAttempts(ctx context.Context, olderThan time.Time, limit int) ([]string, error)
}

// OrderReconciler drives one order to a terminal state and frees holds
// of attempts that never got an order
type OrderReconciler interface {
	Reconcile(ctx context.Context, order *models.Order) (models.OrderStatus, error)
	SweepAttempt(ctx context.Context, attemptID string) (int, error)
}

// Locker is a distributed lock
type Locker interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// Reconciler periodically settles orders stuck before a terminal status
// and frees stock held by attempts that never created an order. Only one
// instance runs a pass at a time.
type Reconciler struct {
	orders       StaleOrderLister
	attempts     StaleAttemptLister
	reconciler   OrderReconciler
	locker       Locker
	interval     time.Duration
	orderTimeout time.Duration
	logger       *zap.Logger
}

// NewReconciler creates a new reconciler
func NewReconciler(orders StaleOrderLister, attempts StaleAttemptLister, reconciler OrderReconciler, locker Locker, cfg config.CheckoutConfig) *Reconciler {
	interval := cfg.ReconcileInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reconciler{
		orders:       orders,
		attempts:     attempts,
		reconciler:   reconciler,
		locker:       locker,
		interval:     interval,
		orderTimeout: cfg.OrderTimeout,
		logger:       util.GetLogger(),
	}
}

// Start runs a pass every interval until ctx is done
func (r *Reconciler) Start(ctx context.Context) error {
	r.logger.Info("Starting reconciler", zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Stopping reconciler")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("Reconcile pass failed", zap.Error(err))
			}
		}
	}
}

// RunOnce reconciles one batch of stale orders and returns how many it
// moved to a terminal status
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	acquired, err := r.locker.AcquireLock(ctx, reconcileLockKey, r.interval)
	if err != nil {
		return 0, err
	}
	if !acquired {
		r.logger.Debug("Reconcile pass already running elsewhere")
		return 0, nil
	}
	defer func() {
		if err := r.locker.ReleaseLock(context.WithoutCancel(ctx), reconcileLockKey); err != nil {
			r.logger.Warn("Failed to release reconciler lock", zap.Error(err))
		}
	}()

	cutoff := time.Now().Add(-r.orderTimeout)
	stale, err := r.orders.ListStaleOrders(ctx, cutoff, reconcileBatchSize)
	if err != nil {
		return 0, err
	}

	reconciled := 0
	for i := range stale {
		order := &stale[i]
		status, err := r.reconciler.Reconcile(ctx, order)
		if err != nil {
			r.logger.Error("Failed to reconcile order",
				zap.String("order_id", order.ID),
				zap.String("status", order.Status.String()),
				zap.Error(err))
			continue
		}
		if status != "" && status != order.Status {
			reconciled++
		}
	}

	released, err := r.sweepAttempts(ctx, cutoff)
	if err != nil {
		r.logger.Error("Failed to list stale attempts", zap.Error(err))
	}

	if len(stale) > 0 || released > 0 {
		r.logger.Info("Reconcile pass completed",
			zap.Int("stale", len(stale)),
			zap.Int("reconciled", reconciled),
			zap.Int("holds_released", released))
	}
	return reconciled, nil
}

func (r *Reconciler) sweepAttempts(ctx context.Context, cutoff time.Time) (int, error) {
	attempts, err := r.attempts.StaleAttempts(ctx, cutoff, reconcileBatchSize)
	if err != nil {
		return 0, err
	}

	released := 0
	for _, attemptID := range attempts {
		n, err := r.reconciler.SweepAttempt(ctx, attemptID)
		if err != nil {
			r.logger.Error("Failed to sweep attempt",
				zap.String("attempt_id", attemptID),
				zap.Error(err))
			continue
		}
		released += n
	}
	return released, nil
}
