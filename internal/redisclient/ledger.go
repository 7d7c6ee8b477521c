package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"checkout-service/internal/models"

	"github.com/go-redis/redis/v8"
)

//go:embed scripts/reserve_stock.lua
var reserveStockScript string

//go:embed scripts/release_stock.lua
var releaseStockScript string

//go:embed scripts/commit_stock.lua
var commitStockScript string

// settledTTL is how long released and committed reservations are kept
// around so late retries still find them.
const settledTTL = 7 * 24 * time.Hour

// Ledger is the inventory ledger. Stock counts and reservations live in
// Redis and every mutation runs as a single Lua script, so concurrent
// reserve calls on the same product never interleave.
type Ledger struct {
	rdb           *redis.Client
	reserveScript *redis.Script
	releaseScript *redis.Script
	commitScript  *redis.Script
}

// NewLedger creates a ledger on top of a connected client
func NewLedger(c *Client) *Ledger {
	return &Ledger{
		rdb:           c.rdb,
		reserveScript: redis.NewScript(reserveStockScript),
		releaseScript: redis.NewScript(releaseStockScript),
		commitScript:  redis.NewScript(commitStockScript),
	}
}

func inventoryKey(productID string) string {
	return fmt.Sprintf("inventory:%s", productID)
}

func reservationKey(reservationID string) string {
	return fmt.Sprintf("reservation:%s", reservationID)
}

func attemptKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:reservations", attemptID)
}

// holdingAttemptsKey scores each attempt that took a hold by the time of
// its first hold
const holdingAttemptsKey = "attempts:holding"

// Reserve holds quantity units of a product for an attempt. Calling it
// again for the same attempt and product returns the existing reservation.
func (l *Ledger) Reserve(ctx context.Context, productID string, quantity int, attemptID string) (*models.Reservation, error) {
	reservationID := models.ReservationID(attemptID, productID)

	result, err := l.reserveScript.Run(ctx, l.rdb,
		[]string{inventoryKey(productID), reservationKey(reservationID), attemptKey(attemptID), holdingAttemptsKey},
		quantity, productID, attemptID, reservationID, time.Now().Unix(),
	).Int()
	if err != nil {
		return nil, fmt.Errorf("reserve stock script failed: %w", err)
	}

	reservation := &models.Reservation{
		ID:        reservationID,
		AttemptID: attemptID,
		ProductID: productID,
		Quantity:  quantity,
	}

	switch result {
	case 1:
		reservation.State = models.ReservationHeld
	case 2:
		reservation.State = models.ReservationCommitted
	case 0:
		return nil, fmt.Errorf("product %s: %w", productID, models.ErrInsufficientStock)
	case -1:
		return nil, fmt.Errorf("product %s: %w", productID, models.ErrUnknownProduct)
	default:
		return nil, fmt.Errorf("unexpected reserve result %d", result)
	}

	return reservation, nil
}

// Release returns a held reservation to the available pool. Unknown and
// already settled reservations are left alone.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	productID, err := l.rdb.HGet(ctx, reservationKey(reservationID), "product").Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup reservation %s: %w", reservationID, err)
	}

	_, err = l.releaseScript.Run(ctx, l.rdb,
		[]string{reservationKey(reservationID), inventoryKey(productID)},
		int(settledTTL.Seconds()),
	).Result()
	if err != nil {
		return fmt.Errorf("release stock script failed: %w", err)
	}

	return nil
}

// Commit turns a held reservation into a permanent stock decrement
func (l *Ledger) Commit(ctx context.Context, reservationID string) error {
	productID, err := l.rdb.HGet(ctx, reservationKey(reservationID), "product").Result()
	if errors.Is(err, redis.Nil) {
		return fmt.Errorf("reservation %s: %w", reservationID, models.ErrReservationNotHeld)
	}
	if err != nil {
		return fmt.Errorf("lookup reservation %s: %w", reservationID, err)
	}

	result, err := l.commitScript.Run(ctx, l.rdb,
		[]string{reservationKey(reservationID), inventoryKey(productID)},
		int(settledTTL.Seconds()),
	).Int()
	if err != nil {
		return fmt.Errorf("commit stock script failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("reservation %s: %w", reservationID, models.ErrReservationNotHeld)
	}

	return nil
}

// GetReservation reads a reservation back from the ledger
func (l *Ledger) GetReservation(ctx context.Context, reservationID string) (*models.Reservation, error) {
	fields, err := l.rdb.HGetAll(ctx, reservationKey(reservationID)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("reservation %s not found", reservationID)
	}

	qty, _ := strconv.Atoi(fields["quantity"])
	return &models.Reservation{
		ID:        reservationID,
		AttemptID: fields["attempt"],
		ProductID: fields["product"],
		Quantity:  qty,
		State:     models.ReservationState(fields["state"]),
	}, nil
}

// ReservationsForAttempt lists every reservation an attempt has taken
func (l *Ledger) ReservationsForAttempt(ctx context.Context, attemptID string) ([]models.Reservation, error) {
	ids, err := l.rdb.SMembers(ctx, attemptKey(attemptID)).Result()
	if err != nil {
		return nil, err
	}

	reservations := make([]models.Reservation, 0, len(ids))
	for _, id := range ids {
		r, err := l.GetReservation(ctx, id)
		if err != nil {
			// settled reservations may have expired
			continue
		}
		reservations = append(reservations, *r)
	}
	return reservations, nil
}

// StaleAttempts returns attempts that took their first hold before
// olderThan and have not been forgotten since
func (l *Ledger) StaleAttempts(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	return l.rdb.ZRangeByScore(ctx, holdingAttemptsKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(olderThan.Unix(), 10),
		Count: int64(limit),
	}).Result()
}

// ForgetAttempt drops an attempt from the stale index. A later hold of
// the same attempt indexes it again.
func (l *Ledger) ForgetAttempt(ctx context.Context, attemptID string) error {
	return l.rdb.ZRem(ctx, holdingAttemptsKey, attemptID).Err()
}

// InitInventory seeds the stock of a product unless the ledger already
// tracks it. Returns whether the entry was created.
func (l *Ledger) InitInventory(ctx context.Context, productID string, stock int) (bool, error) {
	key := inventoryKey(productID)

	created, err := l.rdb.HSetNX(ctx, key, "stock", stock).Result()
	if err != nil {
		return false, err
	}
	if created {
		if err := l.rdb.HSetNX(ctx, key, "held", 0).Err(); err != nil {
			return false, err
		}
	}
	return created, nil
}

// SetStock overwrites the stock count of a product, keeping held units
func (l *Ledger) SetStock(ctx context.Context, productID string, stock int) error {
	pipe := l.rdb.TxPipeline()
	pipe.HSet(ctx, inventoryKey(productID), "stock", stock)
	pipe.HSetNX(ctx, inventoryKey(productID), "held", 0)
	_, err := pipe.Exec(ctx)
	return err
}

// GetInventory retrieves current stock and held counts
func (l *Ledger) GetInventory(ctx context.Context, productID string) (stock, held int, err error) {
	result, err := l.rdb.HGetAll(ctx, inventoryKey(productID)).Result()
	if err != nil {
		return 0, 0, err
	}

	if len(result) == 0 {
		return 0, 0, fmt.Errorf("product %s: %w", productID, models.ErrUnknownProduct)
	}

	stock, _ = strconv.Atoi(result["stock"])
	held, _ = strconv.Atoi(result["held"])

	return stock, held, nil
}
