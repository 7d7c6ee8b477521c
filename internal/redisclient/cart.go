package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/models"

	"github.com/go-redis/redis/v8"
)

// Cart is the stored cart document of one user
type Cart struct {
	UserID    string            `json:"user_id"`
	Items     []models.LineItem `json:"items"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// CartStore keeps one JSON cart per user
type CartStore struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewCartStore creates a cart store. A zero ttl keeps carts forever.
func NewCartStore(c *Client, ttl time.Duration) *CartStore {
	return &CartStore{rdb: c.rdb, ttl: ttl}
}

func cartKey(userID string) string {
	return fmt.Sprintf("cart:%s", userID)
}

// Get returns the cart of a user or models.ErrCartNotFound
func (s *CartStore) Get(ctx context.Context, userID string) (*Cart, error) {
	data, err := s.rdb.Get(ctx, cartKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, models.ErrCartNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var cart Cart
	if err := json.Unmarshal(data, &cart); err != nil {
		return nil, fmt.Errorf("unmarshal cart failed: %w", err)
	}
	return &cart, nil
}

// GetCart returns the line items of a user's cart; a missing cart is empty
func (s *CartStore) GetCart(ctx context.Context, userID string) ([]models.LineItem, error) {
	cart, err := s.Get(ctx, userID)
	if errors.Is(err, models.ErrCartNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return cart.Items, nil
}

// AddItem adds quantity of a product, summing with an existing entry
func (s *CartStore) AddItem(ctx context.Context, userID, productID string, quantity int) (*Cart, error) {
	if quantity < 1 {
		return nil, models.ErrInvalidQuantity
	}

	return s.update(ctx, userID, func(cart *Cart) {
		for i := range cart.Items {
			if cart.Items[i].ProductID == productID {
				cart.Items[i].Quantity += quantity
				return
			}
		}
		cart.Items = append(cart.Items, models.LineItem{ProductID: productID, Quantity: quantity})
	})
}

// RemoveItem drops a product from the cart
func (s *CartStore) RemoveItem(ctx context.Context, userID, productID string) (*Cart, error) {
	if _, err := s.Get(ctx, userID); err != nil {
		return nil, err
	}

	return s.update(ctx, userID, func(cart *Cart) {
		kept := cart.Items[:0]
		for _, item := range cart.Items {
			if item.ProductID != productID {
				kept = append(kept, item)
			}
		}
		cart.Items = kept
	})
}

// RemoveItems takes checked out quantities off the cart. Lines that drop
// to zero are removed; anything added since the checkout stays.
func (s *CartStore) RemoveItems(ctx context.Context, userID string, items []models.LineItem) error {
	if _, err := s.Get(ctx, userID); err != nil {
		if errors.Is(err, models.ErrCartNotFound) {
			return nil
		}
		return err
	}

	taken := make(map[string]int, len(items))
	for _, item := range items {
		taken[item.ProductID] += item.Quantity
	}

	_, err := s.update(ctx, userID, func(cart *Cart) {
		kept := cart.Items[:0]
		for _, item := range cart.Items {
			item.Quantity -= taken[item.ProductID]
			if item.Quantity > 0 {
				kept = append(kept, item)
			}
		}
		cart.Items = kept
	})
	return err
}

// ClearCart empties a user's cart
func (s *CartStore) ClearCart(ctx context.Context, userID string) error {
	if err := s.rdb.Del(ctx, cartKey(userID)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// update applies fn under optimistic locking so concurrent edits of the
// same cart are not lost.
func (s *CartStore) update(ctx context.Context, userID string, fn func(*Cart)) (*Cart, error) {
	key := cartKey(userID)
	var result *Cart

	txf := func(tx *redis.Tx) error {
		cart := &Cart{UserID: userID}
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(data, cart); err != nil {
				return fmt.Errorf("unmarshal cart failed: %w", err)
			}
		}

		fn(cart)
		cart.UpdatedAt = time.Now().UTC()

		encoded, err := json.Marshal(cart)
		if err != nil {
			return fmt.Errorf("marshal cart failed: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, s.ttl)
			return nil
		})
		if err == nil {
			result = cart
		}
		return err
	}

	for i := 0; i < 5; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}
	return nil, fmt.Errorf("cart %s: too much contention", userID)
}
