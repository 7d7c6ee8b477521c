package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"checkout-service/internal/models"
)

// GetProduct retrieves a product by ID
func (s *Store) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product,
		"SELECT id, name, price, created_at FROM products WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", id, models.ErrUnknownProduct)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// GetPrice returns the current unit price of a product
func (s *Store) GetPrice(ctx context.Context, id string) (int64, error) {
	var price int64
	err := s.db.GetContext(ctx, &price, "SELECT price FROM products WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("product %s: %w", id, models.ErrUnknownProduct)
	}
	if err != nil {
		return 0, err
	}
	return price, nil
}

// GetProducts retrieves all products
func (s *Store) GetProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	err := s.db.SelectContext(ctx, &products,
		"SELECT id, name, price, created_at FROM products ORDER BY id")
	return products, err
}

// UpsertProduct creates or reprices a product together with its stock row
func (s *Store) UpsertProduct(ctx context.Context, product *models.Product, stock int) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO products (id, name, price) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, price = EXCLUDED.price`,
		product.ID, product.Name, product.Price)
	if err != nil {
		return fmt.Errorf("failed to upsert product: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO inventory (product_id, stock) VALUES ($1, $2)
		ON CONFLICT (product_id) DO UPDATE SET stock = EXCLUDED.stock, updated_at = NOW()`,
		product.ID, stock)
	if err != nil {
		return fmt.Errorf("failed to upsert inventory: %w", err)
	}

	return tx.Commit()
}

// ListInventory returns the persisted stock of every product
func (s *Store) ListInventory(ctx context.Context) ([]models.Inventory, error) {
	var inventory []models.Inventory
	err := s.db.SelectContext(ctx, &inventory,
		"SELECT product_id, stock, updated_at FROM inventory ORDER BY product_id")
	return inventory, err
}
