package service

import (
	"context"
	"fmt"

	"checkout-service/internal/models"
	"checkout-service/internal/util"

	"go.uber.org/zap"
)

// InventorySource is the persisted catalog and stock the ledger is seeded from
type InventorySource interface {
	ListInventory(ctx context.Context) ([]models.Inventory, error)
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	GetProducts(ctx context.Context) ([]models.Product, error)
	UpsertProduct(ctx context.Context, product *models.Product, stock int) error
}

// LedgerAdmin seeds and inspects the inventory ledger
type LedgerAdmin interface {
	InitInventory(ctx context.Context, productID string, stock int) (bool, error)
	GetInventory(ctx context.Context, productID string) (stock, held int, err error)
	SetStock(ctx context.Context, productID string, stock int) error
	ReservationsForAttempt(ctx context.Context, attemptID string) ([]models.Reservation, error)
}

// StockLevel is the ledger view of one product
type StockLevel struct {
	ProductID string `json:"product_id"`
	Stock     int    `json:"stock"`
	Held      int    `json:"held"`
	Available int    `json:"available"`
}

// InventoryService exposes products and ledger stock
type InventoryService struct {
	source InventorySource
	ledger LedgerAdmin
	logger *zap.Logger
}

// NewInventoryService creates a new inventory service
func NewInventoryService(source InventorySource, ledger LedgerAdmin) *InventoryService {
	return &InventoryService{
		source: source,
		ledger: ledger,
		logger: util.GetLogger(),
	}
}

// SyncInventoryToRedis seeds the ledger from the database. Products the
// ledger already tracks keep their live counts.
func (s *InventoryService) SyncInventoryToRedis(ctx context.Context) error {
	s.logger.Info("Starting inventory sync to Redis")

	inventory, err := s.source.ListInventory(ctx)
	if err != nil {
		return fmt.Errorf("failed to list inventory: %w", err)
	}

	seeded := 0
	for _, inv := range inventory {
		created, err := s.ledger.InitInventory(ctx, inv.ProductID, inv.Stock)
		if err != nil {
			s.logger.Error("Failed to init Redis inventory",
				zap.String("product_id", inv.ProductID),
				zap.Error(err))
			continue
		}
		if created {
			seeded++
		}
	}

	s.logger.Info("Inventory sync completed",
		zap.Int("count", len(inventory)),
		zap.Int("seeded", seeded))
	return nil
}

// GetProduct retrieves a product from the catalog
func (s *InventoryService) GetProduct(ctx context.Context, productID string) (*models.Product, error) {
	return s.source.GetProduct(ctx, productID)
}

// ListProducts returns the whole catalog
func (s *InventoryService) ListProducts(ctx context.Context) ([]models.Product, error) {
	products, err := s.source.GetProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	if products == nil {
		products = []models.Product{}
	}
	return products, nil
}

// GetStock reads the live stock of a product from the ledger
func (s *InventoryService) GetStock(ctx context.Context, productID string) (*StockLevel, error) {
	stock, held, err := s.ledger.GetInventory(ctx, productID)
	if err != nil {
		return nil, err
	}
	return &StockLevel{
		ProductID: productID,
		Stock:     stock,
		Held:      held,
		Available: stock - held,
	}, nil
}

// UpsertProduct creates or reprices a product and sets its stock, first in
// the database and then in the ledger. Units held by running checkouts stay
// held.
func (s *InventoryService) UpsertProduct(ctx context.Context, product *models.Product, stock int) (*StockLevel, error) {
	if product.ID == "" || product.Name == "" || product.Price < 0 || stock < 0 {
		return nil, models.ErrInvalidProduct
	}

	if err := s.source.UpsertProduct(ctx, product, stock); err != nil {
		return nil, err
	}
	if err := s.ledger.SetStock(ctx, product.ID, stock); err != nil {
		return nil, fmt.Errorf("failed to set ledger stock: %w", err)
	}

	s.logger.Info("Product stocked",
		zap.String("product_id", product.ID),
		zap.Int64("price", product.Price),
		zap.Int("stock", stock))
	return s.GetStock(ctx, product.ID)
}

// AttemptReservations lists the reservations a checkout attempt holds or
// has settled, for following up a compensation alert
func (s *InventoryService) AttemptReservations(ctx context.Context, attemptID string) ([]models.Reservation, error) {
	return s.ledger.ReservationsForAttempt(ctx, attemptID)
}
