package service

import (
	"context"
	"sort"
	"testing"

	"checkout-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInventorySource struct {
	inventory []models.Inventory
	products  map[string]*models.Product
}

func (s *fakeInventorySource) ListInventory(context.Context) ([]models.Inventory, error) {
	return s.inventory, nil
}

func (s *fakeInventorySource) GetProduct(_ context.Context, id string) (*models.Product, error) {
	p, ok := s.products[id]
	if !ok {
		return nil, models.ErrUnknownProduct
	}
	return p, nil
}

func (s *fakeInventorySource) UpsertProduct(_ context.Context, product *models.Product, stock int) error {
	if s.products == nil {
		s.products = make(map[string]*models.Product)
	}
	p := *product
	s.products[p.ID] = &p
	s.inventory = append(s.inventory, models.Inventory{ProductID: p.ID, Stock: stock})
	return nil
}

func (s *fakeInventorySource) GetProducts(context.Context) ([]models.Product, error) {
	products := make([]models.Product, 0, len(s.products))
	for _, p := range s.products {
		products = append(products, *p)
	}
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, nil
}

func TestInventoryService_SyncKeepsLiveCounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// P1 is already tracked and has a live hold
	h.product(t, "P1", 10, 4)
	_, err := h.ledger.Reserve(ctx, "P1", 1, "a1")
	require.NoError(t, err)

	source := &fakeInventorySource{inventory: []models.Inventory{
		{ProductID: "P1", Stock: 5},
		{ProductID: "P2", Stock: 20},
	}}
	svc := NewInventoryService(source, h.ledger)

	require.NoError(t, svc.SyncInventoryToRedis(ctx))

	p1, err := svc.GetStock(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, StockLevel{ProductID: "P1", Stock: 4, Held: 1, Available: 3}, *p1)

	p2, err := svc.GetStock(ctx, "P2")
	require.NoError(t, err)
	assert.Equal(t, 20, p2.Available)
}

func TestInventoryService_GetProduct(t *testing.T) {
	h := newHarness(t)
	source := &fakeInventorySource{products: map[string]*models.Product{
		"P1": {ID: "P1", Name: "Mechanical Keyboard", Price: 1000},
	}}
	svc := NewInventoryService(source, h.ledger)

	p, err := svc.GetProduct(context.Background(), "P1")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), p.Price)

	_, err = svc.GetProduct(context.Background(), "P9")
	assert.ErrorIs(t, err, models.ErrUnknownProduct)

	_, err = svc.GetStock(context.Background(), "P9")
	assert.ErrorIs(t, err, models.ErrUnknownProduct)
}

func TestInventoryService_ListProducts(t *testing.T) {
	h := newHarness(t)
	svc := NewInventoryService(&fakeInventorySource{}, h.ledger)

	products, err := svc.ListProducts(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, products)
	assert.Empty(t, products)

	svc = NewInventoryService(&fakeInventorySource{products: map[string]*models.Product{
		"P2": {ID: "P2", Name: "Mouse", Price: 500},
		"P1": {ID: "P1", Name: "Mechanical Keyboard", Price: 1000},
	}}, h.ledger)

	products, err = svc.ListProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "P1", products[0].ID)
}

func TestInventoryService_UpsertProduct(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.product(t, "P1", 10, 5)
	_, err := h.ledger.Reserve(ctx, "P1", 2, "a1")
	require.NoError(t, err)

	source := &fakeInventorySource{}
	svc := NewInventoryService(source, h.ledger)

	level, err := svc.UpsertProduct(ctx, &models.Product{ID: "P1", Name: "Mechanical Keyboard", Price: 1200}, 8)
	require.NoError(t, err)
	assert.Equal(t, StockLevel{ProductID: "P1", Stock: 8, Held: 2, Available: 6}, *level)
	assert.Equal(t, int64(1200), source.products["P1"].Price)

	_, err = svc.UpsertProduct(ctx, &models.Product{ID: "P2", Name: "Mouse", Price: 500}, -1)
	assert.ErrorIs(t, err, models.ErrInvalidProduct)
	_, err = svc.UpsertProduct(ctx, &models.Product{ID: "", Name: "Mouse", Price: 500}, 1)
	assert.ErrorIs(t, err, models.ErrInvalidProduct)
}

func TestInventoryService_AttemptReservations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.product(t, "P1", 10, 5)
	h.product(t, "P2", 10, 5)

	r1, err := h.ledger.Reserve(ctx, "P1", 1, "a1")
	require.NoError(t, err)
	_, err = h.ledger.Reserve(ctx, "P2", 2, "a1")
	require.NoError(t, err)
	require.NoError(t, h.ledger.Release(ctx, r1.ID))

	svc := NewInventoryService(&fakeInventorySource{}, h.ledger)
	reservations, err := svc.AttemptReservations(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, reservations, 2)

	states := map[string]models.ReservationState{}
	for _, r := range reservations {
		states[r.ProductID] = r.State
	}
	assert.Equal(t, models.ReservationReleased, states["P1"])
	assert.Equal(t, models.ReservationHeld, states["P2"])

	none, err := svc.AttemptReservations(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, none)
}
