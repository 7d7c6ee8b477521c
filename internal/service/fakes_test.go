package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"checkout-service/config"
	"checkout-service/internal/models"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/util"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

var testCheckoutConfig = config.CheckoutConfig{
	CallTimeout:           500 * time.Millisecond,
	ChargeMaxAttempts:     3,
	ChargeBaseBackoff:     time.Millisecond,
	CompensateMaxAttempts: 3,
	CompensateBaseBackoff: time.Millisecond,
	MaxBackoff:            5 * time.Millisecond,
	OrderTimeout:          time.Minute,
}

// memOrderStore is an in-memory OrderStore with the same transition rules
// as the Postgres store
type memOrderStore struct {
	mu        sync.Mutex
	orders    map[string]*models.Order
	byAttempt map[string]string

	createErr error
	statusErr map[models.OrderStatus]error
}

func newMemOrderStore() *memOrderStore {
	return &memOrderStore{
		orders:    make(map[string]*models.Order),
		byAttempt: make(map[string]string),
		statusErr: make(map[models.OrderStatus]error),
	}
}

func copyOrder(o *models.Order) *models.Order {
	c := *o
	c.Items = append([]models.OrderItem(nil), o.Items...)
	return &c
}

func (s *memOrderStore) CreateOrder(_ context.Context, order *models.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.createErr != nil {
		return s.createErr
	}
	if id, ok := s.byAttempt[order.AttemptID]; ok {
		*order = *copyOrder(s.orders[id])
		return nil
	}

	now := time.Now().UTC()
	order.CreatedAt, order.UpdatedAt = now, now
	s.orders[order.ID] = copyOrder(order)
	s.byAttempt[order.AttemptID] = order.ID
	return nil
}

func (s *memOrderStore) GetOrder(_ context.Context, id string) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	return copyOrder(o), nil
}

func (s *memOrderStore) GetOrderByAttempt(ctx context.Context, attemptID string) (*models.Order, error) {
	s.mu.Lock()
	id, ok := s.byAttempt[attemptID]
	s.mu.Unlock()
	if !ok {
		return nil, models.ErrOrderNotFound
	}
	return s.GetOrder(ctx, id)
}

func (s *memOrderStore) GetOrdersByUserID(_ context.Context, userID string) ([]models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var orders []models.Order
	for _, o := range s.orders {
		if o.UserID == userID {
			orders = append(orders, *copyOrder(o))
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
	return orders, nil
}

func (s *memOrderStore) SetOrderStatus(_ context.Context, orderID string, status models.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.statusErr[status]; err != nil {
		return err
	}
	o, ok := s.orders[orderID]
	if !ok {
		return models.ErrOrderNotFound
	}
	if o.Status == status {
		return nil
	}
	if !models.CanTransition(o.Status, status) {
		return models.ErrInvalidTransition
	}
	o.Status = status
	o.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *memOrderStore) SetOrderStatusFrom(_ context.Context, orderID string, from, status models.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !models.CanTransition(from, status) {
		return models.ErrInvalidTransition
	}
	if err := s.statusErr[status]; err != nil {
		return err
	}
	o, ok := s.orders[orderID]
	if !ok {
		return models.ErrOrderNotFound
	}
	switch o.Status {
	case status:
		return nil
	case from:
		o.Status = status
		o.UpdatedAt = time.Now().UTC()
		return nil
	}
	return models.ErrInvalidTransition
}

func (s *memOrderStore) setStatus(t *testing.T, orderID string, status models.OrderStatus) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	require.True(t, ok)
	o.Status = status
}

func (s *memOrderStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}

// memPayments is an in-memory PaymentRecords
type memPayments struct {
	mu    sync.Mutex
	byKey map[string]*models.PaymentAttempt
	err   error
}

func newMemPayments() *memPayments {
	return &memPayments{byKey: make(map[string]*models.PaymentAttempt)}
}

func (p *memPayments) RecordPayment(_ context.Context, payment *models.PaymentAttempt) (*models.PaymentAttempt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}
	if existing, ok := p.byKey[payment.IdempotencyKey]; ok {
		c := *existing
		return &c, nil
	}
	c := *payment
	c.CreatedAt = time.Now().UTC()
	p.byKey[payment.IdempotencyKey] = &c
	out := c
	return &out, nil
}

func (p *memPayments) GetPaymentByKey(_ context.Context, key string) (*models.PaymentAttempt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}
	existing, ok := p.byKey[key]
	if !ok {
		return nil, models.ErrPaymentNotFound
	}
	c := *existing
	return &c, nil
}

func (p *memPayments) GetPaymentByOrderID(_ context.Context, orderID string) (*models.PaymentAttempt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, payment := range p.byKey {
		if payment.OrderID == orderID {
			c := *payment
			return &c, nil
		}
	}
	return nil, models.ErrPaymentNotFound
}

func (p *memPayments) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byKey)
}

type fakeCatalog struct {
	prices map[string]int64
}

func (c *fakeCatalog) GetPrice(_ context.Context, productID string) (int64, error) {
	price, ok := c.prices[productID]
	if !ok {
		return 0, models.ErrUnknownProduct
	}
	return price, nil
}

// recordingPublisher keeps the type of every published event
type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) record(eventType string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, eventType)
	return nil
}

func (p *recordingPublisher) PublishOrderPaid(_ context.Context, e *models.OrderPaidEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishOrderPaymentFailed(_ context.Context, e *models.OrderPaymentFailedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishOrderCancelled(_ context.Context, e *models.OrderCancelledEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishCompensationFailed(_ context.Context, e *models.CompensationFailedEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) PublishPaymentOutcome(_ context.Context, e *models.PaymentOutcomeEvent) error {
	return p.record(e.EventType)
}

func (p *recordingPublisher) count(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e == eventType {
			n++
		}
	}
	return n
}

// gatewayFunc adapts a function to PaymentGateway and counts calls
type gatewayFunc struct {
	mu    sync.Mutex
	calls int
	fn    func(call int, orderID string, amount int64, key string) (*models.PaymentAttempt, error)
}

func (g *gatewayFunc) Charge(_ context.Context, orderID string, amount int64, key string) (*models.PaymentAttempt, error) {
	g.mu.Lock()
	g.calls++
	call := g.calls
	g.mu.Unlock()
	return g.fn(call, orderID, amount, key)
}

func (g *gatewayFunc) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func alwaysDecide(outcome models.PaymentOutcome) Decider {
	return func(string, int64) models.PaymentOutcome { return outcome }
}

// flakyLedger wraps a real ledger and fails chosen operations
type flakyLedger struct {
	InventoryLedger
	releaseErr error
	commitErr  error
	// reserveHang makes Reserve take the hold and then block until the
	// call times out
	reserveHang bool
}

func (l *flakyLedger) Release(ctx context.Context, id string) error {
	if l.releaseErr != nil {
		return l.releaseErr
	}
	return l.InventoryLedger.Release(ctx, id)
}

func (l *flakyLedger) Commit(ctx context.Context, id string) error {
	if l.commitErr != nil {
		return l.commitErr
	}
	return l.InventoryLedger.Commit(ctx, id)
}

func (l *flakyLedger) Reserve(ctx context.Context, productID string, qty int, attemptID string) (*models.Reservation, error) {
	res, err := l.InventoryLedger.Reserve(ctx, productID, qty, attemptID)
	if err != nil || !l.reserveHang {
		return res, err
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

var errRedisDown = errors.New("redis: connection refused")

type harness struct {
	mr        *miniredis.Miniredis
	client    *redisclient.Client
	ledger    *redisclient.Ledger
	carts     *redisclient.CartStore
	orders    *memOrderStore
	payments  *memPayments
	catalog   *fakeCatalog
	publisher *recordingPublisher
	metrics   *util.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	client := redisclient.NewFromRedis(rdb)

	return &harness{
		mr:        mr,
		client:    client,
		ledger:    redisclient.NewLedger(client),
		carts:     redisclient.NewCartStore(client, 0),
		orders:    newMemOrderStore(),
		payments:  newMemPayments(),
		catalog:   &fakeCatalog{prices: map[string]int64{}},
		publisher: &recordingPublisher{},
		metrics:   util.NewMetrics(),
	}
}

func (h *harness) product(t *testing.T, productID string, price int64, stock int) {
	t.Helper()
	h.catalog.prices[productID] = price
	require.NoError(t, h.ledger.SetStock(context.Background(), productID, stock))
}

func (h *harness) addToCart(t *testing.T, userID, productID string, qty int) {
	t.Helper()
	_, err := h.carts.AddItem(context.Background(), userID, productID, qty)
	require.NoError(t, err)
}

func (h *harness) stock(t *testing.T, productID string) (stock, held int) {
	t.Helper()
	stock, held, err := h.ledger.GetInventory(context.Background(), productID)
	require.NoError(t, err)
	return stock, held
}

func (h *harness) simulated(outcome models.PaymentOutcome) *SimulatedGateway {
	return NewSimulatedGateway(h.payments, alwaysDecide(outcome), h.publisher)
}

func (h *harness) orchestrator(gateway PaymentGateway) *CheckoutOrchestrator {
	return h.orchestratorWith(h.ledger, gateway)
}

func (h *harness) orchestratorWith(ledger InventoryLedger, gateway PaymentGateway) *CheckoutOrchestrator {
	return NewCheckoutOrchestrator(CheckoutDeps{
		Carts:     h.carts,
		Catalog:   h.catalog,
		Ledger:    ledger,
		Orders:    h.orders,
		Gateway:   gateway,
		Publisher: h.publisher,
		Locker:    h.client,
	}, testCheckoutConfig, h.metrics)
}

func (h *harness) orderService() *OrderService {
	return NewOrderService(h.orders, h.payments, h.ledger, h.client, h.publisher, testCheckoutConfig, h.metrics)
}

func requireCheckoutError(t *testing.T, err error, code ErrorCode) *CheckoutError {
	t.Helper()
	require.Error(t, err)
	ce, ok := AsCheckoutError(err)
	require.True(t, ok, "expected *CheckoutError, got %T: %v", err, err)
	require.Equal(t, code, ce.Code, "unexpected code: %v", err)
	return ce
}

// counterValue sums the samples of a counter family whose labels contain
// the given name/value pairs
func counterValue(t *testing.T, m *util.Metrics, name string, labels ...string) float64 {
	t.Helper()

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			matched := true
			for i := 0; i+1 < len(labels); i += 2 {
				found := false
				for _, lp := range metric.GetLabel() {
					if lp.GetName() == labels[i] && lp.GetValue() == labels[i+1] {
						found = true
					}
				}
				matched = matched && found
			}
			if matched {
				total += metric.GetCounter().GetValue()
			}
		}
	}
	return total
}
