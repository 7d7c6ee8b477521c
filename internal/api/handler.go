package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"checkout-service/internal/models"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/util"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Checkouter runs checkout attempts
type Checkouter interface {
	Checkout(ctx context.Context, userID, attemptKey string) (*models.Order, error)
}

// OrderReader serves orders and applies payment status writes
type OrderReader interface {
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	ListUserOrders(ctx context.Context, userID string) ([]models.Order, error)
	GetPayment(ctx context.Context, orderID string) (*models.PaymentAttempt, error)
	UpdateStatus(ctx context.Context, orderID string, status models.OrderStatus) (*models.Order, error)
}

// ProductCatalog serves and stocks the catalog and exposes the ledger
type ProductCatalog interface {
	GetProduct(ctx context.Context, productID string) (*models.Product, error)
	ListProducts(ctx context.Context) ([]models.Product, error)
	UpsertProduct(ctx context.Context, product *models.Product, stock int) (*service.StockLevel, error)
	GetStock(ctx context.Context, productID string) (*service.StockLevel, error)
	AttemptReservations(ctx context.Context, attemptID string) ([]models.Reservation, error)
}

// CartEditor edits user carts
type CartEditor interface {
	Get(ctx context.Context, userID string) (*redisclient.Cart, error)
	AddItem(ctx context.Context, userID, productID string, quantity int) (*redisclient.Cart, error)
	RemoveItem(ctx context.Context, userID, productID string) (*redisclient.Cart, error)
	ClearCart(ctx context.Context, userID string) error
}

// WebhookParser verifies provider webhooks
type WebhookParser interface {
	ParseWebhook(payload []byte, signature string) (*models.PaymentOutcomeEvent, error)
}

// OutcomePublisher forwards payment outcomes to the callback worker
type OutcomePublisher interface {
	PublishPaymentOutcome(ctx context.Context, event *models.PaymentOutcomeEvent) error
}

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the HTTP handler. Webhooks is nil when no
// payment provider sends webhooks.
type Deps struct {
	Checkout  Checkouter
	Orders    OrderReader
	Products  ProductCatalog
	Carts     CartEditor
	Webhooks  WebhookParser
	Outcomes  OutcomePublisher
	Readiness map[string]Pinger
	Metrics   *util.Metrics
}

// Handler contains HTTP handlers
type Handler struct {
	checkout  Checkouter
	orders    OrderReader
	products  ProductCatalog
	carts     CartEditor
	webhooks  WebhookParser
	outcomes  OutcomePublisher
	readiness map[string]Pinger
	metrics   *util.Metrics
	logger    *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(deps Deps) *Handler {
	return &Handler{
		checkout:  deps.Checkout,
		orders:    deps.Orders,
		products:  deps.Products,
		carts:     deps.Carts,
		webhooks:  deps.Webhooks,
		outcomes:  deps.Outcomes,
		readiness: deps.Readiness,
		metrics:   deps.Metrics,
		logger:    util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(h.prometheusMiddleware())
	router.Use(h.requestLogger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)
	router.GET("/metrics", gin.WrapH(h.metrics.Handler()))

	router.POST("/cart", h.addCartItem)
	router.GET("/cart/:userId", h.getCart)
	router.DELETE("/cart/:userId", h.clearCart)
	router.DELETE("/cart/:userId/:productId", h.removeCartItem)
	router.POST("/cart/:userId/checkout", h.checkoutCart)

	router.GET("/orders/:id", h.getOrder)
	router.PUT("/orders/:id", h.updateOrderStatus)
	router.GET("/users/:userId/orders", h.listUserOrders)
	router.GET("/payments/:orderId", h.getPayment)

	router.GET("/products", h.listProducts)
	router.GET("/products/:id", h.getProduct)
	router.PUT("/products/:id", h.upsertProduct)
	router.GET("/inventory/:productId", h.getInventory)
	router.GET("/reservations/:attemptId", h.getReservations)

	router.POST("/webhooks/stripe", h.stripeWebhook)
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for name, p := range h.readiness {
		if err := p.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

type addCartItemRequest struct {
	UserID    string `json:"user_id" binding:"required"`
	ProductID string `json:"product_id" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required"`
}

func (h *Handler) addCartItem(c *gin.Context) {
	var req addCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	cart, err := h.carts.AddItem(c.Request.Context(), req.UserID, req.ProductID, req.Quantity)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

func (h *Handler) getCart(c *gin.Context) {
	userID := c.Param("userId")
	cart, err := h.carts.Get(c.Request.Context(), userID)
	if errors.Is(err, models.ErrCartNotFound) {
		c.JSON(http.StatusOK, &redisclient.Cart{UserID: userID, Items: []models.LineItem{}})
		return
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

func (h *Handler) removeCartItem(c *gin.Context) {
	cart, err := h.carts.RemoveItem(c.Request.Context(), c.Param("userId"), c.Param("productId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

func (h *Handler) clearCart(c *gin.Context) {
	if err := h.carts.ClearCart(c.Request.Context(), c.Param("userId")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// checkoutCart runs the checkout saga for the user's cart. The optional
// Idempotency-Key header identifies the attempt across client retries.
func (h *Handler) checkoutCart(c *gin.Context) {
	order, err := h.checkout.Checkout(c.Request.Context(), c.Param("userId"), c.GetHeader("Idempotency-Key"))
	if err != nil {
		ce, ok := service.AsCheckoutError(err)
		if !ok {
			h.respondError(c, err)
			return
		}

		body := gin.H{
			"error":   ce.Code,
			"message": ce.Error(),
		}
		if ce.ProductID != "" {
			body["product_id"] = ce.ProductID
		}
		if ce.OrderID != "" {
			body["order_id"] = ce.OrderID
		}
		if ce.CompensationFailed {
			body["compensation_failed"] = true
		}
		c.JSON(checkoutStatus(ce), body)
		return
	}

	c.JSON(http.StatusOK, gin.H{"order": order})
}

// checkoutStatus maps a checkout failure to its HTTP status
func checkoutStatus(ce *service.CheckoutError) int {
	if ce.CompensationFailed {
		return http.StatusInternalServerError
	}
	switch ce.Code {
	case service.CodeEmptyCart, service.CodeInvalidCart, service.CodeInsufficientStock,
		service.CodePaymentDeclined, service.CodeCancelled:
		return http.StatusBadRequest
	case service.CodeUnknownProduct:
		return http.StatusNotFound
	case service.CodeCheckoutInProgress, service.CodeInvalidTransition:
		return http.StatusConflict
	case service.CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) listUserOrders(c *gin.Context) {
	orders, err := h.orders.ListUserOrders(c.Request.Context(), c.Param("userId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

type updateStatusRequest struct {
	Status models.OrderStatus `json:"status" binding:"required"`
}

// updateOrderStatus is the payment provider's synchronous callback
func (h *Handler) updateOrderStatus(c *gin.Context) {
	var req updateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil || !req.Status.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid status"})
		return
	}

	order, err := h.orders.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) getPayment(c *gin.Context) {
	payment, err := h.orders.GetPayment(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *Handler) listProducts(c *gin.Context) {
	products, err := h.products.ListProducts(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

func (h *Handler) getProduct(c *gin.Context) {
	product, err := h.products.GetProduct(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, product)
}

type upsertProductRequest struct {
	Name  string `json:"name" binding:"required"`
	Price int64  `json:"price"`
	Stock int    `json:"stock"`
}

func (h *Handler) upsertProduct(c *gin.Context) {
	var req upsertProductRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	product := &models.Product{ID: c.Param("id"), Name: req.Name, Price: req.Price}
	level, err := h.products.UpsertProduct(c.Request.Context(), product, req.Stock)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"product": product, "stock": level})
}

func (h *Handler) getInventory(c *gin.Context) {
	stock, err := h.products.GetStock(c.Request.Context(), c.Param("productId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stock)
}

// getReservations lists the ledger holds of a checkout attempt
func (h *Handler) getReservations(c *gin.Context) {
	reservations, err := h.products.AttemptReservations(c.Request.Context(), c.Param("attemptId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservations": reservations})
}

// stripeWebhook verifies a Stripe delivery and hands the payment outcome to
// the callback worker through the payment topic
func (h *Handler) stripeWebhook(c *gin.Context) {
	if h.webhooks == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Webhooks not enabled"})
		return
	}

	const maxBodyBytes = int64(65536)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	payload, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	event, err := h.webhooks.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("Rejected Stripe webhook", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid webhook"})
		return
	}
	if event == nil {
		c.Status(http.StatusOK)
		return
	}

	if err := h.outcomes.PublishPaymentOutcome(c.Request.Context(), event); err != nil {
		h.logger.Error("Failed to forward Stripe webhook",
			zap.String("order_id", event.OrderID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to process webhook"})
		return
	}
	c.Status(http.StatusOK)
}

// respondError maps domain errors outside the checkout saga
func (h *Handler) respondError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrOrderNotFound),
		errors.Is(err, models.ErrPaymentNotFound),
		errors.Is(err, models.ErrUnknownProduct),
		errors.Is(err, models.ErrCartNotFound):
		code = http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition):
		code = http.StatusConflict
	case errors.Is(err, models.ErrInvalidQuantity), errors.Is(err, models.ErrInvalidProduct):
		code = http.StatusBadRequest
	}

	if code == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

// prometheusMiddleware collects HTTP metrics
func (h *Handler) prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		h.metrics.HTTPRequestDuration.WithLabelValues(c.Request.Method, path, status).Observe(duration)
		h.metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
	}
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}
