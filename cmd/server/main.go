package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"checkout-service/config"
	"checkout-service/internal/api"
	"checkout-service/internal/broker"
	"checkout-service/internal/payment"
	"checkout-service/internal/redisclient"
	"checkout-service/internal/service"
	"checkout-service/internal/store"
	"checkout-service/internal/util"
	"checkout-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting checkout service")

	tp, err := util.InitTracer("checkout-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	metrics := util.NewMetrics()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()
	if cfg.Database.RunMigrations {
		if err := db.Migrate(); err != nil {
			logger.Fatal("Failed to run migrations", zap.Error(err))
		}
	}
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	ledger := redisclient.NewLedger(redisClient)
	carts := redisclient.NewCartStore(redisClient, cfg.Redis.CartTTL)

	orderProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder)
	defer orderProducer.Close()
	paymentProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayment)
	defer paymentProducer.Close()
	eventPublisher := broker.NewEventPublisher(orderProducer, paymentProducer)
	logger.Info("Kafka producers initialized",
		zap.String("order_topic", cfg.Kafka.TopicOrder),
		zap.String("payment_topic", cfg.Kafka.TopicPayment))

	var (
		gateway  service.PaymentGateway
		webhooks api.WebhookParser
	)
	switch cfg.Payment.Provider {
	case "stripe":
		stripeGateway := payment.NewStripeGateway(cfg.Payment, db, eventPublisher)
		gateway = stripeGateway
		if cfg.Payment.StripeWebhookSecret != "" {
			webhooks = stripeGateway
		}
	default:
		gateway = service.NewSimulatedGateway(db, service.RandomDecider(cfg.Payment.SuccessRate), eventPublisher)
	}
	logger.Info("Payment gateway selected", zap.String("provider", cfg.Payment.Provider))

	orchestrator := service.NewCheckoutOrchestrator(service.CheckoutDeps{
		Carts:     carts,
		Catalog:   db,
		Ledger:    ledger,
		Orders:    db,
		Gateway:   gateway,
		Publisher: eventPublisher,
		Locker:    redisClient,
	}, cfg.Checkout, metrics)
	orderService := service.NewOrderService(db, db, ledger, redisClient, eventPublisher, cfg.Checkout, metrics)
	inventoryService := service.NewInventoryService(db, ledger)

	if err := inventoryService.SyncInventoryToRedis(context.Background()); err != nil {
		logger.Error("Failed to sync inventory to Redis", zap.Error(err))
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	var workers sync.WaitGroup

	paymentConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicPayment, cfg.Kafka.ConsumerGroup)
	callbackWorker := worker.NewPaymentCallbackWorker(paymentConsumer, orderService, db, db)
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := callbackWorker.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Payment callback worker error", zap.Error(err))
		}
	}()

	reconciler := worker.NewReconciler(db, ledger, orderService, redisClient, cfg.Checkout)
	workers.Add(1)
	go func() {
		defer workers.Done()
		if err := reconciler.Start(workerCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Reconciler error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Deps{
		Checkout: orchestrator,
		Orders:   orderService,
		Products: inventoryService,
		Carts:    carts,
		Webhooks: webhooks,
		Outcomes: eventPublisher,
		Readiness: map[string]api.Pinger{
			"postgres": db,
			"redis":    redisClient,
		},
		Metrics: metrics,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	// optional scrape listener
	var metricsSrv *http.Server
	if cfg.Observ.PrometheusPort != "" && cfg.Observ.PrometheusPort != cfg.Server.Port {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%s", cfg.Observ.PrometheusPort),
			Handler: mux,
		}
		go func() {
			logger.Info("Starting metrics server", zap.String("port", cfg.Observ.PrometheusPort))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Metrics server failed", zap.Error(err))
			}
		}()
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Metrics server forced to shutdown", zap.Error(err))
		}
	}

	workerCancel()
	workers.Wait()
	if err := callbackWorker.Stop(); err != nil {
		logger.Error("Failed to stop payment callback worker", zap.Error(err))
	}

	logger.Info("Server exited")
}
