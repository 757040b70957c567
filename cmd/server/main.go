package main

import (
	"log"
	"net/http"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tokoku_shop_echo/internal/config"
	"tokoku_shop_echo/internal/handlers"
	appMiddleware "tokoku_shop_echo/internal/middleware"
	"tokoku_shop_echo/internal/services"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment")
	}

	cfg := config.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	// Initialize Database
	if cfg.DatabaseURL == "" {
		logger.Fatal("DATABASE_URL not set")
	}
	db, err := services.InitDB(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := services.AutoMigrate(db); err != nil {
		logger.Fatal("Failed to run database migrations", zap.Error(err))
	}

	// Gateway and stores
	gateway := services.NewMidtransService(cfg.MidtransServerKey, cfg.MidtransClientKey, cfg.MidtransProduction)
	store := services.NewPaymentStore(db)

	// Cross-context notifier and verify limiter: Redis when available, the
	// in-process bus otherwise.
	var notifier services.Notifier = services.NewBusNotifier()
	var limiter services.VerifyLimiter
	if cfg.RedisURL != "" {
		cache, err := services.NewRedisCache(cfg.RedisURL)
		if err != nil {
			logger.Fatal("Failed to connect to redis", zap.Error(err))
		}
		defer cache.Close()
		notifier = services.NewRedisNotifier(cache.Client(), logger)
		limiter = &services.RedisVerifyLimiter{
			Cache:  cache,
			Limit:  cfg.VerifyRateLimit,
			Window: cfg.VerifyRateWindow,
			Logger: logger,
		}
	} else {
		logger.Warn("REDIS_URL not set, using in-process notifier and no verify rate limit")
	}

	metrics := services.NewReconcileMetrics(prometheus.DefaultRegisterer)

	paymentService := services.NewPaymentService(db, store, gateway, notifier, logger)

	reconciler := &services.Reconciler{
		Store:   store,
		Gateway: gateway,
		Policy: services.ReconcilePolicy{
			PollInterval:  cfg.ReconcilePollInterval,
			FallbackAfter: cfg.ReconcileFallbackAfter,
			MaxAttempts:   cfg.ReconcileMaxAttempts,
		},
		Logger:   logger,
		Notifier: notifier,
		Finalize: paymentService,
		Limiter:  limiter,
		Metrics:  metrics,
	}
	tracker := &services.ReconcileTracker{Reconciler: reconciler, Logger: logger}

	paymentHandler := handlers.NewPaymentHandler(db, store, paymentService, gateway, tracker, logger, metrics, cfg.AppURL)

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = appMiddleware.CustomErrorHandler

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// Health and metrics
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Orders (minimal intake)
	e.POST("/orders", paymentHandler.CreateOrder)

	// Public checkout routes
	e.POST("/p/:uuid/pay", paymentHandler.InitiatePayment)
	e.GET("/p/:uuid/status", paymentHandler.PaymentStatus)

	// Reconciliation control
	e.POST("/payments/:reference/watch", paymentHandler.WatchPayment)
	e.DELETE("/payments/:reference/watch", paymentHandler.UnwatchPayment)

	// Gateway webhook
	e.POST("/payments/notification", paymentHandler.HandleGatewayNotification)

	logger.Info("Server starting", zap.String("port", cfg.Port))
	e.Logger.Fatal(e.Start(":" + cfg.Port))
}
