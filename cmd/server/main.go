package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/paysync-api/internal/auth"
	"github.com/ksred/paysync-api/internal/config"
	"github.com/ksred/paysync-api/internal/database"
	"github.com/ksred/paysync-api/internal/idempotency"
	"github.com/ksred/paysync-api/internal/notify"
	"github.com/ksred/paysync-api/internal/orders"
	"github.com/ksred/paysync-api/internal/payments"
	"github.com/ksred/paysync-api/internal/provider"
	"github.com/ksred/paysync-api/internal/reconcile"
	"github.com/ksred/paysync-api/internal/scheduler"
	"github.com/ksred/paysync-api/internal/webhook"
	"github.com/ksred/paysync-api/pkg/middleware"
)

// configureLogging enables pretty printing outside production and debug
// logging when server.debug is set
func configureLogging(cfg config.ServerConfig) {
	if !cfg.Production() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main wires the webhook receiver, the admin API and the scheduled payment
// processor, and shuts them down gracefully on SIGINT or SIGTERM
func main() {
	cfg, err := config.Load(".env", os.Getenv("PAYSYNC_CONFIG_FILE"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	configureLogging(cfg.Server)
	if cfg.Server.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.NewDatabase(cfg.Database, cfg.Server.Debug)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	seen, closeSeen := newSeenSet(cfg)
	defer closeSeen()
	guard := idempotency.NewGuard(seen, idempotency.NewDatabase(db), cfg.Idempotency.RecordRetention)

	machine := orders.NewStateMachine(db, cfg.Orders.NonAtomicFallback)
	numbers := orders.NewNumberGenerator(db, cfg.Orders.NumberAttempts)
	reconciler := reconcile.New(db, machine, numbers, notify.NewLogNotifier())

	dispatcher := webhook.NewDispatcher(webhook.NewRegistry(reconciler), guard)
	webhookHandlers := webhook.NewGinHandlers(dispatcher, webhook.ReceiverConfig{
		SigningSecret: cfg.Webhook.SigningSecret,
		Tolerance:     cfg.Webhook.Tolerance,
		MaxBodyBytes:  cfg.Webhook.MaxBodyBytes,
	})

	authService := auth.NewService(cfg.Admin.JWTSecret, cfg.Admin.TokenTTL)
	if cfg.Admin.APIKey != "" {
		authService.RegisterAPICredentials(cfg.Admin.APIKey, cfg.Admin.APISecret)
	} else {
		zlog.Warn().Msg("No admin API credentials configured, token endpoint will reject every request")
	}
	authHandlers := auth.NewGinHandlers(authService)

	client := provider.NewSimulated(provider.SimulatedConfig{
		MinLatency:     cfg.Provider.LatencyMin,
		MaxLatency:     cfg.Provider.LatencyMax,
		SuccessRate:    cfg.Provider.SuccessRate,
		ProcessingRate: cfg.Provider.ProcessingRate,
	})
	orderHandlers := orders.NewGinHandlers(orders.NewService(db, machine))
	paymentHandlers := payments.NewGinHandlers(payments.NewService(db, client))

	executor := scheduler.NewExecutor(db, client, reconciler, scheduler.ExecutorConfig{
		BatchSize:       cfg.Scheduler.BatchSize,
		ProviderTimeout: cfg.Scheduler.ProviderTimeout,
		RecheckAfter:    cfg.Scheduler.RecheckAfter,
	})
	processor := scheduler.NewProcessor(executor, guard, cfg.Scheduler.Interval)
	schedulerHandlers := scheduler.NewGinHandlers(processor)

	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()
	if cfg.Scheduler.Enabled {
		go processor.Start(processorCtx)
	}

	router := gin.Default()

	setupRoutes(router, authService, authHandlers, webhookHandlers, orderHandlers, paymentHandlers, schedulerHandlers)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		zlog.Info().Int("port", cfg.Server.Port).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")
	processorCancel()

	// Give in-flight deliveries 5 seconds to finish; anything cut off is
	// redelivered by the provider
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// newSeenSet builds the transient idempotency layer for the configured backend
func newSeenSet(cfg *config.Config) (idempotency.SeenSet, func()) {
	if cfg.Idempotency.Backend != "redis" {
		return idempotency.NewMemorySet(cfg.Idempotency.SeenTTL), func() {}
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		// the durable record still catches duplicates
		zlog.Warn().Err(err).Str("addr", cfg.Redis.Addr).Msg("Redis unreachable, seen set will miss until it recovers")
	}
	return idempotency.NewRedisSet(client, cfg.Idempotency.SeenTTL), func() {
		if err := client.Close(); err != nil {
			zlog.Warn().Err(err).Msg("Failed to close redis client")
		}
	}
}

// setupRoutes configures all API endpoints and their handlers:
// - Webhook route: public, authenticated by the payload signature
// - Auth routes: public token exchange for admin credentials
// - Admin routes: protected by admin JWT, each group by its token permission
func setupRoutes(
	router *gin.Engine,
	authService *auth.Service,
	authHandlers *auth.GinHandlers,
	webhookHandlers *webhook.GinHandlers,
	orderHandlers *orders.GinHandlers,
	paymentHandlers *payments.GinHandlers,
	schedulerHandlers *scheduler.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		webhooks := v1.Group("/webhooks", middleware.RateLimit())
		{
			webhooks.POST("/payments", webhookHandlers.ReceiveHandler())
		}

		authRoutes := v1.Group("/auth", middleware.RateLimit())
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// limited per admin, so AdminAuth runs first
		admin := v1.Group("/admin", middleware.AdminAuth(authService), middleware.RateLimit())
		{
			orderRoutes := admin.Group("/orders", middleware.RequirePermission(auth.PermissionOrders))
			orderRoutes.GET("", orderHandlers.ListOrdersHandler())
			orderRoutes.GET("/:order_id", orderHandlers.GetOrderHandler())
			orderRoutes.GET("/:order_id/events", orderHandlers.ListStatusEventsHandler())
			orderRoutes.POST("/:order_id/transition", orderHandlers.TransitionHandler())

			paymentRoutes := admin.Group("/payments", middleware.RequirePermission(auth.PermissionPayments))
			paymentRoutes.POST("/scheduled", paymentHandlers.SchedulePaymentHandler())
			paymentRoutes.GET("/:payment_id", paymentHandlers.GetPaymentHandler())
			paymentRoutes.POST("/:payment_id/refund", paymentHandlers.RefundPaymentHandler())

			admin.POST("/scheduler/run", middleware.RequirePermission(auth.PermissionPayments), schedulerHandlers.RunHandler())
		}
	}
}
