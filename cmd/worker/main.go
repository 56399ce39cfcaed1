package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/gin-gonic/gin"

	"github.com/Themath93/stock-manager-sub000/internal/auth"
	"github.com/Themath93/stock-manager-sub000/internal/config"
	"github.com/Themath93/stock-manager-sub000/internal/database"
	"github.com/Themath93/stock-manager-sub000/internal/gateway/sim"
	"github.com/Themath93/stock-manager-sub000/internal/lifecycle"
	"github.com/Themath93/stock-manager-sub000/internal/locks"
	"github.com/Themath93/stock-manager-sub000/internal/notify"
	"github.com/Themath93/stock-manager-sub000/internal/orders"
	"github.com/Themath93/stock-manager-sub000/internal/recovery"
	signalsrc "github.com/Themath93/stock-manager-sub000/internal/signal"
	"github.com/Themath93/stock-manager-sub000/internal/worker"
	"github.com/Themath93/stock-manager-sub000/pkg/middleware"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// main runs one fleet worker: state recovery first, then the trading loop
// with its heartbeat, the coordination sweepers, and the operator API.
func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// The simulated brokerage stands in for the real adapter; it serves
	// both order flow and quotes.
	broker := sim.NewBroker()
	for _, symbol := range cfg.Trading.Watchlist {
		broker.SeedPrice(symbol, 100)
	}

	lockService := locks.NewService(db, cfg.Coordination.LockTTL)
	lifecycleService := lifecycle.NewService(db, lockService)
	orderService := orders.NewService(db, broker)
	recoveryService := recovery.NewService(db, orderService, broker)
	recoveryService.SetNotifier(notify.NewLogSink())

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// No trading before the local view and the broker agree. A worker that
	// cannot reconcile stays out of the market.
	if err := recoveryService.RunUntilReady(rootCtx, cfg.Worker.AccountID, 5*time.Second); err != nil {
		zlog.Fatal().Err(err).Msg("State recovery did not complete, refusing to trade")
	}

	// Background sweepers: expired leases and silent workers.
	go locks.NewSweeper(lockService, cfg.Coordination.SweepInterval).Start(rootCtx)
	go lifecycle.NewSweeper(lifecycleService, cfg.Coordination.SweepInterval, cfg.Coordination.MaxSilence).Start(rootCtx)

	w := worker.New(worker.Config{
		WorkerID:          cfg.Worker.ID,
		AccountID:         cfg.Worker.AccountID,
		LockTTL:           cfg.Coordination.LockTTL,
		HeartbeatInterval: cfg.Coordination.HeartbeatInterval,
		HeartbeatGrace:    cfg.Coordination.HeartbeatGrace,
		LoopInterval:      cfg.Trading.LoopInterval,
		FillPollInterval:  cfg.Trading.FillPollInterval,
		FillPollTimeout:   cfg.Trading.FillPollTimeout,
		OrderQuantity:     cfg.Trading.OrderQuantity,
		TargetGainPct:     cfg.Trading.TargetGainPct,
		StopLossPct:       cfg.Trading.StopLossPct,
	}, lockService, lifecycleService, orderService,
		signalsrc.NewWatchlist(cfg.Trading.Watchlist), broker, notify.NewLogSink())

	workerDone := make(chan error, 1)
	go func() { workerDone <- w.Run(rootCtx) }()

	// Operator API
	router := gin.Default()

	authService := auth.NewService(cfg.API.JWTSecret)
	if key, secret := os.Getenv("OPERATOR_API_KEY"), os.Getenv("OPERATOR_API_SECRET"); key != "" {
		authService.RegisterAPICredentials(key, secret)
	}

	router.Use(middleware.RateLimit())
	setupRoutes(router, cfg.API.JWTSecret,
		auth.NewGinHandlers(authService),
		locks.NewGinHandlers(lockService),
		lifecycle.NewGinHandlers(lifecycleService),
		orders.NewGinHandlers(orderService),
		recovery.NewGinHandlers(recoveryService),
	)

	srv := &http.Server{
		Addr:    ":" + cfg.API.Port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt or for the trading loop to halt on its own.
	select {
	case <-rootCtx.Done():
		zlog.Info().Msg("Shutting down worker...")
		if err := <-workerDone; err != nil {
			zlog.Error().Err(err).Msg("Trading loop exited with error")
		}
	case err := <-workerDone:
		if errors.Is(err, worker.ErrHalted) {
			zlog.Error().Err(err).Msg("Trading loop halted; operator API stays up for intervention")
			<-rootCtx.Done()
		} else if err != nil {
			zlog.Error().Err(err).Msg("Trading loop exited with error")
		}
	}

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Worker exiting")
}

// setupRoutes configures the operator API endpoints:
// - Auth routes: public token issuance
// - Lock, worker, order and recovery routes: protected by JWT authentication
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	lockHandlers *locks.GinHandlers,
	workerHandlers *lifecycle.GinHandlers,
	orderHandlers *orders.GinHandlers,
	recoveryHandlers *recovery.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		protected := v1.Group("")
		protected.Use(middleware.JWTAuth(jwtSecret))
		{
			lockGroup := protected.Group("/locks")
			{
				lockGroup.GET("", lockHandlers.ListLocksHandler())
				lockGroup.POST("/:resource_key/force-release", lockHandlers.ForceReleaseHandler())
				lockGroup.POST("/cleanup", lockHandlers.CleanupHandler())
			}

			workerGroup := protected.Group("/workers")
			{
				workerGroup.GET("", workerHandlers.ListWorkersHandler())
			}

			orderGroup := protected.Group("/orders")
			{
				orderGroup.GET("/open", orderHandlers.ListOpenOrdersHandler())
				orderGroup.GET("/:order_id", orderHandlers.GetOrderHandler())
			}

			recoveryGroup := protected.Group("/recovery")
			{
				recoveryGroup.GET("/records", recoveryHandlers.ListRecordsHandler())
			}
		}
	}
}
