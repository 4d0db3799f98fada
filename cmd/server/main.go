/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the reservation edit server. Loads configuration,
  wires the store, pricing source, payment processor, event publisher and
  session registry, and handles graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (env, .env, flags)
  2. Build the zap logger
  3. Open the SQLite store and seed the catalog
  4. Select pricing source and payment processor
  5. Connect optional Redis and RabbitMQ
  6. Create API handler and router
  7. Start server and session sweeper with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides RENTAL_SERVER_PORT)
  -db      SQLite database path (overrides RENTAL_DB_PATH)
           Use ":memory:" for in-memory database
  -env     dotenv file (default: .env, empty disables)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (RENTAL_SERVER_SHUTDOWN_TIMEOUT)
  3. Stop the session sweeper
  4. Close database connection
  5. Exit

EXAMPLES:
  # Demo mode with scenarios
  RENTAL_AUTH_JWT_SECRET=dev-secret-change-me RENTAL_FEATURE_SCENARIOS=true ./server

  # Stripe test mode, fixture pricing
  RENTAL_PAYMENTS_PROVIDER=stripe RENTAL_PAYMENTS_STRIPE_API_KEY=sk_test_... \
  RENTAL_PRICING_SOURCE=fixture ./server -db=":memory:"

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/warp/rental-engine/api"
	"github.com/warp/rental-engine/auth"
	"github.com/warp/rental-engine/config"
	"github.com/warp/rental-engine/events"
	"github.com/warp/rental-engine/factory"
	"github.com/warp/rental-engine/generic"
	"github.com/warp/rental-engine/observability"
	"github.com/warp/rental-engine/payments"
	"github.com/warp/rental-engine/rental"
	"github.com/warp/rental-engine/store/redis"
	"github.com/warp/rental-engine/store/sqlite"
)

func main() {
	port := flag.String("port", "", "HTTP server port")
	dbPath := flag.String("db", "", "SQLite database path")
	envFile := flag.String("env", ".env", "dotenv file")
	flag.Parse()

	overrides := map[string]string{}
	if *port != "" {
		overrides["RENTAL_SERVER_PORT"] = *port
	}
	if *dbPath != "" {
		overrides["RENTAL_DB_PATH"] = *dbPath
	}

	cfg, err := config.Load(config.WithEnvFile(*envFile), config.WithEnvMap(overrides))
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database %s: %w", cfg.Database.Path, err)
	}
	defer store.Close()

	catalog, err := loadCatalog(cfg.Pricing.CatalogFile)
	if err != nil {
		return err
	}
	if cfg.Pricing.SeedCatalog {
		if err := store.SeedCatalog(ctx, catalog); err != nil {
			return fmt.Errorf("seed catalog: %w", err)
		}
	}

	// Pricing source
	var provider rental.PricingDataProvider = store
	if cfg.Pricing.Source == config.PricingFixture {
		provider = catalog
	}

	// Payment processor
	var processor rental.PaymentProcessor
	switch cfg.Payments.Provider {
	case config.PaymentsStripe:
		processor, err = payments.NewStripeProcessor(payments.StripeConfig{
			APIKey:    cfg.Payments.StripeAPIKey,
			AccountID: cfg.Payments.StripeAccountID,
			Logger:    logger.Named("stripe"),
		})
		if err != nil {
			return err
		}
	default:
		logger.Warn("using sandbox payment processor, no real charges are made")
		processor = payments.NewSandbox(logger.Named("sandbox"))
	}

	svc := &rental.EditService{
		Repository: store,
		Calculator: rental.NewPriceCalculator(provider, generic.Currency(cfg.Pricing.Currency)),
		Validator:  &rental.DateRangeValidator{MinDurationHours: cfg.Pricing.MinDurationHours},
		Processor:  processor,
		Logger:     logger.Named("rental"),
		HoldTTL:    cfg.Payments.HoldTTL,
	}

	// Optional infrastructure
	if cfg.RabbitMQ.Enabled {
		svc.Publisher = events.NewPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue, logger.Named("events"))
	}

	var snapshots api.SnapshotStore
	if cfg.Redis.Enabled {
		sessionStore, err := redis.Connect(ctx, redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TTL:      cfg.Sessions.TTL,
		})
		if err != nil {
			return err
		}
		snapshots = sessionStore
	}

	tokens, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	sessions := api.NewSessionRegistry(snapshots, cfg.Sessions.TTL, logger.Named("sessions"))
	sessions.Start(cfg.Sessions.SweepInterval)
	defer sessions.Stop()

	handler := api.NewHandler(store, svc, catalog, tokens, sessions, logger)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		EnableScenarios: cfg.Features.EnableScenarios,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("pricing", cfg.Pricing.Source),
			zap.String("payments", cfg.Payments.Provider),
			zap.Bool("redis", cfg.Redis.Enabled),
			zap.Bool("rabbitmq", cfg.RabbitMQ.Enabled),
			zap.Bool("scenarios", cfg.Features.EnableScenarios))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func loadCatalog(path string) (*factory.Catalog, error) {
	if path == "" {
		return factory.ParseCatalog(factory.DefaultCatalogJSON)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	catalog, err := factory.ParseCatalog(string(data))
	if err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	return catalog, nil
}
