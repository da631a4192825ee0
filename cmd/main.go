package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"

	"QuorumVault/internal/chain"
	"QuorumVault/internal/config"
	"QuorumVault/internal/database"
	"QuorumVault/internal/escrow"
	"QuorumVault/internal/executor"
	"QuorumVault/internal/handlers"
	"QuorumVault/internal/lock"
	"QuorumVault/internal/notify"
	"QuorumVault/internal/policy"
	"QuorumVault/internal/reconcile"
	"QuorumVault/internal/repository"
	"QuorumVault/internal/routes"
	"QuorumVault/internal/services"
	"QuorumVault/internal/sweeper"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "module", "main", "error", err)
		os.Exit(1)
	}

	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("server stopped", "module", "main", "outcome", "failure", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	// Persistence
	var (
		repo  repository.Store
		sinks []notify.Sink
		inbox handlers.NotificationStore
	)
	switch cfg.Store {
	case "memory":
		log.Warn("using in-memory store, data is lost on restart", "module", "main")
		repo = repository.NewMemoryStore()
	default:
		db, err := database.Connect(cfg.DatabaseURL, cfg.LogLevel)
		if err != nil {
			return err
		}
		defer database.Close(db)
		if err := database.Migrate(db); err != nil {
			return err
		}
		repo = repository.NewGormStore(db)
		storeSink := notify.NewStoreSink(db)
		sinks = append(sinks, storeSink)
		inbox = storeSink
	}

	// Per-escrow critical section
	var locker lock.Locker = lock.NewKeyedMutex()
	if cfg.RedisURL != "" {
		client, err := lock.Connect(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		locker = lock.NewRedisLocker(client, cfg.LockTTL, cfg.LockWait)
		log.Info("using redis escrow locks", "module", "main")
	}

	// Execution layer
	var client chain.Client
	switch cfg.Chain {
	case "gateway":
		client = chain.NewGatewayClient(cfg.GatewayURL, cfg.GatewayAPIKey, cfg.GatewayTimeout)
	default:
		log.Warn("using simulated execution layer", "module", "main")
		client = chain.NewSimulator()
	}

	// Event sinks
	if cfg.NATSURL != "" {
		ns, err := notify.NewNATSSink(cfg.NATSURL, cfg.NATSPrefix)
		if err != nil {
			return err
		}
		defer ns.Close()
		sinks = append(sinks, ns)
	}
	if len(cfg.KafkaBrokers) > 0 {
		ks, err := notify.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return err
		}
		defer ks.Close()
		sinks = append(sinks, ks)
	}
	if cfg.ResendAPIKey != "" && len(cfg.AlertTo) > 0 {
		sinks = append(sinks, notify.NewEmailSink(cfg.ResendAPIKey, cfg.AlertFrom, cfg.AlertTo))
	}
	events := notify.NewDispatcher(log, cfg.NotifyBuffer, sinks...)
	events.Start()
	defer events.Close()

	// Engine
	ledger := escrow.NewLedger(repo, locker, escrow.WithLogger(log), escrow.WithPublisher(events))
	var roots escrow.RootChecker
	if cfg.VerifyRoots {
		roots = chain.NewRootCache(client, cfg.RootCacheTTL)
	}
	collector := escrow.NewCollector(ledger, roots)
	exec := executor.New(ledger, client, executor.Config{
		MaxAttempts: cfg.ExecMaxAttempts,
		BaseBackoff: cfg.ExecBaseBackoff,
		MaxBackoff:  cfg.ExecMaxBackoff,
		StaleClaim:  cfg.ExecStaleClaim,
	}, log)
	var payments services.PaymentVerifier
	if cfg.PaystackKey != "" {
		payments = services.NewPaystackVerifier(cfg.PaystackKey)
	}
	engine := services.NewEngine(policy.NewStore(repo, log), ledger, collector, exec, payments, log)
	handlers.Init(engine, inbox)

	// Background workers
	workers, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()
	go reconcile.NewWorker(ledger, repo, client, reconcile.Config{
		Interval:       cfg.ReconcileInterval,
		AmbiguousAfter: cfg.AmbiguousAfter,
	}, log).Run(workers)
	go sweeper.New(ledger, repo, exec, sweeper.Config{
		Interval:    cfg.SweepInterval,
		AutoExecute: cfg.AutoExecute,
		StaleClaim:  cfg.ExecStaleClaim,
	}, log).Run(workers)

	// HTTP
	app := fiber.New(fiber.Config{
		AppName:   "QuorumVault API v1.0",
		BodyLimit: 1 * 1024 * 1024,
	})
	app.Use(logger.New(logger.Config{
		Format: "[${time}] ${status} - ${method} ${path} (${latency})\n",
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: cfg.AllowedOrigin,
		AllowHeaders: "Origin, Content-Type, Accept, Authorization",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS",
	}))

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"message": "Welcome to QuorumVault API",
			"status":  "running",
			"version": "1.0",
		})
	})

	routes.SetupRoutes(app, routes.Options{JWTSecret: cfg.JWTSecret, DemoMode: cfg.DemoMode})

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "module", "main", "port", cfg.Port, "store", cfg.Store, "chain", cfg.Chain)
		errCh <- app.Listen(":" + cfg.Port)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down", "module", "main")
	cancelWorkers()
	return app.ShutdownWithTimeout(10 * time.Second)
}
