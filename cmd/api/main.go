package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abkawan/ledger-engine/internal/api"
	"github.com/abkawan/ledger-engine/internal/config"
	"github.com/abkawan/ledger-engine/internal/db"
	"github.com/abkawan/ledger-engine/internal/ledger"
	"github.com/abkawan/ledger-engine/internal/lock"
	"github.com/abkawan/ledger-engine/internal/logging"
	"github.com/abkawan/ledger-engine/internal/outbox"
	"github.com/abkawan/ledger-engine/internal/queue"
	"github.com/abkawan/ledger-engine/internal/service"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	// Connecting to Postgres
	logger.Info("Connecting to PostgreSQL...")
	postgres, err := db.NewPostgres(cfg.PostgresURI)
	if err != nil {
		logger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	defer postgres.Close()

	logger.Info("Running migrations...")
	if err := postgres.Migrate(logger); err != nil {
		logger.Fatal("Failed to migrate schema", zap.Error(err))
	}

	// Audit reads are served from the Mongo mirror when one is configured
	var audit service.AuditReader
	if cfg.MongoURI != "" {
		logger.Info("Connecting to MongoDB...")
		mongodb, err := db.NewMongoDB(cfg.MongoURI, cfg.MongoDBName)
		if err != nil {
			logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		defer mongodb.Close(context.Background())
		audit = mongodb
	} else {
		logger.Info("MONGO_URI not set, audit routes disabled")
	}

	// Account locks span replicas when Redis is configured
	var locker ledger.Locker = ledger.NewKeyedLock(cfg.LockTimeout)
	if cfg.RedisAddr != "" {
		logger.Info("Connecting to Redis...", zap.String("addr", cfg.RedisAddr))
		client, err := lock.Dial(ctx, cfg.RedisAddr)
		if err != nil {
			logger.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		redisLock := lock.NewRedis(client, cfg.LockTimeout, logger)
		defer redisLock.Close()
		locker = redisLock
	}

	logger.Info("Connecting to broker...", zap.String("broker", cfg.Broker))
	broker, err := queue.Open(cfg, false, logger)
	if err != nil {
		logger.Fatal("Failed to connect to broker", zap.Error(err))
	}
	defer broker.Close()

	engine := ledger.NewEngine(
		postgres,
		locker,
		ledger.NewLimitPolicy(cfg.Limits),
		ledger.NewReferenceGenerator(cfg.ReferencePrefix, cfg.ShardID),
		logger.With(zap.String("component", "engine")),
		ledger.WithLocation(cfg.DayWindow),
	)
	accountService := service.NewAccountService(postgres, locker, engine.Accounts(), cfg.ShardID, logger)

	// Start outbox relay
	relay := outbox.NewRelay(postgres, broker, cfg.OutboxPollInterval, cfg.OutboxBatchSize, logger)
	go relay.Run(ctx)

	// Create router and set up routes
	router := mux.NewRouter()
	api.SetupRoutes(router, api.NewHandler(engine, accountService, audit, logger))

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info("Starting server", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown failed", zap.Error(err))
	}
	cancel()

	// flush what committed before shutdown
	relay.Flush(shutdownCtx)

	logger.Info("Server shut down successfully")
}
