package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/abkawan/ledger-engine/internal/config"
	"github.com/abkawan/ledger-engine/internal/db"
	"github.com/abkawan/ledger-engine/internal/logging"
	"github.com/abkawan/ledger-engine/internal/queue"
	"github.com/abkawan/ledger-engine/internal/service"
	"go.uber.org/zap"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	// Connect to MongoDB
	if cfg.MongoURI == "" {
		logger.Fatal("MONGO_URI is required by the processor")
	}
	logger.Info("Connecting to MongoDB...")
	mongodb, err := db.NewMongoDB(cfg.MongoURI, cfg.MongoDBName)
	if err != nil {
		logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
	}
	defer mongodb.Close(context.Background())

	logger.Info("Connecting to broker...", zap.String("broker", cfg.Broker))
	broker, err := queue.Open(cfg, true, logger)
	if err != nil {
		logger.Fatal("Failed to connect to broker", zap.Error(err))
	}
	defer broker.Close()

	auditService := service.NewAuditService(mongodb, logger)

	// blocks until a signal cancels ctx
	if err := auditService.StartProcessor(ctx, broker); err != nil {
		logger.Error("Audit processor stopped", zap.Error(err))
		return
	}

	logger.Info("Processor shut down successfully")
}
