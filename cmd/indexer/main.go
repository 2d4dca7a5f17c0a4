// Command indexer runs the feedback-to-score pipeline: it scans the
// reputation registry for new feedback, recomputes agent scores, and commits
// them to the TrustScore contract on a fixed interval.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/robomoustach/trustoracle/internal/checkpoint"
	"github.com/robomoustach/trustoracle/internal/config"
	"github.com/robomoustach/trustoracle/internal/history"
	"github.com/robomoustach/trustoracle/internal/indexer"
	"github.com/robomoustach/trustoracle/internal/logging"
	"github.com/robomoustach/trustoracle/internal/registry"
	"github.com/robomoustach/trustoracle/internal/traces"
	"github.com/robomoustach/trustoracle/internal/trustscore"
)

func main() {
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateIndexer(); err != nil {
		logger.Error("invalid indexer config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTraces, err := traces.Init(ctx, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"), logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		_ = shutdownTraces(shutdownCtx)
	}()

	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		logger.Error("failed to dial rpc", "rpc", cfg.RPCURL, "error", err)
		os.Exit(1)
	}
	defer client.Close()

	source, err := registry.NewSource(client, common.HexToAddress(cfg.RegistryAddress), logger)
	if err != nil {
		logger.Error("failed to create registry source", "error", err)
		os.Exit(1)
	}

	updater, err := trustscore.NewUpdater(client, common.HexToAddress(cfg.TrustScoreAddress),
		cfg.PrivateKey, cfg.ChainID)
	if err != nil {
		logger.Error("failed to create score updater", "error", err)
		os.Exit(1)
	}

	opts := []indexer.Option{}
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		if err := db.Ping(); err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		opts = append(opts, indexer.WithHistory(history.NewPostgresStore(db)))
		logger.Info("score history enabled")
	}

	ix := indexer.New(indexer.Config{
		StartBlock:   cfg.StartBlock,
		MaxBatchSize: cfg.MaxBatchSize,
		PollInterval: cfg.PollInterval,
		Scoring:      cfg.Scoring,
	}, source, updater, checkpoint.NewFileStore(cfg.CheckpointPath), client, logger, opts...)

	logger.Info("starting indexer",
		"registry", cfg.RegistryAddress,
		"trustscore", cfg.TrustScoreAddress,
		"signer", updater.Signer(),
		"poll_interval", cfg.PollInterval,
		"max_batch_size", cfg.MaxBatchSize,
	)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	ix.Run(ctx)
	logger.Info("indexer stopped")
}
