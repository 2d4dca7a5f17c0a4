// Command server runs the reputation oracle HTTP API.
package main

import (
	"context"
	"os"
	"time"

	"github.com/robomoustach/trustoracle/internal/config"
	"github.com/robomoustach/trustoracle/internal/logging"
	"github.com/robomoustach/trustoracle/internal/server"
	"github.com/robomoustach/trustoracle/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting trustoracle",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"chain_id", cfg.ChainID,
		"trustscore_contract", cfg.TrustScoreAddress,
	)

	ctx := context.Background()

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

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
