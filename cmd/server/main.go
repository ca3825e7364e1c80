// Proofcart - Settlement service for NFT-attested physical goods
package main

import (
	"context"
	"os"

	"github.com/Michaelmk708/proofcart/internal/config"
	"github.com/Michaelmk708/proofcart/internal/logging"
	"github.com/Michaelmk708/proofcart/internal/server"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Create logger
	logger := logging.New("info", "text")

	logger.Info("starting proofcart",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"env", cfg.Env,
		"gateway_provider", cfg.GatewayProvider,
		"chain_provider", cfg.ChainProvider,
		"chain_id", cfg.ChainID,
	)

	// Create and run server
	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
