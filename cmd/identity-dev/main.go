package main

import (
	"fmt"
	"os"

	"github.com/atsa-dev/atsa/internal/config"
	"github.com/atsa-dev/atsa/internal/devidentity"
	"github.com/atsa-dev/atsa/internal/logger"
)

var version = "dev" // Will be set during build with -ldflags

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// The server logs requests, so it is more talkative than the CLI by default
	level := cfg.Logging.Level
	if os.Getenv("LOG_LEVEL") == "" {
		level = "info"
	}

	// Initialize logger
	logger.Init(level, cfg.Logging.Format)
	log := logger.GetLogger()

	// Create server
	srv, err := devidentity.New(cfg.DevServer, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}

	log.Info().Str("version", version).Msg("Starting development identity service...")

	// Start HTTP server (this blocks)
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("Server failed to start")
	}
}
