// Portalwatch console - operator surface for behavioral threat review
package main

import (
	"context"
	"os"

	"github.com/mrashdan/portalwatch/internal/config"
	"github.com/mrashdan/portalwatch/internal/console"
	"github.com/mrashdan/portalwatch/internal/logging"
	"github.com/mrashdan/portalwatch/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	logger := logging.New("info", "text")

	logger.Info("starting portalwatch console",
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
		"risk_engine", cfg.APIBaseURL,
		"poll_interval", cfg.PollInterval,
	)

	ctx := context.Background()

	shutdownTraces, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTraces(context.Background()) }()

	srv, err := console.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create console", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("console error", "error", err)
		os.Exit(1)
	}
}
