// The packpool control plane coordinates package state across pools of
// endpoints: registration, facts ingestion, compatibility analysis, and
// sync operation execution.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/packpool/packpool/internal/controlplane/config"
	"github.com/packpool/packpool/internal/controlplane/dispatch"
	"github.com/packpool/packpool/internal/controlplane/server"
	"github.com/packpool/packpool/internal/telemetry"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to YAML config file")
		showVersion = flag.Bool("version", false, "print version and exit")
		agentPort   = flag.Int("agent-port", dispatch.DefaultAgentPort, "port endpoint agents listen on")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("packpool control-plane %s (%s, %s)\n", version, commit, date)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := buildLogger(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	server.Version, server.Commit, server.Date = version, commit, date

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.InitTraceProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
	} else {
		defer shutdownTracing(context.Background())
	}

	runner := dispatch.NewHTTPRunner(logger.Named("dispatch"), *agentPort)

	srv, err := server.New(cfg, logger, runner)
	if err != nil {
		logger.Fatal("failed to build server", zap.Error(err))
	}
	defer srv.Close()
	runner.SetResolver(srv.Store())

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
	logger.Info("bye")
}

func buildLogger(level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := cfg.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
