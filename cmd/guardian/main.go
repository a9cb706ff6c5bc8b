// Package main is the entry point for the nettrace-guardian daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nettrace-guardian/internal/config"
	"nettrace-guardian/internal/logging"
	"nettrace-guardian/internal/secrets"
	"nettrace-guardian/internal/startup"
)

var version = "dev"

func main() {
	var (
		showVersion bool
		checkOnly   bool
		skipChecks  bool
		configPath  string
		secretsDir  string
	)

	flag.BoolVar(&showVersion, "version", false, "Show version and exit")
	flag.BoolVar(&checkOnly, "check", false, "Validate the configuration and exit")
	flag.BoolVar(&skipChecks, "skip-preflight", false, "Start even when preflight diagnostics report errors")
	flag.StringVar(&configPath, "config", config.Path(), "Configuration file")
	flag.StringVar(&secretsDir, "secrets-dir", "/run/secrets", "Directory for file: credential references")
	flag.Parse()

	if showVersion {
		fmt.Printf("guardian %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.LoadFile(configPath)
	if err == nil {
		err = resolveSecrets(cfg, secretsDir)
	}
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration %s: %v\n", configPath, err)
		os.Exit(1)
	}
	if checkOnly {
		fmt.Printf("%s: ok\n", configPath)
		os.Exit(0)
	}

	logger, err := logging.New(os.Stdout, logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	logger.Info("configuration loaded",
		"path", configPath,
		"version", version,
		"http_port", cfg.Server.HTTPPort,
		"thresholds", len(cfg.Detection.Thresholds),
		"handlers", cfg.Response.Handlers,
		"directive_sinks", cfg.Response.Directives.Sinks,
		"auth_enabled", cfg.Auth.Enabled,
		"kafka_enabled", cfg.Kafka.Enabled,
		"redis_enabled", cfg.Redis.Enabled,
		"storage_enabled", cfg.Storage.Enabled,
		"archive_enabled", cfg.Archive.Enabled,
		"firewall_enabled", cfg.Firewall.Enabled,
		"firewall_apply", cfg.Firewall.Apply,
		"nats_url", cfg.Ingest.NATS.URL,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	diag := startup.NewDiagnostics(cfg, configPath, logger)
	diag.RunAll(ctx)
	if diag.HasErrors() && !skipChecks {
		logger.Error("preflight diagnostics failed, refusing to start")
		os.Exit(1)
	}

	app, err := newApp(ctx, cfg, configPath, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	if err := app.start(ctx); err != nil {
		logger.Error("startup failed", "error", err)
		app.shutdown()
		os.Exit(1)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutdown signal received", "signal", sig.String())

	cancel()
	app.shutdown()
}

// resolveSecrets expands env: and file: references in credential fields.
func resolveSecrets(cfg *config.Config, dir string) error {
	sc := secrets.DefaultConfig()
	sc.FileDir = dir
	mgr, err := secrets.NewManager(sc)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return cfg.ResolveSecrets(ctx, mgr)
}
