// Command dmd is the dungeonmaster daemon. It runs the message bus,
// orchestrator, built-in agents, and the HTTP API from a YAML config file.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoCodeAlone/dungeonmaster/config"
	"github.com/GoCodeAlone/dungeonmaster/internal/logging"
	"github.com/GoCodeAlone/dungeonmaster/internal/tracing"
	"github.com/GoCodeAlone/dungeonmaster/internal/version"
	"github.com/GoCodeAlone/dungeonmaster/server"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath  = flag.String("config", "dungeonmaster.yaml", "path to config file")
	hashPass    = flag.String("hash-password", "", "print the bcrypt hash of a password for auth.admin_pass and exit")
	showVersion = flag.Bool("version", false, "print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("dmd %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildDate)
		return
	}
	if *hashPass != "" {
		hash, err := server.HashPassword(*hashPass)
		if err != nil {
			log.Fatalf("hash password: %v", err)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config %s: %v", *configPath, err)
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer closeLog() //nolint:errcheck
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("dmd exited", slog.Any("err", err))
		os.Exit(1)
	}
}

// loadConfig reads path when it exists, falling back to defaults, then
// applies DM_* overrides and validates.
func loadConfig(path string) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if _, err := os.Stat(path); err == nil {
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	config.ApplyEnvOverrides(cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting dmd",
		"version", version.Version,
		"commit", version.Commit,
	)

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	a.orch.Start(ctx)

	errCh := make(chan error, 1)
	go func() { errCh <- a.srv.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		if err != nil {
			logger.Error("server stopped", slog.Any("err", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	closeErr := a.close(shutdownCtx)
	if tErr := shutdownTracing(shutdownCtx); tErr != nil {
		logger.Warn("tracing shutdown", slog.Any("err", tErr))
	}
	logger.Info("shutdown complete")
	return errors.Join(err, closeErr)
}
