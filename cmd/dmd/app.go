package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"github.com/GoCodeAlone/dungeonmaster/agents"
	"github.com/GoCodeAlone/dungeonmaster/archive"
	"github.com/GoCodeAlone/dungeonmaster/bridge"
	"github.com/GoCodeAlone/dungeonmaster/comms"
	"github.com/GoCodeAlone/dungeonmaster/config"
	"github.com/GoCodeAlone/dungeonmaster/internal/version"
	"github.com/GoCodeAlone/dungeonmaster/orchestrator"
	"github.com/GoCodeAlone/dungeonmaster/server"
)

// app owns every long-lived component of the daemon.
type app struct {
	logger *slog.Logger
	store  *archive.SQLiteStore
	redis  *redis.Client
	orch   *orchestrator.Orchestrator
	srv    *server.Server
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{logger: logger}
	defer func() {
		if err != nil {
			a.close(context.Background()) //nolint:errcheck
		}
	}()

	sinks, err := a.openArchive(ctx, cfg.Archive)
	if err != nil {
		return nil, err
	}

	busOpts := []comms.Option{
		comms.WithLogger(logger),
		comms.WithMaxHistory(cfg.Bus.MaxHistory),
		comms.WithJoinTimeout(cfg.Bus.JoinTimeout),
	}
	if cfg.Bus.QueueLimit > 0 {
		busOpts = append(busOpts, comms.WithQueueLimit(cfg.Bus.QueueLimit, cfg.Bus.QueuePolicy))
	}
	if len(sinks) > 0 {
		busOpts = append(busOpts, comms.WithArchiver(sinks))
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithTickInterval(cfg.Orchestrator.TickInterval),
		orchestrator.WithEventWindow(cfg.Orchestrator.EventWindow),
		orchestrator.WithCommandTimeout(cfg.Orchestrator.CommandTimeout),
		orchestrator.WithIntents(cfg.Intents),
	}
	if cfg.Bridge.URL != "" {
		hb := bridge.NewHTTPBridge(bridge.HTTPConfig{
			URL:     cfg.Bridge.URL,
			Token:   cfg.Bridge.Token,
			Timeout: cfg.Bridge.Timeout,
		})
		orchOpts = append(orchOpts, orchestrator.WithBridge(bridge.NewBreaker(hb.Name(), hb, bridge.BreakerConfig{
			MaxFailures: cfg.Bridge.MaxFailures,
			OpenTimeout: cfg.Bridge.OpenTimeout,
		}, logger)))
		logger.Info("command bridge enabled", slog.String("url", cfg.Bridge.URL))
	}
	a.orch = orchestrator.New(comms.NewBus(busOpts...), orchOpts...)

	built, err := agents.Build(cfg.Agents.Enabled, logger)
	if err != nil {
		return nil, err
	}
	for _, ag := range built {
		if err := a.orch.Register(ag); err != nil {
			return nil, fmt.Errorf("register %s: %w", ag.ID(), err)
		}
	}

	for _, s := range cfg.Schedules {
		if err := a.orch.ScheduleBroadcast(orchestrator.ScheduledBroadcast{
			Name:   s.Name,
			Spec:   s.Spec,
			Action: s.Action,
			Data:   comms.Payload(s.Data),
		}); err != nil {
			return nil, err
		}
	}

	a.srv = server.New(*cfg, a.orch, version.Version, logger)
	if a.store != nil {
		a.srv.SetArchive(a.store)
	}
	return a, nil
}

// openArchive opens the configured archive sinks. An unreachable Redis is
// logged and skipped; a broken SQLite path is fatal.
func (a *app) openArchive(ctx context.Context, cfg config.ArchiveConfig) (archive.Multi, error) {
	var sinks archive.Multi

	if cfg.SQLitePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o750); err != nil {
			return nil, fmt.Errorf("create archive dir: %w", err)
		}
		store, err := archive.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		a.store = store
		if cfg.Keep > 0 {
			n, err := store.Prune(ctx, cfg.Keep)
			if err != nil {
				return nil, err
			}
			a.logger.Info("archive pruned", slog.Int64("removed", n), slog.Int("keep", cfg.Keep))
		}
		sinks = append(sinks, store)
	}

	if cfg.RedisURL != "" {
		client, err := archive.OpenRedis(ctx, cfg.RedisURL)
		switch {
		case errors.Is(err, archive.ErrUnavailable):
			a.logger.Warn("redis mirror disabled", slog.Any("err", err))
		case err != nil:
			return nil, err
		default:
			a.redis = client
			sinks = append(sinks, archive.NewRedisMirror(client, cfg.RedisKey, cfg.RedisMax, a.logger))
		}
	}
	return sinks, nil
}

// close stops the server and orchestrator, then releases storage.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.srv != nil {
		errs = append(errs, a.srv.Stop(ctx))
	}
	if a.orch != nil {
		a.orch.Stop()
	}
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
