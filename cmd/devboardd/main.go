package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/g960059/devboard/internal/config"
	"github.com/g960059/devboard/internal/convo"
	"github.com/g960059/devboard/internal/daemon"
	"github.com/g960059/devboard/internal/engine"
	"github.com/g960059/devboard/internal/history"
	"github.com/g960059/devboard/internal/session"
)

func main() {
	cfg := config.DefaultConfig()
	configPath := flag.String("config", "", "YAML config file")
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "UDS path for devboardd")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite path for run history")
	logLevel := flag.String("log-level", "info", "log level (debug|info|warn|error)")
	flag.Parse()

	logger := newLogger(*logLevel)

	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath, cfg)
		if err != nil {
			fatal(err)
		}
		cfg = loaded
		// Flags win over the config file when both are set.
		flag.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "socket":
				cfg.SocketPath = f.Value.String()
			case "db":
				cfg.DBPath = f.Value.String()
			}
		})
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := history.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer store.Close() //nolint:errcheck

	if err := history.ApplyMigrations(ctx, store.DB()); err != nil {
		fatal(err)
	}

	convos := convo.NewRegistry()
	engines := engine.DefaultRegistry()
	metrics := daemon.NewMetrics()
	sessions := session.NewRegistry(cfg, session.Deps{
		Convos:   convos,
		Engines:  engines,
		Archiver: store,
		Observer: metrics,
		Logger:   logger,
	})
	metrics.ObserveSessions(sessions)

	startEvictionLoop(ctx, sessions, cfg, logger)
	startRetentionLoop(ctx, store, cfg, logger)

	srv := daemon.NewServer(cfg, daemon.Deps{
		Sessions: sessions,
		Convos:   convos,
		Engines:  engines,
		Store:    store,
		Metrics:  metrics,
		Logger:   logger,
	})
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

// startEvictionLoop drops finished sessions once their retention window ends
// so late dashboard subscribers have a bounded replay horizon.
func startEvictionLoop(ctx context.Context, sessions *session.Registry, cfg config.Config, logger *slog.Logger) {
	interval := cfg.EvictionInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := sessions.EvictExpired(time.Now().UTC()); n > 0 {
					logger.Debug("evicted finished sessions", "count", n)
				}
			}
		}
	}()
}

func startRetentionLoop(ctx context.Context, store *history.Store, cfg config.Config, logger *slog.Logger) {
	run := func() {
		cutoff := time.Now().UTC().Add(-cfg.HistoryRetention)
		n, err := store.PruneBefore(ctx, cutoff)
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("history retention prune failed", "err", err)
			return
		}
		if n > 0 {
			logger.Info("pruned archived runs", "count", n)
		}
	}

	run()
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func fatal(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "devboardd: %v\n", err)
	os.Exit(1)
}
