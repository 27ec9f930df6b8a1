// Command foremand is the Foreman server daemon. It coordinates coding-agent
// task threads between web clients and the external runner.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/GoCodeAlone/foreman/config"
	"github.com/GoCodeAlone/foreman/internal/version"
	"github.com/GoCodeAlone/foreman/runner"
	"github.com/GoCodeAlone/foreman/server"
	"github.com/GoCodeAlone/foreman/thread"
)

var configPath = flag.String("config", "foreman.yaml", "path to config file")

func main() {
	flag.Parse()

	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configPath); err == nil {
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config %s: %v", *configPath, err)
		}
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))

	logger.Info("starting foremand",
		"version", version.Version,
		"commit", version.Commit,
	)

	store, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close() //nolint:errcheck

	rc := runner.NewClient(cfg.Runner.URL, cfg.Runner.Token,
		runner.WithLogger(logger),
		runner.WithTimeouts(cfg.Runner.DispatchTimeout, cfg.Runner.CancelTimeout),
	)
	if !rc.Configured() {
		logger.Warn("no runner URL configured, new threads will stay pending")
	}

	srv := server.New(*cfg, version.Version, logger)
	srv.SetStore(store)
	srv.SetRunner(rc)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		log.Fatalf("Server error: %v", err)
	case <-sigCh:
	}

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		logger.Error("server stop error", "error", err)
	}
}

func openStore(cfg *config.Config) (thread.Store, error) {
	switch cfg.Storage.Driver {
	case "", "sqlite":
		return thread.NewSQLiteStore(cfg.Storage.Path)
	case "postgres":
		return thread.NewPGStore(context.Background(), cfg.Storage.DSN)
	default:
		return nil, errors.New("unknown storage driver " + cfg.Storage.Driver)
	}
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
