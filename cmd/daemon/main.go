package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vulgatecnn/vidcompose/internal/api"
	"github.com/vulgatecnn/vidcompose/internal/config"
	xclog "github.com/vulgatecnn/vidcompose/internal/log"
	"github.com/vulgatecnn/vidcompose/internal/media"
	"github.com/vulgatecnn/vidcompose/internal/store"
	"github.com/vulgatecnn/vidcompose/internal/task"
	"github.com/vulgatecnn/vidcompose/internal/worker"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	xclog.Configure(xclog.Config{
		Level:   cfg.LogLevel,
		Service: "vidcompose",
	})
	logger := xclog.WithComponent("daemon")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.OutputRoot, 0o755); err != nil {
		logger.Fatal().Err(err).Str("path", cfg.OutputRoot).Msg("failed to create output root")
	}

	repo, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open task repository")
	}
	defer func() { _ = repo.Close() }()

	mgr := task.NewManager(repo, task.Options{
		MaxConcurrentWorkers: cfg.MaxConcurrentWorkers,
		WorkerTimeout:        cfg.WorkerTimeout,
		SweepInterval:        cfg.StaleSweepInterval,
	}, xclog.WithComponent("task-manager"))

	encoder := &media.FFmpegEncoder{
		Bin: cfg.FFmpegBin,
		Log: xclog.WithComponent("ffmpeg"),
	}
	composer := worker.New(mgr, repo, encoder, repo, cfg.OutputRoot)

	server := api.New(cfg, mgr, repo, composer.Work)
	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("listen", cfg.Listen).Str("version", version).Msg("http server starting")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if err := mgr.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("task manager shutdown incomplete")
	}
	logger.Info().Msg("daemon stopped")
}
