package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/blackmichael/campusfeed/internal/auth"
	"github.com/blackmichael/campusfeed/internal/config"
	"github.com/blackmichael/campusfeed/internal/domain"
	"github.com/blackmichael/campusfeed/internal/httpserver"
	"github.com/blackmichael/campusfeed/internal/logging"
	"github.com/blackmichael/campusfeed/internal/sqlite"
	"github.com/blackmichael/campusfeed/internal/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)

	// Set up graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, "campusfeed-server", cfg.OTLPEndpoint)
	if err != nil {
		return fmt.Errorf("set up tracing: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Error("error flushing traces", "error", err)
		}
	}()

	repo, err := sqlite.NewRepository(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("create repository: %w", err)
	}
	defer repo.Close()
	logger.Info("opened database", "path", cfg.DatabasePath)

	// Safety net for posts that reached the threshold without being removed
	moderation := domain.NewModerationService(repo, cfg.StrikeThreshold, logging.WithComponent(logger, "moderation"))
	go moderation.StartSweepJob(ctx, cfg.SweepInterval)

	if cfg.TokenSecret == "" {
		logger.Warn("no token secret configured, live endpoint is open")
	}
	authenticator := auth.NewAuthenticator(cfg.TokenSecret, cfg.AdminEmails)

	server := httpserver.NewServer(cfg, repo, authenticator, logging.WithComponent(logger, "http"))
	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	logger.Info("server started", "port", cfg.Port, "hostname", cfg.Hostname)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", "error", err)
	}

	return nil
}
