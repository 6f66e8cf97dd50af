package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/topiclane/internal/app"
	"github.com/ent0n29/topiclane/internal/config"
	"github.com/ent0n29/topiclane/internal/logging"
	"github.com/ent0n29/topiclane/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.Error("topiclane exited", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, cfg.TracingEndpoint, cfg.TracingInsecure)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	built, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("topiclane starting",
		"bind_addr", cfg.BindAddr,
		"store_mode", built.StoreMode,
		"sender_mode", cfg.MessageSenderMode,
		"auto_activate", cfg.AutoActivateOwners,
		"auth", cfg.AuthJWTSecret != "",
		"tracing", cfg.TracingEndpoint != "",
	)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	built.Topics.StartJanitor(gctx, 5*time.Second)

	g.Go(func() error {
		return built.Drive.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("server listening", "addr", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", "error", err)
			_ = httpServer.Close()
		}
		return nil
	})

	runErr := g.Wait()
	if err := built.Cleanup(); err != nil {
		logger.Warn("cleanup failed", "error", err)
	}
	return runErr
}
