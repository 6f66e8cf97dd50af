package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ent0n29/topiclane/internal/activation"
	"github.com/ent0n29/topiclane/internal/config"
	"github.com/ent0n29/topiclane/internal/drive"
	"github.com/ent0n29/topiclane/internal/events"
	"github.com/ent0n29/topiclane/internal/httpapi"
	"github.com/ent0n29/topiclane/internal/lanes"
	"github.com/ent0n29/topiclane/internal/messaging"
	"github.com/ent0n29/topiclane/internal/observability"
	"github.com/ent0n29/topiclane/internal/ratelimit"
	"github.com/ent0n29/topiclane/internal/todoexec"
	"github.com/ent0n29/topiclane/internal/todos"
	"github.com/ent0n29/topiclane/internal/topics"
)

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Store      todos.ObservableStore
	StoreMode  string
	Activation *activation.Set
	Bus        *events.Bus
	Lanes      *lanes.Registry
	Topics     *topics.Tracker
	Limiter    *ratelimit.Limiter
	Executor   *todoexec.Executor
	Drive      *drive.Loop
	Metrics    *observability.Metrics
	Logger     *slog.Logger

	// Cleanup should be called on shutdown after the drive loop has stopped.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	return build(ctx, cfg, logger, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

func build(ctx context.Context, cfg config.Config, logger *slog.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetricsWith(cfg.MetricsNamespace, reg, gatherer)

	store, storeMode, err := todos.Open(ctx, todos.Options{
		DatabaseURL: cfg.DatabaseURL,
		BoltPath:    cfg.TodoBoltPath,
	})
	if err != nil {
		return nil, fmt.Errorf("todo store init failed: %w", err)
	}
	if n, err := store.RecoverProcessing(ctx); err != nil {
		logger.Warn("recover processing todos failed", "error", err)
	} else if n > 0 {
		logger.Info("requeued interrupted todos", "count", n)
	}

	limiter := ratelimit.New(cfg.RateLimitPerMinute, cfg.RateLimitBurst)
	sender, err := messaging.NewSender(messaging.Config{
		Mode:    cfg.MessageSenderMode,
		URL:     cfg.MessageSenderURL,
		Timeout: cfg.TodoSendTimeout,
		Blocker: limiter,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("message sender init failed: %w", err)
	}

	bus := events.NewBus(logger)
	registry := lanes.NewRegistry(bus, lanes.Options{TaskTimeout: cfg.LaneTaskTimeout}, logger)
	unwatch := metrics.WatchLanes(bus, registry.ActiveCount)

	tracker := topics.NewTracker(cfg.TopicGenerationTimeout)
	tracker.SetExpireHook(func(g topics.Generation) {
		logger.Warn("topic generation expired", "topic", g.Topic, "turn_id", g.TurnID)
	})

	active := activation.NewSet(cfg.AutoActivateOwners...)

	executor, err := todoexec.New(todoexec.Config{
		BusyRetryDelay:      cfg.TodoBusyRetryDelay,
		RateLimitRetryDelay: cfg.TodoRateLimitRetryDelay,
		SendTimeout:         cfg.TodoSendTimeout,
	}, todoexec.Deps{
		Store:      store,
		Activation: active,
		Sender:     sender,
		Busy:       tracker.Generating,
		RateLimit:  limiter.Limited,
		Lanes:      registry,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		unwatch()
		_ = store.Close()
		return nil, fmt.Errorf("todo executor init failed: %w", err)
	}

	loop := drive.NewLoop(store, active, executor, cfg.DriveResyncInterval, logger)

	api := httpapi.New(cfg, httpapi.Deps{
		Todos:      store,
		Activation: active,
		Lanes:      registry,
		Bus:        bus,
		Topics:     tracker,
		Executor:   executor,
		Metrics:    metrics,
		Logger:     logger,
		StoreMode:  storeMode,
	})

	cleanup := func() error {
		executor.Close()
		registry.ClearAll()
		unwatch()
		var errs []error
		if err := store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close todo store: %w", err))
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Store:      store,
		StoreMode:  storeMode,
		Activation: active,
		Bus:        bus,
		Lanes:      registry,
		Topics:     tracker,
		Limiter:    limiter,
		Executor:   executor,
		Drive:      loop,
		Metrics:    metrics,
		Logger:     logger,
		Cleanup:    cleanup,
	}, nil
}
