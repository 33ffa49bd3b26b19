package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ent0n29/avatarcore/internal/avatars"
	"github.com/ent0n29/avatarcore/internal/capability"
	"github.com/ent0n29/avatarcore/internal/config"
	"github.com/ent0n29/avatarcore/internal/httpapi"
	"github.com/ent0n29/avatarcore/internal/observability"
	"github.com/ent0n29/avatarcore/internal/orchestrator"
)

const avatarCacheSize = 512

type BuildResult struct {
	Config  config.Config
	API     *httpapi.Server
	Engine  *orchestrator.Engine
	Metrics *observability.Metrics
	Tracer  *observability.Tracer

	// Cleanup should be called on shutdown to release external resources (avatar DB, trace exporter).
	Cleanup func(ctx context.Context) error
}

func Build(ctx context.Context, cfg config.Config, version string, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	tracer, err := observability.NewTracer(ctx, cfg.Tracing(version))
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	store, err := avatars.NewStore(ctx, cfg.AvatarStoreURL)
	if err != nil {
		_ = tracer.Shutdown(ctx)
		return nil, fmt.Errorf("avatar store init failed: %w", err)
	}
	cached := avatars.NewCachedStore(store, avatarCacheSize, cfg.AvatarCacheTTL)

	caps, err := capability.NewSet(cfg.Capabilities())
	if err != nil {
		_ = cached.Close()
		_ = tracer.Shutdown(ctx)
		return nil, fmt.Errorf("capability init failed: %w", err)
	}

	engine, err := orchestrator.New(cfg.Engine(), orchestrator.Deps{
		Capabilities: caps,
		Avatars:      cached,
		Logger:       logger,
		Metrics:      metrics,
		Tracer:       tracer,
	})
	if err != nil {
		_ = cached.Close()
		_ = tracer.Shutdown(ctx)
		return nil, fmt.Errorf("engine init failed: %w", err)
	}

	api := httpapi.New(cfg, engine, metrics, logger)

	cleanup := func(ctx context.Context) error {
		engine.Stop()
		return errors.Join(cached.Close(), tracer.Shutdown(ctx))
	}

	return &BuildResult{
		Config:  cfg,
		API:     api,
		Engine:  engine,
		Metrics: metrics,
		Tracer:  tracer,
		Cleanup: cleanup,
	}, nil
}
