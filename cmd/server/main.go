package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "go.uber.org/automaxprocs"

	"github.com/example/storymap-studio/internal/auth"
	"github.com/example/storymap-studio/internal/blob"
	"github.com/example/storymap-studio/internal/broadcast"
	"github.com/example/storymap-studio/internal/config"
	"github.com/example/storymap-studio/internal/observability"
	"github.com/example/storymap-studio/internal/site"
	"github.com/example/storymap-studio/internal/storage"
	"github.com/example/storymap-studio/internal/studio"
	"github.com/example/storymap-studio/internal/types"
	"github.com/example/storymap-studio/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := log.With().Str("app", cfg.AppName).Logger()
	observability.RegisterRuntimeCollectors()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetryShutdown, err := observability.Start(ctx, observability.Config{
		ServiceName:  cfg.AppName,
		MetricsAddr:  cfg.MetricsAddr,
		OTLPEndpoint: cfg.OTLPEndpoint,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer telemetryShutdown(context.Background())

	resources, err := config.NewResources(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize resources")
	}
	defer resources.Close()

	if cfg.MigrateOnStart {
		version, err := storage.Migrate(ctx, resources.Postgres)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to apply migrations")
		}
		logger.Info().Uint("version", version).Msg("schema migrated")
	}

	db := storage.NewDB(resources.Postgres)
	sites := storage.NewSiteStore(db)
	checkpoints := storage.NewCheckpointStore(db)
	memories := storage.NewMemoryStore(db)

	objects := blob.NewStore(resources.Object, cfg.ObjectBucket, cfg.ObjectPublicURL)
	uploader := blob.NewUploader(objects, cfg.UploadConcurrency, cfg.MaxUploadBytes)

	broadcaster := broadcast.NewRedisBroadcaster(resources.Redis, logger)
	registry := ws.NewConnectionRegistry()

	// The hub and the site service reference each other: uploads go through
	// the hub and the hub reports persisted changes to the site service.
	notifier := &changeNotifier{}
	hub := studio.NewHub(ctx, studio.Deps{
		Checkpoints: checkpoints,
		Memories:    memories,
		Blobs:       objects,
		Fanout:      registry,
		Notifier:    notifier,
	}, studio.Config{
		FieldDelay:   cfg.AutosaveDelay,
		ReorderDelay: cfg.ReorderDelay,
		WriteTimeout: cfg.WriteTimeout,
	}, logger.With().Str("component", "studio").Logger())

	siteSvc := site.NewService(site.Deps{
		Sites:       sites,
		Checkpoints: checkpoints,
		Memories:    memories,
		Blobs:       objects,
		Uploader:    uploader,
		Adder:       hub,
		Publisher:   broadcaster,
	}, site.Config{CacheSize: cfg.SiteCacheSize}, logger.With().Str("component", "site").Logger())
	notifier.svc = siteSvc

	broadcaster.Subscribe(siteSvc.Invalidate)
	broadcaster.Start(ctx)

	gateway, err := ws.NewGateway(ws.AuthFunc(func(r *http.Request) (ws.ClientIdentity, error) {
		user, ok := auth.UserID(r.Context())
		if !ok {
			return ws.ClientIdentity{}, auth.ErrUnauthorized
		}
		owned, err := sites.GetByUser(r.Context(), user)
		if errors.Is(err, storage.ErrNotFound) {
			return ws.ClientIdentity{}, ws.ErrForbidden
		}
		if err != nil {
			return ws.ClientIdentity{}, err
		}
		return ws.ClientIdentity{
			ClientID: r.URL.Query().Get("client_id"),
			UserID:   user,
			SiteID:   owned.ID,
		}, nil
	}), registry, logger.With().Str("component", "gateway").Logger(), studio.NewHandler(hub, logger).Hooks(), ws.GatewayConfig{
		MessagesPerSecond: cfg.StudioRateLimit,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build gateway")
	}

	verifier := auth.NewVerifier(cfg.JWTSecret)
	handler := site.NewHTTPHandler(siteSvc, verifier, gateway, site.HTTPConfig{
		MaxUploadBytes: cfg.MaxRequestBytes,
		Health:         resources.HealthCheck,
	}, logger.With().Str("component", "http").Logger())
	httpServer := &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("http server starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	sweeper := blob.NewSweeper(objects, memories, cfg.SweepInterval, cfg.SweepGrace, logger.With().Str("component", "sweeper").Logger())
	sweeper.Start(ctx)

	logger.Info().Msg("server dependencies initialized")

	go func() {
		ticker := time.NewTicker(cfg.HealthcheckProbe)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := resources.HealthCheck(context.Background()); err != nil {
					logger.Error().Err(err).Msg("dependency healthcheck failed")
				} else {
					logger.Debug().Int("studio_connections", registry.Total()).Msg("dependency healthcheck ok")
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Stop accepting requests, then flush every studio session before the
		// pools they write through are closed.
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown incomplete")
		}
		registry.CloseAll()
		if err := hub.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("studio sessions not flushed")
		}
		siteSvc.Close()
		resources.Close()
	}()

	select {
	case <-done:
		logger.Info().Msg("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Error().Err(shutdownCtx.Err()).Msg("forced shutdown")
	}
}

// changeNotifier forwards studio change notifications to the site service
// once it has been constructed.
type changeNotifier struct {
	svc *site.Service
}

func (n *changeNotifier) Changed(ctx context.Context, id types.SiteID, kind string) {
	if n.svc != nil {
		n.svc.Changed(ctx, id, kind)
	}
}
