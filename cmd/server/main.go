// Sharewatch - Media Server Account Sharing Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sharewatch

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/sharewatch/internal/api"
	"github.com/tomtom215/sharewatch/internal/cache"
	"github.com/tomtom215/sharewatch/internal/config"
	"github.com/tomtom215/sharewatch/internal/database"
	"github.com/tomtom215/sharewatch/internal/detection"
	"github.com/tomtom215/sharewatch/internal/events"
	"github.com/tomtom215/sharewatch/internal/geoip"
	"github.com/tomtom215/sharewatch/internal/inactivity"
	"github.com/tomtom215/sharewatch/internal/logging"
	"github.com/tomtom215/sharewatch/internal/mediaserver"
	"github.com/tomtom215/sharewatch/internal/poller"
	"github.com/tomtom215/sharewatch/internal/supervisor"
	"github.com/tomtom215/sharewatch/internal/supervisor/services"
	"github.com/tomtom215/sharewatch/internal/violation"
	ws "github.com/tomtom215/sharewatch/internal/websocket"
)

func main() {
	cfg, err := config.LoadWithKoanf()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Error().Err(err).Msg("Sharewatch exited with error")
		stop()
		os.Exit(1)
	}
	logging.Info().Msg("Sharewatch stopped")
}

//nolint:gocyclo // sequential component wiring
func run(ctx context.Context, cfg *config.Config) error {
	servers := cfg.AllServers()
	logging.Info().
		Int("servers", len(servers)).
		Str("db_path", cfg.Database.Path).
		Str("cache_backend", cfg.Cache.Backend).
		Bool("nats_enabled", cfg.NATS.Enabled).
		Msg("Starting Sharewatch with supervisor tree")

	db, err := database.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing database")
		}
	}()

	if err := seedDefaultRules(ctx, db); err != nil {
		return err
	}

	store, err := cache.NewStore(ctx, &cfg.Cache)
	if err != nil {
		return fmt.Errorf("initialize cache: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing cache")
		}
	}()
	locker := newLocker(store, &cfg.Cache)
	active := cache.NewActiveSessions(store, cfg.Cache.KeyPrefix)

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.TreeConfigFromConfig(cfg.Supervisor))
	if err != nil {
		return fmt.Errorf("create supervisor tree: %w", err)
	}

	busURL := ""
	if cfg.NATS.Enabled {
		busURL = cfg.NATS.URL
		if cfg.NATS.Embedded {
			ns, err := events.NewEmbeddedServer(cfg.NATS.EmbeddedHost, cfg.NATS.EmbeddedPort)
			if err != nil {
				return fmt.Errorf("start embedded NATS: %w", err)
			}
			busURL = ns.ClientURL()
			tree.AddMessagingService(services.NewNATSServerService(ns, cfg.Supervisor.ShutdownTimeout))
		}
	}
	bus, err := events.NewBus(events.Options{URL: busURL, TopicPrefix: cfg.NATS.TopicPrefix})
	if err != nil {
		return fmt.Errorf("create event bus: %w", err)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing event bus")
		}
	}()

	registry, err := mediaserver.NewRegistry(servers)
	if err != nil {
		return fmt.Errorf("create media server adapters: %w", err)
	}

	resolver := geoip.NewResolver(cfg.GeoIP)
	if p, ok := resolver.(*geoip.IPAPIProvider); ok {
		defer p.Close()
	}

	pipeline := violation.New(db, locker,
		violation.WithPublisher(bus),
		violation.WithNotifier(bus),
		violation.WithStreamKiller(registry),
	)
	defer pipeline.Wait()

	poll := poller.New(cfg.Poller, db, registry, active, pipeline,
		poller.WithPublisher(bus),
		poller.WithGeoResolver(resolver),
	)
	if err := poll.RegisterServers(ctx, servers); err != nil {
		return fmt.Errorf("register media servers: %w", err)
	}
	tree.AddDetectionService(poll)

	var inactivityTrigger api.InactivityTrigger
	if cfg.Inactivity.Enabled {
		scheduler := inactivity.New(cfg.Inactivity, db, pipeline)
		tree.AddDetectionService(scheduler)
		inactivityTrigger = scheduler
	} else {
		logging.Info().Msg("Inactivity checks disabled")
	}

	hub := ws.NewHub()
	tree.AddMessagingService(hub)
	tree.AddMessagingService(ws.NewRelay(hub, bus, bus.EventsTopic()))

	handler := api.NewHandler(db, poll, inactivityTrigger)
	router := api.NewRouter(handler,
		api.NewChiMiddleware(api.MiddlewareConfigFromHTTP(cfg.HTTP)),
		ws.Handler(hub, cfg.HTTP.CORSOrigins),
	)
	addr := cfg.HTTP.Addr()
	httpServer := services.NewHTTPServer(addr, router.SetupChi())
	tree.AddAPIService(services.NewHTTPServerService(httpServer, addr, cfg.Supervisor.ShutdownTimeout))

	logging.Info().Str("addr", addr).Msg("Supervisor tree starting")
	err = tree.Serve(ctx)
	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("supervisor tree: %w", err)
	}
	return nil
}

// seedDefaultRules installs the default rule set into an empty store.
func seedDefaultRules(ctx context.Context, db *database.DB) error {
	seeded, err := db.SeedRules(ctx, detection.DefaultRules())
	if err != nil {
		return fmt.Errorf("seed default rules: %w", err)
	}
	if seeded > 0 {
		logging.Info().Int("rules", seeded).Msg("Seeded default detection rules")
	}
	return nil
}

// newLocker shares the Redis connection when Redis backs the cache; a
// single-process deployment uses in-memory locks.
func newLocker(store cache.Store, cfg *config.CacheConfig) cache.Locker {
	if rs, ok := store.(*cache.RedisStore); ok {
		return cache.NewRedisLocker(rs.Client(), cfg.KeyPrefix, cfg.LockTTL)
	}
	return cache.NewLocalLocker()
}
