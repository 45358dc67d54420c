package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-visit-sync/internal/cache"
	appconfig "github.com/wolfman30/clinic-visit-sync/internal/config"
	"github.com/wolfman30/clinic-visit-sync/internal/observability/metrics"
	"github.com/wolfman30/clinic-visit-sync/internal/visitapi"
	"github.com/wolfman30/clinic-visit-sync/internal/visitsync"
	"github.com/wolfman30/clinic-visit-sync/pkg/logging"
)

// Engine bundles the wired sync engine and the resources it owns.
type Engine struct {
	Coordinator *visitsync.Coordinator
	Store       *cache.Store
	Metrics     *metrics.SyncMetrics
	Registry    *prometheus.Registry
	Redis       *redis.Client
	Logger      *logging.Logger
}

// Close releases the engine's resources.
func (e *Engine) Close() error {
	if e == nil {
		return nil
	}
	e.Store.Wait()
	if e.Redis != nil {
		return e.Redis.Close()
	}
	return nil
}

// EngineOptions overrides parts of the wiring, mostly for tests.
type EngineOptions struct {
	// Service replaces the HTTP client for the remote visit service.
	Service visitsync.VisitService
	// Gate replaces the configured role gate.
	Gate visitsync.RoleGate
}

// BuildEngine wires the entity store, the remote service client, the role
// gate and the mutation coordinator from cfg.
func BuildEngine(ctx context.Context, cfg *appconfig.Config, logger *logging.Logger, opts EngineOptions) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bootstrap: config is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	registry := prometheus.NewRegistry()
	syncMetrics := metrics.NewSyncMetrics(registry)

	store := cache.New(cache.Options{
		StaleAfter: cfg.CacheStaleAfter,
		StaleAfterByPrefix: map[string]time.Duration{
			visitsync.DashboardKeyPrefix: cfg.DashboardStaleAfter,
			visitsync.DoctorsKey:         cfg.DoctorsStaleAfter,
		},
		Logger:  logger,
		Metrics: syncMetrics,
	})

	service := opts.Service
	if service == nil {
		service = visitapi.NewClient(visitapi.Config{
			BaseURL: cfg.VisitAPIBaseURL,
			Token:   cfg.VisitAPIToken,
			Timeout: cfg.VisitAPITimeout,
			Metrics: syncMetrics,
		}, logger)
	}

	var redisClient *redis.Client
	gate := opts.Gate
	if gate == nil {
		if cfg.RoleGate == RoleGateRedis {
			redisClient = BuildRedisClient(ctx, cfg, logger, true)
		}
		var err error
		gate, err = BuildRoleGate(cfg, cmdable(redisClient), logger)
		if err != nil {
			if redisClient != nil {
				_ = redisClient.Close()
			}
			return nil, err
		}
	}

	coordinator, err := visitsync.New(visitsync.Options{
		Store:          store,
		Service:        service,
		Gate:           gate,
		Logger:         logger,
		Metrics:        syncMetrics,
		RequestTimeout: cfg.VisitAPITimeout,
	})
	if err != nil {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil, err
	}

	return &Engine{
		Coordinator: coordinator,
		Store:       store,
		Metrics:     syncMetrics,
		Registry:    registry,
		Redis:       redisClient,
		Logger:      logger,
	}, nil
}

// cmdable keeps a nil *redis.Client from becoming a non-nil interface.
func cmdable(c *redis.Client) redis.Cmdable {
	if c == nil {
		return nil
	}
	return c
}
