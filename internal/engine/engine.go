// Package engine wires the routing engine's components together: it opens
// the stage-1 and stage-2 databases, builds the routing and busy caches,
// constructs the Stage-1/Stage-2 tasks, and registers their handlers on a
// message-bus client, mirroring the composition role the teacher's
// cmd/flowpbx/main.go plays for the SIP server.
package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/eventphone/routingengine/internal/bus"
	"github.com/eventphone/routingengine/internal/cache"
	"github.com/eventphone/routingengine/internal/config"
	"github.com/eventphone/routingengine/internal/database"
	"github.com/eventphone/routingengine/internal/debugapi"
	"github.com/eventphone/routingengine/internal/retry"
	"github.com/eventphone/routingengine/internal/stage1"
	"github.com/eventphone/routingengine/internal/stage2"
)

// Engine owns the open resources (databases, Redis client) that must be
// closed on shutdown.
type Engine struct {
	cfg *config.Config

	stage1DB *database.DB
	stage2DB *database.DB
	redis    *redis.Client

	switchHosts database.SwitchHostRepository

	Stage1Task *stage1.Task
	Stage2Task *stage2.Task
	CDRHandler *cache.CDRHandler
	BusyCache  cache.BusyCache
	Recorder   *debugapi.Recorder

	logger *slog.Logger
}

// New opens both databases and the optional Redis client, builds the caches
// and repositories per cfg, and constructs the Stage-1/Stage-2 tasks. It does
// not register any bus handlers yet — call Register for that, once a real
// bus.Client is available.
func New(ctx context.Context, cfg *config.Config, client bus.Client, logger *slog.Logger) (*Engine, error) {
	stage1DB, err := database.Open(ctx, cfg.DatabaseDSN, database.ScopeStage1)
	if err != nil {
		return nil, fmt.Errorf("opening stage-1 database: %w", err)
	}

	stage2DB, err := database.Open(ctx, cfg.Stage2DatabaseDSN, database.ScopeStage2)
	if err != nil {
		stage1DB.Close()
		return nil, fmt.Errorf("opening stage-2 database: %w", err)
	}

	var redisClient *redis.Client
	if cfg.RoutingCacheImpl == "redis" || cfg.BusyCacheImpl == "redis" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			stage1DB.Close()
			stage2DB.Close()
			return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
		}
	}

	routingCache, err := buildRoutingCache(cfg, redisClient)
	if err != nil {
		stage1DB.Close()
		stage2DB.Close()
		return nil, err
	}

	busyCache, err := buildBusyCache(cfg, redisClient)
	if err != nil {
		stage1DB.Close()
		stage2DB.Close()
		return nil, err
	}

	extensions := database.NewExtensionRepository(stage1DB)
	switchHosts := database.NewSwitchHostRepository(stage1DB)
	users := database.NewUserRepository(stage2DB)
	registrations := database.NewRegistrationRepository(stage2DB)
	activeCalls := database.NewActiveCallRepository(stage2DB)

	dbRetryPolicy := retry.NewPolicy(cfg.DBRetryCount, cfg.DBRetryWait())
	limiter := stage1.NewConnectionRateLimiter(cfg.UntrustedRateLimitRPS, cfg.UntrustedRateLimitBurst)

	stage1Cfg := stage1.Config{
		LocalSwitchHostID:       cfg.LocalSwitchHostID,
		InternalTrustedListener: cfg.InternalTrustedListener,
		RingbackTopDirectory:    cfg.RingbackTopDirectory,
		MaxDiscoveryDepth:       cfg.MaxDiscoveryDepth,
		CacheObjectLifetime:     cfg.CacheObjectLifetime,
		RetryPolicy:             dbRetryPolicy,
	}
	stage1Task := stage1.NewTask(stage1Cfg, client, extensions, routingCache, limiter, logger)

	recorder := debugapi.NewRecorder(50)
	stage1Task.SetRecorder(recorder.Record)

	stage2Cfg := stage2.Config{RetryPolicy: dbRetryPolicy}
	stage2Task := stage2.NewTask(stage2Cfg, client, users, registrations, activeCalls, busyCache, logger)

	cdrHandler := cache.NewCDRHandler(busyCache, logger)

	hosts, err := switchHosts.LoadAll(ctx)
	if err != nil {
		stage1DB.Close()
		stage2DB.Close()
		return nil, fmt.Errorf("loading switch hosts: %w", err)
	}
	stage1Task.SetSwitchHosts(hosts)

	return &Engine{
		cfg:         cfg,
		stage1DB:    stage1DB,
		stage2DB:    stage2DB,
		redis:       redisClient,
		switchHosts: switchHosts,
		Stage1Task:  stage1Task,
		Stage2Task:  stage2Task,
		CDRHandler:  cdrHandler,
		BusyCache:   busyCache,
		Recorder:    recorder,
		logger:      logger.With("component", "engine"),
	}, nil
}

// Register installs every handler (Stage-1, Stage-2, Busy Cache) on client.
func (e *Engine) Register(client bus.Client) error {
	if err := e.Stage1Task.Register(client); err != nil {
		return fmt.Errorf("registering stage1 handler: %w", err)
	}
	if err := e.Stage2Task.Register(client); err != nil {
		return fmt.Errorf("registering stage2 handler: %w", err)
	}
	if err := e.CDRHandler.Register(client); err != nil {
		return fmt.Errorf("registering busy cache handler: %w", err)
	}
	return nil
}

// RefreshSwitchHosts reloads the switch-host table and hands it to the
// Stage-1 task, picking up any host added or renamed since startup without
// a restart.
func (e *Engine) RefreshSwitchHosts(ctx context.Context) error {
	hosts, err := e.switchHosts.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("reloading switch hosts: %w", err)
	}
	e.Stage1Task.SetSwitchHosts(hosts)
	return nil
}

// Close releases the engine's open resources. Safe to call once, after all
// in-flight tasks have finished.
func (e *Engine) Close() error {
	var firstErr error
	if err := e.stage1DB.Close(); err != nil {
		firstErr = err
	}
	if err := e.stage2DB.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if e.redis != nil {
		if err := e.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func buildRoutingCache(cfg *config.Config, redisClient *redis.Client) (cache.RoutingCache, error) {
	switch cfg.RoutingCacheImpl {
	case "memory":
		return cache.NewMemoryRoutingCache(), nil
	case "redis":
		return cache.NewRedisRoutingCache(redisClient, "routingengine:"), nil
	default:
		return nil, fmt.Errorf("unknown routing-cache-impl %q", cfg.RoutingCacheImpl)
	}
}

func buildBusyCache(cfg *config.Config, redisClient *redis.Client) (cache.BusyCache, error) {
	switch cfg.BusyCacheImpl {
	case "memory":
		return cache.NewMemoryBusyCache(), nil
	case "redis":
		return cache.NewRedisBusyCache(redisClient, "routingengine:"), nil
	default:
		return nil, fmt.Errorf("unknown busy-cache-impl %q", cfg.BusyCacheImpl)
	}
}
