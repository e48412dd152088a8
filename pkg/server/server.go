// Package server is the public entry point for assembling the AgentGate
// gateway: storage, cache, lock, services, runner, and HTTP router.
//
// It lives in pkg/ (not internal/) so deployment wrappers can compose the
// gateway with their own agent runtime binding:
//
//	srv, err := server.New(ctx, server.WithAgentFactory(myBinding))
//	http.ListenAndServe(addr, srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agentgate/agentgate/gateway/internal/agent"
	"github.com/agentgate/agentgate/gateway/internal/api"
	"github.com/agentgate/agentgate/gateway/internal/api/handlers"
	"github.com/agentgate/agentgate/gateway/internal/cache"
	"github.com/agentgate/agentgate/gateway/internal/config"
	"github.com/agentgate/agentgate/gateway/internal/mcp"
	"github.com/agentgate/agentgate/gateway/internal/retention"
	"github.com/agentgate/agentgate/gateway/internal/runner"
	"github.com/agentgate/agentgate/gateway/internal/session"
	"github.com/agentgate/agentgate/gateway/internal/store"
	"github.com/agentgate/agentgate/gateway/internal/telemetry"
	"github.com/agentgate/agentgate/gateway/internal/webhook"
	"github.com/agentgate/agentgate/gateway/pkg/contracts"
)

// Server holds the initialized gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the durable store (Postgres in production, in-memory when
	// WithMemoryStore is set).
	Store store.Store

	// Config is the loaded configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc stops the janitor, flushes telemetry, and closes the
	// store and cache. Call it on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// Option customizes server assembly.
type Option func(*options)

type options struct {
	factory contracts.AgentClientFactory
	store   store.Store
	locker  contracts.Locker
	kv      *cache.Cache
}

// WithAgentFactory overrides the agent runtime binding. The default drives
// the configured runtime binary over stdio.
func WithAgentFactory(f contracts.AgentClientFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithMemoryStore uses the in-memory store and lock, for tests and
// dependency-free local runs. Requires WithCache or a reachable redis
// unless the cache is also faked.
func WithMemoryStore() Option {
	return func(o *options) {
		o.store = store.NewMemoryStore()
		o.locker = cache.NewMemoryLocker()
	}
}

// WithCache overrides the cache tier (tests).
func WithCache(c *cache.Cache) Option {
	return func(o *options) { o.kv = c }
}

// New initializes all gateway components and returns a ready Server.
func New(ctx context.Context, opts ...Option) (*Server, error) {
	cfg := config.Load()

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	shutdownTelemetry, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	// Durable store
	dataStore := o.store
	if dataStore == nil {
		pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		dataStore = pg
		log.Info().Msg("Postgres store initialized")
	}

	// Cache tier + lock
	kv := o.kv
	if kv == nil {
		kv, err = cache.New(cfg.Cache.URL)
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		if err := kv.Ping(ctx); err != nil {
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		log.Info().Msg("Redis cache initialized")
	}
	locker := o.locker
	if locker == nil {
		locker = cache.NewRedisLocker(kv, cfg.Lock.Retries, cfg.Lock.BaseDelay)
	}

	// Services
	sessions := session.NewService(dataStore, kv, locker, session.Config{
		CacheTTL: cfg.Cache.SessionTTL,
		LockTTL:  cfg.Lock.TTL,
	})
	validator := &mcp.Validator{AllowPrivateURLs: cfg.MCP.AllowPrivateURLs}
	mcpSvc := mcp.NewService(dataStore, kv, validator, mcp.ServiceConfig{
		CacheTTL:       cfg.Cache.SessionTTL,
		ShareTTL:       cfg.Share.TokenTTL,
		ShareSingleUse: cfg.Share.SingleUse,
	})
	loader := mcp.NewLoader(cfg.MCP.ConfigPath, cfg.MCP.Strict)
	if _, err := loader.Load(); err != nil {
		return nil, fmt.Errorf("load mcp config: %w", err)
	}
	injector := mcp.NewInjector(loader, mcpSvc, validator)

	dispatcher := webhook.NewDispatcher(dataStore, cfg.Webhook.MatchBudget)
	hooks := webhook.NewService(dataStore)

	factory := o.factory
	if factory == nil {
		factory = agent.NewFactory(cfg.Agent)
	}
	run := runner.New(factory, sessions, dispatcher, runner.Config{
		QueueSize:         cfg.Stream.QueueSize,
		PermissionTimeout: cfg.Stream.PermissionTimeout,
	})

	// Background cache janitor
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	janitor := retention.NewJanitor(kv, dataStore, 10*time.Minute)
	go janitor.Start(janitorCtx)

	h := handlers.New(dataStore, sessions, mcpSvc, injector, hooks, run, cfg)
	router := api.NewRouter(cfg, h)

	shutdown := func(ctx context.Context) error {
		stopJanitor()
		err := shutdownTelemetry(ctx)
		if cerr := kv.Close(); cerr != nil && err == nil {
			err = cerr
		}
		if cerr := dataStore.Close(); cerr != nil && err == nil {
			err = cerr
		}
		return err
	}

	return &Server{
		Handler:      router,
		Store:        dataStore,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}
