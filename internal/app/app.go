// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    - external connections (Redis, ClickHouse when configured)
//  2. initBackends - backend registry + initial availability probe
//  3. initServices - cache, trace publisher, metrics registry
//  4. initGateway  - dispatcher + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/forgeloop/agent-gateway/internal/backend"
	gwcache "github.com/forgeloop/agent-gateway/internal/cache"
	"github.com/forgeloop/agent-gateway/internal/config"
	"github.com/forgeloop/agent-gateway/internal/logger"
	"github.com/forgeloop/agent-gateway/internal/metrics"
	"github.com/forgeloop/agent-gateway/internal/proxy"
	"github.com/forgeloop/agent-gateway/internal/trace"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections - nil when not configured.
	rdb       *redis.Client
	traceSink *trace.ClickHouseSink

	registry *backend.Registry
	prober   *backend.Prober

	tracer    *trace.Publisher
	reqLogger *logger.Logger

	prom *metrics.Registry

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"backends", a.initBackends},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.String("cache_mode", a.cfg.Cache.Mode),
		slog.Int("backends", a.registry.Len()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.reqLogger != nil {
		if err := a.reqLogger.Close(); err != nil {
			a.log.Error("logger close error", slog.String("error", err.Error()))
		}
		a.reqLogger = nil
	}
	if a.tracer != nil {
		a.tracer.Close()
		a.tracer = nil
	}
	if a.traceSink != nil {
		if err := a.traceSink.Close(); err != nil {
			a.log.Error("trace sink close error", slog.String("error", err.Error()))
		}
		a.traceSink = nil
	}
	if a.prober != nil {
		a.prober.Close()
		a.prober = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// buildCache returns the configured cache implementation, or nil for "none".
func buildCache(a *App) gwcache.Cache {
	switch a.cfg.Cache.Mode {
	case "redis":
		return gwcache.NewSharedCacheFromClient(a.rdb)
	case "memory":
		return gwcache.NewBoundedCache(a.cfg.Cache.MaxEntries)
	default:
		return nil
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
