package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/forgeloop/agent-gateway/internal/admission"
	"github.com/forgeloop/agent-gateway/internal/backend"
	"github.com/forgeloop/agent-gateway/internal/backend/anthropic"
	"github.com/forgeloop/agent-gateway/internal/backend/gemini"
	"github.com/forgeloop/agent-gateway/internal/backend/openai"
	"github.com/forgeloop/agent-gateway/internal/backend/openaicompat"
	"github.com/forgeloop/agent-gateway/internal/config"
	"github.com/forgeloop/agent-gateway/internal/logger"
	"github.com/forgeloop/agent-gateway/internal/metrics"
	"github.com/forgeloop/agent-gateway/internal/preset"
	"github.com/forgeloop/agent-gateway/internal/proxy"
	"github.com/forgeloop/agent-gateway/internal/ratelimit"
	"github.com/forgeloop/agent-gateway/internal/trace"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis; rate limiting also uses it
// opportunistically when available.
func (a *App) initInfra(ctx context.Context) error {
	needRedis := a.cfg.Cache.Mode == "redis" ||
		(a.cfg.RateLimit.RPMLimit > 0 && a.cfg.Redis.URL != "")

	if needRedis {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.Trace.ClickHouseAddr != "" {
		sink, err := trace.NewClickHouseSink(a.baseCtx,
			a.cfg.Trace.ClickHouseAddr, a.cfg.Trace.ClickHouseDatabase, a.log)
		if err != nil {
			// The sink is analytics, not correctness - degrade, don't fail.
			a.log.Warn("clickhouse sink unavailable",
				slog.String("addr", a.cfg.Trace.ClickHouseAddr),
				slog.String("error", err.Error()),
			)
		} else {
			a.traceSink = sink
			a.log.Info("trace sink: clickhouse",
				slog.String("addr", a.cfg.Trace.ClickHouseAddr))
		}
	}

	return nil
}

// initBackends populates the registry from configuration and runs the
// initial availability probe. At least one backend must be configured -
// enforced by config validation before we reach here.
func (a *App) initBackends(_ context.Context) error {
	a.registry = backend.NewRegistry()

	if err := registerBackends(a.baseCtx, a.registry, a.cfg); err != nil {
		return err
	}
	if a.registry.Len() == 0 {
		return fmt.Errorf("no backends configured")
	}

	names := make([]string, 0, a.registry.Len())
	for _, s := range a.registry.Snapshot() {
		names = append(names, s.Name)
	}
	a.log.Info("backends registered", slog.Any("backends", names))

	return nil
}

// initServices creates the trace publisher, metrics registry and async
// completion logger.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	traceOpts := []trace.PublisherOption{
		trace.WithMaxEvents(a.cfg.Trace.MaxEvents),
		trace.WithRetention(a.cfg.Trace.Retention),
	}
	if a.traceSink != nil {
		traceOpts = append(traceOpts, trace.WithSink(a.traceSink))
	}
	a.tracer = trace.NewPublisher("agent-gateway", a.log, traceOpts...)

	reqLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("completion logger: %w", err)
	}
	a.reqLogger = reqLogger

	switch a.cfg.Cache.Mode {
	case "redis":
		a.log.Info("cache backend: redis (shared)")
	case "memory":
		a.log.Info("cache backend: memory (in-process, bounded)",
			slog.Int("max_entries", a.cfg.Cache.MaxEntries))
	case "none":
		a.log.Info("cache backend: disabled")
	}

	return nil
}

// initGateway wires together the Gateway with all configured subsystems and
// starts the health prober.
func (a *App) initGateway(_ context.Context) error {
	adm := admission.New(a.cfg.Admission.MaxConcurrency)

	opts := proxy.GatewayOptions{
		Logger:         a.log,
		BackendTimeout: a.cfg.BackendTimeout,
		CacheTTL:       a.cfg.Cache.TTL,
		Metrics:        a.prom,
		CBConfig: proxy.CBConfig{
			ErrorThreshold:  a.cfg.CircuitBreaker.ErrorThreshold,
			TimeWindow:      a.cfg.CircuitBreaker.TimeWindow,
			HalfOpenTimeout: a.cfg.CircuitBreaker.HalfOpenTimeout,
		},
	}

	gw := proxy.NewGateway(
		a.baseCtx,
		a.registry,
		buildCache(a),
		adm,
		a.tracer,
		preset.NewResolver(a.cfg.AgentPresets),
		opts,
	)
	gw.SetLogger(a.reqLogger)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	// Rate limiting - only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		rpm := ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		if a.cfg.RateLimit.AgentRPMLimit > 0 {
			rpm.SetAgentLimit(a.cfg.RateLimit.AgentRPMLimit)
		}
		gw.SetRateLimiter(rpm)
		a.log.Info("rate limiting enabled",
			slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit),
			slog.Int("agent_rpm_limit", a.cfg.RateLimit.AgentRPMLimit),
		)
	}

	// The prober runs its first pass synchronously so routing starts with
	// real availability. Probe results feed the health gauge.
	a.prober = backend.NewProber(a.baseCtx, a.registry, a.log,
		backend.WithProbeObserver(a.prom.SetBackendAvailable))

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// registerBackends creates a Backend implementation for every configured
// backend and registers it under its descriptor.
func registerBackends(ctx context.Context, reg *backend.Registry, cfg *config.Config) error {
	type spec struct {
		name  string
		bc    config.BackendConfig
		build func(config.BackendConfig) (backend.Backend, error)
	}

	specs := []spec{
		{"ollama", cfg.Ollama, func(bc config.BackendConfig) (backend.Backend, error) {
			return openaicompat.New("ollama", bc.APIKey, bc.URL), nil
		}},
		{"vllm", cfg.VLLM, func(bc config.BackendConfig) (backend.Backend, error) {
			return openaicompat.New("vllm", bc.APIKey, bc.URL), nil
		}},
		{"openai", cfg.OpenAI, func(bc config.BackendConfig) (backend.Backend, error) {
			var opts []openai.Option
			if bc.URL != "" {
				opts = append(opts, openai.WithBaseURL(bc.URL))
			}
			return openai.New(bc.APIKey, opts...), nil
		}},
		{"anthropic", cfg.Anthropic, func(bc config.BackendConfig) (backend.Backend, error) {
			var opts []anthropic.Option
			if bc.URL != "" {
				opts = append(opts, anthropic.WithBaseURL(bc.URL))
			}
			return anthropic.New(bc.APIKey, opts...), nil
		}},
		{"gemini", cfg.Gemini, func(bc config.BackendConfig) (backend.Backend, error) {
			var opts []gemini.Option
			if bc.URL != "" {
				opts = append(opts, gemini.WithBaseURL(bc.URL))
			}
			return gemini.New(ctx, bc.APIKey, opts...)
		}},
	}

	for _, s := range specs {
		if !s.bc.Configured() {
			continue
		}
		impl, err := s.build(s.bc)
		if err != nil {
			return fmt.Errorf("backend %s: %w", s.name, err)
		}
		target := s.bc.URL
		if target == "" {
			target = "hosted"
		}
		err = reg.Register(backend.Descriptor{
			Name:         s.name,
			Target:       target,
			Models:       s.bc.Models,
			Enabled:      s.bc.Enabled,
			Priority:     s.bc.Priority,
			FallbackOnly: s.bc.FallbackOnly,
		}, impl)
		if err != nil {
			return err
		}
	}

	return nil
}
