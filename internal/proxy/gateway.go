// Package proxy is the completion routing core of the gateway.
//
// The Gateway receives a completion request from an agent, resolves its
// trace context, applies rate limiting and admission control, checks the
// cache, and walks the candidate backends in priority order until one
// succeeds - local inference first, hosted providers as fallback.
//
// Key design constraints:
//   - Cache, trace publisher, rate limiter, and async logger are optional
//     and nil-safe; their failures degrade observability, never requests.
//   - All I/O uses context.Context so timeouts and client disconnects
//     propagate through admission waits and backend calls.
//   - Streaming responses are pass-through (SSE); they are never cached.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/forgeloop/agent-gateway/internal/admission"
	"github.com/forgeloop/agent-gateway/internal/backend"
	"github.com/forgeloop/agent-gateway/internal/cache"
	"github.com/forgeloop/agent-gateway/internal/logger"
	"github.com/forgeloop/agent-gateway/internal/metrics"
	"github.com/forgeloop/agent-gateway/internal/preset"
	"github.com/forgeloop/agent-gateway/internal/ratelimit"
	"github.com/forgeloop/agent-gateway/internal/trace"
	"github.com/forgeloop/agent-gateway/pkg/apierr"
)

const (
	xCacheHIT  = "HIT"
	xCacheMISS = "MISS"
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and routing
	// diagnostics. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// BackendTimeout is the per-backend call timeout.
	// Default: backend.CallTimeout (60s).
	BackendTimeout time.Duration

	// CBConfig configures the per-backend circuit breaker thresholds.
	// Zero values use the package-level defaults.
	CBConfig CBConfig

	// CacheTTL controls the TTL for cached completions. Default: 1h.
	CacheTTL time.Duration

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry
}

// Gateway is the request dispatcher - all dependencies are injected via the
// constructor so they can be replaced with stubs in unit tests.
type Gateway struct {
	registry  *backend.Registry
	cache     cache.Cache
	admission *admission.Controller
	tracer    *trace.Publisher
	presets   *preset.Resolver
	cb        *CircuitBreaker
	baseCtx   context.Context
	log       *slog.Logger
	metrics   *metrics.Registry

	backendTimeout time.Duration
	cacheTTL       time.Duration

	// Optional dependencies - nil-safe when not configured.
	rpmLimiter *ratelimit.RPMLimiter
	reqLogger  *logger.Logger

	// CORS allowed origins. Empty slice means allow all.
	corsOrigins []string
}

// NewGateway creates a fully configured Gateway.
func NewGateway(
	baseCtx context.Context,
	reg *backend.Registry,
	c cache.Cache,
	adm *admission.Controller,
	tracer *trace.Publisher,
	presets *preset.Resolver,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}
	if reg == nil {
		panic("gateway: registry must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	backendTimeout := opts.BackendTimeout
	if backendTimeout <= 0 {
		backendTimeout = backend.CallTimeout
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	if presets == nil {
		presets = preset.NewResolver(nil)
	}

	return &Gateway{
		registry:       reg,
		cache:          c,
		admission:      adm,
		tracer:         tracer,
		presets:        presets,
		cb:             NewCircuitBreakerWithConfig(opts.CBConfig),
		baseCtx:        baseCtx,
		log:            log,
		metrics:        opts.Metrics,
		backendTimeout: backendTimeout,
		cacheTTL:       cacheTTL,
	}
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// SetRateLimiter injects the RPM rate limiter.
func (g *Gateway) SetRateLimiter(rpm *ratelimit.RPMLimiter) {
	g.rpmLimiter = rpm
}

// SetLogger injects the async completion logger.
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// publish emits a trace event when a publisher is configured. Best-effort.
func (g *Gateway) publish(eventType string, tc trace.Context, metadata map[string]any) {
	if g.tracer == nil {
		return
	}
	g.publishSafe(eventType, tc, metadata)
}

func (g *Gateway) publishSafe(eventType string, tc trace.Context, metadata map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Warn("trace publish failed", "event", eventType, "panic", r)
		}
	}()
	g.tracer.Publish(eventType, tc, metadata)
}

// ── Inbound request parsing ───────────────────────────────────────────────────

// inboundRequest accepts both the messages form and the bare prompt form.
// Generation parameters are pointers so an explicit zero (temperature 0 for
// greedy decoding) is distinguishable from an omitted field.
type inboundRequest struct {
	Model       string            `json:"model"`
	Messages    []backend.Message `json:"messages"`
	Prompt      string            `json:"prompt"`
	Temperature *float64          `json:"temperature"`
	MaxTokens   *int              `json:"max_tokens"`
	TopP        *float64          `json:"top_p"`
	TopK        *int              `json:"top_k"`
	Stream      bool              `json:"stream"`
}

// parseRequest decodes and canonicalizes the request body. A bare prompt is
// folded into a single user message; supplying both forms is rejected. The
// returned preset.Explicit records which parameters the caller actually sent.
func parseRequest(body []byte) (*backend.Request, preset.Explicit, error) {
	var explicit preset.Explicit

	var in inboundRequest
	if err := json.Unmarshal(body, &in); err != nil {
		return nil, explicit, fmt.Errorf("invalid JSON: %s", err.Error())
	}
	if len(in.Messages) > 0 && in.Prompt != "" {
		return nil, explicit, fmt.Errorf("supply either 'messages' or 'prompt', not both")
	}
	msgs := in.Messages
	if len(msgs) == 0 {
		if strings.TrimSpace(in.Prompt) == "" {
			return nil, explicit, fmt.Errorf("one of 'messages' or 'prompt' is required")
		}
		msgs = backend.Prompt(in.Prompt)
	}
	for i, m := range msgs {
		if m.Role == "" {
			return nil, explicit, fmt.Errorf("messages[%d]: field 'role' is required", i)
		}
		if m.Content == "" {
			return nil, explicit, fmt.Errorf("messages[%d]: field 'content' is required", i)
		}
	}

	req := &backend.Request{
		Model:    in.Model,
		Messages: msgs,
		Stream:   in.Stream,
	}
	if in.Temperature != nil {
		req.Temperature = *in.Temperature
		explicit.Temperature = true
	}
	if in.MaxTokens != nil {
		req.MaxTokens = *in.MaxTokens
		explicit.MaxTokens = true
	}
	if in.TopP != nil {
		req.TopP = *in.TopP
		explicit.TopP = true
	}
	if in.TopK != nil {
		req.TopK = *in.TopK
		explicit.TopK = true
	}
	return req, explicit, nil
}

// ── Dispatch ──────────────────────────────────────────────────────────────────

// dispatchCompletion is the core handler shared by /v1/chat/completions,
// /complete and /agent/{agentType}/complete. agentType is empty for the
// non-agent routes; legacy selects the simplified response shape.
func (g *Gateway) dispatchCompletion(ctx *fasthttp.RequestCtx, route, agentType string, legacy bool) {
	start := time.Now()
	servedBackend := "none"
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	// 1. Resolve the trace context from propagation headers; the gateway
	// entry is its own span.
	tc := trace.FromHeaders(func(name string) string {
		return string(ctx.Request.Header.Peek(name))
	})
	if agentType != "" {
		tc.AgentType = agentType
	}
	ctx.Response.Header.Set(trace.HeaderTraceID, tc.TraceID)
	ctx.Response.Header.Set(trace.HeaderSpanID, tc.SpanID)

	// 2. Parse and canonicalize the body. Malformed requests are rejected
	// before any backend is attempted.
	req, explicit, err := parseRequest(ctx.PostBody())
	if err != nil {
		apierr.WriteInvalidRequest(ctx, err.Error())
		return
	}

	// 3. Agent presets fill unset parameters; caller values always win,
	// explicit zeros included.
	if agentType != "" {
		g.presets.Apply(agentType, req, explicit)
	}
	if req.Model == "" {
		apierr.WriteInvalidRequest(ctx, "field 'model' is required")
		return
	}

	g.publish(trace.EventRequestStart, tc, map[string]any{
		"model":      req.Model,
		"agent_type": agentType,
		"stream":     req.Stream,
	})

	g.log.InfoContext(ctx, "completion_request",
		slog.String("trace_id", tc.TraceID),
		slog.String("model", req.Model),
		slog.String("agent_type", agentType),
		slog.Bool("stream", req.Stream),
	)

	// 4. Rate limit check (RPM).
	if g.rpmLimiter != nil {
		allowed, rlErr := g.rpmLimiter.AllowAgent(ctx, agentType)
		if rlErr == nil && !allowed {
			if g.metrics != nil {
				g.metrics.RecordRateLimit("blocked")
			}
			g.log.WarnContext(ctx, "rate_limit_exceeded",
				slog.String("trace_id", tc.TraceID),
			)
			apierr.WriteRateLimit(ctx)
			return
		}
		if g.metrics != nil {
			if rlErr != nil {
				g.metrics.RecordRateLimit("error")
			} else {
				g.metrics.RecordRateLimit("allowed")
			}
		}
	}

	// 5. Admission control. The wait is context-bound and capped by the
	// backend timeout: a client disconnect or deadline releases the caller
	// instead of leaving it queued. An expired wait is a gateway timeout.
	release := func() {}
	if g.admission != nil {
		waitStart := time.Now()
		acqCtx, cancelAcq := context.WithTimeout(ctx, g.backendTimeout)
		err := g.admission.Acquire(acqCtx)
		cancelAcq()
		if err != nil {
			if g.metrics != nil {
				g.metrics.ObserveAdmission(time.Since(waitStart), g.admission.InFlight(), true)
			}
			g.publish(trace.EventRequestError, tc, map[string]any{"reason": "admission"})
			apierr.Write(ctx, fasthttp.StatusGatewayTimeout,
				"timed out waiting for capacity", apierr.TypeServerError, apierr.CodeRequestTimeout)
			return
		}
		var relOnce sync.Once
		release = func() { relOnce.Do(g.admission.Release) }
		// Streaming requests hold their slot until the stream drains; the
		// stream writer epilogue releases it in that case.
		defer func() {
			if !streaming {
				release()
			}
		}()
		if g.metrics != nil {
			g.metrics.ObserveAdmission(time.Since(waitStart), g.admission.InFlight(), false)
		}
	}

	// 6. Cache lookup - non-streaming only. A read failure inside the cache
	// layer surfaces as a miss, never as a request failure.
	cacheEligible := !req.Stream && g.cache != nil
	var cacheKey string
	if cacheEligible {
		cacheKey = cache.Key(req)
		if body, ok := g.cache.Get(ctx, cacheKey); ok {
			servedBackend = "cache"
			if g.metrics != nil {
				g.metrics.CacheGetHit()
				g.metrics.RecordCompletion("cache", agentType, fasthttp.StatusOK, true, time.Since(start))
			}
			g.publish(trace.EventCacheHit, tc, map[string]any{"model": req.Model})
			g.publish(trace.EventRequestComplete, tc, map[string]any{
				"backend": "cache",
				"cached":  true,
			})
			g.log.DebugContext(ctx, "cache_hit",
				slog.String("trace_id", tc.TraceID),
				slog.String("model", req.Model),
			)
			ctx.Response.Header.Set("X-Cache", xCacheHIT)
			if legacy {
				g.writeLegacyFromCache(ctx, body)
			} else {
				ctx.SetStatusCode(fasthttp.StatusOK)
				ctx.SetContentType("application/json")
				ctx.SetBody(body)
			}
			g.logCompletion(tc, "cache", req.Model, agentType, nil, time.Since(start), fasthttp.StatusOK, true)
			return
		}
		if g.metrics != nil {
			g.metrics.CacheGetMiss()
		}
	} else if g.metrics != nil {
		g.metrics.CacheGetBypass()
	}

	// 7. Route across backends in priority order.
	res, usedBackend, err := g.route(ctx, req, tc)
	if err != nil {
		g.publish(trace.EventRequestError, tc, map[string]any{
			"error": err.Error(),
		})
		g.log.ErrorContext(ctx, "routing_failed",
			slog.String("trace_id", tc.TraceID),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		g.writeRoutingError(ctx, err)
		g.logCompletion(tc, servedBackend, req.Model, agentType, nil, time.Since(start), ctx.Response.StatusCode(), false)
		return
	}
	servedBackend = usedBackend

	// 8a. Streaming - SSE pass-through, never cached.
	if req.Stream && res.Stream != nil {
		streaming = true
		g.streamSSE(ctx, res, tc, route, usedBackend, agentType, start, release)
		return
	}

	// 8b. Non-streaming - serialize the canonical result.
	body, err := json.Marshal(res)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	// 9. Populate the cache for future identical requests. Failures are
	// counted, logged inside the cache layer, and otherwise ignored.
	if cacheEligible {
		if err := g.cache.Set(ctx, cacheKey, body, g.cacheTTL); err != nil {
			if g.metrics != nil {
				g.metrics.CacheSetError()
			}
		} else if g.metrics != nil {
			g.metrics.CacheSetOK()
		}
	}

	g.publish(trace.EventRequestComplete, tc, map[string]any{
		"backend":           usedBackend,
		"cached":            false,
		"prompt_tokens":     res.Usage.PromptTokens,
		"completion_tokens": res.Usage.CompletionTokens,
	})

	if g.metrics != nil {
		g.metrics.RecordCompletion(usedBackend, agentType, fasthttp.StatusOK, false, time.Since(start))
		g.metrics.AddTokens(usedBackend, res.Usage.PromptTokens, res.Usage.CompletionTokens)
	}
	g.logCompletion(tc, usedBackend, res.Model, agentType, &res.Usage, time.Since(start), fasthttp.StatusOK, false)

	g.log.DebugContext(ctx, "completion_ok",
		slog.String("trace_id", tc.TraceID),
		slog.String("backend", usedBackend),
		slog.String("model", res.Model),
		slog.Int("prompt_tokens", res.Usage.PromptTokens),
		slog.Int("completion_tokens", res.Usage.CompletionTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.Response.Header.Set("X-Cache", xCacheMISS)
	if legacy {
		g.writeLegacy(ctx, res, usedBackend)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// writeRoutingError maps routing failures onto the error taxonomy.
//
//	no eligible backend             → 502 no_backend_available
//	last error carries HTTP status  → remapped via WriteBackendError
//	context.DeadlineExceeded        → 504
//	anything else                   → 502
func (g *Gateway) writeRoutingError(ctx *fasthttp.RequestCtx, err error) {
	if errors.Is(err, backend.ErrNoBackendAvailable) {
		apierr.WriteNoBackendAvailable(ctx, err.Error())
		return
	}
	var sc backend.StatusCoder
	if errors.As(err, &sc) {
		apierr.WriteBackendError(ctx, sc.HTTPStatus(), err.Error())
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		apierr.WriteTimeout(ctx)
		return
	}
	apierr.Write(ctx, fasthttp.StatusBadGateway,
		err.Error(), apierr.TypeBackendError, apierr.CodeBackendError)
}

// ── Legacy /complete response shape ──────────────────────────────────────────

type legacyResponse struct {
	ID           string        `json:"id"`
	Text         string        `json:"text"`
	Model        string        `json:"model"`
	Backend      string        `json:"backend"`
	FinishReason string        `json:"finish_reason"`
	Usage        backend.Usage `json:"usage"`
}

func (g *Gateway) writeLegacy(ctx *fasthttp.RequestCtx, res *backend.Result, usedBackend string) {
	finish := ""
	if len(res.Choices) > 0 {
		finish = res.Choices[0].FinishReason
	}
	writeJSON(ctx, legacyResponse{
		ID:           res.ID,
		Text:         res.Text(),
		Model:        res.Model,
		Backend:      usedBackend,
		FinishReason: finish,
		Usage:        res.Usage,
	})
}

// writeLegacyFromCache re-shapes a cached canonical result into the legacy
// form. A cached body that no longer parses falls through as-is.
func (g *Gateway) writeLegacyFromCache(ctx *fasthttp.RequestCtx, body []byte) {
	var res backend.Result
	if err := json.Unmarshal(body, &res); err != nil {
		ctx.SetStatusCode(fasthttp.StatusOK)
		ctx.SetContentType("application/json")
		ctx.SetBody(body)
		return
	}
	g.writeLegacy(ctx, &res, "cache")
}

// logCompletion enqueues an entry to the async completion logger. Never blocks.
func (g *Gateway) logCompletion(
	tc trace.Context,
	usedBackend, model, agentType string,
	usage *backend.Usage,
	latency time.Duration,
	status int,
	isCached bool,
) {
	if g.reqLogger == nil {
		return
	}
	entry := logger.CompletionLog{
		TraceID:   tc.TraceID,
		SpanID:    tc.SpanID,
		Backend:   usedBackend,
		Model:     model,
		AgentType: agentType,
		LatencyMs: latency.Milliseconds(),
		Status:    status,
		Cached:    isCached,
		CreatedAt: time.Now(),
	}
	if usage != nil {
		entry.PromptTokens = usage.PromptTokens
		entry.CompletionTokens = usage.CompletionTokens
	}
	g.reqLogger.Log(entry)
}

// streamSSE streams chunks from the backend as Server-Sent Events and
// finalizes metrics, trace events, the admission slot, and the async log once
// the stream drains.
func (g *Gateway) streamSSE(
	ctx *fasthttp.RequestCtx,
	res *backend.Result,
	tc trace.Context,
	route, usedBackend, agentType string,
	start time.Time,
	release func(),
) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer
		defer release()

		var sb strings.Builder
		for chunk := range res.Stream {
			sb.WriteString(chunk.Content)

			delta := map[string]any{
				"id":      res.ID,
				"object":  "chat.completion.chunk",
				"created": time.Now().Unix(),
				"model":   res.Model,
				"choices": []map[string]any{
					{
						"index": 0,
						"delta": map[string]string{"content": chunk.Content},
						"finish_reason": func() any {
							if chunk.FinishReason != "" {
								return chunk.FinishReason
							}
							return nil
						}(),
					},
				},
			}
			data, _ := json.Marshal(delta)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		dur := time.Since(start)
		// Estimate output tokens: ~4 characters per token.
		estimated := sb.Len() / 4
		if estimated == 0 {
			estimated = 1
		}

		g.publish(trace.EventRequestComplete, tc, map[string]any{
			"backend":    usedBackend,
			"cached":     false,
			"streamed":   true,
			"est_tokens": estimated,
		})
		if g.metrics != nil {
			g.metrics.ObserveHTTP(route, fasthttp.StatusOK, dur)
			g.metrics.RecordCompletion(usedBackend, agentType, fasthttp.StatusOK, false, dur)
			g.metrics.AddTokens(usedBackend, 0, estimated)
			g.metrics.DecInFlight()
		}
		g.logCompletion(tc, usedBackend, res.Model, agentType,
			&backend.Usage{CompletionTokens: estimated}, dur, fasthttp.StatusOK, false)
	})
}
