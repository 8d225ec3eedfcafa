package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/forgeloop/agent-gateway/internal/backend"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// registered alongside the completion routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Handler builds the full fasthttp handler with routes and middleware.
// Exposed separately from Start so tests can serve it over an in-memory
// listener.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/complete", g.handleComplete)
	r.POST("/agent/{agentType}/complete", g.handleAgentComplete)
	r.GET("/health", g.handleHealth)
	r.GET("/models", g.handleModels)
	r.GET("/trace/{traceID}", g.handleTrace)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (g *Gateway) Start(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		ReadTimeout:  90 * time.Second,
		WriteTimeout: 90 * time.Second,
	}
	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatchCompletion(ctx, "chat_completions", "", false)
}

func (g *Gateway) handleComplete(ctx *fasthttp.RequestCtx) {
	g.dispatchCompletion(ctx, "complete", "", true)
}

func (g *Gateway) handleAgentComplete(ctx *fasthttp.RequestCtx) {
	agentType, _ := ctx.UserValue("agentType").(string)
	if agentType == "" {
		agentType = "default"
	}
	g.dispatchCompletion(ctx, "agent_complete", agentType, false)
}

// sizer is implemented by the in-process cache; the shared cache reports no
// local size.
type sizer interface{ Len() int }

type healthResponse struct {
	Status   string           `json:"status"`
	Backends []backend.Status `json:"backends"`
	Cache    cacheHealth      `json:"cache"`
}

type cacheHealth struct {
	Enabled bool `json:"enabled"`
	Size    int  `json:"size,omitempty"`
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	backends := g.registry.Snapshot()

	status := "degraded"
	for _, b := range backends {
		if b.Enabled && b.Available {
			status = "ok"
			break
		}
	}

	ch := cacheHealth{Enabled: g.cache != nil}
	if s, ok := g.cache.(sizer); ok {
		ch.Size = s.Len()
	}

	writeJSON(ctx, healthResponse{
		Status:   status,
		Backends: backends,
		Cache:    ch,
	})
}

func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{"models": g.registry.Models()})
}

// handleTrace returns the recorded event history of one trace.
func (g *Gateway) handleTrace(ctx *fasthttp.RequestCtx) {
	traceID, _ := ctx.UserValue("traceID").(string)
	if g.tracer == nil {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		writeJSON(ctx, map[string]string{"error": "tracing disabled"})
		return
	}
	events, dropped, ok := g.tracer.History(traceID)
	if !ok {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		writeJSON(ctx, map[string]string{"error": "unknown trace"})
		return
	}
	writeJSON(ctx, map[string]any{
		"trace_id": traceID,
		"events":   events,
		"dropped":  dropped,
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
