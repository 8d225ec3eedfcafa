// Package metrics provides the gateway's Prometheus registry.
//
// All metrics live in a private registry (not the global default) so they
// don't collide with host-level metrics when the gateway is embedded in a
// larger process. The /metrics handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// agentgw_inflight_http_requests
	inFlightHTTP prometheus.Gauge

	// agentgw_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// agentgw_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// agentgw_completions_total{backend,agent_type,status}
	completionsTotal *prometheus.CounterVec

	// agentgw_completion_duration_seconds{backend,cache}
	completionDuration *prometheus.HistogramVec

	// agentgw_backend_attempts_total{backend,outcome}
	backendAttempts *prometheus.CounterVec

	// agentgw_backend_attempt_duration_seconds{backend,outcome}
	backendDuration *prometheus.HistogramVec

	// agentgw_fallback_attempts_total{primary,fallback}
	fallbackAttempts *prometheus.CounterVec

	// agentgw_route_exhausted_total{model}
	routeExhausted *prometheus.CounterVec

	// agentgw_cache_operations_total{op,result}
	cacheOps *prometheus.CounterVec

	// agentgw_admission_wait_seconds
	admissionWait prometheus.Histogram

	// agentgw_admission_rejections_total
	admissionRejections prometheus.Counter

	// agentgw_admission_inflight
	admissionInFlight prometheus.Gauge

	// agentgw_backend_available{backend}
	backendAvailable *prometheus.GaugeVec

	// agentgw_backend_errors_total{backend,error_type}
	backendErrors *prometheus.CounterVec

	// agentgw_circuit_breaker_state{backend} - 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// agentgw_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// agentgw_tokens_total{backend,direction}
	tokensTotal *prometheus.CounterVec

	// agentgw_trace_events_dropped_total
	traceDropped prometheus.Counter

	// agentgw_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	latencyBuckets := []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60}

	r := &Registry{
		reg: reg,

		inFlightHTTP: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentgw_inflight_http_requests",
			Help: "Current number of in-flight HTTP requests",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentgw_http_requests_total",
				Help: "Total HTTP requests handled",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentgw_http_request_duration_seconds",
				Help:    "End-to-end HTTP request duration in seconds",
				Buckets: latencyBuckets,
			},
			[]string{"route"},
		),

		completionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentgw_completions_total",
				Help: "Completion requests by serving backend, agent type and status",
			},
			[]string{"backend", "agent_type", "status"},
		),

		completionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentgw_completion_duration_seconds",
				Help:    "Completion duration in seconds (gateway perspective)",
				Buckets: latencyBuckets,
			},
			[]string{"backend", "cache"},
		),

		backendAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentgw_backend_attempts_total",
				Help: "Individual backend call attempts (includes fallbacks)",
			},
			[]string{"backend", "outcome"},
		),

		backendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentgw_backend_attempt_duration_seconds",
				Help:    "Backend call attempt duration in seconds",
				Buckets: latencyBuckets,
			},
			[]string{"backend", "outcome"},
		),

		fallbackAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentgw_fallback_attempts_total",
				Help: "Requests that moved past the first candidate backend",
			},
			[]string{"primary", "fallback"},
		),

		routeExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentgw_route_exhausted_total",
				Help: "Requests that exhausted every candidate backend",
			},
			[]string{"model"},
		),

		cacheOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentgw_cache_operations_total",
				Help: "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),

		admissionWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentgw_admission_wait_seconds",
			Help:    "Time spent waiting for an admission permit",
			Buckets: []float64{0.0001, 0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),

		admissionRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentgw_admission_rejections_total",
			Help: "Admission waits abandoned because the caller's context ended",
		}),

		admissionInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "agentgw_admission_inflight",
			Help: "Current number of admitted in-flight backend calls",
		}),

		backendAvailable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentgw_backend_available",
				Help: "Backend availability as seen by the health prober (1=available)",
			},
			[]string{"backend"},
		),

		backendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentgw_backend_errors_total",
				Help: "Backend errors by type",
			},
			[]string{"backend", "error_type"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentgw_circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"backend"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentgw_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentgw_tokens_total",
				Help: "Token usage derived from backend usage fields",
			},
			[]string{"backend", "direction"},
		),

		traceDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "agentgw_trace_events_dropped_total",
			Help: "Trace events dropped by the publisher or its sink",
		}),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentgw_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlightHTTP,
		r.httpRequestsTotal,
		r.httpDuration,
		r.completionsTotal,
		r.completionDuration,
		r.backendAttempts,
		r.backendDuration,
		r.fallbackAttempts,
		r.routeExhausted,
		r.cacheOps,
		r.admissionWait,
		r.admissionRejections,
		r.admissionInFlight,
		r.backendAvailable,
		r.backendErrors,
		r.circuitBreakerState,
		r.rateLimitTotal,
		r.tokensTotal,
		r.traceDropped,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlightHTTP.Inc() }
func (r *Registry) DecInFlight() { r.inFlightHTTP.Dec() }

// ObserveHTTP records end-to-end HTTP metrics for one request.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordCompletion records a resolved completion, whatever served it.
func (r *Registry) RecordCompletion(backend, agentType string, statusCode int, cached bool, dur time.Duration) {
	r.completionsTotal.WithLabelValues(backend, agentType, strconv.Itoa(statusCode)).Inc()
	cache := "miss"
	if cached {
		cache = "hit"
	}
	r.completionDuration.WithLabelValues(backend, cache).Observe(dur.Seconds())
}

// ObserveBackendAttempt records one backend call attempt.
func (r *Registry) ObserveBackendAttempt(backend, outcome string, dur time.Duration) {
	r.backendAttempts.WithLabelValues(backend, outcome).Inc()
	r.backendDuration.WithLabelValues(backend, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordFallback(primary, fallback string) {
	r.fallbackAttempts.WithLabelValues(primary, fallback).Inc()
}

func (r *Registry) RecordRouteExhausted(model string) {
	r.routeExhausted.WithLabelValues(model).Inc()
}

func (r *Registry) CacheGetHit()    { r.cacheOps.WithLabelValues("get", "hit").Inc() }
func (r *Registry) CacheGetMiss()   { r.cacheOps.WithLabelValues("get", "miss").Inc() }
func (r *Registry) CacheGetBypass() { r.cacheOps.WithLabelValues("get", "bypass").Inc() }
func (r *Registry) CacheSetOK()     { r.cacheOps.WithLabelValues("set", "ok").Inc() }
func (r *Registry) CacheSetError()  { r.cacheOps.WithLabelValues("set", "error").Inc() }

// ObserveAdmission records the wait for a permit and the resulting in-flight
// count. rejected marks a wait abandoned by context cancellation.
func (r *Registry) ObserveAdmission(wait time.Duration, inFlight int64, rejected bool) {
	r.admissionWait.Observe(wait.Seconds())
	r.admissionInFlight.Set(float64(inFlight))
	if rejected {
		r.admissionRejections.Inc()
	}
}

func (r *Registry) SetBackendAvailable(backend string, ok bool) {
	v := 0.0
	if ok {
		v = 1
	}
	r.backendAvailable.WithLabelValues(backend).Set(v)
}

func (r *Registry) RecordBackendError(backend, errType string) {
	r.backendErrors.WithLabelValues(backend, errType).Inc()
}

func (r *Registry) SetCircuitBreaker(backend string, state int64) {
	r.circuitBreakerState.WithLabelValues(backend).Set(float64(state))
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) AddTokens(backend string, promptTokens, completionTokens int) {
	if promptTokens > 0 {
		r.tokensTotal.WithLabelValues(backend, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		r.tokensTotal.WithLabelValues(backend, "completion").Add(float64(completionTokens))
	}
}

func (r *Registry) RecordTraceDrop() { r.traceDropped.Inc() }

func (r *Registry) SetBuildInfo(version string) {
	// Gauge so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
