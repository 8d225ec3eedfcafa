package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/forgeloop/agent-gateway/internal/backend"
	"github.com/forgeloop/agent-gateway/internal/trace"
)

// route walks the candidate backends in priority order and returns the first
// successful result along with the name of the backend that produced it.
//
// A fallback_only candidate is skipped until another candidate has failed
// within this same request - the flag is per-request state, so one failure
// never demotes a backend for concurrent requests. Backends whose circuit
// breaker is open are skipped the same way a failed call is.
//
// On exhaustion the last backend error is returned, or
// backend.ErrNoBackendAvailable when nothing was eligible to try.
func (g *Gateway) route(ctx context.Context, req *backend.Request, tc trace.Context) (*backend.Result, string, error) {
	candidates := g.registry.Candidates(req.Model)
	if len(candidates) == 0 {
		return nil, "", backend.ErrNoBackendAvailable
	}

	primary := candidates[0].Name

	var lastErr error
	failedOnce := false
	prevBackend := ""
	attempts := 0

	for _, cand := range candidates {
		if cand.FallbackOnly && !failedOnce {
			continue
		}

		if g.cb != nil && !g.cb.Allow(cand.Name) {
			g.log.WarnContext(ctx, "circuit_breaker_open",
				slog.String("trace_id", tc.TraceID),
				slog.String("backend", cand.Name),
			)
			if g.metrics != nil {
				g.metrics.SetCircuitBreaker(cand.Name, int64(g.cb.State(cand.Name)))
				g.metrics.ObserveBackendAttempt(cand.Name, "circuit_reject", 0)
			}
			// An open breaker counts as a failure for fallback eligibility.
			failedOnce = true
			continue
		}

		if failedOnce && prevBackend != "" && g.metrics != nil {
			g.metrics.RecordFallback(primary, cand.Name)
		}

		// Each attempt is its own span with the gateway span as parent, and
		// the outbound call carries the full propagation header set.
		span := tc.Child()
		attemptReq := *req
		attemptReq.Headers = mergeHeaders(req.Headers, span.OutboundHeaders())

		callCtx, cancel := context.WithTimeout(ctx, g.backendTimeout)
		start := time.Now()
		res, err := cand.Backend.Complete(callCtx, &attemptReq)
		dur := time.Since(start)
		attempts++

		if err == nil {
			// A streaming result keeps producing chunks from callCtx after
			// Complete returns; cancelling here would kill the stream after
			// the first buffered chunk. Defer the cancel to stream close.
			if res.Stream != nil {
				res.Stream = cancelOnClose(res.Stream, cancel)
			} else {
				cancel()
			}
			if g.cb != nil {
				g.cb.RecordSuccess(cand.Name)
				if g.metrics != nil {
					g.metrics.SetCircuitBreaker(cand.Name, int64(g.cb.State(cand.Name)))
				}
			}
			if g.metrics != nil {
				g.metrics.ObserveBackendAttempt(cand.Name, "success", dur)
			}
			g.publish(trace.EventBackendSuccess, span, map[string]any{
				"backend":    cand.Name,
				"model":      res.Model,
				"latency_ms": dur.Milliseconds(),
			})
			if cand.Name != primary {
				g.log.InfoContext(ctx, "fallback_success",
					slog.String("trace_id", tc.TraceID),
					slog.String("primary", primary),
					slog.String("backend", cand.Name),
					slog.Int64("latency_ms", dur.Milliseconds()),
				)
			}
			return res, cand.Name, nil
		}
		cancel()

		if g.cb != nil {
			g.cb.RecordFailure(cand.Name)
			if g.metrics != nil {
				g.metrics.SetCircuitBreaker(cand.Name, int64(g.cb.State(cand.Name)))
			}
		}

		reason := classifyError(err)
		if g.metrics != nil {
			g.metrics.ObserveBackendAttempt(cand.Name, reason, dur)
			g.metrics.RecordBackendError(cand.Name, reason)
		}
		g.publish(trace.EventBackendFailure, span, map[string]any{
			"backend":    cand.Name,
			"reason":     reason,
			"latency_ms": dur.Milliseconds(),
		})
		g.log.WarnContext(ctx, "backend_attempt_failed",
			slog.String("trace_id", tc.TraceID),
			slog.String("backend", cand.Name),
			slog.String("reason", reason),
			slog.Int64("latency_ms", dur.Milliseconds()),
			slog.String("error", err.Error()),
		)

		lastErr = err
		prevBackend = cand.Name
		failedOnce = true

		// Non-retryable errors (4xx) abort the walk - another backend is
		// unlikely to accept the same request parameters.
		if !isRetryable(err) {
			break
		}
	}

	if g.metrics != nil {
		g.metrics.RecordRouteExhausted(req.Model)
	}
	if lastErr == nil {
		// Candidates existed but none were eligible (all fallback_only with
		// no prior failure, or all breakers open without tripping a call).
		return nil, "", backend.ErrNoBackendAvailable
	}
	return nil, "", fmt.Errorf("route: all backends failed after %d attempt(s): %w", attempts, lastErr)
}

// cancelOnClose forwards chunks from in and releases the attempt context
// once the backend closes the stream, so the context stays alive for exactly
// as long as chunks are flowing.
func cancelOnClose(in <-chan backend.StreamChunk, cancel context.CancelFunc) <-chan backend.StreamChunk {
	out := make(chan backend.StreamChunk)
	go func() {
		defer cancel()
		defer close(out)
		for chunk := range in {
			out <- chunk
		}
	}()
	return out
}

// mergeHeaders overlays trace propagation headers on the caller's headers.
func mergeHeaders(base, overlay map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}

// isRetryable returns true for errors that should trigger a fallback attempt.
//
//   - 5xx backend errors → retryable (infrastructure failure)
//   - context.DeadlineExceeded → retryable (a different backend may be faster)
//   - 4xx backend errors → NOT retryable (bad request / auth - won't change)
//   - unknown errors → retryable (conservative default)
func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var sc backend.StatusCoder
	if errors.As(err, &sc) {
		status := sc.HTTPStatus()
		return status >= 500 && status < 600
	}
	return true
}

// classifyError converts an error into a short category string used in log
// fields and metrics labels.
func classifyError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var sc backend.StatusCoder
	if errors.As(err, &sc) {
		return fmt.Sprintf("http_%d", sc.HTTPStatus())
	}
	return "unknown"
}
