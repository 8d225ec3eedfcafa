// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeBackendError   = "backend_error"
	TypeRateLimitError = "rate_limit_error"
	TypeInvalidRequest = "invalid_request_error"
	TypeServerError    = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded  = "rate_limit_exceeded"
	CodeInternalError      = "internal_error"
	CodeBackendError       = "backend_error"
	CodeNoBackendAvailable = "no_backend_available"
	CodeRequestTimeout     = "request_timeout"
	CodeInvalidRequest     = "invalid_request"
	CodeUnknownAgentType   = "unknown_agent_type"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteInvalidRequest writes a 400 for a malformed request. Such requests
// are rejected before any backend is attempted.
func WriteInvalidRequest(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadRequest, msg, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteNoBackendAvailable writes a 502 when every candidate backend was
// exhausted or none were eligible.
func WriteNoBackendAvailable(ctx *fasthttp.RequestCtx, msg string) {
	Write(ctx, fasthttp.StatusBadGateway, msg, TypeBackendError, CodeNoBackendAvailable)
}

// WriteBackendError maps a backend HTTP status to the gateway status.
//
//	Backend 429  → 429 + Retry-After: 60
//	Backend 5xx  → 502
//	Timeout      → 504
//	Default      → 502
func WriteBackendError(ctx *fasthttp.RequestCtx, backendStatus int, msg string) {
	switch {
	case backendStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case backendStatus == fasthttp.StatusGatewayTimeout:
		Write(ctx, fasthttp.StatusGatewayTimeout, msg, TypeBackendError, CodeRequestTimeout)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeBackendError, CodeBackendError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "backend request timed out", TypeBackendError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}
