// Package backend defines the canonical request/result types shared by every
// completion backend, the Backend interface each provider implements, and the
// Registry that tracks descriptor state (enablement, priority, availability).
//
// Each backend lives in its own sub-package and implements the Backend
// interface. The package itself is dependency-free so that provider packages,
// the router, and the client-facing layers can all import it without cycles.
package backend

import (
	"context"
	"errors"
	"time"
)

// Default timeouts shared by all backend implementations.
const (
	// CallTimeout is the per-call HTTP timeout applied to every outbound
	// completion request.
	CallTimeout = 60 * time.Second

	// ProbeTimeout bounds the cheap availability probe (model listing / ping).
	ProbeTimeout = 5 * time.Second
)

// ErrNoBackendAvailable is returned by the router when the candidate list is
// empty - no backend is enabled, available, and capable of serving the model.
var ErrNoBackendAvailable = errors.New("no backend available")

type (
	// Message is a single turn in a conversation (role + text content).
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	// Request is the canonical, backend-independent completion request.
	// Callers may submit either a messages sequence or a bare prompt; by the
	// time a Request reaches a backend the prompt form has been folded into
	// Messages as a single user message.
	Request struct {
		Model       string    `json:"model"`
		Messages    []Message `json:"messages"`
		Temperature float64   `json:"temperature,omitempty"`
		MaxTokens   int       `json:"max_tokens,omitempty"`
		TopP        float64   `json:"top_p,omitempty"`
		TopK        int       `json:"top_k,omitempty"`
		Stream      bool      `json:"stream,omitempty"`

		// Headers carries the trace propagation headers attached to the
		// outbound backend call (trace id, span id, task, workflow, agent).
		Headers map[string]string `json:"-"`
	}

	// Usage - token usage stats.
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	// Choice is one generated completion. Result.Choices is non-empty on
	// every successful non-streaming completion.
	Choice struct {
		Index        int     `json:"index"`
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	}

	// Result is the canonical completion result. Every backend's native
	// response is translated into this shape before it is cached, traced, or
	// returned to the caller.
	Result struct {
		ID        string    `json:"id"`
		CreatedAt time.Time `json:"created_at"`
		Model     string    `json:"model"`
		Choices   []Choice  `json:"choices"`
		Usage     Usage     `json:"usage"`

		// Stream is non-nil only for streaming requests; the channel is
		// closed after the final chunk.
		Stream <-chan StreamChunk `json:"-"`
	}

	// StreamChunk is a single text fragment delivered during a streaming
	// response.
	StreamChunk struct {
		Content      string
		FinishReason string
	}
)

// Text returns the content of the first choice, or "" when Choices is empty.
func (r *Result) Text() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// Prompt folds a bare prompt string into the canonical messages form.
func Prompt(prompt string) []Message {
	return []Message{{Role: "user", Content: prompt}}
}

// Backend is implemented once per provider. Complete translates the canonical
// Request into the provider's native shape, issues the call with req.Headers
// attached, and translates the native response back into a canonical Result.
// Any error - network failure, non-2xx status, malformed response - means
// "this backend failed for this attempt" to the router.
type Backend interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Result, error)
	HealthCheck(ctx context.Context) error
}

// StatusCoder is implemented by backend errors that carry an upstream HTTP
// status. The router uses it to distinguish retryable (5xx) from
// non-retryable (4xx) failures.
type StatusCoder interface {
	HTTPStatus() int
}
