// Package gemini implements the backend contract for Google Gemini using the
// official GenAI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/forgeloop/agent-gateway/internal/backend"
)

const backendName = "gemini"

// Client implements backend.Backend for Gemini.
type Client struct {
	apiKey string
	client *genai.Client
}

// Option configures a Client.
type Option func(*cfg)

type cfg struct {
	baseURL string
}

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(c *cfg) { c.baseURL = u }
}

// New creates a new Gemini backend. Returns an error when the SDK client
// cannot be constructed.
func New(ctx context.Context, apiKey string, opts ...Option) (*Client, error) {
	if ctx == nil {
		return nil, fmt.Errorf("gemini: context must not be nil")
	}

	var o cfg
	for _, opt := range opts {
		opt(&o)
	}

	httpClient := &http.Client{
		Timeout:   backend.CallTimeout,
		Transport: &headerTransport{next: http.DefaultTransport},
	}

	clientCfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if o.baseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: o.baseURL}
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}

	return &Client{apiKey: apiKey, client: client}, nil
}

func (c *Client) Name() string { return backendName }

func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1})
	if err != nil {
		return fmt.Errorf("gemini: health check: %w", toBackendError(err))
	}
	return nil
}

func (c *Client) Complete(ctx context.Context, req *backend.Request) (*backend.Result, error) {
	contents, genCfg := buildContentsAndConfig(req)

	// The GenAI SDK has no per-request header hook; the propagation headers
	// travel via context to the injecting transport instead.
	ctx = withOutboundHeaders(ctx, req.Headers)

	if req.Stream {
		return c.handleStreaming(ctx, req.Model, contents, genCfg)
	}
	return c.handleResponse(ctx, req, contents, genCfg)
}

func buildContentsAndConfig(req *backend.Request) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	var genCfg *genai.GenerateContentConfig
	if systemPrompt != "" || req.Temperature > 0 || req.MaxTokens > 0 || req.TopP > 0 || req.TopK > 0 {
		genCfg = &genai.GenerateContentConfig{}

		if systemPrompt != "" {
			genCfg.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: systemPrompt}},
			}
		}
		if req.Temperature > 0 {
			genCfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
		}
		if req.MaxTokens > 0 {
			genCfg.MaxOutputTokens = int32(req.MaxTokens)
		}
		if req.TopP > 0 {
			genCfg.TopP = genai.Ptr[float32](float32(req.TopP))
		}
		if req.TopK > 0 {
			genCfg.TopK = genai.Ptr[float32](float32(req.TopK))
		}
	}

	return contents, genCfg
}

func (c *Client) handleResponse(
	ctx context.Context,
	req *backend.Request,
	contents []*genai.Content,
	genCfg *genai.GenerateContentConfig,
) (*backend.Result, error) {
	resp, err := c.client.Models.GenerateContent(ctx, req.Model, contents, genCfg)
	if err != nil {
		return nil, toBackendError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("gemini: empty candidates in response")
	}

	id := resp.ResponseID
	if id == "" {
		id = generateID()
	}

	choices := make([]backend.Choice, 0, len(resp.Candidates))
	for i, cand := range resp.Candidates {
		finish := "stop"
		if cand != nil && cand.FinishReason != "" {
			finish = strings.ToLower(string(cand.FinishReason))
		}
		choices = append(choices, backend.Choice{
			Index:        i,
			Message:      backend.Message{Role: "assistant", Content: candidateText(cand)},
			FinishReason: finish,
		})
	}

	var usage backend.Usage
	if resp.UsageMetadata != nil {
		usage = backend.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	return &backend.Result{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Model:     req.Model,
		Choices:   choices,
		Usage:     usage,
	}, nil
}

func (c *Client) handleStreaming(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	genCfg *genai.GenerateContentConfig,
) (*backend.Result, error) {
	ch := make(chan backend.StreamChunk, 64)

	go func() {
		defer close(ch)

		for resp, err := range c.client.Models.GenerateContentStream(ctx, model, contents, genCfg) {
			if err != nil {
				ch <- backend.StreamChunk{
					Content:      fmt.Sprintf("[stream error] %v", err),
					FinishReason: "error",
				}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			cand := resp.Candidates[0]
			text := candidateText(cand)
			finish := ""
			if cand.FinishReason != "" {
				finish = strings.ToLower(string(cand.FinishReason))
			}

			if text != "" || finish != "" {
				ch <- backend.StreamChunk{Content: text, FinishReason: finish}
			}
		}
	}()

	return &backend.Result{Model: model, Stream: ch}, nil
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// generateID produces a random hex ID for responses that don't include one.
func generateID() string {
	return fmt.Sprintf("gemini-%x", rand.Int63())
}

// ── Outbound header injection ────────────────────────────────────────────────

type headerCtxKey struct{}

func withOutboundHeaders(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return context.WithValue(ctx, headerCtxKey{}, headers)
}

// headerTransport copies the propagation headers from the request context
// onto the outgoing HTTP request.
type headerTransport struct {
	next http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	headers, _ := req.Context().Value(headerCtxKey{}).(map[string]string)
	if len(headers) == 0 {
		return t.next.RoundTrip(req)
	}
	r2 := req.Clone(req.Context())
	for k, v := range headers {
		r2.Header.Set(k, v)
	}
	return t.next.RoundTrip(r2)
}

// BackendError is a structured error returned by the Gemini API.
type BackendError struct {
	StatusCode int
	Message    string
	Status     string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("gemini: %s (status=%d, type=%s)", e.Message, e.StatusCode, e.Status)
}

// HTTPStatus implements backend.StatusCoder.
func (e *BackendError) HTTPStatus() int { return e.StatusCode }

func toBackendError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &BackendError{
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
			Status:     apiErr.Status,
		}
	}
	return err
}
