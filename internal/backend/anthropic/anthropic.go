// Package anthropic implements the backend contract for the Anthropic API
// using the official SDK.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/forgeloop/agent-gateway/internal/backend"
)

const (
	// The SDK prefixes request paths with v1/ itself, so the base URL is
	// the bare host.
	defaultBaseURL = "https://api.anthropic.com"
	backendName    = "anthropic"

	// The Messages API requires max_tokens; used when the caller omits it.
	defaultMaxTokens = 4096
)

// Client implements backend.Backend for Anthropic.
type Client struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// New creates a new Anthropic backend.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}

	c.client = anthropic.NewClient(
		option.WithAPIKey(c.apiKey),
		option.WithBaseURL(c.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: backend.CallTimeout}),
	)

	return c
}

func (c *Client) Name() string { return backendName }

// HealthCheck is a cheap auth/connectivity check: GET /v1/models with limit 1.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.client.Models.List(ctx, anthropic.ModelListParams{
		Limit: anthropic.Int(1),
	})
	if err != nil {
		return fmt.Errorf("anthropic: health check: %w", toBackendError(err))
	}
	return nil
}

func (c *Client) Complete(ctx context.Context, req *backend.Request) (*backend.Result, error) {
	params := buildParams(req)

	opts := make([]option.RequestOption, 0, len(req.Headers))
	for k, v := range req.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}

	if req.Stream {
		return c.handleStreaming(ctx, req.Model, params, opts...)
	}
	return c.handleResponse(ctx, params, opts...)
}

// buildParams translates the canonical request into the Messages API shape.
// System/developer turns fold into the system prompt; Anthropic does not
// accept them as conversation messages.
func buildParams(req *backend.Request) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.TopP > 0 {
		params.TopP = anthropic.Float(req.TopP)
	}
	if req.TopK > 0 {
		params.TopK = anthropic.Int(int64(req.TopK))
	}

	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{OfText: &anthropic.TextBlockParam{Text: content}},
		},
	}
}

func (c *Client) handleResponse(
	ctx context.Context,
	params anthropic.MessageNewParams,
	opts ...option.RequestOption,
) (*backend.Result, error) {
	msg, err := c.client.Messages.New(ctx, params, opts...)
	if err != nil {
		return nil, toBackendError(err)
	}

	// Concatenate every text block into the single choice content.
	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &backend.Result{
		ID:        msg.ID,
		CreatedAt: time.Now().UTC(),
		Model:     string(msg.Model),
		Choices: []backend.Choice{
			{
				Index:        0,
				Message:      backend.Message{Role: "assistant", Content: sb.String()},
				FinishReason: finishReason(string(msg.StopReason)),
			},
		},
		Usage: backend.Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}, nil
}

func (c *Client) handleStreaming(
	ctx context.Context,
	model string,
	params anthropic.MessageNewParams,
	opts ...option.RequestOption,
) (*backend.Result, error) {
	ch := make(chan backend.StreamChunk, 64)

	stream := c.client.Messages.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)

		for stream.Next() {
			ev := stream.Current()

			switch eventVariant := ev.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- backend.StreamChunk{Content: deltaVariant.Text}
					}
				case *anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- backend.StreamChunk{Content: deltaVariant.Text}
					}
				}
			case anthropic.MessageStopEvent:
				ch <- backend.StreamChunk{FinishReason: "stop"}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- backend.StreamChunk{
				Content:      fmt.Sprintf("[stream error] %v", err),
				FinishReason: "error",
			}
		}
	}()

	return &backend.Result{Model: model, Stream: ch}, nil
}

// finishReason maps Anthropic stop reasons onto the canonical vocabulary.
func finishReason(stop string) string {
	switch stop {
	case "max_tokens":
		return "length"
	case "", "end_turn", "stop_sequence":
		return "stop"
	default:
		return stop
	}
}

// BackendError is a structured error returned by the Anthropic API.
type BackendError struct {
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("anthropic: %s (status=%d)", e.Message, e.StatusCode)
}

// HTTPStatus implements backend.StatusCoder.
func (e *BackendError) HTTPStatus() int { return e.StatusCode }

func toBackendError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &BackendError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}
