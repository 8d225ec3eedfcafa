// Package openai implements the backend contract for the hosted OpenAI API
// using the official SDK.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/forgeloop/agent-gateway/internal/backend"
	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

const (
	defaultBaseURL = "https://api.openai.com/v1"
	backendName    = "openai"
)

// Client implements backend.Backend for OpenAI.
type Client struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// New creates a new OpenAI backend.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}

	c.client = openaiSDK.NewClient(
		option.WithAPIKey(c.apiKey),
		option.WithBaseURL(c.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: backend.CallTimeout}),
	)

	return c
}

func (c *Client) Name() string { return backendName }

func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("openai: health check: %w", toBackendError(err))
	}
	return nil
}

func (c *Client) Complete(ctx context.Context, req *backend.Request) (*backend.Result, error) {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if req.TopP != 0 {
		params.TopP = openaiSDK.Float(req.TopP)
	}

	opts := make([]option.RequestOption, 0, len(req.Headers))
	for k, v := range req.Headers {
		opts = append(opts, option.WithHeader(k, v))
	}

	if req.Stream {
		return c.handleStreaming(ctx, params, opts...)
	}
	return c.handleResponse(ctx, req, params, opts...)
}

func (c *Client) handleResponse(
	ctx context.Context,
	req *backend.Request,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*backend.Result, error) {
	resp, err := c.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, toBackendError(err)
	}

	choices := make([]backend.Choice, 0, len(resp.Choices))
	for i, ch := range resp.Choices {
		choices = append(choices, backend.Choice{
			Index:        i,
			Message:      backend.Message{Role: "assistant", Content: ch.Message.Content},
			FinishReason: string(ch.FinishReason),
		})
	}
	if len(choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices in response")
	}

	model := resp.Model
	if model == "" {
		model = req.Model
	}

	return &backend.Result{
		ID:        resp.ID,
		CreatedAt: time.Unix(resp.Created, 0).UTC(),
		Model:     model,
		Choices:   choices,
		Usage: backend.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

func (c *Client) handleStreaming(
	ctx context.Context,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*backend.Result, error) {
	ch := make(chan backend.StreamChunk, 64)

	stream := c.client.Chat.Completions.NewStreaming(ctx, params, opts...)

	go func() {
		defer close(ch)

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			cc := chunk.Choices[0]
			if cc.Delta.Content != "" {
				ch <- backend.StreamChunk{
					Content:      cc.Delta.Content,
					FinishReason: cc.FinishReason,
				}
				continue
			}
			if cc.FinishReason != "" {
				ch <- backend.StreamChunk{FinishReason: cc.FinishReason}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- backend.StreamChunk{
				Content:      fmt.Sprintf("[stream error] %v", err),
				FinishReason: "error",
			}
		}
	}()

	return &backend.Result{Model: params.Model, Stream: ch}, nil
}

// BackendError carries the upstream HTTP status for retryability decisions.
type BackendError struct {
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("openai: %s (status=%d)", e.Message, e.StatusCode)
}

func (e *BackendError) HTTPStatus() int { return e.StatusCode }

func toBackendError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &BackendError{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}
