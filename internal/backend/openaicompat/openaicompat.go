// Package openaicompat provides a generic backend for any service exposing
// the OpenAI chat completions surface. It is the workhorse for local
// inference servers (Ollama, vLLM, llama.cpp server) as well as hosted
// OpenAI-compatible APIs.
package openaicompat

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

// Client is a configurable OpenAI-compatible backend.
type Client struct {
	name    string
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// New creates a new OpenAI-compatible backend.
//
//   - name    - unique backend identifier used for routing and logs.
//   - apiKey  - bearer token; local inference servers usually accept any value.
//   - baseURL - API base URL, e.g. "http://localhost:11434/v1".
func New(name, apiKey, baseURL string) *Client {
	c := &Client{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
	}

	opts := []option.RequestOption{
		option.WithAPIKey(c.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: backend.CallTimeout}),
	}
	if c.baseURL != "" {
		opts = append(opts, option.WithBaseURL(c.baseURL))
	}

	c.client = openaiSDK.NewClient(opts...)
	return c
}

func (c *Client) Name() string { return c.name }

// HealthCheck lists models - the cheapest unauthenticated-ish call most
// OpenAI-compatible servers support.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.client.Models.List(ctx)
	if err != nil {
		return fmt.Errorf("%s: health check: %w", c.name, c.toBackendError(err))
	}
	return nil
}

func (c *Client) Complete(ctx context.Context, req *backend.Request) (*backend.Result, error) {
	params := c.buildParams(req)
	opts := requestOptions(req.Headers)

	if req.Stream {
		return c.handleStreaming(ctx, params, opts...)
	}
	return c.handleResponse(ctx, req, params, opts...)
}

func (c *Client) buildParams(req *backend.Request) openaiSDK.ChatCompletionNewParams {
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

	return params
}

func (c *Client) handleResponse(
	ctx context.Context,
	req *backend.Request,
	params openaiSDK.ChatCompletionNewParams,
	opts ...option.RequestOption,
) (*backend.Result, error) {
	resp, err := c.client.Chat.Completions.New(ctx, params, opts...)
	if err != nil {
		return nil, c.toBackendError(err)
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
		return nil, fmt.Errorf("%s: empty choices in response", c.name)
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

// BackendError is a structured error returned by an OpenAI-compatible API.
type BackendError struct {
	Name       string
	StatusCode int
	Message    string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Name, e.Message, e.StatusCode)
}

func (e *BackendError) HTTPStatus() int { return e.StatusCode }

func (c *Client) toBackendError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &BackendError{
			Name:       c.name,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}

// requestOptions converts the propagation headers into per-request options.
func requestOptions(headers map[string]string) []option.RequestOption {
	opts := make([]option.RequestOption, 0, len(headers))
	for k, v := range headers {
		opts = append(opts, option.WithHeader(k, v))
	}
	return opts
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
