// Package agentclient is the call-site convenience layer used by agents.
//
// A Client prefers the local gateway: the request goes to the gateway's
// completion endpoint with trace propagation headers attached, and only when
// the gateway itself is unreachable does the client fall back to a directly
// configured hosted provider. Non-streaming completions are additionally
// cached per client instance with a coarse prompt-prefix key - a cheaper,
// lossier layer than the gateway's own canonical cache.
package agentclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/forgeloop/agent-gateway/internal/trace"
)

// Default tuning values.
const (
	defaultTimeout     = 120 * time.Second
	defaultCacheSize   = 128
	promptKeyPrefixLen = 64
)

// Options configures a Client. GatewayURL or HostedAPIKey (or both) must be
// set; with both set the gateway is preferred and the hosted provider is the
// fallback.
type Options struct {
	// GatewayURL is the base URL of the local gateway, e.g. "http://localhost:8080".
	GatewayURL string

	// HostedAPIKey configures the direct hosted-provider fallback.
	HostedAPIKey string

	// HostedBaseURL overrides the hosted provider's endpoint.
	HostedBaseURL string

	// Model is the default model for requests that don't name one.
	Model string

	// AgentType routes gateway requests through the agent preset resolver
	// and tags the workflow trace.
	AgentType string

	// TaskID and WorkflowID tag every request's trace context.
	TaskID     string
	WorkflowID string

	// Temperature and MaxTokens are defaults merged under per-call params.
	Temperature float64
	MaxTokens   int

	// Timeout bounds each attempt (gateway or hosted). Default: 120s.
	Timeout time.Duration

	// CacheSize bounds the client-local completion cache. 0 uses the
	// default (128); negative disables local caching.
	CacheSize int

	// HTTPClient overrides the gateway transport. Defaults to a client with
	// Timeout applied.
	HTTPClient *http.Client

	// Logger receives fallback diagnostics. Defaults to slog.Default.
	Logger *slog.Logger
}

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Choice is one generated completion.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Result is the completion result in the gateway's canonical shape.
type Result struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Model     string    `json:"model"`
	Choices   []Choice  `json:"choices"`
	Usage     Usage     `json:"usage"`
}

// Text returns the content of the first choice, or "" when Choices is empty.
func (r *Result) Text() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return r.Choices[0].Message.Content
}

// Health reports what CheckHealth could reach without a billed model call.
type Health struct {
	GatewayReachable bool   `json:"gateway_reachable"`
	GatewayStatus    string `json:"gateway_status,omitempty"`
	HostedConfigured bool   `json:"hosted_configured"`
}

// Client issues completions with gateway-first routing. Safe for concurrent
// use.
type Client struct {
	opts       Options
	httpClient *http.Client
	hosted     *openaiSDK.Client
	log        *slog.Logger

	cacheMu    sync.Mutex
	cache      map[string]*Result
	cacheOrder []string
	cacheMax   int
}

// New creates a Client. Returns an error when neither a gateway URL nor a
// hosted key is configured - the client would have nowhere to send anything.
func New(opts Options) (*Client, error) {
	if opts.GatewayURL == "" && opts.HostedAPIKey == "" {
		return nil, fmt.Errorf("agentclient: at least one of GatewayURL or HostedAPIKey is required")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	c := &Client{
		opts:       opts,
		httpClient: httpClient,
		log:        log,
	}

	cacheMax := opts.CacheSize
	if cacheMax == 0 {
		cacheMax = defaultCacheSize
	}
	if cacheMax > 0 {
		c.cache = make(map[string]*Result, cacheMax)
		c.cacheMax = cacheMax
	}

	if opts.HostedAPIKey != "" {
		sdkOpts := []option.RequestOption{option.WithAPIKey(opts.HostedAPIKey)}
		if opts.HostedBaseURL != "" {
			sdkOpts = append(sdkOpts, option.WithBaseURL(opts.HostedBaseURL))
		}
		cli := openaiSDK.NewClient(sdkOpts...)
		c.hosted = &cli
	}

	return c, nil
}

// Params overrides the client defaults for a single call. Zero fields keep
// the Options values.
type Params struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Messages    []Message // when set, prompt is ignored
}

// Complete issues a completion for prompt. The gateway is tried first when
// configured; on transport failure the hosted provider is tried; the last
// error propagates only when everything failed. Successful results are
// cached locally keyed by the prompt prefix and serialized parameters.
func (c *Client) Complete(ctx context.Context, prompt string, params ...Params) (*Result, error) {
	p := c.mergeParams(params)
	key := c.cacheKey(prompt, p)

	if res, ok := c.cacheGet(key); ok {
		return res, nil
	}

	res, err := c.complete(ctx, prompt, p, false, nil)
	if err != nil {
		return nil, err
	}

	c.cachePut(key, res)
	return res, nil
}

// CompleteStream issues a streaming completion. The returned channel yields
// text fragments and is closed after the final fragment - the close is the
// completion sentinel. Streaming results are never locally cached.
func (c *Client) CompleteStream(ctx context.Context, prompt string, params ...Params) (<-chan string, error) {
	p := c.mergeParams(params)
	out := make(chan string, 64)
	_, err := c.complete(ctx, prompt, p, true, out)
	if err != nil {
		close(out)
		return nil, err
	}
	return out, nil
}

// CheckHealth probes gateway reachability and reports whether a hosted
// fallback is configured. No model call is made.
func (c *Client) CheckHealth(ctx context.Context) Health {
	h := Health{HostedConfigured: c.hosted != nil}
	if c.opts.GatewayURL == "" {
		return h
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		strings.TrimRight(c.opts.GatewayURL, "/")+"/health", nil)
	if err != nil {
		return h
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return h
	}
	defer resp.Body.Close()

	h.GatewayReachable = resp.StatusCode == http.StatusOK
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&body); err == nil {
		h.GatewayStatus = body.Status
	}
	return h
}

// complete runs the gateway-then-hosted attempt chain.
func (c *Client) complete(ctx context.Context, prompt string, p Params, stream bool, out chan<- string) (*Result, error) {
	var lastErr error

	if c.opts.GatewayURL != "" {
		res, err := c.completeGateway(ctx, prompt, p, stream, out)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if c.hosted != nil {
			c.log.Warn("gateway unavailable, falling back to hosted provider",
				slog.String("error", err.Error()))
		}
	}

	if c.hosted != nil {
		res, err := c.completeHosted(ctx, prompt, p, stream, out)
		if err == nil {
			return res, nil
		}
		lastErr = err
	}

	return nil, fmt.Errorf("agentclient: all transports failed: %w", lastErr)
}

func (c *Client) mergeParams(params []Params) Params {
	var p Params
	if len(params) > 0 {
		p = params[0]
	}
	if p.Model == "" {
		p.Model = c.opts.Model
	}
	if p.Temperature == 0 {
		p.Temperature = c.opts.Temperature
	}
	if p.MaxTokens == 0 {
		p.MaxTokens = c.opts.MaxTokens
	}
	return p
}

// ── Gateway transport ────────────────────────────────────────────────────────

type gatewayRequest struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages,omitempty"`
	Prompt      string    `json:"prompt,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

func (c *Client) gatewayEndpoint() string {
	base := strings.TrimRight(c.opts.GatewayURL, "/")
	if c.opts.AgentType != "" {
		return base + "/agent/" + c.opts.AgentType + "/complete"
	}
	return base + "/v1/chat/completions"
}

func (c *Client) completeGateway(ctx context.Context, prompt string, p Params, stream bool, out chan<- string) (*Result, error) {
	body := gatewayRequest{
		Model:       p.Model,
		Messages:    p.Messages,
		Temperature: p.Temperature,
		MaxTokens:   p.MaxTokens,
		Stream:      stream,
	}
	if len(body.Messages) == 0 {
		body.Prompt = prompt
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("agentclient: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gatewayEndpoint(), bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.opts.TaskID != "" {
		req.Header.Set(trace.HeaderTaskID, c.opts.TaskID)
	}
	if c.opts.WorkflowID != "" {
		req.Header.Set(trace.HeaderWorkflowID, c.opts.WorkflowID)
	}
	if c.opts.AgentType != "" {
		req.Header.Set(trace.HeaderAgentType, c.opts.AgentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("agentclient: gateway: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("agentclient: gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	if stream {
		go c.drainSSE(resp.Body, out)
		return &Result{}, nil
	}

	defer resp.Body.Close()
	var res Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, fmt.Errorf("agentclient: decode gateway response: %w", err)
	}
	return &res, nil
}

// drainSSE parses the gateway's SSE stream and forwards content deltas.
// The output channel is closed when the stream ends, ended normally or not.
func (c *Client) drainSSE(body io.ReadCloser, out chan<- string) {
	defer body.Close()
	defer close(out)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			return
		}
		var chunk struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue
		}
		for _, ch := range chunk.Choices {
			if ch.Delta.Content != "" {
				out <- ch.Delta.Content
			}
		}
	}
}

// ── Hosted transport ─────────────────────────────────────────────────────────

func (c *Client) completeHosted(ctx context.Context, prompt string, p Params, stream bool, out chan<- string) (*Result, error) {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(p.Messages)+1)
	if len(p.Messages) > 0 {
		for _, m := range p.Messages {
			switch m.Role {
			case "system", "developer":
				msgs = append(msgs, openaiSDK.SystemMessage(m.Content))
			case "assistant":
				msgs = append(msgs, openaiSDK.AssistantMessage(m.Content))
			default:
				msgs = append(msgs, openaiSDK.UserMessage(m.Content))
			}
		}
	} else {
		msgs = append(msgs, openaiSDK.UserMessage(prompt))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Model:    openaiSDK.ChatModel(p.Model),
		Messages: msgs,
	}
	if p.Temperature > 0 {
		params.Temperature = openaiSDK.Float(p.Temperature)
	}
	if p.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(p.MaxTokens))
	}

	if stream {
		s := c.hosted.Chat.Completions.NewStreaming(ctx, params)
		go func() {
			defer close(out)
			for s.Next() {
				chunk := s.Current()
				for _, ch := range chunk.Choices {
					if ch.Delta.Content != "" {
						out <- ch.Delta.Content
					}
				}
			}
		}()
		return &Result{}, nil
	}

	resp, err := c.hosted.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("agentclient: hosted: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("agentclient: hosted provider returned no choices")
	}

	choices := make([]Choice, len(resp.Choices))
	for i, ch := range resp.Choices {
		choices[i] = Choice{
			Index:        int(ch.Index),
			Message:      Message{Role: "assistant", Content: ch.Message.Content},
			FinishReason: string(ch.FinishReason),
		}
	}

	return &Result{
		ID:        resp.ID,
		CreatedAt: time.Unix(resp.Created, 0).UTC(),
		Model:     resp.Model,
		Choices:   choices,
		Usage: Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}, nil
}

// ── Client-local cache ───────────────────────────────────────────────────────

// cacheKey derives the coarse local key: prompt prefix plus serialized
// parameters. Deliberately lossier than the gateway's canonical key - two
// prompts sharing the first 64 characters and parameters collide here and
// are disambiguated by the gateway cache behind it.
func (c *Client) cacheKey(prompt string, p Params) string {
	prefix := prompt
	if len(prefix) > promptKeyPrefixLen {
		prefix = prefix[:promptKeyPrefixLen]
	}
	return fmt.Sprintf("%s|%.2f|%d|%d|%s", p.Model, p.Temperature, p.MaxTokens, len(prompt), prefix)
}

func (c *Client) cacheGet(key string) (*Result, bool) {
	if c.cache == nil {
		return nil, false
	}
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()
	res, ok := c.cache[key]
	return res, ok
}

// cachePut inserts with strict insertion-order eviction.
func (c *Client) cachePut(key string, res *Result) {
	if c.cache == nil {
		return
	}
	c.cacheMu.Lock()
	defer c.cacheMu.Unlock()

	if _, exists := c.cache[key]; !exists {
		c.cacheOrder = append(c.cacheOrder, key)
	}
	c.cache[key] = res

	for len(c.cache) > c.cacheMax && len(c.cacheOrder) > 0 {
		oldest := c.cacheOrder[0]
		c.cacheOrder = c.cacheOrder[1:]
		delete(c.cache, oldest)
	}
}

// ── Structured output ────────────────────────────────────────────────────────

// ExtractJSON locates the first JSON object or array in text - tolerating
// markdown code fences - and unmarshals it into v.
func ExtractJSON(text string, v any) error {
	candidate := text

	// Prefer fenced blocks when present.
	if i := strings.Index(candidate, "```"); i >= 0 {
		rest := candidate[i+3:]
		rest = strings.TrimPrefix(rest, "json")
		if j := strings.Index(rest, "```"); j >= 0 {
			candidate = rest[:j]
		}
	}

	start := strings.IndexAny(candidate, "{[")
	if start < 0 {
		return fmt.Errorf("agentclient: no JSON found in completion")
	}
	candidate = candidate[start:]

	// Walk back from the end until the fragment parses.
	for end := len(candidate); end > 0; end-- {
		fragment := strings.TrimSpace(candidate[:end])
		if fragment == "" {
			break
		}
		last := fragment[len(fragment)-1]
		if last != '}' && last != ']' {
			continue
		}
		if err := json.Unmarshal([]byte(fragment), v); err == nil {
			return nil
		}
	}
	return fmt.Errorf("agentclient: completion contains no parseable JSON")
}
