package openaicompat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/forgeloop/agent-gateway/internal/backend"
)

func newTestClient(srv *httptest.Server) *Client {
	return New("local-ollama", "mock-api-key", srv.URL+"/v1")
}

func baseRequest() *backend.Request {
	return &backend.Request{
		Model:    "llama3",
		Messages: []backend.Message{{Role: "user", Content: "Hello"}},
	}
}

func decodeJSONMap(t *testing.T, r *http.Request) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		t.Fatalf("failed to decode request body as json: %v", err)
	}
	return m
}

func completionJSON(id, model, text, finish string) map[string]any {
	return map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": 1756400000,
		"model":   model,
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": text,
				},
				"finish_reason": finish,
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     10,
			"completion_tokens": 5,
			"total_tokens":      15,
		},
	}
}

func requireBackendError(t *testing.T, err error, wantStatus int) *BackendError {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("expected *BackendError (via errors.As), got %T: %v", err, err)
	}
	if be.StatusCode != wantStatus {
		t.Fatalf("expected status=%d, got %d", wantStatus, be.StatusCode)
	}
	if be.HTTPStatus() != wantStatus {
		t.Fatalf("expected HTTPStatus()=%d, got %d", wantStatus, be.HTTPStatus())
	}
	return be
}

func TestClient_Name(t *testing.T) {
	c := New("local-vllm", "key", "http://localhost:8000/v1")
	if c.Name() != "local-vllm" {
		t.Fatalf("expected 'local-vllm', got %q", c.Name())
	}
}

func TestClient_Complete_Success(t *testing.T) {
	var captured map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("expected /v1/chat/completions, got %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer mock-api-key" {
			t.Errorf("missing or wrong Authorization header: %q", got)
		}
		captured = decodeJSONMap(t, r)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completionJSON("chatcmpl-123", "llama3", "Hello, world!", "stop"))
	}))
	defer srv.Close()

	req := &backend.Request{
		Model: "llama3",
		Messages: []backend.Message{
			{Role: "system", Content: "Be brief."},
			{Role: "user", Content: "Hello"},
		},
	}

	c := newTestClient(srv)
	res, err := c.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if captured["model"] != "llama3" {
		t.Errorf("expected model 'llama3' in request, got %#v", captured["model"])
	}
	msgs, ok := captured["messages"].([]any)
	if !ok || len(msgs) != 2 {
		t.Fatalf("expected 2 messages in request, got %#v", captured["messages"])
	}
	m0 := msgs[0].(map[string]any)
	m1 := msgs[1].(map[string]any)
	if m0["role"] != "system" || m0["content"] != "Be brief." {
		t.Errorf("unexpected first message: %#v", m0)
	}
	if m1["role"] != "user" || m1["content"] != "Hello" {
		t.Errorf("unexpected second message: %#v", m1)
	}
	// Zero sampling params must not be sent.
	if _, ok := captured["temperature"]; ok {
		t.Errorf("did not expect temperature in request, got %#v", captured["temperature"])
	}

	if res.ID != "chatcmpl-123" {
		t.Errorf("expected ID 'chatcmpl-123', got %q", res.ID)
	}
	if res.Model != "llama3" {
		t.Errorf("expected model 'llama3', got %q", res.Model)
	}
	if res.Text() != "Hello, world!" {
		t.Errorf("expected content 'Hello, world!', got %q", res.Text())
	}
	if res.Choices[0].FinishReason != "stop" {
		t.Errorf("expected finish reason 'stop', got %q", res.Choices[0].FinishReason)
	}
	if res.Usage.PromptTokens != 10 || res.Usage.CompletionTokens != 5 || res.Usage.TotalTokens != 15 {
		t.Errorf("unexpected usage: %+v", res.Usage)
	}
}

func TestClient_Complete_SamplingParams(t *testing.T) {
	var captured map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = decodeJSONMap(t, r)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completionJSON("chatcmpl-1", "llama3", "ok", "stop"))
	}))
	defer srv.Close()

	req := baseRequest()
	req.Temperature = 0.2
	req.MaxTokens = 512
	req.TopP = 0.9

	c := newTestClient(srv)
	if _, err := c.Complete(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got, ok := captured["temperature"].(float64); !ok || got != 0.2 {
		t.Errorf("expected temperature 0.2, got %#v", captured["temperature"])
	}
	if got, ok := captured["max_completion_tokens"].(float64); !ok || got != 512 {
		t.Errorf("expected max_completion_tokens 512, got %#v", captured["max_completion_tokens"])
	}
	if got, ok := captured["top_p"].(float64); !ok || got != 0.9 {
		t.Errorf("expected top_p 0.9, got %#v", captured["top_p"])
	}
}

func TestClient_Complete_PropagationHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Trace-Id"); got != "trace-abc" {
			t.Errorf("expected X-Trace-Id 'trace-abc', got %q", got)
		}
		if got := r.Header.Get("X-Agent-Type"); got != "scaffolder" {
			t.Errorf("expected X-Agent-Type 'scaffolder', got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(completionJSON("chatcmpl-1", "llama3", "ok", "stop"))
	}))
	defer srv.Close()

	req := baseRequest()
	req.Headers = map[string]string{
		"X-Trace-Id":   "trace-abc",
		"X-Agent-Type": "scaffolder",
	}

	c := newTestClient(srv)
	if _, err := c.Complete(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClient_Complete_Streaming(t *testing.T) {
	chunks := []string{
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"llama3","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"llama3","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"llama3","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.WriteHeader(http.StatusOK)

		flusher, ok := w.(http.Flusher)
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
			if ok {
				flusher.Flush()
			}
		}
		fmt.Fprintln(w, "data: [DONE]")
	}))
	defer srv.Close()

	req := baseRequest()
	req.Stream = true

	c := newTestClient(srv)
	res, err := c.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stream == nil {
		t.Fatal("expected non-nil Stream channel")
	}

	var content strings.Builder
	var finish string
	for chunk := range res.Stream {
		content.WriteString(chunk.Content)
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}

	if content.String() != "Hello world" {
		t.Errorf("expected 'Hello world', got %q", content.String())
	}
	if finish != "stop" {
		t.Errorf("expected finish reason 'stop', got %q", finish)
	}
}

func TestClient_Complete_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprintln(w, `{"error":{"message":"Rate limit exceeded","type":"rate_limit_error","code":"rate_limit_exceeded"}}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.Complete(context.Background(), baseRequest())
	be := requireBackendError(t, err, http.StatusTooManyRequests)

	if be.Name != "local-ollama" {
		t.Errorf("expected backend name 'local-ollama' on the error, got %q", be.Name)
	}
	if !strings.Contains(be.Error(), "local-ollama") {
		t.Errorf("error string should mention the backend name, got %q", be.Error())
	}
}

func TestClient_Complete_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprintln(w, `{"error":{"message":"Service unavailable","type":"server_error"}}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.Complete(context.Background(), baseRequest())
	requireBackendError(t, err, http.StatusServiceUnavailable)
}

func TestClient_Complete_EmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"id":"chatcmpl-1","object":"chat.completion","created":0,"model":"llama3","choices":[]}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	_, err := c.Complete(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error for empty choices, got nil")
	}
	if !strings.Contains(err.Error(), "empty choices") {
		t.Errorf("expected 'empty choices' error, got %v", err)
	}
}

func TestClient_HealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"object":"list","data":[{"id":"llama3","object":"model","created":0,"owned_by":"library"}]}`)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Fatalf("unexpected healthcheck error: %v", err)
	}
}

func TestClient_HealthCheck_Down(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(srv)
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected healthcheck error for 500, got nil")
	}
}
