package gemini

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

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	c, err := New(context.Background(), "mock-api-key", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("failed to construct client: %v", err)
	}
	return c
}

func baseRequest() *backend.Request {
	return &backend.Request{
		Model:    "gemini-2.0-flash",
		Messages: []backend.Message{{Role: "user", Content: "Hello"}},
	}
}

func successResponse(text string) generateResponse {
	return generateResponse{
		ResponseID: "resp-1",
		Candidates: []candidate{
			{
				Content: content{
					Role:  "model",
					Parts: []part{{Text: text}},
				},
				FinishReason: "STOP",
			},
		},
		UsageMetadata: usageMetadata{
			PromptTokenCount:     10,
			CandidatesTokenCount: 5,
			TotalTokenCount:      15,
		},
	}
}

func TestClient_Name(t *testing.T) {
	c, err := New(context.Background(), "key")
	if err != nil {
		t.Fatalf("unexpected error from New: %v", err)
	}
	if c.Name() != "gemini" {
		t.Fatalf("expected 'gemini', got %q", c.Name())
	}
}

func TestNew_NilContext(t *testing.T) {
	var nilCtx context.Context
	if _, err := New(nilCtx, "key"); err == nil {
		t.Fatal("expected error for nil context, got nil")
	}
}

func TestClient_Complete_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		// The SDK may carry the key as a query param or a header.
		gotKey := r.URL.Query().Get("key")
		if gotKey == "" {
			gotKey = r.Header.Get("x-goog-api-key")
		}
		if gotKey != "mock-api-key" {
			t.Errorf("expected api key 'mock-api-key', got %q", gotKey)
		}
		if !strings.Contains(r.URL.Path, "gemini-2.0-flash") {
			t.Errorf("expected model in path, got %q", r.URL.Path)
		}
		if !strings.Contains(r.URL.Path, "generateContent") {
			t.Errorf("expected generateContent in path, got %q", r.URL.Path)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successResponse("Hello, world!"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	res, err := c.Complete(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.ID != "resp-1" {
		t.Errorf("expected ID 'resp-1', got %q", res.ID)
	}
	if res.Text() != "Hello, world!" {
		t.Errorf("expected content 'Hello, world!', got %q", res.Text())
	}
	if res.Choices[0].FinishReason != "stop" {
		t.Errorf("expected lowercased finish reason 'stop', got %q", res.Choices[0].FinishReason)
	}
	if res.Usage.PromptTokens != 10 || res.Usage.CompletionTokens != 5 || res.Usage.TotalTokens != 15 {
		t.Errorf("unexpected usage: %+v", res.Usage)
	}
}

func TestClient_Complete_RoleMapping(t *testing.T) {
	var captured generateRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successResponse("6"))
	}))
	defer srv.Close()

	req := &backend.Request{
		Model: "gemini-2.0-flash",
		Messages: []backend.Message{
			{Role: "user", Content: "What is 2+2?"},
			{Role: "assistant", Content: "4"},
			{Role: "user", Content: "And 3+3?"},
		},
	}

	c := newTestClient(t, srv)
	if _, err := c.Complete(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(captured.Contents) != 3 {
		t.Fatalf("expected 3 contents, got %d", len(captured.Contents))
	}
	if captured.Contents[1].Role != "model" {
		t.Errorf("expected role 'model' for assistant message, got %q", captured.Contents[1].Role)
	}
	if len(captured.Contents[1].Parts) == 0 || captured.Contents[1].Parts[0].Text != "4" {
		t.Errorf("expected text '4', got %+v", captured.Contents[1].Parts)
	}
	if captured.Contents[0].Role != "user" || captured.Contents[2].Role != "user" {
		t.Errorf("expected user roles at 0 and 2, got %q and %q",
			captured.Contents[0].Role, captured.Contents[2].Role)
	}
}

func TestClient_Complete_SystemInstruction(t *testing.T) {
	var captured generateRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successResponse("OK"))
	}))
	defer srv.Close()

	req := &backend.Request{
		Model: "gemini-2.0-flash",
		Messages: []backend.Message{
			{Role: "system", Content: "You are a helpful assistant."},
			{Role: "user", Content: "Hello"},
		},
	}

	c := newTestClient(t, srv)
	if _, err := c.Complete(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if captured.SystemInstruction == nil || len(captured.SystemInstruction.Parts) == 0 {
		t.Fatal("expected systemInstruction to be set")
	}
	if captured.SystemInstruction.Parts[0].Text != "You are a helpful assistant." {
		t.Errorf("unexpected systemInstruction text: %q", captured.SystemInstruction.Parts[0].Text)
	}
	if len(captured.Contents) != 1 || captured.Contents[0].Role != "user" {
		t.Errorf("expected only the user turn in contents, got %+v", captured.Contents)
	}
}

func TestClient_Complete_GenerationConfig(t *testing.T) {
	var captured generateRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("failed to decode request body: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successResponse("Response"))
	}))
	defer srv.Close()

	req := baseRequest()
	req.Temperature = 0.7
	req.MaxTokens = 1000

	c := newTestClient(t, srv)
	if _, err := c.Complete(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if captured.GenerationConfig == nil {
		t.Fatal("expected generationConfig to be set")
	}
	if captured.GenerationConfig.Temperature == nil || *captured.GenerationConfig.Temperature != 0.7 {
		t.Errorf("expected temperature 0.7, got %v", captured.GenerationConfig.Temperature)
	}
	if captured.GenerationConfig.MaxOutputTokens == nil || *captured.GenerationConfig.MaxOutputTokens != 1000 {
		t.Errorf("expected maxOutputTokens 1000, got %v", captured.GenerationConfig.MaxOutputTokens)
	}
}

func TestClient_Complete_PropagationHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Trace-Id"); got != "trace-abc" {
			t.Errorf("expected X-Trace-Id 'trace-abc', got %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(successResponse("ok"))
	}))
	defer srv.Close()

	req := baseRequest()
	req.Headers = map[string]string{"X-Trace-Id": "trace-abc"}

	c := newTestClient(t, srv)
	if _, err := c.Complete(context.Background(), req); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestClient_Complete_Streaming(t *testing.T) {
	chunks := []string{
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hello"}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":" world"}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":""}]},"finishReason":"STOP"}]}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "streamGenerateContent") {
			t.Errorf("expected streamGenerateContent in path, got %q", r.URL.Path)
		}
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("expected alt=sse query param, got %q", r.URL.Query().Get("alt"))
		}

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
	}))
	defer srv.Close()

	req := baseRequest()
	req.Stream = true

	c := newTestClient(t, srv)
	res, err := c.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Stream == nil {
		t.Fatal("expected non-nil Stream channel")
	}

	var text strings.Builder
	var finish string
	for chunk := range res.Stream {
		text.WriteString(chunk.Content)
		if chunk.FinishReason != "" {
			finish = chunk.FinishReason
		}
	}

	if text.String() != "Hello world" {
		t.Errorf("expected 'Hello world', got %q", text.String())
	}
	if finish != "stop" {
		t.Errorf("expected lowercased finish reason 'stop', got %q", finish)
	}
}

func TestClient_Complete_GeneratedIDFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := successResponse("Hi")
		resp.ResponseID = ""
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	res, err := c.Complete(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasPrefix(res.ID, "gemini-") {
		t.Errorf("expected generated ID with 'gemini-' prefix, got %q", res.ID)
	}
}

func TestClient_Complete_RateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprintln(w, `{"error":{"code":429,"message":"Resource has been exhausted (e.g. check quota).","status":"RESOURCE_EXHAUSTED"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Complete(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected error for 429, got nil")
	}

	var be *BackendError
	if !errors.As(err, &be) {
		t.Fatalf("expected *BackendError (via errors.As), got %T: %v", err, err)
	}
	if be.StatusCode != http.StatusTooManyRequests {
		t.Errorf("expected status 429, got %d", be.StatusCode)
	}
	if be.HTTPStatus() != http.StatusTooManyRequests {
		t.Errorf("HTTPStatus() should return 429, got %d", be.HTTPStatus())
	}
	if be.Status != "RESOURCE_EXHAUSTED" {
		t.Errorf("expected status 'RESOURCE_EXHAUSTED', got %q", be.Status)
	}
}

func TestClient_HealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || !strings.Contains(r.URL.Path, "models") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintln(w, `{"models":[{"name":"models/gemini-2.0-flash"}]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Fatalf("unexpected healthcheck error: %v", err)
	}
}

// Local JSON shapes used for request capture and response stubs.

type generateRequest struct {
	Contents          []content         `json:"contents"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	Temperature     *float32 `json:"temperature,omitempty"`
	MaxOutputTokens *int32   `json:"maxOutputTokens,omitempty"`
}

type generateResponse struct {
	Candidates    []candidate   `json:"candidates"`
	UsageMetadata usageMetadata `json:"usageMetadata,omitempty"`
	ResponseID    string        `json:"responseId,omitempty"`
}

type candidate struct {
	Content      content `json:"content"`
	FinishReason string  `json:"finishReason,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
	TotalTokenCount      int `json:"totalTokenCount,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text,omitempty"`
}
