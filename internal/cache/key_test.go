package cache

import (
	"strings"
	"testing"

	"github.com/forgeloop/agent-gateway/internal/backend"
)

func baseRequest() *backend.Request {
	return &backend.Request{
		Model:       "llama3",
		Messages:    backend.Prompt("write a parser"),
		Temperature: 0.7,
		MaxTokens:   4096,
	}
}

func TestKey_Deterministic(t *testing.T) {
	a := Key(baseRequest())
	b := Key(baseRequest())
	if a != b {
		t.Errorf("same request hashed differently: %s vs %s", a, b)
	}
	if !strings.HasPrefix(a, "completion:") {
		t.Errorf("key %q missing completion: prefix", a)
	}
}

// TestCacheKeyFieldContract pins which request fields participate in the
// cache key. Model, messages, temperature, and max_tokens must change the
// key; top_p, top_k, and stream must not.
func TestCacheKeyFieldContract(t *testing.T) {
	base := Key(baseRequest())

	participating := map[string]func(*backend.Request){
		"model":       func(r *backend.Request) { r.Model = "mistral" },
		"messages":    func(r *backend.Request) { r.Messages = backend.Prompt("write a lexer") },
		"temperature": func(r *backend.Request) { r.Temperature = 0.2 },
		"max_tokens":  func(r *backend.Request) { r.MaxTokens = 128 },
	}
	for field, mutate := range participating {
		req := baseRequest()
		mutate(req)
		if Key(req) == base {
			t.Errorf("changing %s did not change the key", field)
		}
	}

	excluded := map[string]func(*backend.Request){
		"top_p":  func(r *backend.Request) { r.TopP = 0.9 },
		"top_k":  func(r *backend.Request) { r.TopK = 40 },
		"stream": func(r *backend.Request) { r.Stream = true },
	}
	for field, mutate := range excluded {
		req := baseRequest()
		mutate(req)
		if Key(req) != base {
			t.Errorf("changing %s changed the key but must not", field)
		}
	}
}

func TestKey_TemperatureNormalized(t *testing.T) {
	a := baseRequest()
	a.Temperature = 0.7
	b := baseRequest()
	b.Temperature = 0.70

	if Key(a) != Key(b) {
		t.Error("0.7 and 0.70 should hash identically")
	}
}

func TestKey_MessageRoleMatters(t *testing.T) {
	a := baseRequest()
	a.Messages = []backend.Message{{Role: "user", Content: "x"}}
	b := baseRequest()
	b.Messages = []backend.Message{{Role: "system", Content: "x"}}

	if Key(a) == Key(b) {
		t.Error("message role should participate in the key")
	}
}
