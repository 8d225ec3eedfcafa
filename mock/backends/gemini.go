package main

import (
	"fmt"
	"net/http"
	"strings"
)

// newGeminiHandler returns an http.Handler that simulates the Gemini
// generateContent API.
func newGeminiHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		switch {
		case strings.HasSuffix(path, ":generateContent"):
			handleGeminiGenerate(w, r, cfg, false)
		case strings.HasSuffix(path, ":streamGenerateContent"):
			handleGeminiGenerate(w, r, cfg, true)
		default:
			writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("unknown action in %s", path))
		}
	})

	// GET /v1beta/models - used by the gateway's health prober.
	mux.HandleFunc("/v1beta/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{
					"name":                       "models/gemini-2.0-flash",
					"displayName":                "Gemini 2.0 Flash",
					"supportedGenerationMethods": []string{"generateContent", "streamGenerateContent"},
				},
				{
					"name":                       "models/gemini-1.5-pro",
					"displayName":                "Gemini 1.5 Pro",
					"supportedGenerationMethods": []string{"generateContent", "streamGenerateContent"},
				},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func handleGeminiGenerate(w http.ResponseWriter, r *http.Request, cfg Config, stream bool) {
	if r.Method != http.MethodPost {
		writeGeminiError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	applyLatency(cfg)
	if shouldError(cfg) {
		writeGeminiError(w, http.StatusInternalServerError, "mock internal error")
		return
	}

	model := extractModel(r.URL.Path)
	content := fakeReply(cfg.ReplyWords)
	promptTokens := 15
	replyTokens := cfg.ReplyWords

	resp := map[string]any{
		"candidates": []map[string]any{
			{
				"content": map[string]any{
					"role": "model",
					"parts": []map[string]string{
						{"text": content},
					},
				},
				"finishReason": "STOP",
				"index":        0,
			},
		},
		"usageMetadata": map[string]int{
			"promptTokenCount":     promptTokens,
			"candidatesTokenCount": replyTokens,
			"totalTokenCount":      promptTokens + replyTokens,
		},
		"responseId":   fmt.Sprintf("mock-%s", model),
		"modelVersion": model,
	}

	if stream {
		// Streamed responses arrive as a JSON array of response objects.
		writeJSON(w, http.StatusOK, []any{resp})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// extractModel pulls the model name out of /v1beta/models/{model}:{action}.
func extractModel(path string) string {
	rest := strings.TrimPrefix(path, "/v1beta/models/")
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		return rest[:i]
	}
	return rest
}

func writeGeminiError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  "INTERNAL",
		},
	})
}
