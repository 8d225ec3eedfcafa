// Command backends runs lightweight HTTP servers that simulate every backend
// the gateway can route to, so failover and load behavior can be exercised
// without GPUs or provider credentials.
//
// Each backend listens on its own port:
//
//	ollama (OpenAI-compatible)  :19001
//	vllm (OpenAI-compatible)    :19002
//	openai                      :19003
//	anthropic                   :19004
//	gemini                      :19005
//
// Environment overrides (PORT_<BACKEND>):
//
//	PORT_OLLAMA, PORT_VLLM, PORT_OPENAI, PORT_ANTHROPIC, PORT_GEMINI
//
// Behavior flags (via env):
//
//	MOCK_LATENCY_MS   - artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE   - fraction [0,1] of requests that return HTTP 500 (default 0)
//	MOCK_REPLY_WORDS  - words per generated reply (default 10)
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// Config holds runtime configuration shared across all mock servers.
type Config struct {
	LatencyMS  int
	ErrorRate  float64
	ReplyWords int
}

func loadConfig() Config {
	c := Config{ReplyWords: 10}

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	if v := os.Getenv("MOCK_REPLY_WORDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ReplyWords = n
		}
	}
	return c
}

func portFromEnv(key string, defaultPort int) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return strconv.Itoa(defaultPort)
}

func startServer(name, addr string, h http.Handler, log *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      h,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Info("mock backend listening", slog.String("backend", name), slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("backend", name), slog.String("error", err.Error()))
		}
	}()
	return srv
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	log.Info("starting mock backends",
		slog.Int("latency_ms", cfg.LatencyMS),
		slog.Float64("error_rate", cfg.ErrorRate),
		slog.Int("reply_words", cfg.ReplyWords),
	)

	// ollama and vllm share the OpenAI-compatible surface but advertise the
	// model sets a local code-generation fleet would actually serve.
	servers := []*http.Server{
		startServer("ollama", ":"+portFromEnv("PORT_OLLAMA", 19001),
			newOpenAICompatHandler(cfg, []string{"llama3", "qwen2.5-coder", "mistral"}), log),
		startServer("vllm", ":"+portFromEnv("PORT_VLLM", 19002),
			newOpenAICompatHandler(cfg, []string{"deepseek-coder-v2", "llama3"}), log),
		startServer("openai", ":"+portFromEnv("PORT_OPENAI", 19003),
			newOpenAICompatHandler(cfg, []string{"gpt-4o", "gpt-4o-mini"}), log),
		startServer("anthropic", ":"+portFromEnv("PORT_ANTHROPIC", 19004),
			newAnthropicHandler(cfg), log),
		startServer("gemini", ":"+portFromEnv("PORT_GEMINI", 19005),
			newGeminiHandler(cfg), log),
	}

	fmt.Println("READY")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock backends")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(s *http.Server) {
			defer wg.Done()
			_ = s.Shutdown(ctx)
		}(srv)
	}
	wg.Wait()
	log.Info("mock backends stopped")
}
