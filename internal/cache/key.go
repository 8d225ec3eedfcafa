package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/forgeloop/agent-gateway/internal/backend"
)

// Key derives the deterministic content address for a completion request.
//
// The field set is a deliberate contract: model, messages, temperature, and
// max_tokens participate; top_p, top_k, and stream do not. Agents rarely vary
// the sampling tail per call, and widening the key would only lower the hit
// rate. The set is pinned by TestCacheKeyFieldContract - change both together.
//
// Serialization uses a fixed struct so the field order is stable regardless
// of how the request was constructed; temperature is formatted to two decimal
// places so 0.7 and 0.70 hash identically.
func Key(req *backend.Request) string {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	msgs := make([]msg, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = msg{Role: m.Role, Content: m.Content}
	}

	data, _ := json.Marshal(struct {
		Model string `json:"model"`
		Temp  string `json:"temp"`
		MaxT  int    `json:"max_tokens"`
		Msgs  []msg  `json:"messages"`
	}{
		req.Model,
		fmt.Sprintf("%.2f", req.Temperature),
		req.MaxTokens,
		msgs,
	})

	h := sha256.Sum256(data)
	return "completion:" + hex.EncodeToString(h[:])
}
