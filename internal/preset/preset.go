// Package preset maps agent categories to default generation parameters.
//
// Software-generation workflows run heterogeneous agents: a scaffolder wants
// room to generate, a validator wants determinism. Each agent type carries a
// default parameter set applied underneath whatever the caller sent; caller
// values always win on conflict. Unknown agent types resolve to the global
// default with no error.
package preset

import (
	"sort"

	"github.com/forgeloop/agent-gateway/internal/backend"
)

// DefaultAgentType is used when a request names no agent type or an
// unknown one.
const DefaultAgentType = "default"

// Params is the default parameter set of one agent type. Zero values mean
// "no opinion" and leave the caller's value untouched.
type Params struct {
	Model       string  `json:"model,omitempty" mapstructure:"model"`
	Temperature float64 `json:"temperature,omitempty" mapstructure:"temperature"`
	MaxTokens   int     `json:"max_tokens,omitempty" mapstructure:"max_tokens"`
	TopP        float64 `json:"top_p,omitempty" mapstructure:"top_p"`
	TopK        int     `json:"top_k,omitempty" mapstructure:"top_k"`
}

// builtins covers the agent categories of a code-generation pipeline.
// Generative roles get headroom, checking roles get determinism.
var builtins = map[string]Params{
	"scaffolder": {Temperature: 0.7, MaxTokens: 8192},
	"validator":  {Temperature: 0.1, MaxTokens: 2048},
	"tester":     {Temperature: 0.2, MaxTokens: 4096},
	"deployer":   {Temperature: 0.1, MaxTokens: 2048},
	"reviewer":   {Temperature: 0.3, MaxTokens: 4096},

	DefaultAgentType: {Temperature: 0.5, MaxTokens: 4096},
}

// Resolver resolves agent types against the builtin table plus optional
// configured overrides. Immutable after construction.
type Resolver struct {
	presets map[string]Params
}

// NewResolver builds a resolver. Overrides are merged over the builtin
// table per agent type; an override replaces the builtin entry wholesale.
func NewResolver(overrides map[string]Params) *Resolver {
	presets := make(map[string]Params, len(builtins)+len(overrides))
	for name, p := range builtins {
		presets[name] = p
	}
	for name, p := range overrides {
		presets[name] = p
	}
	return &Resolver{presets: presets}
}

// Lookup returns the parameter set for an agent type, falling back to the
// global default. known is false when the fallback was taken.
func (r *Resolver) Lookup(agentType string) (p Params, known bool) {
	if p, ok := r.presets[agentType]; ok {
		return p, true
	}
	return r.presets[DefaultAgentType], false
}

// Explicit flags the generation parameters the caller sent explicitly, so an
// explicit zero (temperature 0 for greedy decoding) survives preset merging.
type Explicit struct {
	Temperature bool
	MaxTokens   bool
	TopP        bool
	TopK        bool
}

// Apply fills the request's unset fields from the agent type's preset.
// Fields the caller set are never overwritten: a field counts as set when it
// is non-zero or flagged in explicit.
func (r *Resolver) Apply(agentType string, req *backend.Request, explicit Explicit) {
	p, _ := r.Lookup(agentType)

	if req.Model == "" {
		req.Model = p.Model
	}
	if req.Temperature == 0 && !explicit.Temperature {
		req.Temperature = p.Temperature
	}
	if req.MaxTokens == 0 && !explicit.MaxTokens {
		req.MaxTokens = p.MaxTokens
	}
	if req.TopP == 0 && !explicit.TopP {
		req.TopP = p.TopP
	}
	if req.TopK == 0 && !explicit.TopK {
		req.TopK = p.TopK
	}
}

// AgentTypes lists every known agent type, sorted.
func (r *Resolver) AgentTypes() []string {
	types := make([]string, 0, len(r.presets))
	for name := range r.presets {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}
