package backend

import (
	"context"
	"errors"
	"testing"
)

// stubBackend is a minimal Backend for registry tests.
type stubBackend struct {
	name      string
	healthErr error
}

func (s *stubBackend) Name() string { return s.name }

func (s *stubBackend) Complete(_ context.Context, req *Request) (*Result, error) {
	return &Result{
		ID:      "resp-" + s.name,
		Model:   req.Model,
		Choices: []Choice{{Message: Message{Role: "assistant", Content: "ok"}, FinishReason: "stop"}},
	}, nil
}

func (s *stubBackend) HealthCheck(_ context.Context) error { return s.healthErr }

func mustRegister(t *testing.T, r *Registry, d Descriptor) {
	t.Helper()
	if err := r.Register(d, &stubBackend{name: d.Name}); err != nil {
		t.Fatalf("register %s: %v", d.Name, err)
	}
}

func candidateNames(cands []Candidate) []string {
	names := make([]string, len(cands))
	for i, c := range cands {
		names[i] = c.Name
	}
	return names
}

func TestRegistry_RejectsDuplicateAndInvalid(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(Descriptor{}, &stubBackend{}); err == nil {
		t.Error("expected error for empty name")
	}
	if err := r.Register(Descriptor{Name: "a"}, nil); err == nil {
		t.Error("expected error for nil implementation")
	}

	mustRegister(t, r, Descriptor{Name: "a", Enabled: true})
	if err := r.Register(Descriptor{Name: "a"}, &stubBackend{name: "a"}); err == nil {
		t.Error("expected error for duplicate name")
	}
}

func TestRegistry_CandidatesOrderedByPriority(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, Descriptor{Name: "hosted", Enabled: true, Priority: 10})
	mustRegister(t, r, Descriptor{Name: "ollama", Enabled: true, Priority: 1})
	mustRegister(t, r, Descriptor{Name: "vllm", Enabled: true, Priority: 2})

	got := candidateNames(r.Candidates("any-model"))
	want := []string{"ollama", "vllm", "hosted"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidate order = %v, want %v", got, want)
		}
	}
}

func TestRegistry_PriorityTieBrokenByName(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, Descriptor{Name: "beta", Enabled: true, Priority: 5})
	mustRegister(t, r, Descriptor{Name: "alpha", Enabled: true, Priority: 5})

	got := candidateNames(r.Candidates(""))
	if got[0] != "alpha" || got[1] != "beta" {
		t.Errorf("tie order = %v, want [alpha beta]", got)
	}
}

func TestRegistry_DisabledNeverCandidate(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, Descriptor{Name: "off", Enabled: false, Priority: 1})
	mustRegister(t, r, Descriptor{Name: "on", Enabled: true, Priority: 2})

	// An explicit available flag must not resurrect a disabled backend.
	r.SetAvailable("off", true)

	cands := r.Candidates("")
	if len(cands) != 1 || cands[0].Name != "on" {
		t.Errorf("candidates = %v, want [on]", candidateNames(cands))
	}
}

func TestRegistry_UnavailableExcluded(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, Descriptor{Name: "a", Enabled: true, Priority: 1})
	mustRegister(t, r, Descriptor{Name: "b", Enabled: true, Priority: 2})

	r.SetAvailable("a", false)

	cands := r.Candidates("")
	if len(cands) != 1 || cands[0].Name != "b" {
		t.Errorf("candidates = %v, want [b]", candidateNames(cands))
	}

	r.SetAvailable("a", true)
	if got := len(r.Candidates("")); got != 2 {
		t.Errorf("candidates after re-enable = %d, want 2", got)
	}
}

func TestRegistry_ModelFiltering(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, Descriptor{Name: "narrow", Enabled: true, Priority: 1, Models: []string{"llama3"}})
	mustRegister(t, r, Descriptor{Name: "wide", Enabled: true, Priority: 2})

	cands := r.Candidates("llama3")
	if len(cands) != 2 {
		t.Fatalf("llama3 candidates = %v, want both", candidateNames(cands))
	}

	cands = r.Candidates("gpt-4o")
	if len(cands) != 1 || cands[0].Name != "wide" {
		t.Errorf("gpt-4o candidates = %v, want [wide]", candidateNames(cands))
	}
}

func TestRegistry_EnabledSkipsDisabled(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, Descriptor{Name: "on", Enabled: true})
	mustRegister(t, r, Descriptor{Name: "off", Enabled: false})

	enabled := r.Enabled()
	if len(enabled) != 1 || enabled[0].Name != "on" {
		t.Errorf("enabled = %v, want [on]", candidateNames(enabled))
	}
}

func TestRegistry_SnapshotSorted(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, Descriptor{Name: "z", Enabled: true, Priority: 2, FallbackOnly: true})
	mustRegister(t, r, Descriptor{Name: "a", Enabled: true, Priority: 1})
	r.SetAvailable("z", false)

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot len = %d, want 2", len(snap))
	}
	if snap[0].Name != "a" || !snap[0].Available {
		t.Errorf("snap[0] = %+v", snap[0])
	}
	if snap[1].Name != "z" || snap[1].Available || !snap[1].Fallback {
		t.Errorf("snap[1] = %+v", snap[1])
	}
}

func TestRegistry_ModelsListsOnlyAvailable(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, Descriptor{Name: "a", Enabled: true, Priority: 1, Models: []string{"m1", "m2"}})
	mustRegister(t, r, Descriptor{Name: "b", Enabled: true, Priority: 2, Models: []string{"m3"}})
	r.SetAvailable("b", false)

	models := r.Models()
	if len(models) != 2 {
		t.Fatalf("models = %+v, want 2 entries", models)
	}
	for _, m := range models {
		if m.Backend != "a" {
			t.Errorf("model %s attributed to %s, want a", m.ID, m.Backend)
		}
	}
}

func TestResult_Text(t *testing.T) {
	var nilRes *Result
	if nilRes.Text() != "" {
		t.Error("nil result should produce empty text")
	}
	res := &Result{Choices: []Choice{{Message: Message{Content: "hello"}}}}
	if res.Text() != "hello" {
		t.Errorf("Text() = %q", res.Text())
	}
}

func TestPrompt_WrapsAsUserMessage(t *testing.T) {
	msgs := Prompt("do the thing")
	if len(msgs) != 1 || msgs[0].Role != "user" || msgs[0].Content != "do the thing" {
		t.Errorf("Prompt() = %+v", msgs)
	}
}

func TestErrNoBackendAvailable_Identity(t *testing.T) {
	wrapped := errors.Join(ErrNoBackendAvailable)
	if !errors.Is(wrapped, ErrNoBackendAvailable) {
		t.Error("wrapped error should match ErrNoBackendAvailable")
	}
}
