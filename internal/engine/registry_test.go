package engine

import (
	"testing"
)

type versionedEngine struct {
	def Definition
}

func (e versionedEngine) Definition() Definition {
	return e.def
}

func (versionedEngine) BuildArgs(LaunchSpec) []string {
	return nil
}

func (versionedEngine) ContinuationAfter(LaunchSpec) string {
	return ""
}

func TestDefaultRegistryIncludesBuiltins(t *testing.T) {
	reg := DefaultRegistry()

	if _, ok := reg.Resolve("claude-code"); !ok {
		t.Fatalf("expected claude-code engine")
	}
	if _, ok := reg.Resolve("codex"); !ok {
		t.Fatalf("expected codex engine")
	}
	if _, ok := reg.Resolve("gemini"); !ok {
		t.Fatalf("expected gemini engine")
	}

	defs := reg.Definitions()
	if len(defs) != 3 {
		t.Fatalf("expected 3 built-in engines, got %d", len(defs))
	}
	if reg.Default() != "claude-code" {
		t.Fatalf("expected claude-code as default, got %q", reg.Default())
	}
}

func TestRegistryRejectsDuplicateName(t *testing.T) {
	reg := NewRegistry(NewCodexEngine())
	if err := reg.Register(NewCodexEngine()); err == nil {
		t.Fatalf("expected duplicate name to fail")
	}
}

func TestRegistryRejectsIncompatibleContractVersion(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register(versionedEngine{
		def: Definition{
			Name:            "future",
			Binary:          "future",
			ContractVersion: "v2",
		},
	})
	if err == nil {
		t.Fatalf("expected incompatible contract version to fail")
	}
}

func TestSetDefault(t *testing.T) {
	reg := DefaultRegistry()
	if err := reg.SetDefault("codex"); err != nil {
		t.Fatalf("set default: %v", err)
	}
	if reg.Default() != "codex" {
		t.Fatalf("expected codex default, got %q", reg.Default())
	}
	if err := reg.SetDefault("nope"); err == nil {
		t.Fatalf("expected unknown engine to fail")
	}
}

func TestClaudeCodeArgs(t *testing.T) {
	e := NewClaudeCodeEngine()

	first := e.BuildArgs(LaunchSpec{Prompt: "fix bug", EngineSessionID: "esid-1"})
	want := []string{"-p", "fix bug", "--output-format", "text", "--session-id", "esid-1"}
	assertArgs(t, first, want)
	if got := e.ContinuationAfter(LaunchSpec{EngineSessionID: "esid-1"}); got != "esid-1" {
		t.Fatalf("first turn should record the pre-assigned id, got %q", got)
	}

	resumed := e.BuildArgs(LaunchSpec{Prompt: "more", EngineSessionID: "esid-2", Continuation: "esid-1"})
	want = []string{"-p", "more", "--output-format", "text", "--resume", "esid-1"}
	assertArgs(t, resumed, want)
	if got := e.ContinuationAfter(LaunchSpec{EngineSessionID: "esid-2", Continuation: "esid-1"}); got != "esid-1" {
		t.Fatalf("continued turn should keep blob, got %q", got)
	}
}

func TestCodexArgs(t *testing.T) {
	e := NewCodexEngine()

	assertArgs(t, e.BuildArgs(LaunchSpec{Prompt: "fix bug"}), []string{"exec", "fix bug"})
	assertArgs(t,
		e.BuildArgs(LaunchSpec{Prompt: "more", Continuation: "blob-1"}),
		[]string{"exec", "resume", "blob-1", "more"})
	if got := e.ContinuationAfter(LaunchSpec{}); got != "" {
		t.Fatalf("codex cannot mint a blob on first turn, got %q", got)
	}
}

func TestGeminiDropsContinuation(t *testing.T) {
	e := NewGeminiEngine()
	assertArgs(t, e.BuildArgs(LaunchSpec{Prompt: "hi", Continuation: "blob"}), []string{"-p", "hi"})
	if got := e.ContinuationAfter(LaunchSpec{Continuation: "blob"}); got != "" {
		t.Fatalf("gemini should not carry a blob, got %q", got)
	}
}

func assertArgs(t *testing.T, got, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("args length mismatch: got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("arg %d: got %q want %q", i, got[i], want[i])
		}
	}
}
