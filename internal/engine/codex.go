package engine

type codexEngine struct{}

func NewCodexEngine() Engine {
	return codexEngine{}
}

func (codexEngine) Definition() Definition {
	return Definition{
		Name:            "codex",
		Binary:          "codex",
		ContractVersion: "v1",
		Capabilities: []string{
			CapabilityResume,
		},
	}
}

// BuildArgs uses codex non-interactive exec mode. Codex cannot pre-assign a
// session id, so resume only works once a blob exists; a blob minted by another
// engine is passed through verbatim and rejected by the CLI itself.
func (codexEngine) BuildArgs(spec LaunchSpec) []string {
	if spec.Continuation != "" {
		return []string{"exec", "resume", spec.Continuation, spec.Prompt}
	}
	return []string{"exec", spec.Prompt}
}

func (codexEngine) ContinuationAfter(spec LaunchSpec) string {
	return spec.Continuation
}
