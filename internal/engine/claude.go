package engine

type claudeCodeEngine struct{}

func NewClaudeCodeEngine() Engine {
	return claudeCodeEngine{}
}

func (claudeCodeEngine) Definition() Definition {
	return Definition{
		Name:            "claude-code",
		Binary:          "claude",
		ContractVersion: "v1",
		Capabilities: []string{
			CapabilityResume,
			CapabilityPreassignSession,
		},
	}
}

// BuildArgs runs claude in non-interactive print mode. The first turn of a
// conversation pins the engine-side session id so later turns can resume it;
// continued turns hand the recorded blob back via --resume.
func (claudeCodeEngine) BuildArgs(spec LaunchSpec) []string {
	args := []string{"-p", spec.Prompt, "--output-format", "text"}
	if spec.Continuation != "" {
		return append(args, "--resume", spec.Continuation)
	}
	if spec.EngineSessionID != "" {
		args = append(args, "--session-id", spec.EngineSessionID)
	}
	return args
}

func (claudeCodeEngine) ContinuationAfter(spec LaunchSpec) string {
	if spec.Continuation != "" {
		return spec.Continuation
	}
	return spec.EngineSessionID
}
