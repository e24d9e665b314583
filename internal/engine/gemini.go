package engine

type geminiEngine struct{}

func NewGeminiEngine() Engine {
	return geminiEngine{}
}

func (geminiEngine) Definition() Definition {
	return Definition{
		Name:            "gemini",
		Binary:          "gemini",
		ContractVersion: "v1",
		Capabilities:    []string{},
	}
}

// BuildArgs runs gemini in one-shot prompt mode. The CLI has no resume flag,
// so continuation blobs are dropped rather than translated.
func (geminiEngine) BuildArgs(spec LaunchSpec) []string {
	return []string{"-p", spec.Prompt}
}

func (geminiEngine) ContinuationAfter(LaunchSpec) string {
	return ""
}
