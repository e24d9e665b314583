package engine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	CapabilityResume           = "resume"
	CapabilityPreassignSession = "preassign_session_id"
	supportedContractMajor     = 1
)

// Definition describes an installed AI engine CLI.
type Definition struct {
	Name            string
	Binary          string
	ContractVersion string
	Capabilities    []string
}

// LaunchSpec carries everything an engine needs to build one invocation.
// Continuation is an opaque blob produced by a prior turn; engines that cannot
// interpret it are expected to fail at the CLI level, not here.
type LaunchSpec struct {
	ProjectDir      string
	Prompt          string
	EngineSessionID string
	Continuation    string
}

// Engine translates a launch spec into CLI arguments and decides what
// continuation blob a completed turn leaves behind.
type Engine interface {
	Definition() Definition
	BuildArgs(spec LaunchSpec) []string
	ContinuationAfter(spec LaunchSpec) string
}

type Registry struct {
	mu          sync.RWMutex
	byName      map[string]Engine
	defaultName string
}

func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{
		byName: map[string]Engine{},
	}
	for _, e := range engines {
		_ = r.Register(e)
	}
	return r
}

func DefaultRegistry() *Registry {
	return NewRegistry(
		NewClaudeCodeEngine(),
		NewCodexEngine(),
		NewGeminiEngine(),
	)
}

func (r *Registry) Register(engine Engine) error {
	if engine == nil {
		return fmt.Errorf("engine is nil")
	}
	def := engine.Definition()
	name := normalizeName(def.Name)
	if name == "" {
		return fmt.Errorf("engine name is required")
	}
	if strings.TrimSpace(def.Binary) == "" {
		return fmt.Errorf("binary is required")
	}
	if !IsVersionCompatible(def.ContractVersion) {
		return fmt.Errorf("unsupported contract_version=%s", def.ContractVersion)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("engine already registered for name=%s", name)
	}
	r.byName[name] = engine
	if r.defaultName == "" {
		r.defaultName = name
	}
	return nil
}

func (r *Registry) Resolve(name string) (Engine, bool) {
	if r == nil {
		return nil, false
	}
	normalized := normalizeName(name)
	if normalized == "" {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[normalized]
	return e, ok
}

// Default returns the name of the default engine, empty if none registered.
func (r *Registry) Default() string {
	if r == nil {
		return ""
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultName
}

func (r *Registry) SetDefault(name string) error {
	normalized := normalizeName(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[normalized]; !ok {
		return fmt.Errorf("unknown engine: %s", name)
	}
	r.defaultName = normalized
	return nil
}

func (r *Registry) Definitions() []Definition {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.byName))
	for _, e := range r.byName {
		def := e.Definition()
		def.Name = normalizeName(def.Name)
		def.Capabilities = append([]string(nil), def.Capabilities...)
		sort.Strings(def.Capabilities)
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool {
		return defs[i].Name < defs[j].Name
	})
	return defs
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func IsVersionCompatible(version string) bool {
	major, ok := contractMajor(version)
	return ok && major == supportedContractMajor
}

func contractMajor(version string) (int, bool) {
	v := strings.ToLower(strings.TrimSpace(version))
	if v == "" || !strings.HasPrefix(v, "v") {
		return 0, false
	}
	v = strings.TrimPrefix(v, "v")
	if v == "" {
		return 0, false
	}
	parts := strings.SplitN(v, ".", 2)
	major, err := strconv.Atoi(parts[0])
	if err != nil || major <= 0 {
		return 0, false
	}
	return major, true
}
