package config

import (
	"fmt"
	"time"
)

// RuntimeConfig is the immutable configuration injected at session
// construction (spec.md §9 Design Notes: "Express as an immutable
// RuntimeConfig injected at session construction; do not reach for
// process-wide singletons"). It replaces ambient global state for base
// instructions, the model registry, and app/skill metadata.
type RuntimeConfig struct {
	// BaseInstructions are the non-app-specific prompt snippets assembled
	// into the system prompt on every iteration (spec.md §4.2 step 2): follow-up encouragement,
	// link encouragement, code-formatting conventions.
	BaseInstructions PromptSnippets

	Models ModelRegistry
	Apps   AppRegistry
	Mates  MateRegistry

	Budget BudgetConfig

	InternalAPI InternalAPIConfig

	// FocusConfirmDelay is how long the deferred focus-mode confirm task
	// waits before firing; must exceed the client's own countdown by about
	// one second (spec.md §4.9, Open Question #3).
	FocusConfirmDelay time.Duration
}

// PromptSnippets holds the static prompt fragments assembled into the
// per-session system prompt.
type PromptSnippets struct {
	FollowUpEncouragement string
	LinkEncouragement     string
	CodeFormatting        string
	CapabilitiesBanner    string
}

// BudgetConfig holds the fixed loop constants from spec.md §4.2. These are
// configuration, not hardcoded constants, so tests can exercise boundary
// behavior without relying on package-level values.
type BudgetConfig struct {
	MaxIterations      int
	SoftLimitRequests  int
	HardLimitRequests  int
	TruncationMaxChars int // ~120,000 tokens at 4 chars/token; not read by ToolCallingLoop, which sends history untruncated
	CharsPerToken      int
}

// DefaultBudgetConfig returns the constants named explicitly by spec.md
// §4.2: MAX_ITERATIONS=5, SOFT_LIMIT=3, HARD_LIMIT=5, ~120k token history
// budget estimated at 4 chars/token.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{
		MaxIterations:      5,
		SoftLimitRequests:  3,
		HardLimitRequests:  5,
		TruncationMaxChars: 120000 * 4,
		CharsPerToken:      4,
	}
}

// InternalAPIConfig describes the internal service endpoints the
// orchestrator calls (spec.md §6).
type InternalAPIConfig struct {
	BaseURL            string
	SharedServiceToken string // sent as X-Internal-Service-Token when set
	Timeout            time.Duration
}

// ModelInfo describes one selectable LLM model and its pricing.
type ModelInfo struct {
	ID              string
	DisplayName     string
	Provider        string
	ContextSize     int
	PerMillionInput  float64
	PerMillionOutput float64
}

// ModelRegistry resolves model ids to their metadata and pricing.
type ModelRegistry struct {
	byID map[string]ModelInfo
}

func NewModelRegistry(models []ModelInfo) ModelRegistry {
	r := ModelRegistry{byID: make(map[string]ModelInfo, len(models))}
	for _, m := range models {
		r.byID[m.ID] = m
	}
	return r
}

func (r ModelRegistry) Lookup(id string) (ModelInfo, bool) {
	m, ok := r.byID[id]
	return m, ok
}

// MateRegistry resolves mate ids to their configuration.
type MateRegistry struct {
	byID map[string]MateDefinition
}

// MateDefinition mirrors models.MateConfig but lives in config so it can
// be loaded from YAML without an import cycle with pkg/models.
type MateDefinition struct {
	ID             string
	Name           string
	DefaultPrompt  string
	AssignedAppIDs []string
}

func NewMateRegistry(mates []MateDefinition) MateRegistry {
	r := MateRegistry{byID: make(map[string]MateDefinition, len(mates))}
	for _, m := range mates {
		r.byID[m.ID] = m
	}
	return r
}

func (r MateRegistry) Lookup(id string) (MateDefinition, bool) {
	m, ok := r.byID[id]
	return m, ok
}

// Validate performs a minimal sanity check over the loaded registries,
// following the teacher's config_test.go convention of validating
// required cross-references before a process starts serving traffic.
func (c *RuntimeConfig) Validate() error {
	if c.Budget.MaxIterations <= 0 {
		return fmt.Errorf("config: budget.max_iterations must be positive")
	}
	if c.Budget.HardLimitRequests < c.Budget.SoftLimitRequests {
		return fmt.Errorf("config: budget.hard_limit_requests must be >= soft_limit_requests")
	}
	if c.InternalAPI.BaseURL == "" {
		return fmt.Errorf("config: internal_api.base_url is required")
	}
	return nil
}
