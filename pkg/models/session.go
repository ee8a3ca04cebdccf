package models

import "time"

// RejectionReason classifies why preprocessing declined to hand a message
// to the tool-calling loop.
type RejectionReason string

const (
	RejectionNone             RejectionReason = ""
	RejectionHarmful          RejectionReason = "harmful"
	RejectionMisuse           RejectionReason = "misuse"
	RejectionInsufficientFund RejectionReason = "insufficient_credits"
	RejectionLLMFailure       RejectionReason = "llm_preprocessing_failed"
)

// PreprocessingResult is the frozen input produced upstream of the core:
// model selection, category, and skill preselection. It is never mutated
// by the orchestrator.
type PreprocessingResult struct {
	PrimaryModelID     string `json:"primary_model_id"`
	SecondaryModelID   string `json:"secondary_model_id,omitempty"`
	FallbackModelID    string `json:"fallback_model_id,omitempty"`
	PrimaryModelName   string `json:"primary_model_name"`
	Temperature        float64 `json:"temperature"`
	Category           string `json:"category"`

	// PreselectedSkills is possibly empty; empty is treated as "all apps
	// eligible" only when Rejection is RejectionNone and CanProceed is true.
	PreselectedSkills []string `json:"preselected_skills,omitempty"`

	ActiveFocusID string `json:"active_focus_id,omitempty"`

	Rejection    RejectionReason `json:"rejection,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CanProceed   bool            `json:"can_proceed"`

	// AppSettingsKeys lists app-settings/memories cache keys to decrypt and
	// inject into the system prompt.
	AppSettingsKeys []string `json:"app_settings_keys,omitempty"`
}

// ModelFallbackList returns the ordered, non-empty model ids to try in the
// model-fallback call (spec.md §4.2 step 5).
func (p *PreprocessingResult) ModelFallbackList() []string {
	ids := make([]string, 0, 3)
	for _, id := range []string{p.PrimaryModelID, p.SecondaryModelID, p.FallbackModelID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// Counters tracks the running, session-local counters that gate the
// tool-calling loop's budget and iteration cap.
type Counters struct {
	SkillCalls     int
	Iterations     int
	TotalRequests  int // requests-array units consumed so far; HARD_LIMIT gates this
	InputTokens    int
	OutputTokens   int
}

// TurnSession lives for the duration of one assistant response. It is
// distinct from Session (the persisted, cross-channel conversation
// thread): a TurnSession is the orchestrator's scratch state for a single
// streamed reply and is never stored.
type TurnSession struct {
	ChatID        string
	MessageID     string // also the eventual assistant-message id
	UserID        string
	UserIDHash    string // used as the channel key on user-scoped pub/sub topics
	VaultKeyID    string
	Mate          MateConfig
	Preprocessing *PreprocessingResult

	// FallbackModelIDs is the ordered list tried by the model-fallback call;
	// normally PreprocessingResult.ModelFallbackList(), copied at session
	// construction so it is immutable for the session's lifetime.
	FallbackModelIDs []string

	// Cancel signals session-level revocation, distinct from per-skill
	// cancellation (internal/dispatch handles the latter via a cache key).
	Cancel <-chan struct{}

	Counters Counters

	// IsExternalAPICaller suppresses skill-status and typing-indicator
	// events per spec.md §4.8.
	IsExternalAPICaller bool

	CreatedAt time.Time
}

// MateConfig is a configurable assistant persona: a default system prompt
// and an optional assigned-apps allowlist.
type MateConfig struct {
	ID             string
	Name           string
	DefaultPrompt  string
	AssignedAppIDs []string // nil means no restriction
}

// WouldExceedHard reports whether dispatching a call consuming `units`
// additional requests would cross HardLimit (spec.md Testable Property #4:
// the guard compares would-exceed, not already-at).
func (c *Counters) WouldExceedHard(units, hardLimit int) bool {
	return c.TotalRequests+units > hardLimit
}
