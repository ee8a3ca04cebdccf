package models

import "encoding/json"

// ToolCallRecord is the per-iteration, per-call bookkeeping entry produced
// once a tool call is parsed from the stream (spec.md §3).
type ToolCallRecord struct {
	RawID  string // the provider's tool_call id, preserved for the next turn
	AppID  string
	SkillID string

	Arguments json.RawMessage

	// ContentHash is sha256(app_id, skill_id, canonical-sorted-arguments),
	// used for cross-iteration dedup (spec.md §4.2).
	ContentHash string

	SkillTaskID string

	// PlaceholderEmbedID is the id of the embed created the moment this
	// call was parsed. For composite skills it becomes the parent id.
	PlaceholderEmbedID string

	// ThoughtSignature is an opaque per-provider token that must be
	// preserved verbatim when replaying this call in the next turn
	// (spec.md §4.3).
	ThoughtSignature string

	// IgnoreFieldsForInference narrows the tool response content used for
	// *this* iteration's LLM call only; chat history keeps the full result.
	IgnoreFieldsForInference []string
}

// ToolOutcomeKind is the closed tagged variant spec.md §9 calls for in
// place of exception-driven tool-response plumbing.
type ToolOutcomeKind string

const (
	ToolOutcomeSuccess          ToolOutcomeKind = "success"
	ToolOutcomeAlreadyCompleted ToolOutcomeKind = "already_completed"
	ToolOutcomeSkippedBudget    ToolOutcomeKind = "skipped"
	ToolOutcomeCancelled        ToolOutcomeKind = "cancelled"
	ToolOutcomeError            ToolOutcomeKind = "error"
	ToolOutcomeAsync            ToolOutcomeKind = "processing"
	ToolOutcomeAwaitingFocus    ToolOutcomeKind = "awaiting_focus_confirmation"
	ToolOutcomeDeactivated      ToolOutcomeKind = "deactivated"
)

// ToolOutcome is the result of resolving and dispatching one tool call,
// used both to build the LLM-visible tool response and to drive the
// loop's bookkeeping (embed updates, billing, counters).
type ToolOutcome struct {
	Kind ToolOutcomeKind

	// ToolResponseContent is the JSON (or TOON) string written back to the
	// LLM as this tool call's result.
	ToolResponseContent string

	PreviousEmbedID string // set when Kind == AlreadyCompleted

	Results []ToolRequestResult // per-request rows, for composite expansion

	TaskID  string // set when Kind == Async
	TaskIDs []string

	Error string // set when Kind == Error

	// Provider, when non-empty, is recorded for billing/provider-info
	// lookups.
	Provider string

	// IgnoreFieldsForInference is inherited from the matching
	// ToolCallRecord or overridden by the skill's own result.
	IgnoreFieldsForInference []string
}

// ToolRequestResult is one row of a (possibly grouped) skill result.
type ToolRequestResult struct {
	RequestID int            `json:"id"`
	Status    string         `json:"status,omitempty"` // "", "error", "cancelled"
	Error     string         `json:"error,omitempty"`
	Data      map[string]any `json:"-"`
}

// AnyNonError reports whether at least one result row succeeded, which
// gates both embed-finished publication and skill billing (spec.md
// Testable Property #7).
func (o *ToolOutcome) AnyNonError() bool {
	if len(o.Results) == 0 {
		return false
	}
	for _, r := range o.Results {
		if r.Status != "error" && r.Status != "cancelled" {
			return true
		}
	}
	return false
}
