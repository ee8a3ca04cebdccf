package agent

import "github.com/openmates/ai-core/internal/config"

// Budget tracks the request-unit accounting described in spec.md §4.2:
// two thresholds count requests, not tool calls. A tool call whose
// "requests" array contains N entries consumes N units; system tools do
// not consume budget.
//
// Grounded on the teacher's agent/executor.go ExecutorMetrics counter
// style (plain struct fields mutated under the loop's single goroutine,
// no internal locking needed since one session runs cooperatively).
type Budget struct {
	cfg config.BudgetConfig

	TotalRequests int
	Iteration     int
}

func NewBudget(cfg config.BudgetConfig) *Budget {
	return &Budget{cfg: cfg}
}

// WouldExceedHard reports whether consuming `units` more requests would
// cross HardLimitRequests. This is a "would-exceed" check, not a strict
// precheck (spec.md §9 Open Question #2, Testable Property #4): the
// budget can overshoot by up to max(requests_in_call)-1.
func (b *Budget) WouldExceedHard(units int) bool {
	return b.TotalRequests+units > b.cfg.HardLimitRequests
}

// Consume records `units` requests as spent.
func (b *Budget) Consume(units int) {
	b.TotalRequests += units
}

// SoftLimitReached reports whether the soft-limit research-budget warning
// should be appended to this iteration's prompt (spec.md §4.2 step 2).
func (b *Budget) SoftLimitReached() bool {
	return b.TotalRequests >= b.cfg.SoftLimitRequests
}

// IsLastIteration reports whether `iteration` (1-based) is the final
// allowed iteration under MaxIterations.
func (b *Budget) IsLastIteration(iteration int) bool {
	return iteration >= b.cfg.MaxIterations
}

// ForceNoTools decides tool_choice for the given iteration per spec.md
// §4.2 step 1. hardLimitReached is latched by the per-tool-call budget
// guard in a previous iteration (executing a call would have crossed the
// hard limit); it then forces every subsequent iteration, including this
// one, to tool_choice="none".
func (b *Budget) ForceNoTools(iteration int, hardLimitReached bool) bool {
	if hardLimitReached {
		return true
	}
	if b.TotalRequests >= b.cfg.HardLimitRequests {
		return true
	}
	return b.IsLastIteration(iteration)
}
