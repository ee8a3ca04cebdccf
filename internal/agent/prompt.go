package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/openmates/ai-core/internal/config"
	"github.com/openmates/ai-core/internal/datetime"
	"github.com/openmates/ai-core/pkg/models"
)

// PromptInputs carries everything BuildSystemPrompt needs beyond the
// static RuntimeConfig snippets: per-session values resolved once at
// session construction, plus anything that changes iteration-to-iteration
// (the soft-limit warning).
type PromptInputs struct {
	Now         time.Time
	UserTimeZone string
	TimeFormat  datetime.ResolvedTimeFormat

	Mate models.MateConfig

	// ModelDisplayName and ModelCreator feed the "model-and-creator
	// banner" named by spec.md §4.2 step 2.
	ModelDisplayName string
	ModelCreator     string

	// AvailableApps lists the apps injected into the capabilities banner.
	AvailableApps []config.AppDefinition

	// ActiveFocusPrompt, when non-empty, is rendered at the top of the
	// prompt (spec.md §4.2 step 2).
	ActiveFocusPrompt string

	// DecryptedAppSettings and DecryptedMemories are rendered with
	// timestamps as human-readable dates when loaded.
	DecryptedAppSettings []TimestampedNote
	DecryptedMemories    []TimestampedNote

	// SoftLimitWarning, when true, appends a terse research-budget
	// warning to this iteration's prompt only.
	SoftLimitWarning bool
}

// TimestampedNote is one decrypted app-setting or memory entry rendered
// with a human-readable date.
type TimestampedNote struct {
	Text      string
	Timestamp time.Time
}

// BuildSystemPrompt assembles the full system prompt; ToolCallingLoop
// calls it on every iteration, so the soft-limit warning reflects the
// current budget (spec.md §4.2 step 2). The assembly order matches the spec's listed order: active
// focus prompt first, then date/time and timezone, mate default prompt,
// model-and-creator banner, capabilities banner, follow-up/link/code
// snippets, app-specific instructions for apps with preselected skills
// (or that declare no skills), decrypted app-settings/memories, and
// finally (iteration-scoped) the soft-limit warning.
func BuildSystemPrompt(cfg *config.RuntimeConfig, in PromptInputs, preselected map[string]bool) string {
	var b strings.Builder

	if in.ActiveFocusPrompt != "" {
		b.WriteString(in.ActiveFocusPrompt)
		b.WriteString("\n\n")
	}

	banner := datetime.FormatUserTimeWithTimezone(in.Now, in.UserTimeZone, in.TimeFormat)
	if banner != "" {
		fmt.Fprintf(&b, "Current date/time (%s): %s\n\n", in.UserTimeZone, banner)
	}

	if in.Mate.DefaultPrompt != "" {
		b.WriteString(in.Mate.DefaultPrompt)
		b.WriteString("\n\n")
	}

	if in.ModelDisplayName != "" {
		fmt.Fprintf(&b, "You are %s, built by %s.\n\n", in.ModelDisplayName, in.ModelCreator)
	}

	if cfg.BaseInstructions.CapabilitiesBanner != "" {
		b.WriteString(renderCapabilitiesBanner(cfg.BaseInstructions.CapabilitiesBanner, in.AvailableApps))
		b.WriteString("\n\n")
	}

	for _, snippet := range []string{
		cfg.BaseInstructions.FollowUpEncouragement,
		cfg.BaseInstructions.LinkEncouragement,
		cfg.BaseInstructions.CodeFormatting,
	} {
		if snippet != "" {
			b.WriteString(snippet)
			b.WriteString("\n\n")
		}
	}

	for _, app := range in.AvailableApps {
		if app.Instructions == "" {
			continue
		}
		if app.DeclaresNoSkills || isAppPreselected(app, preselected) {
			b.WriteString(app.Instructions)
			b.WriteString("\n\n")
		}
	}

	appendNotes(&b, "App settings", in.DecryptedAppSettings)
	appendNotes(&b, "Memories", in.DecryptedMemories)

	if in.SoftLimitWarning {
		b.WriteString("Research budget notice: you are approaching the skill-call budget for this turn. Wrap up remaining tool use and move toward a final answer.\n")
	}

	return strings.TrimRight(b.String(), "\n") + "\n"
}

func isAppPreselected(app config.AppDefinition, preselected map[string]bool) bool {
	if len(preselected) == 0 {
		return true // empty preselection means "all" (spec.md §3)
	}
	for _, skill := range app.Skills {
		if preselected[app.ID+"-"+skill.ID] {
			return true
		}
	}
	return false
}

func renderCapabilitiesBanner(template string, apps []config.AppDefinition) string {
	names := make([]string, 0, len(apps))
	for _, a := range apps {
		names = append(names, a.Name)
	}
	return strings.ReplaceAll(template, "{{available_apps}}", strings.Join(names, ", "))
}

func appendNotes(b *strings.Builder, heading string, notes []TimestampedNote) {
	if len(notes) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", heading)
	for _, n := range notes {
		fmt.Fprintf(b, "- (%s) %s\n", n.Timestamp.Format("2006-01-02 15:04"), n.Text)
	}
	b.WriteString("\n")
}
