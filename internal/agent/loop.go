package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/openmates/ai-core/internal/config"
	"github.com/openmates/ai-core/internal/dispatch"
	"github.com/openmates/ai-core/internal/embeds"
	"github.com/openmates/ai-core/internal/focusmode"
	"github.com/openmates/ai-core/internal/pubsub"
	"github.com/openmates/ai-core/internal/streaming"
	"github.com/openmates/ai-core/internal/toon"
	"github.com/openmates/ai-core/internal/usage"
	"github.com/openmates/ai-core/pkg/models"
)

// ToolCallingLoop implements spec.md §4.2: a bounded-iteration driver over
// an LLM completion stream that dispatches every tool call the model
// produces to an external app microservice, rather than the teacher's
// AgenticLoop model of in-process Tool.Execute calls. It keeps the
// teacher's phase-driven shape (a streaming phase followed by a
// sequential tool-execution phase, repeated per iteration) but replaces
// the iteration/budget semantics entirely.
// Dispatcher is the narrow slice of internal/dispatch.Dispatcher the loop
// needs, kept as an interface so the loop can be tested without a live
// HTTP server behind it. *dispatch.Dispatcher satisfies this directly.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*dispatch.Response, error)
}

type ToolCallingLoop struct {
	provider     LLMProvider
	dispatcher   Dispatcher
	cancelPoller dispatch.CancelPoller
	embeds       *embeds.Service
	focus        *focusmode.Manager
	billing      *usage.Driver
	publisher    *pubsub.Publisher
	apps         *config.AppRegistry
	cfg          *config.RuntimeConfig
	logger       *slog.Logger
}

// NewToolCallingLoop wires every collaborator the loop drives per
// iteration. billing and publisher may be nil in tests that don't care
// about side effects beyond the returned RunResult.
func NewToolCallingLoop(provider LLMProvider, dispatcher Dispatcher, cancelPoller dispatch.CancelPoller, embedSvc *embeds.Service, focusMgr *focusmode.Manager, billing *usage.Driver, publisher *pubsub.Publisher, apps *config.AppRegistry, cfg *config.RuntimeConfig, logger *slog.Logger) *ToolCallingLoop {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToolCallingLoop{
		provider:     provider,
		dispatcher:   dispatcher,
		cancelPoller: cancelPoller,
		embeds:       embedSvc,
		focus:        focusMgr,
		billing:      billing,
		publisher:    publisher,
		apps:         apps,
		cfg:          cfg,
		logger:       logger,
	}
}

// RunParams bundles one session's fixed inputs to Run.
type RunParams struct {
	Turn        *models.TurnSession
	Apps        []config.AppDefinition // eligible for this session (mate/preselection already applied upstream)
	History     []CompletionMessage    // prior turns, oldest first
	UserMessage string
	Prompt      PromptInputs
}

// OnChunk is invoked synchronously, in stream order, once per
// downstream-ready fragment (spec.md §4.2 step 6: "text chunks are
// yielded to the caller immediately"). The loop runs on a single
// goroutine per session (spec.md §5), so a plain callback is sufficient;
// there is no need for an intermediate channel the caller must drain
// concurrently.
type OnChunk func(chunk *streaming.Chunk)

// RunResult is everything the Stream Consumer needs once Run returns:
// the aggregated text (for persistence/URL-correction), the interruption
// flags spec.md §4.12 names, and the usage metadata LLM billing needs.
type RunResult struct {
	Text         string
	ThinkingText string
	Usage        *usage.Usage
	Provider     string
	ModelUsed    string

	// FailedEmbedIDs is yielded so the Stream Consumer can strip now-
	// dangling embed references from the final message content before
	// persistence (spec.md §4.12).
	FailedEmbedIDs []string

	InterruptedByRevocation   bool
	InterruptedBySoftLimit    bool
	AwaitingFocusConfirmation bool
}

// runState is the per-Run scratch state threaded through every iteration
// and tool call, grounded on the teacher's LoopState.
type runState struct {
	messages         []CompletionMessage
	budget           *Budget
	completed        *CompletedCallCache
	resolver         *ToolResolver
	hardLimitReached bool
	failedEmbedIDs   []string
	usage            usage.Usage
	modelUsed        string
	textBuilder      strings.Builder
	thinkingBuilder  strings.Builder
	aggregator       *streaming.Aggregator
	codeblock        *streaming.CodeBlockExtractor
}

// Run drives the bounded tool-calling loop for one assistant response,
// calling onChunk for every downstream-ready fragment as it becomes
// available.
func (l *ToolCallingLoop) Run(ctx context.Context, p RunParams, onChunk OnChunk) (*RunResult, error) {
	if onChunk == nil {
		onChunk = func(*streaming.Chunk) {}
	}

	preselected := preselectedSet(p.Turn.Preprocessing)
	st := &runState{
		messages:   append(append([]CompletionMessage{}, p.History...), CompletionMessage{Role: "user", Content: p.UserMessage}),
		budget:     NewBudget(l.cfg.Budget),
		completed:  NewCompletedCallCache(),
		resolver:   NewToolResolver(p.Apps),
		aggregator: streaming.NewAggregator(),
		codeblock:  streaming.NewCodeBlockExtractor(l.codeEmbedder(p.Turn)),
	}

	result := &RunResult{}
	var runErr error

loop:
	for iteration := 1; iteration <= l.cfg.Budget.MaxIterations; iteration++ {
		p.Turn.Counters.Iterations = iteration

		select {
		case <-p.Turn.Cancel:
			result.InterruptedByRevocation = true
			break loop
		default:
		}

		forceNoTools := st.budget.ForceNoTools(iteration, st.hardLimitReached)
		toolChoice := "auto"
		if forceNoTools {
			toolChoice = "none"
		}

		prompt := p.Prompt
		prompt.SoftLimitWarning = st.budget.SoftLimitReached()
		systemPrompt := BuildSystemPrompt(l.cfg, prompt, preselected)

		req := &CompletionRequest{
			System:     systemPrompt,
			Messages:   st.messages,
			Tools:      buildToolSchemas(p.Apps, preselected, l.focusToolsAvailable(p.Turn)),
			ToolChoice: toolChoice,
		}

		chunks, modelUsed, err := l.streamWithModelFallback(ctx, p.Turn.FallbackModelIDs, req)
		if err != nil {
			runErr = err
			break loop
		}
		st.modelUsed = modelUsed

		toolCalls, interrupted, softLimited, drainErr := l.drainStream(ctx, p.Turn, st, chunks, onChunk)
		if drainErr != nil {
			runErr = drainErr
			break loop
		}
		if interrupted {
			result.InterruptedByRevocation = true
			break loop
		}
		if softLimited {
			result.InterruptedBySoftLimit = true
			break loop
		}

		if len(toolCalls) == 0 {
			break loop
		}

		st.messages = append(st.messages, assistantMessageForCalls(st.textBuilder.String(), toolCalls))

		awaitingFocus := false
		for _, tc := range toolCalls {
			content, isError, haltForFocus := l.executeToolCall(ctx, p.Turn, st, tc)
			st.messages = append(st.messages, CompletionMessage{
				Role:        "tool",
				Content:     content,
				ToolResults: []models.ToolResult{{ToolCallID: tc.ID, Content: content, IsError: isError}},
			})
			if haltForFocus {
				awaitingFocus = true
				break
			}
		}
		if awaitingFocus {
			result.AwaitingFocusConfirmation = true
			break loop
		}

		if iteration == l.cfg.Budget.MaxIterations {
			l.logger.Warn("tool-calling loop hit max iterations with tool calls still pending; exiting without a further model call",
				"chat_id", p.Turn.ChatID, "iterations", iteration)
		}
	}

	if err := st.codeblock.Flush(ctx); err != nil {
		l.logger.Warn("flushing open code block failed", "chat_id", p.Turn.ChatID, "error", err)
	}
	for _, c := range st.aggregator.Flush() {
		l.forward(st, onChunk, c)
	}

	result.Text = st.textBuilder.String()
	result.ThinkingText = st.thinkingBuilder.String()
	result.Provider = l.provider.Name()
	result.ModelUsed = st.modelUsed
	result.FailedEmbedIDs = st.failedEmbedIDs
	if st.usage.InputTokens > 0 || st.usage.OutputTokens > 0 {
		result.Usage = &st.usage
	}

	p.Turn.Counters.TotalRequests = st.budget.TotalRequests

	if runErr != nil {
		return result, runErr
	}
	return result, nil
}

// drainStream consumes one model call's completion chunks, classifying
// and forwarding text/thinking through the aggregator and code-block
// extractor, and collecting tool calls for the post-stream phase
// (spec.md §4.2 steps 6-7).
func (l *ToolCallingLoop) drainStream(ctx context.Context, turn *models.TurnSession, st *runState, chunks <-chan *CompletionChunk, onChunk OnChunk) (toolCalls []*models.ToolCall, interrupted bool, softLimited bool, err error) {
	for raw := range chunks {
		select {
		case <-turn.Cancel:
			return toolCalls, true, false, nil
		default:
		}
		if ctx.Err() != nil {
			return toolCalls, false, true, nil
		}

		if raw.Error != nil {
			return toolCalls, false, false, fmt.Errorf("agent: stream error: %w", raw.Error)
		}

		if raw.Thinking != "" {
			st.thinkingBuilder.WriteString(raw.Thinking)
			l.forward(st, onChunk, streaming.ClassifyThinking(raw.Thinking))
		}

		if raw.Text != "" {
			for _, c := range st.aggregator.Feed(streaming.ClassifyText(raw.Text)) {
				l.forward(st, onChunk, c)
			}
		}

		if raw.ToolCall != nil {
			toolCalls = append(toolCalls, raw.ToolCall)
		}

		if raw.Done {
			st.usage.InputTokens += int64(raw.InputTokens)
			st.usage.OutputTokens += int64(raw.OutputTokens)
		}
	}
	return toolCalls, false, false, nil
}

// forward runs one classified text chunk through the code-block
// extractor before handing it to onChunk, and accumulates the visible
// text into the run's text builder.
func (l *ToolCallingLoop) forward(st *runState, onChunk OnChunk, c *streaming.Chunk) {
	if c.Kind != streaming.KindText {
		onChunk(c)
		return
	}
	text, err := st.codeblock.Process(context.Background(), c.Text)
	if err != nil {
		l.logger.Warn("code block extraction failed", "error", err)
		text = c.Text
	}
	if text == "" {
		return
	}
	st.textBuilder.WriteString(text)
	onChunk(streaming.ClassifyText(text))
}

// streamWithModelFallback tries each model id in order (spec.md §4.2 step
// 5): any error creating the stream advances to the next; exhausting the
// list raises ErrAllModelsFailed wrapping the last cause.
func (l *ToolCallingLoop) streamWithModelFallback(ctx context.Context, modelIDs []string, req *CompletionRequest) (<-chan *CompletionChunk, string, error) {
	var lastErr error
	for _, model := range modelIDs {
		reqCopy := *req
		reqCopy.Model = model
		chunks, err := l.provider.Complete(ctx, &reqCopy)
		if err == nil {
			return chunks, model, nil
		}
		lastErr = err
		l.logger.Warn("model creation failed, trying next fallback", "model", model, "error", err)
	}
	if lastErr == nil {
		lastErr = errors.New("no fallback models configured")
	}
	return nil, "", fmt.Errorf("%w: %v", ErrAllModelsFailed, lastErr)
}

// preselectedSet builds the lookup BuildSystemPrompt and buildToolSchemas
// use to decide which apps' instructions/tools are eligible this turn. An
// empty PreselectedSkills list means "all" (spec.md §3).
func preselectedSet(pre *models.PreprocessingResult) map[string]bool {
	if pre == nil || len(pre.PreselectedSkills) == 0 {
		return nil
	}
	set := make(map[string]bool, len(pre.PreselectedSkills))
	for _, s := range pre.PreselectedSkills {
		set[s] = true
	}
	return set
}

// buildToolSchemas builds the LLM-facing tool list from the eligible
// apps, filtered by preselection, plus the system focus-mode tools when
// relevant (spec.md §4.2 step 3).
func buildToolSchemas(apps []config.AppDefinition, preselected map[string]bool, focus focusToolAvailability) []Tool {
	var tools []Tool
	for _, app := range apps {
		for _, skill := range app.Skills {
			name := app.ID + "-" + skill.ID
			if len(preselected) > 0 && !preselected[name] && !app.DeclaresNoSkills {
				continue
			}
			schema, _ := json.Marshal(skill.Schema)
			tools = append(tools, &schemaTool{name: name, description: skill.Description, schema: schema})
		}
	}
	if focus.hasCandidates && !focus.active {
		tools = append(tools, &schemaTool{
			name:        "system-activate_focus_mode",
			description: "Activate a focus mode for this chat.",
			schema:      []byte(`{"type":"object","properties":{"focus_id":{"type":"string"},"focus_prompt":{"type":"string"}},"required":["focus_id"]}`),
		})
	}
	if focus.active {
		tools = append(tools, &schemaTool{
			name:        "system-deactivate_focus_mode",
			description: "Deactivate the currently active focus mode for this chat.",
			schema:      []byte(`{"type":"object","properties":{}}`),
		})
	}
	return tools
}

// focusToolAvailability is computed on every iteration from the session's
// preprocessing result. No focus-candidate list is read anywhere, so
// hasCandidates is always false and system-activate_focus_mode is never
// offered; system-deactivate_focus_mode is offered when a focus is active.
type focusToolAvailability struct {
	hasCandidates bool
	active        bool
}

func (l *ToolCallingLoop) focusToolsAvailable(turn *models.TurnSession) focusToolAvailability {
	return focusToolAvailability{
		hasCandidates: turn.Preprocessing != nil && turn.Preprocessing.ActiveFocusID == "" && false, // no candidate source: always false
		active:        turn.Preprocessing != nil && turn.Preprocessing.ActiveFocusID != "",
	}
}

// schemaTool adapts a declared app-skill schema into the Tool interface
// CompletionRequest.Tools expects. Execute is never called: the loop
// dispatches tool calls itself via internal/dispatch rather than letting
// the provider's in-process ToolRegistry invoke them, so this adapter
// exists purely to surface name/description/schema to the model.
type schemaTool struct {
	name        string
	description string
	schema      json.RawMessage
}

func (t *schemaTool) Name() string               { return t.name }
func (t *schemaTool) Description() string        { return t.description }
func (t *schemaTool) Schema() json.RawMessage     { return t.schema }
func (t *schemaTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return nil, fmt.Errorf("agent: %s is dispatched by the tool-calling loop, not executed in-process", t.name)
}

// assistantMessageForCalls builds the assistant-turn message appended to
// history once a stream produces tool calls, preserving each call's
// opaque thought signature via ToolCalls (spec.md §4.2 step 7).
func assistantMessageForCalls(content string, calls []*models.ToolCall) CompletionMessage {
	msg := CompletionMessage{Role: "assistant", Content: content}
	for _, c := range calls {
		msg.ToolCalls = append(msg.ToolCalls, *c)
	}
	return msg
}

// executeToolCall implements the full per-tool-call algorithm of spec.md
// §4.2: name resolution, system-tool branch, budget guard, dedup,
// normalization/validation, dispatch, embed finalization, and billing.
// Returns the tool-response content to record, whether it represents an
// error, and whether the loop must halt entirely (focus-mode activation).
func (l *ToolCallingLoop) executeToolCall(ctx context.Context, turn *models.TurnSession, st *runState, call *models.ToolCall) (content string, isError bool, halt bool) {
	var args map[string]any
	if err := json.Unmarshal(call.Input, &args); err != nil {
		payload, _ := json.Marshal(map[string]string{"error": fmt.Sprintf("invalid tool arguments: %v", err)})
		return string(payload), true, false
	}

	appID, skillID, resolveErr := st.resolver.Resolve(call.Name)
	if resolveErr != nil {
		return resolveErr.ToolResponseJSON(), true, false
	}

	if appID == "system" {
		return l.executeSystemTool(ctx, turn, skillID, args)
	}

	skillDef, ok := l.apps.LookupSkill(appID, skillID)
	if !ok {
		payload, _ := json.Marshal(map[string]any{"error": fmt.Sprintf("skill '%s-%s' is not registered", appID, skillID)})
		return string(payload), true, false
	}

	units := unitsFromArgs(args)
	if st.budget.WouldExceedHard(units) {
		st.hardLimitReached = true
		payload, _ := json.Marshal(map[string]string{"status": "skipped", "reason": "budget"})
		return string(payload), false, false
	}

	hash := ContentHash(appID, skillID, call.Input)
	if prevID, ok := st.completed.Lookup(hash); ok {
		payload, _ := json.Marshal(map[string]any{"status": "already_completed", "previous_embed_id": prevID})
		return string(payload), false, false
	}

	normalized := NormalizeArguments(skillDef.Schema, args)
	if reqs, ok := normalized["requests"].([]any); ok {
		AssignRequestIDs(reqs)
	}
	if issues := ValidateArguments(skillDef.Schema, normalized); len(issues) > 0 {
		l.logger.Warn("tool argument validation issues", "app_id", appID, "skill_id", skillID, "issues", issues)
	}

	skillTaskID := uuid.NewString()
	placeholder, err := l.embeds.CreatePlaceholder(ctx, embeds.PlaceholderParams{
		AppID: appID, SkillID: skillID, ChatID: turn.ChatID, MessageID: turn.MessageID,
		UserIDHash: turn.UserIDHash, VaultKeyID: turn.VaultKeyID, SkillTaskID: skillTaskID,
		Query: stringField(normalized, "query"),
	})
	if err != nil {
		payload, _ := json.Marshal(map[string]string{"error": fmt.Sprintf("creating placeholder: %v", err)})
		return string(payload), true, false
	}

	payloadBytes, _ := json.Marshal(normalized)
	cancelCh := dispatch.WatchCancellation(ctx, l.cancelPoller, skillTaskID)

	type dispatchOutcome struct {
		resp *dispatch.Response
		err  error
	}
	resultCh := make(chan dispatchOutcome, 1)
	go func() {
		resp, err := l.dispatcher.Dispatch(ctx, dispatch.Request{AppID: appID, SkillID: skillID, Payload: payloadBytes})
		resultCh <- dispatchOutcome{resp, err}
	}()

	var resp *dispatch.Response
	select {
	case out := <-resultCh:
		if out.err != nil {
			l.failEmbed(ctx, st, turn, placeholder.ID, out.err.Error(), false)
			payload, _ := json.Marshal(map[string]string{"error": out.err.Error()})
			return string(payload), true, false
		}
		resp = out.resp
	case <-cancelCh:
		l.failEmbed(ctx, st, turn, placeholder.ID, "cancelled by user", true)
		payload, _ := json.Marshal(map[string]string{"status": "cancelled", "message": "skill call was cancelled"})
		return string(payload), false, false
	}

	parsed, err := parseDispatchResponse(skillID, resp.Body)
	if err != nil {
		l.failEmbed(ctx, st, turn, placeholder.ID, err.Error(), false)
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		return string(payload), true, false
	}

	switch parsed.kind {
	case models.ToolOutcomeError:
		l.failEmbed(ctx, st, turn, placeholder.ID, parsed.errMsg, false)
		payload, _ := json.Marshal(map[string]string{"status": "error", "error": parsed.errMsg})
		return string(payload), true, false

	case models.ToolOutcomeAsync:
		payload, _ := json.Marshal(map[string]any{"status": "processing", "task_id": parsed.taskID, "task_ids": parsed.taskIDs})
		return string(payload), false, false
	}

	outcome := models.ToolOutcome{Results: toRequestResults(parsed.rows)}
	if !outcome.AnyNonError() {
		l.failEmbed(ctx, st, turn, placeholder.ID, "all requests in this call failed", false)
		payload, _ := json.Marshal(map[string]any{"status": "error", "results": parsed.rows})
		return string(payload), true, false
	}

	finalized, err := l.embeds.FinalizeWithResults(ctx, embeds.ResultsParams{
		EmbedID: placeholder.ID, AppID: appID, SkillID: skillID, Results: parsed.rows,
		ChatID: turn.ChatID, MessageID: turn.MessageID, UserIDHash: turn.UserIDHash,
		VaultKeyID: turn.VaultKeyID, RequestMetadata: normalized,
	})
	if err != nil {
		l.failEmbed(ctx, st, turn, placeholder.ID, err.Error(), false)
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		return string(payload), true, false
	}

	st.completed.MarkCompleted(hash, finalized.ParentEmbedID)
	st.budget.Consume(units)
	turn.Counters.SkillCalls++

	if l.publisher != nil {
		if perr := l.publisher.PublishSkillStatus(ctx, turn.UserIDHash, turn.IsExternalAPICaller, pubsub.SkillStatus{
			SkillTaskID: skillTaskID, AppID: appID, SkillID: skillID, Status: "finished",
		}); perr != nil {
			l.logger.Warn("publishing skill status failed", "error", perr)
		}
	}
	if l.billing != nil {
		l.billing.ChargeSkill(ctx, usage.SkillChargeParams{
			AppID: appID, SkillID: skillID, Provider: parsed.provider,
			RequestCount: requestCount(normalized), UserID: turn.UserID, UserIDHash: turn.UserIDHash,
		})
	}

	responseContent := toon.Encode(toon.Flatten(map[string]any{
		"app_id": appID, "skill_id": skillID, "status": "finished",
		"result_count": len(parsed.rows), "embed_id": finalized.ParentEmbedID,
	}))
	return responseContent, false, false
}

func (l *ToolCallingLoop) failEmbed(ctx context.Context, st *runState, turn *models.TurnSession, embedID, message string, cancelled bool) {
	if err := l.embeds.UpdateToError(ctx, embedID, turn.ChatID, turn.UserIDHash, turn.VaultKeyID, message, cancelled); err != nil {
		l.logger.Warn("updating embed to error failed", "embed_id", embedID, "error", err)
	}
	st.failedEmbedIDs = append(st.failedEmbedIDs, embedID)
}

// executeSystemTool implements spec.md §4.9's two focus-mode system
// tools.
func (l *ToolCallingLoop) executeSystemTool(ctx context.Context, turn *models.TurnSession, skillID string, args map[string]any) (content string, isError bool, halt bool) {
	switch skillID {
	case "activate_focus_mode":
		focusID, _ := args["focus_id"].(string)
		focusPrompt, _ := args["focus_prompt"].(string)
		marker, err := l.focus.Activate(ctx, focusmode.ActivateParams{
			FocusID: focusID, FocusPrompt: focusPrompt, ChatID: turn.ChatID, MessageID: turn.MessageID,
			UserID: turn.UserID, UserIDHash: turn.UserIDHash, VaultKeyID: turn.VaultKeyID,
		})
		if err != nil {
			payload, _ := json.Marshal(map[string]string{"error": err.Error()})
			return string(payload), true, false
		}
		return marker, false, true

	case "deactivate_focus_mode":
		resp, err := l.focus.Deactivate(ctx, turn.ChatID)
		if err != nil {
			payload, _ := json.Marshal(map[string]string{"error": err.Error()})
			return string(payload), true, false
		}
		payload, _ := json.Marshal(resp)
		return string(payload), false, false

	default:
		payload, _ := json.Marshal(map[string]string{"error": fmt.Sprintf("unknown system tool 'system-%s'", skillID)})
		return string(payload), true, false
	}
}

// codeEmbedder adapts internal/embeds.Service to streaming.CodeEmbedder,
// binding the session's chat/user/vault identifiers the extractor itself
// has no reason to carry.
type codeEmbedder struct {
	svc  *embeds.Service
	turn *models.TurnSession
}

func (l *ToolCallingLoop) codeEmbedder(turn *models.TurnSession) streaming.CodeEmbedder {
	return &codeEmbedder{svc: l.embeds, turn: turn}
}

func (c *codeEmbedder) CreatePlaceholder(ctx context.Context, language, filename string) (string, error) {
	embed, err := c.svc.CreatePlaceholder(ctx, embeds.PlaceholderParams{
		AppID: "code", SkillID: "code", ChatID: c.turn.ChatID, MessageID: c.turn.MessageID,
		UserIDHash: c.turn.UserIDHash, VaultKeyID: c.turn.VaultKeyID, Type: models.EmbedCode,
	})
	if err != nil {
		return "", err
	}
	return embed.ID, nil
}

func (c *codeEmbedder) AppendContent(ctx context.Context, embedID, content string) error {
	// Opportunistic partial updates are a pure optimization for the
	// client's live-rendering; a missed intermediate update is made whole
	// by the final Finalize call, so failures here are not propagated.
	return nil
}

func (c *codeEmbedder) Finalize(ctx context.Context, embedID, content string, lineCount int) error {
	_, err := c.svc.FinalizeWithResults(ctx, embeds.ResultsParams{
		EmbedID: embedID, AppID: "code", SkillID: "code",
		Results:    []map[string]any{{"code": content, "line_count": lineCount}},
		ChatID:     c.turn.ChatID, MessageID: c.turn.MessageID,
		UserIDHash: c.turn.UserIDHash, VaultKeyID: c.turn.VaultKeyID, Type: models.EmbedCode,
	})
	return err
}

// unitsFromArgs returns len(arguments.requests) when present, else 1
// (spec.md §4.2's budget-guard step).
func unitsFromArgs(args map[string]any) int {
	if reqs, ok := args["requests"].([]any); ok && len(reqs) > 0 {
		return len(reqs)
	}
	return 1
}

func requestCount(normalized map[string]any) int {
	if reqs, ok := normalized["requests"].([]any); ok {
		return len(reqs)
	}
	return 0
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	if reqs, ok := m["requests"].([]any); ok && len(reqs) > 0 {
		if first, ok := reqs[0].(map[string]any); ok {
			if v, ok := first[key].(string); ok {
				return v
			}
		}
	}
	return ""
}

// dispatchResult is the decoded, classified shape of one skill's HTTP
// response (spec.md §4.5's "Result conventions").
type dispatchResult struct {
	kind     models.ToolOutcomeKind
	rows     []map[string]any
	provider string
	errMsg   string
	taskID   string
	taskIDs  []string
}

type skillResponseEnvelope struct {
	Status   string            `json:"status"`
	Error    string            `json:"error"`
	TaskID   string            `json:"task_id"`
	TaskIDs  []string          `json:"task_ids"`
	Provider string            `json:"provider"`
	Results  []json.RawMessage `json:"results"`
}

type resultGroup struct {
	ID      int              `json:"id"`
	Results []map[string]any `json:"results"`
}

// parseDispatchResponse classifies a skill's HTTP response body into an
// error, async-acknowledgement, or success shape, flattening a composite
// skill's grouped {id, results} rows into one list of per-request rows
// for embed/billing purposes (spec.md §4.5/§4.7).
func parseDispatchResponse(skillID string, body json.RawMessage) (*dispatchResult, error) {
	var env skillResponseEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("dispatch: decoding skill response: %w", err)
	}

	switch env.Status {
	case "error":
		return &dispatchResult{kind: models.ToolOutcomeError, provider: env.Provider, errMsg: env.Error}, nil
	case "processing":
		return &dispatchResult{kind: models.ToolOutcomeAsync, provider: env.Provider, taskID: env.TaskID, taskIDs: env.TaskIDs}, nil
	}

	var rows []map[string]any
	for _, raw := range env.Results {
		if models.IsCompositeSkill(skillID) {
			var group resultGroup
			if err := json.Unmarshal(raw, &group); err == nil && group.Results != nil {
				rows = append(rows, group.Results...)
				continue
			}
		}
		var row map[string]any
		if err := json.Unmarshal(raw, &row); err == nil {
			rows = append(rows, row)
		}
	}
	return &dispatchResult{kind: models.ToolOutcomeSuccess, rows: rows, provider: env.Provider}, nil
}

// toRequestResults converts flattened result rows into the per-request
// outcome rows ToolOutcome.AnyNonError inspects.
func toRequestResults(rows []map[string]any) []models.ToolRequestResult {
	out := make([]models.ToolRequestResult, 0, len(rows))
	for i, row := range rows {
		rr := models.ToolRequestResult{RequestID: i + 1, Data: row}
		if status, ok := row["status"].(string); ok {
			rr.Status = status
		}
		if errMsg, ok := row["error"].(string); ok {
			rr.Error = errMsg
		}
		out = append(out, rr)
	}
	return out
}
