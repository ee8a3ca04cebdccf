// Package session implements the Stream Consumer (spec.md §4.1): the
// entry point for one assistant response. It decides whether to hand the
// turn to the tool-calling loop or emit a canned response, forwards the
// loop's chunks onto the chat's pub/sub channel, runs the post-stream
// URL-correction pass, and triggers final persistence and LLM billing.
// No teacher file matches this directly — the teacher is a multi-channel
// bot gateway with no single-response session concept — so its shape
// follows internal/agent/loop.go's own phase-driven Run method instead.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/openmates/ai-core/internal/agent"
	"github.com/openmates/ai-core/internal/config"
	"github.com/openmates/ai-core/internal/embeds"
	"github.com/openmates/ai-core/internal/pubsub"
	"github.com/openmates/ai-core/internal/streaming"
	"github.com/openmates/ai-core/internal/urlvalidate"
	"github.com/openmates/ai-core/internal/usage"
	"github.com/openmates/ai-core/pkg/models"
)

// StandardizedErrorMessage is the one user-safe error string every
// failure path substitutes for a raw technical error (spec.md §7).
const StandardizedErrorMessage = "The AI service encountered an error while processing your request. Please try again in a moment."

// legacyErrorPrefix marks an older error-message convention (spec.md
// §4.1's "legacy `[ERROR …]` prefix") that also must never be billed.
const legacyErrorPrefix = "[ERROR"

// LinkChecker classifies one URL's reachability (spec.md §4.10).
// *urlvalidate.Checker satisfies this; kept as an interface so tests can
// script broken/valid outcomes without real HTTP calls.
type LinkChecker interface {
	Check(ctx context.Context, rawURL string) urlvalidate.Result
}

// ToolCallingRunner is the narrow slice of internal/agent.ToolCallingLoop
// the consumer needs, kept as an interface for the same reason
// internal/agent.Dispatcher is: so consumer_test.go can drive the gating
// and end-of-stream logic with a scripted loop outcome instead of wiring
// a full provider/dispatcher/embeds graph. *agent.ToolCallingLoop
// satisfies this directly.
type ToolCallingRunner interface {
	Run(ctx context.Context, p agent.RunParams, onChunk agent.OnChunk) (*agent.RunResult, error)
}

// EventPublisher is the narrow slice of internal/pubsub.Publisher the
// consumer drives, kept as an interface for the same test-without-Redis
// reason as ToolCallingRunner. *pubsub.Publisher satisfies this.
type EventPublisher interface {
	PublishStreamChunk(ctx context.Context, chatID string, chunk pubsub.StreamChunk) error
	PublishMessagePersisted(ctx context.Context, userIDHash string, event pubsub.MessagePersisted) error
}

// Input bundles one turn's fixed inputs, mirroring agent.RunParams plus
// the gating data only the Stream Consumer needs.
type Input struct {
	Turn        *models.TurnSession
	Apps        []config.AppDefinition
	History     []agent.CompletionMessage
	UserMessage string
	Prompt      agent.PromptInputs
}

// Outcome is what the caller (the HTTP/websocket handler that owns the
// request) needs once Run returns.
type Outcome struct {
	Text                      string
	InterruptedByRevocation   bool
	InterruptedBySoftLimit    bool
	AwaitingFocusConfirmation bool
}

// Consumer wires every collaborator spec.md's data-flow line names:
// "Stream Consumer -> Tool-Calling Loop -> Chunk Classifier -> (...) ->
// Event Publisher -> Billing Driver".
type Consumer struct {
	loop      ToolCallingRunner
	provider  agent.LLMProvider // reused for the URL-correction pass (spec.md §4.10: "the same model that served the main response")
	publisher EventPublisher
	billing   *usage.Driver
	store     MessageStore
	encryptor embeds.VaultEncryptor
	checker   LinkChecker
	logger    *slog.Logger
}

func NewConsumer(loop ToolCallingRunner, provider agent.LLMProvider, publisher EventPublisher, billing *usage.Driver, store MessageStore, encryptor embeds.VaultEncryptor, checker LinkChecker, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		loop:      loop,
		provider:  provider,
		publisher: publisher,
		billing:   billing,
		store:     store,
		encryptor: encryptor,
		checker:   checker,
		logger:    logger,
	}
}

// sequencer produces the monotonically increasing chunk sequence numbers
// spec.md §5 requires per chat_stream session. It is only ever touched
// from the single cooperative goroutine driving one session, so it needs
// no synchronization of its own.
type sequencer struct{ n int64 }

func (s *sequencer) next() int64 {
	s.n++
	return s.n
}

// Run evaluates the gates of spec.md §4.1 in order, then either emits a
// canned response or drives the tool-calling loop to completion.
func (c *Consumer) Run(ctx context.Context, in Input) (*Outcome, error) {
	turn := in.Turn
	seq := &sequencer{}

	if pre := turn.Preprocessing; pre != nil && pre.Rejection != models.RejectionNone {
		return c.runRejected(ctx, turn, pre, seq), nil
	}

	return c.runLoop(ctx, in, seq)
}

// runRejected implements spec.md §4.1 gates 1-3: a canned or standardized
// reply via the fake-stream path, with billing only for the
// harmful/misuse gate.
func (c *Consumer) runRejected(ctx context.Context, turn *models.TurnSession, pre *models.PreprocessingResult, seq *sequencer) *Outcome {
	var text string
	switch pre.Rejection {
	case models.RejectionHarmful, models.RejectionMisuse:
		text = pre.ErrorMessage
		if text == "" {
			text = StandardizedErrorMessage
		}
		if c.billing != nil {
			c.billing.ChargeFixed(ctx, turn.UserID, turn.UserIDHash, usage.RejectionCreditCharge, string(pre.Rejection))
		}
	case models.RejectionInsufficientFund:
		text = pre.ErrorMessage
		if text == "" {
			text = StandardizedErrorMessage
		}
	default: // RejectionLLMFailure and any future reason default to the standardized message
		text = StandardizedErrorMessage
	}

	c.fakeStream(ctx, turn, seq, text)
	c.persist(ctx, turn, text)
	return &Outcome{Text: text}
}

// fakeStream publishes a single content chunk followed by the final
// marker, for paths that never actually streamed anything (spec.md
// §4.1's "fake-stream path").
func (c *Consumer) fakeStream(ctx context.Context, turn *models.TurnSession, seq *sequencer, text string) {
	c.publishText(ctx, turn, seq, text)
	c.publishFinal(ctx, turn, seq)
}

func (c *Consumer) publishText(ctx context.Context, turn *models.TurnSession, seq *sequencer, text string) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.PublishStreamChunk(ctx, turn.ChatID, pubsub.StreamChunk{
		ChatID: turn.ChatID, MessageID: turn.MessageID, Sequence: seq.next(), Text: text,
	}); err != nil {
		c.logger.Warn("publishing content chunk failed", "chat_id", turn.ChatID, "error", err)
	}
}

func (c *Consumer) publishFinal(ctx context.Context, turn *models.TurnSession, seq *sequencer) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.PublishStreamChunk(ctx, turn.ChatID, pubsub.StreamChunk{
		ChatID: turn.ChatID, MessageID: turn.MessageID, Sequence: seq.next(), IsFinalChunk: true,
	}); err != nil {
		c.logger.Warn("publishing final marker chunk failed", "chat_id", turn.ChatID, "error", err)
	}
}

// runLoop drives the tool-calling loop, forwards its chunks, and runs
// the end-of-stream phases (spec.md §4.1's "After the loop" paragraph).
func (c *Consumer) runLoop(ctx context.Context, in Input, seq *sequencer) (*Outcome, error) {
	turn := in.Turn

	var mu sync.Mutex
	var wg sync.WaitGroup
	var broken []string

	onChunk := func(chunk *streaming.Chunk) {
		switch chunk.Kind {
		case streaming.KindText:
			c.publishText(ctx, turn, seq, chunk.Text)
			c.scheduleLinkChecks(ctx, chunk.Text, &wg, &mu, &broken)
		case streaming.KindThinking:
			if c.publisher == nil {
				return
			}
			if err := c.publisher.PublishStreamChunk(ctx, turn.ChatID, pubsub.StreamChunk{
				ChatID: turn.ChatID, MessageID: turn.MessageID, Sequence: seq.next(), Thinking: chunk.Text,
			}); err != nil {
				c.logger.Warn("publishing thinking chunk failed", "chat_id", turn.ChatID, "error", err)
			}
		}
	}

	result, runErr := c.loop.Run(ctx, agent.RunParams{
		Turn:        turn,
		Apps:        in.Apps,
		History:     in.History,
		UserMessage: in.UserMessage,
		Prompt:      in.Prompt,
	}, onChunk)

	wg.Wait()

	var (
		text                             string
		runUsage                         *usage.Usage
		modelUsed, provider              string
		revoked, softLimited, awaitFocus bool
		failedEmbedIDs                   []string
	)

	if runErr != nil {
		// Model-fallback exhaustion (spec.md §4.12): nothing streamed, so
		// the standardized message is the entire response.
		c.logger.Warn("tool-calling loop failed", "chat_id", turn.ChatID, "error", runErr)
		text = StandardizedErrorMessage
		c.publishText(ctx, turn, seq, text)
	} else {
		text = result.Text
		runUsage = result.Usage
		modelUsed = result.ModelUsed
		provider = result.Provider
		revoked = result.InterruptedByRevocation
		softLimited = result.InterruptedBySoftLimit
		awaitFocus = result.AwaitingFocusConfirmation
		failedEmbedIDs = result.FailedEmbedIDs

		if awaitFocus {
			// The loop already recorded the countdown embed and pending
			// activation; this turn's stream ends here without a final
			// marker, the continuation session owns the next one
			// (spec.md §4.9).
			c.logger.Info("turn paused for focus-mode confirmation", "chat_id", turn.ChatID)
			return &Outcome{AwaitingFocusConfirmation: true}, nil
		}

		if text == "" && !revoked && !softLimited {
			text = StandardizedErrorMessage
			c.publishText(ctx, turn, seq, text)
		} else if text != "" {
			if corrected := c.runURLCorrectionIfNeeded(ctx, turn, in, text, modelUsed, &mu, &broken, seq); corrected != "" {
				text = corrected
			}
		}
	}

	c.publishFinal(ctx, turn, seq)
	// The client has already rendered whatever embed references were
	// streamed; only the persisted copy strips the ones a failed skill
	// call left dangling (spec.md §4.12).
	c.persist(ctx, turn, stripFailedEmbedReferences(text, failedEmbedIDs))

	if c.billing != nil {
		c.billing.ChargeLLM(ctx, usage.LLMChargeParams{
			Provider:                    provider,
			ModelRef:                    modelUsed,
			Usage:                       runUsage,
			UserID:                      turn.UserID,
			UserIDHash:                  turn.UserIDHash,
			ResponseIsStandardizedError: isServerErrorMessage(text),
		})
	}

	return &Outcome{
		Text:                    text,
		InterruptedByRevocation: revoked,
		InterruptedBySoftLimit:  softLimited,
	}, nil
}

func isServerErrorMessage(text string) bool {
	return text == StandardizedErrorMessage || strings.HasPrefix(text, legacyErrorPrefix)
}

// embedReferenceFencePattern matches the JSON embed-reference fences the
// code-block extractor emits in place of an opening code fence
// (internal/streaming/codeblock.go's newEmbedReferenceFence), the same
// shape spec.md §4.7 describes for resolve-in-content lookups.
var embedReferenceFencePattern = regexp.MustCompile("(?s)```json\\s*\\n\\{.*?\\}\\s*\\n```")

// stripFailedEmbedReferences removes any embed-reference fence whose
// embed id is in failedIDs, so a persisted message never points at an
// embed the client will render as an error (spec.md §4.12).
func stripFailedEmbedReferences(text string, failedIDs []string) string {
	if len(failedIDs) == 0 {
		return text
	}
	failed := make(map[string]bool, len(failedIDs))
	for _, id := range failedIDs {
		failed[id] = true
	}
	return embedReferenceFencePattern.ReplaceAllStringFunc(text, func(block string) string {
		for id := range failed {
			if id != "" && strings.Contains(block, id) {
				return ""
			}
		}
		return block
	})
}

// scheduleLinkChecks spawns one background validation task per markdown
// link found in a non-code paragraph (spec.md §4.10), fed by the chunks
// the code-block extractor has already stripped of fenced code.
func (c *Consumer) scheduleLinkChecks(ctx context.Context, paragraph string, wg *sync.WaitGroup, mu *sync.Mutex, broken *[]string) {
	if c.checker == nil {
		return
	}
	urls := urlvalidate.ExtractMarkdownLinks(paragraph)
	for _, u := range urls {
		wg.Add(1)
		go func(rawURL string) {
			defer wg.Done()
			res := c.checker.Check(ctx, rawURL)
			if res.Status != urlvalidate.StatusBroken {
				return
			}
			mu.Lock()
			*broken = append(*broken, rawURL)
			mu.Unlock()
		}(u)
	}
}

// runURLCorrectionIfNeeded implements spec.md §4.10's post-drain
// correction pass: if any broken URLs were found, call the model that
// served the main response with a correction prompt and publish the
// corrected text as an additional, non-final chunk. Returns "" when no
// correction ran (either no broken links, or the correction call
// failed — the original text is kept in that case).
func (c *Consumer) runURLCorrectionIfNeeded(ctx context.Context, turn *models.TurnSession, in Input, original, modelUsed string, mu *sync.Mutex, broken *[]string, seq *sequencer) string {
	mu.Lock()
	found := append([]string(nil), *broken...)
	mu.Unlock()
	if len(found) == 0 || c.provider == nil || modelUsed == "" {
		return ""
	}

	corrected, err := c.callCorrection(ctx, original, in.UserMessage, modelUsed, found)
	if err != nil {
		c.logger.Warn("url correction pass failed", "chat_id", turn.ChatID, "error", err)
		return ""
	}
	if corrected == "" {
		return ""
	}
	c.publishText(ctx, turn, seq, corrected)
	return corrected
}

const correctionSystemPrompt = "Rewrite the assistant response below so every broken link is removed or replaced with a short note that the link could not be verified. Keep everything else unchanged."

func (c *Consumer) callCorrection(ctx context.Context, original, lastUserMessage, modelUsed string, broken []string) (string, error) {
	chunks, err := c.provider.Complete(ctx, &agent.CompletionRequest{
		Model:      modelUsed,
		System:     correctionSystemPrompt,
		ToolChoice: "none",
		Messages: []agent.CompletionMessage{
			{Role: "user", Content: buildCorrectionPrompt(original, lastUserMessage, broken)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("session: url correction call: %w", err)
	}

	var b strings.Builder
	for chunk := range chunks {
		if chunk.Error != nil {
			return "", fmt.Errorf("session: url correction stream: %w", chunk.Error)
		}
		b.WriteString(chunk.Text)
	}
	return b.String(), nil
}

func buildCorrectionPrompt(original, lastUserMessage string, broken []string) string {
	var b strings.Builder
	b.WriteString("Original response:\n")
	b.WriteString(original)
	b.WriteString("\n\nOriginal user message:\n")
	b.WriteString(lastUserMessage)
	b.WriteString("\n\nBroken URLs:\n")
	for _, u := range broken {
		b.WriteString("- ")
		b.WriteString(u)
		b.WriteString("\n")
	}
	return b.String()
}

// persist implements spec.md §4.1's end-of-stream metadata/cache write
// and the ai_message_persisted event. Persistence/publish failures are
// logged, not returned — by the time this runs, the client has already
// received the full streamed content.
func (c *Consumer) persist(ctx context.Context, turn *models.TurnSession, text string) {
	var encrypted []byte
	if c.encryptor != nil {
		enc, err := c.encryptor.Encrypt(turn.VaultKeyID, []byte(text))
		if err != nil {
			c.logger.Warn("encrypting assistant message failed", "chat_id", turn.ChatID, "error", err)
		} else {
			encrypted = enc
		}
	}

	category := ""
	if turn.Preprocessing != nil {
		category = turn.Preprocessing.Category
	}

	if c.store != nil {
		if err := c.store.PersistAssistantMessage(ctx, PersistParams{
			ChatID:           turn.ChatID,
			MessageID:        turn.MessageID,
			MateCategory:     category,
			EncryptedContent: encrypted,
			OccurredAt:       time.Now(),
		}); err != nil {
			c.logger.Warn("persisting assistant message failed", "chat_id", turn.ChatID, "error", err)
		}
	}

	if c.publisher != nil {
		if err := c.publisher.PublishMessagePersisted(ctx, turn.UserIDHash, pubsub.MessagePersisted{
			ChatID: turn.ChatID, MessageID: turn.MessageID,
		}); err != nil {
			c.logger.Warn("publishing message-persisted event failed", "chat_id", turn.ChatID, "error", err)
		}
	}
}
