// Package streaming turns a raw LLM completion stream into the ordered,
// typed events the rest of the orchestrator consumes: a chunk classifier
// tags each fragment by kind (spec.md §4.3), a paragraph aggregator
// batches text up to a delivery boundary, and a code-block extractor
// turns fenced code in the aggregated text into embed references
// (spec.md §4.4).
package streaming

import "github.com/openmates/ai-core/pkg/models"

// Kind discriminates the sum type a completion stream produces.
type Kind string

const (
	KindText              Kind = "text"
	KindThinking          Kind = "thinking"
	KindThinkingSignature Kind = "thinking_signature"
	KindToolCall          Kind = "tool_call"
	KindUsage             Kind = "usage"
)

// Chunk is the classified form of one raw completion fragment. Exactly
// one of its payload fields is meaningful for a given Kind.
type Chunk struct {
	Kind Kind

	Text string

	// ToolCall is set when Kind == KindToolCall. Provider identifies which
	// LLM produced it, so the loop can serialize the call back into that
	// provider's expected wire shape on the next turn (spec.md §4.3).
	ToolCall *models.ToolCall
	Provider string

	// ThoughtSignature carries an opaque per-provider token (Gemini's
	// "thought signature", Anthropic's extended-thinking signature) that
	// must be replayed verbatim in a later turn. It is never interpreted.
	ThoughtSignature string

	// InputTokens/OutputTokens are only meaningful when Kind == KindUsage;
	// usage is terminal, stored for billing, and never forwarded to the
	// client (spec.md §4.3).
	InputTokens  int
	OutputTokens int
}

// ClassifyText wraps a plain text fragment.
func ClassifyText(text string) *Chunk {
	return &Chunk{Kind: KindText, Text: text}
}

// ClassifyThinking wraps a reasoning-content fragment, published on the
// thinking channel rather than the main reply.
func ClassifyThinking(text string) *Chunk {
	return &Chunk{Kind: KindThinking, Text: text}
}

// ClassifyThinkingSignature wraps an opaque per-provider signature token.
func ClassifyThinkingSignature(signature string) *Chunk {
	return &Chunk{Kind: KindThinkingSignature, ThoughtSignature: signature}
}

// ClassifyToolCall wraps a fully-parsed tool call, tagged with the
// provider that produced it.
func ClassifyToolCall(call *models.ToolCall, provider string) *Chunk {
	return &Chunk{Kind: KindToolCall, ToolCall: call, Provider: provider}
}

// ClassifyUsage wraps the terminal token-usage chunk.
func ClassifyUsage(inputTokens, outputTokens int) *Chunk {
	return &Chunk{Kind: KindUsage, InputTokens: inputTokens, OutputTokens: outputTokens}
}
