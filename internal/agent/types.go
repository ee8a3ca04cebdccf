package agent

import (
	"context"
	"encoding/json"

	"github.com/openmates/ai-core/pkg/models"
)

// LLMProvider defines the interface for Large Language Model backends.
//
// Implementations handle the specifics of communicating with different LLM
// APIs (Anthropic, OpenAI, Bedrock, ...) while presenting a unified streaming
// interface to ToolCallingLoop. Implementations must be safe for concurrent
// use: multiple goroutines may call Complete simultaneously for different
// requests.
type LLMProvider interface {
	// Complete sends a prompt and returns a streaming response.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []Model

	// SupportsTools returns whether the provider supports tool use.
	SupportsTools() bool
}

// CompletionRequest contains all parameters for an LLM completion request.
type CompletionRequest struct {
	// Model specifies which LLM model to use. If empty, the provider's
	// default model is used.
	Model string `json:"model"`

	// System is the system prompt built by BuildSystemPrompt.
	System string `json:"system,omitempty"`

	// Messages contains the conversation history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools defines available tools/functions the LLM can request to execute.
	Tools []Tool `json:"tools,omitempty"`

	// MaxTokens limits the maximum length of the generated response.
	MaxTokens int `json:"max_tokens,omitempty"`

	// ToolChoice is "auto" or "none". ToolCallingLoop sets "none" once a
	// force-no-tools condition fires (hard budget limit reached, would
	// exceed hard limit, or last iteration) to steer the model toward a
	// final answer instead of another tool call.
	ToolChoice string `json:"tool_choice,omitempty"`

	// EnableThinking enables extended thinking mode for supported models.
	EnableThinking bool `json:"enable_thinking,omitempty"`

	// ThinkingBudgetTokens sets the token budget for extended thinking.
	// Only used when EnableThinking is true.
	ThinkingBudgetTokens int `json:"thinking_budget_tokens,omitempty"`
}

// CompletionMessage represents a single message in a conversation. Role is
// one of "user", "assistant", "tool".
type CompletionMessage struct {
	Role string `json:"role"`

	// Content is the text content of the message (may be empty for
	// tool-only messages).
	Content string `json:"content,omitempty"`

	// ToolCalls contains any tool execution requests from the assistant.
	ToolCalls []models.ToolCall `json:"tool_calls,omitempty"`

	// ToolResults contains responses from executed tools.
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`

	// Attachments contains images or files for vision-capable models.
	Attachments []models.Attachment `json:"attachments,omitempty"`
}

// CompletionChunk represents a single chunk in a streaming LLM response.
type CompletionChunk struct {
	// Text contains partial response text (streamed incrementally).
	Text string `json:"text,omitempty"`

	// ToolCall contains a complete tool execution request.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done is true when the stream has completed successfully.
	Done bool `json:"done,omitempty"`

	// Error contains any error that occurred; streaming is terminated.
	Error error `json:"-"`

	// Thinking contains reasoning/thinking text when extended thinking is
	// enabled, streamed separately from the main response text.
	Thinking string `json:"thinking,omitempty"`

	ThinkingStart bool `json:"thinking_start,omitempty"`
	ThinkingEnd   bool `json:"thinking_end,omitempty"`

	// InputTokens/OutputTokens are only populated in the final chunk
	// (when Done is true).
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Model describes an available LLM model and its capabilities.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ContextSize    int    `json:"context_size"`
	SupportsVision bool   `json:"supports_vision"`
}

// Tool defines the interface buildToolSchemas adapts skill definitions and
// system tools into, so the loop can present a single []Tool slice to the
// provider regardless of where each tool call ends up being dispatched.
type Tool interface {
	// Name returns the tool name for LLM function calling.
	Name() string

	// Description returns a natural language description of what the tool does.
	Description() string

	// Schema returns the JSON Schema defining the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool with the given JSON parameters. Unused by
	// schemaTool, whose calls are routed through the dispatcher instead,
	// but kept so system tools can implement the same interface directly.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult contains the output from a tool execution, sent back to the
// LLM as a tool-role message. IsError lets the model see and react to a
// failed call instead of the loop failing outright.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}
