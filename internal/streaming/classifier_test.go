package streaming

import (
	"testing"

	"github.com/openmates/ai-core/pkg/models"
)

func TestClassifyTextProducesTextKind(t *testing.T) {
	c := ClassifyText("hello")
	if c.Kind != KindText || c.Text != "hello" {
		t.Errorf("unexpected chunk: %+v", c)
	}
}

func TestClassifyToolCallPreservesProvider(t *testing.T) {
	call := &models.ToolCall{ID: "call-1", Name: "web-search"}
	c := ClassifyToolCall(call, "anthropic")
	if c.Kind != KindToolCall || c.Provider != "anthropic" || c.ToolCall.Name != "web-search" {
		t.Errorf("unexpected chunk: %+v", c)
	}
}

func TestClassifyUsageIsTerminal(t *testing.T) {
	c := ClassifyUsage(100, 50)
	if c.Kind != KindUsage || c.InputTokens != 100 || c.OutputTokens != 50 {
		t.Errorf("unexpected chunk: %+v", c)
	}
}

func TestClassifyThinkingSignaturePassesThroughOpaque(t *testing.T) {
	c := ClassifyThinkingSignature("opaque-token")
	if c.Kind != KindThinkingSignature || c.ThoughtSignature != "opaque-token" {
		t.Errorf("unexpected chunk: %+v", c)
	}
}
