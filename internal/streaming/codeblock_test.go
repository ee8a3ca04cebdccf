package streaming

import (
	"context"
	"strings"
	"testing"
)

type stubEmbedder struct {
	created   []string // language per CreatePlaceholder call
	appended  []string
	finalized []string
	nextID    int
}

func (s *stubEmbedder) CreatePlaceholder(ctx context.Context, language, filename string) (string, error) {
	s.nextID++
	s.created = append(s.created, language)
	return "embed-" + itoa(s.nextID), nil
}

func (s *stubEmbedder) AppendContent(ctx context.Context, embedID, content string) error {
	s.appended = append(s.appended, content)
	return nil
}

func (s *stubEmbedder) Finalize(ctx context.Context, embedID, content string, lineCount int) error {
	s.finalized = append(s.finalized, content)
	return nil
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestCodeBlockExtractorHandlesHeaderAndCloseInSameFragment(t *testing.T) {
	embedder := &stubEmbedder{}
	e := NewCodeBlockExtractor(embedder)

	out, err := e.Process(context.Background(), "intro ```go\nfunc main() {}\n```tail")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "intro ") || !strings.Contains(out, "```json") || !strings.Contains(out, "tail") {
		t.Fatalf("unexpected output: %q", out)
	}
	if len(embedder.created) != 1 || embedder.created[0] != "go" {
		t.Fatalf("expected one go embed created, got %v", embedder.created)
	}
	if len(embedder.finalized) != 1 || embedder.finalized[0] != "func main() {}\n" {
		t.Fatalf("expected finalized content, got %v", embedder.finalized)
	}
}

func TestCodeBlockExtractorSplitAcrossFragments(t *testing.T) {
	embedder := &stubEmbedder{}
	e := NewCodeBlockExtractor(embedder)
	ctx := context.Background()

	out1, err := e.Process(ctx, "before ```")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out1 != "before " {
		t.Fatalf("expected prose only, got %q", out1)
	}

	out2, err := e.Process(ctx, "python\ndef f():\n    pass\n")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out2, "```json") {
		t.Fatalf("expected an embed reference after language line, got %q", out2)
	}
	if len(embedder.created) != 1 || embedder.created[0] != "python" {
		t.Fatalf("expected a python embed, got %v", embedder.created)
	}
	if len(embedder.appended) != 1 {
		t.Fatalf("expected an opportunistic append on newline, got %v", embedder.appended)
	}

	out3, err := e.Process(ctx, "```after")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out3 != "after" {
		t.Fatalf("expected trailing text after the closing fence, got %q", out3)
	}
	if len(embedder.finalized) != 1 {
		t.Fatalf("expected the code embed to be finalized, got %v", embedder.finalized)
	}
}

func TestCodeBlockExtractorLeavesEmbedReferenceJSONAlone(t *testing.T) {
	embedder := &stubEmbedder{}
	e := NewCodeBlockExtractor(embedder)

	in := "```json\n{\"type\": \"website\", \"embed_id\": \"abc\"}\n```"
	out, err := e.Process(context.Background(), in)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != in {
		t.Errorf("expected the json embed reference to pass through verbatim, got %q", out)
	}
	if len(embedder.created) != 0 {
		t.Errorf("expected no code embed created for an embed-reference json block")
	}
}

func TestCodeBlockExtractorFlushFinalizesStillOpenBlock(t *testing.T) {
	embedder := &stubEmbedder{}
	e := NewCodeBlockExtractor(embedder)
	ctx := context.Background()

	if _, err := e.Process(ctx, "```ruby\n"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := e.Process(ctx, "puts 1\n"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := e.Flush(ctx); err != nil {
		t.Fatalf("unexpected flush error: %v", err)
	}
	if len(embedder.finalized) != 1 {
		t.Fatalf("expected the still-open block to be finalized on flush, got %v", embedder.finalized)
	}
}
