package streaming

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// CodeEmbedder is the narrow slice of the embed lifecycle the code-block
// extractor needs. In production this is backed by internal/embeds, kept
// here as an interface so this package never imports the transport or
// cache layers.
type CodeEmbedder interface {
	// CreatePlaceholder starts a "processing" code embed and returns its id.
	CreatePlaceholder(ctx context.Context, language, filename string) (embedID string, err error)
	// AppendContent is an opportunistic partial update; status stays
	// "processing".
	AppendContent(ctx context.Context, embedID, content string) error
	// Finalize writes the accumulated content and marks the embed
	// "finished".
	Finalize(ctx context.Context, embedID, content string, lineCount int) error
}

type codeState int

const (
	stateOutside codeState = iota
	stateAwaitingLanguage
	stateInside
)

var languageToken = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_+#-]*$`)

// CodeBlockExtractor is a three-state machine over aggregated text
// fragments (spec.md §4.4). It replaces fenced code blocks with a JSON
// embed-reference block as soon as the opening fence is recognized, and
// streams the code content to a CodeEmbedder as it arrives rather than
// holding it all in the reply text.
type CodeBlockExtractor struct {
	embedder CodeEmbedder

	state    codeState
	embedID  string
	language string
	content  strings.Builder
}

// NewCodeBlockExtractor returns an extractor in the "outside" state.
func NewCodeBlockExtractor(embedder CodeEmbedder) *CodeBlockExtractor {
	return &CodeBlockExtractor{embedder: embedder}
}

// Process consumes one aggregated text fragment and returns the text to
// forward downstream (possibly empty, when the fragment was entirely
// code content already streamed to the embedder).
func (e *CodeBlockExtractor) Process(ctx context.Context, text string) (string, error) {
	switch e.state {
	case stateAwaitingLanguage:
		return e.processAwaitingLanguage(ctx, text)
	case stateInside:
		return e.processInside(ctx, text)
	default:
		return e.processOutside(ctx, text)
	}
}

// Flush finalizes any still-open code block when the stream terminates
// (spec.md §4.4's "any still-open code block ... is finalized").
func (e *CodeBlockExtractor) Flush(ctx context.Context) error {
	if e.state != stateInside && e.state != stateAwaitingLanguage {
		return nil
	}
	if e.embedID == "" {
		e.state = stateOutside
		return nil
	}
	full := e.content.String()
	err := e.embedder.Finalize(ctx, e.embedID, full, countLines(full))
	e.state = stateOutside
	e.embedID = ""
	e.content.Reset()
	return err
}

func (e *CodeBlockExtractor) processOutside(ctx context.Context, text string) (string, error) {
	idx := strings.Index(text, "```")
	if idx < 0 {
		return text, nil
	}
	before, after := text[:idx], text[idx+3:]

	if nl := strings.IndexByte(after, '\n'); nl >= 0 {
		header, rest := after[:nl], after[nl+1:]
		if lang, filename, ok := parseFenceHeader(header); ok {
			return e.openBlock(ctx, before, lang, filename, rest)
		}
	}

	if after == "" {
		e.state = stateAwaitingLanguage
		return before, nil
	}

	// A "```" with trailing content that isn't a recognizable header is
	// not a fence we understand; pass it through untouched.
	return text, nil
}

func (e *CodeBlockExtractor) processAwaitingLanguage(ctx context.Context, text string) (string, error) {
	firstLine, rest := splitFirstLine(text)
	lang := firstLine
	if !languageToken.MatchString(lang) || len(lang) > 20 {
		lang = ""
		rest = text
	}

	embedID, err := e.embedder.CreatePlaceholder(ctx, lang, "")
	if err != nil {
		return "", fmt.Errorf("streaming: create code embed: %w", err)
	}
	e.embedID = embedID
	e.language = lang
	e.content.Reset()
	e.state = stateInside

	tail, err := e.processInside(ctx, rest)
	if err != nil {
		return "", err
	}
	return embedReferenceBlock(embedID) + tail, nil
}

func (e *CodeBlockExtractor) processInside(ctx context.Context, text string) (string, error) {
	idx := strings.Index(text, "```")
	if idx < 0 {
		e.content.WriteString(text)
		if strings.Contains(text, "\n") {
			if err := e.embedder.AppendContent(ctx, e.embedID, e.content.String()); err != nil {
				return "", fmt.Errorf("streaming: append code embed: %w", err)
			}
		}
		return "", nil
	}

	e.content.WriteString(text[:idx])
	trailing := text[idx+3:]
	full := e.content.String()
	if err := e.embedder.Finalize(ctx, e.embedID, full, countLines(full)); err != nil {
		return "", fmt.Errorf("streaming: finalize code embed: %w", err)
	}

	e.state = stateOutside
	e.embedID = ""
	e.content.Reset()
	return trailing, nil
}

// openBlock opens a code embed for a recognized fence header. When the
// closing fence arrives within the same fragment, the embed is created
// and finalized in one step and the extractor stays in the outside state;
// otherwise it enters the inside state and streams the rest as content.
func (e *CodeBlockExtractor) openBlock(ctx context.Context, before, lang, filename, rest string) (string, error) {
	if closeIdx := strings.Index(rest, "```"); closeIdx >= 0 {
		content, trailing := rest[:closeIdx], rest[closeIdx+3:]

		if lang == "json" && isEmbedReferenceJSON(content) {
			// Already an embed reference produced earlier in the stream;
			// pass the whole fenced block through verbatim.
			return before + "```" + lang + "\n" + content + "```" + trailing, nil
		}

		embedID, err := e.embedder.CreatePlaceholder(ctx, lang, filename)
		if err != nil {
			return "", fmt.Errorf("streaming: create code embed: %w", err)
		}
		if err := e.embedder.Finalize(ctx, embedID, content, countLines(content)); err != nil {
			return "", fmt.Errorf("streaming: finalize code embed: %w", err)
		}
		return before + embedReferenceBlock(embedID) + trailing, nil
	}

	embedID, err := e.embedder.CreatePlaceholder(ctx, lang, filename)
	if err != nil {
		return "", fmt.Errorf("streaming: create code embed: %w", err)
	}
	e.embedID = embedID
	e.language = lang
	e.content.Reset()
	e.state = stateInside

	tail, err := e.processInside(ctx, rest)
	if err != nil {
		return "", err
	}
	return before + embedReferenceBlock(embedID) + tail, nil
}

func parseFenceHeader(header string) (lang, filename string, ok bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", "", false
	}
	parts := strings.SplitN(header, ":", 2)
	lang = parts[0]
	if len(parts) == 2 {
		filename = parts[1]
	}
	if !languageToken.MatchString(lang) || len(lang) > 20 {
		return "", "", false
	}
	return lang, filename, true
}

func isEmbedReferenceJSON(content string) bool {
	return strings.Contains(content, "embed_id") || strings.Contains(content, "embed_ids")
}

func embedReferenceBlock(embedID string) string {
	return fmt.Sprintf("```json\n{\"type\": \"code\", \"embed_id\": %q}\n```", embedID)
}

func splitFirstLine(s string) (first, rest string) {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	return strings.Count(s, "\n") + 1
}
