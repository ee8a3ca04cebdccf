package streaming

import "strings"

// Aggregator batches classified text fragments up to a paragraph boundary
// (a double newline, or a fence marker "```") before releasing them
// downstream. This bounds the granularity at which URL validation and
// code-block detection operate: neither has to deal with a boundary
// split mid-token across two fragments (spec.md §4.3).
//
// Non-text chunks (thinking, tool calls, usage) are never buffered; they
// pass through immediately, in order, alongside whatever text happens to
// be pending.
type Aggregator struct {
	buf strings.Builder
}

// NewAggregator returns an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Feed consumes one classified chunk and returns zero or more chunks
// ready for downstream delivery. A KindText chunk may be held back
// entirely (appended to the buffer, nothing returned) if it doesn't
// complete a paragraph boundary.
func (a *Aggregator) Feed(c *Chunk) []*Chunk {
	if c.Kind != KindText {
		return []*Chunk{c}
	}

	a.buf.WriteString(c.Text)
	return a.drain(false)
}

// Flush releases any buffered text unconditionally; call once when the
// underlying stream terminates.
func (a *Aggregator) Flush() []*Chunk {
	return a.drain(true)
}

// drain splits the buffer on paragraph boundaries, emitting one Chunk per
// complete paragraph and leaving any trailing partial paragraph buffered
// (unless force is true, in which case everything is released).
func (a *Aggregator) drain(force bool) []*Chunk {
	var out []*Chunk
	pending := a.buf.String()
	a.buf.Reset()

	for {
		idx, boundaryLen := nextBoundary(pending)
		if idx < 0 {
			break
		}
		cut := idx + boundaryLen
		out = append(out, ClassifyText(pending[:cut]))
		pending = pending[cut:]
	}

	if pending == "" {
		return out
	}
	if force {
		return append(out, ClassifyText(pending))
	}
	a.buf.WriteString(pending)
	return out
}

// nextBoundary finds the earliest paragraph boundary in s: a double
// newline or a fence marker "```". It returns the boundary's start index
// and length, or (-1, 0) if none is present.
func nextBoundary(s string) (int, int) {
	doubleNL := strings.Index(s, "\n\n")
	fence := strings.Index(s, "```")

	switch {
	case doubleNL < 0 && fence < 0:
		return -1, 0
	case doubleNL < 0:
		return fence, 3
	case fence < 0:
		return doubleNL, 2
	case doubleNL <= fence:
		return doubleNL, 2
	default:
		return fence, 3
	}
}
