package streaming

import "testing"

func TestAggregatorHoldsIncompleteParagraph(t *testing.T) {
	a := NewAggregator()
	out := a.Feed(ClassifyText("hello "))
	if len(out) != 0 {
		t.Fatalf("expected no output yet, got %v", out)
	}
	out = a.Feed(ClassifyText("world"))
	if len(out) != 0 {
		t.Fatalf("expected no output yet, got %v", out)
	}
}

func TestAggregatorReleasesOnDoubleNewline(t *testing.T) {
	a := NewAggregator()
	out := a.Feed(ClassifyText("first paragraph\n\nsecond"))
	if len(out) != 1 {
		t.Fatalf("expected 1 chunk released, got %d", len(out))
	}
	if out[0].Text != "first paragraph\n\n" {
		t.Errorf("unexpected release: %q", out[0].Text)
	}
}

func TestAggregatorReleasesOnFenceMarker(t *testing.T) {
	a := NewAggregator()
	out := a.Feed(ClassifyText("before ```"))
	if len(out) != 1 || out[0].Text != "before ```" {
		t.Fatalf("expected release up through fence, got %v", out)
	}
}

func TestAggregatorPassesNonTextChunksThroughImmediately(t *testing.T) {
	a := NewAggregator()
	a.Feed(ClassifyText("pending"))
	out := a.Feed(ClassifyUsage(10, 20))
	if len(out) != 1 || out[0].Kind != KindUsage {
		t.Fatalf("expected the usage chunk to pass through, got %v", out)
	}
}

func TestAggregatorFlushReleasesRemainder(t *testing.T) {
	a := NewAggregator()
	a.Feed(ClassifyText("trailing text"))
	out := a.Flush()
	if len(out) != 1 || out[0].Text != "trailing text" {
		t.Fatalf("expected flush to release the buffered text, got %v", out)
	}
	if more := a.Flush(); len(more) != 0 {
		t.Errorf("expected a second flush to be empty, got %v", more)
	}
}

func TestAggregatorHandlesMultipleParagraphsInOneFragment(t *testing.T) {
	a := NewAggregator()
	out := a.Feed(ClassifyText("one\n\ntwo\n\nthree"))
	if len(out) != 2 {
		t.Fatalf("expected 2 complete paragraphs released, got %d", len(out))
	}
	remainder := a.Flush()
	if len(remainder) != 1 || remainder[0].Text != "three" {
		t.Fatalf("expected remainder 'three', got %v", remainder)
	}
}
