package urlvalidate

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Status is the outcome of validating one URL (spec.md §4.10).
type Status int

const (
	StatusValid Status = iota
	StatusBroken
	StatusTemporary
)

// Result is one URL's classification.
type Result struct {
	URL    string
	Status Status
}

// DefaultTimeout bounds a single HEAD/GET check; a slow or hanging host
// must not stall the correction pass indefinitely.
const DefaultTimeout = 8 * time.Second

// Checker issues HEAD/GET requests and classifies the response.
type Checker struct {
	client *http.Client
}

func NewChecker(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Checker{client: &http.Client{Timeout: timeout}}
}

// Check classifies one URL. A HEAD request is tried first; servers that
// reject HEAD (405, or any request error) fall back to GET, since a
// dead link should not be misclassified as "temporary" just because the
// server doesn't support HEAD.
func (c *Checker) Check(ctx context.Context, rawURL string) Result {
	status, err := c.do(ctx, http.MethodHead, rawURL)
	if err != nil || status == http.StatusMethodNotAllowed {
		status, err = c.do(ctx, http.MethodGet, rawURL)
	}
	if err != nil {
		return Result{URL: rawURL, Status: StatusTemporary}
	}

	switch {
	case status >= 200 && status < 400:
		return Result{URL: rawURL, Status: StatusValid}
	case status >= 400 && status < 500:
		return Result{URL: rawURL, Status: StatusBroken}
	default:
		return Result{URL: rawURL, Status: StatusTemporary}
	}
}

func (c *Checker) do(ctx context.Context, method, rawURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// Tracker accumulates broken URLs found across the paragraphs a stream
// emits. One background goroutine is spawned per paragraph containing
// links (spec.md §5); Wait blocks until all of them have finished.
type Tracker struct {
	checker *Checker

	mu     sync.Mutex
	wg     sync.WaitGroup
	broken []string
	seen   map[string]bool
}

func NewTracker(checker *Checker) *Tracker {
	return &Tracker{checker: checker, seen: make(map[string]bool)}
}

// CheckParagraph spawns one background goroutine that validates every
// markdown link in the paragraph in turn; a paragraph without links spawns
// nothing. Safe to call repeatedly as paragraphs arrive.
func (t *Tracker) CheckParagraph(ctx context.Context, paragraph string) {
	links := ExtractMarkdownLinks(paragraph)
	if len(links) == 0 {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for _, u := range links {
			if !IsValidURL(u) {
				continue
			}
			result := t.checker.Check(ctx, u)
			if result.Status == StatusBroken {
				t.recordBroken(u)
			}
		}
	}()
}

func (t *Tracker) recordBroken(u string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen[u] {
		return
	}
	t.seen[u] = true
	t.broken = append(t.broken, u)
}

// Wait blocks until every spawned validation has completed and returns
// the accumulated broken URLs (order not significant).
func (t *Tracker) Wait() []string {
	t.wg.Wait()
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.broken...)
}
