// Package urlvalidate extracts and classifies the URLs inside an
// assistant reply's markdown links (spec.md §4.10). Detection is kept
// separate from classification so the paragraph aggregator can call the
// former on every paragraph cheaply, while classification only runs
// against the URLs actually found.
package urlvalidate

import (
	"net/url"
	"regexp"
	"strings"
)

// markdownLinkPattern matches `[text](url)`, same shape the teacher's
// link detector matched for bare URLs but anchored on the markdown
// link syntax the assistant's own output uses (spec.md §4.10: "each
// non-code paragraph that contains one or more markdown links").
var markdownLinkPattern = regexp.MustCompile(`\[([^\]]*)\]\((https?://[^\s)]+)\)`)

// ExtractMarkdownLinks returns the deduplicated, order-preserved list of
// URLs referenced by markdown links in the paragraph.
func ExtractMarkdownLinks(paragraph string) []string {
	matches := markdownLinkPattern.FindAllStringSubmatch(paragraph, -1)
	if len(matches) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(matches))
	urls := make([]string, 0, len(matches))
	for _, m := range matches {
		raw := strings.TrimRight(m[2], ".,;:!?")
		if seen[raw] {
			continue
		}
		seen[raw] = true
		urls = append(urls, raw)
	}
	return urls
}

// IsValidURL reports whether s parses as an absolute http(s) URL.
func IsValidURL(s string) bool {
	parsed, err := url.Parse(s)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(parsed.Scheme)
	return (scheme == "http" || scheme == "https") && parsed.Host != ""
}
