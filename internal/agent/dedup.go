package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
)

// CompletedCallCache is the session-local "completed skill calls" map
// (spec.md §3 invariant: "A skill-call hash that already succeeded in an
// earlier iteration is never executed again"). It is adapted from the
// teacher's internal/cache.DedupeCache, but stores the winning embed id
// per hash rather than just a seen/not-seen timestamp, since the loop
// must return a synthetic "already_completed" response referencing the
// original embed.
//
// Session-local and not TTL-bound: unlike internal/cache.DedupeCache
// (a TTL-bound seen/not-seen map with no caller in this module), this
// cache lives exactly as long as one tool-calling loop run.
type CompletedCallCache struct {
	mu    sync.Mutex
	byHash map[string]string // contentHash -> embed id
}

func NewCompletedCallCache() *CompletedCallCache {
	return &CompletedCallCache{byHash: map[string]string{}}
}

// Lookup returns the embed id of an earlier identical call, if any.
func (c *CompletedCallCache) Lookup(hash string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byHash[hash]
	return id, ok
}

// MarkCompleted records a successful call's winning embed id under its
// content hash.
func (c *CompletedCallCache) MarkCompleted(hash, embedID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byHash[hash] = embedID
}

// ContentHash computes sha256(app_id, skill_id, canonical-JSON-sorted-
// arguments) per spec.md §4.2's Deduplication step. Arguments are
// re-marshaled through a sorted-key map so that key order in the LLM's
// raw JSON never defeats the hash.
func ContentHash(appID, skillID string, arguments json.RawMessage) string {
	canonical := canonicalizeJSON(arguments)
	h := sha256.New()
	h.Write([]byte(appID))
	h.Write([]byte{0})
	h.Write([]byte(skillID))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalizeJSON re-encodes arbitrary JSON with deterministic (sorted)
// object key order, so semantically identical argument objects hash
// identically regardless of the order the LLM emitted their keys in.
func canonicalizeJSON(raw json.RawMessage) []byte {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		// Not valid JSON; hash the raw bytes verbatim rather than failing
		// the whole call over a malformed-but-already-reported argument.
		return raw
	}
	canonical, err := json.Marshal(sortedValue(v))
	if err != nil {
		return raw
	}
	return canonical
}

// sortedValue recursively converts maps into a form whose JSON encoding
// has deterministic key order (Go's encoding/json already sorts map
// keys when marshaling map[string]any, so this mostly exists to recurse
// into nested structures uniformly).
func sortedValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			out[k] = sortedValue(val[k])
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sortedValue(item)
		}
		return out
	default:
		return val
	}
}
