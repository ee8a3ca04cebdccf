package agent

import (
	"encoding/json"
	"testing"
)

func TestContentHashStableUnderKeyReorder(t *testing.T) {
	a := json.RawMessage(`{"when":"tomorrow 9am","text":"water plants"}`)
	b := json.RawMessage(`{"text":"water plants","when":"tomorrow 9am"}`)
	hashA := ContentHash("reminder", "set", a)
	hashB := ContentHash("reminder", "set", b)
	if hashA != hashB {
		t.Errorf("expected identical hashes for reordered keys, got %s vs %s", hashA, hashB)
	}
}

func TestContentHashDiffersOnArguments(t *testing.T) {
	a := json.RawMessage(`{"when":"tomorrow 9am"}`)
	b := json.RawMessage(`{"when":"tomorrow 10am"}`)
	if ContentHash("reminder", "set", a) == ContentHash("reminder", "set", b) {
		t.Errorf("expected different hashes for different arguments")
	}
}

func TestCompletedCallCacheDedupAcrossIterations(t *testing.T) {
	cache := NewCompletedCallCache()
	hash := ContentHash("reminder", "set", json.RawMessage(`{"when":"tomorrow 9am"}`))

	if _, ok := cache.Lookup(hash); ok {
		t.Fatalf("expected no prior completion on first lookup")
	}

	cache.MarkCompleted(hash, "embed-123")

	id, ok := cache.Lookup(hash)
	if !ok {
		t.Fatalf("expected completion to be found on second iteration")
	}
	if id != "embed-123" {
		t.Errorf("expected previous_embed_id embed-123, got %s", id)
	}
}
