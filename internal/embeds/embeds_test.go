package embeds

import (
	"context"
	"strings"
	"sync"
	"testing"
)

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: map[string][]byte{}}
}

func (m *memStore) PutEmbed(ctx context.Context, chatID, embedID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[embedID] = payload
	return nil
}

func (m *memStore) GetEmbed(ctx context.Context, embedID string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, ok := m.data[embedID]
	return payload, ok, nil
}

type fixedKeyResolver struct{}

func (fixedKeyResolver) ResolveKey(keyID string) ([32]byte, error) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))
	return key, nil
}

func newTestService() *Service {
	return NewService(newMemStore(), NewAESGCMEncryptor(fixedKeyResolver{}), nil, nil)
}

func TestCreatePlaceholderWritesProcessingEmbed(t *testing.T) {
	svc := newTestService()
	embed, err := svc.CreatePlaceholder(context.Background(), PlaceholderParams{
		AppID: "web", SkillID: "search", ChatID: "chat-1", MessageID: "msg-1",
		UserIDHash: "uh", VaultKeyID: "key-1", Query: "go generics",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if embed.Status != "processing" {
		t.Errorf("expected processing status, got %s", embed.Status)
	}
	if embed.Content["query"] != "go generics" {
		t.Errorf("expected query to be preserved in placeholder content")
	}
}

func TestFinalizeCompositeCachesParentAndChildren(t *testing.T) {
	svc := newTestService()
	results := []map[string]any{
		{"name": "Place A", "address": "123 Main St"},
		{"name": "Place B", "address": "456 Oak Ave"},
	}
	out, err := svc.FinalizeWithResults(context.Background(), ResultsParams{
		AppID: "maps", SkillID: "search", Results: results,
		ChatID: "chat-1", MessageID: "msg-1", UserIDHash: "uh", VaultKeyID: "key-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.ChildEmbedIDs) != 2 {
		t.Fatalf("expected 2 child embeds, got %d", len(out.ChildEmbedIDs))
	}
	if out.ParentEmbedID == "" {
		t.Fatalf("expected a parent embed id")
	}

	payload, ok, err := svc.cache.GetEmbed(context.Background(), out.ParentEmbedID)
	if err != nil || !ok {
		t.Fatalf("expected parent embed to be cached, ok=%v err=%v", ok, err)
	}
	if len(payload) == 0 {
		t.Fatalf("expected non-empty cached parent payload")
	}

	for _, childID := range out.ChildEmbedIDs {
		if _, ok, _ := svc.cache.GetEmbed(context.Background(), childID); !ok {
			t.Errorf("expected child embed %s to be cached", childID)
		}
	}
}

func TestFinalizeSingleSkillCreatesNoChildEmbeds(t *testing.T) {
	svc := newTestService()
	out, err := svc.FinalizeWithResults(context.Background(), ResultsParams{
		AppID: "reminder", SkillID: "set",
		Results:    []map[string]any{{"when": "tomorrow 9am", "text": "water plants"}},
		ChatID:     "chat-1",
		MessageID:  "msg-1",
		UserIDHash: "uh",
		VaultKeyID: "key-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out.ChildEmbedIDs) != 0 {
		t.Errorf("expected no child embeds for a non-composite skill")
	}
}

func TestFinalizeWithNoResultsErrors(t *testing.T) {
	svc := newTestService()
	_, err := svc.FinalizeWithResults(context.Background(), ResultsParams{AppID: "web", SkillID: "search"})
	if err == nil {
		t.Fatalf("expected an error when no results are provided")
	}
}

func TestResolveInContentReplacesKnownEmbed(t *testing.T) {
	svc := newTestService()
	embed, err := svc.CreatePlaceholder(context.Background(), PlaceholderParams{
		AppID: "web", SkillID: "search", ChatID: "chat-1", MessageID: "msg-1",
		UserIDHash: "uh", VaultKeyID: "key-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	content := "before\n```json\n{\"type\": \"app_skill_use\", \"embed_id\": \"" + embed.ID + "\"}\n```\nafter"
	resolved := svc.ResolveInContent(context.Background(), content, "key-1")

	if resolved == content {
		t.Fatalf("expected the embed reference to be replaced")
	}
	if !containsAll(resolved, "before", "after", "```toon") {
		t.Errorf("expected surrounding text preserved and a toon fence inserted, got: %s", resolved)
	}
}

func TestResolveInContentFallsBackToURLWhenUncached(t *testing.T) {
	svc := newTestService()
	content := "```json\n{\"type\": \"website\", \"embed_id\": \"missing-id\", \"url\": \"https://example.com\"}\n```"
	resolved := svc.ResolveInContent(context.Background(), content, "key-1")
	if !containsAll(resolved, "[website EMBED - URL: https://example.com]") {
		t.Errorf("expected URL fallback, got: %s", resolved)
	}
}

func TestResolveInContentLeavesNonEmbedJSONAlone(t *testing.T) {
	svc := newTestService()
	content := "```json\n{\"foo\": \"bar\"}\n```"
	resolved := svc.ResolveInContent(context.Background(), content, "key-1")
	if resolved != content {
		t.Errorf("expected non-embed JSON block to pass through unchanged")
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !strings.Contains(s, sub) {
			return false
		}
	}
	return true
}
