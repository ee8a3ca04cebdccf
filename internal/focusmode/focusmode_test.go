package focusmode

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/openmates/ai-core/internal/embeds"
)

type memEmbedStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memEmbedStore) PutEmbed(ctx context.Context, chatID, embedID string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string][]byte{}
	}
	m.data[embedID] = payload
	return nil
}

func (m *memEmbedStore) GetEmbed(ctx context.Context, embedID string) ([]byte, bool, error) {
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

type fakeCache struct {
	mu       sync.Mutex
	pending  map[string][]byte
	active   map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{pending: map[string][]byte{}, active: map[string]string{}}
}

func (c *fakeCache) SetPendingActivation(ctx context.Context, chatID string, data []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[chatID] = data
	return nil
}

func (c *fakeCache) GetPendingActivation(ctx context.Context, chatID string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.pending[chatID]
	return data, ok, nil
}

func (c *fakeCache) DeletePendingActivation(ctx context.Context, chatID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, chatID)
	return nil
}

func (c *fakeCache) SetActiveFocusID(ctx context.Context, chatID, focusID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active[chatID] = focusID
	return nil
}

func (c *fakeCache) ClearActiveFocusID(ctx context.Context, chatID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, chatID)
	return nil
}

func (c *fakeCache) activeFocusID(chatID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.active[chatID]
	return id, ok
}

type fakePersistence struct {
	mu      sync.Mutex
	setIDs  map[string]string
	cleared map[string]bool
}

func newFakePersistence() *fakePersistence {
	return &fakePersistence{setIDs: map[string]string{}, cleared: map[string]bool{}}
}

func (p *fakePersistence) SetFocusID(ctx context.Context, chatID, focusID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setIDs[chatID] = focusID
	return nil
}

func (p *fakePersistence) ClearFocusID(ctx context.Context, chatID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleared[chatID] = true
	return nil
}

type fakeLauncher struct {
	mu      sync.Mutex
	fired   []PendingActivation
	launched chan struct{}
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{launched: make(chan struct{}, 8)}
}

func (l *fakeLauncher) LaunchFocusSession(ctx context.Context, pending PendingActivation) error {
	l.mu.Lock()
	l.fired = append(l.fired, pending)
	l.mu.Unlock()
	l.launched <- struct{}{}
	return nil
}

func newTestManager(t *testing.T, confirmDelay time.Duration) (*Manager, *fakeCache, *fakePersistence, *fakeLauncher) {
	t.Helper()
	embedSvc := embeds.NewService(&memEmbedStore{}, embeds.NewAESGCMEncryptor(fixedKeyResolver{}), nil, nil)
	cache := newFakeCache()
	persistence := newFakePersistence()
	launcher := newFakeLauncher()
	mgr := NewManager(embedSvc, cache, persistence, launcher, confirmDelay, nil)
	return mgr, cache, persistence, launcher
}

func TestActivateReturnsAwaitingMarkerAndStashesPending(t *testing.T) {
	mgr, cache, _, _ := newTestManager(t, time.Hour) // long delay; we only check Activate's synchronous effects

	marker, err := mgr.Activate(context.Background(), ActivateParams{
		FocusID: "focus-1", FocusPrompt: "be concise", ChatID: "chat-1",
		UserIDHash: "uh-1", VaultKeyID: "key-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if marker != AwaitingConfirmationMarker {
		t.Errorf("expected awaiting-confirmation marker, got %q", marker)
	}

	if _, ok, _ := cache.GetPendingActivation(context.Background(), "chat-1"); !ok {
		t.Errorf("expected pending activation to be stashed in cache")
	}
}

func TestConfirmActivatesFocusAndLaunchesSession(t *testing.T) {
	mgr, cache, persistence, launcher := newTestManager(t, 20*time.Millisecond)

	_, err := mgr.Activate(context.Background(), ActivateParams{
		FocusID: "focus-1", FocusPrompt: "be concise", ChatID: "chat-1",
		UserIDHash: "uh-1", VaultKeyID: "key-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case <-launcher.launched:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for the deferred confirm task to launch a session")
	}

	if id, ok := cache.activeFocusID("chat-1"); !ok || id != "focus-1" {
		t.Errorf("expected active focus id to be set in cache, got %q ok=%v", id, ok)
	}
	if persistence.setIDs["chat-1"] != "focus-1" {
		t.Errorf("expected persistence to record the active focus id")
	}
	if _, ok, _ := cache.GetPendingActivation(context.Background(), "chat-1"); ok {
		t.Errorf("expected pending activation to be cleared after confirm")
	}
}

func TestCancelPendingPreventsConfirmFromLaunching(t *testing.T) {
	mgr, _, _, launcher := newTestManager(t, 20*time.Millisecond)

	_, err := mgr.Activate(context.Background(), ActivateParams{
		FocusID: "focus-1", ChatID: "chat-1", UserIDHash: "uh-1", VaultKeyID: "key-1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := mgr.CancelPending(context.Background(), "chat-1"); err != nil {
		t.Fatalf("unexpected error cancelling: %v", err)
	}

	select {
	case <-launcher.launched:
		t.Fatal("expected cancellation to prevent the confirm task from launching a session")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDeactivateClearsFocusEverywhere(t *testing.T) {
	mgr, cache, persistence, _ := newTestManager(t, time.Hour)

	if err := cache.SetActiveFocusID(context.Background(), "chat-1", "focus-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := mgr.Deactivate(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp["status"] != "deactivated" {
		t.Errorf("expected deactivated status in tool response, got %v", resp["status"])
	}
	if _, ok := cache.activeFocusID("chat-1"); ok {
		t.Errorf("expected active focus id to be cleared from cache")
	}
	if !persistence.cleared["chat-1"] {
		t.Errorf("expected persistence clear to be dispatched")
	}
}
