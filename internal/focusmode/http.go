package focusmode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openmates/ai-core/internal/config"
)

// HTTPPersistenceClient and HTTPSessionLauncher call the same internal
// API internal/usage.HTTPChargeClient and internal/session.HTTPMessageStore
// already target, reusing their request/encode shape (shared-service-token
// header, JSON body, status-code check) rather than inventing a third
// internal-API convention for focus-mode's two durable writes.
type httpClient struct {
	baseURL string
	token   string
	client  *http.Client
}

func newHTTPClient(cfg config.InternalAPIConfig) httpClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return httpClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.SharedServiceToken,
		client:  &http.Client{Timeout: timeout},
	}
}

func (h httpClient) postJSON(ctx context.Context, path string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("focusmode: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("focusmode: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("X-Internal-Service-Token", h.token)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("focusmode: request %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("focusmode: request %s: status %d", path, resp.StatusCode)
	}
	return nil
}

// HTTPPersistenceClient implements PersistenceClient by posting the
// chat's active focus id to the internal chats API (spec.md §4.9).
type HTTPPersistenceClient struct{ h httpClient }

func NewHTTPPersistenceClient(cfg config.InternalAPIConfig) *HTTPPersistenceClient {
	return &HTTPPersistenceClient{h: newHTTPClient(cfg)}
}

func (p *HTTPPersistenceClient) SetFocusID(ctx context.Context, chatID, focusID string) error {
	return p.h.postJSON(ctx, "/internal/chats/"+chatID+"/focus", map[string]string{"focus_id": focusID})
}

func (p *HTTPPersistenceClient) ClearFocusID(ctx context.Context, chatID string) error {
	return p.h.postJSON(ctx, "/internal/chats/"+chatID+"/focus", map[string]string{"focus_id": ""})
}

// HTTPSessionLauncher implements SessionLauncher by asking the internal
// API to start a fresh continuation session once a deferred focus-mode
// activation confirms (spec.md §4.9's "launch" step).
type HTTPSessionLauncher struct{ h httpClient }

func NewHTTPSessionLauncher(cfg config.InternalAPIConfig) *HTTPSessionLauncher {
	return &HTTPSessionLauncher{h: newHTTPClient(cfg)}
}

func (l *HTTPSessionLauncher) LaunchFocusSession(ctx context.Context, pending PendingActivation) error {
	return l.h.postJSON(ctx, "/internal/chats/"+pending.ChatID+"/sessions/focus-continuation", pending)
}
