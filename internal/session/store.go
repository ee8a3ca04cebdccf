package session

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/openmates/ai-core/internal/config"
)

// PersistParams bundles the end-of-stream writes spec.md §4.1 groups
// into one step: bump the chat's message version, stamp timestamps and
// the mate category that answered, and store the encrypted assistant
// markdown.
type PersistParams struct {
	ChatID           string
	MessageID        string
	MateCategory     string
	EncryptedContent []byte
	OccurredAt       time.Time
}

// MessageStore persists the assistant's final message and the chat
// metadata spec.md §4.1 names ("increment messages_v, set timestamps,
// last mate category"). Kept as an interface so consumer_test.go can
// assert on what would have been persisted without a live backend.
type MessageStore interface {
	PersistAssistantMessage(ctx context.Context, p PersistParams) error
}

// HTTPMessageStore is the production MessageStore, posting to the same
// internal API the billing driver and focus-mode persistence client
// already target. Grounded on usage.HTTPChargeClient's request/encode
// shape (shared-service-token header, JSON body, status-code check).
type HTTPMessageStore struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewHTTPMessageStore(cfg config.InternalAPIConfig) *HTTPMessageStore {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPMessageStore{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.SharedServiceToken,
		client:  &http.Client{Timeout: timeout},
	}
}

type persistRequestBody struct {
	ChatID           string `json:"chat_id"`
	MessageID        string `json:"message_id"`
	MateCategory     string `json:"mate_category,omitempty"`
	EncryptedContent []byte `json:"encrypted_content"`
	OccurredAt       string `json:"occurred_at"`
}

func (s *HTTPMessageStore) PersistAssistantMessage(ctx context.Context, p PersistParams) error {
	occurredAt := p.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now()
	}
	body, err := json.Marshal(persistRequestBody{
		ChatID:           p.ChatID,
		MessageID:        p.MessageID,
		MateCategory:     p.MateCategory,
		EncryptedContent: p.EncryptedContent,
		OccurredAt:       occurredAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("session: marshal persist request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/internal/chats/"+p.ChatID+"/messages", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("session: build persist request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("X-Internal-Service-Token", s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("session: persist assistant message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("session: persist assistant message: status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
