// Package focusmode implements the two focus-mode system tools: deferred
// activation (countdown, confirm, launch) and immediate deactivation
// (spec.md §4.9). Activation is deliberately asynchronous — the tool
// call returns a marker immediately and the real effect happens on a
// scheduled confirm task — so the loop never blocks waiting out the
// countdown.
package focusmode

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/openmates/ai-core/internal/embeds"
	"github.com/openmates/ai-core/pkg/models"
)

// AwaitingConfirmationMarker is yielded by Activate and surfaces to the
// LLM in place of a normal tool result while the countdown runs.
const AwaitingConfirmationMarker = "__awaiting_focus_mode_confirmation__"

// pendingActivationTTL bounds how long a deferred activation can sit in
// cache before it is considered abandoned (spec.md §4.9).
const pendingActivationTTL = 30 * time.Second

// DefaultConfirmDelay is used when RuntimeConfig.FocusConfirmDelay is
// unset; it must exceed the client UI's own countdown by about a
// second (spec.md §4.9, Open Question #3).
const DefaultConfirmDelay = 6 * time.Second

// PendingActivation is the state stashed in cache between the tool call
// that requests activation and the deferred task that confirms it.
type PendingActivation struct {
	FocusID     string `json:"focus_id"`
	FocusPrompt string `json:"focus_prompt"`
	EmbedID     string `json:"embed_id"`
	ChatID      string `json:"chat_id"`
	MessageID   string `json:"message_id"`
	UserID      string `json:"user_id"`
	UserIDHash  string `json:"user_id_hash"`
	VaultKeyID  string `json:"vault_key_id"`

	// SessionState is the serialized TurnSession-equivalent state needed
	// to fire a continuation session once confirmed.
	SessionState []byte `json:"session_state,omitempty"`
}

// Cache is the subset of internal/cache.EmbedCache the focus-mode manager
// needs, kept as an interface so tests run without a live Redis
// connection.
type Cache interface {
	SetPendingActivation(ctx context.Context, chatID string, data []byte, ttl time.Duration) error
	GetPendingActivation(ctx context.Context, chatID string) ([]byte, bool, error)
	DeletePendingActivation(ctx context.Context, chatID string) error
	SetActiveFocusID(ctx context.Context, chatID, focusID string) error
	ClearActiveFocusID(ctx context.Context, chatID string) error
}

// PersistenceClient dispatches the durable-store update for the active
// focus id, mirroring how the teacher's job store separates in-memory
// bookkeeping from the durable record.
type PersistenceClient interface {
	SetFocusID(ctx context.Context, chatID, focusID string) error
	ClearFocusID(ctx context.Context, chatID string) error
}

// SessionLauncher fires a fresh session with the focus prompt injected,
// once the confirm task has run.
type SessionLauncher interface {
	LaunchFocusSession(ctx context.Context, pending PendingActivation) error
}

// Manager implements spec.md §4.9's activation/deactivation tools.
type Manager struct {
	embeds      *embeds.Service
	cache       Cache
	persistence PersistenceClient
	launcher    SessionLauncher
	confirmDelay time.Duration
	logger      *slog.Logger
}

func NewManager(embedSvc *embeds.Service, cache Cache, persistence PersistenceClient, launcher SessionLauncher, confirmDelay time.Duration, logger *slog.Logger) *Manager {
	if confirmDelay <= 0 {
		confirmDelay = DefaultConfirmDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		embeds:       embedSvc,
		cache:        cache,
		persistence:  persistence,
		launcher:     launcher,
		confirmDelay: confirmDelay,
		logger:       logger,
	}
}

// ActivateParams describes one focus_mode_activation tool call.
type ActivateParams struct {
	FocusID      string
	FocusPrompt  string
	ChatID       string
	MessageID    string
	UserID       string
	UserIDHash   string
	VaultKeyID   string
	SessionState []byte
}

// Activate creates the countdown embed, stashes the pending activation
// in cache, schedules the deferred confirm task, and returns the marker
// the loop yields as this tool call's result (spec.md §4.9).
func (m *Manager) Activate(ctx context.Context, p ActivateParams) (string, error) {
	embed, err := m.embeds.CreateFocusActivationEmbed(ctx, embeds.FocusActivationParams{
		FocusID:     p.FocusID,
		FocusPrompt: p.FocusPrompt,
		ChatID:      p.ChatID,
		MessageID:   p.MessageID,
		UserIDHash:  p.UserIDHash,
		VaultKeyID:  p.VaultKeyID,
		CountdownMS: m.confirmDelay.Milliseconds(),
	})
	if err != nil {
		return "", fmt.Errorf("focusmode: creating activation embed: %w", err)
	}

	pending := PendingActivation{
		FocusID:      p.FocusID,
		FocusPrompt:  p.FocusPrompt,
		EmbedID:      embed.ID,
		ChatID:       p.ChatID,
		MessageID:    p.MessageID,
		UserID:       p.UserID,
		UserIDHash:   p.UserIDHash,
		VaultKeyID:   p.VaultKeyID,
		SessionState: p.SessionState,
	}
	data, err := json.Marshal(pending)
	if err != nil {
		return "", fmt.Errorf("focusmode: marshaling pending activation: %w", err)
	}
	if err := m.cache.SetPendingActivation(ctx, p.ChatID, data, pendingActivationTTL); err != nil {
		return "", fmt.Errorf("focusmode: storing pending activation: %w", err)
	}

	m.scheduleConfirm(p.ChatID)
	return AwaitingConfirmationMarker, nil
}

// scheduleConfirm fires the confirm task after the configured delay, on
// its own goroutine so Activate returns immediately and the loop is
// never blocked by the countdown.
func (m *Manager) scheduleConfirm(chatID string) {
	timer := time.NewTimer(m.confirmDelay)
	go func() {
		<-timer.C
		// A fresh, unbounded context: the confirm task outlives the
		// request context of the tool call that scheduled it.
		if err := m.confirm(context.Background(), chatID); err != nil {
			m.logger.Warn("focus mode confirm failed", "chat_id", chatID, "error", err)
		}
	}()
}

// confirm runs once the countdown elapses. If the client cancelled
// during the countdown, the pending-activation cache entry is already
// gone and this is a no-op.
func (m *Manager) confirm(ctx context.Context, chatID string) error {
	data, ok, err := m.cache.GetPendingActivation(ctx, chatID)
	if err != nil {
		return fmt.Errorf("focusmode: reading pending activation: %w", err)
	}
	if !ok {
		return nil
	}

	var pending PendingActivation
	if err := json.Unmarshal(data, &pending); err != nil {
		return fmt.Errorf("focusmode: decoding pending activation: %w", err)
	}

	if err := m.cache.SetActiveFocusID(ctx, chatID, pending.FocusID); err != nil {
		return fmt.Errorf("focusmode: setting active focus id in cache: %w", err)
	}
	if err := m.persistence.SetFocusID(ctx, chatID, pending.FocusID); err != nil {
		m.logger.Warn("focus mode persistence update failed", "chat_id", chatID, "error", err)
	}
	if err := m.cache.DeletePendingActivation(ctx, chatID); err != nil {
		m.logger.Warn("clearing pending activation failed", "chat_id", chatID, "error", err)
	}

	if err := m.embeds.UpdateFocusEmbedStatus(ctx, pending.EmbedID, chatID, pending.UserIDHash, pending.VaultKeyID, models.EmbedStatusFinished); err != nil {
		m.logger.Warn("focus activation embed update failed", "embed_id", pending.EmbedID, "error", err)
	}

	if err := m.launcher.LaunchFocusSession(ctx, pending); err != nil {
		return fmt.Errorf("focusmode: launching focus session: %w", err)
	}
	return nil
}

// CancelPending interrupts an in-flight countdown: the client signaled a
// cancellation before the confirm task fired. The already-scheduled
// timer still fires, but confirm() becomes a no-op once the cache entry
// is gone.
func (m *Manager) CancelPending(ctx context.Context, chatID string) error {
	data, ok, err := m.cache.GetPendingActivation(ctx, chatID)
	if err != nil {
		return fmt.Errorf("focusmode: reading pending activation: %w", err)
	}
	if !ok {
		return nil
	}

	var pending PendingActivation
	if err := json.Unmarshal(data, &pending); err != nil {
		return fmt.Errorf("focusmode: decoding pending activation: %w", err)
	}

	if err := m.cache.DeletePendingActivation(ctx, chatID); err != nil {
		return fmt.Errorf("focusmode: deleting pending activation: %w", err)
	}
	if err := m.embeds.UpdateFocusEmbedStatus(ctx, pending.EmbedID, chatID, pending.UserIDHash, pending.VaultKeyID, models.EmbedStatusCancelled); err != nil {
		m.logger.Warn("focus activation embed cancel failed", "embed_id", pending.EmbedID, "error", err)
	}
	return nil
}

// Deactivate implements the immediate-effect deactivation tool: clear the
// active focus id everywhere and return the tool response the loop
// records before continuing (spec.md §4.9).
func (m *Manager) Deactivate(ctx context.Context, chatID string) (map[string]any, error) {
	if err := m.cache.ClearActiveFocusID(ctx, chatID); err != nil {
		return nil, fmt.Errorf("focusmode: clearing active focus id in cache: %w", err)
	}
	if err := m.persistence.ClearFocusID(ctx, chatID); err != nil {
		m.logger.Warn("focus mode deactivation persistence failed", "chat_id", chatID, "error", err)
	}
	return map[string]any{"status": "deactivated"}, nil
}
