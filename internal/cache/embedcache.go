package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// embedTTL is the placeholder/result lifetime spec.md §4.7 names: a
// skill call's embed record outlives the turn that created it by a day,
// long enough for a client reconnect to still resolve it.
const embedTTL = 24 * time.Hour

// EmbedCache is the Redis-backed store behind internal/embeds.Service's
// EmbedStore interface and internal/focusmode.Manager's Cache interface.
// Grounded on internal/pubsub.Publisher's bare *redis.Client wrapping
// style, since no teacher file implements this directly — the teacher
// has no notion of a per-chat embed record.
type EmbedCache struct {
	client *redis.Client
}

func NewEmbedCache(client *redis.Client) *EmbedCache {
	return &EmbedCache{client: client}
}

func embedKey(embedID string) string {
	return "embed:" + embedID
}

func chatEmbedIDsKey(chatID string) string {
	return "chat:" + chatID + ":embed_ids"
}

func pendingFocusActivationKey(chatID string) string {
	return "pending_focus_activation:" + chatID
}

// PutEmbed writes an embed record and tracks its id against the owning
// chat so a reconnecting client can list everything it might reference.
func (e *EmbedCache) PutEmbed(ctx context.Context, chatID, embedID string, payload []byte) error {
	pipe := e.client.TxPipeline()
	pipe.Set(ctx, embedKey(embedID), payload, embedTTL)
	pipe.SAdd(ctx, chatEmbedIDsKey(chatID), embedID)
	pipe.Expire(ctx, chatEmbedIDsKey(chatID), embedTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache: put embed %s: %w", embedID, err)
	}
	return nil
}

func (e *EmbedCache) GetEmbed(ctx context.Context, embedID string) ([]byte, bool, error) {
	val, err := e.client.Get(ctx, embedKey(embedID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get embed %s: %w", embedID, err)
	}
	return val, true, nil
}

// SetPendingActivation, GetPendingActivation, DeletePendingActivation,
// SetActiveFocusID, and ClearActiveFocusID satisfy
// internal/focusmode.Manager's Cache interface (spec.md §4.9's 30s
// pending-activation cache entry and the session's active-focus-id
// bookkeeping).
func (e *EmbedCache) SetPendingActivation(ctx context.Context, chatID string, data []byte, ttl time.Duration) error {
	if err := e.client.Set(ctx, pendingFocusActivationKey(chatID), data, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set pending focus activation for %s: %w", chatID, err)
	}
	return nil
}

func (e *EmbedCache) GetPendingActivation(ctx context.Context, chatID string) ([]byte, bool, error) {
	val, err := e.client.Get(ctx, pendingFocusActivationKey(chatID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: get pending focus activation for %s: %w", chatID, err)
	}
	return val, true, nil
}

func (e *EmbedCache) DeletePendingActivation(ctx context.Context, chatID string) error {
	if err := e.client.Del(ctx, pendingFocusActivationKey(chatID)).Err(); err != nil {
		return fmt.Errorf("cache: delete pending focus activation for %s: %w", chatID, err)
	}
	return nil
}

func activeFocusIDKey(chatID string) string {
	return "active_focus_id:" + chatID
}

func (e *EmbedCache) SetActiveFocusID(ctx context.Context, chatID, focusID string) error {
	if err := e.client.Set(ctx, activeFocusIDKey(chatID), focusID, 0).Err(); err != nil {
		return fmt.Errorf("cache: set active focus id for %s: %w", chatID, err)
	}
	return nil
}

func (e *EmbedCache) ClearActiveFocusID(ctx context.Context, chatID string) error {
	if err := e.client.Del(ctx, activeFocusIDKey(chatID)).Err(); err != nil {
		return fmt.Errorf("cache: clear active focus id for %s: %w", chatID, err)
	}
	return nil
}

func skillTaskCancelKey(skillTaskID string) string {
	return "skill-task:" + skillTaskID + ":cancel"
}

// IsSkillTaskCancelled satisfies internal/dispatch.CancelPoller by
// checking the per-skill-task cancellation flag a client sets to abandon
// one in-flight call without revoking the whole session (spec.md §4.9).
func (e *EmbedCache) IsSkillTaskCancelled(ctx context.Context, skillTaskID string) (bool, error) {
	n, err := e.client.Exists(ctx, skillTaskCancelKey(skillTaskID)).Result()
	if err != nil {
		return false, fmt.Errorf("cache: check skill task cancellation for %s: %w", skillTaskID, err)
	}
	return n > 0, nil
}
