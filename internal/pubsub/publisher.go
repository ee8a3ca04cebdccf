// Package pubsub wraps a Redis pub/sub client with the channel naming
// conventions and JSON framing the orchestrator's publication layer uses
// (spec.md §4.8). It is the sole place channel names are formatted, so a
// naming convention changes in exactly one spot.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Publisher publishes JSON-framed events to the conventional channels.
// It holds no subscription state; it is a thin, stateless wrapper.
type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

func chatStreamChannel(chatID string) string {
	return "chat_stream::" + chatID
}

func typingIndicatorChannel(userIDHash string) string {
	return "ai_typing_indicator_events::" + userIDHash
}

func messagePersistedChannel(userIDHash string) string {
	return "ai_message_persisted::" + userIDHash
}

func websocketUserChannel(userIDHash string) string {
	return "websocket:user:" + userIDHash
}

func userCacheEventsChannel(userID string) string {
	return "user_cache_events:" + userID
}

func (p *Publisher) publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pubsub: marshaling event for %s: %w", channel, err)
	}
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("pubsub: publishing to %s: %w", channel, err)
	}
	return nil
}

// StreamChunk publishes one content chunk (or the final marker, when
// IsFinalChunk is set) on the chat's stream channel (spec.md §4.8, §5's
// monotonic-sequence invariant).
type StreamChunk struct {
	ChatID       string `json:"chat_id"`
	MessageID    string `json:"message_id"`
	Sequence     int64  `json:"sequence"`
	Text         string `json:"text,omitempty"`
	Thinking     string `json:"thinking,omitempty"`
	IsFinalChunk bool   `json:"is_final_chunk,omitempty"`
}

func (p *Publisher) PublishStreamChunk(ctx context.Context, chatID string, chunk StreamChunk) error {
	return p.publish(ctx, chatStreamChannel(chatID), chunk)
}

// SkillStatus is "processing"/"finished"/"error"/"cancelled" for one
// skill-task execution (spec.md §4.8). External-API callers suppress
// this event entirely; see PublishSkillStatus's suppress parameter.
type SkillStatus struct {
	SkillTaskID string `json:"skill_task_id"`
	AppID       string `json:"app_id"`
	SkillID     string `json:"skill_id"`
	Status      string `json:"status"`
}

// PublishSkillStatus publishes a typing-indicator/skill-status event,
// unless suppress is true (external-API callers never receive it).
func (p *Publisher) PublishSkillStatus(ctx context.Context, userIDHash string, suppress bool, status SkillStatus) error {
	if suppress {
		return nil
	}
	return p.publish(ctx, typingIndicatorChannel(userIDHash), status)
}

// MessagePersisted announces that the assistant's reply has been durably
// stored.
type MessagePersisted struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

func (p *Publisher) PublishMessagePersisted(ctx context.Context, userIDHash string, event MessagePersisted) error {
	return p.publish(ctx, messagePersistedChannel(userIDHash), event)
}

// PublishEmbedUpdate implements internal/embeds.Publisher: a newly
// created embed (status "processing") is announced as "send_embed_data";
// any later transition is an "embed_update". Each write only ever
// produces one of the two, so the client never double-processes the
// same status change (spec.md §4.8).
func (p *Publisher) PublishEmbedUpdate(ctx context.Context, chatID string, payload map[string]any) error {
	channel, event, err := buildEmbedEvent(chatID, payload)
	if err != nil {
		return err
	}
	return p.publish(ctx, channel, event)
}

// buildEmbedEvent derives the target channel and event envelope for an
// embed update, kept separate from PublishEmbedUpdate so the event-type
// derivation is testable without a live Redis connection.
func buildEmbedEvent(chatID string, payload map[string]any) (channel string, event map[string]any, err error) {
	userIDHash, _ := payload["user_id_hash"].(string)
	if userIDHash == "" {
		return "", nil, fmt.Errorf("pubsub: embed update for chat %s missing user_id_hash", chatID)
	}

	eventType := "embed_update"
	if status, _ := payload["status"].(string); status == "processing" {
		eventType = "send_embed_data"
	}

	event = map[string]any{"event": eventType}
	for k, v := range payload {
		if k == "user_id_hash" {
			continue
		}
		event[k] = v
	}
	return websocketUserChannel(userIDHash), event, nil
}

// PublishDismissAppSettingsMemories fires the dialog-dismiss event on the
// user's websocket channel.
func (p *Publisher) PublishDismissAppSettingsMemories(ctx context.Context, userIDHash, chatID string) error {
	return p.publish(ctx, websocketUserChannel(userIDHash), map[string]any{
		"event":   "dismiss_app_settings_memories_dialog",
		"chat_id": chatID,
	})
}

// PublishUserCacheEvent fires the user-scoped cache-invalidation event
// used only by the app-settings/memories dismiss flow.
func (p *Publisher) PublishUserCacheEvent(ctx context.Context, userID string, payload map[string]any) error {
	return p.publish(ctx, userCacheEventsChannel(userID), payload)
}
