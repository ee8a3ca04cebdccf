// Package embeds implements the placeholder/update/error lifecycle of
// embed records and the composite parent/child expansion used by web,
// places, and events search skills (spec.md §4.7, grounded on
// original_source/embed_service.py's EmbedService).
package embeds

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openmates/ai-core/internal/toon"
	"github.com/openmates/ai-core/pkg/models"
)

// Publisher pushes embed events to the client over the chat stream; it is
// satisfied by internal/pubsub.Publisher, kept as an interface here so
// this package does not import the transport layer directly.
type Publisher interface {
	PublishEmbedUpdate(ctx context.Context, chatID string, payload map[string]any) error
}

// EmbedStore is the subset of internal/cache.EmbedCache this package
// needs, kept as an interface so tests can exercise the embed lifecycle
// without a live Redis connection.
type EmbedStore interface {
	PutEmbed(ctx context.Context, chatID, embedID string, payload []byte) error
	GetEmbed(ctx context.Context, embedID string) ([]byte, bool, error)
}

// Service implements the embed lifecycle operations.
type Service struct {
	cache     EmbedStore
	encryptor VaultEncryptor
	publisher Publisher
	logger    *slog.Logger
}

func NewService(c EmbedStore, enc VaultEncryptor, pub Publisher, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cache: c, encryptor: enc, publisher: pub, logger: logger}
}

// PlaceholderParams describes a processing placeholder embed (spec.md
// §4.7's "skill call begins" step).
type PlaceholderParams struct {
	AppID       string
	SkillID     string
	ChatID      string
	MessageID   string
	UserIDHash  string
	VaultKeyID  string
	TaskID      string
	SkillTaskID string
	Query       string

	// Type overrides the embed type written for this placeholder; zero
	// value defaults to EmbedAppSkillUse, the common case for skill calls.
	Type models.EmbedType
}

// CreatePlaceholder writes a "processing" embed before the skill call is
// dispatched, so the client can render an in-progress state and so a
// cancellation request has a skill_task_id to target.
func (s *Service) CreatePlaceholder(ctx context.Context, p PlaceholderParams) (*models.Embed, error) {
	embedType := p.Type
	if embedType == "" {
		embedType = models.EmbedAppSkillUse
	}
	now := time.Now()
	embed := &models.Embed{
		ID:              uuid.NewString(),
		Type:            embedType,
		Status:          models.EmbedStatusProcessing,
		ChatIDHash:      hashID(p.ChatID),
		MessageIDHash:   hashID(p.MessageID),
		TaskIDHash:      hashIDIfSet(p.TaskID),
		SkillTaskIDHash: hashIDIfSet(p.SkillTaskID),
		Content: map[string]any{
			"app_id":   p.AppID,
			"skill_id": p.SkillID,
			"status":   string(models.EmbedStatusProcessing),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if p.Query != "" {
		embed.Content["query"] = p.Query
	}

	if err := s.cacheAndSend(ctx, p.ChatID, p.UserIDHash, p.VaultKeyID, embed); err != nil {
		return nil, err
	}
	return embed, nil
}

// ResultsParams carries the data needed to finalize a placeholder (or
// create a fresh embed, when no placeholder preceded it) with skill
// results.
type ResultsParams struct {
	EmbedID         string // empty means "create new", non-empty means "update placeholder"
	AppID           string
	SkillID         string
	Results         []map[string]any
	ChatID          string
	MessageID       string
	UserIDHash      string
	VaultKeyID      string
	TaskID          string
	RequestMetadata map[string]any

	// Type overrides the embed type written for a non-composite finalize;
	// zero value defaults to EmbedAppSkillUse. Composite finalization
	// always derives its child type from models.CompositeChildType.
	Type models.EmbedType
}

// Result is the outcome of a finalized skill-result embed.
type Result struct {
	ParentEmbedID string
	ChildEmbedIDs []string
	EmbedRef      string // JSON reference string to inline in message markdown
}

// FinalizeWithResults implements both create_embeds_from_skill_results and
// update_embed_with_results: if a composite skill produced results, it
// allocates the parent id FIRST, writes every child referencing that
// parent id, and only then writes the parent (spec.md §9 Design Notes'
// load-bearing ordering invariant — children must never reference a
// parent that does not yet exist in the cache).
func (s *Service) FinalizeWithResults(ctx context.Context, p ResultsParams) (*Result, error) {
	if len(p.Results) == 0 {
		return nil, fmt.Errorf("embeds: no results to finalize for %s-%s", p.AppID, p.SkillID)
	}

	if models.IsCompositeSkill(p.SkillID) {
		return s.finalizeComposite(ctx, p)
	}
	return s.finalizeSingle(ctx, p)
}

func (s *Service) finalizeComposite(ctx context.Context, p ResultsParams) (*Result, error) {
	childType := models.CompositeChildType(p.AppID, p.SkillID)

	// CRITICAL (per original_source/embed_service.py): the parent id is
	// generated before any child embed is written, since every child's
	// ParentEmbedID must resolve to a cache entry the client can use for
	// key inheritance once the child arrives.
	parentID := uuid.NewString()
	if p.EmbedID != "" {
		parentID = p.EmbedID
	}

	childIDs := make([]string, 0, len(p.Results))
	for _, result := range p.Results {
		flattened := toon.Flatten(result)
		content := toon.Encode(flattened)

		now := time.Now()
		child := &models.Embed{
			ID:              uuid.NewString(),
			Type:            childType,
			Status:          models.EmbedStatusFinished,
			ParentEmbedID:   parentID,
			ChatIDHash:      hashID(p.ChatID),
			MessageIDHash:   hashID(p.MessageID),
			TaskIDHash:      hashIDIfSet(p.TaskID),
			Content:         flattened,
			TextLengthChars: len(content),
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.cacheAndSend(ctx, p.ChatID, p.UserIDHash, p.VaultKeyID, child); err != nil {
			return nil, fmt.Errorf("embeds: caching child embed: %w", err)
		}
		childIDs = append(childIDs, child.ID)
	}

	parentContent := map[string]any{
		"app_id":       p.AppID,
		"skill_id":     p.SkillID,
		"result_count": len(p.Results),
		"embed_ids":    childIDs,
		"status":       string(models.EmbedStatusFinished),
	}
	for _, key := range []string{"query", "provider", "country", "search_lang", "safesearch"} {
		if v, ok := p.RequestMetadata[key]; ok {
			parentContent[key] = v
		}
	}

	flattenedParent := toon.Flatten(parentContent)
	parentTOON := toon.Encode(flattenedParent)
	now := time.Now()
	parent := &models.Embed{
		ID:              parentID,
		Type:            models.EmbedAppSkillUse,
		Status:          models.EmbedStatusFinished,
		ChildEmbedIDs:   childIDs,
		ChatIDHash:      hashID(p.ChatID),
		MessageIDHash:   hashID(p.MessageID),
		TaskIDHash:      hashIDIfSet(p.TaskID),
		Content:         flattenedParent,
		TextLengthChars: len(parentTOON),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.cacheAndSend(ctx, p.ChatID, p.UserIDHash, p.VaultKeyID, parent); err != nil {
		return nil, fmt.Errorf("embeds: caching parent embed: %w", err)
	}

	ref, _ := json.Marshal(map[string]string{"type": string(models.EmbedAppSkillUse), "embed_id": parentID})
	return &Result{ParentEmbedID: parentID, ChildEmbedIDs: childIDs, EmbedRef: string(ref)}, nil
}

func (s *Service) finalizeSingle(ctx context.Context, p ResultsParams) (*Result, error) {
	embedID := p.EmbedID
	if embedID == "" {
		embedID = uuid.NewString()
	}
	embedType := p.Type
	if embedType == "" {
		embedType = models.EmbedAppSkillUse
	}

	flattenedResults := make([]map[string]any, 0, len(p.Results))
	for _, r := range p.Results {
		flattenedResults = append(flattenedResults, toon.Flatten(r))
	}
	content := map[string]any{
		"app_id":   p.AppID,
		"skill_id": p.SkillID,
		"results":  flattenedResults,
		"status":   string(models.EmbedStatusFinished),
	}
	contentTOON := toon.Encode(content)

	now := time.Now()
	embed := &models.Embed{
		ID:              embedID,
		Type:            embedType,
		Status:          models.EmbedStatusFinished,
		ChatIDHash:      hashID(p.ChatID),
		MessageIDHash:   hashID(p.MessageID),
		TaskIDHash:      hashIDIfSet(p.TaskID),
		Content:         content,
		TextLengthChars: len(contentTOON),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.cacheAndSend(ctx, p.ChatID, p.UserIDHash, p.VaultKeyID, embed); err != nil {
		return nil, err
	}

	ref, _ := json.Marshal(map[string]string{"type": string(embedType), "embed_id": embedID})
	return &Result{ParentEmbedID: embedID, EmbedRef: string(ref)}, nil
}

// UpdateToError transitions a placeholder embed to the error state, e.g.
// after a dispatch failure or cancellation (spec.md §4.7).
func (s *Service) UpdateToError(ctx context.Context, embedID, chatID, userIDHash, vaultKeyID, message string, cancelled bool) error {
	status := models.EmbedStatusError
	if cancelled {
		status = models.EmbedStatusCancelled
	}
	now := time.Now()
	embed := &models.Embed{
		ID:        embedID,
		Type:      models.EmbedAppSkillUse,
		Status:    status,
		ChatIDHash: hashID(chatID),
		Content: map[string]any{
			"status": string(status),
			"error":  message,
		},
		UpdatedAt: now,
	}
	return s.cacheAndSend(ctx, chatID, userIDHash, vaultKeyID, embed)
}

// FocusActivationParams describes the countdown embed focus mode shows
// while activation is deferred (spec.md §4.9).
type FocusActivationParams struct {
	FocusID     string
	FocusPrompt string
	ChatID      string
	MessageID   string
	UserIDHash  string
	VaultKeyID  string
	CountdownMS int64
}

// CreateFocusActivationEmbed writes the "processing" countdown embed the
// client renders during the deferred-confirm window.
func (s *Service) CreateFocusActivationEmbed(ctx context.Context, p FocusActivationParams) (*models.Embed, error) {
	now := time.Now()
	embed := &models.Embed{
		ID:            uuid.NewString(),
		Type:          models.EmbedFocusMode,
		Status:        models.EmbedStatusProcessing,
		ChatIDHash:    hashID(p.ChatID),
		MessageIDHash: hashIDIfSet(p.MessageID),
		Content: map[string]any{
			"focus_id":     p.FocusID,
			"status":       string(models.EmbedStatusProcessing),
			"countdown_ms": p.CountdownMS,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.cacheAndSend(ctx, p.ChatID, p.UserIDHash, p.VaultKeyID, embed); err != nil {
		return nil, err
	}
	return embed, nil
}

// UpdateFocusEmbedStatus transitions the countdown embed to its terminal
// state: "finished" once the confirm task fires, "cancelled" if the
// client interrupts the countdown.
func (s *Service) UpdateFocusEmbedStatus(ctx context.Context, embedID, chatID, userIDHash, vaultKeyID string, status models.EmbedStatus) error {
	embed := &models.Embed{
		ID:         embedID,
		Type:       models.EmbedFocusMode,
		Status:     status,
		ChatIDHash: hashID(chatID),
		Content: map[string]any{
			"status": string(status),
		},
		UpdatedAt: time.Now(),
	}
	return s.cacheAndSend(ctx, chatID, userIDHash, vaultKeyID, embed)
}

// cacheAndSend encrypts the embed's content for the server-side cache,
// writes it, and publishes the plaintext to the client. The plaintext
// push happens before the cache write for every embed, per the
// teacher's "send before cache" ordering, which avoids
// the dedup-on-cached-status check in send_embed_data_to_client
// suppressing the very update that just created the entry.
func (s *Service) cacheAndSend(ctx context.Context, chatID, userIDHash, vaultKeyID string, embed *models.Embed) error {
	contentTOON := toon.Encode(toon.Flatten(embed.Content))

	if s.publisher != nil {
		if err := s.publisher.PublishEmbedUpdate(ctx, chatID, embedEventPayload(embed, contentTOON, userIDHash)); err != nil {
			s.logger.Warn("embed publish failed", "embed_id", embed.ID, "error", err)
		}
	}

	encrypted, err := s.encryptor.Encrypt(vaultKeyID, []byte(contentTOON))
	if err != nil {
		return fmt.Errorf("embeds: encrypt: %w", err)
	}
	embed.Encrypted = encrypted

	payload, err := json.Marshal(embed)
	if err != nil {
		return fmt.Errorf("embeds: marshal: %w", err)
	}
	return s.cache.PutEmbed(ctx, chatID, embed.ID, payload)
}

func embedEventPayload(embed *models.Embed, contentTOON, userIDHash string) map[string]any {
	payload := map[string]any{
		"embed_id":          embed.ID,
		"type":              string(embed.Type),
		"status":            string(embed.Status),
		"content":           contentTOON,
		"embed_ids":         embed.ChildEmbedIDs,
		"text_length_chars": embed.TextLengthChars,
		"user_id_hash":      userIDHash,
	}
	if embed.ParentEmbedID != "" {
		payload["parent_embed_id"] = embed.ParentEmbedID
	}
	return payload
}

func hashID(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

func hashIDIfSet(id string) string {
	if id == "" {
		return ""
	}
	return hashID(id)
}
