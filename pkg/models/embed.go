package models

import "time"

// EmbedType distinguishes the structured-content kinds an embed can hold.
type EmbedType string

const (
	EmbedAppSkillUse EmbedType = "app_skill_use"
	EmbedWebsite     EmbedType = "website"
	EmbedPlace       EmbedType = "place"
	EmbedEvent       EmbedType = "event"
	EmbedCode        EmbedType = "code"
	EmbedImage       EmbedType = "image"
	EmbedFocusMode   EmbedType = "focus_mode_activation"
)

// EmbedStatus is the lifecycle state of an embed.
type EmbedStatus string

const (
	EmbedStatusProcessing EmbedStatus = "processing"
	EmbedStatusFinished   EmbedStatus = "finished"
	EmbedStatusError      EmbedStatus = "error"
	EmbedStatusCancelled  EmbedStatus = "cancelled"
)

// Embed is a persistent, addressable unit of structured content referenced
// from a chat message by id (spec.md §3, GLOSSARY).
type Embed struct {
	ID     string      `json:"embed_id"`
	Type   EmbedType   `json:"type"`
	Status EmbedStatus `json:"status"`

	// ParentEmbedID is set when this embed is a composite child; the
	// parent's key is the sole key used to encrypt the child's content.
	ParentEmbedID string `json:"parent_embed_id,omitempty"`

	// ChildEmbedIDs is set exactly when this is a composite parent and is
	// immutable once written (spec.md §3 invariant).
	ChildEmbedIDs []string `json:"embed_ids,omitempty"`

	// Content is the plaintext tree (pre-TOON) backing this embed. It is
	// never persisted beyond the short-lived cache entry.
	Content map[string]any `json:"content"`

	// Encrypted holds the server-side cache ciphertext once encrypted;
	// empty until EmbedService writes the cache entry. This is the
	// on-disk/cache representation only — callers that expose an Embed
	// over a public API must omit this field explicitly rather than
	// relying on the struct tag, since the cache envelope needs it
	// serialized.
	Encrypted []byte `json:"encrypted_content,omitempty"`

	ChatIDHash      string `json:"chat_id_hash,omitempty"`
	MessageIDHash   string `json:"message_id_hash,omitempty"`
	TaskIDHash      string `json:"task_id_hash,omitempty"`
	SkillTaskIDHash string `json:"skill_task_id_hash,omitempty"`

	IsPrivate bool `json:"is_private,omitempty"`
	IsShared  bool `json:"is_shared,omitempty"`

	TextLengthChars int `json:"text_length_chars,omitempty"`

	// Versioned-embed fields, supplemented from original_source/
	// embed_service.py's send_embed_data_to_client (SPEC_FULL.md §4).
	FilePath      string `json:"file_path,omitempty"`
	ContentHash   string `json:"content_hash,omitempty"`
	VersionNumber int    `json:"version_number,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsCompositeSkill reports whether a skill's results form a composite
// parent embed, i.e. one whose content is a list of grouped child results,
// judged from the skill id alone (spec.md §4.7:
// search, places_search, events_search).
func IsCompositeSkill(skillID string) bool {
	switch skillID {
	case "search", "places_search", "events_search":
		return true
	}
	return false
}

// CompositeChildType maps an (app id, skill id) pair to the embed type its
// composite children should carry (spec.md §4.7). The skill id alone is
// ambiguous: "search" means web search for most apps but place search for
// maps, so app_id disambiguates it.
func CompositeChildType(appID, skillID string) EmbedType {
	switch {
	case appID == "maps" && skillID == "search":
		return EmbedPlace
	case skillID == "search":
		return EmbedWebsite
	case skillID == "places_search":
		return EmbedPlace
	case skillID == "events_search":
		return EmbedEvent
	default:
		return EmbedWebsite
	}
}
