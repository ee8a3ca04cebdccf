package embeds

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/openmates/ai-core/pkg/models"
)

var jsonBlockPattern = regexp.MustCompile("(?s)```json\\s*\\n(.*?)\\n```")

type embedReference struct {
	Type    string `json:"type"`
	EmbedID string `json:"embed_id"`
	URL     string `json:"url,omitempty"`
}

// ResolveInContent scans message content for fenced ```json blocks shaped
// like {"type": T, "embed_id": X, "url"?: U} and replaces each with a TOON
// code fence containing the decrypted embed content (spec.md §4's
// Resolve-in-content step). A reference whose embed has expired from
// cache (or cannot be decrypted) falls back to "[T EMBED - URL: U]" when
// a url was present; otherwise the block is re-rendered as a json fence
// carrying only its type and embed_id.
func (s *Service) ResolveInContent(ctx context.Context, content, vaultKeyID string) string {
	matches := jsonBlockPattern.FindAllStringSubmatchIndex(content, -1)
	if len(matches) == 0 {
		return content
	}

	var b strings.Builder
	lastEnd := 0
	for _, m := range matches {
		fullStart, fullEnd := m[0], m[1]
		bodyStart, bodyEnd := m[2], m[3]

		var ref embedReference
		if err := json.Unmarshal([]byte(content[bodyStart:bodyEnd]), &ref); err != nil || ref.Type == "" || ref.EmbedID == "" {
			continue // not an embed reference; leave the block as-is
		}

		b.WriteString(content[lastEnd:fullStart])
		b.WriteString(s.resolveOne(ctx, ref, vaultKeyID))
		lastEnd = fullEnd
	}
	b.WriteString(content[lastEnd:])
	return b.String()
}

func (s *Service) resolveOne(ctx context.Context, ref embedReference, vaultKeyID string) string {
	payload, ok, err := s.cache.GetEmbed(ctx, ref.EmbedID)
	if err != nil || !ok {
		if ref.URL != "" {
			return fmt.Sprintf("[%s EMBED - URL: %s]", ref.Type, ref.URL)
		}
		return fmt.Sprintf("```json\n{\"type\": %q, \"embed_id\": %q}\n```", ref.Type, ref.EmbedID)
	}

	toonContent, err := s.decryptCached(payload, vaultKeyID)
	if err != nil {
		if ref.URL != "" {
			return fmt.Sprintf("[%s EMBED - URL: %s]", ref.Type, ref.URL)
		}
		return fmt.Sprintf("```json\n{\"type\": %q, \"embed_id\": %q}\n```", ref.Type, ref.EmbedID)
	}

	return "```toon\n" + toonContent + "\n```"
}

func (s *Service) decryptCached(payload []byte, vaultKeyID string) (string, error) {
	var stored models.Embed
	if err := json.Unmarshal(payload, &stored); err != nil {
		return "", err
	}
	plaintext, err := s.encryptor.Decrypt(vaultKeyID, stored.Encrypted)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
