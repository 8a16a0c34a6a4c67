package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/internal/memory"
)

const (
	memoryBlockLimit  = 8 // entries in the standard memory block
	semanticHitLimit  = 5 // semantic retrieval hits
	memoryEntryMaxLen = 300
	sessionKeyHeading = "## Current Session"
)

// ContextBuilder assembles the system prompt for one turn: persona files,
// a memory block scoped to the sender, the sender's role, a channel
// formatting hint, and the session key for session tools.
type ContextBuilder struct {
	cfg   *config.Config
	store memory.Store
}

// NewContextBuilder wires the builder to configuration and memory.
func NewContextBuilder(cfg *config.Config, store memory.Store) *ContextBuilder {
	return &ContextBuilder{cfg: cfg, store: store}
}

// BuildSystemPrompt produces the final prompt context. userQuery enables
// semantic retrieval when the store supports it; sessionKey is the
// user-visible base key so session tools act on what the user sees.
func (b *ContextBuilder) BuildSystemPrompt(ctx context.Context, userQuery, channel, senderID, sessionKey string) string {
	var sections []string

	if identity := b.identitySection(); identity != "" {
		sections = append(sections, identity)
	}
	if mem := b.memorySection(ctx, userQuery, senderID); mem != "" {
		sections = append(sections, mem)
	}
	if sender := b.senderSection(senderID); sender != "" {
		sections = append(sections, sender)
	}
	if hint := channelHint(channel); hint != "" {
		sections = append(sections, "## Formatting\n"+hint)
	}
	sections = append(sections, fmt.Sprintf("%s\nsession_key: %s", sessionKeyHeading, sessionKey))

	return strings.Join(sections, "\n\n")
}

// identitySection concatenates the persona files that exist. Missing files
// are normal on a fresh install.
func (b *ContextBuilder) identitySection() string {
	var parts []string
	for _, src := range []struct {
		label, path string
	}{
		{"Identity", b.cfg.Persona.IdentityFile},
		{"Soul", b.cfg.Persona.SoulFile},
		{"Style", b.cfg.Persona.StyleFile},
		{"User Profile", b.cfg.Persona.UserProfileFile},
	} {
		if src.path == "" {
			continue
		}
		data, err := os.ReadFile(config.ExpandHome(src.path))
		if err != nil {
			if !os.IsNotExist(err) {
				slog.Warn("persona file unreadable", "label", src.label, "path", src.path, "error", err)
			}
			continue
		}
		text := strings.TrimSpace(string(data))
		if text != "" {
			parts = append(parts, "## "+src.label+"\n"+text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// memorySection renders relevant memory for the sender's scope: semantic
// hits when a query is given and the store can search by embedding, the
// most recent scoped facts otherwise.
func (b *ContextBuilder) memorySection(ctx context.Context, userQuery, senderID string) string {
	scope := memory.ScopeForSender(b.cfg.OwnerID, senderID)

	if userQuery != "" {
		if ss, ok := b.store.(memory.SemanticSearcher); ok {
			hits, err := ss.SemanticSearch(ctx, userQuery, scope, semanticHitLimit)
			if err != nil {
				slog.Warn("semantic retrieval failed, using standard context", "error", err)
			} else if len(hits) > 0 {
				var lines []string
				for _, h := range hits {
					lines = append(lines, "- "+clipLine(h.Text, memoryEntryMaxLen))
				}
				return "## Relevant Memory\n" + strings.Join(lines, "\n")
			}
		}
	}

	entries, err := b.store.GetByType(memory.TypeLongTerm, memoryBlockLimit, scope)
	if err != nil || len(entries) == 0 {
		return ""
	}
	var lines []string
	for _, e := range entries {
		line := e.Content
		if h := e.Metadata["header"]; h != "" {
			line = h + ": " + line
		}
		lines = append(lines, "- "+clipLine(line, memoryEntryMaxLen))
	}
	return "## Memory\n" + strings.Join(lines, "\n")
}

// senderSection identifies who is talking. Omitted entirely when no owner
// is configured.
func (b *ContextBuilder) senderSection(senderID string) string {
	if b.cfg.OwnerID == "" {
		return ""
	}
	if senderID == b.cfg.OwnerID {
		return "## Sender\nYou are talking to your owner."
	}
	return fmt.Sprintf("## Sender\nYou are talking to an external user (id %s), not your owner. Do not share the owner's private information.", senderID)
}

// channelHint returns per-channel formatting guidance.
func channelHint(channel string) string {
	switch channel {
	case "telegram":
		return "Replies go to Telegram. Keep messages short; basic Markdown only, no tables."
	case "discord":
		return "Replies go to Discord. Markdown is supported; keep messages under 2000 characters."
	case "slack":
		return "Replies go to Slack. Use Slack mrkdwn: *bold*, _italic_, no headings."
	case "whatsapp":
		return "Replies go to WhatsApp. Plain text only; no Markdown."
	case "websocket", "cli":
		return ""
	default:
		return "Keep replies in plain text unless the user asks otherwise."
	}
}

func clipLine(s string, n int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimSpace(string(runes[:n-1])) + "…"
}
