package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pocketpaw/pocketpaw/internal/config"
	"github.com/pocketpaw/pocketpaw/internal/memory"
)

func newContextBuilder(t *testing.T, cfg *config.Config) (*ContextBuilder, *memory.FileStore) {
	t.Helper()
	store, err := memory.NewFileStore(t.TempDir(), cfg.OwnerID)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return NewContextBuilder(cfg, store), store
}

func TestBuildSystemPromptSections(t *testing.T) {
	cfg := config.Default()
	cfg.OwnerID = "owner"

	dir := t.TempDir()
	identity := filepath.Join(dir, "IDENTITY.md")
	if err := os.WriteFile(identity, []byte("You are PocketPaw, a personal assistant."), 0o600); err != nil {
		t.Fatalf("write identity: %v", err)
	}
	cfg.Persona.IdentityFile = identity

	b, store := newContextBuilder(t, cfg)
	if _, err := store.Save(memory.Entry{
		Type:     memory.TypeLongTerm,
		Content:  "Prefers a flat white.",
		Metadata: map[string]string{"header": "Coffee", "source": "chat"},
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	prompt := b.BuildSystemPrompt(context.Background(), "coffee", "telegram", "owner", "telegram:1")

	for _, want := range []string{
		"## Identity",
		"You are PocketPaw",
		"## Memory",
		"Coffee: Prefers a flat white.",
		"You are talking to your owner.",
		"## Formatting",
		"## Current Session",
		"session_key: telegram:1",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt lacks %q\n%s", want, prompt)
		}
	}
}

func TestBuildSystemPromptExternalSender(t *testing.T) {
	cfg := config.Default()
	cfg.OwnerID = "owner"
	b, _ := newContextBuilder(t, cfg)

	prompt := b.BuildSystemPrompt(context.Background(), "", "telegram", "stranger", "telegram:9")
	if !strings.Contains(prompt, "external user") {
		t.Errorf("external sender warning missing:\n%s", prompt)
	}
	if !strings.Contains(prompt, "Do not share the owner's private information.") {
		t.Errorf("privacy instruction missing:\n%s", prompt)
	}
}

func TestBuildSystemPromptNoOwnerOmitsSenderSection(t *testing.T) {
	cfg := config.Default()
	b, _ := newContextBuilder(t, cfg)

	prompt := b.BuildSystemPrompt(context.Background(), "", "telegram", "12345", "telegram:1")
	if strings.Contains(prompt, "## Sender") {
		t.Errorf("sender section present without an owner:\n%s", prompt)
	}
}

func TestBuildSystemPromptScopedMemoryIsolated(t *testing.T) {
	cfg := config.Default()
	cfg.OwnerID = "owner"
	b, store := newContextBuilder(t, cfg)

	if _, err := store.Save(memory.Entry{
		Type:     memory.TypeLongTerm,
		Content:  "Owner's bank is Acme.",
		Metadata: map[string]string{"header": "Bank", "source": "chat"},
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	prompt := b.BuildSystemPrompt(context.Background(), "", "telegram", "stranger", "telegram:9")
	if strings.Contains(prompt, "Acme") {
		t.Errorf("owner memory leaked into an external sender's prompt:\n%s", prompt)
	}
}

func TestChannelHint(t *testing.T) {
	if hint := channelHint("telegram"); !strings.Contains(hint, "Telegram") {
		t.Errorf("telegram hint = %q", hint)
	}
	if hint := channelHint("websocket"); hint != "" {
		t.Errorf("websocket hint = %q, want empty", hint)
	}
	if hint := channelHint("matrix"); hint == "" {
		t.Error("unknown channel should get the generic hint")
	}
}
