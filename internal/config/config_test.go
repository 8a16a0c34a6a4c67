package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Backend != "openai" {
		t.Errorf("backend = %q, want openai", cfg.Agent.Backend)
	}
	if cfg.Orchestrator.MaxConcurrentConversations != 5 {
		t.Errorf("max concurrent = %d, want 5", cfg.Orchestrator.MaxConcurrentConversations)
	}
	if !cfg.Security.InjectionScanEnabled {
		t.Error("injection scan disabled by default")
	}
	if cfg.Orchestrator.Compaction.RecentWindow != 20 {
		t.Errorf("recent window = %d, want 20", cfg.Orchestrator.Compaction.RecentWindow)
	}
}

func TestLoadJSON5File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		// comments are allowed
		owner_id: "12345",
		agent: {
			backend: "openai",
			model: "gpt-4o",
		},
		channels: {
			telegram: { enabled: true, token: "tg-token" },
		},
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OwnerID != "12345" {
		t.Errorf("owner_id = %q", cfg.OwnerID)
	}
	if cfg.Agent.Model != "gpt-4o" {
		t.Errorf("model = %q", cfg.Agent.Model)
	}
	if !cfg.Channels.Telegram.Enabled || cfg.Channels.Telegram.Token != "tg-token" {
		t.Errorf("telegram = %+v", cfg.Channels.Telegram)
	}
	// Untouched sections keep their defaults.
	if cfg.Memory.Backend != "file" {
		t.Errorf("memory backend = %q, want file", cfg.Memory.Backend)
	}
}

func TestLoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{{{{"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("malformed config accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("POCKETPAW_OWNER_ID", "env-owner")
	t.Setenv("POCKETPAW_AGENT_API_KEY", "env-key")
	t.Setenv("POCKETPAW_MAX_CONCURRENT", "9")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OwnerID != "env-owner" {
		t.Errorf("owner = %q", cfg.OwnerID)
	}
	if cfg.Agent.APIKey != "env-key" {
		t.Errorf("api key = %q", cfg.Agent.APIKey)
	}
	if cfg.Orchestrator.MaxConcurrentConversations != 9 {
		t.Errorf("max concurrent = %d", cfg.Orchestrator.MaxConcurrentConversations)
	}
}

func TestEnvCredentialEnablesChannel(t *testing.T) {
	t.Setenv("POCKETPAW_TELEGRAM_TOKEN", "tg-env-token")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Channels.Telegram.Enabled {
		t.Error("telegram not enabled by env token")
	}
	if cfg.Channels.Telegram.Token != "tg-env-token" {
		t.Errorf("token = %q", cfg.Channels.Telegram.Token)
	}
	if cfg.Channels.Discord.Enabled {
		t.Error("discord enabled without credentials")
	}
}

func TestMaskedCopy(t *testing.T) {
	cfg := Default()
	cfg.Agent.APIKey = "sk-verylongsecretkey123"
	cfg.Channels.Telegram.Token = "short"

	masked := cfg.MaskedCopy()
	if strings.Contains(masked.Agent.APIKey, "verylongsecret") {
		t.Errorf("api key not masked: %q", masked.Agent.APIKey)
	}
	if !strings.HasPrefix(masked.Agent.APIKey, "sk-v") {
		t.Errorf("masked key lost its prefix hint: %q", masked.Agent.APIKey)
	}
	if masked.Channels.Telegram.Token != "****" {
		t.Errorf("short token mask = %q", masked.Channels.Telegram.Token)
	}
	// The original is untouched.
	if cfg.Agent.APIKey != "sk-verylongsecretkey123" {
		t.Error("MaskedCopy mutated the original")
	}
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := ExpandHome("~/.pocketpaw"); got != filepath.Join(home, ".pocketpaw") {
		t.Errorf("ExpandHome = %q", got)
	}
	if got := ExpandHome("/absolute/path"); got != "/absolute/path" {
		t.Errorf("absolute path altered: %q", got)
	}
	if got := ExpandHome("relative/path"); got != "relative/path" {
		t.Errorf("relative path altered: %q", got)
	}
}
