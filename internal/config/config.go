// Package config loads PocketPaw configuration: a JSON5 file under the
// home directory overlaid with POCKETPAW_* environment variables.
package config

import (
	"os"
	"path/filepath"
	"strings"
)

// Config is the root configuration.
type Config struct {
	// OwnerID identifies the installation's owner across channels. Empty
	// means single-user mode: every sender shares the owner's memory scope.
	OwnerID string `json:"owner_id"`

	Agent        AgentConfig        `json:"agent"`
	Memory       MemoryConfig       `json:"memory"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Security     SecurityConfig     `json:"security"`
	Persona      PersonaConfig      `json:"persona"`
	Channels     ChannelsConfig     `json:"channels"`
	Logging      LoggingConfig      `json:"logging"`
}

// AgentConfig selects and configures the agent backend.
type AgentConfig struct {
	Backend string `json:"backend"` // registered backend name

	// Settings for the built-in OpenAI-compatible backend.
	BaseURL     string  `json:"base_url"`
	APIKey      string  `json:"api_key"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// MemoryConfig selects the memory backend and tunes learning.
type MemoryConfig struct {
	Backend       string `json:"backend"` // "file" or "semantic"
	Dir           string `json:"dir"`     // default ~/.pocketpaw/memory
	FileAutoLearn bool   `json:"file_auto_learn"`
	Mem0AutoLearn bool   `json:"mem0_auto_learn"`

	Embedding EmbeddingConfig `json:"embedding"`
}

// EmbeddingConfig points the semantic backend at an OpenAI-compatible
// embedding endpoint.
type EmbeddingConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
	Model   string `json:"model"`
}

// OrchestratorConfig tunes turn processing.
type OrchestratorConfig struct {
	MaxConcurrentConversations int  `json:"max_concurrent_conversations"`
	WelcomeHintEnabled         bool `json:"welcome_hint_enabled"`

	Compaction CompactionConfig `json:"compaction"`
}

// CompactionConfig tunes session history compaction.
type CompactionConfig struct {
	RecentWindow int  `json:"recent_window"` // messages kept verbatim
	CharBudget   int  `json:"char_budget"`   // prompt history budget
	SummaryChars int  `json:"summary_chars"` // per-message tier-1 truncation
	LLMSummarize bool `json:"llm_summarize"` // enable tier-2 LLM summary
}

// SecurityConfig tunes inbound scanning and auditing.
type SecurityConfig struct {
	InjectionScanEnabled bool   `json:"injection_scan_enabled"`
	InjectionScanLLM     bool   `json:"injection_scan_llm"` // deep scan via backend
	AuditDB              string `json:"audit_db"`           // default ~/.pocketpaw/audit.db
	RateLimitPerMinute   int    `json:"rate_limit_per_minute"`
}

// PersonaConfig names the static prompt context sources.
type PersonaConfig struct {
	IdentityFile    string `json:"identity_file"`
	SoulFile        string `json:"soul_file"`
	StyleFile       string `json:"style_file"`
	UserProfileFile string `json:"user_profile_file"`
}

// ChannelsConfig holds one section per adapter.
type ChannelsConfig struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Discord   DiscordConfig   `json:"discord"`
	Slack     SlackConfig     `json:"slack"`
	WhatsApp  WhatsAppConfig  `json:"whatsapp"`
	WebSocket WebSocketConfig `json:"websocket"`
}

type TelegramConfig struct {
	Enabled      bool     `json:"enabled"`
	Token        string   `json:"token"`
	AllowedUsers []string `json:"allowed_users"` // user ids or @usernames
}

type DiscordConfig struct {
	Enabled         bool     `json:"enabled"`
	Token           string   `json:"token"`
	AllowedGuilds   []string `json:"allowed_guilds"`
	AllowedChannels []string `json:"allowed_channels"`
	AllowedUsers    []string `json:"allowed_users"`
}

type SlackConfig struct {
	Enabled         bool     `json:"enabled"`
	AppToken        string   `json:"app_token"` // xapp-, Socket Mode
	BotToken        string   `json:"bot_token"` // xoxb-
	AllowedChannels []string `json:"allowed_channels"`
	AllowedUsers    []string `json:"allowed_users"`
}

type WhatsAppConfig struct {
	Enabled        bool     `json:"enabled"`
	BridgeURL      string   `json:"bridge_url"` // ws:// endpoint of the bridge
	AllowedNumbers []string `json:"allowed_numbers"`
}

type WebSocketConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	Token   string `json:"token"` // shared secret; empty disables auth
}

type LoggingConfig struct {
	Level string `json:"level"` // debug, info, warn, error
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Backend:     "openai",
			Model:       "gpt-4o-mini",
			MaxTokens:   4096,
			Temperature: 0.7,
		},
		Memory: MemoryConfig{
			Backend:       "file",
			Dir:           "~/.pocketpaw/memory",
			FileAutoLearn: true,
			Embedding: EmbeddingConfig{
				Model: "text-embedding-3-small",
			},
		},
		Orchestrator: OrchestratorConfig{
			MaxConcurrentConversations: 5,
			WelcomeHintEnabled:         true,
			Compaction: CompactionConfig{
				RecentWindow: 20,
				CharBudget:   24000,
				SummaryChars: 120,
			},
		},
		Security: SecurityConfig{
			InjectionScanEnabled: true,
			AuditDB:              "~/.pocketpaw/audit.db",
			RateLimitPerMinute:   20,
		},
		Channels: ChannelsConfig{
			WebSocket: WebSocketConfig{
				Host: "127.0.0.1",
				Port: 18999,
			},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// HomeDir returns the PocketPaw home directory (~/.pocketpaw).
func HomeDir() string {
	return ExpandHome("~/.pocketpaw")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(HomeDir(), "config.json")
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
	}
	return path
}
