package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Load reads config from a JSON5 file, then overlays env vars. A missing
// file yields defaults plus env.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Env vars take
// precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	envStr("POCKETPAW_OWNER_ID", &c.OwnerID)
	envStr("POCKETPAW_AGENT_BACKEND", &c.Agent.Backend)
	envStr("POCKETPAW_AGENT_API_KEY", &c.Agent.APIKey)
	envStr("POCKETPAW_AGENT_BASE_URL", &c.Agent.BaseURL)
	envStr("POCKETPAW_AGENT_MODEL", &c.Agent.Model)
	envStr("POCKETPAW_EMBEDDING_API_KEY", &c.Memory.Embedding.APIKey)
	envStr("POCKETPAW_EMBEDDING_BASE_URL", &c.Memory.Embedding.BaseURL)
	envInt("POCKETPAW_MAX_CONCURRENT", &c.Orchestrator.MaxConcurrentConversations)

	envStr("POCKETPAW_TELEGRAM_TOKEN", &c.Channels.Telegram.Token)
	envStr("POCKETPAW_DISCORD_TOKEN", &c.Channels.Discord.Token)
	envStr("POCKETPAW_SLACK_APP_TOKEN", &c.Channels.Slack.AppToken)
	envStr("POCKETPAW_SLACK_BOT_TOKEN", &c.Channels.Slack.BotToken)
	envStr("POCKETPAW_WHATSAPP_BRIDGE_URL", &c.Channels.WhatsApp.BridgeURL)
	envStr("POCKETPAW_WS_TOKEN", &c.Channels.WebSocket.Token)

	// Credentials supplied via env enable their channel.
	if os.Getenv("POCKETPAW_TELEGRAM_TOKEN") != "" {
		c.Channels.Telegram.Enabled = true
	}
	if os.Getenv("POCKETPAW_DISCORD_TOKEN") != "" {
		c.Channels.Discord.Enabled = true
	}
	if os.Getenv("POCKETPAW_SLACK_APP_TOKEN") != "" && os.Getenv("POCKETPAW_SLACK_BOT_TOKEN") != "" {
		c.Channels.Slack.Enabled = true
	}
	if os.Getenv("POCKETPAW_WHATSAPP_BRIDGE_URL") != "" {
		c.Channels.WhatsApp.Enabled = true
	}
}

// MaskedCopy returns a deep-enough copy with secrets replaced for logging
// and the /status surface.
func (c *Config) MaskedCopy() *Config {
	masked := *c
	masked.Agent.APIKey = maskSecret(c.Agent.APIKey)
	masked.Memory.Embedding.APIKey = maskSecret(c.Memory.Embedding.APIKey)
	masked.Channels.Telegram.Token = maskSecret(c.Channels.Telegram.Token)
	masked.Channels.Discord.Token = maskSecret(c.Channels.Discord.Token)
	masked.Channels.Slack.AppToken = maskSecret(c.Channels.Slack.AppToken)
	masked.Channels.Slack.BotToken = maskSecret(c.Channels.Slack.BotToken)
	masked.Channels.WebSocket.Token = maskSecret(c.Channels.WebSocket.Token)
	return &masked
}

func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return "****"
	}
	return s[:4] + "****" + s[len(s)-2:]
}
