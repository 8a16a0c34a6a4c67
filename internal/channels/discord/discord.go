// Package discord connects the engine to Discord through the gateway.
// Streaming replies edit a placeholder message in place.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/internal/config"
)

// messageLimit is Discord's cap on message length.
const messageLimit = 2000

const placeholderText = "…"

// Adapter is the Discord channel.
type Adapter struct {
	*channels.BaseAdapter
	session *discordgo.Session
	cfg     config.DiscordConfig
	dedupe  *bus.DedupeCache

	placeholders  sync.Map // chatID string → messageID string
	removeHandler func()
}

// New creates the Discord adapter from config.
func New(cfg config.DiscordConfig, msgBus *bus.MessageBus) (*Adapter, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter(bus.ChannelDiscord, msgBus, cfg.AllowedUsers),
		session:     session,
		cfg:         cfg,
		dedupe:      bus.NewDedupeCache(10*time.Minute, 4096),
	}, nil
}

// Start opens the gateway connection and installs the message handler.
func (a *Adapter) Start(ctx context.Context) error {
	a.removeHandler = a.session.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
		a.handleMessage(ctx, m)
	})
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", err)
	}
	a.SetRunning(true)
	slog.Info("discord connected", "user", a.session.State.User.Username)
	return nil
}

// Stop closes the gateway connection.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.removeHandler != nil {
		a.removeHandler()
	}
	err := a.session.Close()
	a.SetRunning(false)
	return err
}

func (a *Adapter) handleMessage(ctx context.Context, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Content == "" {
		return
	}
	// The gateway redelivers events after a resume.
	if a.dedupe.IsDuplicate(m.ID) {
		slog.Debug("discord duplicate message dropped", "message_id", m.ID)
		return
	}
	if !a.guildAllowed(m.GuildID) || !a.channelAllowed(m.ChannelID) {
		return
	}
	senderID := m.Author.ID + "|" + m.Author.Username
	if !a.IsAllowed(senderID) {
		slog.Debug("discord sender not allowed", "sender", senderID)
		return
	}

	meta := map[string]string{"source": "discord", "username": m.Author.Username}
	if m.GuildID != "" {
		meta["guild_id"] = m.GuildID
	}
	if err := a.PublishInbound(ctx, senderID, m.ChannelID, m.Content, nil, meta); err != nil {
		slog.Warn("discord inbound publish failed", "chat_id", m.ChannelID, "error", err)
	}
}

// guildAllowed admits DMs (empty guild) and listed guilds; an empty list
// admits every guild.
func (a *Adapter) guildAllowed(guildID string) bool {
	if guildID == "" || len(a.cfg.AllowedGuilds) == 0 {
		return true
	}
	for _, g := range a.cfg.AllowedGuilds {
		if g == guildID {
			return true
		}
	}
	return false
}

func (a *Adapter) channelAllowed(channelID string) bool {
	if len(a.cfg.AllowedChannels) == 0 {
		return true
	}
	for _, c := range a.cfg.AllowedChannels {
		if c == channelID {
			return true
		}
	}
	return false
}

// Send delivers a standalone message, split at Discord's length cap.
func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) error {
	for _, part := range channels.SplitMessage(msg.Content, messageLimit) {
		if _, err := a.session.ChannelMessageSend(msg.ChatID, part, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

// OnStreamStart posts the placeholder the stream will edit.
func (a *Adapter) OnStreamStart(ctx context.Context, chatID string) error {
	sent, err := a.session.ChannelMessageSend(chatID, placeholderText, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord placeholder: %w", err)
	}
	a.placeholders.Store(chatID, sent.ID)
	return nil
}

// OnStreamChunk refreshes the placeholder with the text so far.
func (a *Adapter) OnStreamChunk(ctx context.Context, chatID, fullText string) error {
	msgID, ok := a.placeholders.Load(chatID)
	if !ok {
		return nil
	}
	if len([]rune(fullText)) > messageLimit {
		fullText = string([]rune(fullText)[:messageLimit])
	}
	_, err := a.session.ChannelMessageEdit(chatID, msgID.(string), fullText, discordgo.WithContext(ctx))
	return err
}

// OnStreamEnd finalizes the placeholder and sends any overflow.
func (a *Adapter) OnStreamEnd(ctx context.Context, chatID, finalText string) error {
	msgID, ok := a.placeholders.LoadAndDelete(chatID)
	if !ok {
		if finalText == "" {
			return nil
		}
		return a.Send(ctx, bus.OutboundMessage{Channel: a.Name(), ChatID: chatID, Content: finalText})
	}
	if finalText == "" {
		finalText = placeholderText
	}

	parts := channels.SplitMessage(finalText, messageLimit)
	if _, err := a.session.ChannelMessageEdit(chatID, msgID.(string), parts[0], discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord final edit: %w", err)
	}
	for _, part := range parts[1:] {
		if _, err := a.session.ChannelMessageSend(chatID, part, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord overflow send: %w", err)
		}
	}
	return nil
}
