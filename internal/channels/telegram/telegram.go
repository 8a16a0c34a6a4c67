// Package telegram connects the engine to the Telegram Bot API via long
// polling. Streaming replies render as a placeholder message that is
// edited in place as chunks arrive.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/internal/config"
)

// messageLimit is Telegram's hard cap on message length.
const messageLimit = 4096

const placeholderText = "…"

// dedupeTTL covers the Bot API's update redelivery window after a missed
// acknowledgement.
const dedupeTTL = 10 * time.Minute

// Adapter is the Telegram channel.
type Adapter struct {
	*channels.BaseAdapter
	bot    *telego.Bot
	cfg    config.TelegramConfig
	dedupe *bus.DedupeCache

	placeholders sync.Map // chatID string → messageID int

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the Telegram adapter from config.
func New(cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Adapter, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter(bus.ChannelTelegram, msgBus, cfg.AllowedUsers),
		bot:         bot,
		cfg:         cfg,
		dedupe:      bus.NewDedupeCache(dedupeTTL, 4096),
	}, nil
}

// Start begins long polling for updates.
func (a *Adapter) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	a.pollCancel = cancel
	a.pollDone = make(chan struct{})

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	a.SetRunning(true)
	slog.Info("telegram connected", "username", a.bot.Username())

	go func() {
		defer close(a.pollDone)
		for update := range updates {
			a.handleUpdate(pollCtx, update)
		}
	}()
	return nil
}

// Stop cancels polling and waits for the update loop to drain.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.pollCancel != nil {
		a.pollCancel()
	}
	if a.pollDone != nil {
		select {
		case <-a.pollDone:
		case <-ctx.Done():
		}
	}
	a.SetRunning(false)
	return nil
}

func (a *Adapter) handleUpdate(ctx context.Context, update telego.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Text == "" {
		return
	}
	if a.dedupe.IsDuplicate(fmt.Sprintf("%d|%d", msg.Chat.ID, msg.MessageID)) {
		slog.Debug("telegram duplicate update dropped",
			"chat_id", msg.Chat.ID, "message_id", msg.MessageID)
		return
	}

	senderID := strconv.FormatInt(msg.From.ID, 10)
	if msg.From.Username != "" {
		senderID += "|" + msg.From.Username
	}
	if !a.IsAllowed(senderID) {
		slog.Debug("telegram sender not allowed", "sender", senderID)
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	meta := map[string]string{"source": "telegram"}
	if msg.From.Username != "" {
		meta["username"] = msg.From.Username
	}

	if err := a.PublishInbound(ctx, senderID, chatID, msg.Text, nil, meta); err != nil {
		slog.Warn("telegram inbound publish failed", "chat_id", chatID, "error", err)
	}
}

// Send delivers a standalone message, split at Telegram's length cap.
func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", msg.ChatID, err)
	}
	for _, part := range channels.SplitMessage(msg.Content, messageLimit) {
		if _, err := a.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), part)); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// OnStreamStart posts the placeholder the stream will edit.
func (a *Adapter) OnStreamStart(ctx context.Context, chatID string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", chatID, err)
	}
	sent, err := a.bot.SendMessage(ctx, tu.Message(tu.ID(id), placeholderText))
	if err != nil {
		return fmt.Errorf("telegram placeholder: %w", err)
	}
	a.placeholders.Store(chatID, sent.MessageID)
	return nil
}

// OnStreamChunk refreshes the placeholder with the text so far. Edit
// pacing is the manager's job; overly long previews are clipped.
func (a *Adapter) OnStreamChunk(ctx context.Context, chatID, fullText string) error {
	msgID, ok := a.placeholders.Load(chatID)
	if !ok {
		return nil
	}
	if len([]rune(fullText)) > messageLimit {
		fullText = string([]rune(fullText)[:messageLimit])
	}
	id, _ := strconv.ParseInt(chatID, 10, 64)
	_, err := a.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(id),
		MessageID: msgID.(int),
		Text:      fullText,
	})
	return err
}

// OnStreamEnd writes the final text into the placeholder and sends any
// overflow as follow-up messages.
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

	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", chatID, err)
	}
	parts := channels.SplitMessage(finalText, messageLimit)
	if _, err := a.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(id),
		MessageID: msgID.(int),
		Text:      parts[0],
	}); err != nil {
		return fmt.Errorf("telegram final edit: %w", err)
	}
	for _, part := range parts[1:] {
		if _, err := a.bot.SendMessage(ctx, tu.Message(tu.ID(id), part)); err != nil {
			return fmt.Errorf("telegram overflow send: %w", err)
		}
	}
	return nil
}
