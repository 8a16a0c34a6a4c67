// Package slack connects the engine to Slack over Socket Mode. Streaming
// replies post a placeholder and update it in place.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/internal/config"
)

const placeholderText = "…"

// Adapter is the Slack channel.
type Adapter struct {
	*channels.BaseAdapter
	cfg    config.SlackConfig
	client *slack.Client
	socket *socketmode.Client

	botUserID    string
	placeholders sync.Map // chatID string → message timestamp string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the Slack adapter from config.
func New(cfg config.SlackConfig, msgBus *bus.MessageBus) *Adapter {
	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter(bus.ChannelSlack, msgBus, cfg.AllowedUsers),
		cfg:         cfg,
		client:      client,
		socket:      socketmode.New(client),
	}
}

// Start authenticates and begins the Socket Mode event loop.
func (a *Adapter) Start(ctx context.Context) error {
	auth, err := a.client.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	a.botUserID = auth.UserID

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.eventLoop(runCtx)
	}()
	go func() {
		defer a.wg.Done()
		if err := a.socket.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("slack socket mode stopped", "error", err)
		}
	}()

	a.SetRunning(true)
	slog.Info("slack connected", "bot_user", auth.UserID)
	return nil
}

// Stop cancels the socket connection and waits for the loops to drain.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	a.SetRunning(false)
	return nil
}

func (a *Adapter) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-a.socket.Events:
			if !ok {
				return
			}
			switch event.Type {
			case socketmode.EventTypeConnected:
				slog.Info("slack socket mode connected")
			case socketmode.EventTypeConnectionError:
				slog.Warn("slack connection error", "data", event.Data)
			case socketmode.EventTypeEventsAPI:
				a.handleEventsAPI(ctx, event)
			case socketmode.EventTypeSlashCommand, socketmode.EventTypeInteractive:
				if event.Request != nil {
					a.socket.Ack(*event.Request)
				}
			}
		}
	}
}

func (a *Adapter) handleEventsAPI(ctx context.Context, event socketmode.Event) {
	apiEvent, ok := event.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	if event.Request != nil {
		a.socket.Ack(*event.Request)
	}
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}

	ev, ok := apiEvent.InnerEvent.Data.(*slackevents.MessageEvent)
	if !ok || ev.BotID != "" || ev.SubType != "" || ev.Text == "" {
		return
	}
	if ev.User == a.botUserID {
		return
	}
	if !a.channelAllowed(ev.Channel) || !a.IsAllowed(ev.User) {
		slog.Debug("slack event filtered", "user", ev.User, "channel", ev.Channel)
		return
	}

	meta := map[string]string{"source": "slack"}
	if ev.ThreadTimeStamp != "" {
		meta["thread_ts"] = ev.ThreadTimeStamp
	}
	if err := a.PublishInbound(ctx, ev.User, ev.Channel, ev.Text, nil, meta); err != nil {
		slog.Warn("slack inbound publish failed", "chat_id", ev.Channel, "error", err)
	}
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

// Send posts a standalone message.
func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) error {
	_, _, err := a.client.PostMessageContext(ctx, msg.ChatID,
		slack.MsgOptionText(msg.Content, false))
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

// OnStreamStart posts the placeholder the stream will update.
func (a *Adapter) OnStreamStart(ctx context.Context, chatID string) error {
	_, ts, err := a.client.PostMessageContext(ctx, chatID,
		slack.MsgOptionText(placeholderText, false))
	if err != nil {
		return fmt.Errorf("slack placeholder: %w", err)
	}
	a.placeholders.Store(chatID, ts)
	return nil
}

// OnStreamChunk updates the placeholder with the text so far.
func (a *Adapter) OnStreamChunk(ctx context.Context, chatID, fullText string) error {
	ts, ok := a.placeholders.Load(chatID)
	if !ok {
		return nil
	}
	_, _, _, err := a.client.UpdateMessageContext(ctx, chatID, ts.(string),
		slack.MsgOptionText(fullText, false))
	return err
}

// OnStreamEnd writes the final text into the placeholder.
func (a *Adapter) OnStreamEnd(ctx context.Context, chatID, finalText string) error {
	ts, ok := a.placeholders.LoadAndDelete(chatID)
	if !ok {
		if finalText == "" {
			return nil
		}
		return a.Send(ctx, bus.OutboundMessage{Channel: a.Name(), ChatID: chatID, Content: finalText})
	}
	if finalText == "" {
		finalText = placeholderText
	}
	_, _, _, err := a.client.UpdateMessageContext(ctx, chatID, ts.(string),
		slack.MsgOptionText(finalText, false))
	if err != nil {
		return fmt.Errorf("slack final update: %w", err)
	}
	return nil
}
