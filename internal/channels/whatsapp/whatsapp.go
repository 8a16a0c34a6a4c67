// Package whatsapp connects the engine to a WhatsApp bridge process over a
// websocket. The bridge owns the WhatsApp session; this adapter speaks a
// small JSON protocol with it. Replies are batched: the full response goes
// out as one message when the stream ends.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/internal/config"
)

const (
	reconnectBase = 2 * time.Second
	reconnectMax  = 60 * time.Second
	writeTimeout  = 10 * time.Second
)

// bridgeFrame is one message on the bridge socket, both directions.
type bridgeFrame struct {
	Type   string `json:"type"` // "message" inbound, "send" outbound
	Sender string `json:"sender,omitempty"`
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// Adapter is the WhatsApp channel.
type Adapter struct {
	*channels.BaseAdapter
	cfg config.WhatsAppConfig

	connMu sync.Mutex
	conn   *websocket.Conn

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates the WhatsApp adapter from config.
func New(cfg config.WhatsAppConfig, msgBus *bus.MessageBus) *Adapter {
	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter(bus.ChannelWhatsApp, msgBus, cfg.AllowedNumbers),
		cfg:         cfg,
	}
}

// Start connects to the bridge and keeps the connection alive with
// exponential backoff.
func (a *Adapter) Start(ctx context.Context) error {
	if a.cfg.BridgeURL == "" {
		return fmt.Errorf("whatsapp: bridge_url not configured")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	go a.connectLoop(runCtx)
	a.SetRunning(true)
	return nil
}

// Stop closes the bridge connection.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.connMu.Lock()
	if a.conn != nil {
		a.conn.Close()
	}
	a.connMu.Unlock()
	if a.done != nil {
		select {
		case <-a.done:
		case <-ctx.Done():
		}
	}
	a.SetRunning(false)
	return nil
}

func (a *Adapter) connectLoop(ctx context.Context) {
	defer close(a.done)
	backoff := reconnectBase

	for ctx.Err() == nil {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, a.cfg.BridgeURL, nil)
		if err != nil {
			slog.Warn("whatsapp bridge dial failed", "url", a.cfg.BridgeURL,
				"error", err, "retry_in", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, reconnectMax)
			continue
		}

		slog.Info("whatsapp bridge connected", "url", a.cfg.BridgeURL)
		backoff = reconnectBase
		a.connMu.Lock()
		a.conn = conn
		a.connMu.Unlock()

		a.readLoop(ctx, conn)

		a.connMu.Lock()
		a.conn = nil
		a.connMu.Unlock()
		conn.Close()
	}
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("whatsapp bridge read failed", "error", err)
			}
			return
		}
		var frame bridgeFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("whatsapp bridge sent malformed frame", "error", err)
			continue
		}
		if frame.Type != "message" || frame.Text == "" {
			continue
		}
		if !a.IsAllowed(frame.Sender) {
			slog.Debug("whatsapp sender not allowed", "sender", frame.Sender)
			continue
		}
		meta := map[string]string{"source": "whatsapp"}
		if err := a.PublishInbound(ctx, frame.Sender, frame.ChatID, frame.Text, nil, meta); err != nil {
			slog.Warn("whatsapp inbound publish failed", "chat_id", frame.ChatID, "error", err)
		}
	}
}

// Send writes one message to the bridge.
func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("whatsapp: bridge not connected")
	}

	data, err := json.Marshal(bridgeFrame{Type: "send", ChatID: msg.ChatID, Text: msg.Content})
	if err != nil {
		return err
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	a.conn.SetWriteDeadline(deadline)
	if err := a.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("whatsapp bridge write: %w", err)
	}
	return nil
}
