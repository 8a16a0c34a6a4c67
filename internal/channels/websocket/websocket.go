// Package websocket serves the engine's own clients (dashboard, CLI
// attach) over a local websocket endpoint. The stream protocol passes
// through verbatim: clients receive chunk and end frames and assemble the
// reply themselves. System events are forwarded on the same socket.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/pocketpaw/pocketpaw/internal/bus"
	"github.com/pocketpaw/pocketpaw/internal/channels"
	"github.com/pocketpaw/pocketpaw/internal/config"
)

const writeTimeout = 10 * time.Second

// clientFrame is what a connected client sends.
type clientFrame struct {
	Type    string `json:"type"` // "message"
	ChatID  string `json:"chat_id,omitempty"`
	Content string `json:"content"`
}

// serverFrame is what the adapter sends to clients.
type serverFrame struct {
	Type          string         `json:"type"` // "message" or "system"
	ChatID        string         `json:"chat_id,omitempty"`
	Content       string         `json:"content,omitempty"`
	IsStreamChunk bool           `json:"is_stream_chunk,omitempty"`
	IsStreamEnd   bool           `json:"is_stream_end,omitempty"`
	Event         string         `json:"event,omitempty"`
	Data          map[string]any `json:"data,omitempty"`
}

type client struct {
	id     string
	chatID string
	conn   *websocket.Conn
}

// Adapter is the local websocket channel.
type Adapter struct {
	*channels.BaseAdapter
	cfg    config.WebSocketConfig
	server *http.Server

	mu      sync.Mutex
	clients map[string]*client
}

// New creates the websocket adapter from config.
func New(cfg config.WebSocketConfig, msgBus *bus.MessageBus) *Adapter {
	return &Adapter{
		BaseAdapter: channels.NewBaseAdapter(bus.ChannelWebSocket, msgBus, nil),
		cfg:         cfg,
		clients:     make(map[string]*client),
	}
}

// Start listens on the configured host:port and forwards system events to
// connected clients.
func (a *Adapter) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		a.handleConn(ctx, w, r)
	})

	addr := fmt.Sprintf("%s:%d", a.cfg.Host, a.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("websocket listen %s: %w", addr, err)
	}
	a.server = &http.Server{Handler: mux}

	go func() {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("websocket server stopped", "error", err)
		}
	}()

	a.Bus().SubscribeSystem("websocket-adapter", func(evt bus.SystemEvent) {
		a.broadcast(serverFrame{Type: "system", Event: evt.Type, Data: evt.Data})
	})

	a.SetRunning(true)
	slog.Info("websocket channel listening", "addr", addr)
	return nil
}

// Stop disconnects clients and shuts the server down.
func (a *Adapter) Stop(ctx context.Context) error {
	a.Bus().UnsubscribeSystem("websocket-adapter")

	a.mu.Lock()
	for _, c := range a.clients {
		c.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	a.clients = make(map[string]*client)
	a.mu.Unlock()

	var err error
	if a.server != nil {
		err = a.server.Shutdown(ctx)
	}
	a.SetRunning(false)
	return err
}

func (a *Adapter) handleConn(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	if a.cfg.Token != "" {
		token := r.Header.Get("Authorization")
		token = trimBearer(token)
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != a.cfg.Token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}

	id := uuid.NewString()[:8]
	c := &client{id: id, chatID: id, conn: conn}
	if v := r.URL.Query().Get("chat_id"); v != "" {
		c.chatID = v
	}

	a.mu.Lock()
	a.clients[id] = c
	a.mu.Unlock()
	slog.Info("websocket client connected", "client", id, "chat_id", c.chatID)

	defer func() {
		a.mu.Lock()
		delete(a.clients, id)
		a.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		slog.Info("websocket client disconnected", "client", id)
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("websocket client sent malformed frame", "client", id, "error", err)
			continue
		}
		if frame.Type != "message" || frame.Content == "" {
			continue
		}
		chatID := c.chatID
		if frame.ChatID != "" {
			chatID = frame.ChatID
		}
		meta := map[string]string{"source": "websocket", "client_id": id}
		if err := a.PublishInbound(ctx, id, chatID, frame.Content, nil, meta); err != nil {
			slog.Warn("websocket inbound publish failed", "client", id, "error", err)
		}
	}
}

// Send delivers a standalone message to the chat's clients.
func (a *Adapter) Send(ctx context.Context, msg bus.OutboundMessage) error {
	return a.deliver(msg.ChatID, serverFrame{
		Type:    "message",
		ChatID:  msg.ChatID,
		Content: msg.Content,
	})
}

// SendStream forwards a chunk or end frame verbatim.
func (a *Adapter) SendStream(ctx context.Context, msg bus.OutboundMessage) error {
	return a.deliver(msg.ChatID, serverFrame{
		Type:          "message",
		ChatID:        msg.ChatID,
		Content:       msg.Content,
		IsStreamChunk: msg.IsStreamChunk,
		IsStreamEnd:   msg.IsStreamEnd,
	})
}

// deliver writes a frame to every client on the chat.
func (a *Adapter) deliver(chatID string, frame serverFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	a.mu.Lock()
	targets := make([]*client, 0, 1)
	for _, c := range a.clients {
		if c.chatID == chatID {
			targets = append(targets, c)
		}
	}
	a.mu.Unlock()

	for _, c := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			slog.Warn("websocket write failed", "client", c.id, "error", err)
		}
	}
	return nil
}

// broadcast writes a frame to every connected client.
func (a *Adapter) broadcast(frame serverFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	a.mu.Lock()
	targets := make([]*client, 0, len(a.clients))
	for _, c := range a.clients {
		targets = append(targets, c)
	}
	a.mu.Unlock()

	for _, c := range targets {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := c.conn.Write(ctx, websocket.MessageText, data)
		cancel()
		if err != nil {
			slog.Warn("websocket write failed", "client", c.id, "error", err)
		}
	}
}

func trimBearer(s string) string {
	const prefix = "Bearer "
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):]
	}
	return ""
}
