package bus

import "time"

// Channel identifies a messaging surface connected to the engine.
type Channel string

const (
	ChannelTelegram   Channel = "telegram"
	ChannelWebSocket  Channel = "websocket"
	ChannelCLI        Channel = "cli"
	ChannelDiscord    Channel = "discord"
	ChannelSlack      Channel = "slack"
	ChannelWhatsApp   Channel = "whatsapp"
	ChannelSignal     Channel = "signal"
	ChannelMatrix     Channel = "matrix"
	ChannelTeams      Channel = "teams"
	ChannelGoogleChat Channel = "google_chat"
	ChannelWebhook    Channel = "webhook"
	ChannelSystem     Channel = "system"
)

var validChannels = map[Channel]bool{
	ChannelTelegram: true, ChannelWebSocket: true, ChannelCLI: true,
	ChannelDiscord: true, ChannelSlack: true, ChannelWhatsApp: true,
	ChannelSignal: true, ChannelMatrix: true, ChannelTeams: true,
	ChannelGoogleChat: true, ChannelWebhook: true, ChannelSystem: true,
}

// ParseChannel validates a channel name. Unknown names return ok=false.
func ParseChannel(name string) (Channel, bool) {
	c := Channel(name)
	return c, validChannels[c]
}

// IsInternalChannel reports whether a channel never receives welcome hints
// or outbound dispatch through external adapters.
func IsInternalChannel(c Channel) bool {
	return c == ChannelCLI || c == ChannelSystem
}

// InboundMessage is a message received from a channel adapter.
// It is immutable once published: adapters build it, the orchestrator
// consumes it exactly once.
type InboundMessage struct {
	Channel   Channel           `json:"channel"`
	SenderID  string            `json:"sender_id"`
	ChatID    string            `json:"chat_id"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Media     []string          `json:"media,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// SessionKey derives the base session key: "{channel}:{chat_id}".
// Alias resolution on top of this key is the memory store's job.
func (m InboundMessage) SessionKey() string {
	return string(m.Channel) + ":" + m.ChatID
}

// OutboundMessage is a message to deliver to a channel adapter.
//
// The streaming protocol uses two mutually exclusive flags: IsStreamChunk
// marks a partial delta (subsequent chunks append), IsStreamEnd marks the
// end of a stream and carries no content. A message with neither flag is a
// standalone send.
type OutboundMessage struct {
	Channel       Channel           `json:"channel"`
	ChatID        string            `json:"chat_id"`
	Content       string            `json:"content"`
	Media         []string          `json:"media,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	IsStreamChunk bool              `json:"is_stream_chunk,omitempty"`
	IsStreamEnd   bool              `json:"is_stream_end,omitempty"`
}

// System event types emitted by the orchestrator for observers (UI, log).
const (
	EventThinking     = "thinking"
	EventThinkingDone = "thinking_done"
	EventToolStart    = "tool_start"
	EventToolResult   = "tool_result"
	EventError        = "error"
	EventAuditEntry   = "audit_entry"
	EventHealthUpdate = "health_update"
)

// SystemEvent is an engine-side event broadcast to system subscribers.
type SystemEvent struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewSystemEvent builds a timestamped system event.
func NewSystemEvent(eventType string, data map[string]any) SystemEvent {
	return SystemEvent{Type: eventType, Data: data, Timestamp: time.Now().UTC()}
}
