// Package channels connects external messaging surfaces (Telegram,
// Discord, Slack, WhatsApp, WebSocket clients) to the engine's message
// bus. Each adapter authenticates its provider, filters inbound traffic by
// allowlist, and renders the engine's outbound stream in whatever shape
// the provider supports.
package channels

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pocketpaw/pocketpaw/internal/bus"
)

// Adapter is the contract every channel implements.
type Adapter interface {
	// Name returns the channel identifier, e.g. "telegram".
	Name() bus.Channel

	// Start begins listening for provider events. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts the adapter down; no inbound publish may happen after it
	// returns.
	Stop(ctx context.Context) error

	// Send delivers one outbound message to the provider.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning reports whether the adapter is actively processing.
	IsRunning() bool

	// IsAllowed checks a sender against the adapter's allowlist.
	IsAllowed(senderID string) bool
}

// StreamingAdapter is implemented by adapters that can render incremental
// output, e.g. by editing a placeholder message as chunks arrive.
type StreamingAdapter interface {
	Adapter
	OnStreamStart(ctx context.Context, chatID string) error
	OnStreamChunk(ctx context.Context, chatID, fullText string) error
	OnStreamEnd(ctx context.Context, chatID, finalText string) error
}

// PassthroughAdapter is implemented by adapters whose clients consume the
// stream protocol natively: chunk and end frames are forwarded verbatim
// with no buffering or pacing.
type PassthroughAdapter interface {
	Adapter
	SendStream(ctx context.Context, msg bus.OutboundMessage) error
}

// BaseAdapter carries the state every adapter shares. Implementations
// embed it and override the Adapter methods they need.
type BaseAdapter struct {
	name      bus.Channel
	bus       *bus.MessageBus
	running   atomic.Bool
	allowList []string
}

// NewBaseAdapter creates the shared adapter core.
func NewBaseAdapter(name bus.Channel, msgBus *bus.MessageBus, allowList []string) *BaseAdapter {
	return &BaseAdapter{name: name, bus: msgBus, allowList: allowList}
}

func (a *BaseAdapter) Name() bus.Channel { return a.name }

func (a *BaseAdapter) IsRunning() bool { return a.running.Load() }

// SetRunning flips the running flag; adapters call it from Start/Stop.
func (a *BaseAdapter) SetRunning(v bool) { a.running.Store(v) }

// Bus exposes the message bus to the embedding adapter.
func (a *BaseAdapter) Bus() *bus.MessageBus { return a.bus }

// HasAllowList reports whether an allowlist is configured.
func (a *BaseAdapter) HasAllowList() bool { return len(a.allowList) > 0 }

// IsAllowed checks a sender against the allowlist. Supports the compound
// "id|username" form on either side. An empty allowlist admits everyone.
func (a *BaseAdapter) IsAllowed(senderID string) bool {
	if len(a.allowList) == 0 {
		return true
	}

	idPart := senderID
	userPart := ""
	if idx := strings.Index(senderID, "|"); idx > 0 {
		idPart = senderID[:idx]
		userPart = senderID[idx+1:]
	}

	for _, allowed := range a.allowList {
		trimmed := strings.TrimPrefix(strings.TrimSpace(allowed), "@")
		if senderID == allowed || senderID == trimmed ||
			idPart == allowed || idPart == trimmed ||
			(userPart != "" && (userPart == allowed || userPart == trimmed)) {
			return true
		}
	}
	return false
}

// PublishInbound builds and publishes an inbound message, blocking while
// the queue is full.
func (a *BaseAdapter) PublishInbound(ctx context.Context, senderID, chatID, content string, media []string, metadata map[string]string) error {
	return a.bus.PublishInbound(ctx, bus.InboundMessage{
		Channel:   a.name,
		SenderID:  senderID,
		ChatID:    chatID,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Media:     media,
		Metadata:  metadata,
	})
}
