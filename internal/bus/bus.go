// Package bus decouples channel adapters from the conversation engine.
//
// Inbound messages flow through a single bounded FIFO with exactly one
// consumer (the orchestrator). Outbound messages fan out per channel to any
// number of subscribers; system events fan out globally. Each subscriber
// owns a buffered queue drained by its own goroutine, so publication order
// is preserved per subscriber and a misbehaving callback cannot stall the
// publisher or its siblings.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInboundCapacity bounds the inbound queue. A full queue applies
// backpressure to adapters; nothing is dropped silently.
const DefaultInboundCapacity = 1000

// subscriberQueueSize bounds each outbound/system subscriber's private
// queue. Overflow is logged and the oldest semantics kept (new message
// dropped) so one slow subscriber never blocks the dispatch path.
const subscriberQueueSize = 256

// OutboundHandler receives outbound messages for a subscribed channel.
type OutboundHandler func(OutboundMessage)

// SystemHandler receives system events.
type SystemHandler func(SystemEvent)

type outboundSub struct {
	id    string
	queue chan OutboundMessage
	stop  chan struct{}
}

type systemSub struct {
	id    string
	queue chan SystemEvent
	stop  chan struct{}
}

// MessageBus routes messages between adapters and the orchestrator.
type MessageBus struct {
	inbound chan InboundMessage

	mu       sync.RWMutex
	outbound map[Channel][]*outboundSub
	system   []*systemSub
	closed   bool
}

// New creates a message bus with the default inbound capacity.
func New() *MessageBus {
	return NewWithCapacity(DefaultInboundCapacity)
}

// NewWithCapacity creates a message bus with a custom inbound capacity.
func NewWithCapacity(capacity int) *MessageBus {
	if capacity <= 0 {
		capacity = DefaultInboundCapacity
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, capacity),
		outbound: make(map[Channel][]*outboundSub),
	}
}

// PublishInbound enqueues an inbound message. Blocks when the queue is full
// until space frees up or ctx is cancelled; messages are never silently
// dropped.
func (b *MessageBus) PublishInbound(ctx context.Context, msg InboundMessage) error {
	select {
	case b.inbound <- msg:
		return nil
	default:
	}
	slog.Warn("bus: inbound queue full, applying backpressure",
		"channel", msg.Channel, "chat_id", msg.ChatID)
	select {
	case b.inbound <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPublishInbound enqueues without blocking. Returns false when the queue
// is full so the adapter can decide to drop or retry the provider event.
func (b *MessageBus) TryPublishInbound(msg InboundMessage) bool {
	select {
	case b.inbound <- msg:
		return true
	default:
		return false
	}
}

// ConsumeInbound returns the next inbound message, waiting up to timeout.
// Exactly-once delivery to the single consumer; ok=false on timeout or
// context cancellation.
func (b *MessageBus) ConsumeInbound(ctx context.Context, timeout time.Duration) (InboundMessage, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-timer.C:
		return InboundMessage{}, false
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

// InboundDepth reports the number of queued inbound messages.
func (b *MessageBus) InboundDepth() int { return len(b.inbound) }

// SubscribeOutbound registers a handler for one channel's outbound traffic.
// The handler runs on a dedicated goroutine; panics are recovered and
// logged so one subscriber cannot poison the others.
func (b *MessageBus) SubscribeOutbound(channel Channel, id string, fn OutboundHandler) {
	sub := &outboundSub{
		id:    id,
		queue: make(chan OutboundMessage, subscriberQueueSize),
		stop:  make(chan struct{}),
	}

	b.mu.Lock()
	b.outbound[channel] = append(b.outbound[channel], sub)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.stop:
				return
			case msg := <-sub.queue:
				deliverOutbound(id, fn, msg)
			}
		}
	}()
}

func deliverOutbound(id string, fn OutboundHandler, msg OutboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus: outbound subscriber panicked",
				"subscriber", id, "channel", msg.Channel, "panic", r)
		}
	}()
	fn(msg)
}

// UnsubscribeOutbound removes a handler. The subscriber's goroutine exits;
// queued-but-undelivered messages for it are discarded.
func (b *MessageBus) UnsubscribeOutbound(channel Channel, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.outbound[channel]
	for i, sub := range subs {
		if sub.id == id {
			close(sub.stop)
			b.outbound[channel] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// PublishOutbound fans a message out to every subscriber of msg.Channel.
// Per-channel publication order is preserved per subscriber.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.mu.RLock()
	subs := make([]*outboundSub, len(b.outbound[msg.Channel]))
	copy(subs, b.outbound[msg.Channel])
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.queue <- msg:
		case <-sub.stop:
		default:
			slog.Warn("bus: outbound subscriber queue full, dropping",
				"subscriber", sub.id, "channel", msg.Channel)
		}
	}
}

// BroadcastOutbound fans a copy of msg to every subscribed channel except
// exclude. The copy keeps each channel's delivery independent.
func (b *MessageBus) BroadcastOutbound(msg OutboundMessage, exclude Channel) {
	b.mu.RLock()
	channels := make([]Channel, 0, len(b.outbound))
	for ch := range b.outbound {
		if ch != exclude && len(b.outbound[ch]) > 0 {
			channels = append(channels, ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range channels {
		cp := msg
		cp.Channel = ch
		b.PublishOutbound(cp)
	}
}

// SubscribeSystem registers a system-event handler.
func (b *MessageBus) SubscribeSystem(id string, fn SystemHandler) {
	sub := &systemSub{
		id:    id,
		queue: make(chan SystemEvent, subscriberQueueSize),
		stop:  make(chan struct{}),
	}

	b.mu.Lock()
	b.system = append(b.system, sub)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.stop:
				return
			case evt := <-sub.queue:
				deliverSystem(id, fn, evt)
			}
		}
	}()
}

func deliverSystem(id string, fn SystemHandler, evt SystemEvent) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus: system subscriber panicked",
				"subscriber", id, "event", evt.Type, "panic", r)
		}
	}()
	fn(evt)
}

// UnsubscribeSystem removes a system-event handler.
func (b *MessageBus) UnsubscribeSystem(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.system {
		if sub.id == id {
			close(sub.stop)
			b.system = append(b.system[:i], b.system[i+1:]...)
			return
		}
	}
}

// PublishSystem fans an event out to all system subscribers in order.
func (b *MessageBus) PublishSystem(evt SystemEvent) {
	b.mu.RLock()
	subs := make([]*systemSub, len(b.system))
	copy(subs, b.system)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.queue <- evt:
		case <-sub.stop:
		default:
			slog.Warn("bus: system subscriber queue full, dropping",
				"subscriber", sub.id, "event", evt.Type)
		}
	}
}

// Close stops all subscriber goroutines. Adapters must stop publishing
// before Close so no in-flight fan-out is lost.
func (b *MessageBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.outbound {
		for _, sub := range subs {
			close(sub.stop)
		}
	}
	b.outbound = make(map[Channel][]*outboundSub)
	for _, sub := range b.system {
		close(sub.stop)
	}
	b.system = nil
}
