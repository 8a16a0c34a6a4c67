package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/pocketpaw/pocketpaw/internal/bus"
)

// Manager owns the adapter set: it starts and stops adapters and routes
// each channel's outbound traffic to its adapter, translating the engine's
// stream protocol into the adapter's delivery policy.
//
// Streaming adapters get OnStreamStart/OnStreamChunk/OnStreamEnd with
// edit pacing; passthrough adapters get the raw chunk and end frames;
// everything else gets one Send with the assembled text when the stream
// ends.
type Manager struct {
	bus *bus.MessageBus

	mu       sync.Mutex
	adapters map[bus.Channel]Adapter
	buffers  map[bus.Channel]*StreamBuffer
	started  bool
}

// NewManager creates an empty adapter manager.
func NewManager(msgBus *bus.MessageBus) *Manager {
	return &Manager{
		bus:      msgBus,
		adapters: make(map[bus.Channel]Adapter),
		buffers:  make(map[bus.Channel]*StreamBuffer),
	}
}

// Register adds an adapter. Must be called before StartAll.
func (m *Manager) Register(a Adapter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("channels: register %s after start", a.Name())
	}
	if _, dup := m.adapters[a.Name()]; dup {
		return fmt.Errorf("channels: adapter %s registered twice", a.Name())
	}
	m.adapters[a.Name()] = a
	m.buffers[a.Name()] = NewStreamBuffer(0)
	return nil
}

// Adapters lists registered adapters.
func (m *Manager) Adapters() []Adapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		out = append(out, a)
	}
	return out
}

// StartAll starts every adapter concurrently and subscribes each to its
// channel's outbound traffic. An adapter that fails to start is skipped
// with an error log; the rest still run. Returns once all are up.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	m.started = true
	adapters := make([]Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, a := range adapters {
		adapter := a
		g.Go(func() error {
			if err := adapter.Start(ctx); err != nil {
				slog.Error("channel start failed", "channel", adapter.Name(), "error", err)
				return err
			}
			name := adapter.Name()
			m.bus.SubscribeOutbound(name, "manager:"+string(name), func(msg bus.OutboundMessage) {
				m.dispatch(ctx, adapter, msg)
			})
			slog.Info("channel started", "channel", name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		slog.Warn("not all channels started", "error", err)
	}
}

// StopAll unsubscribes and stops every adapter. Called before the bus
// closes so no in-flight publish is lost mid-fan-out.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	adapters := make([]Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.mu.Unlock()

	for _, a := range adapters {
		m.bus.UnsubscribeOutbound(a.Name(), "manager:"+string(a.Name()))
		if err := a.Stop(ctx); err != nil {
			slog.Warn("channel stop failed", "channel", a.Name(), "error", err)
		} else {
			slog.Info("channel stopped", "channel", a.Name())
		}
	}
}

// dispatch renders one outbound message through the adapter's delivery
// policy.
func (m *Manager) dispatch(ctx context.Context, a Adapter, msg bus.OutboundMessage) {
	if pt, ok := a.(PassthroughAdapter); ok && (msg.IsStreamChunk || msg.IsStreamEnd) {
		if err := pt.SendStream(ctx, msg); err != nil {
			slog.Warn("stream passthrough failed", "channel", a.Name(), "error", err)
		}
		return
	}

	m.mu.Lock()
	buf := m.buffers[a.Name()]
	m.mu.Unlock()

	streaming, isStreaming := a.(StreamingAdapter)

	switch {
	case msg.IsStreamChunk:
		first := !buf.Active(msg.ChatID)
		full, shouldEdit := buf.Append(msg.ChatID, msg.Content)
		if !isStreaming {
			return // batched on stream end
		}
		if first {
			if err := streaming.OnStreamStart(ctx, msg.ChatID); err != nil {
				slog.Warn("stream start failed", "channel", a.Name(), "error", err)
			}
		}
		if shouldEdit {
			if err := streaming.OnStreamChunk(ctx, msg.ChatID, full); err != nil {
				slog.Warn("stream edit failed", "channel", a.Name(), "error", err)
			}
		}

	case msg.IsStreamEnd:
		final := buf.Finish(msg.ChatID)
		if isStreaming {
			if err := streaming.OnStreamEnd(ctx, msg.ChatID, final); err != nil {
				slog.Warn("stream end failed", "channel", a.Name(), "error", err)
			}
			return
		}
		if final == "" {
			return
		}
		out := msg
		out.Content = final
		out.IsStreamEnd = false
		if err := a.Send(ctx, out); err != nil {
			slog.Error("send failed", "channel", a.Name(), "chat_id", msg.ChatID, "error", err)
		}

	default:
		if err := a.Send(ctx, msg); err != nil {
			slog.Error("send failed", "channel", a.Name(), "chat_id", msg.ChatID, "error", err)
		}
	}
}
