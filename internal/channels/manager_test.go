package channels

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/pocketpaw/pocketpaw/internal/bus"
)

// batchAdapter only supports Send; streams arrive as one assembled message.
type batchAdapter struct {
	*BaseAdapter
	mu    sync.Mutex
	sends []bus.OutboundMessage
}

func newBatchAdapter(name bus.Channel) *batchAdapter {
	return &batchAdapter{BaseAdapter: NewBaseAdapter(name, nil, nil)}
}

func (a *batchAdapter) Start(context.Context) error { a.SetRunning(true); return nil }
func (a *batchAdapter) Stop(context.Context) error  { a.SetRunning(false); return nil }

func (a *batchAdapter) Send(_ context.Context, msg bus.OutboundMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sends = append(a.sends, msg)
	return nil
}

func (a *batchAdapter) sent() []bus.OutboundMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]bus.OutboundMessage(nil), a.sends...)
}

// editAdapter records the streaming callbacks.
type editAdapter struct {
	*batchAdapter
	mu     sync.Mutex
	starts []string
	edits  []string
	finals []string
}

func newEditAdapter(name bus.Channel) *editAdapter {
	return &editAdapter{batchAdapter: newBatchAdapter(name)}
}

func (a *editAdapter) OnStreamStart(_ context.Context, chatID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.starts = append(a.starts, chatID)
	return nil
}

func (a *editAdapter) OnStreamChunk(_ context.Context, _, fullText string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.edits = append(a.edits, fullText)
	return nil
}

func (a *editAdapter) OnStreamEnd(_ context.Context, _, finalText string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finals = append(a.finals, finalText)
	return nil
}

// rawAdapter consumes the stream protocol natively.
type rawAdapter struct {
	*batchAdapter
	mu     sync.Mutex
	frames []bus.OutboundMessage
}

func newRawAdapter(name bus.Channel) *rawAdapter {
	return &rawAdapter{batchAdapter: newBatchAdapter(name)}
}

func (a *rawAdapter) SendStream(_ context.Context, msg bus.OutboundMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.frames = append(a.frames, msg)
	return nil
}

func chunk(ch bus.Channel, chatID, content string) bus.OutboundMessage {
	return bus.OutboundMessage{Channel: ch, ChatID: chatID, Content: content, IsStreamChunk: true}
}

func streamEnd(ch bus.Channel, chatID string) bus.OutboundMessage {
	return bus.OutboundMessage{Channel: ch, ChatID: chatID, IsStreamEnd: true}
}

func TestDispatchBatchAdapterAssemblesStream(t *testing.T) {
	m := NewManager(bus.New())
	a := newBatchAdapter(bus.ChannelWhatsApp)
	if err := m.Register(a); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx := context.Background()

	m.dispatch(ctx, a, chunk(bus.ChannelWhatsApp, "1", "Hello "))
	m.dispatch(ctx, a, chunk(bus.ChannelWhatsApp, "1", "world."))
	if len(a.sent()) != 0 {
		t.Fatalf("batch adapter sent mid-stream: %v", a.sent())
	}

	m.dispatch(ctx, a, streamEnd(bus.ChannelWhatsApp, "1"))
	sends := a.sent()
	if len(sends) != 1 {
		t.Fatalf("got %d sends, want 1", len(sends))
	}
	if sends[0].Content != "Hello world." {
		t.Errorf("assembled text = %q", sends[0].Content)
	}
	if sends[0].IsStreamEnd || sends[0].IsStreamChunk {
		t.Errorf("assembled send still carries stream flags: %+v", sends[0])
	}
}

func TestDispatchBatchAdapterEmptyStreamSendsNothing(t *testing.T) {
	m := NewManager(bus.New())
	a := newBatchAdapter(bus.ChannelWhatsApp)
	if err := m.Register(a); err != nil {
		t.Fatalf("Register: %v", err)
	}

	m.dispatch(context.Background(), a, streamEnd(bus.ChannelWhatsApp, "1"))
	if len(a.sent()) != 0 {
		t.Errorf("empty stream produced sends: %v", a.sent())
	}
}

func TestDispatchStreamingAdapterEditsPlaceholder(t *testing.T) {
	m := NewManager(bus.New())
	a := newEditAdapter(bus.ChannelTelegram)
	if err := m.Register(a); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx := context.Background()

	m.dispatch(ctx, a, chunk(bus.ChannelTelegram, "1", "Hello "))
	m.dispatch(ctx, a, chunk(bus.ChannelTelegram, "1", "world."))
	m.dispatch(ctx, a, streamEnd(bus.ChannelTelegram, "1"))

	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.starts) != 1 || a.starts[0] != "1" {
		t.Errorf("starts = %v, want one for chat 1", a.starts)
	}
	// The first chunk passes the edit pacer; later ones may be throttled.
	if len(a.edits) == 0 || !strings.HasPrefix(a.edits[0], "Hello") {
		t.Errorf("edits = %v", a.edits)
	}
	if len(a.finals) != 1 || a.finals[0] != "Hello world." {
		t.Errorf("finals = %v, want the full text", a.finals)
	}
	if len(a.sends) != 0 {
		t.Errorf("streaming adapter also got Send: %v", a.sends)
	}
}

func TestDispatchPassthroughForwardsFrames(t *testing.T) {
	m := NewManager(bus.New())
	a := newRawAdapter(bus.ChannelWebSocket)
	if err := m.Register(a); err != nil {
		t.Fatalf("Register: %v", err)
	}
	ctx := context.Background()

	m.dispatch(ctx, a, chunk(bus.ChannelWebSocket, "1", "delta-1"))
	m.dispatch(ctx, a, chunk(bus.ChannelWebSocket, "1", "delta-2"))
	m.dispatch(ctx, a, streamEnd(bus.ChannelWebSocket, "1"))

	a.mu.Lock()
	frames := append([]bus.OutboundMessage(nil), a.frames...)
	a.mu.Unlock()
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3", len(frames))
	}
	if !frames[0].IsStreamChunk || frames[0].Content != "delta-1" {
		t.Errorf("frame 0 = %+v", frames[0])
	}
	if !frames[2].IsStreamEnd {
		t.Errorf("frame 2 = %+v", frames[2])
	}
	if len(a.sent()) != 0 {
		t.Errorf("passthrough adapter also got Send: %v", a.sent())
	}

	// Standalone messages still go through Send.
	m.dispatch(ctx, a, bus.OutboundMessage{Channel: bus.ChannelWebSocket, ChatID: "1", Content: "plain"})
	if sends := a.sent(); len(sends) != 1 || sends[0].Content != "plain" {
		t.Errorf("standalone send = %v", sends)
	}
}

func TestRegisterGuards(t *testing.T) {
	m := NewManager(bus.New())
	a := newBatchAdapter(bus.ChannelTelegram)
	if err := m.Register(a); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register(newBatchAdapter(bus.ChannelTelegram)); err == nil {
		t.Error("duplicate registration accepted")
	}

	m.StartAll(context.Background())
	if err := m.Register(newBatchAdapter(bus.ChannelDiscord)); err == nil {
		t.Error("registration after start accepted")
	}
}

type failAdapter struct{ *batchAdapter }

func (a *failAdapter) Start(context.Context) error { return errors.New("provider handshake failed") }

func TestStartAllContinuesPastFailure(t *testing.T) {
	msgBus := bus.New()
	defer msgBus.Close()
	m := NewManager(msgBus)

	bad := &failAdapter{newBatchAdapter(bus.ChannelDiscord)}
	good := newBatchAdapter(bus.ChannelTelegram)
	for _, a := range []Adapter{bad, good} {
		if err := m.Register(a); err != nil {
			t.Fatalf("Register(%s): %v", a.Name(), err)
		}
	}

	m.StartAll(context.Background())
	if !good.IsRunning() {
		t.Error("healthy adapter not started after a sibling failed")
	}
	if bad.IsRunning() {
		t.Error("failed adapter reports running")
	}
}

func TestStartStopRoundTrip(t *testing.T) {
	msgBus := bus.New()
	defer msgBus.Close()
	m := NewManager(msgBus)
	a := newBatchAdapter(bus.ChannelTelegram)
	if err := m.Register(a); err != nil {
		t.Fatalf("Register: %v", err)
	}

	ctx := context.Background()
	m.StartAll(ctx)
	if !a.IsRunning() {
		t.Error("adapter not running after StartAll")
	}
	m.StopAll(ctx)
	if a.IsRunning() {
		t.Error("adapter still running after StopAll")
	}
}
