package channels

import (
	"strings"
	"sync"

	"golang.org/x/time/rate"
)

// defaultEditInterval paces placeholder edits. Providers throttle message
// edits hard; one edit every 1.5s keeps the preview live without tripping
// their limits.
const defaultEditInterval = 1500 // milliseconds

type streamState struct {
	text    strings.Builder
	limiter *rate.Limiter
}

// StreamBuffer accumulates stream chunks per chat for edit-based adapters:
// each chunk appends to the running text, and Append reports when the
// adapter should refresh its placeholder message.
type StreamBuffer struct {
	mu    sync.Mutex
	chats map[string]*streamState
	every rate.Limit
}

// NewStreamBuffer creates a buffer with the given minimum milliseconds
// between edits (0 = default 1500).
func NewStreamBuffer(editIntervalMillis int) *StreamBuffer {
	if editIntervalMillis <= 0 {
		editIntervalMillis = defaultEditInterval
	}
	return &StreamBuffer{
		chats: make(map[string]*streamState),
		every: rate.Limit(1000.0 / float64(editIntervalMillis)),
	}
}

// Append adds a chunk to a chat's running text. It returns the full text
// so far and whether the adapter should edit its placeholder now.
func (b *StreamBuffer) Append(chatID, delta string) (fullText string, shouldEdit bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.chats[chatID]
	if !ok {
		st = &streamState{limiter: rate.NewLimiter(b.every, 1)}
		b.chats[chatID] = st
	}
	st.text.WriteString(delta)
	return st.text.String(), st.limiter.Allow()
}

// Text returns the accumulated text without consuming edit budget.
func (b *StreamBuffer) Text(chatID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.chats[chatID]; ok {
		return st.text.String()
	}
	return ""
}

// Finish returns the final text and drops the chat's state.
func (b *StreamBuffer) Finish(chatID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.chats[chatID]
	if !ok {
		return ""
	}
	delete(b.chats, chatID)
	return st.text.String()
}

// Active reports whether a stream is open for the chat.
func (b *StreamBuffer) Active(chatID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.chats[chatID]
	return ok
}

// SplitMessage breaks text into pieces no longer than max runes, cutting
// at newlines when possible, then at spaces, then mid-word as a last
// resort. Providers cap message length (Telegram 4096, Discord 2000).
func SplitMessage(text string, max int) []string {
	if max <= 0 || len([]rune(text)) <= max {
		return []string{text}
	}

	var parts []string
	runes := []rune(text)
	for len(runes) > max {
		cut := max
		window := string(runes[:max])
		if i := strings.LastIndex(window, "\n"); i > max/2 {
			cut = len([]rune(window[:i]))
		} else if i := strings.LastIndex(window, " "); i > max/2 {
			cut = len([]rune(window[:i]))
		}
		parts = append(parts, strings.TrimRight(string(runes[:cut]), "\n "))
		runes = []rune(strings.TrimLeft(string(runes[cut:]), "\n "))
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
