package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func fillSession(t *testing.T, s *FileStore, key string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if err := s.AddToSession(key, role, fmt.Sprintf("turn %d", i), nil); err != nil {
			t.Fatalf("AddToSession(%d): %v", i, err)
		}
	}
}

func TestCompactionBelowWindowIsVerbatim(t *testing.T) {
	s := newTestStore(t)
	key := "telegram:1"
	fillSession(t, s, key, 5)

	got, err := s.GetCompactedHistory(context.Background(), key, CompactionOptions{RecentWindow: 10})
	if err != nil {
		t.Fatalf("GetCompactedHistory: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d messages, want 5", len(got))
	}
	for i, m := range got {
		if want := fmt.Sprintf("turn %d", i); m.Content != want {
			t.Errorf("message %d = %q, want %q", i, m.Content, want)
		}
	}
}

func TestCompactionDigestsOlderMessages(t *testing.T) {
	s := newTestStore(t)
	key := "telegram:1"
	fillSession(t, s, key, 12)

	got, err := s.GetCompactedHistory(context.Background(), key, CompactionOptions{RecentWindow: 4})
	if err != nil {
		t.Fatalf("GetCompactedHistory: %v", err)
	}
	// One digest message plus the recent window.
	if len(got) != 5 {
		t.Fatalf("got %d messages, want 5", len(got))
	}
	head := got[0]
	if head.Role != "user" {
		t.Errorf("summary role = %q, want user", head.Role)
	}
	if !strings.HasPrefix(head.Content, "[Earlier conversation]\n") {
		t.Errorf("summary lacks earlier-conversation prefix: %q", head.Content)
	}
	if !strings.Contains(head.Content, "turn 0") || strings.Contains(head.Content, "turn 8") {
		t.Errorf("digest covers wrong range: %q", head.Content)
	}
	for i, m := range got[1:] {
		if want := fmt.Sprintf("turn %d", 8+i); m.Content != want {
			t.Errorf("recent %d = %q, want %q", i, m.Content, want)
		}
	}
}

func TestCompactionLLMSummaryCached(t *testing.T) {
	s := newTestStore(t)
	key := "telegram:1"
	fillSession(t, s, key, 10)

	calls := 0
	opts := CompactionOptions{
		RecentWindow: 4,
		Summarize: func(ctx context.Context, older []Message) (string, error) {
			calls++
			return fmt.Sprintf("Summary of %d messages.", len(older)), nil
		},
	}

	got, err := s.GetCompactedHistory(context.Background(), key, opts)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if calls != 1 {
		t.Fatalf("summarizer ran %d times, want 1", calls)
	}
	if got[0].Content != "[Earlier conversation]\nSummary of 6 messages." {
		t.Errorf("summary message = %q", got[0].Content)
	}

	// Same log length: the cached summary is reused.
	if _, err := s.GetCompactedHistory(context.Background(), key, opts); err != nil {
		t.Fatalf("second call: %v", err)
	}
	if calls != 1 {
		t.Errorf("summarizer re-ran on unchanged log: %d calls", calls)
	}

	// An append invalidates the cache.
	if err := s.AddToSession(key, "user", "one more", nil); err != nil {
		t.Fatalf("AddToSession: %v", err)
	}
	if _, err := s.GetCompactedHistory(context.Background(), key, opts); err != nil {
		t.Fatalf("third call: %v", err)
	}
	if calls != 2 {
		t.Errorf("summarizer did not re-run after append: %d calls", calls)
	}
}

func TestCompactionSummarizerFailureDegradesToDigest(t *testing.T) {
	s := newTestStore(t)
	key := "telegram:1"
	fillSession(t, s, key, 10)

	opts := CompactionOptions{
		RecentWindow: 4,
		Summarize: func(ctx context.Context, older []Message) (string, error) {
			return "", errors.New("model unavailable")
		},
	}
	got, err := s.GetCompactedHistory(context.Background(), key, opts)
	if err != nil {
		t.Fatalf("GetCompactedHistory: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("got %d messages, want 5", len(got))
	}
	if !strings.Contains(got[0].Content, "turn 0") {
		t.Errorf("digest fallback missing: %q", got[0].Content)
	}
}

func TestCompactionCharBudget(t *testing.T) {
	s := newTestStore(t)
	key := "telegram:1"
	long := strings.Repeat("x", 400)
	for i := 0; i < 6; i++ {
		if err := s.AddToSession(key, "user", long, nil); err != nil {
			t.Fatalf("AddToSession: %v", err)
		}
	}

	got, err := s.GetCompactedHistory(context.Background(), key, CompactionOptions{
		RecentWindow: 10,
		CharBudget:   1000,
	})
	if err != nil {
		t.Fatalf("GetCompactedHistory: %v", err)
	}
	total := 0
	for _, m := range got {
		total += len(m.Content)
	}
	if total > 1000 {
		t.Errorf("total %d chars exceeds the 1000 budget", total)
	}
	if len(got) == 0 {
		t.Fatal("budget dropped everything")
	}
	// The newest message is always the last one kept.
	if got[len(got)-1].Content != long {
		t.Errorf("most recent message missing from tail")
	}
}

func TestFitBudgetTruncatesLastResort(t *testing.T) {
	msgs := []Message{{Role: "user", Content: strings.Repeat("word ", 100)}}
	got := fitBudget(msgs, 50)
	if len(got) != 1 {
		t.Fatalf("got %d messages, want 1", len(got))
	}
	if len(got[0].Content) > 55 {
		t.Errorf("oversized single message not truncated: %d chars", len(got[0].Content))
	}
}

func TestTruncateWordBoundary(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"alpha beta gamma delta", 12, "alpha beta…"},
		{"nospacesatallhere", 8, "nospaces…"},
	}
	for _, tt := range tests {
		if got := truncateWordBoundary(tt.in, tt.n); got != tt.want {
			t.Errorf("truncateWordBoundary(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
