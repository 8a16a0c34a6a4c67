package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

const (
	// DefaultRecentWindow is how many trailing messages survive compaction
	// verbatim.
	DefaultRecentWindow = 20
	// DefaultCharBudget bounds the total characters handed to the prompt.
	DefaultCharBudget = 24000
	// DefaultSummaryChars bounds each older message's one-line digest.
	DefaultSummaryChars = 120

	earlierPrefix = "[Earlier conversation]\n"
)

// compactionCache persists a summary of the log prefix so the summarizer is
// not re-run on every turn. The watermark is the total log length the
// summary was computed at; any append invalidates it.
type compactionCache struct {
	Watermark  int    `json:"watermark"`
	Summary    string `json:"summary"`
	OlderCount int    `json:"older_count"`
}

// GetCompactedHistory returns the session history shaped to fit a prompt:
// the last RecentWindow messages verbatim, anything older collapsed into a
// single system message, the whole result clipped to CharBudget.
func (s *FileStore) GetCompactedHistory(ctx context.Context, sessionKey string, opts CompactionOptions) ([]Message, error) {
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = DefaultRecentWindow
	}
	if opts.CharBudget <= 0 {
		opts.CharBudget = DefaultCharBudget
	}
	if opts.SummaryChars <= 0 {
		opts.SummaryChars = DefaultSummaryChars
	}

	all, err := s.GetSessionHistory(sessionKey, 0)
	if err != nil {
		return nil, err
	}
	if len(all) <= opts.RecentWindow {
		return fitBudget(all, opts.CharBudget), nil
	}

	older := all[:len(all)-opts.RecentWindow]
	recent := all[len(all)-opts.RecentWindow:]

	summary := s.summarizeOlder(ctx, sessionKey, len(all), older, opts)
	out := make([]Message, 0, len(recent)+1)
	if summary != "" {
		out = append(out, Message{Role: "user", Content: earlierPrefix + summary})
	}
	out = append(out, recent...)
	return fitBudget(out, opts.CharBudget), nil
}

// summarizeOlder produces the digest of the pre-window messages, using the
// LLM summarizer when one is configured (with a cached watermark) and a
// one-line-per-message digest otherwise. Summarizer failures degrade to the
// one-line digest; history is never lost to a summary error.
func (s *FileStore) summarizeOlder(ctx context.Context, sessionKey string, total int, older []Message, opts CompactionOptions) string {
	if opts.Summarize == nil {
		return digestMessages(older, opts.SummaryChars)
	}

	cache, _ := s.loadCompactionCache(sessionKey)
	if cache != nil && cache.Watermark == total && cache.Summary != "" {
		return cache.Summary
	}

	summary, err := opts.Summarize(ctx, older)
	if err != nil || strings.TrimSpace(summary) == "" {
		if err != nil {
			slog.Warn("history summarization failed, using digest",
				"session", sessionKey, "error", err)
		}
		return digestMessages(older, opts.SummaryChars)
	}
	summary = strings.TrimSpace(summary)
	s.saveCompactionCache(sessionKey, &compactionCache{
		Watermark:  total,
		Summary:    summary,
		OlderCount: len(older),
	})
	return summary
}

// digestMessages collapses messages into one truncated line each.
func digestMessages(msgs []Message, perLine int) string {
	var b strings.Builder
	for _, m := range msgs {
		line := truncateWordBoundary(strings.TrimSpace(strings.ReplaceAll(m.Content, "\n", " ")), perLine)
		if line == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.Role, line)
	}
	return strings.TrimRight(b.String(), "\n")
}

// truncateWordBoundary clips s to at most n chars, preferring to cut at a
// space.
func truncateWordBoundary(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	cut := string(runes[:n])
	if i := strings.LastIndex(cut, " "); i > n/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "…"
}

// fitBudget drops messages from the front until the total char count fits.
// The most recent message survives even over budget, truncated as a last
// resort.
func fitBudget(msgs []Message, budget int) []Message {
	total := 0
	for _, m := range msgs {
		total += len(m.Content)
	}
	for len(msgs) > 1 && total > budget {
		total -= len(msgs[0].Content)
		msgs = msgs[1:]
	}
	if len(msgs) == 1 && len(msgs[0].Content) > budget {
		msgs[0].Content = truncateWordBoundary(msgs[0].Content, budget)
	}
	return msgs
}

func (s *FileStore) loadCompactionCache(sessionKey string) (*compactionCache, error) {
	data, err := os.ReadFile(s.compactionPath(sessionKey))
	if err != nil {
		return nil, err
	}
	var c compactionCache
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *FileStore) saveCompactionCache(sessionKey string, c *compactionCache) {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return
	}
	if err := atomicWrite(s.compactionPath(sessionKey), data); err != nil {
		slog.Warn("compaction cache write failed", "session", sessionKey, "error", err)
	}
}
