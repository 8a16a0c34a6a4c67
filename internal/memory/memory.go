// Package memory implements the layered memory store behind the
// conversation engine: persistent long-term facts, chronological daily
// notes, and per-session message logs with an index and alias table.
//
// The canonical backend is file-based under ~/.pocketpaw/memory (Markdown
// for facts, JSON for sessions); a semantic backend layers embedding-based
// retrieval on top of it.
package memory

import (
	"context"
	"time"
)

// EntryType selects a memory tier.
type EntryType string

const (
	TypeLongTerm EntryType = "long_term"
	TypeDaily    EntryType = "daily"
	TypeSession  EntryType = "session"
)

// Entry is one unit of stored memory.
type Entry struct {
	ID         string            `json:"id"`
	Type       EntryType         `json:"type"`
	Content    string            `json:"content"`
	Role       string            `json:"role,omitempty"`        // session only: user|assistant|system
	SessionKey string            `json:"session_key,omitempty"` // session only
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	Tags       []string          `json:"tags,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"` // header, user_id, source
}

// Message is a role/content pair used for history and compaction.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SessionInfo is the index record for one session.
type SessionInfo struct {
	Key          string    `json:"key"`
	Title        string    `json:"title"`
	Channel      string    `json:"channel"`
	Created      time.Time `json:"created"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
	Preview      string    `json:"preview"`
	UserTitle    bool      `json:"user_title,omitempty"` // set on rename; blocks auto-overwrite
}

// CompactionOptions tunes GetCompactedHistory.
type CompactionOptions struct {
	RecentWindow int // messages kept verbatim at the tail
	CharBudget   int // hard bound on the returned history's total chars
	SummaryChars int // per-message truncation for the tier-1 summary
	// Summarize, when set, produces a short LLM summary of the older
	// messages (tier 2). Nil falls back to the one-line-per-message tier 1.
	Summarize func(ctx context.Context, older []Message) (string, error)
}

// ScoredResult is one semantic retrieval hit.
type ScoredResult struct {
	Text  string
	Score float32
}

// Store is the backend contract shared by all memory tiers.
type Store interface {
	// Save persists an entry. long_term and daily deduplicate by
	// (source, header, content); session appends. Returns the stable id.
	Save(e Entry) (string, error)
	Get(id string) (*Entry, error)
	Delete(id string) error
	// GetByType lists entries of one tier, newest last. For long_term a
	// non-empty userID restricts results to that scope.
	GetByType(t EntryType, limit int, userID string) ([]Entry, error)

	AddToSession(sessionKey, role, content string, metadata map[string]string) error
	GetSession(sessionKey string) ([]Entry, error)
	// GetSessionHistory returns up to limit most recent messages (0 = all).
	GetSessionHistory(sessionKey string, limit int) ([]Message, error)
	ClearSession(sessionKey string) (int, error)
	DeleteSession(sessionKey string) error
	UpdateSessionTitle(sessionKey, title string) error
	SessionInfo(sessionKey string) (SessionInfo, bool)

	Search(query string, t EntryType, tags []string, limit int) ([]Entry, error)

	ResolveSessionAlias(key string) string
	SetSessionAlias(source, target string) error
	RemoveSessionAlias(source string) error
	// SessionKeysForChat lists sessions belonging to a base chat key,
	// sorted by last activity descending.
	SessionKeysForChat(base string) ([]SessionInfo, error)

	GetCompactedHistory(ctx context.Context, sessionKey string, opts CompactionOptions) ([]Message, error)
}

// AutoLearner extracts facts from a completed exchange and merges them into
// long-term memory. Optional: backends that cannot learn skip it.
type AutoLearner interface {
	AutoLearn(ctx context.Context, msgs []Message, senderID string) error
}

// SemanticSearcher retrieves memory by embedding similarity. Optional.
type SemanticSearcher interface {
	SemanticSearch(ctx context.Context, query, userID string, limit int) ([]ScoredResult, error)
}
