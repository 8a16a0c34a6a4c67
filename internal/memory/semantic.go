package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/philippgille/chromem-go"
)

// Fact is one unit of knowledge extracted from a conversation.
type Fact struct {
	Header  string
	Content string
	Tags    []string
}

// ExtractorFunc mines durable facts from a completed exchange. Typically
// backed by the configured LLM; the zero value disables auto-learn.
type ExtractorFunc func(ctx context.Context, msgs []Message) ([]Fact, error)

// SemanticStore layers embedding-based retrieval over a base Store. Every
// long-term fact saved through it is also indexed in a chromem collection;
// SemanticSearch queries by vector similarity scoped to one user.
type SemanticStore struct {
	Store

	db         *chromem.DB
	collection *chromem.Collection
	extract    ExtractorFunc
}

// NewSemanticStore opens (or creates) the vector index at dir and wires it
// to the base store. embed converts text to vectors, e.g. an OpenAI-compat
// embedding endpoint via chromem.NewEmbeddingFuncOpenAICompat.
func NewSemanticStore(base Store, dir string, embed chromem.EmbeddingFunc, extract ExtractorFunc) (*SemanticStore, error) {
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("memory: open vector db: %w", err)
	}
	coll, err := db.GetOrCreateCollection("memory", nil, embed)
	if err != nil {
		return nil, fmt.Errorf("memory: open vector collection: %w", err)
	}
	return &SemanticStore{
		Store:      base,
		db:         db,
		collection: coll,
		extract:    extract,
	}, nil
}

// Save persists through the base store and mirrors long_term entries into
// the vector index. Index failures are logged, never fatal: the Markdown
// file stays the source of truth.
func (s *SemanticStore) Save(e Entry) (string, error) {
	id, err := s.Store.Save(e)
	if err != nil {
		return "", err
	}
	if e.Type == TypeLongTerm {
		s.index(context.Background(), id, e)
	}
	return id, nil
}

// Delete removes from both the base store and the vector index.
func (s *SemanticStore) Delete(id string) error {
	if err := s.Store.Delete(id); err != nil {
		return err
	}
	if err := s.collection.Delete(context.Background(), nil, nil, id); err != nil {
		slog.Warn("vector index delete failed", "id", id, "error", err)
	}
	return nil
}

// SemanticSearch retrieves up to limit entries similar to query within one
// user's scope.
func (s *SemanticStore) SemanticSearch(ctx context.Context, query, userID string, limit int) ([]ScoredResult, error) {
	if limit <= 0 {
		limit = 5
	}
	scope := userID
	if scope == "" {
		scope = OwnerScope
	}
	if n := s.collection.Count(); n < limit {
		if n == 0 {
			return nil, nil
		}
		limit = n
	}
	results, err := s.collection.Query(ctx, query, limit, map[string]string{"user_id": scope}, nil)
	if err != nil {
		return nil, fmt.Errorf("memory: semantic query: %w", err)
	}
	out := make([]ScoredResult, 0, len(results))
	for _, r := range results {
		out = append(out, ScoredResult{Text: r.Content, Score: r.Similarity})
	}
	return out, nil
}

// AutoLearn extracts facts from a finished exchange and merges them into
// the sender's long-term memory. Dedupe in the base store makes repeat
// learning idempotent.
func (s *SemanticStore) AutoLearn(ctx context.Context, msgs []Message, senderID string) error {
	if s.extract == nil || len(msgs) == 0 {
		return nil
	}
	facts, err := s.extract(ctx, msgs)
	if err != nil {
		return fmt.Errorf("memory: fact extraction: %w", err)
	}
	scope := senderID
	if scope == "" {
		scope = OwnerScope
	}
	if err := saveFacts(s, facts, scope); err != nil {
		return err
	}
	if len(facts) > 0 {
		slog.Debug("auto-learned facts", "count", len(facts), "scope", scope)
	}
	return nil
}

// saveFacts merges extracted facts into a store's long-term memory under
// one scope. Blank facts are skipped; stable ids dedupe repeats.
func saveFacts(s Store, facts []Fact, scope string) error {
	for _, f := range facts {
		if strings.TrimSpace(f.Content) == "" {
			continue
		}
		_, err := s.Save(Entry{
			Type:    TypeLongTerm,
			Content: f.Content,
			Tags:    f.Tags,
			Metadata: map[string]string{
				"header":  f.Header,
				"user_id": scope,
				"source":  "auto_learn",
			},
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *SemanticStore) index(ctx context.Context, id string, e Entry) {
	scope := e.Metadata["user_id"]
	if scope == "" {
		scope = OwnerScope
	}
	text := e.Content
	if h := e.Metadata["header"]; h != "" {
		text = h + "\n" + text
	}
	err := s.collection.AddDocument(ctx, chromem.Document{
		ID:       id,
		Content:  text,
		Metadata: map[string]string{"user_id": scope},
	})
	if err != nil {
		slog.Warn("vector index add failed", "id", id, "error", err)
	}
}
