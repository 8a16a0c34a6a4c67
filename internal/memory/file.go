package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore persists memory under a single home directory:
//
//	memory/MEMORY.md                     owner long-term (## header entries)
//	memory/users/<scope>/MEMORY.md       per-scoped-user long-term
//	memory/YYYY-MM-DD.md                 daily notes
//	memory/sessions/<safe_key>.json      ordered session log
//	memory/sessions/<safe_key>_compaction.json   compaction cache
//	memory/sessions/_index.json          session index
//	memory/sessions/_aliases.json        alias table
//
// All file updates go through temp-file + rename so a crash never leaves a
// half-written log behind.
type FileStore struct {
	root    string // the memory/ directory
	ownerID string
	extract ExtractorFunc // nil disables auto-learn

	indexMu sync.Mutex // serializes session-index read-modify-write
	aliasMu sync.Mutex // serializes alias table I/O
	ltMu    sync.Mutex // serializes MEMORY.md rewrites

	writeMu    sync.Mutex           // guards writeLocks
	writeLocks map[string]*fileLock // per-session write locks
}

// fileLock serializes writes to one session's files. refs counts holders
// and waiters so the entry can be removed when idle.
type fileLock struct {
	mu   sync.Mutex
	refs int
}

// NewFileStore opens (creating if needed) a file-backed memory store
// rooted at dir, e.g. ~/.pocketpaw/memory.
func NewFileStore(dir, ownerID string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("memory: empty store directory")
	}
	for _, sub := range []string{"", "users", "sessions"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("memory: create %s: %w", sub, err)
		}
	}
	return &FileStore{
		root:       dir,
		ownerID:    ownerID,
		writeLocks: make(map[string]*fileLock),
	}, nil
}

// SetExtractor enables auto-learn on the file backend. Nil leaves it
// disabled.
func (s *FileStore) SetExtractor(f ExtractorFunc) { s.extract = f }

// AutoLearn extracts facts from a finished exchange and merges them into
// the sender's long-term memory. Stable ids make repeat learning
// idempotent.
func (s *FileStore) AutoLearn(ctx context.Context, msgs []Message, senderID string) error {
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
	return saveFacts(s, facts, scope)
}

// Root returns the store's directory.
func (s *FileStore) Root() string { return s.root }

// OwnerID returns the configured owner id ("" when unscoped).
func (s *FileStore) OwnerID() string { return s.ownerID }

// safeKey maps a session key to a filesystem-safe name: ":" and "/"
// become "_".
func safeKey(key string) string {
	key = strings.ReplaceAll(key, ":", "_")
	return strings.ReplaceAll(key, "/", "_")
}

func (s *FileStore) sessionPath(key string) string {
	return filepath.Join(s.root, "sessions", safeKey(key)+".json")
}

func (s *FileStore) compactionPath(key string) string {
	return filepath.Join(s.root, "sessions", safeKey(key)+"_compaction.json")
}

func (s *FileStore) indexPath() string {
	return filepath.Join(s.root, "sessions", "_index.json")
}

func (s *FileStore) aliasPath() string {
	return filepath.Join(s.root, "sessions", "_aliases.json")
}

// longtermPath returns the MEMORY.md for a scope. The owner scope lives at
// the root; every other scope under users/<scope>/.
func (s *FileStore) longtermPath(scope string) string {
	if scope == "" || scope == OwnerScope {
		return filepath.Join(s.root, "MEMORY.md")
	}
	return filepath.Join(s.root, "users", scope, "MEMORY.md")
}

func (s *FileStore) dailyPath(date string) string {
	return filepath.Join(s.root, date+".md")
}

// lockSession takes the per-key write lock, creating it lazily.
func (s *FileStore) lockSession(key string) *fileLock {
	s.writeMu.Lock()
	l, ok := s.writeLocks[key]
	if !ok {
		l = &fileLock{}
		s.writeLocks[key] = l
	}
	l.refs++
	s.writeMu.Unlock()

	l.mu.Lock()
	return l
}

// unlockSession releases the write lock and drops the map entry once no
// holder or waiter remains.
func (s *FileStore) unlockSession(key string, l *fileLock) {
	l.mu.Unlock()

	s.writeMu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.writeLocks, key)
	}
	s.writeMu.Unlock()
}

// atomicWrite commits data to path via a temp file in the same directory.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".memory-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return os.Chmod(path, 0o600)
}

// stableID derives the id of a long_term/daily entry from its identity
// fields, so re-saving the same fact yields the same id (dedupe).
func stableID(t EntryType, scope, header, content string) string {
	sum := sha256.Sum256([]byte(string(t) + "\x00" + scope + "\x00" + header + "\x00" + content))
	return hex.EncodeToString(sum[:])[:12]
}
