package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	titleMaxChars   = 48
	previewMaxChars = 80
)

// sessionRecord is one line-item in a session's JSON log.
type sessionRecord struct {
	ID        string            `json:"id"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// AddToSession appends one message to a session log and updates the index.
func (s *FileStore) AddToSession(sessionKey, role, content string, metadata map[string]string) error {
	_, err := s.appendSession(sessionKey, role, content, metadata)
	return err
}

func (s *FileStore) appendSession(sessionKey, role, content string, metadata map[string]string) (string, error) {
	l := s.lockSession(sessionKey)
	defer s.unlockSession(sessionKey, l)

	records, err := s.loadSessionRecords(sessionKey)
	if err != nil {
		return "", err
	}
	rec := sessionRecord{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Metadata:  metadata,
	}
	records = append(records, rec)
	if err := s.saveSessionRecords(sessionKey, records); err != nil {
		return "", err
	}
	if err := s.touchIndex(sessionKey, rec, len(records)); err != nil {
		return "", err
	}
	return rec.ID, nil
}

// GetSession returns a session's log as entries, oldest first.
func (s *FileStore) GetSession(sessionKey string) ([]Entry, error) {
	records, err := s.loadSessionRecords(sessionKey)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(records))
	for _, r := range records {
		entries = append(entries, Entry{
			ID:         r.ID,
			Type:       TypeSession,
			Content:    r.Content,
			Role:       r.Role,
			SessionKey: sessionKey,
			CreatedAt:  r.Timestamp,
			UpdatedAt:  r.Timestamp,
			Metadata:   r.Metadata,
		})
	}
	return entries, nil
}

// GetSessionHistory returns up to limit most recent messages in order
// (0 = all).
func (s *FileStore) GetSessionHistory(sessionKey string, limit int) ([]Message, error) {
	records, err := s.loadSessionRecords(sessionKey)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	msgs := make([]Message, 0, len(records))
	for _, r := range records {
		msgs = append(msgs, Message{Role: r.Role, Content: r.Content})
	}
	return msgs, nil
}

// ClearSession empties a session's log and drops its index record; the
// index only lists sessions that hold at least one message. Returns the
// number of removed messages.
func (s *FileStore) ClearSession(sessionKey string) (int, error) {
	l := s.lockSession(sessionKey)
	defer s.unlockSession(sessionKey, l)

	records, err := s.loadSessionRecords(sessionKey)
	if err != nil {
		return 0, err
	}
	n := len(records)
	if err := s.saveSessionRecords(sessionKey, nil); err != nil {
		return 0, err
	}
	if err := os.Remove(s.compactionPath(sessionKey)); err != nil && !os.IsNotExist(err) {
		return 0, err
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	idx, err := s.loadIndex()
	if err != nil {
		return 0, err
	}
	if _, ok := idx[sessionKey]; ok {
		delete(idx, sessionKey)
		if err := s.saveIndex(idx); err != nil {
			return 0, err
		}
	}
	return n, nil
}

// DeleteSession removes a session's log, compaction cache, and index record.
func (s *FileStore) DeleteSession(sessionKey string) error {
	l := s.lockSession(sessionKey)
	defer s.unlockSession(sessionKey, l)

	for _, path := range []string{s.sessionPath(sessionKey), s.compactionPath(sessionKey)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	idx, err := s.loadIndex()
	if err != nil {
		return err
	}
	if _, ok := idx[sessionKey]; ok {
		delete(idx, sessionKey)
		if err := s.saveIndex(idx); err != nil {
			return err
		}
	}
	return nil
}

// UpdateSessionTitle renames a session. A user-set title sticks: the
// auto-title derived from the first message never overwrites it.
func (s *FileStore) UpdateSessionTitle(sessionKey, title string) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	idx, err := s.loadIndex()
	if err != nil {
		return err
	}
	info, ok := idx[sessionKey]
	if !ok {
		info = SessionInfo{
			Key:     sessionKey,
			Channel: channelOfKey(sessionKey),
			Created: time.Now().UTC(),
		}
	}
	info.Title = title
	info.UserTitle = true
	info.LastActivity = time.Now().UTC()
	idx[sessionKey] = info
	return s.saveIndex(idx)
}

// SessionInfo returns the index record for one session.
func (s *FileStore) SessionInfo(sessionKey string) (SessionInfo, bool) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	idx, err := s.loadIndex()
	if err != nil {
		return SessionInfo{}, false
	}
	info, ok := idx[sessionKey]
	return info, ok
}

// SessionKeysForChat lists the sessions of a base chat key: the base itself
// plus every named branch under "base:", most recent first.
func (s *FileStore) SessionKeysForChat(base string) ([]SessionInfo, error) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	idx, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	var out []SessionInfo
	for key, info := range idx {
		if key == base || strings.HasPrefix(key, base+":") {
			out = append(out, info)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// --- alias table ---

// ResolveSessionAlias maps a base key to its active session key. The
// resolution is single-hop: an alias target is used as-is even if it has
// its own alias entry.
func (s *FileStore) ResolveSessionAlias(key string) string {
	s.aliasMu.Lock()
	defer s.aliasMu.Unlock()

	aliases, err := s.loadAliases()
	if err != nil {
		return key
	}
	if target, ok := aliases[key]; ok && target != "" {
		return target
	}
	return key
}

// SetSessionAlias points source at target; subsequent traffic for source
// lands in target's session.
func (s *FileStore) SetSessionAlias(source, target string) error {
	if source == "" || target == "" {
		return fmt.Errorf("memory: alias needs source and target")
	}
	if source == target {
		return s.RemoveSessionAlias(source)
	}
	s.aliasMu.Lock()
	defer s.aliasMu.Unlock()

	aliases, err := s.loadAliases()
	if err != nil {
		return err
	}
	aliases[source] = target
	return s.saveAliases(aliases)
}

// RemoveSessionAlias restores source to resolving to itself.
func (s *FileStore) RemoveSessionAlias(source string) error {
	s.aliasMu.Lock()
	defer s.aliasMu.Unlock()

	aliases, err := s.loadAliases()
	if err != nil {
		return err
	}
	if _, ok := aliases[source]; !ok {
		return nil
	}
	delete(aliases, source)
	return s.saveAliases(aliases)
}

// --- file plumbing ---

func (s *FileStore) loadSessionRecords(sessionKey string) ([]sessionRecord, error) {
	data, err := os.ReadFile(s.sessionPath(sessionKey))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var records []sessionRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("memory: corrupt session %s: %w", sessionKey, err)
	}
	return records, nil
}

func (s *FileStore) saveSessionRecords(sessionKey string, records []sessionRecord) error {
	if records == nil {
		records = []sessionRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(s.sessionPath(sessionKey), data)
}

// touchIndex updates the session's index record after an append. The title
// auto-derives from the first user message unless the user renamed the
// session.
func (s *FileStore) touchIndex(sessionKey string, rec sessionRecord, count int) error {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()

	idx, err := s.loadIndex()
	if err != nil {
		return err
	}
	info, ok := idx[sessionKey]
	if !ok {
		info = SessionInfo{
			Key:     sessionKey,
			Channel: channelOfKey(sessionKey),
			Created: rec.Timestamp,
		}
	}
	info.MessageCount = count
	info.LastActivity = rec.Timestamp
	info.Preview = clip(rec.Content, previewMaxChars)
	if !info.UserTitle && info.Title == "" && rec.Role == "user" {
		info.Title = clip(rec.Content, titleMaxChars)
	}
	idx[sessionKey] = info
	return s.saveIndex(idx)
}

func (s *FileStore) loadIndex() (map[string]SessionInfo, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]SessionInfo{}, nil
		}
		return nil, err
	}
	idx := map[string]SessionInfo{}
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("memory: corrupt session index: %w", err)
	}
	return idx, nil
}

func (s *FileStore) saveIndex(idx map[string]SessionInfo) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(s.indexPath(), data)
}

func (s *FileStore) loadAliases() (map[string]string, error) {
	data, err := os.ReadFile(s.aliasPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, err
	}
	aliases := map[string]string{}
	if err := json.Unmarshal(data, &aliases); err != nil {
		return nil, fmt.Errorf("memory: corrupt alias table: %w", err)
	}
	return aliases, nil
}

func (s *FileStore) saveAliases(aliases map[string]string) error {
	data, err := json.MarshalIndent(aliases, "", "  ")
	if err != nil {
		return err
	}
	return atomicWrite(s.aliasPath(), data)
}

// channelOfKey extracts the channel prefix of a "channel:chat_id" key.
func channelOfKey(key string) string {
	if i := strings.Index(key, ":"); i > 0 {
		return key[:i]
	}
	return key
}

// clip truncates s to at most n characters on a rune boundary, appending an
// ellipsis when it cuts.
func clip(s string, n int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return strings.TrimSpace(string(runes[:n-1])) + "…"
}
