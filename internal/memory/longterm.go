package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Long-term and daily memory live in Markdown files: one "##" header per
// entry, body below it, optionally a trailing tag line of "#tag" tokens.
// A "#source:<v>" token on the tag line preserves the entry's source for
// dedupe across reloads.

// Save persists an entry and returns its stable id. long_term and daily
// entries deduplicate by (source, header, content): re-saving an existing
// fact refreshes its UpdatedAt instead of duplicating it. Session entries
// route to the append path.
func (s *FileStore) Save(e Entry) (string, error) {
	switch e.Type {
	case TypeSession:
		if e.SessionKey == "" {
			return "", fmt.Errorf("memory: session entry without session_key")
		}
		return s.appendSession(e.SessionKey, e.Role, e.Content, e.Metadata)
	case TypeLongTerm:
		scope := e.Metadata["user_id"]
		if scope == "" {
			scope = OwnerScope
		}
		return s.saveMarkdown(s.longtermPath(scope), e, scope)
	case TypeDaily:
		date := time.Now().UTC().Format("2006-01-02")
		if e.CreatedAt.Year() > 1 {
			date = e.CreatedAt.UTC().Format("2006-01-02")
		}
		return s.saveMarkdown(s.dailyPath(date), e, date)
	default:
		return "", fmt.Errorf("memory: unknown entry type %q", e.Type)
	}
}

func (s *FileStore) saveMarkdown(path string, e Entry, scope string) (string, error) {
	s.ltMu.Lock()
	defer s.ltMu.Unlock()

	header := e.Metadata["header"]
	source := e.Metadata["source"]
	id := stableID(e.Type, scope, source+"\x00"+header, e.Content)

	entries, err := parseMarkdownFile(path)
	if err != nil {
		return "", err
	}
	for i := range entries {
		if entries[i].id == id {
			entries[i].tags = mergeTags(entries[i].tags, e.Tags)
			return id, s.renderMarkdownFile(path, entries)
		}
	}
	entries = append(entries, mdEntry{
		id:      id,
		header:  header,
		content: e.Content,
		tags:    append([]string(nil), e.Tags...),
		source:  source,
	})
	return id, s.renderMarkdownFile(path, entries)
}

// Get looks an entry up by id across long-term scopes and daily files.
func (s *FileStore) Get(id string) (*Entry, error) {
	for _, loc := range s.markdownFiles() {
		entries, err := parseMarkdownFile(loc.path)
		if err != nil {
			continue
		}
		for _, me := range entries {
			if me.id == id {
				e := me.toEntry(loc.entryType, loc.scope, fileTime(loc.path))
				return &e, nil
			}
		}
	}
	return nil, fmt.Errorf("memory: entry %s not found", id)
}

// Delete removes an entry by id. Long-term memory is never implicitly
// deleted; this is the user-visible forget path.
func (s *FileStore) Delete(id string) error {
	s.ltMu.Lock()
	defer s.ltMu.Unlock()

	for _, loc := range s.markdownFiles() {
		entries, err := parseMarkdownFile(loc.path)
		if err != nil {
			continue
		}
		for i, me := range entries {
			if me.id == id {
				entries = append(entries[:i], entries[i+1:]...)
				return s.renderMarkdownFile(loc.path, entries)
			}
		}
	}
	return fmt.Errorf("memory: entry %s not found", id)
}

// GetByType lists entries of one tier, oldest first. For long_term a
// non-empty userID restricts results to that scope; empty userID means the
// owner scope.
func (s *FileStore) GetByType(t EntryType, limit int, userID string) ([]Entry, error) {
	var out []Entry
	switch t {
	case TypeLongTerm:
		scope := userID
		if scope == "" {
			scope = OwnerScope
		}
		path := s.longtermPath(scope)
		entries, err := parseMarkdownFile(path)
		if err != nil {
			return nil, err
		}
		mt := fileTime(path)
		for _, me := range entries {
			out = append(out, me.toEntry(TypeLongTerm, scope, mt))
		}
	case TypeDaily:
		dates, err := s.dailyDates()
		if err != nil {
			return nil, err
		}
		for _, date := range dates {
			path := s.dailyPath(date)
			entries, err := parseMarkdownFile(path)
			if err != nil {
				continue
			}
			mt := fileTime(path)
			for _, me := range entries {
				out = append(out, me.toEntry(TypeDaily, date, mt))
			}
		}
	case TypeSession:
		return nil, fmt.Errorf("memory: use GetSession for session entries")
	default:
		return nil, fmt.Errorf("memory: unknown entry type %q", t)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type mdLocation struct {
	path      string
	entryType EntryType
	scope     string
}

// markdownFiles enumerates every long-term and daily file currently on disk.
func (s *FileStore) markdownFiles() []mdLocation {
	locs := []mdLocation{{s.longtermPath(OwnerScope), TypeLongTerm, OwnerScope}}

	users, _ := os.ReadDir(filepath.Join(s.root, "users"))
	for _, u := range users {
		if u.IsDir() {
			locs = append(locs, mdLocation{s.longtermPath(u.Name()), TypeLongTerm, u.Name()})
		}
	}
	dates, _ := s.dailyDates()
	for _, d := range dates {
		locs = append(locs, mdLocation{s.dailyPath(d), TypeDaily, d})
	}
	return locs
}

func (s *FileStore) dailyDates() ([]string, error) {
	files, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var dates []string
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || !strings.HasSuffix(name, ".md") {
			continue
		}
		base := strings.TrimSuffix(name, ".md")
		if _, err := time.Parse("2006-01-02", base); err == nil {
			dates = append(dates, base)
		}
	}
	sort.Strings(dates)
	return dates, nil
}

func fileTime(path string) time.Time {
	if fi, err := os.Stat(path); err == nil {
		return fi.ModTime().UTC()
	}
	return time.Time{}
}

// --- Markdown entry codec ---

type mdEntry struct {
	id      string
	header  string
	content string
	tags    []string
	source  string
}

func (m mdEntry) toEntry(t EntryType, scope string, ts time.Time) Entry {
	meta := map[string]string{"header": m.header}
	if m.source != "" {
		meta["source"] = m.source
	}
	if t == TypeLongTerm {
		meta["user_id"] = scope
	}
	return Entry{
		ID:        m.id,
		Type:      t,
		Content:   m.content,
		CreatedAt: ts,
		UpdatedAt: ts,
		Tags:      append([]string(nil), m.tags...),
		Metadata:  meta,
	}
}

func parseMarkdownFile(path string) ([]mdEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []mdEntry
	var cur *mdEntry
	var body []string

	flush := func() {
		if cur == nil {
			return
		}
		// A trailing line of pure #tokens is the tag line.
		if len(body) > 0 {
			if tags, src, ok := parseTagLine(body[len(body)-1]); ok {
				cur.tags = tags
				cur.source = src
				body = body[:len(body)-1]
			}
		}
		cur.content = strings.TrimSpace(strings.Join(body, "\n"))
		entries = append(entries, *cur)
		cur = nil
		body = nil
	}

	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "## ") {
			flush()
			cur = &mdEntry{header: strings.TrimSpace(line[3:])}
			continue
		}
		if cur != nil {
			body = append(body, line)
		}
	}
	flush()

	// Derive scope and type from the path so ids are stable across loads.
	t, scope := classifyMarkdownPath(path)
	for i := range entries {
		entries[i].id = stableID(t, scope, entries[i].source+"\x00"+entries[i].header, entries[i].content)
	}
	return entries, nil
}

func classifyMarkdownPath(path string) (EntryType, string) {
	base := strings.TrimSuffix(filepath.Base(path), ".md")
	if _, err := time.Parse("2006-01-02", base); err == nil {
		return TypeDaily, base
	}
	dir := filepath.Base(filepath.Dir(path))
	if filepath.Base(filepath.Dir(filepath.Dir(path))) == "users" {
		return TypeLongTerm, dir
	}
	return TypeLongTerm, OwnerScope
}

func parseTagLine(line string) (tags []string, source string, ok bool) {
	fields := strings.Fields(strings.TrimSpace(line))
	if len(fields) == 0 {
		return nil, "", false
	}
	for _, f := range fields {
		if !strings.HasPrefix(f, "#") || len(f) < 2 {
			return nil, "", false
		}
	}
	for _, f := range fields {
		tok := f[1:]
		if v, found := strings.CutPrefix(tok, "source:"); found {
			source = v
			continue
		}
		tags = append(tags, tok)
	}
	return tags, source, true
}

func (s *FileStore) renderMarkdownFile(path string, entries []mdEntry) error {
	if len(entries) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return err
		}
		return nil
	}
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString("## " + e.header + "\n")
		if e.content != "" {
			b.WriteString(e.content + "\n")
		}
		if len(e.tags) > 0 || e.source != "" {
			var toks []string
			for _, t := range e.tags {
				toks = append(toks, "#"+t)
			}
			if e.source != "" {
				toks = append(toks, "#source:"+e.source)
			}
			b.WriteString(strings.Join(toks, " ") + "\n")
		}
	}
	return atomicWrite(path, []byte(b.String()))
}

func mergeTags(existing, incoming []string) []string {
	seen := make(map[string]bool, len(existing))
	out := append([]string(nil), existing...)
	for _, t := range existing {
		seen[t] = true
	}
	for _, t := range incoming {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}
