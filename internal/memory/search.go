package memory

import (
	"sort"
	"strings"
)

// stopWords are ignored when scoring keyword overlap.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true,
	"has": true, "have": true, "i": true, "in": true, "is": true, "it": true,
	"my": true, "of": true, "on": true, "or": true, "that": true,
	"the": true, "this": true, "to": true, "was": true, "what": true,
	"with": true, "you": true,
}

// Search ranks long_term or daily entries by keyword overlap with the
// query. Entries must carry every requested tag. Results are deterministic:
// score descending, then id ascending.
func (s *FileStore) Search(query string, t EntryType, tags []string, limit int) ([]Entry, error) {
	if t == TypeSession {
		return nil, nil
	}
	entries, err := s.GetByType(t, 0, "")
	if err != nil {
		return nil, err
	}

	qWords := keywords(query)

	type scored struct {
		entry Entry
		score int
	}
	var hits []scored
	for _, e := range entries {
		if !hasAllTags(e.Tags, tags) {
			continue
		}
		score := overlap(qWords, keywords(e.Metadata["header"]+" "+e.Content))
		for _, tag := range e.Tags {
			if qWords[strings.ToLower(tag)] {
				score += 2
			}
		}
		if score == 0 && len(qWords) > 0 {
			continue
		}
		hits = append(hits, scored{entry: e, score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].entry.ID < hits[j].entry.ID
	})

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]Entry, 0, len(hits))
	for _, h := range hits {
		out = append(out, h.entry)
	}
	return out, nil
}

func keywords(text string) map[string]bool {
	words := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,!?;:\"'()[]#")
		if len(w) < 2 || stopWords[w] {
			continue
		}
		words[w] = true
	}
	return words
}

func overlap(a, b map[string]bool) int {
	n := 0
	for w := range a {
		if b[w] {
			n++
		}
	}
	return n
}

func hasAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[strings.ToLower(t)] = true
	}
	for _, t := range want {
		if !set[strings.ToLower(t)] {
			return false
		}
	}
	return true
}
