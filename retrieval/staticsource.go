package retrieval

import (
	"context"
	"regexp"
	"strings"
)

// StaticSource is a Source backed by a fixed in-memory passage table,
// keyed by namespace. It exists so a standalone deploy of this core has a
// real (if modest) knowledge store to query without standing up a vector
// or document database — the production deployment this package's Source
// doc comment anticipates would instead wrap one of those.
type StaticSource struct {
	passages map[string][]Passage
}

// NewStaticSource builds a StaticSource from a fixed namespace -> passages
// table.
func NewStaticSource(passages map[string][]Passage) *StaticSource {
	return &StaticSource{passages: passages}
}

var wordPattern = regexp.MustCompile(`[a-z0-9]{3,}`)

// Fetch returns every passage in namespace whose text contains one of
// query's normalized words, falling back to the whole namespace when
// nothing scores — §4.3 does not mandate a ranking function, only that C3
// return what it has.
func (s *StaticSource) Fetch(_ context.Context, namespace, query string) ([]Passage, error) {
	all := s.passages[namespace]
	if len(all) == 0 {
		return nil, nil
	}

	terms := wordPattern.FindAllString(strings.ToLower(query), -1)
	if len(terms) == 0 {
		return all, nil
	}

	var matched []Passage
	for _, p := range all {
		lower := strings.ToLower(p.Text)
		for _, t := range terms {
			if strings.Contains(lower, t) {
				matched = append(matched, p)
				break
			}
		}
	}
	if len(matched) == 0 {
		return all, nil
	}
	return matched, nil
}
