// Package directory implements the Directory Lookup (C4): employee search
// over a small in-memory table. It deliberately has no dependency on the
// retrieval package — the isolation invariant in §4.4 ("a directory-routed
// query must not invoke C3 under any circumstance") is enforced structurally
// by this package never importing retrieval, not by a runtime check.
package directory

import (
	"sort"
	"strings"
)

// Employee is one directory row.
type Employee struct {
	ID          string
	Name        string
	Email       string
	Mobile      string
	Department  string
	Designation string
}

// leadingPhrases are stripped from the front of a query before search, in
// the order documented by §4.4.
var leadingPhrases = []string{
	"find ",
	"who is ",
	"whois ",
	"phone number of ",
	"contact info for ",
	"contact information for ",
	"mobile number of ",
	"email of ",
	"email address of ",
	"search for ",
	"look up ",
	"lookup ",
}

// NormalizeQuery strips a leading directory phrase and surrounding
// whitespace, lowercasing for matching.
func NormalizeQuery(q string) string {
	trimmed := strings.TrimSpace(q)
	lower := strings.ToLower(trimmed)
	for _, phrase := range leadingPhrases {
		if strings.HasPrefix(lower, phrase) {
			return strings.TrimSpace(trimmed[len(phrase):])
		}
	}
	return trimmed
}

// Store is an in-memory employee directory.
type Store struct {
	employees []Employee
}

// New builds a Store from a fixed employee list.
func New(employees []Employee) *Store {
	return &Store{employees: employees}
}

// Result is one ranked match.
type Result struct {
	Employee Employee
	Score    int
}

// Search runs the documented match order — exact ID, exact email, exact
// mobile, exact name, then ranked full-text over (name, department,
// designation) — and returns up to k results. An empty result is a valid,
// final outcome: the caller must not treat it as license to try C3.
func (s *Store) Search(query string, k int) []Result {
	term := NormalizeQuery(query)
	if term == "" || k <= 0 {
		return nil
	}
	lowerTerm := strings.ToLower(term)

	if r := s.matchExact(func(e Employee) string { return e.ID }, term); r != nil {
		return []Result{{Employee: *r, Score: 100}}
	}
	if r := s.matchExact(func(e Employee) string { return strings.ToLower(e.Email) }, lowerTerm); r != nil {
		return []Result{{Employee: *r, Score: 100}}
	}
	if r := s.matchExact(func(e Employee) string { return e.Mobile }, term); r != nil {
		return []Result{{Employee: *r, Score: 100}}
	}
	if r := s.matchExact(func(e Employee) string { return strings.ToLower(e.Name) }, lowerTerm); r != nil {
		return []Result{{Employee: *r, Score: 100}}
	}

	return s.rankedFullText(lowerTerm, k)
}

func (s *Store) matchExact(field func(Employee) string, term string) *Employee {
	for _, e := range s.employees {
		if field(e) == term {
			emp := e
			return &emp
		}
	}
	return nil
}

// rankedFullText scores every employee by substring presence across name,
// department, and designation, weighting name matches highest, and returns
// the top k non-zero scores.
func (s *Store) rankedFullText(lowerTerm string, k int) []Result {
	var out []Result
	for _, e := range s.employees {
		score := fieldScore(strings.ToLower(e.Name), lowerTerm, 3) +
			fieldScore(strings.ToLower(e.Department), lowerTerm, 2) +
			fieldScore(strings.ToLower(e.Designation), lowerTerm, 1)
		if score > 0 {
			out = append(out, Result{Employee: e, Score: score})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func fieldScore(field, term string, weight int) int {
	if field == "" || term == "" {
		return 0
	}
	if strings.Contains(field, term) {
		return weight
	}
	return 0
}
