package retrieval

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type fakeSource struct {
	calls   int32
	delay   time.Duration
	results []Passage
}

func (f *fakeSource) Fetch(ctx context.Context, namespace, query string) ([]Passage, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.results, nil
}

func TestNormalizeIsIdempotent(t *testing.T) {
	cases := []string{"  Tell ME about   the BANK  ", "fast cash fee", "Hello"}
	for _, c := range cases {
		once := Normalize(c)
		twice := Normalize(once)
		if once != twice {
			t.Fatalf("Normalize not idempotent for %q: %q vs %q", c, once, twice)
		}
	}
}

func TestQueryCachesOnNormalizedKey(t *testing.T) {
	src := &fakeSource{results: []Passage{{SourceID: "doc-1", Text: "hello"}}}
	c, err := New(zerolog.Nop(), src, time.Hour, "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ctx := context.Background()
	if _, err := c.Query(ctx, "products", "  What IS the   fee  ", false); err != nil {
		t.Fatalf("query 1: %v", err)
	}
	if _, err := c.Query(ctx, "products", "what is the fee", false); err != nil {
		t.Fatalf("query 2: %v", err)
	}
	if src.calls != 1 {
		t.Fatalf("expected 1 upstream fetch on cache hit, got %d", src.calls)
	}
}

func TestQuerySingleFlightDedupesConcurrentCalls(t *testing.T) {
	src := &fakeSource{results: []Passage{{SourceID: "doc-1", Text: "x"}}, delay: 50 * time.Millisecond}
	c, err := New(zerolog.Nop(), src, time.Hour, "")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Query(context.Background(), "products", "same query", false)
		}()
	}
	wg.Wait()

	if src.calls != 1 {
		t.Fatalf("expected exactly 1 upstream fetch for concurrent identical queries, got %d", src.calls)
	}
}

func TestQueryFiltersFinancialSourcesForOverview(t *testing.T) {
	src := &fakeSource{results: []Passage{
		{SourceID: "org-about-us", Text: "general info"},
		{SourceID: "financial-report-2025-q4", Text: "numbers"},
	}}
	c, err := New(zerolog.Nop(), src, time.Hour, "financial-report-.*,annual-report-.*")
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	passages, err := c.Query(context.Background(), "organizational-overview", "tell me about the bank", true)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for _, p := range passages {
		if p.SourceID == "financial-report-2025-q4" {
			t.Fatal("financial source must be filtered from organizational-overview results")
		}
	}
	if len(passages) != 1 {
		t.Fatalf("expected 1 passage after filtering, got %d", len(passages))
	}
}
