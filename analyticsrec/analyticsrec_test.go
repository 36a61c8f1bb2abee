package analyticsrec

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type recordingSink struct {
	mu    sync.Mutex
	batch [][]Turn
}

func (s *recordingSink) Write(_ context.Context, batch []Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]Turn, len(batch))
	copy(cp, batch)
	s.batch = append(s.batch, cp)
	return nil
}

func testConfig() PipelineConfig {
	return PipelineConfig{
		BufferSize:    100,
		BatchSize:     10,
		FlushInterval: 10 * time.Millisecond,
		MaxRetries:    1,
		RetryDelay:    time.Millisecond,
	}
}

func waitForWritten(t *testing.T, r *Recorder, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		r.mu.RLock()
		n := len(r.written)
		r.mu.RUnlock()
		if n >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d written turns", want)
}

func TestRecordIsIdempotentPerSessionAndSeq(t *testing.T) {
	sink := &recordingSink{}
	r := New(zerolog.Nop(), sink, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	turn := Turn{SessionID: "s1", UserTurnSeq: 1, QueryText: "what is the fee", WasAnswered: true, BackingSource: SourceFeeEngine}
	r.Record(turn)
	r.Record(turn) // duplicate: must not be double-counted

	waitForWritten(t, r, 1)

	history := r.History("s1")
	if len(history) != 1 {
		t.Fatalf("expected exactly 1 recorded turn for duplicate record() calls, got %d", len(history))
	}
}

func TestRecordNormalizesQuery(t *testing.T) {
	sink := &recordingSink{}
	r := New(zerolog.Nop(), sink, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	r.Record(Turn{SessionID: "s1", UserTurnSeq: 1, QueryText: "  Tell ME about   the FEE  ", WasAnswered: true})
	waitForWritten(t, r, 1)

	history := r.History("s1")
	if len(history) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(history))
	}
	if history[0].NormalizedQuery != "tell me about the fee" {
		t.Fatalf("expected normalized query, got %q", history[0].NormalizedQuery)
	}
}

func TestMostAskedRanksByFrequency(t *testing.T) {
	sink := &recordingSink{}
	r := New(zerolog.Nop(), sink, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	r.Record(Turn{SessionID: "s1", UserTurnSeq: 1, QueryText: "fast cash fee", WasAnswered: true})
	r.Record(Turn{SessionID: "s1", UserTurnSeq: 2, QueryText: "fast cash fee", WasAnswered: true})
	r.Record(Turn{SessionID: "s2", UserTurnSeq: 1, QueryText: "who is john", WasAnswered: true})
	waitForWritten(t, r, 3)

	ranked := r.MostAsked(10)
	if len(ranked) == 0 || ranked[0].NormalizedQuery != "fast cash fee" || ranked[0].Count != 2 {
		t.Fatalf("expected fast cash fee ranked first with count 2, got %+v", ranked)
	}
}

func TestUnansweredOnlyIncludesUnansweredTurns(t *testing.T) {
	sink := &recordingSink{}
	r := New(zerolog.Nop(), sink, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	r.Record(Turn{SessionID: "s1", UserTurnSeq: 1, QueryText: "answered question", WasAnswered: true})
	r.Record(Turn{SessionID: "s1", UserTurnSeq: 2, QueryText: "unanswered question", WasAnswered: false})
	waitForWritten(t, r, 2)

	unanswered := r.Unanswered(10)
	if len(unanswered) != 1 || unanswered[0].NormalizedQuery != "unanswered question" {
		t.Fatalf("expected only the unanswered query, got %+v", unanswered)
	}
}

func TestDailySummaryAggregatesByDay(t *testing.T) {
	sink := &recordingSink{}
	r := New(zerolog.Nop(), sink, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	now := time.Now().UTC()
	r.Record(Turn{SessionID: "s1", UserTurnSeq: 1, QueryText: "q1", WasAnswered: true, LatencyMs: 100, CreatedAt: now})
	r.Record(Turn{SessionID: "s1", UserTurnSeq: 2, QueryText: "q2", WasAnswered: false, LatencyMs: 300, CreatedAt: now})
	waitForWritten(t, r, 2)

	summary := r.DailySummary(7, now)
	if len(summary) != 1 {
		t.Fatalf("expected 1 day of summary, got %d", len(summary))
	}
	day := summary[0]
	if day.TotalTurns != 2 || day.AnsweredTurns != 1 {
		t.Fatalf("expected 2 total / 1 answered, got %+v", day)
	}
	if day.AvgLatencyMs != 200 {
		t.Fatalf("expected average latency 200, got %v", day.AvgLatencyMs)
	}
}

func TestHistoryReturnsOnlyMatchingSession(t *testing.T) {
	sink := &recordingSink{}
	r := New(zerolog.Nop(), sink, testConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	r.Record(Turn{SessionID: "s1", UserTurnSeq: 1, QueryText: "a", WasAnswered: true})
	r.Record(Turn{SessionID: "s2", UserTurnSeq: 1, QueryText: "b", WasAnswered: true})
	waitForWritten(t, r, 2)

	h := r.History("s1")
	if len(h) != 1 || h[0].SessionID != "s1" {
		t.Fatalf("expected 1 turn for s1, got %+v", h)
	}
}
