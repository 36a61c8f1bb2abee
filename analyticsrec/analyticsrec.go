// Package analyticsrec implements the Analytics Recorder (C9): an
// idempotent per-turn event log plus the aggregate read queries the
// analytics endpoints (§6) need. Ingestion is asynchronous and batched,
// grounded on the teacher's buffered-channel pipeline shape, simplified
// to the single AnalyticsTurn event type this core emits.
package analyticsrec

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/retrieval"
)

// BackingSource records which subsystem (if any) answered a turn.
type BackingSource string

const (
	SourceFeeEngine BackingSource = "fee-engine"
	SourceKnowledge BackingSource = "knowledge-store"
	SourceDirectory BackingSource = "directory"
	SourceModelOnly BackingSource = "model-only"
	SourceNone      BackingSource = "none"
)

// Turn is one recorded conversational exchange (§3's AnalyticsTurn).
type Turn struct {
	SessionID       string        `json:"session_id"`
	UserTurnSeq     int           `json:"user_turn_seq"`
	QueryText       string        `json:"query_text"`
	NormalizedQuery string        `json:"normalized_query"`
	WasAnswered     bool          `json:"was_answered"`
	BackingSource   BackingSource `json:"backing_source"`
	LatencyMs       int64         `json:"latency_ms"`
	CreatedAt       time.Time     `json:"created_at"`
}

func (t Turn) key() turnKey {
	return turnKey{sessionID: t.SessionID, seq: t.UserTurnSeq}
}

type turnKey struct {
	sessionID string
	seq       int
}

// Sink is the durable destination for recorded turns. A Postgres-backed
// implementation would persist to the analytics table described in §6;
// this package ships an in-memory one for tests and standalone deploys.
type Sink interface {
	Write(ctx context.Context, batch []Turn) error
}

// NopSink discards writes. Useful where the Recorder's in-process
// mirror (used by the aggregate read methods below) is sufficient and
// no durable analytics table is configured.
type NopSink struct{}

// Write implements Sink.
func (NopSink) Write(context.Context, []Turn) error { return nil }

// PipelineConfig controls batching, matching the teacher's pipeline
// shape (buffer size, batch size, flush interval, retries).
type PipelineConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
}

// DefaultPipelineConfig returns production defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		BufferSize:    10000,
		BatchSize:     200,
		FlushInterval: 2 * time.Second,
		MaxRetries:    3,
		RetryDelay:    250 * time.Millisecond,
	}
}

// Recorder is the Analytics Recorder (C9): async ingestion into Sink,
// with an idempotency guard per (session_id, user_turn_seq) and the
// aggregate read methods §4.9 requires.
type Recorder struct {
	logger zerolog.Logger
	config PipelineConfig
	sink   Sink

	turnCh chan Turn
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu      sync.RWMutex
	seen    map[turnKey]struct{}
	written []Turn // in-process mirror for aggregate reads; bounded by the sink in a real deployment

	eventsReceived int64
	eventsWritten  int64
	eventsDropped  int64
}

// New builds a Recorder. Call Start to launch its flush workers.
func New(logger zerolog.Logger, sink Sink, config ...PipelineConfig) *Recorder {
	cfg := DefaultPipelineConfig()
	if len(config) > 0 {
		cfg = config[0]
	}
	return &Recorder{
		logger: logger.With().Str("component", "analytics-recorder").Logger(),
		config: cfg,
		sink:   sink,
		turnCh: make(chan Turn, cfg.BufferSize),
		seen:   make(map[turnKey]struct{}),
	}
}

// Start launches the flush worker.
func (r *Recorder) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.worker(ctx)
}

// Stop drains the pipeline and waits for the worker to exit.
func (r *Recorder) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// Record submits turn for recording. Idempotent per (session_id,
// user_turn_seq): a duplicate record(turn) for a turn already accepted
// is a silent no-op, matching §4.9's idempotency requirement (a retried
// post-disconnect persistence must not double-count a turn).
func (r *Recorder) Record(turn Turn) {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now().UTC()
	}
	if turn.NormalizedQuery == "" {
		turn.NormalizedQuery = Normalize(turn.QueryText)
	}

	r.mu.Lock()
	k := turn.key()
	if _, dup := r.seen[k]; dup {
		r.mu.Unlock()
		return
	}
	r.seen[k] = struct{}{}
	r.mu.Unlock()

	select {
	case r.turnCh <- turn:
		r.incReceived()
	default:
		r.incDropped()
		r.logger.Warn().Str("session_id", turn.SessionID).Int("seq", turn.UserTurnSeq).Msg("analytics turn dropped: buffer full")
	}
}

func (r *Recorder) worker(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]Turn, 0, r.config.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		r.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case turn := <-r.turnCh:
					batch = append(batch, turn)
				default:
					flush()
					return
				}
			}
		case turn := <-r.turnCh:
			batch = append(batch, turn)
			if len(batch) >= r.config.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (r *Recorder) flush(batch []Turn) {
	owned := make([]Turn, len(batch))
	copy(owned, batch)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var err error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		err = r.sink.Write(ctx, owned)
		if err == nil {
			r.mu.Lock()
			r.written = append(r.written, owned...)
			r.mu.Unlock()
			r.incWritten(int64(len(owned)))
			return
		}
		r.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("analytics flush failed")
		if attempt < r.config.MaxRetries {
			time.Sleep(r.config.RetryDelay * time.Duration(1<<uint(attempt)))
		}
	}
	r.logger.Error().Err(err).Int("batch_size", len(owned)).Msg("analytics batch dropped after retries")
}

func (r *Recorder) incReceived() { r.mu.Lock(); r.eventsReceived++; r.mu.Unlock() }
func (r *Recorder) incWritten(n int64) { r.mu.Lock(); r.eventsWritten += n; r.mu.Unlock() }
func (r *Recorder) incDropped() { r.mu.Lock(); r.eventsDropped++; r.mu.Unlock() }

// DailyMetrics is one day's aggregate performance summary.
type DailyMetrics struct {
	Day            string
	TotalTurns     int
	AnsweredTurns  int
	AvgLatencyMs   float64
}

// DailySummary returns per-day aggregates for the last n days ending
// today (UTC), per §6's "performance summary over last N days".
func (r *Recorder) DailySummary(n int, now time.Time) []DailyMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cutoff := now.AddDate(0, 0, -n)
	byDay := make(map[string]*DailyMetrics)
	var order []string
	for _, t := range r.written {
		if t.CreatedAt.Before(cutoff) {
			continue
		}
		day := t.CreatedAt.Format("2006-01-02")
		m, ok := byDay[day]
		if !ok {
			m = &DailyMetrics{Day: day}
			byDay[day] = m
			order = append(order, day)
		}
		m.TotalTurns++
		if t.WasAnswered {
			m.AnsweredTurns++
		}
		m.AvgLatencyMs += float64(t.LatencyMs)
	}

	out := make([]DailyMetrics, 0, len(order))
	for _, day := range order {
		m := byDay[day]
		if m.TotalTurns > 0 {
			m.AvgLatencyMs /= float64(m.TotalTurns)
		}
		out = append(out, *m)
	}
	return out
}

// QueryCount pairs a normalized query with its occurrence count.
type QueryCount struct {
	NormalizedQuery string
	Count           int
}

// MostAsked returns the top n normalized queries by frequency.
func (r *Recorder) MostAsked(n int) []QueryCount {
	return r.rankedQueries(n, func(Turn) bool { return true })
}

// Unanswered returns the top n normalized queries among turns that were
// never answered (was_answered=false).
func (r *Recorder) Unanswered(n int) []QueryCount {
	return r.rankedQueries(n, func(t Turn) bool { return !t.WasAnswered })
}

func (r *Recorder) rankedQueries(n int, include func(Turn) bool) []QueryCount {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int)
	var order []string
	for _, t := range r.written {
		if !include(t) {
			continue
		}
		if _, ok := counts[t.NormalizedQuery]; !ok {
			order = append(order, t.NormalizedQuery)
		}
		counts[t.NormalizedQuery]++
	}

	out := make([]QueryCount, 0, len(order))
	for _, q := range order {
		out = append(out, QueryCount{NormalizedQuery: q, Count: counts[q]})
	}
	sortByCountDesc(out)
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func sortByCountDesc(qs []QueryCount) {
	for i := 1; i < len(qs); i++ {
		for j := i; j > 0 && qs[j].Count > qs[j-1].Count; j-- {
			qs[j], qs[j-1] = qs[j-1], qs[j]
		}
	}
}

// History returns every recorded turn for sessionID in recording order,
// per §6's "conversation logs by session".
func (r *Recorder) History(sessionID string) []Turn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Turn
	for _, t := range r.written {
		if t.SessionID == sessionID {
			out = append(out, t)
		}
	}
	return out
}

// Normalize mirrors the Retrieval Client's (C3) normalized-query key:
// lowercase, whitespace-collapse, trim (§4.9).
func Normalize(query string) string {
	return retrieval.Normalize(query)
}
