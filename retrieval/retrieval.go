// Package retrieval implements the Retrieval Client (C3): a namespaced,
// cached lookup over an external knowledge store, with single-flight
// dedup of concurrent identical queries and organizational-overview
// content filtering.
package retrieval

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Passage is one retrieved knowledge fragment.
type Passage struct {
	SourceID string
	Text     string
}

// Source fetches passages for a namespace/query from the external
// knowledge store. Implemented by whatever vector or document store this
// core is deployed against; this package only knows the cache/dedup shape.
type Source interface {
	Fetch(ctx context.Context, namespace, query string) ([]Passage, error)
}

// cacheEntry mirrors the teacher cache's exact-match index entry shape
// (caching.go's CacheEntry), minus the embedding/similarity fields this
// core does not use: C3 keys on an exact normalized-query hash (§4.3), not
// semantic similarity.
type cacheEntry struct {
	passages  []Passage
	expiresAt time.Time
}

// CacheBackend is a durable alternative to Client's default in-process
// map, selected by config.RetrievalCachePersistent (open question (a)).
type CacheBackend interface {
	Get(ctx context.Context, key string) ([]Passage, bool, error)
	Set(ctx context.Context, key string, passages []Passage, ttl time.Duration) error
}

// Client is the Retrieval Client (C3).
type Client struct {
	logger zerolog.Logger
	source Source
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry

	backend CacheBackend

	group singleflight.Group

	financialPattern *regexp.Regexp
}

// WithCacheBackend swaps the in-process cache map for a durable backend
// (typically redisclient-backed) and returns c for chaining. Call before
// the first Query; not safe to call concurrently with queries in flight.
func (c *Client) WithCacheBackend(backend CacheBackend) *Client {
	c.backend = backend
	return c
}

// New builds a Client. financialPatternCSV is a comma-separated list of
// regex fragments; a source identifier matching any of them is excluded
// from organizational-overview results (§4.3's content filter).
func New(logger zerolog.Logger, source Source, ttl time.Duration, financialPatternCSV string) (*Client, error) {
	pattern, err := compilePatterns(financialPatternCSV)
	if err != nil {
		return nil, err
	}
	return &Client{
		logger:           logger.With().Str("component", "retrieval").Logger(),
		source:           source,
		ttl:              ttl,
		cache:            make(map[string]cacheEntry),
		financialPattern: pattern,
	}, nil
}

func compilePatterns(csv string) (*regexp.Regexp, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil, nil
	}
	parts := strings.Split(csv, ",")
	for i, p := range parts {
		parts[i] = "(?:" + strings.TrimSpace(p) + ")"
	}
	return regexp.Compile(strings.Join(parts, "|"))
}

// Normalize implements §4.3's cache-key normalization: lowercase,
// whitespace-collapse, trim. Idempotent (§8, P6).
func Normalize(query string) string {
	lower := strings.ToLower(query)
	fields := strings.Fields(lower)
	return strings.Join(fields, " ")
}

func cacheKey(namespace, normalizedQuery string) string {
	sum := sha256.Sum256([]byte(namespace + "\x00" + normalizedQuery))
	return hex.EncodeToString(sum[:])
}

// Query selects namespace, normalizes query, and returns cached passages
// when available, else fetches, stores, and returns. When
// filterOverview is set, passages (and their source identifiers) matching
// the financial-document pattern are excluded from the result.
func (c *Client) Query(ctx context.Context, namespace, query string, filterOverview bool) ([]Passage, error) {
	normalized := Normalize(query)
	key := cacheKey(namespace, normalized)

	if passages, ok := c.lookupCache(ctx, key); ok {
		return c.applyFilter(passages, filterOverview), nil
	}

	// singleflight collapses concurrent identical (namespace, normalized
	// query) fetches into one upstream call, per the §5 concurrency
	// guarantee.
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if passages, ok := c.lookupCache(ctx, key); ok {
			return passages, nil
		}
		passages, err := c.source.Fetch(ctx, namespace, normalized)
		if err != nil {
			return nil, err
		}
		c.store(ctx, key, passages)
		return passages, nil
	})
	if err != nil {
		return nil, err
	}
	return c.applyFilter(v.([]Passage), filterOverview), nil
}

func (c *Client) lookupCache(ctx context.Context, key string) ([]Passage, bool) {
	if c.backend != nil {
		passages, ok, err := c.backend.Get(ctx, key)
		if err != nil {
			c.logger.Warn().Err(err).Msg("retrieval cache backend read failed — treating as a miss")
			return nil, false
		}
		return passages, ok
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[key]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.passages, true
}

func (c *Client) store(ctx context.Context, key string, passages []Passage) {
	if c.backend != nil {
		if err := c.backend.Set(ctx, key, passages, c.ttl); err != nil {
			c.logger.Warn().Err(err).Msg("retrieval cache backend write failed")
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = cacheEntry{passages: passages, expiresAt: time.Now().Add(c.ttl)}
}

func (c *Client) applyFilter(passages []Passage, filterOverview bool) []Passage {
	if !filterOverview || c.financialPattern == nil {
		return passages
	}
	out := make([]Passage, 0, len(passages))
	for _, p := range passages {
		if c.financialPattern.MatchString(p.SourceID) {
			continue
		}
		out = append(out, p)
	}
	return out
}
