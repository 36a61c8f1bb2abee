package retrieval

import (
	"context"
	"encoding/json"
	"time"

	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/redisclient"
)

const redisCachePrefix = "retrieval-cache:"

// RedisCacheBackend persists the retrieval cache in Redis, for a
// deployment where config.RetrievalCachePersistent is set and cache
// warmth should survive a process restart (open question (a)).
type RedisCacheBackend struct {
	client *redisclient.Client
}

// NewRedisCacheBackend wraps an existing Redis client.
func NewRedisCacheBackend(client *redisclient.Client) *RedisCacheBackend {
	return &RedisCacheBackend{client: client}
}

func (b *RedisCacheBackend) Get(ctx context.Context, key string) ([]Passage, bool, error) {
	raw, err := b.client.Get(ctx, redisCachePrefix+key)
	if err != nil {
		if redisclient.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var passages []Passage
	if err := json.Unmarshal(raw, &passages); err != nil {
		return nil, false, err
	}
	return passages, true, nil
}

func (b *RedisCacheBackend) Set(ctx context.Context, key string, passages []Passage, ttl time.Duration) error {
	raw, err := json.Marshal(passages)
	if err != nil {
		return err
	}
	return b.client.SetWithTTL(ctx, redisCachePrefix+key, raw, ttl)
}
