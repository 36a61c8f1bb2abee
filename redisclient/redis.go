package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/learningcmsebl-ux/aichatbot-refine-sub001/config"
	"github.com/redis/go-redis/v9"
)

// Client wraps a redis.Client for the two process-wide caches this core is
// allowed to keep: the disambiguation store (C6) and, when
// config.RetrievalCachePersistent is set, the retrieval cache (C3).
type Client struct {
	c *redis.Client
}

// New creates a Redis client from the provided config. Returns an error
// if the Redis URL cannot be parsed.
func New(cfg *config.Config) (*Client, error) {
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	r := redis.NewClient(opt)
	return &Client{c: r}, nil
}

func (r *Client) Ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.c.Ping(ctx).Err()
}

// SetWithTTL stores a value under key with the given expiry.
func (r *Client) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.c.Set(ctx, key, value, ttl).Err()
}

// Get returns the value stored under key, or redis.Nil if it does not exist.
func (r *Client) Get(ctx context.Context, key string) ([]byte, error) {
	return r.c.Get(ctx, key).Bytes()
}

// GetDel atomically reads and deletes a key — the primitive behind
// single-consumption disambiguation tokens (§4.6, P7).
func (r *Client) GetDel(ctx context.Context, key string) ([]byte, error) {
	return r.c.GetDel(ctx, key).Bytes()
}

// Del removes a key.
func (r *Client) Del(ctx context.Context, key string) error {
	return r.c.Del(ctx, key).Err()
}

// IsNotFound reports whether err is redis.Nil (key absent / already consumed).
func IsNotFound(err error) bool {
	return err == redis.Nil
}

// Close releases the underlying connection pool.
func (r *Client) Close() error {
	return r.c.Close()
}
