package cache

import (
	"context"
	"fmt"
	"time"

	redisv9 "github.com/redis/go-redis/v9"
)

// StatusCache absorbs status-poll traffic while a document is being ingested.
// Entries are short-lived and invalidated on every status transition, so a
// poller never observes a stale terminal status for long.
type StatusCache struct {
	client *redisv9.Client
	ttl    time.Duration
}

func NewStatusCache(client *redisv9.Client, ttl time.Duration) *StatusCache {
	if ttl <= 0 {
		ttl = 3 * time.Second
	}
	return &StatusCache{
		client: client,
		ttl:    ttl,
	}
}

func (c *StatusCache) Get(ctx context.Context, userID, documentID uint) (string, bool, error) {
	raw, err := c.client.Get(ctx, c.key(userID, documentID)).Result()
	if err == redisv9.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get status failed: %w", err)
	}
	return raw, true, nil
}

func (c *StatusCache) Set(ctx context.Context, userID, documentID uint, status string) error {
	if err := c.client.Set(ctx, c.key(userID, documentID), status, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set status failed: %w", err)
	}
	return nil
}

// Invalidate drops every cached entry for a document regardless of which user
// populated it.
func (c *StatusCache) Invalidate(ctx context.Context, documentID uint) error {
	pattern := fmt.Sprintf("document:status:*:%d", documentID)
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis delete status failed: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan status keys failed: %w", err)
	}
	return nil
}

func (c *StatusCache) key(userID, documentID uint) string {
	return fmt.Sprintf("document:status:%d:%d", userID, documentID)
}
