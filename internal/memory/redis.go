package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKey = "oracle:memory"

// RedisStore keeps records in a capped Redis list, newest at the head.
type RedisStore struct {
	rdb    *redis.Client
	maxLen int64
}

// NewRedisStore creates a Redis-backed store capped at maxLen records.
func NewRedisStore(rdb *redis.Client, maxLen int64) *RedisStore {
	if maxLen <= 0 {
		maxLen = 10000
	}
	return &RedisStore{rdb: rdb, maxLen: maxLen}
}

// Write pushes r and trims the list in one transaction.
func (s *RedisStore) Write(ctx context.Context, r Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("memory: marshal record: %w", err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, redisKey, b)
		p.LTrim(ctx, redisKey, 0, s.maxLen-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: push: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Recent returns the newest n records.
func (s *RedisStore) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		return nil, nil
	}
	vals, err := s.rdb.LRange(ctx, redisKey, 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: range: %v", ErrStoreUnavailable, err)
	}
	out := make([]Record, 0, len(vals))
	for _, v := range vals {
		var r Record
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
