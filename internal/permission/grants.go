package permission

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultGrantTTL bounds how long a confirmation stays usable.
const DefaultGrantTTL = 15 * time.Minute

// RedisGrants stores grants as one-time Redis keys.
type RedisGrants struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisGrants creates a Redis-backed grant store.
func NewRedisGrants(rdb *redis.Client, ttl time.Duration) *RedisGrants {
	if ttl <= 0 {
		ttl = DefaultGrantTTL
	}
	return &RedisGrants{rdb: rdb, ttl: ttl}
}

func grantKey(id uuid.UUID) string {
	return "oracle:grant:" + id.String()
}

// Grant stores the grant with the configured TTL.
func (g *RedisGrants) Grant(ctx context.Context, requestID uuid.UUID, by string) error {
	return g.rdb.Set(ctx, grantKey(requestID), by, g.ttl).Err()
}

// Consume atomically reads and deletes the grant.
func (g *RedisGrants) Consume(ctx context.Context, requestID uuid.UUID) (bool, error) {
	res, err := g.rdb.GetDel(ctx, grantKey(requestID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return res != "", nil
}

// MemoryGrants is an in-process grant store.
type MemoryGrants struct {
	mu     sync.Mutex
	ttl    time.Duration
	grants map[uuid.UUID]time.Time
	now    func() time.Time
}

// NewMemoryGrants creates an in-memory grant store.
func NewMemoryGrants(ttl time.Duration) *MemoryGrants {
	if ttl <= 0 {
		ttl = DefaultGrantTTL
	}
	return &MemoryGrants{
		ttl:    ttl,
		grants: make(map[uuid.UUID]time.Time),
		now:    time.Now,
	}
}

// Grant stores the grant.
func (g *MemoryGrants) Grant(_ context.Context, requestID uuid.UUID, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.grants[requestID] = g.now().Add(g.ttl)
	return nil
}

// Consume removes the grant and reports whether it was present and unexpired.
func (g *MemoryGrants) Consume(_ context.Context, requestID uuid.UUID) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	exp, ok := g.grants[requestID]
	if !ok {
		return false, nil
	}
	delete(g.grants, requestID)
	return g.now().Before(exp), nil
}
