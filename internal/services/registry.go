package services

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ConnectionRegistry maps (userId, role) to a live connection identifier.
// Entries are TTL-backed and refreshed on heartbeat; an absent entry
// means "not reachable via push, use the relay store".
type ConnectionRegistry struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewConnectionRegistry(rdb *redis.Client, ttl time.Duration) *ConnectionRegistry {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &ConnectionRegistry{rdb: rdb, ttl: ttl}
}

func sessionKey(role string, userID uint) string {
	return fmt.Sprintf("session:%s:%d", role, userID)
}

// Bind registers the connection for the user. A reconnect simply
// overwrites the previous binding.
func (r *ConnectionRegistry) Bind(ctx context.Context, role string, userID uint, connID string) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Set(ctx, sessionKey(role, userID), connID, r.ttl).Err()
}

// Refresh extends the binding TTL on heartbeat.
func (r *ConnectionRegistry) Refresh(ctx context.Context, role string, userID uint) error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Expire(ctx, sessionKey(role, userID), r.ttl).Err()
}

// Lookup returns the registered connection ID, if any.
func (r *ConnectionRegistry) Lookup(ctx context.Context, role string, userID uint) (string, bool) {
	if r.rdb == nil {
		return "", false
	}
	connID, err := r.rdb.Get(ctx, sessionKey(role, userID)).Result()
	if err != nil {
		return "", false
	}
	return connID, true
}

// Unbind removes the binding, but only if it still belongs to connID.
// A stale disconnect must not evict a newer connection's binding.
func (r *ConnectionRegistry) Unbind(ctx context.Context, role string, userID uint, connID string) {
	if r.rdb == nil {
		return
	}
	key := sessionKey(role, userID)
	current, err := r.rdb.Get(ctx, key).Result()
	if err != nil || current != connID {
		return
	}
	r.rdb.Del(ctx, key)
}
