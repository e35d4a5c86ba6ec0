// Package redislock provides lease-based mutual exclusion backed by Redis,
// for deployments where the lock table should not share the document store.
// Semantics match the gateway-backed LockManager: a lease expires on its own
// after its TTL, and only the owner can release it early.
package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "lock:"

// releaseScript deletes the lock only when the caller still owns it, so a
// slow owner cannot release a lease that expired and was re-acquired by
// someone else.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Locker hands out leases keyed by resource ID.
type Locker struct {
	client *redis.Client
}

// New creates a Locker over an existing client.
func New(client *redis.Client) *Locker {
	return &Locker{client: client}
}

// Acquire takes the lease on resourceID for ownerID. SET NX makes the
// check-and-set a single server-side operation; expiry is handled by the
// key's TTL. Returns false when another owner holds a live lease.
func (l *Locker) Acquire(ctx context.Context, resourceID, ownerID string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, keyPrefix+resourceID, ownerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %q: %w", resourceID, err)
	}
	return ok, nil
}

// Release drops the lease if ownerID still holds it and reports whether a
// key was actually deleted. Releasing a lapsed or foreign lease is a no-op.
func (l *Locker) Release(ctx context.Context, resourceID, ownerID string) (bool, error) {
	deleted, err := releaseScript.Run(ctx, l.client, []string{keyPrefix + resourceID}, ownerID).Int()
	if err != nil {
		return false, fmt.Errorf("release %q: %w", resourceID, err)
	}
	return deleted == 1, nil
}

// Owner returns the current lease holder, or false when the resource is free.
func (l *Locker) Owner(ctx context.Context, resourceID string) (string, bool, error) {
	owner, err := l.client.Get(ctx, keyPrefix+resourceID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("owner of %q: %w", resourceID, err)
	}
	return owner, true, nil
}
