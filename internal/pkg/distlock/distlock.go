// Package distlock provides the run lock that keeps two sync pipelines from
// reconciling the same provider account at once. Redis backs the lock when a
// client is available; deployments without Redis fall back to a
// session-scoped Postgres advisory lock.
package distlock

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"
)

// A Lock is held for the duration of one pipeline run. Instances are not
// safe for concurrent use; each run owns its own.
type Lock interface {
	// Acquire takes the lock without blocking, reporting whether it was won.
	Acquire(ctx context.Context) (bool, error)
	// Release frees the lock if this instance still owns it.
	Release(ctx context.Context) error
	// Extend pushes the expiry out during long stages. Backends whose locks
	// cannot expire treat it as a no-op.
	Extend(ctx context.Context, ttl time.Duration) error
}

// New picks the backend: Redis when a client is supplied, otherwise an
// advisory lock on db.
func New(client *redis.Client, db *sql.DB, name string, ttl time.Duration) Lock {
	if client != nil {
		return NewRedisLock(client, name, ttl)
	}
	return NewAdvisoryLock(db, name)
}
