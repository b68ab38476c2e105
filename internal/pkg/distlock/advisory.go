package distlock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"
)

// AdvisoryLock rides on pg_try_advisory_lock. The lock is tied to the
// session, so a dropped connection frees it much like a Redis TTL expiry
// would.
type AdvisoryLock struct {
	db *sql.DB
	id int64
}

// NewAdvisoryLock derives a stable 64-bit lock id from name.
func NewAdvisoryLock(db *sql.DB, name string) *AdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(name))
	return &AdvisoryLock{db: db, id: int64(h.Sum64())}
}

func (l *AdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	var won bool
	if err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.id).Scan(&won); err != nil {
		return false, fmt.Errorf("acquiring advisory lock %d: %w", l.id, err)
	}
	return won, nil
}

func (l *AdvisoryLock) Release(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.id); err != nil {
		return fmt.Errorf("releasing advisory lock %d: %w", l.id, err)
	}
	return nil
}

// Extend is a no-op: the session holds the lock until released or dropped.
func (l *AdvisoryLock) Extend(ctx context.Context, ttl time.Duration) error {
	return nil
}
