// Package progress is the durable cross-cutting state of the sync pipeline:
// the operator-visible status object, the resume checkpoint, the cooperative
// stop flag, a bounded error queue and the run lock. Redis is the preferred
// backend; a process-local store covers deployments without one.
package progress

import (
	"context"
	"database/sql"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bemamusic/crm-engine/internal/domain"
	"github.com/bemamusic/crm-engine/internal/pkg/distlock"
)

// Keys under which the pipeline state is persisted.
const (
	keyStatus     = "sync_status"
	keyStopFlag   = "sync_stop_flag"
	keyCheckpoint = "sync_progress_checkpoint"
	keyErrorQueue = "sync_error_queue"
	keyRunLock    = "sync_lock"
)

// DefaultMaxQueue bounds the error queue when no limit is configured.
const DefaultMaxQueue = 100

// Store is the single mutation surface for pipeline state. Absent values are
// reported as nil without error; only backend failures surface as errors.
type Store interface {
	// SetStatus publishes the operator-visible status object.
	SetStatus(ctx context.Context, p *domain.SyncProgress) error
	// Status returns the last published status, or nil when none exists.
	Status(ctx context.Context) (*domain.SyncProgress, error)

	// SetStopFlag requests a cooperative halt at the next safe boundary.
	SetStopFlag(ctx context.Context) error
	ClearStopFlag(ctx context.Context) error
	IsStopped(ctx context.Context) (bool, error)

	// SaveCheckpoint persists the resume point of an interrupted run.
	SaveCheckpoint(ctx context.Context, cp *domain.Checkpoint) error
	// LoadCheckpoint returns the saved resume point, or nil when none exists.
	LoadCheckpoint(ctx context.Context) (*domain.Checkpoint, error)
	ClearCheckpoint(ctx context.Context) error

	// EnqueueError records one failed work item. The queue is bounded; the
	// oldest entries are evicted first.
	EnqueueError(ctx context.Context, e domain.ErrorEntry) error
	// ListErrors returns up to limit entries, newest first. limit <= 0 means
	// the whole queue.
	ListErrors(ctx context.Context, limit int) ([]domain.ErrorEntry, error)
	ClearErrors(ctx context.Context) error

	// AcquireRunLock takes the single-pipeline lock. Returns false when
	// another run holds it.
	AcquireRunLock(ctx context.Context, ttl time.Duration) (bool, error)
	ReleaseRunLock(ctx context.Context) error
}

// New creates a store using the best available backend. If client is non-nil
// the state lives in Redis and survives restarts; otherwise it is held in
// process memory, with the run lock moved onto a Postgres advisory lock when
// db is available so two processes still cannot sync concurrently.
func New(client *redis.Client, db *sql.DB, maxQueue int) Store {
	if client != nil {
		return NewRedisStore(client, maxQueue)
	}
	ms := NewMemoryStore(maxQueue)
	if db != nil {
		ms.SetRunLock(distlock.NewAdvisoryLock(db, keyRunLock))
	}
	return ms
}
