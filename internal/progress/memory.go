package progress

import (
	"context"
	"sync"
	"time"

	"github.com/bemamusic/crm-engine/internal/domain"
	"github.com/bemamusic/crm-engine/internal/pkg/distlock"
)

// MemoryStore keeps pipeline state in process memory. State does not survive
// a restart, so resumed runs start from stage 1; everything else behaves like
// the Redis store.
type MemoryStore struct {
	mu       sync.Mutex
	maxQueue int

	status     *domain.SyncProgress
	stopped    bool
	checkpoint *domain.Checkpoint
	errors     []domain.ErrorEntry

	lock       distlock.Lock
	lockHeld   bool
	lockExpiry time.Time
	now        func() time.Time
}

// NewMemoryStore creates a process-local store.
func NewMemoryStore(maxQueue int) *MemoryStore {
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueue
	}
	return &MemoryStore{maxQueue: maxQueue, now: time.Now}
}

func (s *MemoryStore) SetStatus(_ context.Context, p *domain.SyncProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.status = &cp
	return nil
}

func (s *MemoryStore) Status(_ context.Context) (*domain.SyncProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == nil {
		return nil, nil
	}
	cp := *s.status
	return &cp, nil
}

func (s *MemoryStore) SetStopFlag(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func (s *MemoryStore) ClearStopFlag(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = false
	return nil
}

func (s *MemoryStore) IsStopped(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped, nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, cp *domain.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *cp
	s.checkpoint = &c
	return nil
}

func (s *MemoryStore) LoadCheckpoint(_ context.Context) (*domain.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkpoint == nil {
		return nil, nil
	}
	c := *s.checkpoint
	return &c, nil
}

func (s *MemoryStore) ClearCheckpoint(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoint = nil
	return nil
}

func (s *MemoryStore) EnqueueError(_ context.Context, e domain.ErrorEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append([]domain.ErrorEntry{e}, s.errors...)
	if len(s.errors) > s.maxQueue {
		s.errors = s.errors[:s.maxQueue]
	}
	return nil
}

func (s *MemoryStore) ListErrors(_ context.Context, limit int) ([]domain.ErrorEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.errors)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]domain.ErrorEntry, n)
	copy(out, s.errors[:n])
	return out, nil
}

func (s *MemoryStore) ClearErrors(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = nil
	return nil
}

// SetRunLock delegates the run lock to an external backend, typically a
// Postgres advisory lock, so two processes sharing a database cannot sync
// concurrently even without Redis.
func (s *MemoryStore) SetRunLock(l distlock.Lock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lock = l
}

func (s *MemoryStore) AcquireRunLock(ctx context.Context, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	if l := s.lock; l != nil {
		s.mu.Unlock()
		return l.Acquire(ctx)
	}
	defer s.mu.Unlock()
	now := s.now()
	if s.lockHeld && now.Before(s.lockExpiry) {
		return false, nil
	}
	s.lockHeld = true
	s.lockExpiry = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) ReleaseRunLock(ctx context.Context) error {
	s.mu.Lock()
	if l := s.lock; l != nil {
		s.mu.Unlock()
		return l.Release(ctx)
	}
	defer s.mu.Unlock()
	s.lockHeld = false
	return nil
}

// SetClock overrides the clock for tests.
func (s *MemoryStore) SetClock(now func() time.Time) { s.now = now }
