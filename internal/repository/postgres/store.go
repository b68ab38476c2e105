// Package postgres implements the persistence layer: typed repositories for
// campaigns, fields, groups, subscribers, memberships, transitions and the
// sync log, plus transactional bulk upserts with deadlock retry.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// txTimeout bounds one transactional batch, retries included.
const txTimeout = 30 * time.Second

// Store bundles the per-entity repositories over one connection pool.
type Store struct {
	db *sql.DB

	Campaigns   *CampaignRepo
	Fields      *FieldRepo
	Groups      *GroupRepo
	Subscribers *SubscriberRepo
	Memberships *MembershipRepo
	Transitions *TransitionRepo
	SyncLog     *SyncLogRepo
}

// NewStore wires all repositories onto db.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:          db,
		Campaigns:   NewCampaignRepo(db),
		Fields:      NewFieldRepo(db),
		Groups:      NewGroupRepo(db),
		Subscribers: NewSubscriberRepo(db),
		Memberships: NewMembershipRepo(db),
		Transitions: NewTransitionRepo(db),
		SyncLog:     NewSyncLogRepo(db),
	}
}

// DB exposes the underlying pool for health checks and advisory locks.
func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Open connects to PostgreSQL and verifies the connection.
func Open(url string, maxOpenConns, maxIdleConns int) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if maxIdleConns > 0 {
		db.SetMaxIdleConns(maxIdleConns)
	}
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// isRetryableDBErr reports whether the error is a deadlock, lock timeout or
// serialization failure worth retrying.
func isRetryableDBErr(err error) bool {
	if err == nil {
		return false
	}
	if pqErr, ok := err.(*pq.Error); ok {
		switch pqErr.Code {
		case "40001", "40P01", "55P03":
			return true
		}
	}
	return false
}

// withTxRetry runs fn inside a transaction, retrying deadlocks and lock
// timeouts with a short linear backoff until txTimeout is spent. Any other
// error rolls back and returns immediately.
func withTxRetry(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	var lastErr error
	for attempt := 1; ; attempt++ {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}

		err = fn(tx)
		if err == nil {
			if err = tx.Commit(); err == nil {
				return nil
			}
		}
		tx.Rollback()

		if !isRetryableDBErr(err) {
			return err
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return fmt.Errorf("tx retry budget spent: %w", lastErr)
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
		}
	}
}
