package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/bemamusic/crm-engine/internal/domain"
)

// SyncLogRepo persists the audit log of sync runs.
type SyncLogRepo struct{ db *sql.DB }

// NewSyncLogRepo creates a Postgres-backed sync log repository.
func NewSyncLogRepo(db *sql.DB) *SyncLogRepo { return &SyncLogRepo{db: db} }

// Create inserts a new run record, assigning an id when absent.
func (r *SyncLogRepo) Create(ctx context.Context, rec *domain.SyncRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO crm_sync_log (id, sync_date, status, synced_subscribers, notes)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.ID, rec.SyncDate, string(rec.Status), rec.SyncedSubscribers, rec.Notes)
	if err != nil {
		return fmt.Errorf("create sync record: %w", err)
	}
	return nil
}

// Update refreshes the mutable columns of a run record.
func (r *SyncLogRepo) Update(ctx context.Context, rec *domain.SyncRecord) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE crm_sync_log
		SET status = $1, synced_subscribers = $2, notes = $3, completed_at = $4
		WHERE id = $5
	`, string(rec.Status), rec.SyncedSubscribers, rec.Notes, rec.CompletedAt, rec.ID)
	if err != nil {
		return fmt.Errorf("update sync record: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Latest returns the most recent run record.
func (r *SyncLogRepo) Latest(ctx context.Context) (*domain.SyncRecord, error) {
	rec := &domain.SyncRecord{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, sync_date, status, synced_subscribers, COALESCE(notes,''), completed_at
		FROM crm_sync_log
		ORDER BY sync_date DESC
		LIMIT 1`).Scan(&rec.ID, &rec.SyncDate, &rec.Status, &rec.SyncedSubscribers, &rec.Notes, &rec.CompletedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest sync record: %w", err)
	}
	return rec, nil
}

// List returns run records newest first.
func (r *SyncLogRepo) List(ctx context.Context, limit int) ([]domain.SyncRecord, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, sync_date, status, synced_subscribers, COALESCE(notes,''), completed_at
		FROM crm_sync_log
		ORDER BY sync_date DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync records: %w", err)
	}
	defer rows.Close()

	var out []domain.SyncRecord
	for rows.Next() {
		var rec domain.SyncRecord
		if err := rows.Scan(&rec.ID, &rec.SyncDate, &rec.Status, &rec.SyncedSubscribers, &rec.Notes, &rec.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan sync record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
