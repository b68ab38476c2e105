package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bemamusic/crm-engine/internal/domain"
)

// FieldRepo persists the per-campaign purchase fields discovered upstream.
type FieldRepo struct{ db *sql.DB }

// NewFieldRepo creates a Postgres-backed field repository.
func NewFieldRepo(db *sql.DB) *FieldRepo { return &FieldRepo{db: db} }

func (r *FieldRepo) GetByID(ctx context.Context, id string) (*domain.Field, error) {
	return r.get(ctx, `WHERE id = $1`, id)
}

func (r *FieldRepo) GetByName(ctx context.Context, fieldName string) (*domain.Field, error) {
	return r.get(ctx, `WHERE field_name = $1`, fieldName)
}

func (r *FieldRepo) get(ctx context.Context, where string, arg interface{}) (*domain.Field, error) {
	f := &domain.Field{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, field_name, COALESCE(campaign_id,''), created_at, updated_at
		FROM crm_fields `+where,
		arg).Scan(&f.ID, &f.FieldName, &f.CampaignID, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get field: %w", err)
	}
	return f, nil
}

func (r *FieldRepo) ListByCampaign(ctx context.Context, campaignID string) ([]domain.Field, error) {
	return r.list(ctx, `WHERE campaign_id = $1`, campaignID)
}

func (r *FieldRepo) List(ctx context.Context) ([]domain.Field, error) {
	return r.list(ctx, ``)
}

func (r *FieldRepo) list(ctx context.Context, where string, args ...interface{}) ([]domain.Field, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, field_name, COALESCE(campaign_id,''), created_at, updated_at
		FROM crm_fields `+where+`
		ORDER BY field_name`, args...)
	if err != nil {
		return nil, fmt.Errorf("list fields: %w", err)
	}
	defer rows.Close()

	var out []domain.Field
	for rows.Next() {
		var f domain.Field
		if err := rows.Scan(&f.ID, &f.FieldName, &f.CampaignID, &f.CreatedAt, &f.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan field: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Upsert inserts or refreshes one field keyed by field_name.
func (r *FieldRepo) Upsert(ctx context.Context, f *domain.Field) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO crm_fields (id, field_name, campaign_id, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (field_name) DO UPDATE SET
			id = EXCLUDED.id,
			campaign_id = EXCLUDED.campaign_id,
			updated_at = NOW()
	`, f.ID, f.FieldName, f.CampaignID)
	if err != nil {
		return fmt.Errorf("upsert field: %w", err)
	}
	return nil
}

// DeleteByID removes a field. Unused in the sync path: purchase fields stay
// once created, but operators can clean up after a campaign rename.
func (r *FieldRepo) DeleteByID(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM crm_fields WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete field: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpsertBulk writes a batch of fields in one transaction.
func (r *FieldRepo) UpsertBulk(ctx context.Context, fields []domain.Field) error {
	if len(fields) == 0 {
		return nil
	}
	return withTxRetry(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO crm_fields (id, field_name, campaign_id, created_at, updated_at)
			VALUES ($1, $2, $3, NOW(), NOW())
			ON CONFLICT (field_name) DO UPDATE SET
				id = EXCLUDED.id,
				campaign_id = EXCLUDED.campaign_id,
				updated_at = NOW()
		`)
		if err != nil {
			return fmt.Errorf("prepare field upsert: %w", err)
		}
		defer stmt.Close()

		for _, f := range fields {
			if _, err := stmt.ExecContext(ctx, f.ID, f.FieldName, f.CampaignID); err != nil {
				return fmt.Errorf("upsert field %s: %w", f.FieldName, err)
			}
		}
		return nil
	})
}
