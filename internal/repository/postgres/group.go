package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bemamusic/crm-engine/internal/domain"
)

// GroupRepo persists the (campaign, tier) groups discovered upstream.
type GroupRepo struct{ db *sql.DB }

// NewGroupRepo creates a Postgres-backed group repository.
func NewGroupRepo(db *sql.DB) *GroupRepo { return &GroupRepo{db: db} }

func (r *GroupRepo) GetByID(ctx context.Context, id string) (*domain.Group, error) {
	return r.get(ctx, `WHERE id = $1`, id)
}

func (r *GroupRepo) GetByName(ctx context.Context, groupName string) (*domain.Group, error) {
	return r.get(ctx, `WHERE group_name = $1`, groupName)
}

func (r *GroupRepo) get(ctx context.Context, where string, arg interface{}) (*domain.Group, error) {
	g := &domain.Group{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, group_name, COALESCE(campaign_id,''), COALESCE(subscriber_tier,''), created_at, updated_at
		FROM crm_groups `+where,
		arg).Scan(&g.ID, &g.GroupName, &g.CampaignID, &g.Tier, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group: %w", err)
	}
	return g, nil
}

// GetByCampaignAndTier finds the single group for a (campaign, tier) pair.
func (r *GroupRepo) GetByCampaignAndTier(ctx context.Context, campaignID, tier string) (*domain.Group, error) {
	g := &domain.Group{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, group_name, COALESCE(campaign_id,''), COALESCE(subscriber_tier,''), created_at, updated_at
		FROM crm_groups
		WHERE campaign_id = $1 AND subscriber_tier = $2`,
		campaignID, tier).Scan(&g.ID, &g.GroupName, &g.CampaignID, &g.Tier, &g.CreatedAt, &g.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group by tier: %w", err)
	}
	return g, nil
}

func (r *GroupRepo) ListByCampaign(ctx context.Context, campaignID string) ([]domain.Group, error) {
	return r.list(ctx, `WHERE campaign_id = $1`, campaignID)
}

func (r *GroupRepo) List(ctx context.Context) ([]domain.Group, error) {
	return r.list(ctx, ``)
}

func (r *GroupRepo) list(ctx context.Context, where string, args ...interface{}) ([]domain.Group, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, group_name, COALESCE(campaign_id,''), COALESCE(subscriber_tier,''), created_at, updated_at
		FROM crm_groups `+where+`
		ORDER BY group_name`, args...)
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	defer rows.Close()

	var out []domain.Group
	for rows.Next() {
		var g domain.Group
		if err := rows.Scan(&g.ID, &g.GroupName, &g.CampaignID, &g.Tier, &g.CreatedAt, &g.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Upsert inserts or refreshes one group keyed by group_name.
func (r *GroupRepo) Upsert(ctx context.Context, g *domain.Group) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO crm_groups (id, group_name, campaign_id, subscriber_tier, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (group_name) DO UPDATE SET
			id = EXCLUDED.id,
			campaign_id = EXCLUDED.campaign_id,
			subscriber_tier = EXCLUDED.subscriber_tier,
			updated_at = NOW()
	`, g.ID, g.GroupName, g.CampaignID, g.Tier)
	if err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	return nil
}

// DeleteByID removes a group no longer present upstream. Memberships pointing
// at it are cleaned up by the next membership sync.
func (r *GroupRepo) DeleteByID(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM crm_groups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpsertBulk writes a batch of groups in one transaction.
func (r *GroupRepo) UpsertBulk(ctx context.Context, groups []domain.Group) error {
	if len(groups) == 0 {
		return nil
	}
	return withTxRetry(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO crm_groups (id, group_name, campaign_id, subscriber_tier, created_at, updated_at)
			VALUES ($1, $2, $3, $4, NOW(), NOW())
			ON CONFLICT (group_name) DO UPDATE SET
				id = EXCLUDED.id,
				campaign_id = EXCLUDED.campaign_id,
				subscriber_tier = EXCLUDED.subscriber_tier,
				updated_at = NOW()
		`)
		if err != nil {
			return fmt.Errorf("prepare group upsert: %w", err)
		}
		defer stmt.Close()

		for _, g := range groups {
			if _, err := stmt.ExecContext(ctx, g.ID, g.GroupName, g.CampaignID, g.Tier); err != nil {
				return fmt.Errorf("upsert group %s: %w", g.GroupName, err)
			}
		}
		return nil
	})
}
