package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/bemamusic/crm-engine/internal/domain"
)

// CampaignRepo persists campaigns. The campaign name is the logical key;
// the upstream id is refreshed on every sync.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

func (r *CampaignRepo) GetByID(ctx context.Context, id string) (*domain.Campaign, error) {
	return r.get(ctx, `WHERE id = $1`, id)
}

func (r *CampaignRepo) GetByName(ctx context.Context, name string) (*domain.Campaign, error) {
	return r.get(ctx, `WHERE name = $1`, strings.ToUpper(strings.TrimSpace(name)))
}

func (r *CampaignRepo) get(ctx context.Context, where string, arg interface{}) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, COALESCE(product_id,''), COALESCE(artist,''), COALESCE(album,''),
		       COALESCE(year,0), created_at, updated_at
		FROM crm_campaigns `+where,
		arg).Scan(&c.ID, &c.Name, &c.ProductID, &c.Artist, &c.Album, &c.Year, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

func (r *CampaignRepo) List(ctx context.Context) ([]domain.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, COALESCE(product_id,''), COALESCE(artist,''), COALESCE(album,''),
		       COALESCE(year,0), created_at, updated_at
		FROM crm_campaigns
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list campaigns: %w", err)
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		var c domain.Campaign
		if err := rows.Scan(&c.ID, &c.Name, &c.ProductID, &c.Artist, &c.Album, &c.Year, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Upsert inserts or refreshes one campaign keyed by name.
func (r *CampaignRepo) Upsert(ctx context.Context, c *domain.Campaign) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO crm_campaigns (id, name, product_id, artist, album, year, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (name) DO UPDATE SET
			id = EXCLUDED.id,
			product_id = EXCLUDED.product_id,
			artist = EXCLUDED.artist,
			album = EXCLUDED.album,
			year = EXCLUDED.year,
			updated_at = NOW()
	`, c.ID, strings.ToUpper(strings.TrimSpace(c.Name)), c.ProductID, c.Artist, c.Album, c.Year)
	if err != nil {
		return fmt.Errorf("upsert campaign: %w", err)
	}
	return nil
}

// UpsertBulk writes a batch of campaigns in one transaction.
func (r *CampaignRepo) UpsertBulk(ctx context.Context, campaigns []domain.Campaign) error {
	if len(campaigns) == 0 {
		return nil
	}
	return withTxRetry(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO crm_campaigns (id, name, product_id, artist, album, year, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
			ON CONFLICT (name) DO UPDATE SET
				id = EXCLUDED.id,
				product_id = EXCLUDED.product_id,
				artist = EXCLUDED.artist,
				album = EXCLUDED.album,
				year = EXCLUDED.year,
				updated_at = NOW()
		`)
		if err != nil {
			return fmt.Errorf("prepare campaign upsert: %w", err)
		}
		defer stmt.Close()

		for _, c := range campaigns {
			if _, err := stmt.ExecContext(ctx, c.ID, strings.ToUpper(strings.TrimSpace(c.Name)),
				c.ProductID, c.Artist, c.Album, c.Year); err != nil {
				return fmt.Errorf("upsert campaign %s: %w", c.Name, err)
			}
		}
		return nil
	})
}

func (r *CampaignRepo) DeleteByID(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM crm_campaigns WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete campaign: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
