package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"

	"github.com/bemamusic/crm-engine/internal/domain"
)

// MembershipRepo persists campaign group memberships, one row per
// (campaign, subscriber). SyncedAt is the freshness watermark: rows not
// touched by the latest sync of a campaign are pruned as stale.
type MembershipRepo struct{ db *sql.DB }

// NewMembershipRepo creates a Postgres-backed membership repository.
func NewMembershipRepo(db *sql.DB) *MembershipRepo { return &MembershipRepo{db: db} }

func (r *MembershipRepo) Get(ctx context.Context, campaignID, subscriberID string) (*domain.CampaignGroupSubscriber, error) {
	m := &domain.CampaignGroupSubscriber{}
	err := r.db.QueryRowContext(ctx, `
		SELECT campaign_id, subscriber_id, COALESCE(group_id,''), COALESCE(subscriber_tier,''),
		       COALESCE(purchase_id,0), synced_at, created_at, updated_at
		FROM crm_campaign_group_subscribers
		WHERE campaign_id = $1 AND subscriber_id = $2`,
		campaignID, subscriberID).Scan(&m.CampaignID, &m.SubscriberID, &m.GroupID, &m.Tier,
		&m.PurchaseID, &m.SyncedAt, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get membership: %w", err)
	}
	return m, nil
}

func (r *MembershipRepo) ListByCampaign(ctx context.Context, campaignID string) ([]domain.CampaignGroupSubscriber, error) {
	return r.list(ctx, `WHERE campaign_id = $1`, campaignID)
}

func (r *MembershipRepo) ListByGroup(ctx context.Context, groupID string) ([]domain.CampaignGroupSubscriber, error) {
	return r.list(ctx, `WHERE group_id = $1`, groupID)
}

// ListBySubscriber returns every campaign membership of one subscriber.
func (r *MembershipRepo) ListBySubscriber(ctx context.Context, subscriberID string) ([]domain.CampaignGroupSubscriber, error) {
	return r.list(ctx, `WHERE subscriber_id = $1`, subscriberID)
}

func (r *MembershipRepo) list(ctx context.Context, where string, args ...interface{}) ([]domain.CampaignGroupSubscriber, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT campaign_id, subscriber_id, COALESCE(group_id,''), COALESCE(subscriber_tier,''),
		       COALESCE(purchase_id,0), synced_at, created_at, updated_at
		FROM crm_campaign_group_subscribers `+where+`
		ORDER BY subscriber_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	var out []domain.CampaignGroupSubscriber
	for rows.Next() {
		var m domain.CampaignGroupSubscriber
		if err := rows.Scan(&m.CampaignID, &m.SubscriberID, &m.GroupID, &m.Tier,
			&m.PurchaseID, &m.SyncedAt, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *MembershipRepo) CountByCampaign(ctx context.Context, campaignID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM crm_campaign_group_subscribers WHERE campaign_id = $1`,
		campaignID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count memberships: %w", err)
	}
	return n, nil
}

// Upsert inserts or refreshes one membership keyed by (campaign, subscriber).
// The purchase id is preserved when the incoming row carries none, so a sync
// refresh never erases previously validated purchase evidence.
func (r *MembershipRepo) Upsert(ctx context.Context, m *domain.CampaignGroupSubscriber) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO crm_campaign_group_subscribers
			(campaign_id, subscriber_id, group_id, subscriber_tier, purchase_id, synced_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (campaign_id, subscriber_id) DO UPDATE SET
			group_id = EXCLUDED.group_id,
			subscriber_tier = EXCLUDED.subscriber_tier,
			purchase_id = GREATEST(crm_campaign_group_subscribers.purchase_id, EXCLUDED.purchase_id),
			synced_at = EXCLUDED.synced_at,
			updated_at = NOW()
	`, m.CampaignID, m.SubscriberID, m.GroupID, m.Tier, m.PurchaseID, m.SyncedAt)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

// UpsertBulk writes a batch of memberships through the COPY protocol with a
// temp-table merge, falling back to row-by-row upserts when COPY fails.
func (r *MembershipRepo) UpsertBulk(ctx context.Context, memberships []domain.CampaignGroupSubscriber) (int, error) {
	if len(memberships) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("[MembershipRepo] BeginTx error: %v", err)
		return r.upsertBulkFallback(ctx, memberships)
	}
	defer tx.Rollback()

	tx.ExecContext(ctx, `SET LOCAL work_mem = '256MB'`)

	_, err = tx.ExecContext(ctx, `
		CREATE TEMP TABLE _membership_batch (
			campaign_id VARCHAR(64),
			subscriber_id VARCHAR(64),
			group_id VARCHAR(64),
			subscriber_tier VARCHAR(64),
			purchase_id BIGINT,
			synced_at TIMESTAMPTZ
		) ON COMMIT DROP
	`)
	if err != nil {
		log.Printf("[MembershipRepo] Create temp table error: %v", err)
		return r.upsertBulkFallback(ctx, memberships)
	}

	stmt, err := tx.Prepare(pq.CopyIn("_membership_batch",
		"campaign_id", "subscriber_id", "group_id", "subscriber_tier", "purchase_id", "synced_at"))
	if err != nil {
		log.Printf("[MembershipRepo] COPY prepare error: %v", err)
		return r.upsertBulkFallback(ctx, memberships)
	}

	for _, m := range memberships {
		if _, err := stmt.Exec(m.CampaignID, m.SubscriberID, m.GroupID, m.Tier, m.PurchaseID, m.SyncedAt); err != nil {
			log.Printf("[MembershipRepo] COPY exec error: %v", err)
			stmt.Close()
			return r.upsertBulkFallback(ctx, memberships)
		}
	}

	if _, err := stmt.Exec(); err != nil {
		log.Printf("[MembershipRepo] COPY flush error: %v", err)
		stmt.Close()
		return r.upsertBulkFallback(ctx, memberships)
	}
	stmt.Close()

	result, err := tx.ExecContext(ctx, `
		INSERT INTO crm_campaign_group_subscribers
			(campaign_id, subscriber_id, group_id, subscriber_tier, purchase_id, synced_at, created_at, updated_at)
		SELECT b.campaign_id, b.subscriber_id, b.group_id, b.subscriber_tier, b.purchase_id, b.synced_at, NOW(), NOW()
		FROM _membership_batch b
		WHERE b.campaign_id <> '' AND b.subscriber_id <> ''
		ON CONFLICT (campaign_id, subscriber_id) DO UPDATE SET
			group_id = EXCLUDED.group_id,
			subscriber_tier = EXCLUDED.subscriber_tier,
			purchase_id = GREATEST(crm_campaign_group_subscribers.purchase_id, EXCLUDED.purchase_id),
			synced_at = EXCLUDED.synced_at,
			updated_at = NOW()
	`)
	if err != nil {
		log.Printf("[MembershipRepo] Merge INSERT error: %v", err)
		return r.upsertBulkFallback(ctx, memberships)
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[MembershipRepo] Commit error: %v", err)
		return r.upsertBulkFallback(ctx, memberships)
	}

	n, _ := result.RowsAffected()
	return int(n), nil
}

func (r *MembershipRepo) upsertBulkFallback(ctx context.Context, memberships []domain.CampaignGroupSubscriber) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin membership fallback: %w", err)
	}
	defer tx.Rollback()

	written := 0
	for _, m := range memberships {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO crm_campaign_group_subscribers
				(campaign_id, subscriber_id, group_id, subscriber_tier, purchase_id, synced_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
			ON CONFLICT (campaign_id, subscriber_id) DO UPDATE SET
				group_id = EXCLUDED.group_id,
				subscriber_tier = EXCLUDED.subscriber_tier,
				purchase_id = GREATEST(crm_campaign_group_subscribers.purchase_id, EXCLUDED.purchase_id),
				synced_at = EXCLUDED.synced_at,
				updated_at = NOW()
		`, m.CampaignID, m.SubscriberID, m.GroupID, m.Tier, m.PurchaseID, m.SyncedAt)
		if err != nil {
			return written, fmt.Errorf("upsert membership %s: %w", m.Key(), err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			written++
		}
	}

	if err := tx.Commit(); err != nil {
		return written, fmt.Errorf("commit membership fallback: %w", err)
	}
	return written, nil
}

// UpdateTier moves one subscriber, looked up by email, to a new tier and
// group within a campaign.
func (r *MembershipRepo) UpdateTier(ctx context.Context, email, campaignID, tier, groupID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE crm_campaign_group_subscribers
		SET subscriber_tier = $1, group_id = $2, updated_at = NOW()
		WHERE campaign_id = $3
		  AND subscriber_id = (SELECT id FROM crm_subscribers WHERE email = $4)
	`, tier, groupID, campaignID, domain.NormalizeEmail(email))
	if err != nil {
		return fmt.Errorf("update membership tier: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdatePurchase records a validated store order id on one membership,
// looked up by email.
func (r *MembershipRepo) UpdatePurchase(ctx context.Context, email, campaignID string, purchaseID int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE crm_campaign_group_subscribers
		SET purchase_id = $1, updated_at = NOW()
		WHERE campaign_id = $2
		  AND subscriber_id = (SELECT id FROM crm_subscribers WHERE email = $3)
	`, purchaseID, campaignID, domain.NormalizeEmail(email))
	if err != nil {
		return fmt.Errorf("update membership purchase: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// DeleteStale removes memberships of a campaign whose watermark predates the
// given sync start, meaning the subscriber no longer appears in any of the
// campaign's upstream groups.
func (r *MembershipRepo) DeleteStale(ctx context.Context, campaignID string, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM crm_campaign_group_subscribers
		WHERE campaign_id = $1 AND synced_at < $2
	`, campaignID, before)
	if err != nil {
		return 0, fmt.Errorf("delete stale memberships: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
