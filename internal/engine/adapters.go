package engine

import (
	"context"
	"time"

	"github.com/bemamusic/crm-engine/internal/domain"
	"github.com/bemamusic/crm-engine/internal/repository/postgres"
)

// StoreAdapter implements Store over the postgres repositories.
type StoreAdapter struct {
	DB *postgres.Store
}

func NewStoreAdapter(db *postgres.Store) *StoreAdapter {
	return &StoreAdapter{DB: db}
}

func (a *StoreAdapter) UpsertCampaigns(ctx context.Context, campaigns []domain.Campaign) error {
	return a.DB.Campaigns.UpsertBulk(ctx, campaigns)
}

func (a *StoreAdapter) ListCampaigns(ctx context.Context) ([]domain.Campaign, error) {
	return a.DB.Campaigns.List(ctx)
}

func (a *StoreAdapter) GetCampaignByID(ctx context.Context, id string) (*domain.Campaign, error) {
	return a.DB.Campaigns.GetByID(ctx, id)
}

func (a *StoreAdapter) UpsertFields(ctx context.Context, fields []domain.Field) error {
	return a.DB.Fields.UpsertBulk(ctx, fields)
}

func (a *StoreAdapter) UpsertGroups(ctx context.Context, groups []domain.Group) error {
	return a.DB.Groups.UpsertBulk(ctx, groups)
}

func (a *StoreAdapter) ListGroups(ctx context.Context) ([]domain.Group, error) {
	return a.DB.Groups.List(ctx)
}

func (a *StoreAdapter) GetGroupByID(ctx context.Context, id string) (*domain.Group, error) {
	return a.DB.Groups.GetByID(ctx, id)
}

func (a *StoreAdapter) GetGroupByCampaignAndTier(ctx context.Context, campaignID, tier string) (*domain.Group, error) {
	return a.DB.Groups.GetByCampaignAndTier(ctx, campaignID, tier)
}

func (a *StoreAdapter) DeleteGroup(ctx context.Context, id string) error {
	return a.DB.Groups.DeleteByID(ctx, id)
}

func (a *StoreAdapter) UpsertSubscribers(ctx context.Context, subs []domain.Subscriber) (int, error) {
	return a.DB.Subscribers.UpsertBulk(ctx, subs)
}

func (a *StoreAdapter) UpsertMemberships(ctx context.Context, ms []domain.CampaignGroupSubscriber) (int, error) {
	return a.DB.Memberships.UpsertBulk(ctx, ms)
}

func (a *StoreAdapter) DeleteStaleMemberships(ctx context.Context, campaignID string, before time.Time) (int, error) {
	return a.DB.Memberships.DeleteStale(ctx, campaignID, before)
}

func (a *StoreAdapter) CreateSyncRecord(ctx context.Context, rec *domain.SyncRecord) error {
	return a.DB.SyncLog.Create(ctx, rec)
}

func (a *StoreAdapter) UpdateSyncRecord(ctx context.Context, rec *domain.SyncRecord) error {
	return a.DB.SyncLog.Update(ctx, rec)
}
