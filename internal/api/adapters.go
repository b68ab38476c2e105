package api

import (
	"context"

	"github.com/bemamusic/crm-engine/internal/domain"
	"github.com/bemamusic/crm-engine/internal/repository/postgres"
)

// DirectoryAdapter implements Directory over the postgres repositories.
type DirectoryAdapter struct {
	DB *postgres.Store
}

func NewDirectoryAdapter(db *postgres.Store) *DirectoryAdapter {
	return &DirectoryAdapter{DB: db}
}

func (a *DirectoryAdapter) ListCampaigns(ctx context.Context) ([]domain.Campaign, error) {
	return a.DB.Campaigns.List(ctx)
}

func (a *DirectoryAdapter) ListTransitions(ctx context.Context, limit int) ([]domain.Transition, error) {
	return a.DB.Transitions.List(ctx, limit)
}

func (a *DirectoryAdapter) GetTransition(ctx context.Context, id string) (*domain.Transition, error) {
	return a.DB.Transitions.GetByID(ctx, id)
}

func (a *DirectoryAdapter) CountTransitionSubscribers(ctx context.Context, id string) (int, error) {
	return a.DB.Transitions.CountSubscribers(ctx, id)
}

func (a *DirectoryAdapter) ListSyncRecords(ctx context.Context, limit int) ([]domain.SyncRecord, error) {
	return a.DB.SyncLog.List(ctx, limit)
}
