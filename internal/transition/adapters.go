package transition

import (
	"context"

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

func (a *StoreAdapter) GetCampaignByName(ctx context.Context, name string) (*domain.Campaign, error) {
	return a.DB.Campaigns.GetByName(ctx, name)
}

func (a *StoreAdapter) GetGroupByName(ctx context.Context, name string) (*domain.Group, error) {
	return a.DB.Groups.GetByName(ctx, name)
}

func (a *StoreAdapter) CreateTransition(ctx context.Context, t *domain.Transition) error {
	return a.DB.Transitions.Create(ctx, t)
}

func (a *StoreAdapter) UpdateTransition(ctx context.Context, t *domain.Transition) error {
	return a.DB.Transitions.Update(ctx, t)
}

func (a *StoreAdapter) RunningTransition(ctx context.Context) (*domain.Transition, error) {
	return a.DB.Transitions.Running(ctx)
}

func (a *StoreAdapter) AddTransitionSubscribers(ctx context.Context, transitionID string, subscriberIDs []string) error {
	return a.DB.Transitions.AddSubscribers(ctx, transitionID, subscriberIDs)
}
