package engine

import (
	"context"
	"time"

	"github.com/bemamusic/crm-engine/internal/albums"
	"github.com/bemamusic/crm-engine/internal/archive"
	"github.com/bemamusic/crm-engine/internal/dds"
	"github.com/bemamusic/crm-engine/internal/domain"
	"github.com/bemamusic/crm-engine/internal/mlp"
	"github.com/bemamusic/crm-engine/internal/validate"
)

// MLPClient is the slice of the list-provider client the pipeline consumes.
// The engine talks to this instead of *mlp.Client so stage logic is testable
// with in-memory fakes.
type MLPClient interface {
	CampaignNameToID(ctx context.Context) (map[string]string, error)
	CreateDraftCampaign(ctx context.Context, name, campaignType, subject string) (*mlp.CampaignRef, error)
	ListFields(ctx context.Context) ([]domain.Field, error)
	CreateField(ctx context.Context, name, fieldType string) (*domain.Field, error)
	ListGroups(ctx context.Context) ([]domain.Group, error)
	CreateGroup(ctx context.Context, name string) (*domain.Group, error)
	SubscribersPage(ctx context.Context, cursor string, limit int) ([]domain.Subscriber, string, error)
	GroupSubscribersPage(ctx context.Context, groupID string, page, perPage int) ([]domain.Subscriber, error)
	UpdateSubscriberFields(ctx context.Context, idOrEmail string, fields map[string]string) error
	AddToGroup(ctx context.Context, subscriberID, groupID string) error
	RemoveFromGroup(ctx context.Context, subscriberID, groupID string) error
	VerifyTier(ctx context.Context, subscriberID, expectedTier string) (bool, error)
	FlushCache()
	AbortPending()
	Ping(ctx context.Context) error
}

// DDSClient is the slice of the store client the pipeline consumes.
type DDSClient interface {
	FindProductByTitle(ctx context.Context, artist, productCode string) (string, error)
	SalesBatches(ctx context.Context, productID string, startPage, size int) <-chan dds.SalesBatch
	Ping(ctx context.Context) error
}

// Store is the flattened persistence surface the stages write through. It is
// implemented by StoreAdapter over the postgres repositories and by a map
// store in tests.
type Store interface {
	UpsertCampaigns(ctx context.Context, campaigns []domain.Campaign) error
	ListCampaigns(ctx context.Context) ([]domain.Campaign, error)
	GetCampaignByID(ctx context.Context, id string) (*domain.Campaign, error)

	UpsertFields(ctx context.Context, fields []domain.Field) error

	UpsertGroups(ctx context.Context, groups []domain.Group) error
	ListGroups(ctx context.Context) ([]domain.Group, error)
	GetGroupByID(ctx context.Context, id string) (*domain.Group, error)
	GetGroupByCampaignAndTier(ctx context.Context, campaignID, tier string) (*domain.Group, error)
	DeleteGroup(ctx context.Context, id string) error

	UpsertSubscribers(ctx context.Context, subs []domain.Subscriber) (int, error)

	UpsertMemberships(ctx context.Context, ms []domain.CampaignGroupSubscriber) (int, error)
	DeleteStaleMemberships(ctx context.Context, campaignID string, before time.Time) (int, error)

	CreateSyncRecord(ctx context.Context, rec *domain.SyncRecord) error
	UpdateSyncRecord(ctx context.Context, rec *domain.SyncRecord) error
}

// Reporter archives terminal-run reports and error-queue dumps.
type Reporter interface {
	SaveReport(ctx context.Context, r *archive.Report) (string, error)
	SaveErrorDump(ctx context.Context, entries []domain.ErrorEntry) (string, error)
}

// AlbumSource yields the expected releases from configuration and the
// release feed.
type AlbumSource interface {
	Releases() ([]albums.Release, validate.Issues)
	FeedReleases(ctx context.Context) ([]albums.Release, error)
}
