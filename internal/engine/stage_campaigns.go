package engine

import (
	"context"
	"fmt"
	"log"

	"github.com/bemamusic/crm-engine/internal/albums"
	"github.com/bemamusic/crm-engine/internal/archive"
	"github.com/bemamusic/crm-engine/internal/domain"
	"github.com/bemamusic/crm-engine/internal/validate"
)

// syncCampaigns reconciles the expected releases against the list provider.
// Configured and feed releases merge into one set; a release with no
// upstream campaign of the same normalized name gets a draft created for
// it. Every reconciled campaign is persisted with its resolved store
// product id.
func (e *Engine) syncCampaigns(ctx context.Context, run *runState) (archive.StageResult, error) {
	res := archive.StageResult{}

	releases, issues := e.albums.Releases()
	for _, is := range issues {
		if is.Severity != validate.SeverityError {
			continue
		}
		res.Failed++
		e.enqueueError(ctx, run, "campaigns", is.Field, domain.KindValidation, is.Message)
	}

	feed, err := e.albums.FeedReleases(ctx)
	if err != nil {
		// A dead feed degrades to configured releases only.
		log.Printf("[SyncEngine] release feed: %v", err)
		e.enqueueError(ctx, run, "campaigns", "release_feed", domain.KindOf(err), err.Error())
	}
	all := albums.Merge(releases, feed)
	res.Processed = len(all)
	if len(all) == 0 {
		log.Printf("[SyncEngine] no releases configured, nothing to reconcile")
		return res, nil
	}

	nameToID, err := e.mlp.CampaignNameToID(ctx)
	if err != nil {
		return res, fmt.Errorf("listing campaigns: %w", err)
	}

	campaigns := make([]domain.Campaign, 0, len(all))
	for _, rel := range all {
		if e.stopRequested(ctx) {
			e.persistCampaigns(ctx, &res, campaigns)
			return res, domain.ErrStopped
		}
		name := rel.CampaignName()
		id, ok := nameToID[name]
		if !ok {
			ref, err := e.mlp.CreateDraftCampaign(ctx, name, e.draftType, e.renderSubject(rel))
			if err != nil {
				res.Failed++
				e.enqueueError(ctx, run, "campaigns", name, domain.KindOf(err), err.Error())
				continue
			}
			id = ref.ID
			log.Printf("[SyncEngine] created draft campaign %s (%s)", name, id)
		}
		c := domain.Campaign{
			ID:     id,
			Name:   name,
			Artist: rel.Artist,
			Album:  rel.Album,
			Year:   rel.Year,
		}
		code := rel.ProductCode
		if code == "" {
			code = rel.Album
		}
		productID, err := e.dds.FindProductByTitle(ctx, rel.Artist, code)
		if err != nil {
			// Purchase matching for this campaign degrades to field values
			// only until the product resolves.
			e.enqueueError(ctx, run, "campaigns", name, domain.KindOf(err), fmt.Sprintf("resolving product: %v", err))
		} else {
			c.ProductID = productID
		}
		campaigns = append(campaigns, c)
	}

	if err := e.persistCampaigns(ctx, &res, campaigns); err != nil {
		return res, err
	}
	return res, nil
}

func (e *Engine) persistCampaigns(ctx context.Context, res *archive.StageResult, campaigns []domain.Campaign) error {
	if len(campaigns) == 0 {
		return nil
	}
	if err := e.store.UpsertCampaigns(ctx, campaigns); err != nil {
		return fmt.Errorf("persisting campaigns: %w", err)
	}
	res.Written += len(campaigns)
	return nil
}
