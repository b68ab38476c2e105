package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/bemamusic/crm-engine/internal/archive"
	"github.com/bemamusic/crm-engine/internal/domain"
	"github.com/bemamusic/crm-engine/internal/pkg/logger"
	"github.com/bemamusic/crm-engine/internal/validate"
)

// syncMemberships enumerates every tier group's subscribers page by page
// and rebuilds the (campaign, subscriber) membership rows. The tier comes
// from the group name; the purchase id comes from the campaign's purchase
// field, backfilled from store sales when the provider does not know about
// a purchase yet. Rows untouched by a full pass are pruned afterwards.
func (e *Engine) syncMemberships(ctx context.Context, run *runState) (archive.StageResult, error) {
	res := archive.StageResult{}

	campaigns, err := e.store.ListCampaigns(ctx)
	if err != nil {
		return res, fmt.Errorf("listing local campaigns: %w", err)
	}
	byID := make(map[string]domain.Campaign, len(campaigns))
	for _, c := range campaigns {
		byID[c.ID] = c
	}

	groups, err := e.store.ListGroups(ctx)
	if err != nil {
		return res, fmt.Errorf("listing local groups: %w", err)
	}

	resumeGroup, resumePage := "", 1
	if cp := run.takeCheckpoint(domain.StageMemberships); cp != nil {
		resumeGroup = cp.GroupID
		if cp.Page > 0 {
			resumePage = cp.Page
		}
		log.Printf("[SyncEngine] resuming memberships at group %s page %d", resumeGroup, resumePage)
	}

	// Only campaigns whose every group was walked from page one in this run
	// are safe to prune by watermark; anything resumed keeps its stale rows
	// until the next full pass.
	covered := make(map[string]bool, len(campaigns))
	for _, c := range campaigns {
		covered[c.ID] = true
	}

	runStart := time.Now().UTC()
	skipping := resumeGroup != ""
	for _, g := range groups {
		if skipping {
			if g.ID != resumeGroup {
				covered[g.CampaignID] = false
				continue
			}
			skipping = false
			if resumePage > 1 {
				covered[g.CampaignID] = false
			}
		}
		c, ok := byID[g.CampaignID]
		if !ok {
			e.enqueueError(ctx, run, "memberships", g.GroupName, domain.KindValidation, "group has no local campaign")
			continue
		}
		tier, ok := domain.TierFromGroupName(g.GroupName, c.Name)
		if !ok {
			e.enqueueError(ctx, run, "memberships", g.GroupName, domain.KindValidation, "group name does not match its campaign")
			continue
		}
		startPage := 1
		if g.ID == resumeGroup {
			startPage = resumePage
			resumeGroup = ""
		}
		if err := e.syncGroupMemberships(ctx, run, &res, c, g, tier, startPage, runStart); err != nil {
			return res, err
		}
	}

	for _, c := range campaigns {
		if !covered[c.ID] {
			continue
		}
		n, err := e.store.DeleteStaleMemberships(ctx, c.ID, runStart)
		if err != nil {
			e.enqueueError(ctx, run, "memberships", c.Name, domain.KindOf(err), fmt.Sprintf("pruning stale rows: %v", err))
			continue
		}
		if n > 0 {
			log.Printf("[SyncEngine] pruned %d stale memberships for %s", n, c.Name)
		}
	}
	return res, nil
}

func (e *Engine) syncGroupMemberships(ctx context.Context, run *runState, res *archive.StageResult, c domain.Campaign, g domain.Group, tier string, startPage int, syncedAt time.Time) error {
	purchasers := e.purchasers(ctx, run, c)

	for page := startPage; ; page++ {
		cp := &domain.Checkpoint{Stage: domain.StageMemberships, CampaignID: c.ID, GroupID: g.ID, Page: page}
		if e.stopRequested(ctx) {
			e.saveCheckpoint(ctx, cp)
			return domain.ErrStopped
		}
		if err := e.checkBudgets(ctx, run, cp); err != nil {
			return err
		}

		subs, err := e.mlp.GroupSubscribersPage(ctx, g.ID, page, e.perPage)
		if err != nil {
			if e.stopRequested(ctx) {
				err = domain.ErrStopped
			}
			e.saveCheckpoint(ctx, cp)
			if errors.Is(err, domain.ErrStopped) {
				return err
			}
			return fmt.Errorf("fetching group %s page %d: %w", g.GroupName, page, err)
		}
		run.pagesUsed++
		res.Pages++
		if len(subs) == 0 {
			return nil
		}

		rows := make([]domain.CampaignGroupSubscriber, 0, len(subs))
		for _, sub := range subs {
			res.Processed++
			row, ok := e.buildMembership(ctx, run, res, c, g, tier, sub, purchasers, syncedAt)
			if !ok {
				continue
			}
			rows = append(rows, row)
		}
		if len(rows) > 0 {
			written, err := e.store.UpsertMemberships(ctx, rows)
			if err != nil {
				e.saveCheckpoint(ctx, cp)
				return fmt.Errorf("persisting %s page %d: %w", g.GroupName, page, err)
			}
			res.Written += written
		}
		e.saveCheckpoint(ctx, &domain.Checkpoint{Stage: domain.StageMemberships, CampaignID: c.ID, GroupID: g.ID, Page: page + 1})
		e.setProgress(ctx, run, domain.SyncRunning, res.Processed, 0, fmt.Sprintf("memberships %s page %d", g.GroupName, page))

		if len(subs) < e.perPage {
			return nil
		}
	}
}

// buildMembership assembles one row. ok is false when the subscriber fails
// validation and must be skipped.
func (e *Engine) buildMembership(ctx context.Context, run *runState, res *archive.StageResult, c domain.Campaign, g domain.Group, tier string, sub domain.Subscriber, purchasers map[string]string, syncedAt time.Time) (domain.CampaignGroupSubscriber, bool) {
	row := domain.CampaignGroupSubscriber{
		CampaignID:   c.ID,
		SubscriberID: sub.ID,
		GroupID:      g.ID,
		Tier:         tier,
		SyncedAt:     syncedAt,
	}
	if err := validate.Email(sub.Email); err != nil {
		res.Failed++
		e.enqueueError(ctx, run, "memberships", logger.RedactEmail(sub.Email), domain.KindValidation, err.Error())
		return row, false
	}

	fieldName := c.PurchaseFieldName()
	purchased := false
	if raw := strings.TrimSpace(sub.Field(fieldName)); raw != "" {
		id, err := validate.PurchaseID(raw)
		if err != nil {
			res.Failed++
			e.enqueueError(ctx, run, "memberships", logger.RedactEmail(sub.Email), domain.KindValidation, fmt.Sprintf("%s: %v", fieldName, err))
		} else {
			row.PurchaseID = id
			purchased = true
		}
	} else if orderID, ok := purchasers[domain.NormalizeEmail(sub.Email)]; ok {
		// The store shows a completed sale the provider has no record of:
		// write the order id back so both sides agree from here on.
		if err := e.mlp.UpdateSubscriberFields(ctx, sub.ID, map[string]string{strings.ToLower(fieldName): orderID}); err != nil {
			res.Failed++
			e.enqueueError(ctx, run, "memberships", logger.RedactEmail(sub.Email), domain.KindOf(err), fmt.Sprintf("writing %s: %v", fieldName, err))
		} else {
			purchased = true
			if id, perr := validate.PurchaseID(orderID); perr == nil {
				row.PurchaseID = id
			} else {
				e.enqueueError(ctx, run, "memberships", logger.RedactEmail(sub.Email), domain.KindValidation, fmt.Sprintf("store order id %q: %v", orderID, perr))
			}
		}
	}
	if purchased {
		row = e.promote(ctx, run, res, c, g, row, sub)
	}
	return row, true
}

// promote moves a purchaser to the tier the progression map points at,
// respecting the daily move cap. The membership row reflects the final
// group either way.
func (e *Engine) promote(ctx context.Context, run *runState, res *archive.StageResult, c domain.Campaign, g domain.Group, row domain.CampaignGroupSubscriber, sub domain.Subscriber) domain.CampaignGroupSubscriber {
	next := e.ladder.Next(row.Tier, true)
	if next == row.Tier {
		return row
	}
	email := logger.RedactEmail(sub.Email)
	if !e.rate.Allow(sub.Email) {
		e.enqueueError(ctx, run, "memberships", email, domain.KindRateLimit, fmt.Sprintf("daily move cap reached, staying in %s", row.Tier))
		return row
	}
	dst, err := e.store.GetGroupByCampaignAndTier(ctx, c.ID, next)
	if err != nil {
		e.enqueueError(ctx, run, "memberships", email, domain.KindOf(err), fmt.Sprintf("resolving group %s: %v", c.GroupName(next), err))
		return row
	}
	if err := e.mlp.AddToGroup(ctx, sub.ID, dst.ID); err != nil {
		res.Failed++
		e.enqueueError(ctx, run, "memberships", email, domain.KindOf(err), fmt.Sprintf("adding to %s: %v", dst.GroupName, err))
		return row
	}
	if err := e.mlp.RemoveFromGroup(ctx, sub.ID, g.ID); err != nil {
		// Left in both groups; the next run retries the removal and the
		// terminal tier wins either way.
		e.enqueueError(ctx, run, "memberships", email, domain.KindOf(err), fmt.Sprintf("removing from %s: %v", g.GroupName, err))
	}
	if ok, err := e.mlp.VerifyTier(ctx, sub.ID, next); err != nil || !ok {
		log.Printf("[SyncEngine] tier move unverified for %s: %s -> %s", email, row.Tier, next)
	} else {
		log.Printf("[SyncEngine] %s moved %s -> %s", email, row.Tier, next)
	}
	row.Tier = next
	row.GroupID = dst.ID
	return row
}

// purchasers returns email -> order id for every completed sale of the
// campaign's product, fetched once per campaign and memoized for the run.
// A campaign with no resolved product has no purchasers to match.
func (e *Engine) purchasers(ctx context.Context, run *runState, c domain.Campaign) map[string]string {
	if c.ProductID == "" {
		return nil
	}
	if m, ok := run.purchasers[c.ID]; ok {
		return m
	}
	m := make(map[string]string)
	for batch := range e.dds.SalesBatches(ctx, c.ProductID, 1, e.perPage) {
		if batch.Err != nil {
			// Partial coverage is safe: unmatched purchasers are picked up
			// on a later run.
			e.enqueueError(ctx, run, "memberships", c.Name, domain.KindOf(batch.Err), fmt.Sprintf("fetching sales: %v", batch.Err))
			break
		}
		for _, s := range batch.Sales {
			email := domain.NormalizeEmail(s.Email)
			if email == "" {
				continue
			}
			if _, seen := m[email]; !seen {
				m[email] = s.ID.String()
			}
		}
	}
	run.purchasers[c.ID] = m
	log.Printf("[SyncEngine] %s: %d purchasers from store", c.Name, len(m))
	return m
}
