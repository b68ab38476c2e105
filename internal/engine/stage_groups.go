package engine

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/bemamusic/crm-engine/internal/archive"
	"github.com/bemamusic/crm-engine/internal/domain"
)

// syncGroups ensures one upstream group exists per (campaign, tier) pair,
// named <CAMPAIGN>_<TIER>. Matching against upstream is case-insensitive;
// the persisted name is the normalized form.
func (e *Engine) syncGroups(ctx context.Context, run *runState) (archive.StageResult, error) {
	res := archive.StageResult{}

	campaigns, err := e.store.ListCampaigns(ctx)
	if err != nil {
		return res, fmt.Errorf("listing local campaigns: %w", err)
	}
	if len(campaigns) == 0 {
		return res, nil
	}

	upstream, err := e.mlp.ListGroups(ctx)
	if err != nil {
		return res, fmt.Errorf("listing groups: %w", err)
	}
	byName := make(map[string]domain.Group, len(upstream))
	for _, g := range upstream {
		byName[strings.ToUpper(strings.TrimSpace(g.GroupName))] = g
	}

	tiers := e.ladder.Order()
	groups := make([]domain.Group, 0, len(campaigns)*len(tiers))
	for _, c := range campaigns {
		if e.stopRequested(ctx) {
			e.persistGroups(ctx, &res, groups)
			return res, domain.ErrStopped
		}
		for _, t := range tiers {
			res.Processed++
			want := c.GroupName(t)
			g, ok := byName[want]
			if !ok {
				created, err := e.mlp.CreateGroup(ctx, want)
				if err != nil {
					res.Failed++
					e.enqueueError(ctx, run, "groups", want, domain.KindOf(err), err.Error())
					continue
				}
				g = *created
				log.Printf("[SyncEngine] created group %s (%s)", want, g.ID)
			}
			groups = append(groups, domain.Group{
				ID:         g.ID,
				GroupName:  want,
				CampaignID: c.ID,
				Tier:       t,
			})
		}
	}

	if err := e.persistGroups(ctx, &res, groups); err != nil {
		return res, err
	}
	return res, nil
}

func (e *Engine) persistGroups(ctx context.Context, res *archive.StageResult, groups []domain.Group) error {
	if len(groups) == 0 {
		return nil
	}
	if err := e.store.UpsertGroups(ctx, groups); err != nil {
		return fmt.Errorf("persisting groups: %w", err)
	}
	res.Written += len(groups)
	return nil
}

// GroupSweep summarizes one upstream group validation pass.
type GroupSweep struct {
	Checked         int      `json:"checked"`
	MissingUpstream int      `json:"missing_upstream"`
	Deleted         int      `json:"deleted"`
	DeletedNames    []string `json:"deleted_names,omitempty"`
}

// ValidateGroups removes local groups whose upstream counterpart was deleted
// out of band. Memberships pointing at a removed group are rebuilt by the
// next membership sync.
func (e *Engine) ValidateGroups(ctx context.Context) (*GroupSweep, error) {
	upstream, err := e.mlp.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing groups: %w", err)
	}
	present := make(map[string]bool, len(upstream))
	for _, g := range upstream {
		present[strings.ToUpper(strings.TrimSpace(g.GroupName))] = true
	}

	local, err := e.store.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing local groups: %w", err)
	}

	sweep := &GroupSweep{Checked: len(local)}
	for _, g := range local {
		if present[strings.ToUpper(g.GroupName)] {
			continue
		}
		sweep.MissingUpstream++
		if err := e.store.DeleteGroup(ctx, g.ID); err != nil {
			e.enqueueError(ctx, nil, "groups", g.GroupName, domain.KindOf(err), fmt.Sprintf("deleting group: %v", err))
			continue
		}
		sweep.Deleted++
		sweep.DeletedNames = append(sweep.DeletedNames, g.GroupName)
		log.Printf("[SyncEngine] group %s gone upstream, removed locally", g.GroupName)
	}
	return sweep, nil
}
