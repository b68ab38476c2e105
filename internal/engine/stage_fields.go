package engine

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/bemamusic/crm-engine/internal/archive"
	"github.com/bemamusic/crm-engine/internal/domain"
)

// syncFields ensures every campaign has its numeric <CAMPAIGN>_PURCHASE
// field upstream, creating missing ones. Matching is case-insensitive on
// the field name.
func (e *Engine) syncFields(ctx context.Context, run *runState) (archive.StageResult, error) {
	res := archive.StageResult{}

	campaigns, err := e.store.ListCampaigns(ctx)
	if err != nil {
		return res, fmt.Errorf("listing local campaigns: %w", err)
	}
	res.Processed = len(campaigns)
	if len(campaigns) == 0 {
		return res, nil
	}

	upstream, err := e.mlp.ListFields(ctx)
	if err != nil {
		return res, fmt.Errorf("listing fields: %w", err)
	}
	byName := make(map[string]domain.Field, len(upstream))
	for _, f := range upstream {
		byName[strings.ToUpper(strings.TrimSpace(f.FieldName))] = f
	}

	fields := make([]domain.Field, 0, len(campaigns))
	for _, c := range campaigns {
		if e.stopRequested(ctx) {
			e.persistFields(ctx, &res, fields)
			return res, domain.ErrStopped
		}
		want := c.PurchaseFieldName()
		f, ok := byName[want]
		if !ok {
			created, err := e.mlp.CreateField(ctx, want, "number")
			if err != nil {
				res.Failed++
				e.enqueueError(ctx, run, "fields", want, domain.KindOf(err), err.Error())
				continue
			}
			f = *created
			log.Printf("[SyncEngine] created purchase field %s", want)
		}
		fields = append(fields, domain.Field{ID: f.ID, FieldName: want, CampaignID: c.ID})
	}

	if err := e.persistFields(ctx, &res, fields); err != nil {
		return res, err
	}
	return res, nil
}

func (e *Engine) persistFields(ctx context.Context, res *archive.StageResult, fields []domain.Field) error {
	if len(fields) == 0 {
		return nil
	}
	if err := e.store.UpsertFields(ctx, fields); err != nil {
		return fmt.Errorf("persisting fields: %w", err)
	}
	res.Written += len(fields)
	return nil
}
