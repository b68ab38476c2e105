package engine

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/bemamusic/crm-engine/internal/archive"
	"github.com/bemamusic/crm-engine/internal/domain"
)

// subscriberBatch is one fetched page in flight between the fetcher and the
// persister. cursor fetched this page; next fetches the one after.
type subscriberBatch struct {
	page   int
	cursor string
	next   string
	subs   []domain.Subscriber
	err    error
}

// syncSubscribers walks the provider's cursor-paginated subscriber list and
// upserts each page. Fetching runs ahead of persistence through a bounded
// channel; the checkpoint always points at the first page not yet persisted,
// so a halt between pages resumes without duplicates.
func (e *Engine) syncSubscribers(ctx context.Context, run *runState) (archive.StageResult, error) {
	res := archive.StageResult{}

	cursor, page := "", 1
	if cp := run.takeCheckpoint(domain.StageSubscribers); cp != nil {
		cursor = cp.Cursor
		if cp.Page > 0 {
			page = cp.Page
		}
		log.Printf("[SyncEngine] resuming subscribers at page %d", page)
	}

	prodCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	buf := e.inFlight
	if buf < 1 {
		buf = 1
	}
	batches := make(chan subscriberBatch, buf)
	pagesStart := run.pagesUsed

	go func() {
		defer close(batches)
		send := func(b subscriberBatch) bool {
			select {
			case batches <- b:
				return true
			case <-prodCtx.Done():
				return false
			}
		}
		cur, p, used := cursor, page, pagesStart
		for {
			if e.stopRequested(prodCtx) {
				send(subscriberBatch{page: p, cursor: cur, err: domain.ErrStopped})
				return
			}
			if e.maxPages > 0 && used >= e.maxPages {
				send(subscriberBatch{page: p, cursor: cur, err: domain.ErrPageBudget})
				return
			}
			subs, next, err := e.mlp.SubscribersPage(prodCtx, cur, e.perPage)
			if err != nil {
				// An abort triggered by Stop surfaces as a transport error;
				// report it as the halt it is.
				if e.stopRequested(prodCtx) {
					err = domain.ErrStopped
				}
				send(subscriberBatch{page: p, cursor: cur, err: err})
				return
			}
			used++
			if !send(subscriberBatch{page: p, cursor: cur, next: next, subs: subs}) {
				return
			}
			if next == "" {
				return
			}
			cur, p = next, p+1
		}
	}()

	for b := range batches {
		if b.err != nil {
			e.saveCheckpoint(ctx, &domain.Checkpoint{Stage: domain.StageSubscribers, Cursor: b.cursor, Page: b.page})
			if errors.Is(b.err, domain.ErrStopped) || errors.Is(b.err, domain.ErrPageBudget) {
				return res, b.err
			}
			return res, fmt.Errorf("fetching subscribers page %d: %w", b.page, b.err)
		}
		run.pagesUsed++
		res.Pages++
		res.Processed += len(b.subs)
		if len(b.subs) > 0 {
			written, err := e.store.UpsertSubscribers(ctx, b.subs)
			if err != nil {
				e.saveCheckpoint(ctx, &domain.Checkpoint{Stage: domain.StageSubscribers, Cursor: b.cursor, Page: b.page})
				return res, fmt.Errorf("persisting subscribers page %d: %w", b.page, err)
			}
			res.Written += written
			run.synced += written
		}
		if b.next != "" {
			next := &domain.Checkpoint{Stage: domain.StageSubscribers, Cursor: b.next, Page: b.page + 1}
			e.saveCheckpoint(ctx, next)
			if err := e.checkBudgets(ctx, run, next); err != nil {
				return res, err
			}
		}
		e.setProgress(ctx, run, domain.SyncRunning, res.Processed, 0, fmt.Sprintf("subscribers page %d", b.page))
	}
	return res, nil
}
