package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/osteele/liquid"

	"github.com/bemamusic/crm-engine/internal/albums"
	"github.com/bemamusic/crm-engine/internal/archive"
	"github.com/bemamusic/crm-engine/internal/config"
	"github.com/bemamusic/crm-engine/internal/domain"
	"github.com/bemamusic/crm-engine/internal/progress"
	"github.com/bemamusic/crm-engine/internal/tier"
)

// Engine drives the five-stage reconciliation pipeline: campaigns, purchase
// fields, tier groups, subscribers, memberships. Exactly one run is active
// at a time, enforced by the shared run lock; progress, the stop flag and
// the resume checkpoint live in the progress store so the API process can
// observe and steer a running worker.
type Engine struct {
	mlp      MLPClient
	dds      DDSClient
	store    Store
	progress progress.Store
	reporter Reporter
	albums   AlbumSource
	ladder   *tier.Ladder
	rate     *tier.RateGuard
	guard    *Guard
	tmpl     *liquid.Engine

	batchSize    int
	perPage      int
	maxPages     int
	inFlight     int
	lockTTL      time.Duration
	draftType    string
	draftSubject string

	running int32
}

// New wires an engine from configuration and its collaborators. reporter
// may be nil when report archiving is disabled.
func New(cfg *config.Config, mlpClient MLPClient, ddsClient DDSClient, store Store, prog progress.Store, reporter Reporter, source AlbumSource) *Engine {
	steps := make(map[string]tier.Step, len(cfg.Tiers.Progression))
	for from, s := range cfg.Tiers.Progression {
		steps[from] = tier.Step{Purchased: s.Purchased, NotPurchased: s.NotPurchased}
	}
	e := &Engine{
		mlp:          mlpClient,
		dds:          ddsClient,
		store:        store,
		progress:     prog,
		reporter:     reporter,
		albums:       source,
		ladder:       tier.NewLadder(cfg.Tiers.Order, steps),
		rate:         tier.NewRateGuard(cfg.Tiers.MaxMovesPerDay),
		tmpl:         liquid.NewEngine(),
		batchSize:    cfg.Sync.BatchSize,
		perPage:      cfg.Sync.SubscribersPerPage,
		maxPages:     cfg.Sync.MaxPagesPerRun,
		inFlight:     cfg.Sync.InFlightBatches,
		lockTTL:      cfg.Sync.RunLockTTL(),
		draftType:    cfg.MLP.DraftType,
		draftSubject: cfg.MLP.DraftSubject,
	}
	e.guard = NewGuard(cfg.Sync, func() {
		if mlpClient != nil {
			mlpClient.FlushCache()
		}
	})
	return e
}

// runState carries the bookkeeping of one pipeline run.
type runState struct {
	record     *domain.SyncRecord
	cp         *domain.Checkpoint
	stages     []archive.StageResult
	stage      int
	pagesUsed  int
	synced     int
	lastError  string
	lastSync   *time.Time
	purchasers map[string]map[string]string
	start      time.Time
}

// takeCheckpoint hands out the loaded checkpoint once, and only to the stage
// it belongs to.
func (r *runState) takeCheckpoint(stage int) *domain.Checkpoint {
	if r.cp == nil || r.cp.Stage != stage {
		return nil
	}
	cp := r.cp
	r.cp = nil
	return cp
}

// RunAll executes a full pipeline run synchronously, taking and releasing
// the run lock around it. Returns domain.ErrLockHeld when another run is
// active.
func (e *Engine) RunAll(ctx context.Context) error {
	ok, err := e.progress.AcquireRunLock(ctx, e.lockTTL)
	if err != nil {
		return fmt.Errorf("acquiring run lock: %w", err)
	}
	if !ok {
		return domain.ErrLockHeld
	}
	defer func() {
		if relErr := e.progress.ReleaseRunLock(context.WithoutCancel(ctx)); relErr != nil {
			log.Printf("[SyncEngine] release run lock: %v", relErr)
		}
	}()
	return e.run(ctx)
}

// Start launches a run in the background. The lock is taken synchronously so
// a second start reports domain.ErrLockHeld immediately; the run itself is
// detached from the caller's context.
func (e *Engine) Start(ctx context.Context) error {
	ok, err := e.progress.AcquireRunLock(ctx, e.lockTTL)
	if err != nil {
		return fmt.Errorf("acquiring run lock: %w", err)
	}
	if !ok {
		return domain.ErrLockHeld
	}
	go func() {
		runCtx := context.Background()
		defer func() {
			if relErr := e.progress.ReleaseRunLock(runCtx); relErr != nil {
				log.Printf("[SyncEngine] release run lock: %v", relErr)
			}
		}()
		if runErr := e.run(runCtx); runErr != nil && !errors.Is(runErr, domain.ErrStopped) {
			log.Printf("[SyncEngine] run finished with error: %v", runErr)
		}
	}()
	return nil
}

// Stop requests a cooperative halt. The flag is honored at the next safe
// boundary; in-flight provider requests are aborted so a long page fetch
// does not delay it.
func (e *Engine) Stop(ctx context.Context) error {
	if err := e.progress.SetStopFlag(ctx); err != nil {
		return fmt.Errorf("setting stop flag: %w", err)
	}
	e.mlp.AbortPending()
	log.Printf("[SyncEngine] stop requested")
	return nil
}

// Running reports whether this process currently has a run in flight.
func (e *Engine) Running() bool {
	return atomic.LoadInt32(&e.running) == 1
}

func (e *Engine) run(ctx context.Context) error {
	atomic.StoreInt32(&e.running, 1)
	defer atomic.StoreInt32(&e.running, 0)

	// A stale stop flag from a previous halt must not kill this run before
	// it starts; an operator start is an explicit go-ahead.
	if err := e.progress.ClearStopFlag(ctx); err != nil {
		log.Printf("[SyncEngine] clear stop flag: %v", err)
	}

	run := &runState{
		record: &domain.SyncRecord{
			ID:       uuid.New().String(),
			SyncDate: time.Now().UTC(),
			Status:   domain.SyncRunning,
		},
		purchasers: make(map[string]map[string]string),
		start:      time.Now(),
	}
	if prev, err := e.progress.Status(ctx); err == nil && prev != nil {
		run.lastSync = prev.LastSyncTime
	}
	if err := e.store.CreateSyncRecord(ctx, run.record); err != nil {
		return fmt.Errorf("creating sync record: %w", err)
	}
	log.Printf("[SyncEngine] run %s started", run.record.ID)

	cp, err := e.progress.LoadCheckpoint(ctx)
	if err != nil {
		log.Printf("[SyncEngine] load checkpoint: %v", err)
	}
	run.cp = e.validCheckpoint(ctx, cp)

	first := domain.StageCampaigns
	if run.cp != nil {
		first = run.cp.Stage
		log.Printf("[SyncEngine] resuming at stage %d (%s)", first, domain.StageName(first))
	}

	runErr := e.runStages(ctx, run, first)
	e.finish(ctx, run, runErr)
	return runErr
}

func (e *Engine) runStages(ctx context.Context, run *runState, first int) error {
	for stage := first; stage <= domain.TotalSyncStages; stage++ {
		run.stage = stage
		name := domain.StageName(stage)

		if e.stopRequested(ctx) {
			e.saveCheckpoint(ctx, &domain.Checkpoint{Stage: stage})
			return domain.ErrStopped
		}
		if err := e.checkBudgets(ctx, run, &domain.Checkpoint{Stage: stage}); err != nil {
			return err
		}

		log.Printf("[SyncEngine] stage %d/%d: %s", stage, domain.TotalSyncStages, name)
		e.setProgress(ctx, run, domain.SyncRunning, 0, 0, "starting "+name)

		started := time.Now()
		var res archive.StageResult
		var err error
		switch stage {
		case domain.StageCampaigns:
			res, err = e.syncCampaigns(ctx, run)
		case domain.StageFields:
			res, err = e.syncFields(ctx, run)
		case domain.StageGroups:
			res, err = e.syncGroups(ctx, run)
		case domain.StageSubscribers:
			res, err = e.syncSubscribers(ctx, run)
		case domain.StageMemberships:
			res, err = e.syncMemberships(ctx, run)
		}
		res.Stage = stage
		res.Name = name
		res.Duration = time.Since(started).Round(time.Millisecond).String()
		run.stages = append(run.stages, res)
		if err != nil {
			return fmt.Errorf("stage %s: %w", name, err)
		}

		e.setProgress(ctx, run, domain.SyncRunning, res.Processed, res.Processed, name+" complete")
		if stage < domain.TotalSyncStages {
			// Boundary checkpoint: a failure in a later stage resumes here
			// instead of repeating finished work.
			e.saveCheckpoint(ctx, &domain.Checkpoint{Stage: stage + 1})
		}
	}
	return nil
}

// finish maps the run outcome onto the sync record, progress status and the
// archived report. Cooperative halts and budget exhaustion are Stopped, not
// Failed: the checkpoint stays and the next run resumes.
func (e *Engine) finish(ctx context.Context, run *runState, runErr error) {
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	rec := run.record
	rec.CompletedAt = &now
	rec.SyncedSubscribers = run.synced

	var state domain.SyncStatus
	var msg string
	switch {
	case runErr == nil:
		state = domain.SyncCompleted
		msg = fmt.Sprintf("sync completed: %d subscribers", run.synced)
		run.lastSync = &now
		if err := e.progress.ClearCheckpoint(ctx); err != nil {
			log.Printf("[SyncEngine] clear checkpoint: %v", err)
		}
	case errors.Is(runErr, domain.ErrStopped):
		state = domain.SyncStopped
		msg = "stopped at safe boundary"
	case errors.Is(runErr, domain.ErrPageBudget), errors.Is(runErr, domain.ErrResourceBudget):
		state = domain.SyncStopped
		msg = runErr.Error()
	case domain.KindOf(runErr) == domain.KindCancelled:
		state = domain.SyncStopped
		msg = "cancelled: " + runErr.Error()
	default:
		state = domain.SyncFailed
		msg = runErr.Error()
		run.lastError = runErr.Error()
	}
	rec.Status = state
	rec.Notes = msg
	if err := e.store.UpdateSyncRecord(ctx, rec); err != nil {
		log.Printf("[SyncEngine] update sync record: %v", err)
	}
	e.setProgress(ctx, run, state, 0, 0, msg)
	if state == domain.SyncStopped {
		// The flag did its job; leaving it set would kill the next run at
		// its first boundary.
		if err := e.progress.ClearStopFlag(ctx); err != nil {
			log.Printf("[SyncEngine] clear stop flag: %v", err)
		}
	}
	log.Printf("[SyncEngine] run %s %s: %s", rec.ID, state, msg)
	e.archiveReport(ctx, run)
}

func (e *Engine) archiveReport(ctx context.Context, run *runState) {
	if e.reporter == nil {
		return
	}
	head, err := e.progress.ListErrors(ctx, 25)
	if err != nil {
		log.Printf("[SyncEngine] list errors for report: %v", err)
	}
	key, err := e.reporter.SaveReport(ctx, &archive.Report{
		Record:         *run.record,
		Stages:         run.stages,
		ErrorQueueHead: head,
	})
	if err != nil {
		log.Printf("[SyncEngine] archive report: %v", err)
		return
	}
	log.Printf("[SyncEngine] report archived: %s", key)
}

// validCheckpoint discards resume points that reference entities which no
// longer exist locally; resuming into a deleted campaign or group would
// skip work silently. Discarding restarts from stage one.
func (e *Engine) validCheckpoint(ctx context.Context, cp *domain.Checkpoint) *domain.Checkpoint {
	if cp == nil {
		return nil
	}
	discard := func(why string) *domain.Checkpoint {
		log.Printf("[SyncEngine] discarding checkpoint: %s", why)
		if err := e.progress.ClearCheckpoint(ctx); err != nil {
			log.Printf("[SyncEngine] clear checkpoint: %v", err)
		}
		return nil
	}
	if cp.Stage < domain.StageCampaigns || cp.Stage > domain.TotalSyncStages {
		return discard(fmt.Sprintf("stage %d out of range", cp.Stage))
	}
	if cp.CampaignID != "" {
		if _, err := e.store.GetCampaignByID(ctx, cp.CampaignID); err != nil {
			return discard(fmt.Sprintf("campaign %s not found", cp.CampaignID))
		}
	}
	if cp.GroupID != "" {
		if _, err := e.store.GetGroupByID(ctx, cp.GroupID); err != nil {
			return discard(fmt.Sprintf("group %s not found", cp.GroupID))
		}
	}
	return cp
}

// checkBudgets returns ErrPageBudget or ErrResourceBudget when a budget is
// exhausted, saving cp as the resume point first. Memory pressure gets one
// relief pass before giving up.
func (e *Engine) checkBudgets(ctx context.Context, run *runState, cp *domain.Checkpoint) error {
	if e.maxPages > 0 && run.pagesUsed >= e.maxPages {
		e.saveCheckpoint(ctx, cp)
		return domain.ErrPageBudget
	}
	if e.guard.CanContinue(run.start) {
		return nil
	}
	if !e.guard.OverTime(run.start) {
		e.guard.ManageMemory()
		if e.guard.CanContinue(run.start) {
			return nil
		}
	}
	e.saveCheckpoint(ctx, cp)
	return domain.ErrResourceBudget
}

func (e *Engine) stopRequested(ctx context.Context) bool {
	if err := ctx.Err(); err != nil {
		return true
	}
	stopped, err := e.progress.IsStopped(ctx)
	if err != nil {
		log.Printf("[SyncEngine] read stop flag: %v", err)
		return false
	}
	return stopped
}

func (e *Engine) saveCheckpoint(ctx context.Context, cp *domain.Checkpoint) {
	cp.SavedAt = time.Now().UTC()
	if err := e.progress.SaveCheckpoint(context.WithoutCancel(ctx), cp); err != nil {
		log.Printf("[SyncEngine] save checkpoint: %v", err)
	}
}

func (e *Engine) setProgress(ctx context.Context, run *runState, state domain.SyncStatus, processed, total int, msg string) {
	p := &domain.SyncProgress{
		State:             state,
		Stage:             run.stage,
		StageName:         domain.StageName(run.stage),
		TotalStages:       domain.TotalSyncStages,
		Processed:         processed,
		Total:             total,
		Message:           msg,
		LastError:         run.lastError,
		LastSyncTime:      run.lastSync,
		SubscribersSynced: run.synced,
		MemoryUsage:       e.guard.MemoryUsage(),
		UpdatedAt:         time.Now().UTC(),
	}
	if err := e.progress.SetStatus(ctx, p); err != nil {
		log.Printf("[SyncEngine] set status: %v", err)
	}
}

func (e *Engine) enqueueError(ctx context.Context, run *runState, stage, item string, kind domain.Kind, msg string) {
	now := time.Now().UTC()
	entry := domain.ErrorEntry{
		Stage:       stage,
		Item:        item,
		Kind:        kind.String(),
		Message:     msg,
		Attempts:    1,
		FirstSeen:   now,
		LastAttempt: now,
	}
	if run != nil {
		run.lastError = msg
	}
	if err := e.progress.EnqueueError(ctx, entry); err != nil {
		log.Printf("[SyncEngine] enqueue error: %v", err)
	}
}

// ClearErrors archives the current queue, then clears it. The returned key
// is empty when the queue was already empty or no reporter is configured.
func (e *Engine) ClearErrors(ctx context.Context) (string, error) {
	entries, err := e.progress.ListErrors(ctx, 0)
	if err != nil {
		return "", fmt.Errorf("listing errors: %w", err)
	}
	var key string
	if e.reporter != nil && len(entries) > 0 {
		key, err = e.reporter.SaveErrorDump(ctx, entries)
		if err != nil {
			return "", fmt.Errorf("archiving error queue: %w", err)
		}
	}
	if err := e.progress.ClearErrors(ctx); err != nil {
		return key, fmt.Errorf("clearing errors: %w", err)
	}
	return key, nil
}

// ConnectionStatus is one provider's health as seen from this process.
type ConnectionStatus struct {
	Provider string `json:"provider"`
	OK       bool   `json:"ok"`
	Kind     string `json:"kind,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ValidateConnections pings both providers and classifies any failure.
func (e *Engine) ValidateConnections(ctx context.Context) []ConnectionStatus {
	checks := []struct {
		name string
		ping func(context.Context) error
	}{
		{"list_provider", e.mlp.Ping},
		{"download_store", e.dds.Ping},
	}
	out := make([]ConnectionStatus, 0, len(checks))
	for _, c := range checks {
		st := ConnectionStatus{Provider: c.name, OK: true}
		if err := c.ping(ctx); err != nil {
			st.OK = false
			st.Kind = domain.KindOf(err).String()
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	return out
}

func (e *Engine) renderSubject(rel albums.Release) string {
	if e.draftSubject == "" {
		return "New release: " + rel.Album
	}
	out, err := e.tmpl.ParseAndRenderString(e.draftSubject, liquid.Bindings{
		"album":    rel.Album,
		"artist":   rel.Artist,
		"year":     rel.Year,
		"campaign": rel.CampaignName(),
	})
	if err != nil || out == "" {
		return "New release: " + rel.Album
	}
	return out
}
