// Package api exposes the operator surface over HTTP: start/stop/status for
// the sync pipeline, the error queue, connection and group validation,
// campaign transitions, and the report archive.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/bemamusic/crm-engine/internal/archive"
	"github.com/bemamusic/crm-engine/internal/domain"
	"github.com/bemamusic/crm-engine/internal/engine"
	"github.com/bemamusic/crm-engine/internal/pkg/httputil"
	"github.com/bemamusic/crm-engine/internal/progress"
)

// SyncService is the slice of the sync engine the API drives.
type SyncService interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Running() bool
	ClearErrors(ctx context.Context) (string, error)
	ValidateConnections(ctx context.Context) []engine.ConnectionStatus
	ValidateGroups(ctx context.Context) (*engine.GroupSweep, error)
}

// TransitionService starts campaign transitions.
type TransitionService interface {
	Start(ctx context.Context, srcName, dstName string) (*domain.Transition, error)
}

// Directory is the read side of the local database the API serves.
type Directory interface {
	ListCampaigns(ctx context.Context) ([]domain.Campaign, error)
	ListTransitions(ctx context.Context, limit int) ([]domain.Transition, error)
	GetTransition(ctx context.Context, id string) (*domain.Transition, error)
	CountTransitionSubscribers(ctx context.Context, id string) (int, error)
	ListSyncRecords(ctx context.Context, limit int) ([]domain.SyncRecord, error)
}

// ReportArchive lists and loads archived sync reports.
type ReportArchive interface {
	ListReports(ctx context.Context, limit int) ([]archive.ReportInfo, error)
	GetReport(ctx context.Context, key string) (*archive.Report, error)
}

// Handlers holds the services the endpoints delegate to.
type Handlers struct {
	sync     SyncService
	trans    TransitionService
	progress progress.Store
	dir      Directory
	reports  ReportArchive
	started  time.Time
}

// NewHandlers wires the handler set.
func NewHandlers(sync SyncService, trans TransitionService, prog progress.Store, dir Directory, reports ReportArchive) *Handlers {
	return &Handlers{
		sync:     sync,
		trans:    trans,
		progress: prog,
		dir:      dir,
		reports:  reports,
		started:  time.Now().UTC(),
	}
}

// HealthCheck reports process liveness plus a sketch of sync state.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	var lastSync *time.Time
	if p, err := h.progress.Status(r.Context()); err != nil {
		status = "degraded"
	} else if p != nil {
		lastSync = p.LastSyncTime
	}
	httputil.OK(w, map[string]interface{}{
		"status":         status,
		"timestamp":      time.Now().UTC(),
		"sync_running":   h.sync.Running(),
		"last_sync":      lastSync,
		"uptime_seconds": int(time.Since(h.started).Seconds()),
	})
}

// StartSync launches a background sync run.
func (h *Handlers) StartSync(w http.ResponseWriter, r *http.Request) {
	if err := h.sync.Start(r.Context()); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.Accepted(w, map[string]string{"status": "started"})
}

// StopSync sets the stop flag; the run halts at the next safe boundary.
func (h *Handlers) StopSync(w http.ResponseWriter, r *http.Request) {
	if err := h.sync.Stop(r.Context()); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.Accepted(w, map[string]string{"status": "stopping"})
}

// SyncStatus returns the published progress object, or an idle placeholder
// when no run has ever been recorded.
func (h *Handlers) SyncStatus(w http.ResponseWriter, r *http.Request) {
	p, err := h.progress.Status(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if p == nil {
		httputil.OK(w, map[string]interface{}{"state": "idle"})
		return
	}
	httputil.OK(w, p)
}

// SyncHistory lists recent sync audit records, newest first.
func (h *Handlers) SyncHistory(w http.ResponseWriter, r *http.Request) {
	recs, err := h.dir.ListSyncRecords(r.Context(), limitParam(r, 20))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"records": recs, "count": len(recs)})
}

// ListSyncErrors returns the newest entries of the error queue.
func (h *Handlers) ListSyncErrors(w http.ResponseWriter, r *http.Request) {
	entries, err := h.progress.ListErrors(r.Context(), limitParam(r, 50))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"errors": entries, "count": len(entries)})
}

// ClearSyncErrors archives the queue head and clears the queue.
func (h *Handlers) ClearSyncErrors(w http.ResponseWriter, r *http.Request) {
	key, err := h.sync.ClearErrors(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, map[string]string{"status": "cleared", "archived_to": key})
}

// ValidateConnections pings both providers and reports per-provider health.
// The HTTP status is 200 even when a provider is down; the body carries the
// verdicts.
func (h *Handlers) ValidateConnections(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]interface{}{"providers": h.sync.ValidateConnections(r.Context())})
}

// ValidateGroups sweeps local groups against the provider and removes rows
// whose upstream group vanished.
func (h *Handlers) ValidateGroups(w http.ResponseWriter, r *http.Request) {
	sweep, err := h.sync.ValidateGroups(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.OK(w, sweep)
}

// limitParam reads the limit query parameter, falling back to def when it is
// absent or not a non-negative integer.
func limitParam(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
