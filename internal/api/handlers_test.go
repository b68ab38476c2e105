package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bemamusic/crm-engine/internal/archive"
	"github.com/bemamusic/crm-engine/internal/domain"
	"github.com/bemamusic/crm-engine/internal/engine"
	"github.com/bemamusic/crm-engine/internal/progress"
)

type fakeSync struct {
	startErr  error
	stopCalls int
	running   bool
	clearKey  string
	clearErr  error
	conns     []engine.ConnectionStatus
	sweep     *engine.GroupSweep
	sweepErr  error
}

func (f *fakeSync) Start(ctx context.Context) error { return f.startErr }
func (f *fakeSync) Stop(ctx context.Context) error  { f.stopCalls++; return nil }
func (f *fakeSync) Running() bool                   { return f.running }
func (f *fakeSync) ClearErrors(ctx context.Context) (string, error) {
	return f.clearKey, f.clearErr
}
func (f *fakeSync) ValidateConnections(ctx context.Context) []engine.ConnectionStatus {
	return f.conns
}
func (f *fakeSync) ValidateGroups(ctx context.Context) (*engine.GroupSweep, error) {
	return f.sweep, f.sweepErr
}

type fakeTransitions struct {
	row    *domain.Transition
	err    error
	gotSrc string
	gotDst string
}

func (f *fakeTransitions) Start(ctx context.Context, srcName, dstName string) (*domain.Transition, error) {
	f.gotSrc, f.gotDst = srcName, dstName
	return f.row, f.err
}

type fakeDirectory struct {
	campaigns   []domain.Campaign
	transitions []domain.Transition
	counts      map[string]int
	records     []domain.SyncRecord
}

func (f *fakeDirectory) ListCampaigns(ctx context.Context) ([]domain.Campaign, error) {
	return f.campaigns, nil
}

func (f *fakeDirectory) ListTransitions(ctx context.Context, limit int) ([]domain.Transition, error) {
	if limit > 0 && limit < len(f.transitions) {
		return f.transitions[:limit], nil
	}
	return f.transitions, nil
}

func (f *fakeDirectory) GetTransition(ctx context.Context, id string) (*domain.Transition, error) {
	for _, t := range f.transitions {
		if t.ID == id {
			return &t, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeDirectory) CountTransitionSubscribers(ctx context.Context, id string) (int, error) {
	return f.counts[id], nil
}

func (f *fakeDirectory) ListSyncRecords(ctx context.Context, limit int) ([]domain.SyncRecord, error) {
	return f.records, nil
}

type fakeReportArchive struct {
	infos   []archive.ReportInfo
	reports map[string]*archive.Report
}

func (f *fakeReportArchive) ListReports(ctx context.Context, limit int) ([]archive.ReportInfo, error) {
	return f.infos, nil
}

func (f *fakeReportArchive) GetReport(ctx context.Context, key string) (*archive.Report, error) {
	rep, ok := f.reports[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return rep, nil
}

type fixture struct {
	sync    *fakeSync
	trans   *fakeTransitions
	dir     *fakeDirectory
	reports *fakeReportArchive
	prog    progress.Store
	router  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	f := &fixture{
		sync:    &fakeSync{},
		trans:   &fakeTransitions{},
		dir:     &fakeDirectory{counts: map[string]int{}},
		reports: &fakeReportArchive{reports: map[string]*archive.Report{}},
		prog:    progress.New(client, nil, 100),
	}
	f.router = SetupRoutes(NewHandlers(f.sync, f.trans, f.prog, f.dir, f.reports))
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestHealthCheck(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, false, body["sync_running"])
}

func TestStartSyncAccepted(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/sync/start", nil)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "started", decodeBody(t, rec)["status"])
}

func TestStartSyncLockHeld(t *testing.T) {
	f := newFixture(t)
	f.sync.startErr = domain.ErrLockHeld

	rec := f.do(t, http.MethodPost, "/api/sync/start", nil)

	assert.Equal(t, http.StatusConflict, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body["error"], "already running")
}

func TestStopSync(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/sync/stop", nil)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "stopping", decodeBody(t, rec)["status"])
	assert.Equal(t, 1, f.sync.stopCalls)
}

func TestSyncStatusIdle(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/sync/status", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "idle", decodeBody(t, rec)["state"])
}

func TestSyncStatusPublished(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.prog.SetStatus(context.Background(), &domain.SyncProgress{
		State:     domain.SyncRunning,
		Stage:     4,
		StageName: "subscribers",
		Processed: 250,
		Message:   "subscribers page 3",
		UpdatedAt: time.Now().UTC(),
	}))

	rec := f.do(t, http.MethodGet, "/api/sync/status", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "running", body["state"])
	assert.Equal(t, float64(4), body["stage"])
	assert.Equal(t, "subscribers page 3", body["message"])
}

func TestSyncErrorsListAndClear(t *testing.T) {
	f := newFixture(t)
	f.sync.clearKey = "errors/2025/06/01/120000.json"
	for _, item := range []string{"a@x.io", "b@x.io"} {
		require.NoError(t, f.prog.EnqueueError(context.Background(), domain.ErrorEntry{
			Stage: "memberships", Item: item, Kind: "validation", Message: "bad row",
		}))
	}

	rec := f.do(t, http.MethodGet, "/api/sync/errors", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decodeBody(t, rec)["count"])

	rec = f.do(t, http.MethodDelete, "/api/sync/errors", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "cleared", body["status"])
	assert.Equal(t, f.sync.clearKey, body["archived_to"])
}

func TestSyncHistory(t *testing.T) {
	f := newFixture(t)
	f.dir.records = []domain.SyncRecord{
		{ID: "r2", Status: domain.SyncCompleted},
		{ID: "r1", Status: domain.SyncFailed},
	}

	rec := f.do(t, http.MethodGet, "/api/sync/history", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decodeBody(t, rec)["count"])
}

func TestValidateConnections(t *testing.T) {
	f := newFixture(t)
	f.sync.conns = []engine.ConnectionStatus{
		{Provider: "list_provider", OK: true},
		{Provider: "download_store", OK: false, Kind: "authentication", Error: "401"},
	}

	rec := f.do(t, http.MethodPost, "/api/validate/connections", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	providers := decodeBody(t, rec)["providers"].([]interface{})
	require.Len(t, providers, 2)
	down := providers[1].(map[string]interface{})
	assert.Equal(t, false, down["ok"])
	assert.Equal(t, "authentication", down["kind"])
}

func TestValidateGroups(t *testing.T) {
	f := newFixture(t)
	f.sync.sweep = &engine.GroupSweep{Checked: 16, MissingUpstream: 1, Deleted: 1, DeletedNames: []string{"2025_A_B_WOOD"}}

	rec := f.do(t, http.MethodPost, "/api/validate/groups", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(16), body["checked"])
	assert.Equal(t, float64(1), body["deleted"])
}

func TestStartTransition(t *testing.T) {
	f := newFixture(t)
	f.trans.row = &domain.Transition{ID: "t1", Status: domain.TransitionRunning}

	rec := f.do(t, http.MethodPost, "/api/transitions", TransitionRequest{
		SourceCampaign:      "2025_A_B",
		DestinationCampaign: "2026_A_B",
	})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "2025_A_B", f.trans.gotSrc)
	assert.Equal(t, "2026_A_B", f.trans.gotDst)
	assert.Equal(t, "running", decodeBody(t, rec)["status"])
}

func TestStartTransitionValidationError(t *testing.T) {
	f := newFixture(t)
	f.trans.err = domain.Ef(domain.KindValidation, "transition.begin", "source campaign %q not found", "2025_A_B")

	rec := f.do(t, http.MethodPost, "/api/transitions", TransitionRequest{
		SourceCampaign:      "2025_A_B",
		DestinationCampaign: "2026_A_B",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "validation", decodeBody(t, rec)["kind"])
}

func TestStartTransitionConflict(t *testing.T) {
	f := newFixture(t)
	f.trans.err = domain.Ef(domain.KindClient, "transition.begin", "transition busy is still running")

	rec := f.do(t, http.MethodPost, "/api/transitions", TransitionRequest{
		SourceCampaign:      "2025_A_B",
		DestinationCampaign: "2026_A_B",
	})

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestStartTransitionBadJSON(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/api/transitions", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTransitionsWithCounts(t *testing.T) {
	f := newFixture(t)
	f.dir.transitions = []domain.Transition{
		{ID: "t2", Status: domain.TransitionRunning},
		{ID: "t1", Status: domain.TransitionComplete, CountTransferred: 5},
	}
	f.dir.counts = map[string]int{"t1": 5, "t2": 2}

	rec := f.do(t, http.MethodGet, "/api/transitions", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, float64(2), body["count"])
	rows := body["transitions"].([]interface{})
	first := rows[0].(map[string]interface{})
	assert.Equal(t, float64(2), first["subscriber_count"])
}

func TestGetTransitionNotFound(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/transitions/nope", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListCampaigns(t *testing.T) {
	f := newFixture(t)
	f.dir.campaigns = []domain.Campaign{
		{ID: "c1", Name: "2025_A_B"},
		{ID: "c2", Name: "2026_A_B"},
	}

	rec := f.do(t, http.MethodGet, "/api/campaigns", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decodeBody(t, rec)["count"])
}

func TestGetReportByKey(t *testing.T) {
	f := newFixture(t)
	key := "reports/2025/06/01/run-1.json"
	f.reports.reports[key] = &archive.Report{
		Record: domain.SyncRecord{ID: "run-1", Status: domain.SyncCompleted},
	}
	f.reports.infos = []archive.ReportInfo{{Key: key}}

	rec := f.do(t, http.MethodGet, "/api/reports", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decodeBody(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/api/reports/"+key, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/reports/reports/2025/06/01/gone.json", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
