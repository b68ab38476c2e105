package archive

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bemamusic/crm-engine/internal/config"
	"github.com/bemamusic/crm-engine/internal/domain"
)

func newTestArchive(t *testing.T) (*Archive, string) {
	t.Helper()
	tmpDir := t.TempDir()
	cfg := config.ArchiveConfig{
		Type:      "local",
		LocalPath: tmpDir,
	}

	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	return a, tmpDir
}

func testReport(id string, date time.Time) *Report {
	return &Report{
		Record: domain.SyncRecord{
			ID:                id,
			SyncDate:          date,
			Status:            domain.SyncCompleted,
			SyncedSubscribers: 41523,
		},
		Stages: []StageResult{
			{Stage: 1, Name: "campaigns", Processed: 12, Written: 12},
			{Stage: 4, Name: "subscribers", Processed: 41523, Written: 41500, Failed: 23, Pages: 84},
		},
		ErrorQueueHead: []domain.ErrorEntry{
			{Stage: "subscribers", Item: "bad@@example.com", Kind: "validation", Message: "invalid email"},
		},
	}
}

func TestNewCreatesLocalDirectory(t *testing.T) {
	_, tmpDir := newTestArchive(t)

	fi, err := os.Stat(tmpDir)
	require.NoError(t, err)
	assert.True(t, fi.IsDir())
}

func TestSaveAndGetReport(t *testing.T) {
	a, _ := newTestArchive(t)
	ctx := context.Background()

	date := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	key, err := a.SaveReport(ctx, testReport("run-001", date))
	require.NoError(t, err)
	assert.Equal(t, "reports/2025/06/01/run-001.json", key)

	got, err := a.GetReport(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "run-001", got.Record.ID)
	assert.Equal(t, domain.SyncCompleted, got.Record.Status)
	assert.Equal(t, 41523, got.Record.SyncedSubscribers)
	require.Len(t, got.Stages, 2)
	assert.Equal(t, "subscribers", got.Stages[1].Name)
	assert.Equal(t, 84, got.Stages[1].Pages)
	require.Len(t, got.ErrorQueueHead, 1)
	assert.Equal(t, "invalid email", got.ErrorQueueHead[0].Message)
}

func TestGetReportMissing(t *testing.T) {
	a, _ := newTestArchive(t)

	_, err := a.GetReport(context.Background(), "reports/2025/01/01/nope.json")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestGetReportRejectsTraversal(t *testing.T) {
	a, _ := newTestArchive(t)

	_, err := a.GetReport(context.Background(), "reports/../../etc/passwd")
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = a.GetReport(context.Background(), "errors/2025/01/01/10-00-00.json")
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestListReportsNewestFirst(t *testing.T) {
	a, tmpDir := newTestArchive(t)
	ctx := context.Background()

	base := time.Date(2025, 5, 30, 12, 0, 0, 0, time.UTC)
	keys := make([]string, 0, 3)
	for i, id := range []string{"run-a", "run-b", "run-c"} {
		key, err := a.SaveReport(ctx, testReport(id, base.AddDate(0, 0, i)))
		require.NoError(t, err)
		keys = append(keys, key)
	}

	// Spread the mtimes so ordering is deterministic.
	for i, key := range keys {
		path := filepath.Join(tmpDir, filepath.FromSlash(key))
		mt := base.Add(time.Duration(i) * time.Hour)
		require.NoError(t, os.Chtimes(path, mt, mt))
	}

	infos, err := a.ListReports(ctx, 2)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "reports/2025/06/01/run-c.json", infos[0].Key)
	assert.Equal(t, "reports/2025/05/31/run-b.json", infos[1].Key)
	assert.Greater(t, infos[0].Size, int64(0))
}

func TestListReportsEmpty(t *testing.T) {
	a, _ := newTestArchive(t)

	infos, err := a.ListReports(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestSaveErrorDump(t *testing.T) {
	a, tmpDir := newTestArchive(t)
	ctx := context.Background()

	entries := []domain.ErrorEntry{
		{Stage: "memberships", Item: "user@example.com", Kind: "transport", Message: "gateway timeout", Attempts: 3},
		{Stage: "subscribers", Item: "other@example.com", Kind: "validation", Message: "invalid email"},
	}

	key, err := a.SaveErrorDump(ctx, entries)
	require.NoError(t, err)
	assert.Contains(t, key, "errors/")

	data, err := os.ReadFile(filepath.Join(tmpDir, filepath.FromSlash(key)))
	require.NoError(t, err)

	var got []domain.ErrorEntry
	require.NoError(t, json.Unmarshal(data, &got))
	require.Len(t, got, 2)
	assert.Equal(t, "gateway timeout", got[0].Message)
	assert.Equal(t, 3, got[0].Attempts)
}

func TestSaveErrorDumpEmpty(t *testing.T) {
	a, tmpDir := newTestArchive(t)

	key, err := a.SaveErrorDump(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, key)

	_, err = os.Stat(filepath.Join(tmpDir, "errors"))
	assert.True(t, os.IsNotExist(err))
}
