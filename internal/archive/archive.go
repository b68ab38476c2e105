// Package archive persists the evidence a sync run leaves behind: a JSON
// report written when a run reaches a terminal state, and dumps of the error
// queue taken before an operator clears it. Artifacts land in a local
// directory or an S3 bucket depending on configuration; keys are identical
// across both backends so a deployment can switch without losing history.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bemamusic/crm-engine/internal/config"
	"github.com/bemamusic/crm-engine/internal/domain"
)

// Report is the artifact written when a sync run ends. It carries the audit
// row, per-stage counters, and whatever sat at the head of the error queue
// when the run finished.
type Report struct {
	Record         domain.SyncRecord   `json:"record"`
	Stages         []StageResult       `json:"stages"`
	ErrorQueueHead []domain.ErrorEntry `json:"error_queue_head,omitempty"`
}

// StageResult summarizes one pipeline stage of a finished run.
type StageResult struct {
	Stage     int    `json:"stage"`
	Name      string `json:"name"`
	Processed int    `json:"processed"`
	Written   int    `json:"written"`
	Failed    int    `json:"failed"`
	Pages     int    `json:"pages,omitempty"`
	Duration  string `json:"duration,omitempty"`
}

// ReportInfo describes one archived report without loading its body.
type ReportInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// Archive writes and lists sync artifacts on the configured backend.
type Archive struct {
	cfg config.ArchiveConfig

	// AWS backend, nil when writing to the local directory
	aws *AWSArchive
}

// New creates an archive for the configured backend. For the local backend
// the base directory is created up front so the first write cannot fail on a
// missing path.
func New(ctx context.Context, cfg config.ArchiveConfig) (*Archive, error) {
	a := &Archive{cfg: cfg}

	switch cfg.Type {
	case "s3":
		awsArchive, err := NewAWSArchive(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("initializing S3 archive: %w", err)
		}
		a.aws = awsArchive
	default:
		if err := os.MkdirAll(cfg.LocalPath, 0755); err != nil {
			return nil, fmt.Errorf("creating archive directory: %w", err)
		}
	}

	return a, nil
}

// SaveReport writes a terminal-state report and returns the key it was
// stored under.
func (a *Archive) SaveReport(ctx context.Context, report *Report) (string, error) {
	key := reportKey(report.Record)
	if a.aws != nil {
		if err := a.aws.SaveJSON(ctx, key, report); err != nil {
			return "", err
		}
		return key, nil
	}
	if err := a.saveToFile(key, report); err != nil {
		return "", fmt.Errorf("writing report %s: %w", key, err)
	}
	return key, nil
}

// SaveErrorDump writes the given error-queue entries under a timestamped key
// so clearing the queue never destroys the only copy. An empty slice writes
// nothing and returns an empty key.
func (a *Archive) SaveErrorDump(ctx context.Context, entries []domain.ErrorEntry) (string, error) {
	if len(entries) == 0 {
		return "", nil
	}
	key := errorDumpKey(time.Now())
	if a.aws != nil {
		if err := a.aws.SaveJSON(ctx, key, entries); err != nil {
			return "", err
		}
		return key, nil
	}
	if err := a.saveToFile(key, entries); err != nil {
		return "", fmt.Errorf("writing error dump %s: %w", key, err)
	}
	return key, nil
}

// ListReports returns the newest reports first, at most limit of them.
// A limit of zero or less means 20.
func (a *Archive) ListReports(ctx context.Context, limit int) ([]ReportInfo, error) {
	if limit <= 0 {
		limit = 20
	}
	if a.aws != nil {
		return a.aws.List(ctx, "reports/", limit)
	}

	root := filepath.Join(a.cfg.LocalPath, "reports")
	var infos []ReportInfo
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(a.cfg.LocalPath, path)
		if err != nil {
			return nil
		}
		infos = append(infos, ReportInfo{
			Key:          filepath.ToSlash(rel),
			Size:         fi.Size(),
			LastModified: fi.ModTime(),
		})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing reports: %w", err)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LastModified.After(infos[j].LastModified)
	})
	if len(infos) > limit {
		infos = infos[:limit]
	}
	return infos, nil
}

// GetReport loads one archived report by the key ListReports returned.
// A missing key yields domain.ErrNotFound.
func (a *Archive) GetReport(ctx context.Context, key string) (*Report, error) {
	if strings.Contains(key, "..") || !strings.HasPrefix(key, "reports/") {
		return nil, domain.Ef(domain.KindValidation, "archive.get", "invalid report key %q", key)
	}

	var report Report
	if a.aws != nil {
		if err := a.aws.GetJSON(ctx, key, &report); err != nil {
			return nil, err
		}
		return &report, nil
	}
	if err := a.loadFromFile(key, &report); err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("reading report %s: %w", key, err)
	}
	return &report, nil
}

// reportKey partitions reports by run date so a bucket listing stays
// navigable: reports/2025/06/01/<run id>.json.
func reportKey(rec domain.SyncRecord) string {
	return fmt.Sprintf("reports/%s/%s.json", rec.SyncDate.UTC().Format("2006/01/02"), rec.ID)
}

func errorDumpKey(now time.Time) string {
	return fmt.Sprintf("errors/%s/%s.json",
		now.UTC().Format("2006/01/02"),
		now.UTC().Format("15-04-05"))
}

func (a *Archive) saveToFile(key string, data interface{}) error {
	path := filepath.Join(a.cfg.LocalPath, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func (a *Archive) loadFromFile(key string, target interface{}) error {
	path := filepath.Join(a.cfg.LocalPath, filepath.FromSlash(key))
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return json.NewDecoder(file).Decode(target)
}
