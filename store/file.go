package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Mathew-Estafanous/distcheck/probe"
)

const reportSuffix = ".report.json"

// FileStore writes every report as a JSON file in one directory, which is easy to
// collect from many machines after a run.
type FileStore struct {
	path   string
	retain int
	mu     sync.RWMutex
}

var _ probe.ReportSaver = (*FileStore)(nil)

// ReportFile describes one report file without reading it.
type ReportFile struct {
	ID      string
	RunID   string
	Rank    int
	Written time.Time
}

// NewFileStore creates a store in path. When retain is positive only the files of
// the retain most recent runs are kept.
func NewFileStore(path string, retain int) (*FileStore, error) {
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}
	return &FileStore{path: path, retain: retain}, nil
}

// SaveReport writes r next to a temporary name and renames it into place, so a
// reader never sees half a report.
func (f *FileStore) SaveReport(r *probe.Report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}

	f.mu.Lock()
	name := fmt.Sprintf("%s-%d-%d%s", r.RunID, r.Rank, time.Now().UnixNano(), reportSuffix)
	path := filepath.Join(f.path, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		f.mu.Unlock()
		return err
	}
	err = os.Rename(tmp, path)
	f.mu.Unlock()
	if err != nil {
		return err
	}

	if f.retain > 0 {
		return f.prune()
	}
	return nil
}

// List returns the report files in the directory, newest first.
func (f *FileStore) List() ([]ReportFile, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(f.path)
	if err != nil {
		return nil, err
	}

	var files []ReportFile
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), reportSuffix) {
			continue
		}
		rf, err := parseReportName(e.Name())
		if err != nil {
			continue
		}
		files = append(files, rf)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Written.After(files[j].Written)
	})
	return files, nil
}

// Open reads the report with the given file id.
func (f *FileStore) Open(id string) (*probe.Report, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	data, err := os.ReadFile(filepath.Join(f.path, id))
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrReportNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	r := &probe.Report{}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, errors.Wrapf(err, "corrupt report %s", id)
	}
	return r, nil
}

// Reports returns the newest report of every rank of runID, ordered by rank.
func (f *FileStore) Reports(runID string) ([]*probe.Report, error) {
	files, err := f.List()
	if err != nil {
		return nil, err
	}

	seen := make(map[int]bool)
	var reports []*probe.Report
	for _, rf := range files {
		if rf.RunID != runID || seen[rf.Rank] {
			continue
		}
		seen[rf.Rank] = true
		r, err := f.Open(rf.ID)
		if err != nil {
			return nil, err
		}
		reports = append(reports, r)
	}
	if len(reports) == 0 {
		return nil, errors.Wrap(ErrReportNotFound, runID)
	}

	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Rank < reports[j].Rank
	})
	return reports, nil
}

func (f *FileStore) Delete(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return os.Remove(filepath.Join(f.path, id))
}

// prune removes the files of every run older than the retain most recent ones.
func (f *FileStore) prune() error {
	files, err := f.List()
	if err != nil {
		return err
	}

	keep := make(map[string]bool)
	for _, rf := range files {
		if len(keep) == f.retain && !keep[rf.RunID] {
			if err := f.Delete(rf.ID); err != nil {
				return err
			}
			continue
		}
		keep[rf.RunID] = true
	}
	return nil
}

// parseReportName splits "<run>-<rank>-<nanos>.report.json". Run ids may contain
// dashes, so the name is split from the right.
func parseReportName(name string) (ReportFile, error) {
	base := strings.TrimSuffix(name, reportSuffix)
	parts := strings.Split(base, "-")
	if len(parts) < 3 {
		return ReportFile{}, fmt.Errorf("invalid report filename: %s", name)
	}

	var rank int
	if _, err := fmt.Sscanf(parts[len(parts)-2], "%d", &rank); err != nil {
		return ReportFile{}, fmt.Errorf("invalid rank in %s: %w", name, err)
	}
	var nanos int64
	if _, err := fmt.Sscanf(parts[len(parts)-1], "%d", &nanos); err != nil {
		return ReportFile{}, fmt.Errorf("invalid timestamp in %s: %w", name, err)
	}

	return ReportFile{
		ID:      name,
		RunID:   strings.Join(parts[:len(parts)-2], "-"),
		Rank:    rank,
		Written: time.Unix(0, nanos),
	}, nil
}
