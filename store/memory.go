package store

import (
	stderrors "errors"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/Mathew-Estafanous/distcheck/probe"
)

// MemoryStore keeps reports in memory. This is primarily useful for testing and
// for collecting the reports of ranks that share a process.
type MemoryStore struct {
	mu      sync.RWMutex
	reports map[string]map[int]*probe.Report
}

var _ probe.ReportSaver = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{reports: make(map[string]map[int]*probe.Report)}
}

func (m *MemoryStore) SaveReport(r *probe.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.reports[r.RunID]
	if !ok {
		run = make(map[int]*probe.Report)
		m.reports[r.RunID] = run
	}
	cp := *r
	cp.Results = append([]probe.Result{}, r.Results...)
	run[r.Rank] = &cp
	return nil
}

// Reports returns the reports of runID ordered by rank.
func (m *MemoryStore) Reports(runID string) ([]*probe.Report, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.reports[runID]
	if !ok {
		return nil, errors.Wrap(ErrReportNotFound, runID)
	}
	reports := make([]*probe.Report, 0, len(run))
	for _, r := range run {
		reports = append(reports, r)
	}
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].Rank < reports[j].Rank
	})
	return reports, nil
}

// Savers fans a report out to several savers. Every saver is tried.
type Savers []probe.ReportSaver

func (s Savers) SaveReport(r *probe.Report) error {
	var errs []error
	for _, saver := range s {
		if err := saver.SaveReport(r); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Wrapf(stderrors.Join(errs...), "failed to save report of rank %d", r.Rank)
}
