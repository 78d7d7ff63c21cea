package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/alignflow/pkg/domain"
)

// InMemoryRunStorage implements RunStorage using an in-memory map.
// Reports do not survive a restart.
type InMemoryRunStorage struct {
	reports map[string]*domain.Report
	mu      sync.RWMutex
}

// NewInMemoryRunStorage creates a new in-memory run storage
func NewInMemoryRunStorage() *InMemoryRunStorage {
	return &InMemoryRunStorage{
		reports: make(map[string]*domain.Report),
	}
}

// SaveReport stores a copy of report, replacing any earlier version
func (s *InMemoryRunStorage) SaveReport(ctx context.Context, report *domain.Report) error {
	if report == nil || report.RunID == "" {
		return fmt.Errorf("report run ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.reports[report.RunID] = report.Clone()
	return nil
}

// GetReport returns a copy of the stored report
func (s *InMemoryRunStorage) GetReport(ctx context.Context, runID string) (*domain.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report, ok := s.reports[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, runID)
	}
	return report.Clone(), nil
}

// DeleteReport removes a stored report
func (s *InMemoryRunStorage) DeleteReport(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.reports, runID)
	return nil
}

// ListReports returns every stored report, most recently submitted first
func (s *InMemoryRunStorage) ListReports(ctx context.Context) ([]*domain.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	reports := make([]*domain.Report, 0, len(s.reports))
	for _, r := range s.reports {
		reports = append(reports, r.Clone())
	}
	sortReports(reports)
	return reports, nil
}

func sortReports(reports []*domain.Report) {
	sort.Slice(reports, func(i, j int) bool {
		if !reports[i].SubmittedAt.Equal(reports[j].SubmittedAt) {
			return reports[i].SubmittedAt.After(reports[j].SubmittedAt)
		}
		return reports[i].RunID < reports[j].RunID
	})
}
