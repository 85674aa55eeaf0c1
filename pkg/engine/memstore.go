package engine

import (
	"context"
	"sync"
)

// MemoryStore is an in-process ReportStore. Reports do not survive a restart.
type MemoryStore struct {
	mu          sync.RWMutex
	runs        map[string]WorkflowRun
	submissions map[string]string
	reports     map[string]ObserverReport
	shadows     map[string][]ShadowError
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[string]WorkflowRun),
		submissions: make(map[string]string),
		reports:     make(map[string]ObserverReport),
		shadows:     make(map[string][]ShadowError),
	}
}

// SaveRun implements ReportStore.
func (m *MemoryStore) SaveRun(ctx context.Context, run *WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.RunID] = *run
	return nil
}

// GetRun implements ReportStore.
func (m *MemoryStore) GetRun(ctx context.Context, runID string) (*WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return &run, nil
}

// FindSubmission implements ReportStore.
func (m *MemoryStore) FindSubmission(ctx context.Context, key string) (*WorkflowRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runID, ok := m.submissions[key]
	if !ok {
		return nil, nil
	}
	run, ok := m.runs[runID]
	if !ok {
		return nil, nil
	}
	return &run, nil
}

// SaveSubmission implements ReportStore.
func (m *MemoryStore) SaveSubmission(ctx context.Context, key string, run *WorkflowRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submissions[key] = run.RunID
	if _, ok := m.runs[run.RunID]; !ok {
		m.runs[run.RunID] = *run
	}
	return nil
}

// SaveReport implements ReportStore.
func (m *MemoryStore) SaveReport(ctx context.Context, report *ObserverReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[report.RunID] = *report
	return nil
}

// GetReport implements ReportStore.
func (m *MemoryStore) GetReport(ctx context.Context, runID string) (*ObserverReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	report, ok := m.reports[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return &report, nil
}

// AppendShadowErrors implements ReportStore.
func (m *MemoryStore) AppendShadowErrors(ctx context.Context, errs []ShadowError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range errs {
		m.shadows[e.RunID] = append(m.shadows[e.RunID], e)
	}
	return nil
}

// ListShadowErrors implements ReportStore.
func (m *MemoryStore) ListShadowErrors(ctx context.Context, runID string) ([]ShadowError, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]ShadowError{}, m.shadows[runID]...), nil
}
