package repository

import (
	"context"
	"sync"

	"github.com/nadmax/taskd/internal/task"
)

// MockRunRepository is an in-memory RunRepository that records its calls.
type MockRunRepository struct {
	mu               sync.Mutex
	SaveRunCalls     []*task.Record
	Runs             []Run
	Stats            []RunStats
	SaveRunError     error
	GetRunError      error
	GetRecentError   error
	GetByTaskError   error
	GetRunStatsError error
	Closed           bool
}

func NewMockRunRepository() *MockRunRepository {
	return &MockRunRepository{
		Runs:  make([]Run, 0),
		Stats: make([]RunStats, 0),
	}
}

func (m *MockRunRepository) SaveRun(_ context.Context, rec *task.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	recCopy := *rec
	m.SaveRunCalls = append(m.SaveRunCalls, &recCopy)

	if m.SaveRunError != nil {
		return m.SaveRunError
	}

	m.Runs = append([]Run{{
		RunID:           rec.RunID,
		Task:            rec.Task,
		Class:           rec.Class,
		StopType:        rec.StopType.String(),
		StopReason:      rec.StopReason,
		DurationSeconds: rec.DurationTime,
		MemoryPeakUsage: rec.MemoryPeakUsage,
	}}, m.Runs...)
	return nil
}

func (m *MockRunRepository) GetRun(_ context.Context, runID string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRunError != nil {
		return nil, m.GetRunError
	}

	for _, run := range m.Runs {
		if run.RunID == runID {
			runCopy := run
			return &runCopy, nil
		}
	}

	return nil, ErrRunNotFound
}

func (m *MockRunRepository) GetRecentRuns(_ context.Context, limit int) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRecentError != nil {
		return nil, m.GetRecentError
	}

	if limit > 0 && len(m.Runs) > limit {
		return append([]Run(nil), m.Runs[:limit]...), nil
	}
	return append([]Run(nil), m.Runs...), nil
}

func (m *MockRunRepository) GetRunsByTask(_ context.Context, taskName string, limit int) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetByTaskError != nil {
		return nil, m.GetByTaskError
	}

	var runs []Run
	for _, run := range m.Runs {
		if run.Task != taskName {
			continue
		}
		runs = append(runs, run)
		if limit > 0 && len(runs) == limit {
			break
		}
	}

	return runs, nil
}

func (m *MockRunRepository) GetRunStats(_ context.Context, _ int) ([]RunStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.GetRunStatsError != nil {
		return nil, m.GetRunStatsError
	}

	return append([]RunStats(nil), m.Stats...), nil
}

func (m *MockRunRepository) GetSaveRunCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.SaveRunCalls)
}

func (m *MockRunRepository) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Closed = true
	return nil
}
