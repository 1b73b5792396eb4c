package tasks

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nadmax/taskd/internal/logging"
	"github.com/nadmax/taskd/internal/metadata"
	"github.com/nadmax/taskd/internal/repository"
	"github.com/nadmax/taskd/internal/runner"
	"github.com/nadmax/taskd/internal/store"
	"github.com/nadmax/taskd/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type smallSampler struct{}

func (smallSampler) Usage() (uint64, uint64) {
	return 1 << 20, 1 << 20
}

func setupTestReport(t *testing.T, format string) (*ReportStep, *repository.MockRunRepository, string) {
	t.Helper()

	repo := repository.NewMockRunRepository()
	repo.Stats = []repository.RunStats{
		{Task: "report", StopType: "CANCEL", Count: 3, AvgDurationSeconds: 12.5, MaxDurationSeconds: 20, MinDurationSeconds: 5},
		{Task: "ticker", StopType: "MEMORY_LIMIT", Count: 1, AvgDurationSeconds: 3, MaxDurationSeconds: 3, MinDurationSeconds: 3},
	}

	dir := t.TempDir()
	step, err := NewReportStep(repo, ReportConfig{
		OutputDir: dir,
		Format:    format,
		Interval:  time.Millisecond,
	})
	require.NoError(t, err)
	step.now = func() time.Time { return time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC) }

	return step, repo, dir
}

func TestTicker(t *testing.T) {
	ticker := NewTicker(time.Millisecond)

	require.NoError(t, ticker.Run(context.Background()))
	require.NoError(t, ticker.Run(context.Background()))
	assert.Equal(t, int64(2), ticker.Iterations())
}

func TestTicker_ReturnsOnCancel(t *testing.T) {
	ticker := NewTicker(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan error, 1)
	go func() { done <- ticker.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ticker did not return after cancel")
	}
}

func TestNewReportStep(t *testing.T) {
	repo := repository.NewMockRunRepository()

	t.Run("defaults", func(t *testing.T) {
		step, err := NewReportStep(repo, ReportConfig{})
		require.NoError(t, err)
		assert.Equal(t, "./reports", step.cfg.OutputDir)
		assert.Equal(t, "csv", step.cfg.Format)
		assert.Equal(t, 24, step.cfg.WindowHours)
		assert.Equal(t, time.Minute, step.cfg.Interval)
	})

	t.Run("requires repository", func(t *testing.T) {
		_, err := NewReportStep(nil, ReportConfig{})
		assert.Error(t, err)
	})

	t.Run("unsupported format", func(t *testing.T) {
		_, err := NewReportStep(repo, ReportConfig{Format: "xml"})
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported format")
	})
}

func TestReportStep_WritesCSV(t *testing.T) {
	step, _, dir := setupTestReport(t, "csv")

	require.NoError(t, step.Run(context.Background()))

	path := filepath.Join(dir, "taskd_run_stats_20240301_080000.csv")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Task", rows[0][0])
	assert.Equal(t, []string{"report", "CANCEL", "3", "12.50", "20", "5"}, rows[1])
	assert.Equal(t, "MEMORY_LIMIT", rows[2][1])
}

func TestReportStep_WritesJSON(t *testing.T) {
	step, _, dir := setupTestReport(t, "json")

	require.NoError(t, step.Run(context.Background()))

	raw, err := os.ReadFile(filepath.Join(dir, "taskd_run_stats_20240301_080000.json"))
	require.NoError(t, err)

	var doc struct {
		TotalRows int                 `json:"total_rows"`
		Data      []map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, 2, doc.TotalRows)
	assert.Equal(t, "ticker", doc.Data[1]["Task"])
}

func TestReportStep_QueryFailureIsRecoverable(t *testing.T) {
	step, repo, _ := setupTestReport(t, "csv")
	repo.GetRunStatsError = errors.New("connection refused")

	err := step.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, task.KindRecoverable, task.KindOf(err))

	var te *task.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeReportQuery, te.Code)
	assert.Equal(t, "failed to generate report: connection refused", te.Message)
	assert.Equal(t, 24, te.Details["window_hours"])
}

func TestReportStep_SaveFailureIsRecoverable(t *testing.T) {
	step, _, dir := setupTestReport(t, "csv")
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))
	step.cfg.OutputDir = filepath.Join(blocker, "reports")

	err := step.Run(context.Background())
	require.Error(t, err)

	var te *task.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeReportSave, te.Code)
}

func TestReportStep_StopsRunWithException(t *testing.T) {
	step, repo, _ := setupTestReport(t, "csv")
	repo.GetRunStatsError = errors.New("connection refused")

	md := metadata.NewStoreMetadata(store.NewMemoryStore())
	logger := logging.NewWithWriter(io.Discard, logging.Config{})
	r := runner.NewRunner("report", step, md, logger)
	r.SetSampler(smallSampler{})

	require.NoError(t, r.Start(context.Background(), 0))

	rec, err := md.Record(context.Background(), "report")
	require.NoError(t, err)
	assert.Equal(t, task.StatusStop, rec.Status)
	assert.Equal(t, task.StopException, rec.StopType)
	assert.Contains(t, rec.StopReason, `"code":1001`)
	assert.Contains(t, rec.StopReason, `"message":"failed to generate report: connection refused"`)
}

func TestRegistry(t *testing.T) {
	r := DefaultRegistry()

	assert.Equal(t, []string{"report", "ticker"}, r.Names())
	assert.True(t, r.Has("ticker"))
	assert.False(t, r.Has("missing"))

	step, err := r.Build("ticker", Deps{TickerInterval: time.Millisecond})
	require.NoError(t, err)
	assert.IsType(t, &Ticker{}, step)

	_, err = r.Build("missing", Deps{})
	assert.ErrorIs(t, err, ErrUnknownTask)

	_, err = r.Build("report", Deps{})
	assert.Error(t, err)

	step, err = r.Build("report", Deps{Stats: repository.NewMockRunRepository()})
	require.NoError(t, err)
	assert.IsType(t, &ReportStep{}, step)
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	r.Register("noop", func(Deps) (runner.Step, error) {
		return runner.StepFunc(func(context.Context) error { return task.ErrCancelled }), nil
	})

	step, err := r.Build("noop", Deps{})
	require.NoError(t, err)
	assert.ErrorIs(t, step.Run(context.Background()), task.ErrCancelled)
}
