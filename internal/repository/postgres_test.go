package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/nadmax/taskd/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var runColumns = []string{
	"run_id", "task", "class", "stop_type", "stop_reason",
	"started_at", "stopped_at", "duration_seconds", "memory_peak_usage",
}

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresRunRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := NewPostgresRunRepositoryFromDB(db)
	return db, mock, repo
}

func finishedRecord() *task.Record {
	return &task.Record{
		Task:            "report",
		RunID:           "run-123",
		Status:          task.StatusStop,
		Class:           "*tasks.ReportStep",
		StartTime:       "2024-03-01 08:00:00",
		StopTime:        "2024-03-01 08:01:30",
		DurationTime:    90,
		MemoryPeakUsage: "12.5MB",
		StopReason:      "CANCEL",
		StopType:        task.StopCancel,
	}
}

func TestNewPostgresRunRepository(t *testing.T) {
	t.Run("successful connection", func(t *testing.T) {
		t.Skip("Integration test - requires real database")
	})

	t.Run("connection failure", func(t *testing.T) {
		_, err := NewPostgresRunRepository("invalid connection string")
		assert.Error(t, err)
	})
}

func TestMigrate(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	t.Run("creates table", func(t *testing.T) {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS task_runs").
			WillReturnResult(sqlmock.NewResult(0, 0))

		require.NoError(t, repo.Migrate(context.Background()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("wraps failure", func(t *testing.T) {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS task_runs").
			WillReturnError(errors.New("permission denied"))

		err := repo.Migrate(context.Background())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to create task_runs")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSaveRun(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()

	t.Run("successful save", func(t *testing.T) {
		rec := finishedRecord()

		mock.ExpectExec("INSERT INTO task_runs").
			WithArgs(
				rec.RunID,
				rec.Task,
				rec.Class,
				"CANCEL",
				"CANCEL",
				sqlmock.AnyArg(),
				sqlmock.AnyArg(),
				int64(90),
				"12.5MB",
			).
			WillReturnResult(sqlmock.NewResult(1, 1))

		require.NoError(t, repo.SaveRun(ctx, rec))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty stop reason stored as null", func(t *testing.T) {
		rec := finishedRecord()
		rec.StopReason = ""

		mock.ExpectExec("INSERT INTO task_runs").
			WithArgs(
				rec.RunID,
				rec.Task,
				rec.Class,
				"CANCEL",
				nil,
				sqlmock.AnyArg(),
				sqlmock.AnyArg(),
				int64(90),
				"12.5MB",
			).
			WillReturnResult(sqlmock.NewResult(1, 1))

		require.NoError(t, repo.SaveRun(ctx, rec))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing run id", func(t *testing.T) {
		rec := finishedRecord()
		rec.RunID = ""

		err := repo.SaveRun(ctx, rec)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("invalid start time", func(t *testing.T) {
		rec := finishedRecord()
		rec.StartTime = "yesterday"

		err := repo.SaveRun(ctx, rec)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid start_time")
	})

	t.Run("database error", func(t *testing.T) {
		rec := finishedRecord()

		mock.ExpectExec("INSERT INTO task_runs").
			WillReturnError(errors.New("database error"))

		err := repo.SaveRun(ctx, rec)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGetRun(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	now := time.Now()

	t.Run("successful retrieval", func(t *testing.T) {
		rows := sqlmock.NewRows(runColumns).AddRow(
			"run-123", "report", "*tasks.ReportStep", "EXCEPTION", `EXCEPTION: {"code":5,"message":"x"}`,
			now.Add(-time.Minute), now, 60, "4MB",
		)

		mock.ExpectQuery("SELECT.*FROM task_runs WHERE run_id").
			WithArgs("run-123").
			WillReturnRows(rows)

		run, err := repo.GetRun(ctx, "run-123")
		require.NoError(t, err)
		assert.Equal(t, "run-123", run.RunID)
		assert.Equal(t, "report", run.Task)
		assert.Equal(t, "EXCEPTION", run.StopType)
		assert.Equal(t, `EXCEPTION: {"code":5,"message":"x"}`, run.StopReason)
		assert.Equal(t, int64(60), run.DurationSeconds)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("run not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT.*FROM task_runs WHERE run_id").
			WithArgs("nonexistent").
			WillReturnError(sql.ErrNoRows)

		_, err := repo.GetRun(ctx, "nonexistent")
		assert.ErrorIs(t, err, ErrRunNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGetRecentRuns(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	now := time.Now()

	t.Run("successful retrieval", func(t *testing.T) {
		rows := sqlmock.NewRows(runColumns).
			AddRow("run-2", "report", "*tasks.ReportStep", "CANCEL", "CANCEL", now.Add(-time.Hour), now, 3600, "8MB").
			AddRow("run-1", "ticker", "*tasks.Ticker", "MEMORY_LIMIT", "MEMORY LIMIT", now.Add(-2*time.Hour), now.Add(-time.Hour), 3600, "17MB")

		mock.ExpectQuery("SELECT.*FROM task_runs.*ORDER BY stopped_at DESC.*LIMIT").
			WithArgs(10).
			WillReturnRows(rows)

		runs, err := repo.GetRecentRuns(ctx, 10)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "run-2", runs[0].RunID)
		assert.Equal(t, "MEMORY_LIMIT", runs[1].StopType)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query error", func(t *testing.T) {
		mock.ExpectQuery("SELECT.*FROM task_runs").
			WithArgs(10).
			WillReturnError(errors.New("database error"))

		_, err := repo.GetRecentRuns(ctx, 10)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("scan error", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{"run_id"}).AddRow("run-1")

		mock.ExpectQuery("SELECT.*FROM task_runs").
			WithArgs(10).
			WillReturnRows(rows)

		_, err := repo.GetRecentRuns(ctx, 10)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestGetRunsByTask(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	now := time.Now()

	rows := sqlmock.NewRows(runColumns).
		AddRow("run-1", "report", "*tasks.ReportStep", "CANCEL", "CANCEL", now.Add(-time.Minute), now, 60, "4MB")

	mock.ExpectQuery("SELECT.*FROM task_runs WHERE task").
		WithArgs("report", 5).
		WillReturnRows(rows)

	runs, err := repo.GetRunsByTask(ctx, "report", 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "report", runs[0].Task)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunStats(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()

	t.Run("successful retrieval", func(t *testing.T) {
		rows := sqlmock.NewRows([]string{
			"task", "stop_type", "count",
			"avg_duration_seconds", "max_duration_seconds", "min_duration_seconds",
		}).
			AddRow("report", "CANCEL", 4, 30.5, 60, 1).
			AddRow("report", "EXCEPTION", 1, 12.0, 12, 12)

		mock.ExpectQuery("SELECT.*FROM task_runs.*GROUP BY task, stop_type").
			WithArgs(24).
			WillReturnRows(rows)

		stats, err := repo.GetRunStats(ctx, 24)
		require.NoError(t, err)
		require.Len(t, stats, 2)
		assert.Equal(t, 4, stats[0].Count)
		assert.Equal(t, 30.5, stats[0].AvgDurationSeconds)
		assert.Equal(t, int64(60), stats[0].MaxDurationSeconds)
		assert.Equal(t, "EXCEPTION", stats[1].StopType)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("query error", func(t *testing.T) {
		mock.ExpectQuery("SELECT.*FROM task_runs").
			WithArgs(24).
			WillReturnError(errors.New("database error"))

		_, err := repo.GetRunStats(ctx, 24)
		assert.Error(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMockRunRepository(t *testing.T) {
	ctx := context.Background()
	mock := NewMockRunRepository()

	require.NoError(t, mock.SaveRun(ctx, finishedRecord()))
	second := finishedRecord()
	second.RunID = "run-456"
	second.Task = "ticker"
	require.NoError(t, mock.SaveRun(ctx, second))

	assert.Equal(t, 2, mock.GetSaveRunCallCount())

	recent, err := mock.GetRecentRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "run-456", recent[0].RunID)

	byTask, err := mock.GetRunsByTask(ctx, "report", 10)
	require.NoError(t, err)
	require.Len(t, byTask, 1)
	assert.Equal(t, "run-123", byTask[0].RunID)

	run, err := mock.GetRun(ctx, "run-123")
	require.NoError(t, err)
	assert.Equal(t, "CANCEL", run.StopType)

	_, err = mock.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)

	mock.SaveRunError = errors.New("boom")
	assert.Error(t, mock.SaveRun(ctx, finishedRecord()))
	assert.Equal(t, 3, mock.GetSaveRunCallCount())

	require.NoError(t, mock.Close())
	assert.True(t, mock.Closed)
}
