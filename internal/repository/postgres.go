package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
	"github.com/nadmax/taskd/internal/task"
)

var ErrRunNotFound = errors.New("run not found")

type PostgresRunRepository struct {
	db *sql.DB
}

func NewPostgresRunRepository(connectionString string) (*PostgresRunRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresRunRepository{db: db}, nil
}

func NewPostgresRunRepositoryFromDB(db *sql.DB) *PostgresRunRepository {
	return &PostgresRunRepository{db: db}
}

func (r *PostgresRunRepository) Migrate(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create task_runs: %w", err)
	}

	return nil
}

func (r *PostgresRunRepository) SaveRun(ctx context.Context, rec *task.Record) error {
	if rec.RunID == "" {
		return errors.New("run record has no run_id")
	}

	startedAt, err := time.ParseInLocation(task.TimeLayout, rec.StartTime, time.Local)
	if err != nil {
		return fmt.Errorf("invalid start_time: %w", err)
	}
	stoppedAt, err := time.ParseInLocation(task.TimeLayout, rec.StopTime, time.Local)
	if err != nil {
		return fmt.Errorf("invalid stop_time: %w", err)
	}

	query := `
		INSERT INTO task_runs (
			run_id, task, class, stop_type, stop_reason,
			started_at, stopped_at, duration_seconds, memory_peak_usage
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id) DO UPDATE SET
			stop_type = EXCLUDED.stop_type,
			stop_reason = EXCLUDED.stop_reason,
			stopped_at = EXCLUDED.stopped_at,
			duration_seconds = EXCLUDED.duration_seconds,
			memory_peak_usage = EXCLUDED.memory_peak_usage
	`

	var stopReason any
	if rec.StopReason != "" {
		stopReason = rec.StopReason
	}

	_, err = r.db.ExecContext(
		ctx,
		query,
		rec.RunID,
		rec.Task,
		rec.Class,
		rec.StopType.String(),
		stopReason,
		startedAt,
		stoppedAt,
		rec.DurationTime,
		rec.MemoryPeakUsage,
	)

	return err
}

func (r *PostgresRunRepository) GetRun(ctx context.Context, runID string) (*Run, error) {
	query := `
		SELECT
			run_id, task, class, stop_type, COALESCE(stop_reason, ''),
			started_at, stopped_at, duration_seconds, COALESCE(memory_peak_usage, '')
		FROM task_runs
		WHERE run_id = $1
	`

	var run Run
	err := r.db.QueryRowContext(ctx, query, runID).Scan(
		&run.RunID,
		&run.Task,
		&run.Class,
		&run.StopType,
		&run.StopReason,
		&run.StartedAt,
		&run.StoppedAt,
		&run.DurationSeconds,
		&run.MemoryPeakUsage,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	return &run, nil
}

func (r *PostgresRunRepository) GetRecentRuns(ctx context.Context, limit int) ([]Run, error) {
	query := `
		SELECT
			run_id, task, class, stop_type, COALESCE(stop_reason, ''),
			started_at, stopped_at, duration_seconds, COALESCE(memory_peak_usage, '')
		FROM task_runs
		ORDER BY stopped_at DESC
		LIMIT $1
	`

	return r.queryRuns(ctx, query, limit)
}

func (r *PostgresRunRepository) GetRunsByTask(ctx context.Context, taskName string, limit int) ([]Run, error) {
	query := `
		SELECT
			run_id, task, class, stop_type, COALESCE(stop_reason, ''),
			started_at, stopped_at, duration_seconds, COALESCE(memory_peak_usage, '')
		FROM task_runs
		WHERE task = $1
		ORDER BY stopped_at DESC
		LIMIT $2
	`

	return r.queryRuns(ctx, query, taskName, limit)
}

func (r *PostgresRunRepository) queryRuns(ctx context.Context, query string, args ...any) ([]Run, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var runs []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(
			&run.RunID,
			&run.Task,
			&run.Class,
			&run.StopType,
			&run.StopReason,
			&run.StartedAt,
			&run.StoppedAt,
			&run.DurationSeconds,
			&run.MemoryPeakUsage,
		); err != nil {
			return nil, err
		}

		runs = append(runs, run)
	}

	return runs, rows.Err()
}

func (r *PostgresRunRepository) GetRunStats(ctx context.Context, hours int) ([]RunStats, error) {
	query := `
		SELECT
			task, stop_type, COUNT(*) as count,
			COALESCE(AVG(duration_seconds), 0) as avg_duration_seconds,
			COALESCE(MAX(duration_seconds), 0) as max_duration_seconds,
			COALESCE(MIN(duration_seconds), 0) as min_duration_seconds
		FROM task_runs
		WHERE stopped_at > NOW() - INTERVAL '1 hour' * $1
		GROUP BY task, stop_type
		ORDER BY task, stop_type
	`
	rows, err := r.db.QueryContext(ctx, query, hours)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var stats []RunStats
	for rows.Next() {
		var s RunStats
		if err := rows.Scan(
			&s.Task,
			&s.StopType,
			&s.Count,
			&s.AvgDurationSeconds,
			&s.MaxDurationSeconds,
			&s.MinDurationSeconds,
		); err != nil {
			return nil, err
		}

		stats = append(stats, s)
	}

	return stats, rows.Err()
}

func (r *PostgresRunRepository) DB() *sql.DB {
	return r.db
}

func (r *PostgresRunRepository) Close() error {
	return r.db.Close()
}
