// Package repository provides PostgreSQL persistence for finished task runs.
package repository

import (
	"context"
	"time"

	"github.com/nadmax/taskd/internal/task"
)

type RunRepository interface {
	SaveRun(ctx context.Context, rec *task.Record) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	GetRecentRuns(ctx context.Context, limit int) ([]Run, error)
	GetRunsByTask(ctx context.Context, taskName string, limit int) ([]Run, error)
	GetRunStats(ctx context.Context, hours int) ([]RunStats, error)
	Close() error
}

type Run struct {
	RunID           string    `json:"run_id"`
	Task            string    `json:"task"`
	Class           string    `json:"class"`
	StopType        string    `json:"stop_type"`
	StopReason      string    `json:"stop_reason,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	StoppedAt       time.Time `json:"stopped_at"`
	DurationSeconds int64     `json:"duration_seconds"`
	MemoryPeakUsage string    `json:"memory_peak_usage,omitempty"`
}

type RunStats struct {
	Task               string  `json:"task"`
	StopType           string  `json:"stop_type"`
	Count              int     `json:"count"`
	AvgDurationSeconds float64 `json:"avg_duration_seconds"`
	MaxDurationSeconds int64   `json:"max_duration_seconds"`
	MinDurationSeconds int64   `json:"min_duration_seconds"`
}

const Schema = `
CREATE TABLE IF NOT EXISTS task_runs (
	run_id            TEXT PRIMARY KEY,
	task              TEXT NOT NULL,
	class             TEXT NOT NULL DEFAULT '',
	stop_type         TEXT NOT NULL,
	stop_reason       TEXT,
	started_at        TIMESTAMPTZ NOT NULL,
	stopped_at        TIMESTAMPTZ NOT NULL,
	duration_seconds  BIGINT NOT NULL DEFAULT 0,
	memory_peak_usage TEXT
);
CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs (task, stopped_at DESC);
`
