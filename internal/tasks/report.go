package tasks

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/nadmax/taskd/internal/repository"
	"github.com/nadmax/taskd/internal/task"
)

const (
	CodeReportQuery = 1001
	CodeReportSave  = 1002
)

// StatsSource is the part of the run repository a report needs.
type StatsSource interface {
	GetRunStats(ctx context.Context, hours int) ([]repository.RunStats, error)
}

type ReportConfig struct {
	OutputDir   string        `yaml:"output_dir"`
	Format      string        `yaml:"format"`
	WindowHours int           `yaml:"window_hours"`
	Interval    time.Duration `yaml:"interval"`
}

// ReportStep writes a summary of recent run history on every iteration and
// then waits for its interval.
type ReportStep struct {
	stats StatsSource
	cfg   ReportConfig
	now   func() time.Time
}

func NewReportStep(stats StatsSource, cfg ReportConfig) (*ReportStep, error) {
	if stats == nil {
		return nil, errors.New("report needs a run history repository")
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = "./reports"
	}
	if cfg.Format == "" {
		cfg.Format = "csv"
	}
	if cfg.Format != "csv" && cfg.Format != "json" {
		return nil, fmt.Errorf("unsupported format: %s", cfg.Format)
	}
	if cfg.WindowHours <= 0 {
		cfg.WindowHours = 24
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}

	return &ReportStep{stats: stats, cfg: cfg, now: time.Now}, nil
}

func (s *ReportStep) Run(ctx context.Context) error {
	stats, err := s.stats.GetRunStats(ctx, s.cfg.WindowHours)
	if err != nil {
		return s.fail(CodeReportQuery, fmt.Errorf("failed to generate report: %w", err))
	}

	path, err := s.save(statsTable(stats))
	if err != nil {
		return s.fail(CodeReportSave, fmt.Errorf("failed to save report: %w", err))
	}

	log.Printf("Report generated successfully: %s (%d rows)", path, len(stats))
	return wait(ctx, s.cfg.Interval)
}

func (s *ReportStep) fail(code int, err error) error {
	e := task.Wrap(code, err)
	e.Details = map[string]any{
		"output_dir":   s.cfg.OutputDir,
		"window_hours": s.cfg.WindowHours,
	}

	return e
}

func statsTable(stats []repository.RunStats) [][]string {
	data := [][]string{
		{"Task", "Stop Type", "Runs", "Avg Duration (s)", "Max Duration (s)", "Min Duration (s)"},
	}

	for _, st := range stats {
		data = append(data, []string{
			st.Task,
			st.StopType,
			strconv.Itoa(st.Count),
			strconv.FormatFloat(st.AvgDurationSeconds, 'f', 2, 64),
			strconv.FormatInt(st.MaxDurationSeconds, 10),
			strconv.FormatInt(st.MinDurationSeconds, 10),
		})
	}

	return data
}

func (s *ReportStep) save(data [][]string) (string, error) {
	if err := os.MkdirAll(s.cfg.OutputDir, 0755); err != nil {
		return "", err
	}

	now := s.now()
	filename := fmt.Sprintf("taskd_run_stats_%s.%s", now.Format("20060102_150405"), s.cfg.Format)
	fullPath := filepath.Join(s.cfg.OutputDir, filename)

	switch s.cfg.Format {
	case "json":
		return fullPath, saveAsJSON(fullPath, data, now)
	default:
		return fullPath, saveAsCSV(fullPath, data)
	}
}

func saveAsCSV(path string, data [][]string) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	writer := csv.NewWriter(file)
	if err := writer.WriteAll(data); err != nil {
		return err
	}

	return writer.Error()
}

func saveAsJSON(path string, data [][]string, generatedAt time.Time) (err error) {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	headers := data[0]
	records := make([]map[string]string, 0, len(data)-1)
	for _, row := range data[1:] {
		record := make(map[string]string, len(headers))
		for i, header := range headers {
			if i < len(row) {
				record[header] = row[i]
			}
		}

		records = append(records, record)
	}

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	return encoder.Encode(map[string]any{
		"generated_at": generatedAt.Format(time.RFC3339),
		"data":         records,
		"total_rows":   len(records),
	})
}
