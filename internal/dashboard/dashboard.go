// Package dashboard serves the monitoring view of task run records and run history.
package dashboard

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/nadmax/taskd/internal/httputil"
	"github.com/nadmax/taskd/internal/repository"
	"github.com/nadmax/taskd/internal/task"
)

const (
	defaultHistoryLimit = 50
	statsWindowHours    = 24
)

type RecordSource interface {
	Records(ctx context.Context) ([]*task.Record, error)
}

type Dashboard struct {
	records RecordSource
	history repository.RunRepository
	now     func() time.Time
}

type Stats struct {
	TotalTasks         int                   `json:"total_tasks"`
	IdleTasks          int                   `json:"idle_tasks"`
	RunningTasks       int                   `json:"running_tasks"`
	StoppedTasks       int                   `json:"stopped_tasks"`
	CancelRequested    int                   `json:"cancel_requested"`
	LastStopsByType    map[string]int        `json:"last_stops_by_type"`
	AverageRunDuration string                `json:"average_run_duration"`
	RunStats           []repository.RunStats `json:"run_stats,omitempty"`
	LastUpdated        time.Time             `json:"last_updated"`
}

// NewDashboard builds a dashboard. history may be nil, in which case the
// history endpoints answer 503.
func NewDashboard(records RecordSource, history repository.RunRepository) *Dashboard {
	return &Dashboard{records: records, history: history, now: time.Now}
}

func (d *Dashboard) GetStats(w http.ResponseWriter, r *http.Request) {
	records, err := d.records.Records(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	stats := Stats{
		TotalTasks:      len(records),
		LastStopsByType: make(map[string]int),
		LastUpdated:     d.now(),
	}

	var totalDuration int64
	durationCount := 0

	for _, rec := range records {
		switch rec.Status {
		case task.StatusRunning:
			stats.RunningTasks++
		case task.StatusStop:
			stats.StoppedTasks++
			stats.LastStopsByType[rec.StopType.String()]++
			totalDuration += rec.DurationTime
			durationCount++
		default:
			stats.IdleTasks++
		}

		if rec.CancelRequested {
			stats.CancelRequested++
		}
	}

	if durationCount > 0 {
		avg := time.Duration(totalDuration/int64(durationCount)) * time.Second
		stats.AverageRunDuration = avg.String()
	} else {
		stats.AverageRunDuration = "N/A"
	}

	if d.history != nil {
		runStats, err := d.history.GetRunStats(r.Context(), statsWindowHours)
		if err != nil {
			httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		stats.RunStats = runStats
	}

	httputil.WriteJSON(w, stats, http.StatusOK)
}

func (d *Dashboard) GetRecentRuns(w http.ResponseWriter, r *http.Request) {
	if d.history == nil {
		httputil.WriteJSONError(w, "run history is not configured", http.StatusServiceUnavailable)
		return
	}

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	runs, err := d.history.GetRecentRuns(r.Context(), limit)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []repository.Run{}
	}

	httputil.WriteJSON(w, runs, http.StatusOK)
}

// GetTaskRuns lists the history of the task named by the {name} path value.
func (d *Dashboard) GetTaskRuns(w http.ResponseWriter, r *http.Request) {
	if d.history == nil {
		httputil.WriteJSONError(w, "run history is not configured", http.StatusServiceUnavailable)
		return
	}

	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	runs, err := d.history.GetRunsByTask(r.Context(), r.PathValue("name"), limit)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []repository.Run{}
	}

	httputil.WriteJSON(w, runs, http.StatusOK)
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultHistoryLimit, true
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		httputil.WriteJSONError(w, "limit must be a positive integer", http.StatusBadRequest)
		return 0, false
	}

	return limit, true
}
