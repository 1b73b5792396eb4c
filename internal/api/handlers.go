// Package api exposes task runs over HTTP: start, cancel, status, the
// dashboard and the Prometheus endpoint.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nadmax/taskd/internal/dashboard"
	"github.com/nadmax/taskd/internal/httputil"
	"github.com/nadmax/taskd/internal/logging"
	"github.com/nadmax/taskd/internal/metadata"
	"github.com/nadmax/taskd/internal/middleware"
	"github.com/nadmax/taskd/internal/repository"
	"github.com/nadmax/taskd/internal/runner"
	"github.com/nadmax/taskd/internal/task"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Launcher interface {
	Names() []string
	Has(name string) bool
	Runner(name string) (*runner.Runner, error)
	Records(ctx context.Context) ([]*task.Record, error)
	Metadata() metadata.Metadata
}

type API struct {
	launcher  Launcher
	logger    *logging.Logger
	mux       *http.ServeMux
	handler   http.Handler
	timeLimit time.Duration

	// Detached runs outlive their request; baseCtx bounds them instead.
	baseCtx  context.Context
	stopRuns context.CancelFunc
	runs     sync.WaitGroup
}

type StartResponse struct {
	Record    *task.Record `json:"record"`
	TimeLimit int64        `json:"time_limit"`
}

type CancelResponse struct {
	Task            string `json:"task"`
	CancelRequested bool   `json:"cancel_requested"`
}

// NewAPI builds the HTTP surface. history may be nil.
func NewAPI(l Launcher, history repository.RunRepository, logger *logging.Logger) *API {
	baseCtx, stopRuns := context.WithCancel(context.Background())
	api := &API{
		launcher: l,
		logger:   logger,
		mux:      http.NewServeMux(),
		baseCtx:  baseCtx,
		stopRuns: stopRuns,
	}

	api.setupRoutes(history)
	api.handler = middleware.MetricsMiddleware(api.mux)
	return api
}

// SetTimeLimit sets the time limit used when a start request carries none.
func (a *API) SetTimeLimit(d time.Duration) {
	a.timeLimit = d
}

func (a *API) setupRoutes(history repository.RunRepository) {
	a.mux.HandleFunc("GET /api/tasks", a.listTasks)
	a.mux.HandleFunc("GET /api/tasks/{name}", a.getTask)
	a.mux.HandleFunc("POST /api/tasks/{name}/start", a.startTask)
	a.mux.HandleFunc("POST /api/tasks/{name}/cancel", a.cancelTask)

	dash := dashboard.NewDashboard(a.launcher, history)
	a.mux.HandleFunc("GET /api/tasks/{name}/runs", dash.GetTaskRuns)
	a.mux.HandleFunc("GET /api/dashboard/stats", dash.GetStats)
	a.mux.HandleFunc("GET /api/dashboard/history", dash.GetRecentRuns)

	a.mux.Handle("GET /metrics", promhttp.Handler())
	a.mux.HandleFunc("GET /health", a.health)
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.handler.ServeHTTP(w, r)
}

// Shutdown cancels every detached run and waits for them to record their stop.
func (a *API) Shutdown(ctx context.Context) error {
	a.stopRuns()

	done := make(chan struct{})
	go func() {
		a.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

func (a *API) listTasks(w http.ResponseWriter, r *http.Request) {
	records, err := a.launcher.Records(r.Context())
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, records, http.StatusOK)
}

func (a *API) getTask(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !a.launcher.Has(name) {
		httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
		return
	}

	rec, err := a.launcher.Metadata().Record(r.Context(), name)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, rec, http.StatusOK)
}

func (a *API) cancelTask(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !a.launcher.Has(name) {
		httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
		return
	}

	if err := a.launcher.Metadata().Cancel(r.Context(), name); err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	httputil.WriteJSON(w, CancelResponse{Task: name, CancelRequested: true}, http.StatusAccepted)
}

// startTask answers once the run is underway and keeps running it after the
// response, in its own goroutine.
func (a *API) startTask(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if !a.launcher.Has(name) {
		httputil.WriteJSONError(w, "Task not found", http.StatusNotFound)
		return
	}

	timeLimit, err := a.parseTimeLimit(r)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	rn, err := a.launcher.Runner(name)
	if err != nil {
		httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	runCtx, cancel := runner.WithTimeLimit(context.WithoutCancel(r.Context()), timeLimit)
	stopAfter := context.AfterFunc(a.baseCtx, cancel)

	detached := make(chan struct{})
	rn.SetDetacher(&ResponseDetacher{
		w:        w,
		record:   func() (*task.Record, error) { return rn.Record(runCtx) },
		taskName: name,
		detached: detached,
	})

	done := make(chan error, 1)
	a.runs.Add(1)
	go func() {
		defer a.runs.Done()
		defer stopAfter()
		defer cancel()

		err := rn.Start(runCtx, timeLimit)
		if err != nil {
			a.logger.Info("run ended without a recorded stop", "task", name, "error", err)
		}
		done <- err
	}()

	select {
	case <-detached:
		return
	case err := <-done:
		// Detach happens before the loop; a run that got there has answered.
		select {
		case <-detached:
			return
		default:
		}

		switch {
		case errors.Is(err, task.ErrAlreadyRunning):
			httputil.WriteJSONError(w, err.Error(), http.StatusConflict)
		case err != nil:
			httputil.WriteJSONError(w, err.Error(), http.StatusInternalServerError)
		default:
			httputil.WriteJSONError(w, "run ended before it started", http.StatusInternalServerError)
		}
	}
}

func (a *API) parseTimeLimit(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("time_limit")
	if raw == "" {
		return a.timeLimit, nil
	}

	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seconds < 0 {
		return 0, errors.New("time_limit must be a non-negative number of seconds")
	}

	return time.Duration(seconds) * time.Second, nil
}
