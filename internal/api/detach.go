package api

import (
	"net/http"
	"time"

	"github.com/nadmax/taskd/internal/httputil"
	"github.com/nadmax/taskd/internal/task"
)

// ResponseDetacher ends the HTTP exchange that started a run. It writes the
// accepted response in full, closes the connection and signals the handler,
// which then returns while the run goes on.
type ResponseDetacher struct {
	w        http.ResponseWriter
	record   func() (*task.Record, error)
	taskName string
	detached chan struct{}
}

func (d *ResponseDetacher) Detach(timeLimit time.Duration) error {
	defer close(d.detached)

	rec, err := d.record()
	if err != nil {
		rec = &task.Record{Task: d.taskName, Status: task.StatusRunning}
	}

	return httputil.WriteJSONAndClose(d.w, StartResponse{
		Record:    rec,
		TimeLimit: int64(timeLimit / time.Second),
	}, http.StatusAccepted)
}
