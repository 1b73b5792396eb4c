// Package worker keeps a set of tasks running inside one process: it starts
// each task, and starts it again after it stops, with a growing delay.
package worker

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/nadmax/taskd/internal/runner"
	"github.com/nadmax/taskd/internal/task"
)

const maxRestartDelay = 10 * time.Minute

type RunnerSource interface {
	Runner(name string) (*runner.Runner, error)
}

type Worker struct {
	id           string
	runners      RunnerSource
	tasks        []string
	pollInterval time.Duration
	restartDelay time.Duration
	timeLimit    time.Duration
	now          func() time.Time

	mu        sync.Mutex
	active    map[string]bool
	restarts  map[string]int
	nextStart map[string]time.Time

	stop     chan struct{}
	stopOnce sync.Once
	runs     sync.WaitGroup
}

func NewWorker(id string, runners RunnerSource, taskNames []string) *Worker {
	return &Worker{
		id:           id,
		runners:      runners,
		tasks:        taskNames,
		pollInterval: time.Second,
		restartDelay: 10 * time.Second,
		now:          time.Now,
		active:       make(map[string]bool),
		restarts:     make(map[string]int),
		nextStart:    make(map[string]time.Time),
		stop:         make(chan struct{}),
	}
}

func (w *Worker) SetPollInterval(d time.Duration) {
	if d > 0 {
		w.pollInterval = d
	}
}

// SetRestartDelay sets the base delay; the n-th consecutive restart waits n times it.
func (w *Worker) SetRestartDelay(d time.Duration) {
	w.restartDelay = d
}

func (w *Worker) SetTimeLimit(d time.Duration) {
	w.timeLimit = d
}

// Start supervises the tasks until Stop is called or ctx is done. Running
// tasks are cancelled on the way out and Start waits for their stop records.
func (w *Worker) Start(ctx context.Context) {
	log.Printf("Worker %s started (%d tasks)", w.id, len(w.tasks))

	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		w.runs.Wait()
		log.Printf("Worker %s stopped", w.id)
	}()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.launchDue(ctx)

		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) launchDue(ctx context.Context) {
	now := w.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, name := range w.tasks {
		if w.active[name] || now.Before(w.nextStart[name]) {
			continue
		}

		r, err := w.runners.Runner(name)
		if err != nil {
			log.Printf("Worker %s cannot build task %s: %v", w.id, name, err)
			w.nextStart[name] = now.Add(w.backoff(name))
			continue
		}

		w.active[name] = true
		w.runs.Add(1)
		go w.run(ctx, name, r)
	}
}

func (w *Worker) run(ctx context.Context, name string, r *runner.Runner) {
	defer w.runs.Done()

	runCtx, cancel := runner.WithTimeLimit(ctx, w.timeLimit)
	err := r.Start(runCtx, w.timeLimit)
	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.active[name] = false
	switch {
	case errors.Is(err, task.ErrAlreadyRunning):
		// Another process owns the run; look again on the next poll.
		w.restarts[name] = 0
		w.nextStart[name] = w.now().Add(w.pollInterval)
	case err != nil:
		log.Printf("Worker %s: task %s failed: %v", w.id, name, err)
		w.nextStart[name] = w.now().Add(w.backoff(name))
	default:
		w.nextStart[name] = w.now().Add(w.backoff(name))
		log.Printf("Worker %s: task %s stopped, restart %d scheduled", w.id, name, w.restarts[name])
	}
}

// backoff must be called with mu held.
func (w *Worker) backoff(name string) time.Duration {
	w.restarts[name]++
	return min(time.Duration(w.restarts[name])*w.restartDelay, maxRestartDelay)
}

// Restarts reports how many times name has been rescheduled after a stop.
func (w *Worker) Restarts(name string) int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.restarts[name]
}

func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}
