package tasks

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nadmax/taskd/internal/runner"
)

var ErrUnknownTask = errors.New("unknown task")

// Deps carries what factories may need to build a step.
type Deps struct {
	Stats          StatsSource
	Report         ReportConfig
	TickerInterval time.Duration
}

type Factory func(d Deps) (runner.Step, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry holds the built-in tasks.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("ticker", func(d Deps) (runner.Step, error) {
		return NewTicker(d.TickerInterval), nil
	})
	r.Register("report", func(d Deps) (runner.Step, error) {
		return NewReportStep(d.Stats, d.Report)
	})

	return r
}

func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[name] = f
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.factories[name]
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	slices.Sort(names)

	return names
}

func (r *Registry) Build(name string, d Deps) (runner.Step, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}

	step, err := f(d)
	if err != nil {
		return nil, fmt.Errorf("failed to build task %s: %w", name, err)
	}

	return step, nil
}
