package tasks

import (
	"context"
	"time"

	"github.com/nadmax/taskd/internal/logging"
	"github.com/nadmax/taskd/internal/metadata"
	"github.com/nadmax/taskd/internal/runner"
	"github.com/nadmax/taskd/internal/task"
)

type RunnerOptions struct {
	MemoryLimitMB int
	StaleAfter    time.Duration
	History       runner.History
	Notifier      runner.Notifier
	// Sampler replaces the process memory sampler; nil keeps the default.
	Sampler runner.MemorySampler
}

// Launcher builds ready-to-start runners for registered task names.
type Launcher struct {
	registry *Registry
	deps     Deps
	metadata metadata.Metadata
	logger   *logging.Logger
	opts     RunnerOptions
}

func NewLauncher(registry *Registry, deps Deps, md metadata.Metadata, logger *logging.Logger, opts RunnerOptions) *Launcher {
	return &Launcher{
		registry: registry,
		deps:     deps,
		metadata: md,
		logger:   logger,
		opts:     opts,
	}
}

func (l *Launcher) Names() []string {
	return l.registry.Names()
}

func (l *Launcher) Has(name string) bool {
	return l.registry.Has(name)
}

func (l *Launcher) Metadata() metadata.Metadata {
	return l.metadata
}

// Runner returns a new runner with a fresh step for name.
func (l *Launcher) Runner(name string) (*runner.Runner, error) {
	step, err := l.registry.Build(name, l.deps)
	if err != nil {
		return nil, err
	}

	r := runner.NewRunner(name, step, l.metadata, l.logger.WithTask(name))
	r.SetMemoryLimit(l.opts.MemoryLimitMB)
	r.SetStaleAfter(l.opts.StaleAfter)
	if l.opts.History != nil {
		r.SetHistory(l.opts.History)
	}
	if l.opts.Notifier != nil {
		r.SetNotifier(l.opts.Notifier)
	}
	if l.opts.Sampler != nil {
		r.SetSampler(l.opts.Sampler)
	}

	return r, nil
}

// Records returns the run record of every registered task.
func (l *Launcher) Records(ctx context.Context) ([]*task.Record, error) {
	names := l.registry.Names()
	records := make([]*task.Record, 0, len(names))
	for _, name := range names {
		rec, err := l.metadata.Record(ctx, name)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, nil
}
