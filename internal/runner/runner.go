// Package runner drives a long-running task: it claims the task's run record,
// invokes the task step in a loop while publishing a heartbeat, and records
// why and when the run stopped.
package runner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/taskd/internal/metadata"
	"github.com/nadmax/taskd/internal/metrics"
	"github.com/nadmax/taskd/internal/task"
)

const DefaultMemoryLimit = 16 // MiB

// Step is one unit of work, invoked once per loop iteration.
type Step interface {
	Run(ctx context.Context) error
}

type StepFunc func(ctx context.Context) error

func (f StepFunc) Run(ctx context.Context) error {
	return f(ctx)
}

type Logger interface {
	Info(msg string, args ...any)
	Fatal(msg string, args ...any)
}

// History persists finished runs.
type History interface {
	SaveRun(ctx context.Context, rec *task.Record) error
}

// Notifier is told about every finished run.
type Notifier interface {
	NotifyStop(ctx context.Context, rec *task.Record) error
}

type Runner struct {
	name        string
	step        Step
	metadata    metadata.Metadata
	logger      Logger
	detacher    Detacher
	sampler     MemorySampler
	history     History
	notifier    Notifier
	memoryLimit int
	staleAfter  time.Duration
	now         func() time.Time
}

type stop struct {
	stopType task.StopType
	reason   string
}

func NewRunner(name string, step Step, md metadata.Metadata, logger Logger) *Runner {
	return &Runner{
		name:        name,
		step:        step,
		metadata:    md,
		logger:      logger,
		detacher:    NopDetacher{},
		sampler:     NewProcSampler(),
		memoryLimit: DefaultMemoryLimit,
		now:         time.Now,
	}
}

func (r *Runner) Name() string {
	return r.name
}

// SetMemoryLimit sets the resident memory ceiling in MiB.
func (r *Runner) SetMemoryLimit(mb int) {
	if mb > 0 {
		r.memoryLimit = mb
	}
}

// SetStaleAfter lets a start take over a RUNNING record whose heartbeat is
// older than d. Zero disables takeover.
func (r *Runner) SetStaleAfter(d time.Duration) {
	r.staleAfter = d
}

func (r *Runner) SetDetacher(d Detacher) {
	r.detacher = d
}

func (r *Runner) SetSampler(s MemorySampler) {
	r.sampler = s
}

func (r *Runner) SetHistory(h History) {
	r.history = h
}

func (r *Runner) SetNotifier(n Notifier) {
	r.notifier = n
}

func (r *Runner) SetClock(now func() time.Time) {
	r.now = now
}

// Record returns the current run record.
func (r *Runner) Record(ctx context.Context) (*task.Record, error) {
	return r.metadata.Record(ctx, r.name)
}

// Cancel asks a running instance to stop at its next iteration boundary.
func (r *Runner) Cancel(ctx context.Context) error {
	return r.metadata.Cancel(ctx, r.name)
}

// Start runs the task until it stops. It returns task.ErrAlreadyRunning when
// another run holds the record, and a non-nil error for failures that end the
// run without a recorded stop. Cancel, memory limit and recoverable step
// errors are recorded in the metadata and Start returns nil.
//
// timeLimit is handed to the detacher for the hosting environment, which
// enforces it by ending ctx. The loop does not measure it. A run whose ctx
// ends is recorded as a CANCEL stop.
func (r *Runner) Start(ctx context.Context, timeLimit time.Duration) error {
	r.logger.Info(fmt.Sprintf("[%s] starting...", r.name), "task", r.name)

	if err := r.acquire(ctx); err != nil {
		if errors.Is(err, task.ErrAlreadyRunning) {
			metrics.RecordRunRejected(r.name)
		}
		return err
	}

	startTime := r.now()
	if err := r.begin(ctx, startTime); err != nil {
		r.release(ctx)
		return err
	}
	metrics.RecordRunStarted(r.name)

	current, peak := r.sampler.Usage()
	r.logger.Info("task start successfully. memory: "+task.FormatKB(current)+", "+task.FormatKB(peak), "task", r.name)

	if err := r.detacher.Detach(timeLimit); err != nil {
		r.logger.Info(fmt.Sprintf("[%s] detach failed: %v", r.name, err), "task", r.name)
	}

	s, err := r.loop(ctx, peak)
	if err != nil {
		r.logger.Fatal(fmt.Sprintf("[%s]: %v", r.name, err), "task", r.name)
		return err
	}

	return r.finish(ctx, startTime, s)
}

// WithTimeLimit bounds a run context by limit. Hosts use it to enforce the
// time limit they pass to Start; zero leaves ctx unbounded.
func WithTimeLimit(ctx context.Context, limit time.Duration) (context.Context, context.CancelFunc) {
	if limit <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, limit)
}

// release gives up a claim whose run never began.
func (r *Runner) release(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	if err := r.metadata.Set(ctx, r.name, task.FieldStatus, task.StatusStop.Value()); err != nil {
		r.logger.Info(fmt.Sprintf("[%s] failed to release run: %v", r.name, err), "task", r.name)
	}
}

func (r *Runner) acquire(ctx context.Context) error {
	current, err := r.metadata.Get(ctx, r.name, task.FieldStatus)
	if err != nil {
		return err
	}

	if task.ParseStatus(current) != task.StatusRunning {
		ok, err := r.metadata.CompareAndSwap(ctx, r.name, task.FieldStatus, current, task.StatusRunning.Value())
		if err != nil {
			return err
		}
		if !ok {
			return task.ErrAlreadyRunning
		}
		return nil
	}

	heartbeat, err := r.metadata.Get(ctx, r.name, task.FieldKeepAliveTime)
	if err != nil {
		return err
	}

	rec := &task.Record{Status: task.StatusRunning, KeepAliveTime: heartbeat}
	if !rec.Stale(r.now(), r.staleAfter) {
		return task.ErrAlreadyRunning
	}

	ok, err := r.metadata.CompareAndSwap(ctx, r.name, task.FieldKeepAliveTime, heartbeat, task.FormatTime(r.now()))
	if err != nil {
		return err
	}
	if !ok {
		return task.ErrAlreadyRunning
	}

	r.logger.Info(fmt.Sprintf("[%s] taking over stale run, last heartbeat %s", r.name, heartbeat), "task", r.name)
	return nil
}

func (r *Runner) begin(ctx context.Context, startTime time.Time) error {
	if err := r.metadata.Reset(ctx, r.name); err != nil {
		return err
	}

	fields := [][2]string{
		{task.FieldRunID, uuid.New().String()},
		{task.FieldClass, fmt.Sprintf("%T", r.step)},
		{task.FieldStartTime, task.FormatTime(startTime)},
	}
	for _, f := range fields {
		if err := r.metadata.Set(ctx, r.name, f[0], f[1]); err != nil {
			return err
		}
	}

	return nil
}

func (r *Runner) loop(ctx context.Context, peak uint64) (stop, error) {
	limit := uint64(r.memoryLimit) * 1024 * 1024
	// Record writes must not fail because ctx ended between checks.
	wctx := context.WithoutCancel(ctx)

	for {
		if ctx.Err() != nil {
			return r.stopped(ctx), nil
		}

		if err := r.metadata.Set(wctx, r.name, task.FieldKeepAliveTime, task.FormatTime(r.now())); err != nil {
			return stop{}, err
		}
		if err := r.metadata.Set(wctx, r.name, task.FieldMemoryPeakUsage, task.FormatMemory(peak)); err != nil {
			return stop{}, err
		}

		if err := r.step.Run(ctx); err != nil {
			return r.classify(ctx, err)
		}

		var current uint64
		current, peak = r.sampler.Usage()
		metrics.RecordIteration(r.name, current)

		if ctx.Err() != nil {
			return r.stopped(ctx), nil
		}
		flagged, err := r.metadata.Exists(wctx, r.name, task.FieldCancelFlag)
		if err != nil {
			return stop{}, err
		}
		if flagged {
			r.logger.Info(fmt.Sprintf("[%s]: CANCEL", r.name), "task", r.name)
			return stop{stopType: task.StopCancel, reason: "CANCEL"}, nil
		}

		if current > limit {
			r.logger.Fatal(fmt.Sprintf("[%s]: MEMORY LIMIT", r.name), "task", r.name)
			return stop{stopType: task.StopMemoryLimit, reason: "MEMORY LIMIT"}, nil
		}
	}
}

// stopped records the end of ctx as a cancel; a deadline set by the
// environment reads as TIME LIMIT.
func (r *Runner) stopped(ctx context.Context) stop {
	reason := "CANCEL"
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		reason = "TIME LIMIT"
	}

	r.logger.Info(fmt.Sprintf("[%s]: %s", r.name, reason), "task", r.name)
	return stop{stopType: task.StopCancel, reason: reason}
}

func (r *Runner) classify(ctx context.Context, err error) (stop, error) {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return r.stopped(ctx), nil
	}

	switch task.KindOf(err) {
	case task.KindCancelled:
		r.logger.Info(fmt.Sprintf("[%s]: CANCEL", r.name), "task", r.name)
		return stop{stopType: task.StopCancel, reason: "CANCEL"}, nil
	case task.KindMemoryLimit:
		r.logger.Fatal(fmt.Sprintf("[%s]: MEMORY LIMIT", r.name), "task", r.name)
		return stop{stopType: task.StopMemoryLimit, reason: "MEMORY LIMIT"}, nil
	case task.KindRecoverable:
		reason := task.StopReason(err)
		r.logger.Fatal(fmt.Sprintf("[%s]: %s", r.name, reason), "task", r.name)
		return stop{stopType: task.StopException, reason: reason}, nil
	default:
		return stop{}, err
	}
}

func (r *Runner) finish(ctx context.Context, startTime time.Time, s stop) error {
	// The run has ended; its record must be written even if ctx was cancelled.
	ctx = context.WithoutCancel(ctx)

	stopTime := r.now()
	duration := stopTime.Unix() - startTime.Unix()
	if duration < 0 {
		duration = 0
	}

	fields := [][2]string{
		{task.FieldStatus, task.StatusStop.Value()},
		{task.FieldStopTime, task.FormatTime(stopTime)},
		{task.FieldDurationTime, strconv.FormatInt(duration, 10)},
		{task.FieldDurationTimeHuman, task.FormatDuration(duration)},
		{task.FieldStopReason, s.reason},
		{task.FieldStopType, s.stopType.Value()},
	}
	for _, f := range fields {
		if err := r.metadata.Set(ctx, r.name, f[0], f[1]); err != nil {
			return err
		}
	}

	metrics.RecordRunStopped(r.name, s.stopType, time.Duration(duration)*time.Second)

	if r.history == nil && r.notifier == nil {
		return nil
	}

	rec, err := r.metadata.Record(ctx, r.name)
	if err != nil {
		r.logger.Info(fmt.Sprintf("[%s] failed to read finished record: %v", r.name, err), "task", r.name)
		return nil
	}

	if r.history != nil {
		if err := r.history.SaveRun(ctx, rec); err != nil {
			r.logger.Info(fmt.Sprintf("[%s] failed to save run history: %v", r.name, err), "task", r.name)
		}
	}
	if r.notifier != nil {
		if err := r.notifier.NotifyStop(ctx, rec); err != nil {
			r.logger.Info(fmt.Sprintf("[%s] failed to send stop notification: %v", r.name, err), "task", r.name)
		}
	}

	return nil
}
