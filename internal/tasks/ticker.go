// Package tasks provides the built-in steps taskd can run and the registry
// both binaries resolve task names against.
package tasks

import (
	"context"
	"sync/atomic"
	"time"
)

// Ticker does nothing but wait. It is useful as a heartbeat-only task and for
// exercising cancellation and time limits.
type Ticker struct {
	interval   time.Duration
	iterations atomic.Int64
}

func NewTicker(interval time.Duration) *Ticker {
	if interval <= 0 {
		interval = time.Second
	}

	return &Ticker{interval: interval}
}

func (t *Ticker) Run(ctx context.Context) error {
	t.iterations.Add(1)

	return wait(ctx, t.interval)
}

func (t *Ticker) Iterations() int64 {
	return t.iterations.Load()
}

// wait returns early when ctx is done; the runner inspects ctx itself.
func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	return nil
}
