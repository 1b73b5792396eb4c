// Package metadata keeps the per-task run record in a key/value store.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/nadmax/taskd/internal/store"
	"github.com/nadmax/taskd/internal/task"
)

const keyPrefix = "tasks_metadata:"

// Metadata is the run record of every task, addressed by task identity and
// field name. Missing fields read as the empty string.
type Metadata interface {
	Get(ctx context.Context, taskName, field string) (string, error)
	Set(ctx context.Context, taskName, field, value string) error
	Exists(ctx context.Context, taskName, field string) (bool, error)
	// Reset clears every field of the previous run except status.
	Reset(ctx context.Context, taskName string) error
	CompareAndSwap(ctx context.Context, taskName, field, old, value string) (bool, error)
	Record(ctx context.Context, taskName string) (*task.Record, error)
	Cancel(ctx context.Context, taskName string) error
}

type StoreMetadata struct {
	store store.Store
}

func NewStoreMetadata(s store.Store) *StoreMetadata {
	return &StoreMetadata{store: s}
}

func key(taskName, field string) string {
	return keyPrefix + taskName + ":" + field
}

func (m *StoreMetadata) Get(ctx context.Context, taskName, field string) (string, error) {
	v, err := m.store.Get(ctx, key(taskName, field))
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get %s of %s: %w", field, taskName, err)
	}

	return v, nil
}

func (m *StoreMetadata) Set(ctx context.Context, taskName, field, value string) error {
	if err := m.store.Set(ctx, key(taskName, field), value); err != nil {
		return fmt.Errorf("failed to set %s of %s: %w", field, taskName, err)
	}

	return nil
}

func (m *StoreMetadata) Exists(ctx context.Context, taskName, field string) (bool, error) {
	ok, err := m.store.Exists(ctx, key(taskName, field))
	if err != nil {
		return false, fmt.Errorf("failed to check %s of %s: %w", field, taskName, err)
	}

	return ok, nil
}

func (m *StoreMetadata) Reset(ctx context.Context, taskName string) error {
	for _, field := range task.Fields {
		if field == task.FieldStatus {
			continue
		}
		if err := m.store.Delete(ctx, key(taskName, field)); err != nil {
			return fmt.Errorf("failed to reset %s of %s: %w", field, taskName, err)
		}
	}

	return nil
}

func (m *StoreMetadata) CompareAndSwap(ctx context.Context, taskName, field, old, value string) (bool, error) {
	ok, err := m.store.CompareAndSwap(ctx, key(taskName, field), old, value)
	if err != nil {
		return false, fmt.Errorf("failed to swap %s of %s: %w", field, taskName, err)
	}

	return ok, nil
}

func (m *StoreMetadata) Cancel(ctx context.Context, taskName string) error {
	return m.Set(ctx, taskName, task.FieldCancelFlag, "1")
}

func (m *StoreMetadata) Record(ctx context.Context, taskName string) (*task.Record, error) {
	values := make(map[string]string, len(task.Fields))
	for _, field := range task.Fields {
		v, err := m.Get(ctx, taskName, field)
		if err != nil {
			return nil, err
		}
		values[field] = v
	}

	cancel, err := m.Exists(ctx, taskName, task.FieldCancelFlag)
	if err != nil {
		return nil, err
	}

	duration, _ := strconv.ParseInt(values[task.FieldDurationTime], 10, 64)

	return &task.Record{
		Task:              taskName,
		RunID:             values[task.FieldRunID],
		Status:            task.ParseStatus(values[task.FieldStatus]),
		Class:             values[task.FieldClass],
		StartTime:         values[task.FieldStartTime],
		KeepAliveTime:     values[task.FieldKeepAliveTime],
		MemoryPeakUsage:   values[task.FieldMemoryPeakUsage],
		CancelRequested:   cancel,
		StopTime:          values[task.FieldStopTime],
		DurationTime:      duration,
		DurationTimeHuman: values[task.FieldDurationTimeHuman],
		StopReason:        values[task.FieldStopReason],
		StopType:          task.ParseStopType(values[task.FieldStopType]),
	}, nil
}
