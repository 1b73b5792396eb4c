package metadata

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/nadmax/taskd/internal/store"
	"github.com/nadmax/taskd/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestMetadata(t *testing.T) (*StoreMetadata, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	s, err := store.NewRedisStore(context.Background(), mr.Addr(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	return NewStoreMetadata(s), mr
}

func TestGet_Missing(t *testing.T) {
	md, mr := setupTestMetadata(t)
	defer mr.Close()

	v, err := md.Get(context.Background(), "report", task.FieldStatus)
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestSetAndGet(t *testing.T) {
	md, mr := setupTestMetadata(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, md.Set(ctx, "report", task.FieldClass, "tasks.ReportStep"))

	v, err := md.Get(ctx, "report", task.FieldClass)
	require.NoError(t, err)
	assert.Equal(t, "tasks.ReportStep", v)

	raw, err := mr.Get("tasks_metadata:report:class")
	require.NoError(t, err)
	assert.Equal(t, "tasks.ReportStep", raw)
}

func TestKeysAreScopedPerTask(t *testing.T) {
	md, mr := setupTestMetadata(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, md.Cancel(ctx, "report"))

	ok, err := md.Exists(ctx, "report", task.FieldCancelFlag)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = md.Exists(ctx, "ticker", task.FieldCancelFlag)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReset_KeepsStatus(t *testing.T) {
	md, mr := setupTestMetadata(t)
	defer mr.Close()
	ctx := context.Background()

	require.NoError(t, md.Set(ctx, "report", task.FieldStatus, task.StatusStop.Value()))
	require.NoError(t, md.Set(ctx, "report", task.FieldStopReason, "CANCEL"))
	require.NoError(t, md.Set(ctx, "report", task.FieldStopType, task.StopCancel.Value()))
	require.NoError(t, md.Cancel(ctx, "report"))

	require.NoError(t, md.Reset(ctx, "report"))

	for _, field := range task.Fields {
		ok, err := md.Exists(ctx, "report", field)
		require.NoError(t, err)
		if field == task.FieldStatus {
			assert.True(t, ok)
			continue
		}
		assert.False(t, ok, "field %s should be cleared", field)
	}
}

func TestCompareAndSwap(t *testing.T) {
	md, mr := setupTestMetadata(t)
	defer mr.Close()
	ctx := context.Background()

	ok, err := md.CompareAndSwap(ctx, "report", task.FieldStatus, "", task.StatusRunning.Value())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = md.CompareAndSwap(ctx, "report", task.FieldStatus, "", task.StatusRunning.Value())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecord(t *testing.T) {
	md, mr := setupTestMetadata(t)
	defer mr.Close()
	ctx := context.Background()

	fields := map[string]string{
		task.FieldRunID:             "run-1",
		task.FieldStatus:            task.StatusStop.Value(),
		task.FieldClass:             "tasks.Ticker",
		task.FieldStartTime:         "2024-01-01 10:00:00",
		task.FieldKeepAliveTime:     "2024-01-01 10:01:00",
		task.FieldMemoryPeakUsage:   "3.5MB",
		task.FieldStopTime:          "2024-01-01 10:01:05",
		task.FieldDurationTime:      "65",
		task.FieldDurationTimeHuman: "0 days 00:01:05",
		task.FieldStopReason:        "MEMORY LIMIT",
		task.FieldStopType:          task.StopMemoryLimit.Value(),
	}
	for field, v := range fields {
		require.NoError(t, md.Set(ctx, "ticker", field, v))
	}

	rec, err := md.Record(ctx, "ticker")
	require.NoError(t, err)

	assert.Equal(t, "ticker", rec.Task)
	assert.Equal(t, "run-1", rec.RunID)
	assert.Equal(t, task.StatusStop, rec.Status)
	assert.Equal(t, "tasks.Ticker", rec.Class)
	assert.Equal(t, int64(65), rec.DurationTime)
	assert.Equal(t, task.StopMemoryLimit, rec.StopType)
	assert.Equal(t, "3.5MB", rec.MemoryPeakUsage)
	assert.False(t, rec.CancelRequested)
}

func TestRecord_Empty(t *testing.T) {
	md, mr := setupTestMetadata(t)
	defer mr.Close()

	rec, err := md.Record(context.Background(), "never-ran")
	require.NoError(t, err)
	assert.Equal(t, task.StatusNone, rec.Status)
	assert.Equal(t, task.StopNone, rec.StopType)
}

func TestStoreErrorsAreWrapped(t *testing.T) {
	md, mr := setupTestMetadata(t)
	mr.Close()

	_, err := md.Get(context.Background(), "report", task.FieldStatus)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get status of report")
}
