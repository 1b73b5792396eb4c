package main

import (
	"context"
	"errors"
	"testing"

	"github.com/nadmax/taskd/internal/metrics"
	"github.com/nadmax/taskd/internal/task"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRecords struct {
	records []*task.Record
	err     error
}

func (f fakeRecords) Records(context.Context) ([]*task.Record, error) {
	return f.records, f.err
}

func statusGauge(t *testing.T, status string) float64 {
	t.Helper()

	var m dto.Metric
	require.NoError(t, metrics.TasksByStatus.WithLabelValues(status).Write(&m))
	return m.GetGauge().GetValue()
}

func TestUpdateTaskMetrics(t *testing.T) {
	src := fakeRecords{records: []*task.Record{
		{Task: "a", Status: task.StatusRunning},
		{Task: "b", Status: task.StatusRunning},
		{Task: "c", Status: task.StatusStop},
		{Task: "d"},
	}}

	updateTaskMetrics(context.Background(), src)

	assert.Equal(t, 2.0, statusGauge(t, "RUNNING"))
	assert.Equal(t, 1.0, statusGauge(t, "STOP"))
	assert.Equal(t, 1.0, statusGauge(t, "NONE"))
}

func TestUpdateTaskMetrics_KeepsGaugesOnError(t *testing.T) {
	updateTaskMetrics(context.Background(), fakeRecords{records: []*task.Record{{Task: "a", Status: task.StatusStop}}})
	updateTaskMetrics(context.Background(), fakeRecords{err: errors.New("store down")})

	assert.Equal(t, 1.0, statusGauge(t, "STOP"))
}
