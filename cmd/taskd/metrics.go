package main

import (
	"context"
	"log"
	"time"

	"github.com/nadmax/taskd/internal/metrics"
	"github.com/nadmax/taskd/internal/task"
)

type recordSource interface {
	Records(ctx context.Context) ([]*task.Record, error)
}

func startMetricsCollector(ctx context.Context, src recordSource, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		updateTaskMetrics(ctx, src)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func updateTaskMetrics(ctx context.Context, src recordSource) {
	records, err := src.Records(ctx)
	if err != nil {
		log.Printf("Failed to get task records for metrics: %v", err)
		return
	}

	byStatus := make(map[task.Status]int)
	for _, rec := range records {
		byStatus[rec.Status]++
	}

	metrics.UpdateTaskGauges(byStatus)
}
