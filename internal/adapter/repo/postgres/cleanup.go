package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// CleanupService removes aged rows in bounded batches so retention sweeps
// never hold long locks.
type CleanupService struct {
	Pool         PgxPool
	StaleDays    int
	FinishedDays int
	Batch        int
}

// NewCleanupService creates a cleanup service with sane defaults.
func NewCleanupService(pool PgxPool, staleDays, finishedDays int) *CleanupService {
	if staleDays <= 0 {
		staleDays = 7
	}
	if finishedDays <= 0 {
		finishedDays = 30
	}
	return &CleanupService{Pool: pool, StaleDays: staleDays, FinishedDays: finishedDays, Batch: 500}
}

// CleanupStaleTasks deletes queued tasks older than the stale window.
func (s *CleanupService) CleanupStaleTasks(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.StaleDays)
	return s.batchDelete(ctx, `
		DELETE FROM job_tasks WHERE id IN (
			SELECT id FROM job_tasks WHERE status='queued' AND created_at < $1 LIMIT $2)`, cutoff)
}

// CleanupFinishedTasks deletes terminal tasks finished before the retention window.
func (s *CleanupService) CleanupFinishedTasks(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.FinishedDays)
	return s.batchDelete(ctx, `
		DELETE FROM job_tasks WHERE id IN (
			SELECT id FROM job_tasks WHERE status IN ('ok','error') AND finished_at < $1 LIMIT $2)`, cutoff)
}

// CleanupOrphanedJobs deletes old jobs with no surviving tasks.
func (s *CleanupService) CleanupOrphanedJobs(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -s.FinishedDays)
	tag, err := s.Pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE created_at < $1
		AND NOT EXISTS (SELECT 1 FROM job_tasks WHERE job_tasks.job_id = jobs.id)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup orphaned jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *CleanupService) batchDelete(ctx context.Context, q string, cutoff time.Time) (int64, error) {
	var total int64
	for {
		tag, err := s.Pool.Exec(ctx, q, cutoff, s.Batch)
		if err != nil {
			return total, fmt.Errorf("cleanup batch: %w", err)
		}
		total += tag.RowsAffected()
		if tag.RowsAffected() < int64(s.Batch) {
			return total, nil
		}
	}
}

// RunAll executes every cleanup pass and logs the outcome.
func (s *CleanupService) RunAll(ctx context.Context) {
	stale, err := s.CleanupStaleTasks(ctx)
	if err != nil {
		slog.Error("stale task cleanup failed", slog.Any("error", err))
	}
	finished, err := s.CleanupFinishedTasks(ctx)
	if err != nil {
		slog.Error("finished task cleanup failed", slog.Any("error", err))
	}
	jobs, err := s.CleanupOrphanedJobs(ctx)
	if err != nil {
		slog.Error("orphaned job cleanup failed", slog.Any("error", err))
	}
	slog.Info("cleanup completed",
		slog.Int64("stale_tasks", stale),
		slog.Int64("finished_tasks", finished),
		slog.Int64("orphaned_jobs", jobs),
	)
}
