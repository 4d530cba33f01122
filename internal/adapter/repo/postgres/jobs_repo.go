package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// CreateJob upserts a job. Re-creation with the same id refreshes mutable
// fields without touching status, so a finished job is never resurrected.
func (s *Store) CreateJob(ctx domain.Context, j domain.Job) error {
	if j.ClientID == "" {
		return fmt.Errorf("op=job.create: client_id required: %w", domain.ErrInvalidArgument)
	}
	q := `INSERT INTO jobs (id, kind, priority, batch_size, extra, total_items, status, client_id, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,'pending',$7,$8,$8)
	      ON CONFLICT (id) DO UPDATE SET
	        kind = EXCLUDED.kind,
	        priority = EXCLUDED.priority,
	        batch_size = EXCLUDED.batch_size,
	        extra = EXCLUDED.extra,
	        total_items = EXCLUDED.total_items,
	        updated_at = EXCLUDED.updated_at`
	_, err := s.Pool.Exec(ctx, q, j.ID, j.Kind, j.Priority, j.BatchSize, j.Extra, j.TotalItems, j.ClientID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	return nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx domain.Context, id string) (domain.Job, error) {
	q := `SELECT id, kind, priority, batch_size, extra, total_items, status, client_id, created_at, updated_at
	      FROM jobs WHERE id=$1`
	j, err := scanJob(s.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Job{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// PendingJobs lists jobs the dispatcher still owes work: pending jobs
// awaiting expansion plus running jobs that kept unfinished tasks across a
// restart, oldest first.
func (s *Store) PendingJobs(ctx domain.Context) ([]domain.Job, error) {
	q := `SELECT id, kind, priority, batch_size, extra, total_items, status, client_id, created_at, updated_at
	      FROM jobs
	      WHERE status='pending'
	         OR (status='running' AND EXISTS (
	               SELECT 1 FROM job_tasks t
	               WHERE t.job_id=jobs.id AND t.status IN ('queued','sent')))
	      ORDER BY created_at`
	rows, err := s.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("op=job.pending: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.pending: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.Kind, &j.Priority, &j.BatchSize, &j.Extra, &j.TotalItems, &j.Status, &j.ClientID, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

// MarkJobRunning moves a pending job to running. Terminal jobs are untouched.
func (s *Store) MarkJobRunning(ctx domain.Context, id string) error {
	return s.setJobStatus(ctx, id, domain.JobRunning, "", "pending")
}

// MarkJobDone moves a running job to done.
func (s *Store) MarkJobDone(ctx domain.Context, id string) error {
	return s.setJobStatus(ctx, id, domain.JobDone, "", "pending", "running")
}

// MarkJobError moves a job to error with a message.
func (s *Store) MarkJobError(ctx domain.Context, id, errMsg string) error {
	return s.setJobStatus(ctx, id, domain.JobError, errMsg, "pending", "running")
}

func (s *Store) setJobStatus(ctx domain.Context, id string, st domain.JobStatus, errMsg string, from ...string) error {
	q := `UPDATE jobs SET status=$2, error_msg=$3, updated_at=$4 WHERE id=$1 AND status = ANY($5)`
	_, err := s.Pool.Exec(ctx, q, id, st, errMsg, time.Now().UTC(), from)
	if err != nil {
		return fmt.Errorf("op=job.set_status: %w", err)
	}
	return nil
}

// JobSummary counts a job's tasks by status.
func (s *Store) JobSummary(ctx domain.Context, id string) (domain.JobSummary, error) {
	q := `SELECT status, COUNT(*) FROM job_tasks WHERE job_id=$1 GROUP BY status`
	rows, err := s.Pool.Query(ctx, q, id)
	if err != nil {
		return domain.JobSummary{}, fmt.Errorf("op=job.summary: %w", err)
	}
	defer rows.Close()
	var sum domain.JobSummary
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return domain.JobSummary{}, fmt.Errorf("op=job.summary: %w", err)
		}
		switch domain.TaskStatus(st) {
		case domain.TaskQueued:
			sum.Queued = n
		case domain.TaskSent:
			sum.Sent = n
		case domain.TaskOK:
			sum.OK = n
		case domain.TaskError:
			sum.Error = n
		}
	}
	return sum, rows.Err()
}
