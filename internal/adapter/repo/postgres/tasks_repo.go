package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

const taskColumns = `id, job_id, task_id, correlation_id, COALESCE(account_id,''), COALESCE(username,''),
	payload, status, client_id, attempts, leased_at, lease_expires_at, lease_ttl,
	COALESCE(leased_by,''), COALESCE(error_msg,''), sent_at, finished_at, created_at`

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	err := row.Scan(&t.ID, &t.JobID, &t.TaskID, &t.CorrelationID, &t.AccountID, &t.Username,
		&t.Payload, &t.Status, &t.ClientID, &t.Attempts, &t.LeasedAt, &t.LeaseExpires, &t.LeaseTTL,
		&t.LeasedBy, &t.ErrorMsg, &t.SentAt, &t.FinishedAt, &t.CreatedAt)
	return t, err
}

// AddTask idempotently upserts a task keyed by task_id. On conflict a non-null
// column is never overwritten with null.
func (s *Store) AddTask(ctx domain.Context, t domain.Task) error {
	if t.ClientID == "" {
		return fmt.Errorf("op=task.add: client_id required: %w", domain.ErrInvalidArgument)
	}
	ttl := t.LeaseTTL
	if ttl <= 0 {
		ttl = domain.DefaultLeaseTTL
	}
	q := `INSERT INTO job_tasks (job_id, task_id, correlation_id, account_id, username, payload, status, client_id, attempts, lease_ttl, created_at)
	      VALUES ($1,$2,$3,NULLIF($4,''),NULLIF($5,''),$6,'queued',$7,0,$8,$9)
	      ON CONFLICT (task_id) DO UPDATE SET
	        correlation_id = COALESCE(EXCLUDED.correlation_id, job_tasks.correlation_id),
	        account_id = COALESCE(EXCLUDED.account_id, job_tasks.account_id),
	        username = COALESCE(EXCLUDED.username, job_tasks.username),
	        payload = COALESCE(EXCLUDED.payload, job_tasks.payload)`
	_, err := s.Pool.Exec(ctx, q, t.JobID, t.TaskID, t.CorrelationID, t.AccountID, t.Username, t.Payload, t.ClientID, ttl, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=task.add: %w", err)
	}
	return nil
}

// ClaimTask atomically moves queued -> sent for one task, binding it to the
// given account and opening a fresh lease. The attempt counter increments
// here, not on requeue, so a crash after claim still consumes an attempt.
func (s *Store) ClaimTask(ctx domain.Context, jobID, taskID, accountID string) (bool, error) {
	q := `UPDATE job_tasks SET
	        status='sent', account_id=$3, sent_at=now(), leased_at=now(),
	        lease_expires_at=now() + make_interval(secs => lease_ttl),
	        leased_by=NULL, attempts=attempts+1
	      WHERE job_id=$1 AND task_id=$2 AND status='queued'`
	tag, err := s.Pool.Exec(ctx, q, jobID, taskID, accountID)
	if err != nil {
		return false, fmt.Errorf("op=task.claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// LeaseTasks marks up to limit queued tasks of the account as sent under
// FOR UPDATE SKIP LOCKED and returns them with fresh leases. Unbound tasks
// (NULL account_id) are claimed for the puller, matching how sender-driven
// jobs are expanded before any account has touched them. Rows locked by a
// concurrent leaser are skipped, not waited on.
func (s *Store) LeaseTasks(ctx domain.Context, accountID string, limit int, clientID string) ([]domain.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := `UPDATE job_tasks SET
	        status='sent', account_id=$1, sent_at=now(), leased_at=now(),
	        lease_expires_at=now() + make_interval(secs => lease_ttl),
	        leased_by=NULL, attempts=attempts+1
	      WHERE id IN (
	        SELECT id FROM job_tasks
	        WHERE status='queued' AND (account_id=$1 OR account_id IS NULL)
	          AND ($3 = '' OR client_id=$3)
	        ORDER BY created_at
	        LIMIT $2
	        FOR UPDATE SKIP LOCKED)
	      RETURNING ` + taskColumns
	rows, err := s.Pool.Query(ctx, q, accountID, limit, clientID)
	if err != nil {
		return nil, fmt.Errorf("op=task.lease: %w", err)
	}
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("op=task.lease: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// BeginTask claims execution ownership for a delivered task. It succeeds at
// most once per lease window; duplicate deliveries see false and must not run
// side effects.
func (s *Store) BeginTask(ctx domain.Context, jobID, taskID, accountID, leasedBy string) (bool, error) {
	q := `UPDATE job_tasks SET leased_by=$4
	      WHERE job_id=$1 AND task_id=$2 AND account_id=$3
	        AND status='sent' AND leased_by IS NULL AND lease_expires_at > now()`
	tag, err := s.Pool.Exec(ctx, q, jobID, taskID, accountID, leasedBy)
	if err != nil {
		return false, fmt.Errorf("op=task.begin: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkTaskOK records a terminal success and clears the lease.
func (s *Store) MarkTaskOK(ctx domain.Context, jobID, taskID string, result map[string]any) error {
	q := `UPDATE job_tasks SET status='ok', result=$3, finished_at=now(),
	        leased_at=NULL, lease_expires_at=NULL, leased_by=NULL, error_msg=NULL
	      WHERE job_id=$1 AND task_id=$2 AND status IN ('queued','sent')`
	if _, err := s.Pool.Exec(ctx, q, jobID, taskID, result); err != nil {
		return fmt.Errorf("op=task.mark_ok: %w", err)
	}
	return nil
}

// MarkTaskError records a terminal failure and clears the lease.
func (s *Store) MarkTaskError(ctx domain.Context, jobID, taskID, errMsg string) error {
	q := `UPDATE job_tasks SET status='error', error_msg=$3, finished_at=now(),
	        leased_at=NULL, lease_expires_at=NULL, leased_by=NULL
	      WHERE job_id=$1 AND task_id=$2 AND status IN ('queued','sent')`
	if _, err := s.Pool.Exec(ctx, q, jobID, taskID, errMsg); err != nil {
		return fmt.Errorf("op=task.mark_error: %w", err)
	}
	return nil
}

// ReleaseTask is the explicit worker-policy release: non-empty error is
// terminal, otherwise the task returns to queued.
func (s *Store) ReleaseTask(ctx domain.Context, jobID, taskID, errMsg string) error {
	if errMsg != "" {
		return s.MarkTaskError(ctx, jobID, taskID, errMsg)
	}
	q := `UPDATE job_tasks SET status='queued',
	        leased_at=NULL, lease_expires_at=NULL, leased_by=NULL
	      WHERE job_id=$1 AND task_id=$2 AND status='sent'`
	if _, err := s.Pool.Exec(ctx, q, jobID, taskID); err != nil {
		return fmt.Errorf("op=task.release: %w", err)
	}
	return nil
}

// RequeueTaskWithAttemptsCap handles retryable failures. Below the cap the
// task goes back to queued; at the cap it becomes a terminal error. Attempts
// are not incremented here (claim/lease already counted the attempt); the
// stored counter is returned so callers back off on real history, not on
// whatever the envelope carried.
func (s *Store) RequeueTaskWithAttemptsCap(ctx domain.Context, jobID, taskID string, maxAttempts int, finalErr string) (bool, int, error) {
	q := `UPDATE job_tasks SET status='queued',
	        leased_at=NULL, lease_expires_at=NULL, leased_by=NULL
	      WHERE job_id=$1 AND task_id=$2 AND status='sent' AND attempts < $3
	      RETURNING attempts`
	var attempts int
	err := s.Pool.QueryRow(ctx, q, jobID, taskID, maxAttempts).Scan(&attempts)
	if err == nil {
		return true, attempts, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, 0, fmt.Errorf("op=task.requeue: %w", err)
	}
	q = `UPDATE job_tasks SET status='error', error_msg=$3, finished_at=now(),
	        leased_at=NULL, lease_expires_at=NULL, leased_by=NULL
	      WHERE job_id=$1 AND task_id=$2 AND status='sent'
	      RETURNING attempts`
	if err := s.Pool.QueryRow(ctx, q, jobID, taskID, finalErr).Scan(&attempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("op=task.requeue_terminal: %w", err)
	}
	return false, attempts, nil
}

// ReclaimExpiredLeases bulk-returns sent tasks with expired leases to queued,
// capped per call. Attempts stay untouched; the claim already counted them.
func (s *Store) ReclaimExpiredLeases(ctx domain.Context, max int) (int, error) {
	if max <= 0 {
		return 0, nil
	}
	q := `UPDATE job_tasks SET status='queued',
	        leased_at=NULL, lease_expires_at=NULL, leased_by=NULL
	      WHERE id IN (
	        SELECT id FROM job_tasks
	        WHERE status='sent' AND (
	          lease_expires_at < now()
	          OR (lease_expires_at IS NULL AND leased_at + make_interval(secs => lease_ttl) < now()))
	        LIMIT $1
	        FOR UPDATE SKIP LOCKED)`
	tag, err := s.Pool.Exec(ctx, q, max)
	if err != nil {
		return 0, fmt.Errorf("op=task.reclaim: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// AllTasksFinished reports whether no task of the job is queued or sent.
func (s *Store) AllTasksFinished(ctx domain.Context, jobID string) (bool, error) {
	q := `SELECT NOT EXISTS (SELECT 1 FROM job_tasks WHERE job_id=$1 AND status IN ('queued','sent'))`
	var done bool
	if err := s.Pool.QueryRow(ctx, q, jobID).Scan(&done); err != nil {
		return false, fmt.Errorf("op=task.all_finished: %w", err)
	}
	return done, nil
}

// ListQueuedUsernames returns the usernames still pending for a job. The
// dispatcher uses this to rebuild in-memory routing state after a restart.
func (s *Store) ListQueuedUsernames(ctx domain.Context, jobID string) ([]string, error) {
	q := `SELECT username FROM job_tasks WHERE job_id=$1 AND status='queued' AND username IS NOT NULL ORDER BY created_at`
	rows, err := s.Pool.Query(ctx, q, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_queued: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("op=task.list_queued: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// CountTasksSentToday counts a client's in-flight sent tasks since midnight UTC.
func (s *Store) CountTasksSentToday(ctx domain.Context, clientID string) (int, error) {
	q := `SELECT COUNT(*) FROM job_tasks
	      WHERE client_id=$1 AND status='sent' AND sent_at >= date_trunc('day', now() AT TIME ZONE 'utc')`
	var n int
	if err := s.Pool.QueryRow(ctx, q, clientID).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=task.count_sent_today: %w", err)
	}
	return n, nil
}
