package postgres

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// WasMessageSent reports whether this account already messaged the recipient.
func (s *Store) WasMessageSent(ctx domain.Context, clientUsername, destUsername string) (bool, error) {
	q := `SELECT EXISTS (SELECT 1 FROM message_sent_ledger WHERE client_username=$1 AND dest_username=$2)`
	var found bool
	if err := s.Pool.QueryRow(ctx, q, clientUsername, destUsername).Scan(&found); err != nil {
		return false, fmt.Errorf("op=ledger.was_sent: %w", err)
	}
	return found, nil
}

// WasMessageSentAny reports whether any account messaged the recipient.
func (s *Store) WasMessageSentAny(ctx domain.Context, destUsername string) (bool, error) {
	q := `SELECT EXISTS (SELECT 1 FROM message_sent_ledger WHERE dest_username=$1)`
	var found bool
	if err := s.Pool.QueryRow(ctx, q, destUsername).Scan(&found); err != nil {
		return false, fmt.Errorf("op=ledger.was_sent_any: %w", err)
	}
	return found, nil
}

// RegisterMessageSent records a delivered message. Idempotent on the
// (client_username, dest_username) pair; re-inserts refresh last_sent_at.
func (s *Store) RegisterMessageSent(ctx domain.Context, e domain.LedgerEntry) error {
	if e.ClientID == "" {
		return fmt.Errorf("op=ledger.register: client_id required: %w", domain.ErrInvalidArgument)
	}
	q := `INSERT INTO message_sent_ledger (client_username, dest_username, job_id, task_id, client_id, last_sent_at)
	      VALUES ($1,$2,NULLIF($3,''),NULLIF($4,''),$5,$6)
	      ON CONFLICT (client_username, dest_username) DO UPDATE SET
	        last_sent_at = EXCLUDED.last_sent_at,
	        job_id = COALESCE(EXCLUDED.job_id, message_sent_ledger.job_id),
	        task_id = COALESCE(EXCLUDED.task_id, message_sent_ledger.task_id)`
	_, err := s.Pool.Exec(ctx, q, e.ClientUsername, e.DestUsername, e.JobID, e.TaskID, e.ClientID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=ledger.register: %w", err)
	}
	return nil
}

// CountMessagesSentToday counts ledger rows for a client since midnight UTC.
func (s *Store) CountMessagesSentToday(ctx domain.Context, clientID string) (int, error) {
	q := `SELECT COUNT(*) FROM message_sent_ledger
	      WHERE client_id=$1 AND last_sent_at >= date_trunc('day', now() AT TIME ZONE 'utc')`
	var n int
	if err := s.Pool.QueryRow(ctx, q, clientID).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=ledger.count_today: %w", err)
	}
	return n, nil
}
