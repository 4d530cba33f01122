package postgres

import (
	"fmt"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// schemaStatements creates the orchestration tables. Every statement is
// idempotent so EnsureSchema can run on every startup; column changes still
// need a proper migration.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id          text PRIMARY KEY,
		kind        text NOT NULL,
		priority    int NOT NULL DEFAULT 0,
		batch_size  int NOT NULL DEFAULT 0,
		extra       jsonb,
		total_items int NOT NULL DEFAULT 0,
		status      text NOT NULL DEFAULT 'pending',
		error_msg   text,
		client_id   text NOT NULL,
		created_at  timestamptz NOT NULL DEFAULT now(),
		updated_at  timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS jobs_status_created_idx ON jobs (status, created_at)`,

	`CREATE TABLE IF NOT EXISTS job_tasks (
		id               bigserial PRIMARY KEY,
		job_id           text NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		task_id          text NOT NULL UNIQUE,
		correlation_id   text,
		account_id       text,
		username         text,
		payload          jsonb,
		result           jsonb,
		status           text NOT NULL DEFAULT 'queued',
		client_id        text NOT NULL,
		attempts         int NOT NULL DEFAULT 0,
		lease_ttl        int NOT NULL DEFAULT 300,
		leased_at        timestamptz,
		lease_expires_at timestamptz,
		leased_by        text,
		error_msg        text,
		sent_at          timestamptz,
		finished_at      timestamptz,
		created_at       timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS job_tasks_job_status_idx ON job_tasks (job_id, status)`,
	// one task per (job, username, account); NULL account rows stay distinct
	// until a leaser binds them
	`CREATE UNIQUE INDEX IF NOT EXISTS job_tasks_job_user_account_idx
		ON job_tasks (job_id, username, account_id)`,
	`CREATE INDEX IF NOT EXISTS job_tasks_account_queued_idx ON job_tasks (account_id, status, created_at)`,
	`CREATE INDEX IF NOT EXISTS job_tasks_lease_idx ON job_tasks (status, lease_expires_at)`,
	`CREATE INDEX IF NOT EXISTS job_tasks_client_sent_idx ON job_tasks (client_id, status, sent_at)`,

	`CREATE TABLE IF NOT EXISTS followings (
		origin_username text NOT NULL,
		target_username text NOT NULL,
		observed_at     timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (origin_username, target_username)
	)`,

	`CREATE TABLE IF NOT EXISTS profile_analyses (
		username    text PRIMARY KEY,
		score       double precision NOT NULL DEFAULT 0,
		summary     text,
		analyzed_at timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS message_sent_ledger (
		client_username text NOT NULL,
		dest_username   text NOT NULL,
		job_id          text,
		task_id         text,
		client_id       text NOT NULL,
		last_sent_at    timestamptz NOT NULL DEFAULT now(),
		PRIMARY KEY (client_username, dest_username)
	)`,
	`CREATE INDEX IF NOT EXISTS ledger_dest_idx ON message_sent_ledger (dest_username)`,
	`CREATE INDEX IF NOT EXISTS ledger_client_sent_idx ON message_sent_ledger (client_id, last_sent_at)`,

	`CREATE TABLE IF NOT EXISTS clients (
		id           text PRIMARY KEY,
		name         text NOT NULL,
		email        text,
		api_key_hash text UNIQUE,
		status       text NOT NULL DEFAULT 'active',
		metadata     jsonb,
		created_at   timestamptz NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS client_limits (
		client_id           text PRIMARY KEY REFERENCES clients(id) ON DELETE CASCADE,
		requests_per_minute int NOT NULL DEFAULT 60,
		requests_per_hour   int NOT NULL DEFAULT 1000,
		requests_per_day    int NOT NULL DEFAULT 10000,
		messages_per_day    int NOT NULL DEFAULT 0
	)`,
}

// EnsureSchema applies the orchestration schema. Safe to call concurrently
// from multiple replicas; Postgres serializes the IF NOT EXISTS DDL.
func (s *Store) EnsureSchema(ctx domain.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("op=schema.ensure: %w", err)
		}
	}
	return nil
}
