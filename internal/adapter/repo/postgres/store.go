// Package postgres implements the durable Task Store on PostgreSQL.
//
// It persists jobs, tasks, the message-sent ledger and tenant rows, and
// exposes the atomic claim/lease/complete primitives the dispatcher and the
// HTTP surface rely on. All cross-process coordination (row locks,
// FOR UPDATE SKIP LOCKED, advisory locks) lives here.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is a minimal subset of pgxpool used by the store for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Store implements domain.TaskStore on a pgx pool. Method groups are split
// across jobs_repo.go, tasks_repo.go, ledger_repo.go and followings_repo.go.
type Store struct{ Pool PgxPool }

// NewStore constructs a Store with the given pool.
func NewStore(p PgxPool) *Store { return &Store{Pool: p} }
