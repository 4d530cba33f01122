package postgres

import (
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// Advisory provides named advisory locks over a dedicated pooled connection.
// Postgres advisory locks are session-scoped, so the connection is held until
// release.
type Advisory struct{ Pool *pgxpool.Pool }

// NewAdvisory constructs an Advisory locker with the given pool.
func NewAdvisory(p *pgxpool.Pool) *Advisory { return &Advisory{Pool: p} }

// lockKey maps a lock name onto the bigint space pg advisory locks use.
func lockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// TryAdvisoryLock attempts to take the named lock, polling until the timeout.
// timeout zero means a single non-blocking attempt. On success the returned
// release func must be called exactly once.
func (a *Advisory) TryAdvisoryLock(ctx domain.Context, name string, timeout time.Duration) (func(), bool, error) {
	conn, err := a.Pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("op=advisory.acquire_conn: %w", err)
	}
	key := lockKey(name)
	deadline := time.Now().Add(timeout)
	for {
		var got bool
		if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&got); err != nil {
			conn.Release()
			return nil, false, fmt.Errorf("op=advisory.try_lock: %w", err)
		}
		if got {
			release := func() {
				_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key)
				conn.Release()
			}
			return release, true, nil
		}
		if timeout <= 0 || time.Now().After(deadline) {
			conn.Release()
			return nil, false, nil
		}
		select {
		case <-ctx.Done():
			conn.Release()
			return nil, false, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
