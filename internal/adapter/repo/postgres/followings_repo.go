package postgres

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// UpsertFollowings bulk-records observed (origin, target) pairs. Idempotent;
// re-observation refreshes the timestamp.
func (s *Store) UpsertFollowings(ctx domain.Context, origin string, targets []string) error {
	if len(targets) == 0 {
		return nil
	}
	q := `INSERT INTO followings (origin_username, target_username, observed_at)
	      SELECT $1, t, $3 FROM unnest($2::text[]) AS t
	      ON CONFLICT (origin_username, target_username) DO UPDATE SET
	        observed_at = EXCLUDED.observed_at`
	if _, err := s.Pool.Exec(ctx, q, origin, targets, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=followings.upsert: %w", err)
	}
	return nil
}

// RecentFollowings lists targets observed for origin, newest first.
func (s *Store) RecentFollowings(ctx domain.Context, origin string, limit int) ([]string, error) {
	q := `SELECT target_username FROM followings WHERE origin_username=$1 ORDER BY observed_at DESC LIMIT $2`
	rows, err := s.Pool.Query(ctx, q, origin, limit)
	if err != nil {
		return nil, fmt.Errorf("op=followings.recent: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("op=followings.recent: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
