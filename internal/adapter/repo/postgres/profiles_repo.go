package postgres

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// UpsertProfileAnalysis stores the latest derived score for a profile.
func (s *Store) UpsertProfileAnalysis(ctx domain.Context, a domain.ProfileAnalysis) error {
	q := `INSERT INTO profile_analyses (username, score, summary, analyzed_at)
	      VALUES ($1,$2,$3,$4)
	      ON CONFLICT (username) DO UPDATE SET
	        score = EXCLUDED.score,
	        summary = EXCLUDED.summary,
	        analyzed_at = EXCLUDED.analyzed_at`
	if _, err := s.Pool.Exec(ctx, q, a.Username, a.Score, a.Summary, a.AnalyzedAt); err != nil {
		return fmt.Errorf("op=profiles.upsert: %w", err)
	}
	return nil
}

// RecentlyAnalyzed reports whether the profile was analyzed within the window.
// The chain orchestrator uses this to skip still-fresh targets.
func (s *Store) RecentlyAnalyzed(ctx domain.Context, username string, window time.Duration) (bool, error) {
	q := `SELECT EXISTS (SELECT 1 FROM profile_analyses WHERE username=$1 AND analyzed_at > $2)`
	var found bool
	if err := s.Pool.QueryRow(ctx, q, username, time.Now().UTC().Add(-window)).Scan(&found); err != nil {
		return false, fmt.Errorf("op=profiles.recent: %w", err)
	}
	return found, nil
}
