package dispatcher

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// maybeChainAnalyze creates the follow-up analyze job once every task of a
// fetch job has finished. The derived job id doubles as the idempotency
// guard: replicas racing here collide on the existence check or on the
// store's job upsert, never on duplicate analyze work.
func (d *Dispatcher) maybeChainAnalyze(ctx domain.Context, fetchJobID string) {
	done, err := d.store.AllTasksFinished(ctx, fetchJobID)
	if err != nil {
		slog.Error("chain finish check failed", slog.String("job_id", fetchJobID), slog.Any("error", err))
		return
	}
	if !done {
		return
	}

	analyzeID := domain.AnalyzeJobID(fetchJobID)
	if _, err := d.store.GetJob(ctx, analyzeID); err == nil {
		return // already chained
	} else if !errors.Is(err, domain.ErrNotFound) {
		slog.Error("chain lookup failed", slog.String("job_id", analyzeID), slog.Any("error", err))
		return
	}

	fetchJob, err := d.store.GetJob(ctx, fetchJobID)
	if err != nil {
		slog.Error("chain fetch job lookup failed", slog.String("job_id", fetchJobID), slog.Any("error", err))
		return
	}
	if fetchJob.Kind != domain.KindFetchFollowings {
		return
	}

	origin := normalizeUsername(stringFromAny(fetchJob.Extra["target_username"]))
	if origin == "" {
		return
	}
	limit := intFromAny(fetchJob.Extra["limit"], d.cfg.FetchLimitDefault)
	followings, err := d.store.RecentFollowings(ctx, origin, limit)
	if err != nil {
		slog.Error("chain followings lookup failed", slog.String("origin", origin), slog.Any("error", err))
		return
	}

	usernames := d.filterForAnalyze(ctx, fetchJob, followings)
	if len(usernames) == 0 {
		slog.Info("chain yields no candidates", slog.String("job_id", fetchJobID))
		return
	}

	extra := map[string]any{"usernames": usernames}
	if ca := stringFromAny(fetchJob.Extra["client_account"]); ca != "" {
		extra["client_account"] = ca
	}
	job := domain.Job{
		ID:         analyzeID,
		Kind:       domain.KindAnalyzeProfile,
		Priority:   d.cfg.AnalyzePriority,
		BatchSize:  d.cfg.AnalyzeBatchSize,
		Extra:      extra,
		TotalItems: len(usernames),
		Status:     domain.JobPending,
		ClientID:   fetchJob.ClientID,
	}
	if err := d.store.CreateJob(ctx, job); err != nil {
		slog.Error("chain job create failed", slog.String("job_id", analyzeID), slog.Any("error", err))
		return
	}
	observability.JobsEnqueued.WithLabelValues(string(domain.KindAnalyzeProfile)).Inc()
	slog.Info("chained analyze job",
		slog.String("fetch_job_id", fetchJobID),
		slog.String("job_id", analyzeID),
		slog.Int("candidates", len(usernames)))
}

// filterForAnalyze drops candidates the tenant already messaged and ones
// analyzed within the skip window. With extra.dedupe_scope="any" the ledger
// check widens to messages sent from any client account.
func (d *Dispatcher) filterForAnalyze(ctx domain.Context, fetchJob domain.Job, candidates []string) []string {
	clientAccount := stringFromAny(fetchJob.Extra["client_account"])
	dedupeAny := stringFromAny(fetchJob.Extra["dedupe_scope"]) == "any"
	out := make([]string, 0, len(candidates))
	for _, raw := range candidates {
		u := normalizeUsername(raw)
		if u == "" {
			continue
		}
		if dedupeAny {
			sent, err := d.store.WasMessageSentAny(ctx, u)
			if err != nil {
				slog.Error("chain ledger check failed", slog.String("username", u), slog.Any("error", err))
				continue
			}
			if sent {
				continue
			}
		} else if clientAccount != "" {
			sent, err := d.store.WasMessageSent(ctx, clientAccount, u)
			if err != nil {
				slog.Error("chain ledger check failed", slog.String("username", u), slog.Any("error", err))
				continue
			}
			if sent {
				continue
			}
		}
		recent, err := d.store.RecentlyAnalyzed(ctx, u, d.cfg.AnalyzeSkipRecent)
		if err != nil {
			slog.Error("chain analysis check failed", slog.String("username", u), slog.Any("error", err))
			continue
		}
		if recent {
			continue
		}
		out = append(out, u)
	}
	return out
}

func normalizeUsername(u string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(u), "@")))
}

// dedupeUsernames normalizes and dedupes a raw extra["usernames"] value,
// preserving first-seen order.
func dedupeUsernames(v any) []string {
	raw := stringsFromAny(v)
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		u := normalizeUsername(r)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func stringFromAny(v any) string {
	s, _ := v.(string)
	return s
}

// stringsFromAny accepts []string or the []any shape json decoding produces.
func stringsFromAny(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func intFromAny(v any, def int) int {
	switch vv := v.(type) {
	case int:
		if vv > 0 {
			return vv
		}
	case int64:
		if vv > 0 {
			return int(vv)
		}
	case float64:
		if vv > 0 {
			return int(vv)
		}
	}
	return def
}
