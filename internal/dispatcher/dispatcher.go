// Package dispatcher runs the supervisor loop: expand pending jobs into
// tasks under an advisory lock, feed the fairness router, drain worker
// results, reclaim expired leases and chain fetch jobs into analyze jobs.
package dispatcher

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
	"github.com/fairyhunter13/scrape-orchestrator/internal/router"
)

// Store is the durable state the dispatcher drives: the task store plus the
// scrape-derived side tables.
type Store interface {
	domain.TaskStore
	UpsertProfileAnalysis(ctx domain.Context, a domain.ProfileAnalysis) error
	RecentlyAnalyzed(ctx domain.Context, username string, window time.Duration) (bool, error)
}

// Retention runs the periodic delete passes (see repo/postgres/cleanup.go).
type Retention interface {
	RunAll(ctx domain.Context)
}

// Config carries the supervisor cadence and chaining knobs.
type Config struct {
	Accounts             []string
	TickSleep            time.Duration
	ScanInterval         time.Duration
	LeaseCleanupInterval time.Duration
	CleanupInterval      time.Duration
	MaxReclaimedPerRun   int
	AnalyzeSkipRecent    time.Duration
	AnalyzePriority      int
	AnalyzeBatchSize     int
	FetchLimitDefault    int
}

func (c *Config) applyDefaults() {
	if c.TickSleep <= 0 {
		c.TickSleep = 50 * time.Millisecond
	}
	if c.ScanInterval <= 0 {
		c.ScanInterval = 2 * time.Second
	}
	if c.LeaseCleanupInterval <= 0 {
		c.LeaseCleanupInterval = 60 * time.Second
	}
	if c.MaxReclaimedPerRun <= 0 {
		c.MaxReclaimedPerRun = 200
	}
	if c.AnalyzeSkipRecent <= 0 {
		c.AnalyzeSkipRecent = 168 * time.Hour
	}
	if c.AnalyzePriority <= 0 {
		c.AnalyzePriority = 5
	}
	if c.AnalyzeBatchSize <= 0 {
		c.AnalyzeBatchSize = 25
	}
	if c.FetchLimitDefault <= 0 {
		c.FetchLimitDefault = 200
	}
}

// Dispatcher owns the routing state for one process. Safe for a single
// Run loop; cross-replica coordination happens through the store.
type Dispatcher struct {
	cfg     Config
	store   Store
	locker  domain.AdvisoryLocker
	router  *router.Router
	results domain.ResultQueue
	cleanup Retention

	// jobs seen and skipped (unknown kind, empty expansion); never retried
	skipped map[string]struct{}

	lastScan    time.Time
	lastReclaim time.Time
	lastCleanup time.Time
}

// New builds a Dispatcher. Returns an error when the account roster is
// empty: a dispatcher with no workers can only grow a backlog.
func New(cfg Config, store Store, locker domain.AdvisoryLocker, rt *router.Router, results domain.ResultQueue, cleanup Retention) (*Dispatcher, error) {
	if len(cfg.Accounts) == 0 {
		return nil, fmt.Errorf("op=dispatcher.new: no worker accounts configured: %w", domain.ErrInvalidArgument)
	}
	cfg.applyDefaults()
	return &Dispatcher{
		cfg:     cfg,
		store:   store,
		locker:  locker,
		router:  rt,
		results: results,
		cleanup: cleanup,
		skipped: map[string]struct{}{},
	}, nil
}

// Run loops until ctx is cancelled, then drains outstanding results once.
func (d *Dispatcher) Run(ctx domain.Context) error {
	slog.Info("dispatcher started", slog.Int("accounts", len(d.cfg.Accounts)))
	for {
		select {
		case <-ctx.Done():
			d.router.StopAccepting()
			d.drainResults(ctx)
			slog.Info("dispatcher stopped")
			return ctx.Err()
		default:
		}
		d.Tick(ctx)

		select {
		case <-ctx.Done():
		case <-time.After(d.cfg.TickSleep):
		}
	}
}

// Tick runs one supervisor iteration. Exported for deterministic tests.
func (d *Dispatcher) Tick(ctx domain.Context) {
	now := time.Now()
	if now.Sub(d.lastScan) >= d.cfg.ScanInterval {
		d.scanPendingJobs(ctx)
		d.lastScan = now
	}
	d.router.DispatchTick(ctx)
	d.drainResults(ctx)
	if now.Sub(d.lastReclaim) >= d.cfg.LeaseCleanupInterval {
		d.reclaimLeases(ctx)
		d.lastReclaim = now
	}
	if d.cleanup != nil && d.cfg.CleanupInterval > 0 && now.Sub(d.lastCleanup) >= d.cfg.CleanupInterval {
		d.cleanup.RunAll(ctx)
		d.lastCleanup = now
	}
}

// scanPendingJobs expands each pending job into task rows and registers it
// with the router. Expansion is serialized across replicas with an advisory
// lock per job; losing the lock means another replica owns that job.
func (d *Dispatcher) scanPendingJobs(ctx domain.Context) {
	jobs, err := d.store.PendingJobs(ctx)
	if err != nil {
		slog.Error("pending scan failed", slog.Any("error", err))
		return
	}
	for _, job := range jobs {
		if _, skip := d.skipped[job.ID]; skip || d.router.HasJob(job.ID) {
			continue
		}
		if !domain.KnownKind(job.Kind) {
			slog.Warn("skipping job with unknown kind",
				slog.String("job_id", job.ID), slog.String("kind", string(job.Kind)))
			d.skipped[job.ID] = struct{}{}
			continue
		}
		if job.Status == domain.JobRunning {
			d.resumeJob(ctx, job)
			continue
		}
		items := materializeItems(job)
		if len(items) == 0 {
			slog.Warn("job expands to zero items", slog.String("job_id", job.ID))
			if err := d.store.MarkJobError(ctx, job.ID, "no items to expand"); err != nil {
				slog.Error("mark job error failed", slog.String("job_id", job.ID), slog.Any("error", err))
			}
			d.skipped[job.ID] = struct{}{}
			continue
		}
		d.expandJob(ctx, job, items)
	}
}

// resumeJob re-registers a running job whose tasks survived a restart. The
// task rows already exist, so no advisory lock and no re-expansion: the store
// tells us what is still queued. Jobs whose remaining tasks are all sent are
// left alone until the lease reclaimer requeues them.
func (d *Dispatcher) resumeJob(ctx domain.Context, job domain.Job) {
	if d.externallyPulled(job) {
		return
	}
	queued, err := d.store.ListQueuedUsernames(ctx, job.ID)
	if err != nil {
		slog.Error("resume scan failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	if len(queued) == 0 {
		return
	}
	if d.router.AddJob(router.Job{
		ID:        job.ID,
		Kind:      job.Kind,
		Items:     queued,
		BatchSize: job.BatchSize,
		Priority:  job.Priority,
		Extra:     job.Extra,
		ClientID:  job.ClientID,
	}) {
		slog.Info("job resumed",
			slog.String("job_id", job.ID), slog.String("kind", string(job.Kind)), slog.Int("items", len(queued)))
	}
}

func (d *Dispatcher) expandJob(ctx domain.Context, job domain.Job, items []string) {
	release, ok, err := d.locker.TryAdvisoryLock(ctx, "expand:"+job.ID, 0)
	if err != nil {
		slog.Error("advisory lock failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	if !ok {
		return // another replica is expanding this job
	}
	defer release()

	// send jobs are executed by the tenant's own sender account; binding it
	// here lets that account lease the tasks by name
	accountID := ""
	if job.Kind == domain.KindSendMessage {
		accountID = stringFromAny(job.Extra["client_account"])
	}
	for _, item := range items {
		t := domain.Task{
			JobID:         job.ID,
			TaskID:        domain.BuildTaskID(job.ID, job.Kind, item),
			CorrelationID: job.ID,
			AccountID:     accountID,
			Username:      item,
			ClientID:      job.ClientID,
		}
		if err := d.store.AddTask(ctx, t); err != nil {
			slog.Error("add task failed", slog.String("task_id", t.TaskID), slog.Any("error", err))
			return // leave the job pending; next scan retries the remainder
		}
	}
	if err := d.store.MarkJobRunning(ctx, job.ID); err != nil {
		slog.Error("mark running failed", slog.String("job_id", job.ID), slog.Any("error", err))
		return
	}
	if d.externallyPulled(job) {
		// the sender leases these over HTTP; the router never sees them
		slog.Info("job left for sender pull",
			slog.String("job_id", job.ID), slog.String("account", accountID), slog.Int("items", len(items)))
		return
	}

	// re-read the queued set: on restart some tasks may already be past queued
	queued, err := d.store.ListQueuedUsernames(ctx, job.ID)
	if err != nil {
		slog.Error("list queued failed", slog.String("job_id", job.ID), slog.Any("error", err))
		queued = items
	}
	d.router.AddJob(router.Job{
		ID:        job.ID,
		Kind:      job.Kind,
		Items:     queued,
		BatchSize: job.BatchSize,
		Priority:  job.Priority,
		Extra:     job.Extra,
		ClientID:  job.ClientID,
	})
	slog.Info("job expanded",
		slog.String("job_id", job.ID), slog.String("kind", string(job.Kind)), slog.Int("items", len(queued)))
}

// externallyPulled reports whether a send job belongs to a sender account
// outside the worker roster, meaning its tasks are leased over HTTP.
func (d *Dispatcher) externallyPulled(job domain.Job) bool {
	if job.Kind != domain.KindSendMessage {
		return false
	}
	acc := stringFromAny(job.Extra["client_account"])
	if acc == "" {
		return false
	}
	for _, a := range d.cfg.Accounts {
		if a == acc {
			return false
		}
	}
	return true
}

// materializeItems turns a job's extra into the per-item username list.
func materializeItems(job domain.Job) []string {
	switch job.Kind {
	case domain.KindFetchFollowings:
		if u := normalizeUsername(stringFromAny(job.Extra["target_username"])); u != "" {
			return []string{u}
		}
		return nil
	case domain.KindAnalyzeProfile, domain.KindSendMessage:
		return dedupeUsernames(job.Extra["usernames"])
	}
	return nil
}

func (d *Dispatcher) drainResults(ctx domain.Context) {
	for {
		res, ok, err := d.results.TryGetNowait(ctx)
		if err != nil {
			slog.Error("result poll failed", slog.Any("error", err))
			return
		}
		if !ok {
			return
		}
		if res.IsHeartbeat() {
			slog.Debug("worker heartbeat", slog.String("account", res.AccountID))
			continue
		}
		d.router.OnResult(ctx, res)
		d.afterResult(ctx, res)
	}
}

// afterResult handles the side effects a finished task carries beyond the
// queued/sent/ok/error transition.
func (d *Dispatcher) afterResult(ctx domain.Context, res domain.ResultEnvelope) {
	if !res.OK {
		return
	}
	switch res.Task {
	case domain.KindFetchFollowings:
		d.recordFollowings(ctx, res)
		d.maybeChainAnalyze(ctx, res.CorrelationID)
	case domain.KindAnalyzeProfile:
		d.recordAnalysis(ctx, res)
	case domain.KindSendMessage:
		d.recordSend(ctx, res)
	}
}

func (d *Dispatcher) recordFollowings(ctx domain.Context, res domain.ResultEnvelope) {
	origin := usernameFromResult(res)
	targets := stringsFromAny(res.Result["followings"])
	if origin == "" || len(targets) == 0 {
		return
	}
	if err := d.store.UpsertFollowings(ctx, origin, targets); err != nil {
		slog.Error("followings upsert failed", slog.String("origin", origin), slog.Any("error", err))
	}
}

func (d *Dispatcher) recordAnalysis(ctx domain.Context, res domain.ResultEnvelope) {
	username := usernameFromResult(res)
	if username == "" {
		return
	}
	score, _ := res.Result["score"].(float64)
	summary, _ := res.Result["summary"].(string)
	a := domain.ProfileAnalysis{Username: username, Score: score, Summary: summary, AnalyzedAt: time.Now().UTC()}
	if err := d.store.UpsertProfileAnalysis(ctx, a); err != nil {
		slog.Error("analysis upsert failed", slog.String("username", username), slog.Any("error", err))
	}
}

// recordSend writes the send ledger for worker-executed messages. A ledger
// write failure is logged, not fatal: the task already succeeded.
func (d *Dispatcher) recordSend(ctx domain.Context, res domain.ResultEnvelope) {
	dest := stringFromAny(res.Result["dest"])
	if dest == "" {
		dest = usernameFromResult(res)
	}
	if dest == "" {
		return
	}
	job, err := d.store.GetJob(ctx, res.CorrelationID)
	if err != nil {
		slog.Error("ledger job lookup failed", slog.String("job_id", res.CorrelationID), slog.Any("error", err))
		return
	}
	entry := domain.LedgerEntry{
		ClientUsername: stringFromAny(job.Extra["client_account"]),
		DestUsername:   dest,
		JobID:          res.CorrelationID,
		TaskID:         res.ID,
		ClientID:       job.ClientID,
	}
	if entry.ClientUsername == "" {
		entry.ClientUsername = res.AccountID
	}
	if err := d.store.RegisterMessageSent(ctx, entry); err != nil {
		slog.Error("ledger write failed", slog.String("dest", dest), slog.Any("error", err))
	}
}

// reclaimLeases returns expired sent tasks to queued and reseeds the router
// so they get redispatched.
func (d *Dispatcher) reclaimLeases(ctx domain.Context) {
	n, err := d.store.ReclaimExpiredLeases(ctx, d.cfg.MaxReclaimedPerRun)
	if err != nil {
		slog.Error("lease reclaim failed", slog.Any("error", err))
		return
	}
	if n == 0 {
		return
	}
	observability.LeasesReclaimed.Add(float64(n))
	slog.Warn("reclaimed expired leases", slog.Int("count", n))
	for _, jobID := range d.router.JobIDs() {
		queued, err := d.store.ListQueuedUsernames(ctx, jobID)
		if err != nil {
			slog.Error("reseed scan failed", slog.String("job_id", jobID), slog.Any("error", err))
			continue
		}
		if added := d.router.Reseed(jobID, queued); added > 0 {
			slog.Info("reseeded reclaimed tasks", slog.String("job_id", jobID), slog.Int("count", added))
		}
	}
}

func usernameFromResult(res domain.ResultEnvelope) string {
	if u := stringFromAny(res.Result["username"]); u != "" {
		return normalizeUsername(u)
	}
	return normalizeUsername(usernameFromTaskID(res.ID))
}

func usernameFromTaskID(taskID string) string {
	for i := len(taskID) - 1; i >= 0; i-- {
		if taskID[i] == ':' {
			return taskID[i+1:]
		}
	}
	return ""
}
