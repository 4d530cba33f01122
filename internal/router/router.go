// Package router is the dispatcher's in-memory fairness and rate-control
// layer. It decides which task goes to which worker account and when, under
// per-account inflight caps, token buckets and per-job anti-starvation aging.
// Router state is confined to the dispatcher process; durability lives in the
// task store.
package router

import (
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/observability"
	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

// Config carries the routing knobs.
type Config struct {
	MaxInflightPerAccount   int
	TokensCapacity          float64
	TokensRefillPerSec      float64
	BaseBackoff             time.Duration
	MaxBackoff              time.Duration
	Jitter                  time.Duration
	AgingStep               float64
	AgingCap                float64
	LoadBalanceWeight       float64
	TokenAvailabilityWeight float64
	UrgencyWeight           float64
	DefaultBatchSize        int
	MaxAttempts             int
}

// Store is the durable-state subset the router drives.
type Store interface {
	ClaimTask(ctx domain.Context, jobID, taskID, accountID string) (bool, error)
	MarkTaskOK(ctx domain.Context, jobID, taskID string, result map[string]any) error
	MarkTaskError(ctx domain.Context, jobID, taskID, errMsg string) error
	RequeueTaskWithAttemptsCap(ctx domain.Context, jobID, taskID string, maxAttempts int, finalErr string) (requeued bool, attempts int, err error)
	MarkJobDone(ctx domain.Context, id string) error
}

// Job is the routing view of a job: an ordered pending set plus config.
type Job struct {
	ID        string
	Kind      domain.JobKind
	Items     []string
	BatchSize int
	Priority  int
	Extra     map[string]any
	ClientID  string
}

type inflightEntry struct {
	username string
	account  string
}

type jobState struct {
	Job
	pending    []string
	pendingSet map[string]struct{}
	inflight   map[string]inflightEntry // keyed by task_id
	ageBoost   float64
}

type accountState struct {
	inflight     int
	tokens       float64
	lastRefill   time.Time
	backoffUntil time.Time
}

// Router routes pending job items to per-account task queues.
type Router struct {
	mu            sync.Mutex
	cfg           Config
	store         Store
	queues        map[string]domain.TaskQueue
	jobs          []*jobState
	jobsByID      map[string]*jobState
	accounts      map[string]*accountState
	stopAccepting bool
	now           func() time.Time
	rng           *rand.Rand
}

// New builds a Router over the full account roster.
func New(cfg Config, store Store, queues map[string]domain.TaskQueue) *Router {
	if cfg.DefaultBatchSize <= 0 {
		cfg.DefaultBatchSize = 10
	}
	if cfg.MaxInflightPerAccount <= 0 {
		cfg.MaxInflightPerAccount = 4
	}
	r := &Router{
		cfg:      cfg,
		store:    store,
		queues:   queues,
		jobsByID: map[string]*jobState{},
		accounts: map[string]*accountState{},
		now:      time.Now,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for acc := range queues {
		r.accounts[acc] = &accountState{tokens: cfg.TokensCapacity, lastRefill: r.now()}
	}
	return r
}

// SetClock injects a deterministic clock for tests. Refill anchors are
// re-based on the injected clock so the first tick does not see a bogus
// elapsed interval against wall time.
func (r *Router) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	t := now()
	for _, st := range r.accounts {
		st.lastRefill = t
	}
}

// AddJob registers a job for routing. Idempotent by job id; refused after
// StopAccepting.
func (r *Router) AddJob(j Job) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopAccepting {
		return false
	}
	if _, ok := r.jobsByID[j.ID]; ok {
		return true
	}
	js := &jobState{
		Job:        j,
		pendingSet: map[string]struct{}{},
		inflight:   map[string]inflightEntry{},
	}
	for _, it := range j.Items {
		if _, dup := js.pendingSet[it]; dup {
			continue
		}
		js.pendingSet[it] = struct{}{}
		js.pending = append(js.pending, it)
	}
	r.jobs = append(r.jobs, js)
	r.jobsByID[j.ID] = js
	return true
}

// Reseed puts items back on a registered job's pending list after lease
// reclamation. The store is the source of truth: an item it reports as
// queued is no longer inflight, so any stale inflight entry is dropped and
// its account slot freed.
func (r *Router) Reseed(jobID string, items []string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	js, ok := r.jobsByID[jobID]
	if !ok {
		return 0
	}
	byUsername := make(map[string]string, len(js.inflight))
	for taskID, e := range js.inflight {
		byUsername[e.username] = taskID
	}
	added := 0
	for _, it := range items {
		if _, dup := js.pendingSet[it]; dup {
			continue
		}
		if taskID, stale := byUsername[it]; stale {
			e := js.inflight[taskID]
			delete(js.inflight, taskID)
			if st, ok := r.accounts[e.account]; ok && st.inflight > 0 {
				st.inflight--
				observability.AccountInflight.WithLabelValues(e.account).Set(float64(st.inflight))
			}
		}
		js.pendingSet[it] = struct{}{}
		js.pending = append(js.pending, it)
		added++
	}
	return added
}

// JobIDs lists the currently registered jobs.
func (r *Router) JobIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.jobs))
	for _, js := range r.jobs {
		out = append(out, js.ID)
	}
	return out
}

// HasJob reports whether the job is already registered.
func (r *Router) HasJob(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobsByID[id]
	return ok
}

// StopAccepting freezes admission; in-flight jobs drain normally.
func (r *Router) StopAccepting() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopAccepting = true
}

func (r *Router) refill(now time.Time) {
	for _, st := range r.accounts {
		elapsed := now.Sub(st.lastRefill).Seconds()
		if elapsed < 0 {
			// clock moved backwards; re-anchor instead of freezing the bucket
			st.lastRefill = now
			continue
		}
		if elapsed > 0 {
			st.tokens = math.Min(r.cfg.TokensCapacity, st.tokens+elapsed*r.cfg.TokensRefillPerSec)
			st.lastRefill = now
		}
	}
}

// DispatchTick runs one routing round and returns the number of envelopes
// emitted.
func (r *Router) DispatchTick(ctx domain.Context) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	r.refill(now)

	ordered := make([]*jobState, len(r.jobs))
	copy(ordered, r.jobs)
	sort.SliceStable(ordered, func(i, j int) bool {
		si := float64(ordered[i].Priority) + ordered[i].ageBoost
		sj := float64(ordered[j].Priority) + ordered[j].ageBoost
		return si > sj
	})

	emitted := 0
	for _, js := range ordered {
		if len(js.pending) == 0 {
			if len(js.inflight) == 0 {
				r.finalize(ctx, js)
			}
			continue
		}
		acc, st := r.pickAccount(now, js)
		if acc == "" {
			js.ageBoost = math.Min(r.cfg.AgingCap, js.ageBoost+r.cfg.AgingStep)
			continue
		}
		n := r.batchFor(js, st)
		sent := 0
		for i := 0; i < n && len(js.pending) > 0; i++ {
			item := js.pending[0]
			taskID := domain.BuildTaskID(js.ID, js.Kind, item)
			claimed, err := r.store.ClaimTask(ctx, js.ID, taskID, acc)
			if err != nil {
				slog.Error("claim failed", slog.String("task_id", taskID), slog.Any("error", err))
				break
			}
			js.pending = js.pending[1:]
			delete(js.pendingSet, item)
			if !claimed {
				// another dispatcher replica got there first
				continue
			}
			env := domain.TaskEnvelope{
				ID:            taskID,
				Task:          js.Kind,
				CorrelationID: js.ID,
				AccountID:     acc,
				Payload:       buildPayload(item, js.Extra),
			}
			if err := r.queues[acc].Send(ctx, env); err != nil {
				slog.Error("task send failed, releasing claim to reclaimer",
					slog.String("task_id", taskID), slog.Any("error", err))
				break
			}
			js.inflight[taskID] = inflightEntry{username: item, account: acc}
			st.inflight++
			st.tokens--
			sent++
			emitted++
			observability.TasksDispatched.WithLabelValues(acc).Inc()
			observability.AccountInflight.WithLabelValues(acc).Set(float64(st.inflight))
		}
		if sent > 0 {
			js.ageBoost = 0
		} else {
			js.ageBoost = math.Min(r.cfg.AgingCap, js.ageBoost+r.cfg.AgingStep)
		}
	}
	return emitted
}

func (r *Router) batchFor(js *jobState, st *accountState) int {
	n := js.BatchSize
	if n <= 0 {
		n = r.cfg.DefaultBatchSize
	}
	if rem := r.cfg.MaxInflightPerAccount - st.inflight; rem < n {
		n = rem
	}
	if t := int(math.Floor(st.tokens)); t < n {
		n = t
	}
	return n
}

func (r *Router) pickAccount(now time.Time, js *jobState) (string, *accountState) {
	best := ""
	var bestState *accountState
	bestScore := math.Inf(-1)
	for acc, st := range r.accounts {
		if now.Before(st.backoffUntil) {
			continue
		}
		if st.inflight >= r.cfg.MaxInflightPerAccount || st.tokens < 1 {
			continue
		}
		score := r.cfg.LoadBalanceWeight*(1-float64(st.inflight)/float64(r.cfg.MaxInflightPerAccount)) +
			r.cfg.TokenAvailabilityWeight*math.Min(1, st.tokens) +
			r.cfg.UrgencyWeight*float64(js.Priority)/10 +
			js.ageBoost
		if score > bestScore || (score == bestScore && acc < best) {
			best, bestState, bestScore = acc, st, score
		}
	}
	return best, bestState
}

func (r *Router) finalize(ctx domain.Context, js *jobState) {
	if err := r.store.MarkJobDone(ctx, js.ID); err != nil {
		slog.Error("job finalize failed", slog.String("job_id", js.ID), slog.Any("error", err))
		return
	}
	observability.JobsFinished.WithLabelValues("done").Inc()
	delete(r.jobsByID, js.ID)
	for i, other := range r.jobs {
		if other == js {
			r.jobs = append(r.jobs[:i], r.jobs[i+1:]...)
			break
		}
	}
}

// OnResult applies one worker result: bookkeeping, durable state transition
// and, for retryable failures, the requeue-with-backoff path.
func (r *Router) OnResult(ctx domain.Context, res domain.ResultEnvelope) {
	if res.IsHeartbeat() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.accounts[res.AccountID]; ok && st.inflight > 0 {
		st.inflight--
		observability.AccountInflight.WithLabelValues(res.AccountID).Set(float64(st.inflight))
	}

	js := r.jobsByID[res.CorrelationID]
	var item string
	if js != nil {
		item = js.inflight[res.ID].username
		delete(js.inflight, res.ID)
	}
	if item == "" {
		item = usernameFromTaskID(res.ID)
	}

	switch {
	case res.OK:
		observability.TaskResults.WithLabelValues("ok").Inc()
		if err := r.store.MarkTaskOK(ctx, res.CorrelationID, res.ID, res.Result); err != nil {
			slog.Error("mark ok failed", slog.String("task_id", res.ID), slog.Any("error", err))
		}
	case res.Retryable():
		requeued, attempts, err := r.store.RequeueTaskWithAttemptsCap(ctx, res.CorrelationID, res.ID, r.cfg.MaxAttempts, "retry exhausted")
		if err != nil {
			slog.Error("requeue failed", slog.String("task_id", res.ID), slog.Any("error", err))
			break
		}
		if requeued {
			observability.TaskResults.WithLabelValues("requeued").Inc()
			if js != nil && item != "" {
				if _, dup := js.pendingSet[item]; !dup {
					js.pendingSet[item] = struct{}{}
					js.pending = append(js.pending, item)
				}
			}
			if attempts < res.Attempts {
				attempts = res.Attempts
			}
			r.applyBackoff(res.AccountID, attempts)
		} else {
			observability.TaskResults.WithLabelValues("exhausted").Inc()
		}
	default:
		observability.TaskResults.WithLabelValues("error").Inc()
		if err := r.store.MarkTaskError(ctx, res.CorrelationID, res.ID, res.Error); err != nil {
			slog.Error("mark error failed", slog.String("task_id", res.ID), slog.Any("error", err))
		}
	}

	if js != nil && len(js.pending) == 0 && len(js.inflight) == 0 {
		r.finalize(ctx, js)
	}
}

func (r *Router) applyBackoff(accountID string, attempts int) {
	st, ok := r.accounts[accountID]
	if !ok {
		return
	}
	if attempts < 1 {
		attempts = 1
	}
	d := r.cfg.BaseBackoff * (1 << uint(attempts))
	if d > r.cfg.MaxBackoff || d <= 0 {
		d = r.cfg.MaxBackoff
	}
	if r.cfg.Jitter > 0 {
		d += time.Duration((r.rng.Float64()*2 - 1) * float64(r.cfg.Jitter))
	}
	if d < 0 {
		d = 0
	}
	st.backoffUntil = r.now().Add(d)
}

// buildPayload snapshots the job extra for one item, dropping bulky lists
// that would bloat every envelope.
func buildPayload(username string, extra map[string]any) map[string]any {
	p := map[string]any{"username": username}
	for k, v := range extra {
		if k == "usernames" {
			continue
		}
		p[k] = v
	}
	return p
}

func usernameFromTaskID(taskID string) string {
	if i := strings.LastIndex(taskID, ":"); i >= 0 && i+1 < len(taskID) {
		return taskID[i+1:]
	}
	return ""
}
