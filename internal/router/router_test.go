package router_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
	"github.com/fairyhunter13/scrape-orchestrator/internal/router"
)

type storeStub struct {
	mu              sync.Mutex
	claimDeny       map[string]bool
	claims          []string
	okTasks         []string
	errTasks        []string
	requeueOK       bool
	requeueAttempts int
	requeued        []string
	doneJobs        []string
}

func (s *storeStub) ClaimTask(_ domain.Context, _, taskID, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimDeny[taskID] {
		return false, nil
	}
	s.claims = append(s.claims, taskID)
	return true, nil
}

func (s *storeStub) MarkTaskOK(_ domain.Context, _, taskID string, _ map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.okTasks = append(s.okTasks, taskID)
	return nil
}

func (s *storeStub) MarkTaskError(_ domain.Context, _, taskID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errTasks = append(s.errTasks, taskID)
	return nil
}

func (s *storeStub) RequeueTaskWithAttemptsCap(_ domain.Context, _, taskID string, _ int, _ string) (bool, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requeued = append(s.requeued, taskID)
	return s.requeueOK, s.requeueAttempts, nil
}

func (s *storeStub) MarkJobDone(_ domain.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doneJobs = append(s.doneJobs, id)
	return nil
}

type queueStub struct {
	mu   sync.Mutex
	sent []domain.TaskEnvelope
}

func (q *queueStub) Send(_ domain.Context, env domain.TaskEnvelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.sent = append(q.sent, env)
	return nil
}

func (q *queueStub) Receive(domain.Context, time.Duration) (domain.TaskEnvelope, domain.AckFunc, domain.NackFunc, bool, error) {
	return domain.TaskEnvelope{}, nil, nil, false, nil
}

func testConfig() router.Config {
	return router.Config{
		MaxInflightPerAccount:   4,
		TokensCapacity:          8,
		TokensRefillPerSec:      0.5,
		BaseBackoff:             1 * time.Second,
		MaxBackoff:              30 * time.Second,
		AgingStep:               0.5,
		AgingCap:                5,
		LoadBalanceWeight:       0.5,
		TokenAvailabilityWeight: 0.3,
		UrgencyWeight:           0.2,
		DefaultBatchSize:        10,
		MaxAttempts:             3,
	}
}

func newClock(start time.Time) (func() time.Time, func(time.Duration)) {
	var mu sync.Mutex
	now := start
	return func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			return now
		}, func(d time.Duration) {
			mu.Lock()
			now = now.Add(d)
			mu.Unlock()
		}
}

func TestDispatchRespectsInflightCap(t *testing.T) {
	store := &storeStub{}
	q := &queueStub{}
	cfg := testConfig()
	cfg.MaxInflightPerAccount = 2
	r := router.New(cfg, store, map[string]domain.TaskQueue{"acc1": q})

	r.AddJob(router.Job{
		ID:    "j1",
		Kind:  domain.KindFetchFollowings,
		Items: []string{"a", "b", "c", "d"},
	})
	n := r.DispatchTick(context.Background())
	assert.Equal(t, 2, n)
	assert.Len(t, q.sent, 2)

	// nothing returned yet: cap still binds
	assert.Zero(t, r.DispatchTick(context.Background()))
}

func TestDispatchRespectsTokenBucket(t *testing.T) {
	store := &storeStub{}
	q := &queueStub{}
	cfg := testConfig()
	cfg.TokensCapacity = 1
	cfg.TokensRefillPerSec = 0.5
	r := router.New(cfg, store, map[string]domain.TaskQueue{"acc1": q})
	clock, advance := newClock(time.Unix(1_700_000_000, 0))
	r.SetClock(clock)

	r.AddJob(router.Job{ID: "j1", Kind: domain.KindAnalyzeProfile, Items: []string{"a", "b", "c"}})

	assert.Equal(t, 1, r.DispatchTick(context.Background()))
	// bucket empty; half a token after one second is not enough
	advance(1 * time.Second)
	assert.Zero(t, r.DispatchTick(context.Background()))
	advance(1 * time.Second)
	assert.Equal(t, 1, r.DispatchTick(context.Background()))
}

func TestAgingPreventsStarvation(t *testing.T) {
	store := &storeStub{}
	q := &queueStub{}
	cfg := testConfig()
	cfg.TokensCapacity = 1
	cfg.TokensRefillPerSec = 1
	cfg.MaxInflightPerAccount = 100
	r := router.New(cfg, store, map[string]domain.TaskQueue{"acc1": q})
	clock, advance := newClock(time.Unix(1_700_000_000, 0))
	r.SetClock(clock)

	r.AddJob(router.Job{ID: "hot", Kind: domain.KindFetchFollowings, Priority: 3,
		Items: []string{"h1", "h2", "h3", "h4", "h5", "h6", "h7", "h8"}})
	r.AddJob(router.Job{ID: "cold", Kind: domain.KindFetchFollowings, Priority: 1,
		Items: []string{"c1", "c2"}})

	coldDispatched := false
	for i := 0; i < 12 && !coldDispatched; i++ {
		r.DispatchTick(context.Background())
		advance(1 * time.Second)
		q.mu.Lock()
		for _, env := range q.sent {
			if env.CorrelationID == "cold" {
				coldDispatched = true
			}
		}
		q.mu.Unlock()
	}
	assert.True(t, coldDispatched, "aged low-priority job must get a turn")
}

func TestLostClaimSkipsSend(t *testing.T) {
	taskA := domain.BuildTaskID("j1", domain.KindFetchFollowings, "a")
	store := &storeStub{claimDeny: map[string]bool{taskA: true}}
	q := &queueStub{}
	r := router.New(testConfig(), store, map[string]domain.TaskQueue{"acc1": q})

	r.AddJob(router.Job{ID: "j1", Kind: domain.KindFetchFollowings, Items: []string{"a", "b"}})
	n := r.DispatchTick(context.Background())
	assert.Equal(t, 1, n)
	require.Len(t, q.sent, 1)
	assert.Equal(t, domain.BuildTaskID("j1", domain.KindFetchFollowings, "b"), q.sent[0].ID)
}

func TestPayloadDropsBulkyLists(t *testing.T) {
	store := &storeStub{}
	q := &queueStub{}
	r := router.New(testConfig(), store, map[string]domain.TaskQueue{"acc1": q})

	r.AddJob(router.Job{
		ID:    "j1",
		Kind:  domain.KindAnalyzeProfile,
		Items: []string{"alice"},
		Extra: map[string]any{"usernames": []string{"alice", "bob"}, "client_account": "acme"},
	})
	require.Equal(t, 1, r.DispatchTick(context.Background()))
	p := q.sent[0].Payload
	assert.Equal(t, "alice", p["username"])
	assert.Equal(t, "acme", p["client_account"])
	assert.NotContains(t, p, "usernames")
}

func TestOnResultOKFinalizesJob(t *testing.T) {
	store := &storeStub{}
	q := &queueStub{}
	r := router.New(testConfig(), store, map[string]domain.TaskQueue{"acc1": q})

	r.AddJob(router.Job{ID: "j1", Kind: domain.KindFetchFollowings, Items: []string{"a"}})
	require.Equal(t, 1, r.DispatchTick(context.Background()))

	r.OnResult(context.Background(), domain.ResultEnvelope{
		ID:            q.sent[0].ID,
		Task:          domain.KindFetchFollowings,
		CorrelationID: "j1",
		AccountID:     "acc1",
		OK:            true,
		Result:        map[string]any{"followings": []string{"x"}},
	})
	assert.Equal(t, []string{q.sent[0].ID}, store.okTasks)
	assert.Equal(t, []string{"j1"}, store.doneJobs)
	assert.False(t, r.HasJob("j1"))
}

func TestOnResultRetryableRequeuesAndBacksOff(t *testing.T) {
	store := &storeStub{requeueOK: true}
	q := &queueStub{}
	cfg := testConfig()
	r := router.New(cfg, store, map[string]domain.TaskQueue{"acc1": q})
	clock, advance := newClock(time.Unix(1_700_000_000, 0))
	r.SetClock(clock)

	r.AddJob(router.Job{ID: "j1", Kind: domain.KindSendMessage, Items: []string{"bob"}})
	require.Equal(t, 1, r.DispatchTick(context.Background()))

	r.OnResult(context.Background(), domain.ResultEnvelope{
		ID:            q.sent[0].ID,
		CorrelationID: "j1",
		AccountID:     "acc1",
		OK:            false,
		Error:         "driver died",
		Attempts:      1,
		Result:        map[string]any{"retryable": true, "retry_reason": "driver_dead"},
	})
	require.Len(t, store.requeued, 1)
	assert.Empty(t, store.doneJobs, "job with pending work stays open")

	// account is backing off: nothing moves even though the item is pending
	assert.Zero(t, r.DispatchTick(context.Background()))

	advance(1 * time.Minute)
	assert.Equal(t, 1, r.DispatchTick(context.Background()))
	assert.Len(t, q.sent, 2)
	assert.Equal(t, q.sent[0].ID, q.sent[1].ID, "same task id on redispatch")
}

func TestBackoffUsesStoredAttempts(t *testing.T) {
	store := &storeStub{requeueOK: true, requeueAttempts: 3}
	q := &queueStub{}
	r := router.New(testConfig(), store, map[string]domain.TaskQueue{"acc1": q})
	clock, advance := newClock(time.Unix(1_700_000_000, 0))
	r.SetClock(clock)

	r.AddJob(router.Job{ID: "j1", Kind: domain.KindSendMessage, Items: []string{"bob"}})
	require.Equal(t, 1, r.DispatchTick(context.Background()))

	// the envelope under-reports its attempt count; the store knows better
	r.OnResult(context.Background(), domain.ResultEnvelope{
		ID:            q.sent[0].ID,
		CorrelationID: "j1",
		AccountID:     "acc1",
		OK:            false,
		Error:         "driver died",
		Attempts:      1,
		Result:        map[string]any{"retryable": true},
	})
	require.Len(t, store.requeued, 1)

	// 1s base shifted by three stored attempts: eight seconds of backoff
	advance(4 * time.Second)
	assert.Zero(t, r.DispatchTick(context.Background()), "backoff must outlast the envelope's count")
	advance(5 * time.Second)
	assert.Equal(t, 1, r.DispatchTick(context.Background()))
}

func TestRefillSurvivesClockRewind(t *testing.T) {
	store := &storeStub{}
	q := &queueStub{}
	cfg := testConfig()
	cfg.TokensCapacity = 1
	cfg.TokensRefillPerSec = 0.5
	r := router.New(cfg, store, map[string]domain.TaskQueue{"acc1": q})
	clock, advance := newClock(time.Unix(1_700_000_000, 0))
	r.SetClock(clock)

	r.AddJob(router.Job{ID: "j1", Kind: domain.KindAnalyzeProfile, Items: []string{"a", "b"}})
	require.Equal(t, 1, r.DispatchTick(context.Background()))

	// clock jumps backwards (ntp step); the bucket re-anchors instead of freezing
	advance(-1 * time.Hour)
	assert.Zero(t, r.DispatchTick(context.Background()))
	advance(2 * time.Second)
	assert.Equal(t, 1, r.DispatchTick(context.Background()))
}

func TestOnResultRetryExhaustedDoesNotRequeue(t *testing.T) {
	store := &storeStub{requeueOK: false}
	q := &queueStub{}
	r := router.New(testConfig(), store, map[string]domain.TaskQueue{"acc1": q})
	clock, advance := newClock(time.Unix(1_700_000_000, 0))
	r.SetClock(clock)

	r.AddJob(router.Job{ID: "j1", Kind: domain.KindSendMessage, Items: []string{"bob"}})
	require.Equal(t, 1, r.DispatchTick(context.Background()))

	r.OnResult(context.Background(), domain.ResultEnvelope{
		ID:            q.sent[0].ID,
		CorrelationID: "j1",
		AccountID:     "acc1",
		OK:            false,
		Error:         "driver died",
		Attempts:      3,
		Result:        map[string]any{"retryable": true},
	})
	require.Len(t, store.requeued, 1)
	// terminal: job drains and finalizes
	assert.Equal(t, []string{"j1"}, store.doneJobs)

	advance(1 * time.Minute)
	assert.Zero(t, r.DispatchTick(context.Background()))
}

func TestOnResultNonRetryableMarksError(t *testing.T) {
	store := &storeStub{}
	q := &queueStub{}
	r := router.New(testConfig(), store, map[string]domain.TaskQueue{"acc1": q})

	r.AddJob(router.Job{ID: "j1", Kind: domain.KindAnalyzeProfile, Items: []string{"a"}})
	require.Equal(t, 1, r.DispatchTick(context.Background()))

	r.OnResult(context.Background(), domain.ResultEnvelope{
		ID:            q.sent[0].ID,
		CorrelationID: "j1",
		AccountID:     "acc1",
		OK:            false,
		Error:         "profile is private",
	})
	assert.Equal(t, []string{q.sent[0].ID}, store.errTasks)
	assert.Empty(t, store.requeued)
	// errored tasks do not keep the job open
	assert.Equal(t, []string{"j1"}, store.doneJobs)
}

func TestHeartbeatIsIgnored(t *testing.T) {
	store := &storeStub{}
	r := router.New(testConfig(), store, map[string]domain.TaskQueue{"acc1": &queueStub{}})
	r.OnResult(context.Background(), domain.ResultEnvelope{
		AccountID: "acc1",
		OK:        true,
		Result:    map[string]any{"type": "heartbeat"},
	})
	assert.Empty(t, store.okTasks)
}

func TestAddJobIdempotentAndStopAccepting(t *testing.T) {
	store := &storeStub{}
	q := &queueStub{}
	r := router.New(testConfig(), store, map[string]domain.TaskQueue{"acc1": q})

	assert.True(t, r.AddJob(router.Job{ID: "j1", Kind: domain.KindFetchFollowings, Items: []string{"a"}}))
	assert.True(t, r.AddJob(router.Job{ID: "j1", Kind: domain.KindFetchFollowings, Items: []string{"a", "a", "b"}}))
	require.Equal(t, 1, r.DispatchTick(context.Background()), "duplicate registration must not duplicate items")

	r.StopAccepting()
	assert.False(t, r.AddJob(router.Job{ID: "j2", Kind: domain.KindFetchFollowings, Items: []string{"x"}}))
}

func TestReseedFreesStaleInflightSlot(t *testing.T) {
	store := &storeStub{}
	q := &queueStub{}
	cfg := testConfig()
	cfg.MaxInflightPerAccount = 1
	r := router.New(cfg, store, map[string]domain.TaskQueue{"acc1": q})

	r.AddJob(router.Job{ID: "j1", Kind: domain.KindFetchFollowings, Items: []string{"a", "b"}})
	require.Equal(t, 1, r.DispatchTick(context.Background()))
	// worker died: the lease reclaimer moved "a" back to queued in the store
	assert.Equal(t, 1, r.Reseed("j1", []string{"a"}))

	// the stale slot is freed, so both items go out again
	assert.Equal(t, 1, r.DispatchTick(context.Background()))
	require.Len(t, q.sent, 2)
	assert.Equal(t, q.sent[0].CorrelationID, q.sent[1].CorrelationID)

	assert.Zero(t, r.Reseed("missing", []string{"x"}))
}
