package worker_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/queue/local"
	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
	"github.com/fairyhunter13/scrape-orchestrator/internal/worker"
)

type beginStub struct {
	mu     sync.Mutex
	refuse map[string]bool
	calls  []string
	err    error
}

func (b *beginStub) BeginTask(_ domain.Context, _, taskID, _, _ string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, taskID)
	if b.err != nil {
		return false, b.err
	}
	return !b.refuse[taskID], nil
}

type execStub struct {
	mu         sync.Mutex
	fetched    []string
	analyzed   []string
	messaged   []string
	fetchErr   error
	messageErr error
}

func (e *execStub) FetchFollowings(_ domain.Context, user string, limit int) ([]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.fetchErr != nil {
		return nil, e.fetchErr
	}
	e.fetched = append(e.fetched, user)
	out := make([]string, 0, limit)
	for i := 0; i < 3 && i < limit; i++ {
		out = append(out, fmt.Sprintf("%s_f%d", user, i))
	}
	return out, nil
}

func (e *execStub) AnalyzeProfile(_ domain.Context, user string) (map[string]any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.analyzed = append(e.analyzed, user)
	return map[string]any{"username": user, "score": 0.5}, nil
}

func (e *execStub) SendDirectMessage(_ domain.Context, dest, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.messageErr != nil {
		return e.messageErr
	}
	e.messaged = append(e.messaged, dest)
	return nil
}

type dmStub struct {
	mu        sync.Mutex
	deny      bool
	allowed   int
	blocks    int
	successes int
}

func (d *dmStub) Allow(string) (bool, time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.deny {
		return false, 42 * time.Second
	}
	d.allowed++
	return true, 0
}

func (d *dmStub) RecordBlock(string)   { d.mu.Lock(); d.blocks++; d.mu.Unlock() }
func (d *dmStub) RecordSuccess(string) { d.mu.Lock(); d.successes++; d.mu.Unlock() }

func runWorker(t *testing.T, store worker.BeginStore, exec domain.WorkExecutor, envs ...domain.TaskEnvelope) []domain.ResultEnvelope {
	return runWorkerDM(t, store, exec, nil, envs...)
}

func runWorkerDM(t *testing.T, store worker.BeginStore, exec domain.WorkExecutor, dm worker.DMLimiter, envs ...domain.TaskEnvelope) []domain.ResultEnvelope {
	t.Helper()
	tasks := local.NewTaskQueue(16)
	results := local.NewResultQueue(16)
	ctx := context.Background()
	for _, env := range envs {
		require.NoError(t, tasks.Send(ctx, env))
	}
	require.NoError(t, tasks.Send(ctx, domain.TaskEnvelope{Task: domain.KindPoisonPill}))

	w := worker.New(worker.Config{AccountID: "acc1", PollInterval: 10 * time.Millisecond}, store, tasks, results, exec)
	if dm != nil {
		w.UseDMLimiter(dm)
	}
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop on poison pill")
	}

	var out []domain.ResultEnvelope
	for {
		res, ok, err := results.TryGetNowait(ctx)
		require.NoError(t, err)
		if !ok {
			return out
		}
		out = append(out, res)
	}
}

func TestWorkerFetchFollowings(t *testing.T) {
	exec := &execStub{}
	results := runWorker(t, &beginStub{}, exec, domain.TaskEnvelope{
		ID:            "j1:fetch_followings:alice",
		Task:          domain.KindFetchFollowings,
		CorrelationID: "j1",
		AccountID:     "acc1",
		Payload:       map[string]any{"username": "alice", "limit": float64(2)},
	})
	require.Len(t, results, 1)
	res := results[0]
	assert.True(t, res.OK)
	assert.Equal(t, "j1", res.CorrelationID)
	assert.Equal(t, []string{"alice_f0", "alice_f1"}, res.Result["followings"])
	assert.Equal(t, 2, res.Result["count"])
	assert.Equal(t, []string{"alice"}, exec.fetched)
}

func TestWorkerDuplicateDeliveryIsSilentlyDropped(t *testing.T) {
	store := &beginStub{refuse: map[string]bool{"j1:send_message:bob": true}}
	exec := &execStub{}
	results := runWorker(t, store, exec,
		domain.TaskEnvelope{
			ID: "j1:send_message:bob", Task: domain.KindSendMessage, CorrelationID: "j1",
			Payload: map[string]any{"username": "bob", "message_text": "hi"},
		},
	)
	assert.Empty(t, results, "refused begin must not produce a result")
	assert.Empty(t, exec.messaged, "refused begin must not execute")
	assert.Equal(t, []string{"j1:send_message:bob"}, store.calls)
}

func TestWorkerInvalidPayload(t *testing.T) {
	results := runWorker(t, &beginStub{}, &execStub{}, domain.TaskEnvelope{
		ID: "j1:analyze_profile:x", Task: domain.KindAnalyzeProfile, CorrelationID: "j1",
		Payload: map[string]any{},
	})
	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.Equal(t, "payload invalid", results[0].Error)
	assert.Equal(t, 1, results[0].Attempts)
}

func TestWorkerDriverDeathIsRetryable(t *testing.T) {
	exec := &execStub{fetchErr: fmt.Errorf("session lost: %w", domain.ErrDriverDead)}
	results := runWorker(t, &beginStub{}, exec, domain.TaskEnvelope{
		ID: "j1:fetch_followings:alice", Task: domain.KindFetchFollowings, CorrelationID: "j1",
		Payload: map[string]any{"username": "alice"},
	})
	require.Len(t, results, 1)
	res := results[0]
	assert.False(t, res.OK)
	assert.Equal(t, true, res.Result["retryable"])
	assert.Equal(t, "driver_dead", res.Result["retry_reason"])
	assert.True(t, res.Retryable())
}

func TestWorkerNonRetryableError(t *testing.T) {
	exec := &execStub{messageErr: errors.New("recipient does not accept messages")}
	results := runWorker(t, &beginStub{}, exec, domain.TaskEnvelope{
		ID: "j1:send_message:bob", Task: domain.KindSendMessage, CorrelationID: "j1",
		Payload: map[string]any{"username": "bob", "message_text": "hi"},
	})
	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.False(t, results[0].Retryable())
	assert.Equal(t, "recipient does not accept messages", results[0].Error)
}

func TestWorkerDMBudgetExhaustedIsRetryable(t *testing.T) {
	dm := &dmStub{deny: true}
	exec := &execStub{}
	results := runWorkerDM(t, &beginStub{}, exec, dm, domain.TaskEnvelope{
		ID: "j1:send_message:bob", Task: domain.KindSendMessage, CorrelationID: "j1",
		Payload: map[string]any{"username": "bob", "message_text": "hi"},
	})
	require.Len(t, results, 1)
	res := results[0]
	assert.False(t, res.OK)
	assert.Equal(t, "dm_rate_limited", res.Result["retry_reason"])
	assert.True(t, res.Retryable())
	assert.Empty(t, exec.messaged, "denied send must not reach the executor")
}

func TestWorkerDMSoftBlockOpensCooldown(t *testing.T) {
	dm := &dmStub{}
	exec := &execStub{messageErr: fmt.Errorf("send refused: %w", domain.ErrSoftBlocked)}
	results := runWorkerDM(t, &beginStub{}, exec, dm, domain.TaskEnvelope{
		ID: "j1:send_message:bob", Task: domain.KindSendMessage, CorrelationID: "j1",
		Payload: map[string]any{"username": "bob", "message_text": "hi"},
	})
	require.Len(t, results, 1)
	res := results[0]
	assert.False(t, res.OK)
	assert.Equal(t, "soft_block", res.Result["retry_reason"])
	assert.True(t, res.Retryable())
	assert.Equal(t, 1, dm.blocks)
	assert.Equal(t, 0, dm.successes)
}

func TestWorkerDMSuccessDecaysBlockStreak(t *testing.T) {
	dm := &dmStub{}
	exec := &execStub{}
	results := runWorkerDM(t, &beginStub{}, exec, dm, domain.TaskEnvelope{
		ID: "j1:send_message:bob", Task: domain.KindSendMessage, CorrelationID: "j1",
		Payload: map[string]any{"username": "bob", "message_text": "hi"},
	})
	require.Len(t, results, 1)
	assert.True(t, results[0].OK)
	assert.Equal(t, 1, dm.allowed)
	assert.Equal(t, 1, dm.successes)
}

func TestWorkerUnknownKind(t *testing.T) {
	results := runWorker(t, &beginStub{}, &execStub{}, domain.TaskEnvelope{
		ID: "j1:bogus:x", Task: domain.JobKind("bogus"), CorrelationID: "j1",
		Payload: map[string]any{"username": "x"},
	})
	require.Len(t, results, 1)
	assert.False(t, results[0].OK)
	assert.Contains(t, results[0].Error, "unknown task kind")
}
