package local_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/queue/local"
	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

func TestTaskQueueFIFO(t *testing.T) {
	q := local.NewTaskQueue(4)
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, domain.TaskEnvelope{ID: "a"}))
	require.NoError(t, q.Send(ctx, domain.TaskEnvelope{ID: "b"}))

	env, ack, nack, ok, err := q.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", env.ID)
	ack()
	nack()

	env, _, _, ok, err = q.Receive(ctx, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "b", env.ID)
}

func TestTaskQueueReceiveTimeout(t *testing.T) {
	q := local.NewTaskQueue(1)
	_, _, _, ok, err := q.Receive(context.Background(), 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTaskQueueFullSendFails(t *testing.T) {
	q := local.NewTaskQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, domain.TaskEnvelope{ID: "a"}))
	err := q.Send(ctx, domain.TaskEnvelope{ID: "b"})
	require.Error(t, err)
}

func TestResultQueueNowait(t *testing.T) {
	q := local.NewResultQueue(4)
	ctx := context.Background()

	_, ok, err := q.TryGetNowait(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, q.Send(ctx, domain.ResultEnvelope{ID: "r1", OK: true}))
	res, ok, err := q.TryGetNowait(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "r1", res.ID)
}
