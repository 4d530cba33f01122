package postgres_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/scrape-orchestrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/scrape-orchestrator/internal/domain"
)

func TestRegisterMessageSentIdempotent(t *testing.T) {
	pool := &poolStub{}
	store := postgres.NewStore(pool)
	e := domain.LedgerEntry{ClientUsername: "acc1", DestUsername: "bob", JobID: "j1", TaskID: "t1", ClientID: "c1"}

	require.NoError(t, store.RegisterMessageSent(context.Background(), e))
	require.NoError(t, store.RegisterMessageSent(context.Background(), e))
	require.Len(t, pool.execCalls, 2)
	sql := pool.execCalls[0].sql
	assert.Contains(t, sql, "ON CONFLICT (client_username, dest_username)")
	assert.Contains(t, sql, "last_sent_at = EXCLUDED.last_sent_at")
}

func TestRegisterMessageSentRequiresClient(t *testing.T) {
	store := postgres.NewStore(&poolStub{})
	err := store.RegisterMessageSent(context.Background(), domain.LedgerEntry{ClientUsername: "acc1", DestUsername: "bob"})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestWasMessageSent(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error { return assign(dest, []any{true}) }}}
	store := postgres.NewStore(pool)
	sent, err := store.WasMessageSent(context.Background(), "acc1", "bob")
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestWasMessageSentAny(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error { return assign(dest, []any{false}) }}}
	store := postgres.NewStore(pool)
	sent, err := store.WasMessageSentAny(context.Background(), "bob")
	require.NoError(t, err)
	assert.False(t, sent)
}

func TestCountMessagesSentToday(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error { return assign(dest, []any{12}) }}}
	store := postgres.NewStore(pool)
	n, err := store.CountMessagesSentToday(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, 12, n)
}

func TestUpsertFollowingsEmptyIsNoop(t *testing.T) {
	pool := &poolStub{}
	store := postgres.NewStore(pool)
	require.NoError(t, store.UpsertFollowings(context.Background(), "acc1", nil))
	assert.Empty(t, pool.execCalls)
}

func TestRecentFollowings(t *testing.T) {
	pool := &poolStub{rows: &rowsStub{data: [][]any{{"u1"}, {"u2"}}}}
	store := postgres.NewStore(pool)
	out, err := store.RecentFollowings(context.Background(), "acc1", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, out)
}
