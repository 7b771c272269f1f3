package repo_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ballotbox/internal/db"
	"ballotbox/internal/events"
	"ballotbox/internal/migrate"
	"ballotbox/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func TestAPIKeyLifecycle(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()

	key, plain, err := r.CreateAPIKey(ctx, "alice", "laptop")
	require.NoError(t, err)
	assert.NotEmpty(t, key.ID)
	assert.NotEqual(t, plain, key.KeyHash)

	got, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(" "+plain+" "))
	require.NoError(t, err)
	assert.Equal(t, "alice", got.ActorID)
	assert.Equal(t, "laptop", got.Name)

	_, _, err = r.CreateAPIKey(ctx, "bob", "")
	require.NoError(t, err)
	keys, err := r.ListAPIKeys(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	all, err := r.ListAPIKeys(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, r.DeleteAPIKey(ctx, key.ID))
	_, err = r.GetAPIKeyByHash(ctx, repo.HashAPIKey(plain))
	require.ErrorIs(t, err, repo.ErrNotFound)
	require.ErrorIs(t, r.DeleteAPIKey(ctx, key.ID), repo.ErrNotFound)

	_, _, err = r.CreateAPIKey(ctx, " ", "")
	require.Error(t, err)
}

func TestEventQueries(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	w := events.Writer{DB: r.DB}

	id, err := r.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), id)

	require.NoError(t, w.Append(ctx, events.ProposalCreated, 1, "alice", nil))
	require.NoError(t, w.Append(ctx, events.ProposalVoted, 1, "bob", events.EventPayload{"choice": "approve"}))
	require.NoError(t, w.Append(ctx, events.ProposalCreated, 2, "alice", nil))

	key := uint64(1)
	got, err := r.LatestEvents(ctx, repo.EventFilter{ProposalKey: &key})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, events.ProposalVoted, got[0].Type)

	got, err = r.LatestEvents(ctx, repo.EventFilter{Type: events.ProposalCreated, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(2), got[0].ProposalKey)

	got, err = r.LatestEvents(ctx, repo.EventFilter{ActorID: "bob"})
	require.NoError(t, err)
	require.Len(t, got, 1)

	after, err := r.EventsAfter(ctx, 10, got[0].ID)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, uint64(2), after[0].ProposalKey)

	id, err = r.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, after[0].ID, id)
}
