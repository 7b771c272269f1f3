package registry_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ballotbox/internal/auth"
	"ballotbox/internal/db"
	"ballotbox/internal/domain"
	"ballotbox/internal/events"
	"ballotbox/internal/metrics"
	"ballotbox/internal/migrate"
	"ballotbox/internal/registry"
	"ballotbox/internal/repo"
	"ballotbox/internal/store"
)

type testEnv struct {
	Registry *registry.Registry
	Store    *flakyStore
	Ctx      context.Context
}

// flakyStore wraps a memory map and can be told to fail writes.
type flakyStore struct {
	store.Map
	failInserts bool
}

var errDisk = errors.New("disk on fire")

func (f *flakyStore) Insert(ctx context.Context, key uint64, p domain.Proposal) (domain.Proposal, bool, error) {
	if f.failInserts {
		return domain.Proposal{}, false, errDisk
	}
	return f.Map.Insert(ctx, key, p)
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	fs := &flakyStore{Map: store.NewMemory()}
	reg, err := registry.New(registry.Config{Store: fs, Caller: auth.ContextCaller{}})
	require.NoError(t, err)
	return testEnv{Registry: reg, Store: fs, Ctx: context.Background()}
}

func as(ctx context.Context, id string) context.Context {
	return auth.WithCaller(ctx, domain.Identity(id))
}

func (env testEnv) get(t *testing.T, key uint64) domain.Proposal {
	t.Helper()
	p, ok, err := env.Registry.GetProposal(env.Ctx, key)
	require.NoError(t, err)
	require.True(t, ok, "proposal %d missing", key)
	return p
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := registry.New(registry.Config{Caller: auth.ContextCaller{}})
	require.Error(t, err)
	_, err = registry.New(registry.Config{Store: store.NewMemory()})
	require.Error(t, err)
}

func TestScenarioCreateVoteEndEdit(t *testing.T) {
	env := newTestEnv(t)
	owner := as(env.Ctx, "O")

	_, existed, err := env.Registry.CreateProposal(owner, 1, domain.ProposalInput{Description: "D", Active: true})
	require.NoError(t, err)
	assert.False(t, existed)
	p := env.get(t, 1)
	assert.Equal(t, "D", p.Description)
	assert.True(t, p.Active)
	assert.Empty(t, p.Voted)
	assert.Zero(t, p.Tally())
	assert.Equal(t, domain.Identity("O"), p.Owner)

	require.NoError(t, env.Registry.Vote(as(env.Ctx, "V1"), 1, domain.ChoiceApprove))
	p = env.get(t, 1)
	assert.Equal(t, uint32(1), p.Approve)
	assert.Equal(t, []domain.Identity{"V1"}, p.Voted)

	err = env.Registry.Vote(as(env.Ctx, "V1"), 1, domain.ChoiceApprove)
	require.ErrorIs(t, err, registry.ErrAlreadyVoted)
	assert.Equal(t, uint32(1), env.get(t, 1).Approve)

	require.NoError(t, env.Registry.EndProposal(owner, 1))
	assert.False(t, env.get(t, 1).Active)
	before := env.get(t, 1)
	err = env.Registry.Vote(as(env.Ctx, "V2"), 1, domain.ChoiceReject)
	require.ErrorIs(t, err, registry.ErrNotActive)
	assert.Equal(t, before, env.get(t, 1))

	err = env.Registry.EditProposal(as(env.Ctx, "X"), 1, domain.ProposalInput{Description: "hijack", Active: true})
	require.ErrorIs(t, err, registry.ErrAccessRejected)
	assert.Equal(t, before, env.get(t, 1))

	require.NoError(t, env.Registry.EditProposal(owner, 1, domain.ProposalInput{Description: "D2", Active: true}))
	p = env.get(t, 1)
	assert.Equal(t, "D2", p.Description)
	assert.True(t, p.Active)
	assert.Equal(t, uint32(1), p.Approve)
	assert.Equal(t, []domain.Identity{"V1"}, p.Voted)
	assert.Equal(t, domain.Identity("O"), p.Owner)

	require.NoError(t, env.Registry.Vote(as(env.Ctx, "V2"), 1, domain.ChoiceReject))
	assert.Equal(t, uint32(1), env.get(t, 1).Reject)
}

func TestCountTracksDistinctKeys(t *testing.T) {
	env := newTestEnv(t)
	ctx := as(env.Ctx, "O")
	for i := uint64(0); i < 5; i++ {
		_, _, err := env.Registry.CreateProposal(ctx, i*10, domain.ProposalInput{Description: "p", Active: true})
		require.NoError(t, err)
		n, err := env.Registry.GetProposalCount(env.Ctx)
		require.NoError(t, err)
		assert.Equal(t, i+1, n)
	}
}

func TestCreateOverwritesExistingKey(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Registry.CreateProposal(as(env.Ctx, "A"), 9, domain.ProposalInput{Description: "first", Active: true})
	require.NoError(t, err)
	require.NoError(t, env.Registry.Vote(as(env.Ctx, "V"), 9, domain.ChoicePass))

	prev, existed, err := env.Registry.CreateProposal(as(env.Ctx, "B"), 9, domain.ProposalInput{Description: "second", Active: false})
	require.NoError(t, err)
	require.True(t, existed)
	assert.Equal(t, "first", prev.Description)
	assert.Equal(t, uint32(1), prev.Pass)
	assert.Equal(t, domain.Identity("A"), prev.Owner)

	p := env.get(t, 9)
	assert.Equal(t, "second", p.Description)
	assert.False(t, p.Active)
	assert.Empty(t, p.Voted)
	assert.Zero(t, p.Tally())
	assert.Equal(t, domain.Identity("B"), p.Owner)

	n, err := env.Registry.GetProposalCount(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)
}

func TestVoteCountsEachChoice(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Registry.CreateProposal(as(env.Ctx, "O"), 1, domain.ProposalInput{Description: "d", Active: true})
	require.NoError(t, err)
	choices := []domain.Choice{domain.ChoiceApprove, domain.ChoiceReject, domain.ChoicePass, domain.ChoicePass}
	for i, c := range choices {
		require.NoError(t, env.Registry.Vote(as(env.Ctx, fmt.Sprintf("v%d", i)), 1, c))
		p := env.get(t, 1)
		assert.Equal(t, uint64(len(p.Voted)), p.Tally())
	}
	// the owner may vote too
	require.NoError(t, env.Registry.Vote(as(env.Ctx, "O"), 1, domain.ChoiceApprove))
	p := env.get(t, 1)
	assert.Equal(t, uint32(2), p.Approve)
	assert.Equal(t, uint32(1), p.Reject)
	assert.Equal(t, uint32(2), p.Pass)
	assert.Len(t, p.Voted, 5)
}

func TestVoteNormalizesChoice(t *testing.T) {
	promReg := prometheus.NewRegistry()
	reg, err := registry.New(registry.Config{
		Store:   store.NewMemory(),
		Caller:  auth.ContextCaller{},
		Metrics: metrics.New(promReg),
	})
	require.NoError(t, err)
	ctx := context.Background()
	_, _, err = reg.CreateProposal(as(ctx, "O"), 1, domain.ProposalInput{Description: "d", Active: true})
	require.NoError(t, err)

	require.NoError(t, reg.Vote(as(ctx, "V"), 1, domain.Choice("Approve")))
	require.NoError(t, reg.Vote(as(ctx, "W"), 1, domain.Choice(" PASS ")))
	p, ok, err := reg.GetProposal(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint32(1), p.Approve)
	assert.Equal(t, uint32(1), p.Pass)
	assert.Equal(t, uint64(len(p.Voted)), p.Tally())

	expected := `
# HELP ballotbox_registry_votes_total Accepted votes by choice
# TYPE ballotbox_registry_votes_total counter
ballotbox_registry_votes_total{choice="approve"} 1
ballotbox_registry_votes_total{choice="pass"} 1
`
	require.NoError(t, testutil.GatherAndCompare(promReg, strings.NewReader(expected), "ballotbox_registry_votes_total"))
}

func TestVoteCheckOrder(t *testing.T) {
	env := newTestEnv(t)
	err := env.Registry.Vote(as(env.Ctx, "V"), 404, domain.ChoiceApprove)
	require.ErrorIs(t, err, registry.ErrNoSuchProposal)

	_, _, err = env.Registry.CreateProposal(as(env.Ctx, "O"), 1, domain.ProposalInput{Description: "d", Active: true})
	require.NoError(t, err)
	require.NoError(t, env.Registry.Vote(as(env.Ctx, "V"), 1, domain.ChoiceApprove))
	require.NoError(t, env.Registry.EndProposal(as(env.Ctx, "O"), 1))

	// already voted wins over not active
	err = env.Registry.Vote(as(env.Ctx, "V"), 1, domain.ChoiceApprove)
	require.ErrorIs(t, err, registry.ErrAlreadyVoted)
	err = env.Registry.Vote(as(env.Ctx, "W"), 1, domain.ChoiceApprove)
	require.ErrorIs(t, err, registry.ErrNotActive)
}

func TestCreateClosedRejectsVotes(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Registry.CreateProposal(as(env.Ctx, "O"), 1, domain.ProposalInput{Description: "d"})
	require.NoError(t, err)
	err = env.Registry.Vote(as(env.Ctx, "V"), 1, domain.ChoicePass)
	require.ErrorIs(t, err, registry.ErrNotActive)
	assert.Zero(t, env.get(t, 1).Tally())
}

func TestEndProposal(t *testing.T) {
	env := newTestEnv(t)
	owner := as(env.Ctx, "O")
	require.ErrorIs(t, env.Registry.EndProposal(owner, 1), registry.ErrNoSuchProposal)

	_, _, err := env.Registry.CreateProposal(owner, 1, domain.ProposalInput{Description: "d", Active: true})
	require.NoError(t, err)
	require.ErrorIs(t, env.Registry.EndProposal(as(env.Ctx, "X"), 1), registry.ErrAccessRejected)
	assert.True(t, env.get(t, 1).Active)

	require.NoError(t, env.Registry.EndProposal(owner, 1))
	// idempotent
	require.NoError(t, env.Registry.EndProposal(owner, 1))
	assert.False(t, env.get(t, 1).Active)
}

func TestEditProposal(t *testing.T) {
	env := newTestEnv(t)
	owner := as(env.Ctx, "O")
	err := env.Registry.EditProposal(owner, 1, domain.ProposalInput{Description: "x"})
	require.ErrorIs(t, err, registry.ErrNoSuchProposal)

	_, _, err = env.Registry.CreateProposal(owner, 1, domain.ProposalInput{Description: "d", Active: true})
	require.NoError(t, err)
	require.NoError(t, env.Registry.EditProposal(owner, 1, domain.ProposalInput{Description: "closed", Active: false}))
	p := env.get(t, 1)
	assert.Equal(t, "closed", p.Description)
	assert.False(t, p.Active)
}

func TestInvalidInputRejectedBeforeMutation(t *testing.T) {
	env := newTestEnv(t)
	owner := as(env.Ctx, "O")
	huge := strings.Repeat("x", env.Registry.MaxEncodedSize())

	_, _, err := env.Registry.CreateProposal(owner, 1, domain.ProposalInput{Description: huge, Active: true})
	require.ErrorIs(t, err, registry.ErrInvalidInput)
	_, ok, err := env.Registry.GetProposal(env.Ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = env.Registry.CreateProposal(owner, 1, domain.ProposalInput{Description: "\xff\xfe", Active: true})
	require.ErrorIs(t, err, registry.ErrInvalidInput)

	_, _, err = env.Registry.CreateProposal(owner, 1, domain.ProposalInput{Description: "ok", Active: true})
	require.NoError(t, err)
	err = env.Registry.EditProposal(owner, 1, domain.ProposalInput{Description: huge})
	require.ErrorIs(t, err, registry.ErrInvalidInput)
	p := env.get(t, 1)
	assert.Equal(t, "ok", p.Description)
	assert.True(t, p.Active)

	err = env.Registry.Vote(as(env.Ctx, "V"), 1, domain.Choice("maybe"))
	require.ErrorIs(t, err, registry.ErrInvalidInput)
	assert.Empty(t, env.get(t, 1).Voted)
}

func TestMaxEncodedSizeBoundary(t *testing.T) {
	base, err := store.EncodedSize(domain.Proposal{Voted: []domain.Identity{}, Owner: "O", Active: true})
	require.NoError(t, err)
	// text strings under 24 bytes carry a one byte header, the empty one included
	limit := base + 10
	reg, err := registry.New(registry.Config{Store: store.NewMemory(), Caller: auth.ContextCaller{}, MaxEncodedSize: limit})
	require.NoError(t, err)
	ctx := as(context.Background(), "O")

	_, _, err = reg.CreateProposal(ctx, 1, domain.ProposalInput{Description: strings.Repeat("a", 10), Active: true})
	require.NoError(t, err)
	_, _, err = reg.CreateProposal(ctx, 2, domain.ProposalInput{Description: strings.Repeat("a", 11), Active: true})
	require.ErrorIs(t, err, registry.ErrInvalidInput)

	// votes may grow a record past the limit
	for _, v := range []string{"v1", "v2", "v3"} {
		require.NoError(t, reg.Vote(as(ctx, v), 1, domain.ChoiceApprove))
	}
}

func TestEditAfterVotesOutgrowLimit(t *testing.T) {
	base, err := store.EncodedSize(domain.Proposal{Voted: []domain.Identity{}, Owner: "O", Active: true})
	require.NoError(t, err)
	limit := base + 10
	reg, err := registry.New(registry.Config{Store: store.NewMemory(), Caller: auth.ContextCaller{}, MaxEncodedSize: limit})
	require.NoError(t, err)
	ctx := context.Background()
	owner := as(ctx, "O")
	desc := strings.Repeat("a", 10)

	_, _, err = reg.CreateProposal(owner, 1, domain.ProposalInput{Description: desc, Active: true})
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, reg.Vote(as(ctx, fmt.Sprintf("voter-%d", i)), 1, domain.ChoiceReject))
	}
	p, _, err := reg.GetProposal(ctx, 1)
	require.NoError(t, err)
	size, err := store.EncodedSize(p)
	require.NoError(t, err)
	require.Greater(t, size, limit)

	require.NoError(t, reg.EditProposal(owner, 1, domain.ProposalInput{Description: desc}))
	require.NoError(t, reg.EditProposal(owner, 1, domain.ProposalInput{Description: "b", Active: true}))
	err = reg.EditProposal(owner, 1, domain.ProposalInput{Description: strings.Repeat("a", 11), Active: true})
	require.ErrorIs(t, err, registry.ErrInvalidInput)

	p, _, err = reg.GetProposal(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "b", p.Description)
	assert.True(t, p.Active)
	assert.Equal(t, uint32(20), p.Reject)
	assert.Len(t, p.Voted, 20)
}

func TestUnauthenticatedCaller(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Registry.CreateProposal(env.Ctx, 1, domain.ProposalInput{Description: "d"})
	require.ErrorIs(t, err, auth.ErrUnauthenticated)
	require.ErrorIs(t, env.Registry.Vote(env.Ctx, 1, domain.ChoiceApprove), auth.ErrUnauthenticated)
	require.ErrorIs(t, env.Registry.EndProposal(env.Ctx, 1), auth.ErrUnauthenticated)
	require.ErrorIs(t, env.Registry.EditProposal(env.Ctx, 1, domain.ProposalInput{}), auth.ErrUnauthenticated)
	assert.Equal(t, "unauthenticated", registry.ResultLabel(auth.ErrUnauthenticated))
}

func TestStoreFailureIsUpdateError(t *testing.T) {
	env := newTestEnv(t)
	owner := as(env.Ctx, "O")
	_, _, err := env.Registry.CreateProposal(owner, 1, domain.ProposalInput{Description: "d", Active: true})
	require.NoError(t, err)

	env.Store.failInserts = true
	err = env.Registry.Vote(as(env.Ctx, "V"), 1, domain.ChoiceApprove)
	require.ErrorIs(t, err, registry.ErrUpdate)
	require.ErrorIs(t, err, errDisk)
	require.ErrorIs(t, env.Registry.EndProposal(owner, 1), registry.ErrUpdate)
	require.ErrorIs(t, env.Registry.EditProposal(owner, 1, domain.ProposalInput{Description: "e"}), registry.ErrUpdate)
	_, _, err = env.Registry.CreateProposal(owner, 2, domain.ProposalInput{Description: "d"})
	require.ErrorIs(t, err, registry.ErrUpdate)

	env.Store.failInserts = false
	p := env.get(t, 1)
	assert.Equal(t, "d", p.Description)
	assert.True(t, p.Active)
	assert.Empty(t, p.Voted)
}

func TestConcurrentVotesKeepTallyConsistent(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Registry.CreateProposal(as(env.Ctx, "O"), 1, domain.ProposalInput{Description: "d", Active: true})
	require.NoError(t, err)

	const voters = 40
	choices := []domain.Choice{domain.ChoiceApprove, domain.ChoiceReject, domain.ChoicePass}
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < voters; i++ {
		// every voter tries twice; exactly one attempt may succeed
		for attempt := 0; attempt < 2; attempt++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := env.Registry.Vote(as(env.Ctx, fmt.Sprintf("v%d", i)), 1, choices[i%len(choices)])
				if err == nil {
					mu.Lock()
					accepted++
					mu.Unlock()
					return
				}
				assert.ErrorIs(t, err, registry.ErrAlreadyVoted)
			}(i)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, ok, err := env.Registry.GetProposal(env.Ctx, 1)
			assert.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, uint64(len(p.Voted)), p.Tally())
		}()
	}
	wg.Wait()

	assert.Equal(t, voters, accepted)
	p := env.get(t, 1)
	assert.Equal(t, uint64(voters), p.Tally())
	seen := map[domain.Identity]bool{}
	for _, v := range p.Voted {
		assert.False(t, seen[v], "duplicate voter %s", v)
		seen[v] = true
	}
}

func TestEventsAndMetrics(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrate.Migrate(conn))

	promReg := prometheus.NewRegistry()
	m := metrics.New(promReg)
	reg, err := registry.New(registry.Config{
		Store:   store.NewSQLite(conn),
		Caller:  auth.ContextCaller{},
		Events:  events.Writer{DB: conn},
		Metrics: m,
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = reg.CreateProposal(as(ctx, "O"), 5, domain.ProposalInput{Description: "d", Active: true})
	require.NoError(t, err)
	require.NoError(t, reg.Vote(as(ctx, "V"), 5, domain.ChoiceApprove))
	require.ErrorIs(t, reg.Vote(as(ctx, "V"), 5, domain.ChoiceApprove), registry.ErrAlreadyVoted)
	require.NoError(t, reg.EditProposal(as(ctx, "O"), 5, domain.ProposalInput{Description: "d2", Active: true}))
	require.NoError(t, reg.EndProposal(as(ctx, "O"), 5))
	_, _, err = reg.CreateProposal(as(ctx, "X"), 5, domain.ProposalInput{Description: "again"})
	require.NoError(t, err)

	got, err := repo.Repo{DB: conn}.LatestEvents(ctx, repo.EventFilter{})
	require.NoError(t, err)
	var types []string
	for i := len(got) - 1; i >= 0; i-- {
		types = append(types, got[i].Type)
	}
	assert.Equal(t, []string{
		events.ProposalCreated,
		events.ProposalVoted,
		events.ProposalEdited,
		events.ProposalEnded,
		events.ProposalOverwritten,
		events.ProposalCreated,
	}, types)

	count, err := testutil.GatherAndCount(promReg, "ballotbox_registry_operations_total")
	require.NoError(t, err)
	assert.Positive(t, count)
	expected := `
# HELP ballotbox_registry_votes_total Accepted votes by choice
# TYPE ballotbox_registry_votes_total counter
ballotbox_registry_votes_total{choice="approve"} 1
`
	require.NoError(t, testutil.GatherAndCompare(promReg, strings.NewReader(expected), "ballotbox_registry_votes_total"))
}
