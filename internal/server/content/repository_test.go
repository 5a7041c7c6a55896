package content

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/oaksearch/internal/server/events"
)

// contractQueries holds the backend specific query texts used by the contract
type contractQueries struct {
	// byIteration returns the paths below root whose test:iteration equals 2, ordered by path
	byIteration func(root string) string
}

// eventRecorder collects emitted events
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) emit(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func collectPaths(t *testing.T, repo Repository, query string) []string {
	t.Helper()
	ctx := context.Background()

	cursor, err := repo.Query(ctx, query)
	require.NoError(t, err)
	defer cursor.Close(ctx)

	var paths []string
	for cursor.Next(ctx) {
		paths = append(paths, cursor.Path())
	}
	require.NoError(t, cursor.Err())
	return paths
}

// runRepositoryContract exercises a backend through the Repository interface.
// suffix keeps names unique on backends that persist between runs.
func runRepositoryContract(t *testing.T, repo Repository, suffix string, q contractQueries) {
	ctx := context.Background()
	recorder := &eventRecorder{}
	repo.SetEventEmitter(recorder.emit)

	require.NoError(t, repo.RegisterNodeType(ctx, ContentNodeType()))
	root := "/contract" + suffix

	t.Run("batch writes", func(t *testing.T) {
		batch, err := repo.Begin(ctx)
		require.NoError(t, err)

		require.NoError(t, batch.CreateNode(ctx, &Node{Path: root, PrimaryType: NodeTypeContent}))
		for i, name := range []string{"a", "b", "c"} {
			path := root + "/" + name
			require.NoError(t, batch.CreateNode(ctx, &Node{Path: path, PrimaryType: NodeTypeContent}))
			require.NoError(t, batch.SetProperties(ctx, path, Properties{
				Name:      String("oak-search"),
				Iteration: Int(i + 1),
			}))
		}
		require.NoError(t, batch.SetProperties(ctx, root+"/b", Properties{Item: Int(7)}))
		assert.Equal(t, 4, batch.Len())

		exists, err := repo.NodeExists(ctx, root)
		require.NoError(t, err)
		assert.False(t, exists, "nothing is visible before commit")

		require.NoError(t, batch.Commit(ctx))
		assert.ErrorIs(t, batch.Commit(ctx), ErrBatchClosed)

		node, err := repo.GetNode(ctx, root+"/b")
		require.NoError(t, err)
		assert.Equal(t, NodeTypeContent, node.PrimaryType)
		require.NotNil(t, node.Properties.Name)
		assert.Equal(t, "oak-search", *node.Properties.Name)
		require.NotNil(t, node.Properties.Iteration)
		assert.Equal(t, int64(2), *node.Properties.Iteration)
		require.NotNil(t, node.Properties.Item)
		assert.Equal(t, int64(7), *node.Properties.Item)
		assert.Nil(t, node.Properties.Child)
	})

	t.Run("create is insert or ignore", func(t *testing.T) {
		batch, err := repo.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, batch.CreateNode(ctx, &Node{
			Path:        root + "/a",
			PrimaryType: NodeTypeContent,
			Properties:  Properties{Iteration: Int(99)},
		}))
		require.NoError(t, batch.Commit(ctx))

		node, err := repo.GetNode(ctx, root+"/a")
		require.NoError(t, err)
		assert.Equal(t, int64(1), *node.Properties.Iteration)
	})

	t.Run("set properties on committed node", func(t *testing.T) {
		batch, err := repo.Begin(ctx)
		require.NoError(t, err)
		require.NoError(t, batch.SetProperties(ctx, root+"/c", Properties{Child: Int(5)}))
		require.NoError(t, batch.Commit(ctx))

		node, err := repo.GetNode(ctx, root+"/c")
		require.NoError(t, err)
		require.NotNil(t, node.Properties.Child)
		assert.Equal(t, int64(5), *node.Properties.Child)
		assert.Equal(t, int64(3), *node.Properties.Iteration)
	})

	t.Run("parent must exist", func(t *testing.T) {
		batch, err := repo.Begin(ctx)
		require.NoError(t, err)
		defer batch.Rollback(ctx)

		err = batch.CreateNode(ctx, &Node{Path: root + "/missing/child", PrimaryType: NodeTypeContent})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("missing node", func(t *testing.T) {
		_, err := repo.GetNode(ctx, root+"/nope")
		assert.ErrorIs(t, err, ErrNotFound)

		exists, err := repo.NodeExists(ctx, root+"/nope")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("query and explain", func(t *testing.T) {
		query := q.byIteration(root)
		assert.Equal(t, []string{root + "/b"}, collectPaths(t, repo, query))

		plan, err := repo.Explain(ctx, query)
		require.NoError(t, err)
		assert.NotEmpty(t, plan.Text)
	})

	t.Run("index definitions", func(t *testing.T) {
		name := "contract" + suffix
		def := &IndexDefinition{
			Name: name,
			Type: IndexTypeProperty,
			IndexRules: map[string]IndexRule{
				NodeTypeContent: {Properties: map[string]PropertyDefinition{
					"iteration": {Name: PropertyIteration, PropertyIndex: true},
				}},
			},
		}
		require.NoError(t, repo.SaveIndexDefinition(ctx, def))

		got, err := repo.GetIndexDefinition(ctx, name)
		require.NoError(t, err)
		assert.True(t, got.Reindex)
		assert.Equal(t, 0, got.ReindexCount)
		assert.Equal(t, def.IndexRules, got.IndexRules)

		require.NoError(t, repo.Reindex(ctx, name))
		got, err = repo.GetIndexDefinition(ctx, name)
		require.NoError(t, err)
		assert.False(t, got.Reindex)
		assert.Equal(t, 1, got.ReindexCount)

		// the query still answers with the index in place
		assert.Equal(t, []string{root + "/b"}, collectPaths(t, repo, q.byIteration(root)))

		require.NoError(t, repo.SaveIndexDefinition(ctx, def))
		got, err = repo.GetIndexDefinition(ctx, name)
		require.NoError(t, err)
		assert.True(t, got.Reindex)
		assert.Equal(t, 1, got.ReindexCount)

		require.NoError(t, repo.FailReindex(ctx, name, "disk full"))
		got, err = repo.GetIndexDefinition(ctx, name)
		require.NoError(t, err)
		assert.False(t, got.Reindex)
		assert.Equal(t, "disk full", got.ReindexError)
		assert.Equal(t, def.IndexRules, got.IndexRules)

		require.NoError(t, repo.Reindex(ctx, name))
		got, err = repo.GetIndexDefinition(ctx, name)
		require.NoError(t, err)
		assert.Empty(t, got.ReindexError)
		assert.Equal(t, 2, got.ReindexCount)

		assert.ErrorIs(t, repo.FailReindex(ctx, "missing"+suffix, "disk full"), ErrNotFound)

		defs, err := repo.ListIndexDefinitions(ctx)
		require.NoError(t, err)
		var names []string
		for _, d := range defs {
			names = append(names, d.Name)
		}
		assert.Contains(t, names, name)
		assert.Contains(t, names, DefaultIndexName)

		require.NoError(t, repo.RemoveIndexDefinition(ctx, name))
		_, err = repo.GetIndexDefinition(ctx, name)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, repo.RemoveIndexDefinition(ctx, name), ErrNotFound)
		assert.ErrorIs(t, repo.Reindex(ctx, name), ErrNotFound)

		assert.Error(t, repo.SaveIndexDefinition(ctx, &IndexDefinition{Name: "bad name"}))
	})

	t.Run("principals", func(t *testing.T) {
		user := "contract-user" + suffix
		group := "contract-group" + suffix

		require.NoError(t, repo.CreateUser(ctx, user, "secret"))
		assert.ErrorIs(t, repo.CreateUser(ctx, user, "secret"), ErrExists)
		require.NoError(t, repo.CreateGroup(ctx, group))
		assert.ErrorIs(t, repo.CreateGroup(ctx, group), ErrExists)
		assert.Error(t, repo.CreateUser(ctx, AnonymousID, "x"))

		require.NoError(t, repo.AddMember(ctx, group, user))
		require.NoError(t, repo.AddMember(ctx, group, user))
		assert.Error(t, repo.AddMember(ctx, user, group), "users cannot have members")
		assert.ErrorIs(t, repo.AddMember(ctx, group, "nobody"+suffix), ErrNotFound)

		memberships, err := repo.Memberships(ctx)
		require.NoError(t, err)
		assert.Contains(t, memberships, Membership{Group: group, Member: user})

		p, err := repo.Authenticate(ctx, user, "secret")
		require.NoError(t, err)
		assert.Equal(t, user, p.ID)
		assert.Equal(t, UserPrincipal, p.Kind)
		assert.False(t, p.Admin)

		_, err = repo.Authenticate(ctx, user, "wrong")
		assert.ErrorIs(t, err, ErrUnauthorized)
		_, err = repo.Authenticate(ctx, group, "")
		assert.ErrorIs(t, err, ErrUnauthorized)
		_, err = repo.Authenticate(ctx, "nobody"+suffix, "x")
		assert.ErrorIs(t, err, ErrUnauthorized)

		admin := "contract-admin" + suffix
		require.NoError(t, repo.EnsureAdmin(ctx, admin, "one"))
		require.NoError(t, repo.EnsureAdmin(ctx, admin, "two"))
		p, err = repo.Authenticate(ctx, admin, "two")
		require.NoError(t, err)
		assert.True(t, p.Admin)

		g, err := repo.GetPrincipal(ctx, group)
		require.NoError(t, err)
		assert.Equal(t, GroupPrincipal, g.Kind)
	})

	t.Run("access control entries", func(t *testing.T) {
		group := "contract-group" + suffix
		ace := AccessControlEntry{Path: root, Principal: group, Privileges: []string{PrivilegeAll}, Allow: false}
		require.NoError(t, repo.AddAccessControlEntry(ctx, ace))
		require.NoError(t, repo.AddAccessControlEntry(ctx, ace))

		entries, err := repo.AccessControlEntries(ctx)
		require.NoError(t, err)
		count := 0
		for _, e := range entries {
			if e.Principal == group {
				count++
				assert.Equal(t, ace, e)
			}
		}
		assert.Equal(t, 1, count)

		assert.ErrorIs(t, repo.AddAccessControlEntry(ctx, AccessControlEntry{
			Path: root, Principal: "nobody" + suffix, Privileges: []string{PrivilegeAll},
		}), ErrNotFound)
		assert.Error(t, repo.AddAccessControlEntry(ctx, AccessControlEntry{
			Path: "relative", Principal: group, Privileges: []string{PrivilegeAll},
		}))
	})

	t.Run("fixture state", func(t *testing.T) {
		name := "contract" + suffix
		state, err := repo.FixtureState(ctx, name)
		require.NoError(t, err)
		assert.False(t, state.Complete)

		require.NoError(t, repo.MarkFixtureComplete(ctx, name))
		require.NoError(t, repo.MarkFixtureComplete(ctx, name))

		state, err = repo.FixtureState(ctx, name)
		require.NoError(t, err)
		assert.True(t, state.Complete)
		assert.False(t, state.CompletedAt.IsZero())
	})

	t.Run("events", func(t *testing.T) {
		types := recorder.types()
		for _, want := range []string{
			events.EventContentCommitted,
			events.EventIndexSaved,
			events.EventIndexReindexed,
			events.EventIndexRemoved,
			events.EventPrincipalCreated,
			events.EventACLChanged,
			events.EventFixtureCompleted,
		} {
			assert.Contains(t, types, want)
		}
	})
}
