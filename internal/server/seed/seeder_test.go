package seed

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/oaksearch/internal/server/content"
	"github.com/systemshift/oaksearch/internal/server/events"
)

func smallLayout() Layout {
	return Layout{Root: "/tests", Iterations: 9, Fanout: 3}
}

func newTestRepository(t *testing.T) *content.SQLiteRepository {
	t.Helper()
	ctx := context.Background()

	repo, err := content.NewSQLite(ctx, content.SQLiteConfig{Path: filepath.Join(t.TempDir(), "seed.db")})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close(ctx) })
	require.NoError(t, repo.EnsureSchema(ctx))
	return repo
}

func countRows(t *testing.T, repo content.Repository, query string) int {
	t.Helper()
	ctx := context.Background()

	cursor, err := repo.Query(ctx, query)
	require.NoError(t, err)
	defer cursor.Close(ctx)

	n := 0
	for cursor.Next(ctx) {
		n++
	}
	require.NoError(t, cursor.Err())
	return n
}

type countingReloader struct {
	mu    sync.Mutex
	calls int
}

func (r *countingReloader) Reload(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return nil
}

func TestLayout(t *testing.T) {
	l := DefaultLayout()
	assert.Equal(t, 99, l.Count(1))
	assert.Equal(t, 899, l.Count(9))
	assert.Equal(t, "/tests/it-9/item-3/child-7", l.ChildPath(9, 3, 7))

	assert.Equal(t, 2440, smallLayout().TotalNodes())
	assert.Equal(t, 2, Layout{Root: "/t", Iterations: 1, Fanout: 1}.TotalNodes())

	assert.NoError(t, smallLayout().Validate())
	assert.Error(t, Layout{Root: "/", Iterations: 1, Fanout: 1}.Validate())
	assert.Error(t, Layout{Root: "tests", Iterations: 1, Fanout: 1}.Validate())
	assert.Error(t, Layout{Root: "/tests", Iterations: 0, Fanout: 1}.Validate())
}

func TestEnsureCreatesFixture(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	reloader := &countingReloader{}
	seeder := New(repo, WithLayout(smallLayout()), WithReloader(reloader))

	result, err := seeder.Ensure(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, result.Status)
	assert.Equal(t, 2440, result.Nodes)
	assert.Equal(t, 1, reloader.calls)

	assert.Equal(t, 2440, countRows(t, repo, `SELECT "jcr:path" FROM "test:content"`))

	// Iteration 2 holds 5 items with 5 children each
	assert.Equal(t, 1+5+25, countRows(t, repo,
		`SELECT "jcr:path" FROM "test:content" WHERE "test:iteration" = 2`))

	node, err := repo.GetNode(ctx, "/tests/it-9/item-26/child-26")
	require.NoError(t, err)
	assert.Equal(t, content.NodeTypeContent, node.PrimaryType)
	assert.Equal(t, TestName, *node.Properties.Name)
	assert.EqualValues(t, 9, *node.Properties.Iteration)
	assert.EqualValues(t, 26, *node.Properties.Item)
	assert.EqualValues(t, 26, *node.Properties.Child)

	root, err := repo.GetNode(ctx, "/tests")
	require.NoError(t, err)
	assert.Nil(t, root.Properties.Iteration)

	iteration, err := repo.GetNode(ctx, "/tests/it-4")
	require.NoError(t, err)
	assert.EqualValues(t, 4, *iteration.Properties.Iteration)
	assert.Nil(t, iteration.Properties.Item)

	_, err = repo.GetNode(ctx, "/tests/it-1/item-3")
	assert.ErrorIs(t, err, content.ErrNotFound)

	principal, err := repo.Authenticate(ctx, LimitedUser, LimitedUser)
	require.NoError(t, err)
	assert.False(t, principal.Admin)

	entries, err := repo.AccessControlEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, []content.AccessControlEntry{
		{Path: "/tests", Principal: LimitedGroup, Privileges: []string{content.PrivilegeAll}, Allow: false},
		{Path: "/tests/it-9", Principal: LimitedUser, Privileges: []string{content.PrivilegeAll}, Allow: true},
	}, entries)

	memberships, err := repo.Memberships(ctx)
	require.NoError(t, err)
	assert.Equal(t, []content.Membership{{Group: LimitedGroup, Member: LimitedUser}}, memberships)

	state, err := repo.FixtureState(ctx, FixtureName)
	require.NoError(t, err)
	assert.True(t, state.Complete)
}

func TestEnsureIsIdempotent(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	layout := Layout{Root: "/tests", Iterations: 3, Fanout: 2}
	seeder := New(repo, WithLayout(layout))

	_, err := seeder.Ensure(ctx)
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		received []events.Event
	)
	repo.SetEventEmitter(func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, e)
	})

	result, err := seeder.Ensure(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Result{Status: StatusSkipped}, result)
	assert.Empty(t, received)
	assert.Equal(t, layout.TotalNodes(), countRows(t, repo, `SELECT "jcr:path" FROM "test:content"`))
}

func TestEnsureCommitsOncePerItem(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	layout := Layout{Root: "/tests", Iterations: 2, Fanout: 2}

	var (
		mu      sync.Mutex
		commits []events.Event
	)
	repo.SetEventEmitter(func(e events.Event) {
		if e.Type != events.EventContentCommitted {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		commits = append(commits, e)
	})

	_, err := New(repo, WithLayout(layout)).Ensure(ctx)
	require.NoError(t, err)

	// 1 item in iteration 1 and 3 items in iteration 2
	require.Len(t, commits, 4)
	assert.Equal(t, "/tests", commits[0].Path)
	assert.Equal(t, 1+1+1+1, commits[0].Count)
	assert.Equal(t, "/tests/it-2", commits[1].Path)
	assert.Equal(t, 1+1+3, commits[1].Count)
	assert.Equal(t, "/tests/it-2/item-2", commits[2].Path)
}

func TestEnsureResumesIncompleteFixture(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	layout := Layout{Root: "/tests", Iterations: 3, Fanout: 2}

	require.NoError(t, repo.RegisterNodeType(ctx, content.ContentNodeType()))
	batch, err := repo.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, batch.CreateNode(ctx, &content.Node{Path: "/tests", PrimaryType: content.NodeTypeContent}))
	require.NoError(t, batch.CreateNode(ctx, &content.Node{Path: "/tests/it-1", PrimaryType: content.NodeTypeContent}))
	require.NoError(t, batch.Commit(ctx))
	require.NoError(t, repo.CreateUser(ctx, LimitedUser, LimitedUser))

	result, err := New(repo, WithLayout(layout)).Ensure(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusResumed, result.Status)
	assert.Equal(t, layout.TotalNodes(), countRows(t, repo, `SELECT "jcr:path" FROM "test:content"`))

	// The pre-existing node keeps what it had: inserts are ignored on conflict
	node, err := repo.GetNode(ctx, "/tests/it-1")
	require.NoError(t, err)
	assert.Nil(t, node.Properties.Iteration)

	state, err := repo.FixtureState(ctx, FixtureName)
	require.NoError(t, err)
	assert.True(t, state.Complete)
}

func TestEnsureRootGateWithoutResume(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)

	require.NoError(t, repo.RegisterNodeType(ctx, content.ContentNodeType()))
	batch, err := repo.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, batch.CreateNode(ctx, &content.Node{Path: "/tests", PrimaryType: content.NodeTypeContent}))
	require.NoError(t, batch.Commit(ctx))

	result, err := New(repo, WithLayout(smallLayout()), WithResumeIncomplete(false)).Ensure(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusSkipped, result.Status)
	assert.Equal(t, 1, countRows(t, repo, `SELECT "jcr:path" FROM "test:content"`))
}

func TestEnsureCoalescesConcurrentCalls(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepository(t)
	layout := Layout{Root: "/tests", Iterations: 3, Fanout: 2}
	seeder := New(repo, WithLayout(layout))

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = seeder.Ensure(ctx)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, fmt.Sprintf("call %d", i))
	}
	assert.Equal(t, layout.TotalNodes(), countRows(t, repo, `SELECT "jcr:path" FROM "test:content"`))
}

// blockingReloader holds the seed run at its last step until released
type blockingReloader struct {
	reached chan struct{}
	release chan struct{}
	once    sync.Once
	mu      sync.Mutex
	err     error
}

func (r *blockingReloader) Reload(ctx context.Context) error {
	r.once.Do(func() { close(r.reached) })
	<-r.release
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = ctx.Err()
	return r.err
}

func TestEnsureOutlivesCancelledCaller(t *testing.T) {
	repo := newTestRepository(t)
	reloader := &blockingReloader{reached: make(chan struct{}), release: make(chan struct{})}
	seeder := New(repo, WithLayout(smallLayout()), WithReloader(reloader))

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := seeder.Ensure(ctx)
		first <- err
	}()

	<-reloader.reached
	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	second := make(chan error, 1)
	go func() {
		_, err := seeder.Ensure(context.Background())
		second <- err
	}()
	close(reloader.release)
	require.NoError(t, <-second)

	reloader.mu.Lock()
	assert.NoError(t, reloader.err)
	reloader.mu.Unlock()

	state, err := repo.FixtureState(context.Background(), FixtureName)
	require.NoError(t, err)
	assert.True(t, state.Complete)
	assert.Equal(t, smallLayout().TotalNodes(), countRows(t, repo, `SELECT "jcr:path" FROM "test:content"`))
}

func TestEnsureRejectsInvalidLayout(t *testing.T) {
	repo := newTestRepository(t)
	_, err := New(repo, WithLayout(Layout{Root: "/tests"})).Ensure(context.Background())
	assert.Error(t, err)
}
