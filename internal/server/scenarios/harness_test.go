package scenarios

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/oaksearch/internal/server/api"
	"github.com/systemshift/oaksearch/internal/server/app"
	"github.com/systemshift/oaksearch/internal/server/config"
	"github.com/systemshift/oaksearch/internal/server/content"
	"github.com/systemshift/oaksearch/internal/server/query"
	"github.com/systemshift/oaksearch/internal/server/seed"
	"github.com/systemshift/oaksearch/pkg/client"
)

const (
	adminUser     = "admin"
	adminPassword = "admin"
	indexName     = "testContent"
)

// lab is shared by every scenario. Scenarios run sequentially and each one
// starts by resetting the index definitions it depends on.
var lab *harness

type harness struct {
	app    *app.App
	server *httptest.Server
	layout seed.Layout
}

func TestMain(m *testing.M) {
	log.SetLevel(log.WarnLevel)
	os.Exit(run(m))
}

func run(m *testing.M) int {
	dir, err := os.MkdirTemp("", "oaksearch-scenarios")
	if err != nil {
		log.Fatalf("creating temp dir: %v", err)
	}
	defer os.RemoveAll(dir)

	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}
	cfg.Repository.Backend = content.BackendSQLite
	cfg.Repository.SQLite.Path = filepath.Join(dir, "scenarios.db")
	cfg.Repository.AdminUser = adminUser
	cfg.Repository.AdminPassword = adminPassword
	cfg.Seed.Layout = seed.Layout{Root: "/tests", Iterations: 9, Fanout: 3}

	ctx := context.Background()
	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("starting app: %v", err)
	}
	defer a.Close(ctx)

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	lab = &harness{app: a, server: srv, layout: cfg.Seed.Layout}
	return m.Run()
}

func newClient(baseURL, user, password string) *client.Client {
	return client.New(baseURL,
		client.WithBasicAuth(user, password),
		client.WithReindexPolling(20*time.Millisecond, 500),
	)
}

// admin returns a client for the administrative user after making sure the
// fixture exists
func (h *harness) admin(t *testing.T) *client.Client {
	t.Helper()
	c := newClient(h.server.URL, adminUser, adminPassword)
	result, err := c.EnsureContent(context.Background())
	require.NoError(t, err)
	require.Contains(t, []string{string(seed.StatusCreated), string(seed.StatusSkipped)}, result.Status)
	return c
}

func (h *harness) limited(t *testing.T, baseURL string) *client.Client {
	t.Helper()
	h.admin(t)
	return newClient(baseURL, seed.LimitedUser, seed.LimitedUser)
}

// serve starts an API server sharing the lab repository with its own query
// runner options
func (h *harness) serve(t *testing.T, opts query.Options) string {
	t.Helper()
	runner := query.NewRunner(h.app.Repository, opts)
	srv := httptest.NewServer(api.New(h.app.Repository, h.app.Seeder, runner, h.app.Authorizer, h.app.Indexer).Routes())
	t.Cleanup(srv.Close)
	return srv.URL
}

// resetIndexes removes the scenario index and restores the node type index
func resetIndexes(t *testing.T, c *client.Client) {
	t.Helper()
	ctx := context.Background()
	if err := c.DeleteIndex(ctx, indexName); err != nil && !errors.Is(err, client.ErrNotFound) {
		require.NoError(t, err)
	}
	if _, err := c.GetIndex(ctx, content.DefaultIndexName); errors.Is(err, client.ErrNotFound) {
		updateIndex(t, c, content.DefaultIndexName, "nodetype.json")
	} else {
		require.NoError(t, err)
	}
}

// updateIndex replaces the named index with the definition in
// testdata/file and waits for the rebuild
func updateIndex(t *testing.T, c *client.Client, name, file string) *client.IndexStatus {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", file))
	require.NoError(t, err)

	contentType := "application/json"
	if strings.HasSuffix(file, ".yaml") {
		contentType = "application/yaml"
	}
	status, err := c.UpdateIndex(context.Background(), name, data, contentType)
	require.NoError(t, err)
	require.False(t, status.Reindex)
	return status
}

func runQuery(t *testing.T, c *client.Client, path, q string, limit int) *client.QueryResult {
	t.Helper()
	result, err := c.Query(context.Background(), path, q, limit)
	require.NoError(t, err)
	return result
}
