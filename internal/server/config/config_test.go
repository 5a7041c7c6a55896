package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/oaksearch/internal/server/content"
	"github.com/systemshift/oaksearch/internal/server/query"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, uint16(8080), cfg.HttpPort)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, content.BackendSQLite, cfg.Repository.Backend)
	assert.Equal(t, "oaksearch.db", cfg.Repository.SQLite.Path)
	assert.Equal(t, "admin", cfg.Repository.AdminUser)
	assert.Equal(t, query.DefaultLimit, cfg.Query.DefaultLimit)
	assert.Equal(t, query.DefaultReadLimit, cfg.Query.ReadLimit)
	assert.False(t, cfg.Query.FailTraversal)
	assert.Equal(t, "/tests", cfg.Seed.Root)
	assert.Equal(t, 9, cfg.Seed.Iterations)
	assert.Equal(t, 100, cfg.Seed.Fanout)
	assert.True(t, cfg.Seed.ResumeIncomplete)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
httpPort: 9090
repository:
  backend: postgres
  postgres:
    connection:
      host: db
      dbname: search
    maxConns: 4
query:
  failTraversal: true
  readLimit: 5000
seed:
  fanout: 3
events:
  webhooks:
    - http://hooks.local/oaksearch
`), 0o600))

	t.Setenv("OAKSEARCH_QUERY_READLIMIT", "250")
	t.Setenv("OAKSEARCH_LOGGING_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, uint16(9090), cfg.HttpPort)
	assert.Equal(t, content.BackendPostgres, cfg.Repository.Backend)
	assert.Equal(t, map[string]string{"host": "db", "dbname": "search"}, cfg.Repository.Postgres.Connection)
	assert.Equal(t, int32(4), cfg.Repository.Postgres.MaxConns)
	assert.True(t, cfg.Query.FailTraversal)
	assert.Equal(t, 250, cfg.Query.ReadLimit)
	assert.Equal(t, 3, cfg.Seed.Fanout)
	assert.Equal(t, 9, cfg.Seed.Iterations)
	assert.Equal(t, []string{"http://hooks.local/oaksearch"}, cfg.Events.Webhooks)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := map[string]string{
		"unknown backend": "repository:\n  backend: mongo\n",
		"bad webhook":     "events:\n  webhooks: [\"not a url\"]\n",
		"zero fanout":     "seed:\n  fanout: 0\n",
		"bad log level":   "logging:\n  level: loud\n",
		"relative root":   "seed:\n  root: tests\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "..", "config", "oaksearch", "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, content.BackendSQLite, cfg.Repository.Backend)
	assert.Equal(t, "5432", cfg.Repository.Postgres.Connection["port"])
	assert.Equal(t, int32(10), cfg.Repository.Postgres.MaxConns)
	assert.Equal(t, 100, cfg.Seed.Fanout)
	assert.Equal(t, 30*time.Second, cfg.Events.WebhookTimeout)
}
