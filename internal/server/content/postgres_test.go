package content

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// OAKSEARCH_TEST_POSTGRES holds libpq keyword pairs, for example
// "host=localhost port=5432 user=postgres password=psw dbname=postgres sslmode=disable"
func postgresTestConfig(t *testing.T) PostgresConfig {
	t.Helper()
	raw := os.Getenv("OAKSEARCH_TEST_POSTGRES")
	if raw == "" {
		t.Skip("OAKSEARCH_TEST_POSTGRES not set")
	}
	conn := make(map[string]string)
	for _, pair := range strings.Fields(raw) {
		k, v, ok := strings.Cut(pair, "=")
		if ok {
			conn[k] = v
		}
	}
	return PostgresConfig{Connection: conn}
}

func TestPostgresRepositoryContract(t *testing.T) {
	ctx := context.Background()
	repo, err := NewPostgres(ctx, postgresTestConfig(t))
	require.NoError(t, err)
	defer repo.Close(ctx)
	require.NoError(t, repo.EnsureSchema(ctx))

	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
	runRepositoryContract(t, repo, suffix, contractQueries{
		byIteration: func(root string) string {
			return fmt.Sprintf(`SELECT "jcr:path" FROM "test:content" WHERE "jcr:path" LIKE '%s/%%' AND "test:iteration" = 2 ORDER BY "jcr:path"`, root)
		},
	})
}
