package scenarios

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQueryNulls(t *testing.T) {
	c := lab.admin(t)
	resetIndexes(t, c)
	updateIndex(t, c, indexName, "04_nulls.yaml")

	// Only the seed root has no test:iteration
	unset := runQuery(t, c, "/tests", `SELECT "jcr:path" FROM "test:content" WHERE "test:iteration" IS NULL`, 100)
	assert.Empty(t, unset.CaughtException)
	assert.Equal(t, []string{"/tests"}, unset.Results)
	assert.Contains(t, unset.Plan, "testContent_test_iteration")

	for i := 0; i <= 9; i++ {
		t.Run(fmt.Sprintf("iteration-%d", i), func(t *testing.T) {
			q := fmt.Sprintf(`SELECT "jcr:path" FROM "test:content" WHERE "test:iteration" IS NULL OR "test:iteration" <> %d`, i)
			result := runQuery(t, c, "/tests", q, 100)
			assert.Empty(t, result.CaughtException)
			assert.Len(t, result.Results, 100)

			excluded := lab.layout.IterationPath(i)
			for _, p := range result.Results {
				assert.False(t, p == excluded || strings.HasPrefix(p, excluded+"/"), p)
			}
		})
	}
}
