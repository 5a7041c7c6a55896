package scenarios

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orderedQuery = iterationQuery + ` ORDER BY "test:child"`

func TestOrdering(t *testing.T) {
	c := lab.admin(t)
	resetIndexes(t, c)

	updateIndex(t, c, indexName, "01_node_type.json")
	unordered := runQuery(t, c, "/tests", iterationQuery, 100)
	assert.Len(t, unordered.Results, 100)

	// The property index finds the nodes but every match is sorted in memory
	before := runQuery(t, c, "/tests", orderedQuery, 100)
	assert.Empty(t, before.CaughtException)
	assert.Len(t, before.Results, 100)
	assert.Contains(t, before.Plan, "USE TEMP B-TREE FOR ORDER BY")

	// test:child ordered alongside the indexed test:iteration
	updateIndex(t, c, indexName, "03_ordering.json")
	after := runQuery(t, c, "/tests", orderedQuery, 100)
	assert.Empty(t, after.CaughtException)
	require.Len(t, after.Results, 100)
	assert.Contains(t, after.Plan, "USING INDEX testContent_test_iteration")
	assert.NotContains(t, after.Plan, "TEMP B-TREE")

	// Nodes without test:child sort first: the iteration and its items
	count := lab.layout.Count(9)
	unset := 1 + count
	for _, p := range after.Results[:unset] {
		assert.NotContains(t, p, "/child-")
	}
	assert.Regexp(t, `/child-1$`, after.Results[unset])
	assert.Regexp(t, `/child-2$`, after.Results[unset+count])
	assert.Regexp(t, `/child-3$`, after.Results[99])
}
