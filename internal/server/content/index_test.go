package content

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContentDefinition() *IndexDefinition {
	return &IndexDefinition{
		Name: "testContent",
		Type: IndexTypeProperty,
		IndexRules: map[string]IndexRule{
			NodeTypeContent: {Properties: map[string]PropertyDefinition{
				"iteration": {Name: PropertyIteration, PropertyIndex: true},
				"child":     {Name: PropertyChild, Ordered: true},
				"item":      {Name: PropertyItem, PropertyIndex: true, NullCheckEnabled: true},
			}},
		},
	}
}

func TestIndexDefinitionValidate(t *testing.T) {
	tests := []struct {
		name    string
		def     *IndexDefinition
		wantErr bool
	}{
		{
			name: "property index",
			def:  testContentDefinition(),
		},
		{
			name: "node type index",
			def:  DefaultIndexDefinition(),
		},
		{
			name: "regexp property",
			def: &IndexDefinition{Name: "all", IndexRules: map[string]IndexRule{
				NodeTypeContent: {Properties: map[string]PropertyDefinition{
					"all": {Name: "test:.*", IsRegexp: true, PropertyIndex: true},
				}},
			}},
		},
		{
			name:    "invalid name",
			def:     &IndexDefinition{Name: "bad-name", Type: IndexTypeNodeType},
			wantErr: true,
		},
		{
			name:    "name starting with digit",
			def:     &IndexDefinition{Name: "1index", Type: IndexTypeNodeType},
			wantErr: true,
		},
		{
			name:    "unknown type",
			def:     &IndexDefinition{Name: "idx", Type: "lucene"},
			wantErr: true,
		},
		{
			name:    "no rules",
			def:     &IndexDefinition{Name: "idx", Type: IndexTypeProperty},
			wantErr: true,
		},
		{
			name: "unknown property",
			def: &IndexDefinition{Name: "idx", IndexRules: map[string]IndexRule{
				NodeTypeContent: {Properties: map[string]PropertyDefinition{
					"x": {Name: "test:unknown", PropertyIndex: true},
				}},
			}},
			wantErr: true,
		},
		{
			name: "bad regexp",
			def: &IndexDefinition{Name: "idx", IndexRules: map[string]IndexRule{
				NodeTypeContent: {Properties: map[string]PropertyDefinition{
					"x": {Name: "test:(", IsRegexp: true},
				}},
			}},
			wantErr: true,
		},
		{
			name: "unnamed property",
			def: &IndexDefinition{Name: "idx", IndexRules: map[string]IndexRule{
				NodeTypeContent: {Properties: map[string]PropertyDefinition{
					"x": {PropertyIndex: true},
				}},
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIndexRuleResolve(t *testing.T) {
	rule := IndexRule{Properties: map[string]PropertyDefinition{
		"all":  {Name: "test:.*", IsRegexp: true, PropertyIndex: true},
		"name": {Name: PropertyName},
	}}

	resolved := rule.Resolve()
	require.Len(t, resolved, 4)

	names := make([]string, len(resolved))
	for i, p := range resolved {
		names[i] = p.Name
		assert.False(t, p.IsRegexp)
	}
	assert.Equal(t, []string{PropertyChild, PropertyItem, PropertyIteration, PropertyName}, names)

	// explicit definition wins over the regexp match
	assert.False(t, resolved[3].PropertyIndex)
	assert.True(t, resolved[0].PropertyIndex)
}

func TestSQLIndexStatements(t *testing.T) {
	stmts := sqlIndexStatements(testContentDefinition())

	expected := []indexStatement{
		{
			Name:   "testContent_test_child_ordered",
			Create: `CREATE INDEX IF NOT EXISTS "testContent_test_child_ordered" ON nodes (test_child) WHERE primary_type = 'test:content'`,
		},
		{
			Name:   "testContent_test_item",
			Create: `CREATE INDEX IF NOT EXISTS "testContent_test_item" ON nodes (test_item, test_child) WHERE primary_type = 'test:content'`,
		},
		{
			Name:   "testContent_test_item_null",
			Create: `CREATE INDEX IF NOT EXISTS "testContent_test_item_null" ON nodes (path) WHERE primary_type = 'test:content' AND test_item IS NULL`,
		},
		{
			Name:   "testContent_test_iteration",
			Create: `CREATE INDEX IF NOT EXISTS "testContent_test_iteration" ON nodes (test_iteration, test_child) WHERE primary_type = 'test:content'`,
		},
	}
	assert.Equal(t, expected, stmts)
}

func TestSQLIndexStatementsNodeType(t *testing.T) {
	stmts := sqlIndexStatements(DefaultIndexDefinition())
	require.Len(t, stmts, 1)
	assert.Equal(t, "nodetype_primary_type", stmts[0].Name)
	assert.Equal(t, `CREATE INDEX IF NOT EXISTS "nodetype_primary_type" ON nodes (primary_type)`, stmts[0].Create)
}

func TestSQLIndexStatementsMultipleNodeTypes(t *testing.T) {
	def := &IndexDefinition{Name: "multi", IndexRules: map[string]IndexRule{
		"test:content": {Properties: map[string]PropertyDefinition{
			"iteration": {Name: PropertyIteration, PropertyIndex: true},
		}},
		"test:other": {Properties: map[string]PropertyDefinition{
			"iteration": {Name: PropertyIteration, PropertyIndex: true},
		}},
	}}

	stmts := sqlIndexStatements(def)
	require.Len(t, stmts, 2)
	assert.Equal(t, "multi_test_content_test_iteration", stmts[0].Name)
	assert.Equal(t, "multi_test_other_test_iteration", stmts[1].Name)
	assert.Contains(t, stmts[1].Create, "WHERE primary_type = 'test:other'")
}

func TestCypherIndexStatements(t *testing.T) {
	stmts := cypherIndexStatements(testContentDefinition())

	expected := []indexStatement{
		{
			Name:   "testContent_test_child_ordered",
			Create: "CREATE RANGE INDEX `testContent_test_child_ordered` IF NOT EXISTS FOR (n:`test:content`) ON (n.`test:child`)",
		},
		{
			Name:   "testContent_test_item",
			Create: "CREATE RANGE INDEX `testContent_test_item` IF NOT EXISTS FOR (n:`test:content`) ON (n.`test:item`, n.`test:child`)",
		},
		{
			Name:   "testContent_test_iteration",
			Create: "CREATE RANGE INDEX `testContent_test_iteration` IF NOT EXISTS FOR (n:`test:content`) ON (n.`test:iteration`, n.`test:child`)",
		},
	}
	assert.Equal(t, expected, stmts)
	assert.Empty(t, cypherIndexStatements(DefaultIndexDefinition()))
}

func TestNodeTypeViewStatements(t *testing.T) {
	stmts, err := nodeTypeViewStatements(ContentNodeType())
	require.NoError(t, err)
	require.Len(t, stmts, 2)
	assert.Equal(t, `DROP VIEW IF EXISTS "test:content"`, stmts[0])
	assert.Equal(t,
		`CREATE VIEW "test:content" AS SELECT path AS "jcr:path", primary_type AS "jcr:primaryType", `+
			`test_child AS "test:child", test_item AS "test:item", test_iteration AS "test:iteration", test_name AS "test:name" `+
			`FROM nodes WHERE primary_type = 'test:content'`,
		stmts[1])

	_, err = nodeTypeViewStatements(NodeTypeDefinition{Name: "x", Properties: []string{"nope"}})
	assert.Error(t, err)
}

func TestPostgresConfigURL(t *testing.T) {
	cfg := PostgresConfig{Connection: map[string]string{
		"host":     "db",
		"port":     "5433",
		"user":     "oak",
		"password": "p@ss/word",
		"dbname":   "search",
		"sslmode":  "disable",
	}}
	assert.Equal(t, "postgres://oak:p%40ss%2Fword@db:5433/search?sslmode=disable", cfg.URL())

	assert.Equal(t, "postgres://postgres@localhost:5432/postgres", PostgresConfig{}.URL())
}
