package content

import "strings"

// SQLite schema DDL constants

const schemaNodes = `
CREATE TABLE IF NOT EXISTS nodes (
    path TEXT PRIMARY KEY,
    parent TEXT NOT NULL,
    name TEXT NOT NULL,
    depth INTEGER NOT NULL,
    primary_type TEXT NOT NULL,
    test_name TEXT,
    test_iteration INTEGER,
    test_item INTEGER,
    test_child INTEGER,
    created_at DATETIME NOT NULL
)`

const schemaNodeTypes = `
CREATE TABLE IF NOT EXISTS node_types (
    name TEXT PRIMARY KEY,
    properties TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const schemaPrincipals = `
CREATE TABLE IF NOT EXISTS principals (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    password_hash TEXT,
    admin INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME NOT NULL
)`

const schemaMemberships = `
CREATE TABLE IF NOT EXISTS memberships (
    group_id TEXT NOT NULL,
    member_id TEXT NOT NULL,
    PRIMARY KEY (group_id, member_id)
)`

const schemaAccessControlEntries = `
CREATE TABLE IF NOT EXISTS access_control_entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL,
    principal TEXT NOT NULL,
    privileges TEXT NOT NULL,
    allow INTEGER NOT NULL,
    created_at DATETIME NOT NULL,
    UNIQUE(path, principal, privileges, allow)
)`

const schemaIndexDefinitions = `
CREATE TABLE IF NOT EXISTS index_definitions (
    name TEXT PRIMARY KEY,
    definition TEXT NOT NULL,
    reindex INTEGER NOT NULL DEFAULT 1,
    reindex_count INTEGER NOT NULL DEFAULT 0,
    modified_at DATETIME NOT NULL
)`

const schemaFixtures = `
CREATE TABLE IF NOT EXISTS fixtures (
    name TEXT PRIMARY KEY,
    completed_at DATETIME NOT NULL
)`

// Structural indexes. Property indexes come from index definitions.
const indexNodesParent = `CREATE INDEX IF NOT EXISTS idx_nodes_parent ON nodes(parent)`
const indexMembershipsMember = `CREATE INDEX IF NOT EXISTS idx_memberships_member ON memberships(member_id)`

// SQLite pragmas, applied to every pooled connection through the DSN
const pragmaWAL = `journal_mode(WAL)`
const pragmaFK = `foreign_keys(1)`
const pragmaBusyTimeout = `busy_timeout(5000)`
const pragmaSynchronous = `synchronous(NORMAL)`
const pragmaQueryOnly = `query_only(1)`

// allSchemaStatements returns all schema DDL in order
func allSchemaStatements() []string {
	return []string{
		schemaNodes,
		schemaNodeTypes,
		schemaPrincipals,
		schemaMemberships,
		schemaAccessControlEntries,
		schemaIndexDefinitions,
		schemaFixtures,
		indexNodesParent,
		indexMembershipsMember,
	}
}

// allPragmas returns all pragma settings
func allPragmas() []string {
	return []string{
		pragmaWAL,
		pragmaFK,
		pragmaBusyTimeout,
		pragmaSynchronous,
	}
}

// sqliteDSN builds a modernc DSN applying pragmas to each new connection
func sqliteDSN(path string, pragmas ...string) string {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range pragmas {
		dsn += sep + "_pragma=" + p
		sep = "&"
	}
	return dsn
}

// readOnlyDSN opens the database file with mode=ro, which no statement on
// the connection can lift
func readOnlyDSN(path string, pragmas ...string) string {
	dsn := sqliteDSN(path, pragmas...)
	if strings.Contains(dsn, "?") {
		return dsn + "&mode=ro"
	}
	return dsn + "?mode=ro"
}

// isMemoryPath reports whether path names an in-memory database
func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}
