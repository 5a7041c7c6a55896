package content

import (
	"errors"
	"fmt"
	"strings"
)

// ErrQueryNotAllowed is returned for caller queries that could write, run
// more than one statement, or read repository bookkeeping
var ErrQueryNotAllowed = errors.New("query not allowed")

// queryRules describe what a caller query may contain in one language
type queryRules struct {
	// doubleQuotedStrings is true where "..." is a string literal rather than
	// a quoted identifier
	doubleQuotedStrings bool
	backslashEscapes    bool
	// escapeStrings honours backslashes in E'...' literals only
	escapeStrings     bool
	slashComments     bool
	leading           map[string]bool
	forbidden         map[string]bool
	forbiddenPrefixes []string
}

func wordSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

var sqlRules = queryRules{
	leading: wordSet("select", "with", "values"),
	forbidden: wordSet(
		// statements that write or change the connection
		"insert", "into", "update", "delete", "merge", "upsert", "pragma",
		"attach", "detach", "create", "drop", "alter", "truncate", "vacuum",
		"reindex", "analyze", "begin", "commit", "rollback", "savepoint",
		"release", "set", "reset", "copy", "grant", "revoke", "lock", "call",
		"do", "listen", "notify", "unlisten", "prepare", "execute",
		"deallocate", "discard", "refresh", "cluster", "comment", "load",
		"load_extension", "set_config", "dblink",
		// bookkeeping tables
		"node_types", "principals", "memberships", "access_control_entries",
		"index_definitions", "fixtures", "schema_migrations",
	),
	escapeStrings:     true,
	forbiddenPrefixes: []string{"sqlite_", "pg_", "lo_", "$"},
}

var cypherRules = queryRules{
	doubleQuotedStrings: true,
	backslashEscapes:    true,
	slashComments:       true,
	leading:             wordSet("match", "optional", "with", "unwind", "return"),
	forbidden: wordSet(
		"create", "merge", "set", "delete", "detach", "remove", "foreach",
		"load", "call", "drop", "alter", "grant", "revoke", "deny", "use",
		"start", "stop", "terminate", "show",
		// bookkeeping labels, relationships and properties
		"principal", "member_of", "accesscontrolentry", "indexdefinition",
		"fixture", "nodetype", "passwordhash",
	),
	forbiddenPrefixes: []string{"db.", "dbms.", "apoc"},
}

// CheckSQLQuery accepts a single read only SQL statement over the node
// tables and node type views
func CheckSQLQuery(query string) error {
	return checkQuery(query, sqlRules)
}

// CheckCypherQuery accepts a single read only Cypher statement over content
// nodes
func CheckCypherQuery(query string) error {
	return checkQuery(query, cypherRules)
}

func checkQuery(query string, rules queryRules) error {
	words, err := queryWords(query, rules)
	if err != nil {
		return err
	}
	if len(words) == 0 {
		return fmt.Errorf("%w: empty query", ErrQueryNotAllowed)
	}
	if !rules.leading[words[0]] {
		return fmt.Errorf("%w: queries must start with one of %s", ErrQueryNotAllowed, leadingList(rules))
	}
	for _, w := range words {
		if rules.forbidden[w] {
			return fmt.Errorf("%w: %q is not permitted", ErrQueryNotAllowed, w)
		}
		for _, p := range rules.forbiddenPrefixes {
			if strings.HasPrefix(w, p) {
				return fmt.Errorf("%w: %q is not permitted", ErrQueryNotAllowed, w)
			}
		}
	}
	return nil
}

func leadingList(rules queryRules) string {
	var out []string
	for _, w := range []string{"select", "with", "values", "match", "optional", "unwind", "return"} {
		if rules.leading[w] {
			out = append(out, strings.ToUpper(w))
		}
	}
	return strings.Join(out, ", ")
}

// queryWords lowercases the keywords and identifiers of query, quoted
// identifiers included. String literals and comments are dropped. A second
// statement after a semicolon is an error.
func queryWords(query string, rules queryRules) ([]string, error) {
	var words []string
	ended := false
	for i := 0; i < len(query); {
		c := query[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f':
			i++
			continue
		case c == '-' && strings.HasPrefix(query[i:], "--"), rules.slashComments && strings.HasPrefix(query[i:], "//"):
			end := strings.IndexByte(query[i:], '\n')
			if end < 0 {
				return words, nil
			}
			i += end + 1
			continue
		case c == '/' && strings.HasPrefix(query[i:], "/*"):
			end := strings.Index(query[i+2:], "*/")
			if end < 0 {
				return nil, fmt.Errorf("%w: unterminated comment", ErrQueryNotAllowed)
			}
			i += end + 4
			continue
		}

		if ended {
			return nil, fmt.Errorf("%w: only one statement may be run", ErrQueryNotAllowed)
		}

		switch {
		case c == ';':
			ended = true
			i++
		case c == '\'' || (c == '"' && rules.doubleQuotedStrings):
			backslash := rules.backslashEscapes || rules.escapeStrings && isEscapePrefix(query, i)
			end, err := skipQuoted(query, i, c, backslash)
			if err != nil {
				return nil, err
			}
			i = end
		case c == '"' || c == '`' || c == '[':
			closing := c
			if c == '[' {
				closing = ']'
			}
			end, err := skipQuoted(query, i, closing, false)
			if err != nil {
				return nil, err
			}
			ident := query[i+1 : end-1]
			ident = strings.ReplaceAll(ident, string([]byte{closing, closing}), string(closing))
			words = append(words, strings.ToLower(ident))
			i = end
		case isWordByte(c):
			start := i
			for i < len(query) && (isWordByte(query[i]) || query[i] == '.') {
				i++
			}
			words = append(words, splitDotted(strings.ToLower(query[start:i]))...)
		default:
			i++
		}
	}
	return words, nil
}

// splitDotted keeps a dotted name whole for prefix checks and adds its parts
func splitDotted(w string) []string {
	if !strings.Contains(w, ".") {
		return []string{w}
	}
	return append([]string{w}, strings.Split(w, ".")...)
}

// skipQuoted returns the offset just past the quoted run starting at i. A
// doubled closing character is an escaped one.
func skipQuoted(query string, i int, closing byte, backslash bool) (int, error) {
	for j := i + 1; j < len(query); j++ {
		switch query[j] {
		case '\\':
			if backslash {
				j++
			}
		case closing:
			if j+1 < len(query) && query[j+1] == closing && closing != ']' {
				j++
				continue
			}
			return j + 1, nil
		}
	}
	return 0, fmt.Errorf("%w: unterminated quote", ErrQueryNotAllowed)
}

// isEscapePrefix reports an E or e immediately before the quote at i
func isEscapePrefix(query string, i int) bool {
	if i == 0 || query[i-1] != 'e' && query[i-1] != 'E' {
		return false
	}
	return i == 1 || !isWordByte(query[i-2])
}

func isWordByte(c byte) bool {
	return c == '_' || c == '$' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c >= 0x80
}
