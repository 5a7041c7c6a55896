package content

import (
	"fmt"
	"sort"
	"strings"
)

// indexStatement is a single backend index and the DDL that creates it
type indexStatement struct {
	Name   string
	Create string
}

// sqlIndexStatements derives the partial indexes for a definition on the
// nodes table. The result is deterministic for a given definition.
func sqlIndexStatements(def *IndexDefinition) []indexStatement {
	if def.Type == IndexTypeNodeType {
		name := def.Name + "_primary_type"
		return []indexStatement{{
			Name:   name,
			Create: fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON nodes (primary_type)", quoteIdent(name)),
		}}
	}

	var stmts []indexStatement
	types := def.NodeTypes()
	for _, nodeType := range types {
		prefix := def.Name
		if len(types) > 1 {
			prefix += "_" + slug(nodeType)
		}
		where := "primary_type = " + quoteLiteral(nodeType)
		props := def.IndexRules[nodeType].Resolve()

		var ordered []string
		for _, p := range props {
			if p.Ordered {
				col, _ := ColumnFor(p.Name)
				ordered = append(ordered, col)
			}
		}

		for _, p := range props {
			col, ok := ColumnFor(p.Name)
			if !ok {
				continue
			}
			if p.PropertyIndex {
				cols := []string{col}
				for _, o := range ordered {
					if o != col {
						cols = append(cols, o)
					}
				}
				name := prefix + "_" + col
				stmts = append(stmts, indexStatement{
					Name: name,
					Create: fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON nodes (%s) WHERE %s",
						quoteIdent(name), strings.Join(cols, ", "), where),
				})
			} else if p.Ordered {
				name := prefix + "_" + col + "_ordered"
				stmts = append(stmts, indexStatement{
					Name: name,
					Create: fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON nodes (%s) WHERE %s",
						quoteIdent(name), col, where),
				})
			}
			if p.NullCheckEnabled {
				name := prefix + "_" + col + "_null"
				stmts = append(stmts, indexStatement{
					Name: name,
					Create: fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON nodes (path) WHERE %s AND %s IS NULL",
						quoteIdent(name), where, col),
				})
			}
		}
	}
	return stmts
}

// dropIndexStatement returns the DDL removing a named index
func dropIndexStatement(name string) string {
	return "DROP INDEX IF EXISTS " + quoteIdent(name)
}

// nodeTypeViewStatements replaces the view exposing a node type as a
// queryable table named after the type
func nodeTypeViewStatements(def NodeTypeDefinition) ([]string, error) {
	cols, err := nodeTypeViewColumns(def)
	if err != nil {
		return nil, err
	}
	view := quoteIdent(def.Name)
	return []string{
		"DROP VIEW IF EXISTS " + view,
		fmt.Sprintf("CREATE VIEW %s AS SELECT %s FROM nodes WHERE primary_type = %s",
			view, cols, quoteLiteral(def.Name)),
	}, nil
}

// nodeTypeViewColumns returns the select list exposing a node type's
// properties under their JCR names
func nodeTypeViewColumns(def NodeTypeDefinition) (string, error) {
	cols := []string{
		"path AS " + quoteIdent(PropertyPath),
		"primary_type AS " + quoteIdent(PropertyPrimaryType),
	}
	props := append([]string(nil), def.Properties...)
	sort.Strings(props)
	for _, p := range props {
		col, ok := ColumnFor(p)
		if !ok {
			return "", fmt.Errorf("node type %s: unknown property %q", def.Name, p)
		}
		cols = append(cols, col+" AS "+quoteIdent(p))
	}
	return strings.Join(cols, ", "), nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
