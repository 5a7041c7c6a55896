package content

import (
	"strings"
)

// planStep is one row of EXPLAIN QUERY PLAN output
type planStep struct {
	ID     int
	Parent int
	Detail string
}

// renderSQLitePlan draws plan rows as the tree the sqlite3 shell prints:
//
//	QUERY PLAN
//	|--SEARCH nodes USING INDEX ...
//	`--USE TEMP B-TREE FOR ORDER BY
func renderSQLitePlan(steps []planStep) *Plan {
	children := make(map[int][]planStep)
	ids := make(map[int]bool, len(steps))
	for _, s := range steps {
		ids[s.ID] = true
	}
	var roots []planStep
	for _, s := range steps {
		if s.Parent == 0 || !ids[s.Parent] {
			roots = append(roots, s)
			continue
		}
		children[s.Parent] = append(children[s.Parent], s)
	}

	plan := &Plan{}
	var b strings.Builder
	b.WriteString("QUERY PLAN")

	var walk func(level []planStep, prefix string)
	walk = func(level []planStep, prefix string) {
		for i, s := range level {
			last := i == len(level)-1
			b.WriteString("\n")
			b.WriteString(prefix)
			if last {
				b.WriteString("`--")
			} else {
				b.WriteString("|--")
			}
			b.WriteString(s.Detail)
			if isSQLiteScan(s.Detail) {
				plan.Traversal = true
			}

			next := prefix + "|  "
			if last {
				next = prefix + "   "
			}
			walk(children[s.ID], next)
		}
	}
	walk(roots, "")

	plan.Text = b.String()
	return plan
}

// isSQLiteScan reports a full table scan. Scans over an index, partial
// indexes included, only read the indexed rows.
func isSQLiteScan(detail string) bool {
	if !strings.HasPrefix(detail, "SCAN ") || strings.HasPrefix(detail, "SCAN CONSTANT ROW") {
		return false
	}
	return !strings.Contains(detail, " USING ")
}
