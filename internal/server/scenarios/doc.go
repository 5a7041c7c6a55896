// Package scenarios holds the planner scenarios run against a seeded
// repository: node type, multiple properties, ordering, nulls and
// permissions. Each scenario swaps the testContent index definition and
// asserts on the plan and the results the query runner reports.
package scenarios
