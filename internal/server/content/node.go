package content

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// Well known property names
const (
	PropertyPath        = "jcr:path"
	PropertyPrimaryType = "jcr:primaryType"
	PropertyName        = "test:name"
	PropertyIteration   = "test:iteration"
	PropertyItem        = "test:item"
	PropertyChild       = "test:child"
)

// NodeTypeContent is the node type of every seeded test node
const NodeTypeContent = "test:content"

// propertyColumns maps the closed set of typed properties to their storage columns
var propertyColumns = map[string]string{
	PropertyName:      "test_name",
	PropertyIteration: "test_iteration",
	PropertyItem:      "test_item",
	PropertyChild:     "test_child",
}

// ColumnFor returns the SQL column backing a property
func ColumnFor(property string) (string, bool) {
	col, ok := propertyColumns[property]
	return col, ok
}

// KnownProperties returns the typed property names in sorted order
func KnownProperties() []string {
	names := make([]string, 0, len(propertyColumns))
	for name := range propertyColumns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ContentNodeType is the definition of the test:content node type
func ContentNodeType() NodeTypeDefinition {
	return NodeTypeDefinition{
		Name:       NodeTypeContent,
		Properties: KnownProperties(),
	}
}

// Properties is the typed property record of a node. Nil fields are unset.
type Properties struct {
	Name      *string
	Iteration *int64
	Item      *int64
	Child     *int64
}

// Merge returns a copy of p with every field set in other overriding p
func (p Properties) Merge(other Properties) Properties {
	merged := p
	if other.Name != nil {
		merged.Name = other.Name
	}
	if other.Iteration != nil {
		merged.Iteration = other.Iteration
	}
	if other.Item != nil {
		merged.Item = other.Item
	}
	if other.Child != nil {
		merged.Child = other.Child
	}
	return merged
}

// Map returns the set properties keyed by property name
func (p Properties) Map() map[string]interface{} {
	m := make(map[string]interface{}, 4)
	if p.Name != nil {
		m[PropertyName] = *p.Name
	}
	if p.Iteration != nil {
		m[PropertyIteration] = *p.Iteration
	}
	if p.Item != nil {
		m[PropertyItem] = *p.Item
	}
	if p.Child != nil {
		m[PropertyChild] = *p.Child
	}
	return m
}

// String returns a pointer to s
func String(s string) *string {
	return &s
}

// Int returns a pointer to i as an int64
func Int(i int) *int64 {
	v := int64(i)
	return &v
}

// Node is a single stored content node
type Node struct {
	Path        string
	PrimaryType string
	Properties  Properties
}

// Name returns the last path segment
func (n *Node) Name() string {
	return NameOf(n.Path)
}

// Parent returns the parent path
func (n *Node) Parent() string {
	return ParentOf(n.Path)
}

// Map returns the node in the shape of a JSON rendering
func (n *Node) Map() map[string]interface{} {
	m := n.Properties.Map()
	m[PropertyPrimaryType] = n.PrimaryType
	m[PropertyPath] = n.Path
	return m
}

// ValidatePath checks that p is an absolute, clean node path
func ValidatePath(p string) error {
	if p == "" || !strings.HasPrefix(p, "/") {
		return fmt.Errorf("path must be absolute: %q", p)
	}
	if path.Clean(p) != p {
		return fmt.Errorf("path is not clean: %q", p)
	}
	return nil
}

// ParentOf returns the parent of an absolute path; the root is its own parent
func ParentOf(p string) string {
	return path.Dir(p)
}

// NameOf returns the last segment of an absolute path
func NameOf(p string) string {
	if p == "/" {
		return ""
	}
	return path.Base(p)
}

// Depth returns the number of segments in an absolute path
func Depth(p string) int {
	if p == "/" || p == "" {
		return 0
	}
	return strings.Count(p, "/")
}

// IsDescendantOrSelf reports whether p equals ancestor or lies below it
func IsDescendantOrSelf(p, ancestor string) bool {
	if ancestor == "/" {
		return strings.HasPrefix(p, "/")
	}
	return p == ancestor || strings.HasPrefix(p, ancestor+"/")
}
