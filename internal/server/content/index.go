package content

import (
	"fmt"
	"regexp"
	"sort"
)

// Index definition types
const (
	IndexTypeProperty = "property"
	IndexTypeNodeType = "nodetype"
)

// DefaultIndexName is the node type index every repository starts with
const DefaultIndexName = "nodetype"

var indexNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// IndexDefinition describes which properties of which node types a backend
// should index. Reindex is true while a (re)build is outstanding.
// ReindexError holds the cause of the last failed build until the next
// save or successful build.
type IndexDefinition struct {
	Name         string               `json:"name" yaml:"name"`
	Type         string               `json:"type" yaml:"type"`
	IndexRules   map[string]IndexRule `json:"indexRules,omitempty" yaml:"indexRules,omitempty"`
	Reindex      bool                 `json:"reindex" yaml:"reindex"`
	ReindexCount int                  `json:"reindexCount" yaml:"reindexCount"`
	ReindexError string               `json:"reindexError,omitempty" yaml:"reindexError,omitempty"`
}

// IndexRule lists the property definitions applied to one node type
type IndexRule struct {
	Properties map[string]PropertyDefinition `json:"properties" yaml:"properties"`
}

// PropertyDefinition configures how one property (or a family of properties
// when IsRegexp is set) is indexed
type PropertyDefinition struct {
	Name             string `json:"name" yaml:"name"`
	IsRegexp         bool   `json:"isRegexp,omitempty" yaml:"isRegexp,omitempty"`
	PropertyIndex    bool   `json:"propertyIndex,omitempty" yaml:"propertyIndex,omitempty"`
	Ordered          bool   `json:"ordered,omitempty" yaml:"ordered,omitempty"`
	NullCheckEnabled bool   `json:"nullCheckEnabled,omitempty" yaml:"nullCheckEnabled,omitempty"`
}

// DefaultIndexDefinition returns the node type index created with the schema
func DefaultIndexDefinition() *IndexDefinition {
	return &IndexDefinition{
		Name:    DefaultIndexName,
		Type:    IndexTypeNodeType,
		Reindex: true,
	}
}

// Validate checks the definition can be turned into backend indexes
func (d *IndexDefinition) Validate() error {
	if !indexNamePattern.MatchString(d.Name) {
		return fmt.Errorf("invalid index name %q", d.Name)
	}
	switch d.Type {
	case "", IndexTypeProperty:
		if len(d.IndexRules) == 0 {
			return fmt.Errorf("index %s: at least one index rule is required", d.Name)
		}
	case IndexTypeNodeType:
		return nil
	default:
		return fmt.Errorf("index %s: unknown type %q", d.Name, d.Type)
	}
	for nodeType, rule := range d.IndexRules {
		if nodeType == "" {
			return fmt.Errorf("index %s: empty node type in index rules", d.Name)
		}
		for key, prop := range rule.Properties {
			if prop.Name == "" {
				return fmt.Errorf("index %s: property %s has no name", d.Name, key)
			}
			if prop.IsRegexp {
				if _, err := regexp.Compile(prop.Name); err != nil {
					return fmt.Errorf("index %s: property %s: %w", d.Name, key, err)
				}
				continue
			}
			if _, ok := ColumnFor(prop.Name); !ok {
				return fmt.Errorf("index %s: unknown property %q", d.Name, prop.Name)
			}
		}
	}
	return nil
}

// NodeTypes returns the node types with index rules in sorted order
func (d *IndexDefinition) NodeTypes() []string {
	types := make([]string, 0, len(d.IndexRules))
	for t := range d.IndexRules {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Resolve expands regexp definitions against the known properties and
// returns one definition per concrete property, sorted by name. Explicit
// definitions win over regexp matches.
func (r IndexRule) Resolve() []PropertyDefinition {
	resolved := make(map[string]PropertyDefinition)

	keys := make([]string, 0, len(r.Properties))
	for k := range r.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		prop := r.Properties[k]
		if !prop.IsRegexp {
			continue
		}
		re, err := regexp.Compile("^(?:" + prop.Name + ")$")
		if err != nil {
			continue
		}
		for _, name := range KnownProperties() {
			if re.MatchString(name) {
				match := prop
				match.Name = name
				match.IsRegexp = false
				resolved[name] = match
			}
		}
	}
	for _, k := range keys {
		prop := r.Properties[k]
		if prop.IsRegexp {
			continue
		}
		resolved[prop.Name] = prop
	}

	out := make([]PropertyDefinition, 0, len(resolved))
	for _, prop := range resolved {
		out = append(out, prop)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
