package taxonomy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type scopeDef struct {
	Cubes    []string `yaml:"cubes"`
	Keywords []string `yaml:"keywords"`
}

// Load reads a taxonomy file of the form:
//
//	scopes:
//	  finance:
//	    cubes: [budget]
//	    keywords: [cost, budget, expense]
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read taxonomy: %w", err)
	}
	return Parse(data)
}

// Parse builds a table from YAML bytes. See Load for the layout.
func Parse(data []byte) (*Table, error) {
	var doc struct {
		Scopes yaml.Node `yaml:"scopes"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTable, err)
	}
	return FromNode(&doc.Scopes)
}

// FromNode builds a table from a YAML mapping of scope id to definition.
// Scopes keep document order.
func FromNode(node *yaml.Node) (*Table, error) {
	if node == nil || node.Kind == 0 {
		return nil, fmt.Errorf("%w: no scopes defined", ErrInvalidTable)
	}
	if node.Kind == yaml.DocumentNode && len(node.Content) == 1 {
		node = node.Content[0]
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: scopes must be a mapping (line %d)", ErrInvalidTable, node.Line)
	}

	scopes := make([]Scope, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i]
		var def scopeDef
		if err := node.Content[i+1].Decode(&def); err != nil {
			return nil, fmt.Errorf("%w: scope %q (line %d): %v", ErrInvalidTable, key.Value, key.Line, err)
		}
		scopes = append(scopes, Scope{
			ID:       key.Value,
			Cubes:    def.Cubes,
			Keywords: def.Keywords,
		})
	}
	return New(scopes)
}
