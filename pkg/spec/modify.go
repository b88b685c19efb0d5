package spec

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/dd0wney/vsd-backend/pkg/logging"
)

// Modification is a versioned in-place catalog patch. Metadata entries are
// overwritten, new node definitions are inserted into their partition, and
// extend entries append interfaces and properties to existing types.
type Modification struct {
	Metadata map[string]any   `json:"metadata"`
	AddNodes []map[string]any `json:"add_nodes"`
	Extend   []ExtendEntry    `json:"extend" validate:"dive"`
}

// ExtendEntry appends interfaces and properties to every named type
type ExtendEntry struct {
	Names         []string         `json:"names" validate:"required,min=1"`
	AddInterfaces []map[string]any `json:"add_interfaces"`
	AddProperties []map[string]any `json:"add_properties"`
}

var modValidator = validator.New()

// ParseModification decodes and validates a modification document
func ParseModification(data []byte) (*Modification, error) {
	var mod Modification
	if err := json.Unmarshal(data, &mod); err != nil {
		return nil, fmt.Errorf("malformed specification modification: %w", err)
	}
	if err := modValidator.Struct(&mod); err != nil {
		return nil, fmt.Errorf("invalid specification modification: %w", err)
	}
	return &mod, nil
}

// ApplyModification applies a patch to the catalog. Missing extend targets log
// a warning and are skipped; they never fail the whole patch.
func (c *Catalog) ApplyModification(mod *Modification) {
	for key, value := range mod.Metadata {
		c.metadata[key] = value
	}

	for _, def := range mod.AddNodes {
		entry := Entry(def)
		c.insert(entry)
		if isCategory, _ := def["isCategory"].(bool); isCategory {
			continue
		}
		if abstract, _ := def["abstract"].(bool); abstract {
			continue
		}
		// Only concrete nodes join the serializable node list the editor
		// sees in specification_get; categories and abstract types stay
		// resolution-only.
		if list, ok := c.raw["nodes"].([]any); ok {
			c.raw["nodes"] = append(list, def)
		}
	}

	for _, ext := range mod.Extend {
		for _, name := range ext.Names {
			entry, ok := c.lookup(name)
			if !ok {
				c.log.Warn("modification target not found", logging.String("name", name))
				continue
			}
			appendListField(entry, "interfaces", ext.AddInterfaces)
			appendListField(entry, "properties", ext.AddProperties)
		}
	}
}

// appendListField appends items to a list-valued entry field, creating the
// list if absent
func appendListField(entry Entry, field string, items []map[string]any) {
	if len(items) == 0 {
		return
	}
	list, _ := entry[field].([]any)
	for _, item := range items {
		list = append(list, item)
	}
	entry[field] = list
}
