package graph

import (
	"strconv"
	"strings"

	"github.com/dd0wney/vsd-backend/pkg/logging"
	"github.com/dd0wney/vsd-backend/pkg/spec"
)

// Property is a single property declared on a graph component instance
type Property struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Component is one typed node instance in a parsed dataflow graph. It is owned
// by the Graph that parsed it and never outlives it.
type Component struct {
	// ID is the unique instance identifier assigned by the editor.
	ID string

	// TypeName is the component-type name the instance references.
	TypeName string

	// Interfaces maps interface id to interface name.
	Interfaces map[string]string

	// Connections maps interface id to the connected interface ids. It is
	// populated symmetrically from edge traversal.
	Connections map[string][]string

	// Properties are the instance's declared properties.
	Properties []Property

	spec  spec.Entry
	label string
	log   *logging.Logger
}

// Spec returns the component's resolved type spec
func (c *Component) Spec() spec.Entry {
	return c.spec
}

// IsSoC reports whether the resolved type's category marks the component as a
// System-on-Chip
func (c *Component) IsSoC() bool {
	return c.spec.IsSoC()
}

// Category returns the resolved type's category string
func (c *Component) Category() string {
	return c.spec.Category()
}

// RDPName returns the canonical catalog identifier for the component's type
func (c *Component) RDPName() (string, bool) {
	return c.spec.RDPName()
}

// Label derives a deterministic display label from the instance id suffix and
// the type category leaf, e.g. "led_1a2b"
func (c *Component) Label() string {
	if c.label != "" {
		return c.label
	}

	idParts := strings.Split(c.ID, "-")
	idSuffix := strings.ToLower(idParts[len(idParts)-1])
	catParts := strings.Split(c.spec.Category(), "/")
	catLeaf := strings.ToLower(catParts[len(catParts)-1])

	c.label = catLeaf + "_" + idSuffix
	return c.label
}

// InterfaceAddress scans the component's properties for one named exactly
// "address (<interfaceName>)" and parses its value as a base-16 integer. The
// second return value is false when the property is absent or unparsable; a
// present but invalid value logs an error instead of failing, so callers can
// emit the node without a register field.
func (c *Component) InterfaceAddress(interfaceName string) (uint64, bool) {
	want := "address (" + interfaceName + ")"
	for _, prop := range c.Properties {
		if prop.Name != want {
			continue
		}
		text, _ := prop.Value.(string)
		addr, err := strconv.ParseUint(strings.TrimPrefix(text, "0x"), 16, 64)
		if err != nil {
			c.log.Error("missing or invalid address value",
				logging.String("property", prop.Name),
				logging.String("value", text))
			return 0, false
		}
		return addr, true
	}
	return 0, false
}
