package spec

import (
	"fmt"
	"strings"
)

// Name returns the entry's identifying name
func (e Entry) Name() string {
	name, _ := e["name"].(string)
	return name
}

// Category returns the entry's category string, or "Other" when absent
func (e Entry) Category() string {
	if category, ok := e["category"].(string); ok {
		return category
	}
	return "Other"
}

// IsSoC reports whether the entry describes a System-on-Chip component
func (e Entry) IsSoC() bool {
	return strings.Contains(e.Category(), "SoC")
}

// RDPName derives the canonical lowercase identifier from the entry's
// external-reference URL: its last path segment. The second return value is
// false when the entry carries no such reference.
func (e Entry) RDPName() (string, bool) {
	urls, ok := e["urls"].(map[string]any)
	if !ok {
		return "", false
	}
	link, ok := urls["rdp"].(string)
	if !ok {
		return "", false
	}
	parts := strings.Split(link, "/")
	return parts[len(parts)-1], true
}

// Compats returns the compatible-string list from the entry's metadata
func (e Entry) Compats() []string {
	additional, ok := e["additionalData"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := additional["compats"].([]any)
	if !ok {
		return nil
	}
	compats := make([]string, 0, len(raw))
	for _, c := range raw {
		if s, ok := c.(string); ok {
			compats = append(compats, s)
		}
	}
	return compats
}

// CompatsString renders the compatible list as a devicetree value, e.g.
// `"bosch,bme280"`. Returns "" when the entry has no compatible metadata.
func (e Entry) CompatsString() string {
	compats := e.Compats()
	if len(compats) == 0 {
		return ""
	}
	quoted := make([]string, len(compats))
	for i, c := range compats {
		quoted[i] = fmt.Sprintf("%q", c)
	}
	return strings.Join(quoted, ", ")
}
