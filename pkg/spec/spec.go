// Package spec loads the declarative component-type catalog consumed by the
// graph editor and resolves component-type names to their effective merged
// definitions.
package spec

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dd0wney/vsd-backend/pkg/logging"
)

// ErrNotFound signals a catalog lookup for a name that no partition contains
var ErrNotFound = errors.New("component type not found")

// Entry is one catalog entry. Entries are open-ended JSON documents; keeping
// them as maps preserves fields this backend doesn't interpret and makes the
// shallow extends-merge a plain key union.
type Entry map[string]any

// Catalog holds the parsed component-type specification partitioned by kind
type Catalog struct {
	raw        map[string]any
	metadata   map[string]any
	nodes      map[string]Entry
	categories map[string]Entry
	abstract   map[string]Entry

	log *logging.Logger
}

// Load reads and parses the catalog document at path
func Load(path string, log *logging.Logger) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read specification: %w", err)
	}
	return Parse(data, log)
}

// Parse parses a catalog document. The document must carry top-level "nodes"
// and "metadata" keys.
func Parse(data []byte, log *logging.Logger) (*Catalog, error) {
	if log == nil {
		log = logging.NewDefaultLogger()
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed specification document: %w", err)
	}

	metadata, ok := raw["metadata"].(map[string]any)
	if !ok {
		return nil, errors.New("specification document is missing the metadata key")
	}
	nodeList, ok := raw["nodes"].([]any)
	if !ok {
		return nil, errors.New("specification document is missing the nodes key")
	}

	c := &Catalog{
		raw:        raw,
		metadata:   metadata,
		nodes:      make(map[string]Entry),
		categories: make(map[string]Entry),
		abstract:   make(map[string]Entry),
		log:        log,
	}

	for _, item := range nodeList {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, errors.New("specification node is not an object")
		}
		c.insert(Entry(entry))
	}

	return c, nil
}

// insert classifies an entry into its partition
func (c *Catalog) insert(entry Entry) {
	if b, _ := entry["isCategory"].(bool); b {
		category, _ := entry["category"].(string)
		parts := strings.Split(category, "/")
		c.categories[parts[len(parts)-1]] = entry
		return
	}
	if b, _ := entry["abstract"].(bool); b {
		name, _ := entry["name"].(string)
		c.abstract[name] = entry
		return
	}
	name, _ := entry["name"].(string)
	c.nodes[name] = entry
}

// lookup finds the stored entry for name without extension merging.
// Lookup order: concrete nodes, then categories, then abstract types.
func (c *Catalog) lookup(name string) (Entry, bool) {
	if entry, ok := c.nodes[name]; ok {
		return entry, true
	}
	if entry, ok := c.categories[name]; ok {
		return entry, true
	}
	if entry, ok := c.abstract[name]; ok {
		return entry, true
	}
	return nil, false
}

// Resolve returns the effective merged spec for name. The result is a fresh
// copy: stored entries are never mutated, so catalog edits stay local. When
// the entry declares extends, each extended name is looked up (abstract first,
// else category) and shallow-merged under the entry, child fields winning. An
// unknown extended name logs a warning and is skipped.
func (c *Catalog) Resolve(name string) (Entry, error) {
	entry, ok := c.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrNotFound)
	}

	merged := make(Entry, len(entry))

	extends, _ := entry["extends"].([]any)
	for _, e := range extends {
		extName, _ := e.(string)
		base, ok := c.abstract[extName]
		if !ok {
			base, ok = c.categories[extName]
		}
		if !ok {
			c.log.Warn("extended type not found", logging.String("name", extName))
			continue
		}
		for k, v := range base {
			merged[k] = v
		}
	}

	for k, v := range entry {
		merged[k] = v
	}

	return merged, nil
}

// SoCCategories returns the category identifiers whose category string starts
// with "SoC"
func (c *Catalog) SoCCategories() []string {
	names := make([]string, 0)
	for name, entry := range c.categories {
		if category, _ := entry["category"].(string); strings.HasPrefix(category, "SoC") {
			names = append(names, name)
		}
	}
	return names
}

// Document returns the full catalog document, including any applied
// modifications, in the shape the editor expects from specification_get
func (c *Catalog) Document() map[string]any {
	return c.raw
}
