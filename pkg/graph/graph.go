// Package graph parses a dataflow-graph document from the editor into typed
// component nodes and an interface-adjacency structure.
package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/dd0wney/vsd-backend/pkg/logging"
	"github.com/dd0wney/vsd-backend/pkg/spec"
)

var (
	// ErrNoSoC signals a graph without any System-on-Chip component
	ErrNoSoC = errors.New("haven't found any SoC nodes in the graph")

	// ErrUnknownInterface signals an edge referencing an interface id that no
	// component declares. This is structural corruption of the input graph.
	ErrUnknownInterface = errors.New("edge references unknown interface")
)

var whitespaceRE = regexp.MustCompile(`\s`)

// Connection is one resolved SoC neighbor link. It is derived on demand and
// never stored.
type Connection struct {
	// SoCInterface is the interface name on the SoC side.
	SoCInterface string

	// NodeInterface is the interface name on the neighbor side.
	NodeInterface string

	// Component is the neighbor component.
	Component *Component
}

// Graph is a parsed dataflow document
type Graph struct {
	// Components holds the graph's components keyed by instance id.
	Components map[string]*Component

	// Name is the graph name from the document, falling back to the first
	// SoC's type name, normalized for use as a file-system identifier.
	Name string

	// ID is the graph id assigned by the editor.
	ID string

	socs       []string
	ifaceOwner map[string]string
	log        *logging.Logger
}

type documentInterface struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type documentNode struct {
	ID         string              `json:"id"`
	Name       string              `json:"name"`
	Interfaces []documentInterface `json:"interfaces"`
	Properties []Property          `json:"properties"`
}

type documentEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

type document struct {
	Graph struct {
		ID          string         `json:"id"`
		Name        string         `json:"name"`
		Nodes       []documentNode `json:"nodes"`
		Connections []documentEdge `json:"connections"`
	} `json:"graph"`
}

// Parse decodes a dataflow document and builds the component graph against
// the given catalog
func Parse(data []byte, catalog *spec.Catalog, log *logging.Logger) (*Graph, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("malformed dataflow document: %w", err)
	}
	return newGraph(&doc, catalog, log)
}

// ParseValue builds the component graph from an already-decoded document
// value, as received inside an RPC params payload
func ParseValue(value any, catalog *spec.Catalog, log *logging.Logger) (*Graph, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("malformed dataflow document: %w", err)
	}
	return Parse(data, catalog, log)
}

func newGraph(doc *document, catalog *spec.Catalog, log *logging.Logger) (*Graph, error) {
	if log == nil {
		log = logging.NewDefaultLogger()
	}

	g := &Graph{
		Components: make(map[string]*Component),
		ID:         doc.Graph.ID,
		ifaceOwner: make(map[string]string),
		log:        log,
	}

	for _, node := range doc.Graph.Nodes {
		resolved, err := catalog.Resolve(node.Name)
		if err != nil {
			log.Warn("component type not found in catalog", logging.String("type", node.Name))
			resolved = spec.Entry{}
		}

		component := &Component{
			ID:          node.ID,
			TypeName:    node.Name,
			Interfaces:  make(map[string]string, len(node.Interfaces)),
			Connections: make(map[string][]string, len(node.Interfaces)),
			Properties:  node.Properties,
			spec:        resolved,
			log:         log,
		}
		for _, iface := range node.Interfaces {
			component.Interfaces[iface.ID] = iface.Name
			component.Connections[iface.ID] = nil
			g.ifaceOwner[iface.ID] = node.ID
		}
		g.Components[node.ID] = component

		if component.IsSoC() {
			g.socs = append(g.socs, node.ID)
		}
	}

	name := doc.Graph.Name
	if name == "" && len(g.socs) > 0 {
		name = g.Components[g.socs[0]].TypeName
	}
	if name == "" {
		name = "Untitled_graph"
	}
	g.Name = whitespaceRE.ReplaceAllString(name, "_")

	// Each edge updates both endpoints' neighbor lists.
	for _, edge := range doc.Graph.Connections {
		fromOwner, ok := g.ifaceOwner[edge.From]
		if !ok {
			return nil, fmt.Errorf("interface %q: %w", edge.From, ErrUnknownInterface)
		}
		toOwner, ok := g.ifaceOwner[edge.To]
		if !ok {
			return nil, fmt.Errorf("interface %q: %w", edge.To, ErrUnknownInterface)
		}

		from := g.Components[fromOwner]
		to := g.Components[toOwner]
		from.Connections[edge.From] = append(from.Connections[edge.From], edge.To)
		to.Connections[edge.To] = append(to.Connections[edge.To], edge.From)
	}

	return g, nil
}

// SoCWithConnections returns the first SoC component and the flattened list of
// its connection tuples, fanning out across all of its interfaces and their
// neighbor lists. A graph with more than one SoC logs a warning and uses the
// first discovered; a graph with none fails with ErrNoSoC.
func (g *Graph) SoCWithConnections() (*Component, []Connection, error) {
	if len(g.socs) == 0 {
		return nil, nil, ErrNoSoC
	}

	soc := g.Components[g.socs[0]]
	if len(g.socs) > 1 {
		g.log.Warn("found more than one SoC in the graph",
			logging.String("using", soc.TypeName))
	}

	var connections []Connection
	for ifaceID, neighbors := range soc.Connections {
		socIfaceName := soc.Interfaces[ifaceID]
		for _, neighborIface := range neighbors {
			neighbor := g.Components[g.ifaceOwner[neighborIface]]
			connections = append(connections, Connection{
				SoCInterface:  socIfaceName,
				NodeInterface: neighbor.Interfaces[neighborIface],
				Component:     neighbor,
			})
		}
	}
	return soc, connections, nil
}
