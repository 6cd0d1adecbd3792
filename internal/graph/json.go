package graph

import (
	"encoding/json"
	"fmt"

	"github.com/upscalarr/upscalarr/internal/node"
)

// Document is the versionless on-disk workflow format.
type Document struct {
	Nodes       []NodeInstance       `json:"nodes"`
	Connections []ConnectionDocument `json:"connections"`
	Interface   *InterfaceDocument   `json:"interface,omitempty"`
}

// ConnectionDocument is the wire form of one edge.
type ConnectionDocument struct {
	FromNode string `json:"from_node"`
	FromPort string `json:"from_port"`
	ToNode   string `json:"to_node"`
	ToPort   string `json:"to_port"`
	PortType string `json:"port_type"`
}

// InterfaceDocument declares the workflow's parameterized inputs and outputs
// for workflow-as-function use.
type InterfaceDocument struct {
	Inputs  []node.PortDefinition `json:"inputs,omitempty"`
	Outputs []node.PortDefinition `json:"outputs,omitempty"`
}

// FromDocument builds a Graph from a parsed document.
func FromDocument(doc Document) (*Graph, error) {
	g := New()
	for _, instance := range doc.Nodes {
		if _, err := g.AddNode(instance); err != nil {
			return nil, err
		}
	}
	for _, c := range doc.Connections {
		conn := PortConnection{
			SourcePort: c.FromPort,
			TargetPort: c.ToPort,
			PortType:   node.PortType(c.PortType),
		}
		if err := g.AddConnection(c.FromNode, conn, c.ToNode); err != nil {
			return nil, fmt.Errorf("connection %s.%s -> %s.%s: %w",
				c.FromNode, c.FromPort, c.ToNode, c.ToPort, err)
		}
	}
	return g, nil
}

// ToDocument renders the graph back to its wire form.
func (g *Graph) ToDocument() Document {
	doc := Document{Nodes: append([]NodeInstance(nil), g.nodes...)}
	for _, e := range g.edges {
		doc.Connections = append(doc.Connections, ConnectionDocument{
			FromNode: g.nodes[e.from].ID,
			FromPort: e.conn.SourcePort,
			ToNode:   g.nodes[e.to].ID,
			ToPort:   e.conn.TargetPort,
			PortType: string(e.conn.PortType),
		})
	}
	return doc
}

// UnmarshalJSON decodes the versionless graph document format.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parsing graph document: %w", err)
	}
	parsed, err := FromDocument(doc)
	if err != nil {
		return err
	}
	*g = *parsed
	return nil
}

// MarshalJSON encodes the graph document format.
func (g *Graph) MarshalJSON() ([]byte, error) {
	return json.Marshal(g.ToDocument())
}

// ParseDocument parses raw JSON into a graph, unwrapping a preset envelope
// ({"workflow": {...}}) when present.
func ParseDocument(raw []byte) (*Graph, *InterfaceDocument, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, nil, fmt.Errorf("parsing workflow document: %w", err)
	}
	if _, hasNodes := envelope["nodes"]; !hasNodes {
		if inner, ok := envelope["workflow"]; ok {
			return ParseDocument(inner)
		}
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("parsing workflow document: %w", err)
	}
	g, err := FromDocument(doc)
	if err != nil {
		return nil, nil, err
	}
	return g, doc.Interface, nil
}
