// Package graph implements the user-authored dataflow graph: typed nodes,
// typed edges, topological ordering, and validation against a node registry.
//
// Nodes live in an arena addressed by stable integer indices; edges carry a
// typed PortConnection payload. Graphs are immutable once built: callers
// add nodes and connections, then hand the graph to the compiler.
package graph

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/upscalarr/upscalarr/internal/node"
)

// Graph construction and validation sentinels.
var (
	// ErrCycle indicates the graph contains a dependency cycle.
	ErrCycle = errors.New("graph contains a cycle")

	// ErrDuplicateID indicates a node id was added twice.
	ErrDuplicateID = errors.New("duplicate node id")

	// ErrUnknownNode indicates an edge references a node id not in the graph.
	ErrUnknownNode = errors.New("unknown node id")

	// ErrMissingPort indicates an edge endpoint names a port the node does
	// not declare.
	ErrMissingPort = errors.New("port not declared by node")

	// ErrPortTypeMismatch indicates the edge's port type disagrees with a
	// declared endpoint port.
	ErrPortTypeMismatch = errors.New("port type mismatch")
)

// NodeInstance is one node entry in a graph document.
type NodeInstance struct {
	ID       string                     `json:"id"`
	NodeType string                     `json:"node_type"`
	Params   map[string]json.RawMessage `json:"params,omitempty"`
}

// PortConnection is the typed payload on a directed edge.
type PortConnection struct {
	SourcePort string
	TargetPort string
	PortType   node.PortType
}

// IncidentEdge pairs a connection with the index of the node on its far end.
type IncidentEdge struct {
	Peer int
	Conn PortConnection
}

type edge struct {
	from, to int
	conn     PortConnection
}

// Graph is an ordered arena of node instances plus directed typed edges.
type Graph struct {
	nodes   []NodeInstance
	edges   []edge
	idIndex map[string]int
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{idIndex: make(map[string]int)}
}

// AddNode appends a node instance. IDs must be unique.
func (g *Graph) AddNode(instance NodeInstance) (int, error) {
	if instance.ID == "" {
		return 0, fmt.Errorf("node id must not be empty")
	}
	if _, exists := g.idIndex[instance.ID]; exists {
		return 0, fmt.Errorf("%w: %q", ErrDuplicateID, instance.ID)
	}
	idx := len(g.nodes)
	g.nodes = append(g.nodes, instance)
	g.idIndex[instance.ID] = idx
	return idx, nil
}

// AddConnection adds a directed edge between two existing nodes by id.
func (g *Graph) AddConnection(fromID string, conn PortConnection, toID string) error {
	from, ok := g.idIndex[fromID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, fromID)
	}
	to, ok := g.idIndex[toID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownNode, toID)
	}
	g.edges = append(g.edges, edge{from: from, to: to, conn: conn})
	return nil
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int {
	return len(g.nodes)
}

// Node returns the node instance at the given index.
func (g *Graph) Node(idx int) NodeInstance {
	return g.nodes[idx]
}

// Index returns the arena index for a node id.
func (g *Graph) Index(id string) (int, bool) {
	idx, ok := g.idIndex[id]
	return idx, ok
}

// ConnectionsTo returns the incoming edges of a node; Peer is the source
// index. Order follows edge insertion order.
func (g *Graph) ConnectionsTo(idx int) []IncidentEdge {
	var out []IncidentEdge
	for _, e := range g.edges {
		if e.to == idx {
			out = append(out, IncidentEdge{Peer: e.from, Conn: e.conn})
		}
	}
	return out
}

// ConnectionsFrom returns the outgoing edges of a node; Peer is the target
// index. Order follows edge insertion order.
func (g *Graph) ConnectionsFrom(idx int) []IncidentEdge {
	var out []IncidentEdge
	for _, e := range g.edges {
		if e.from == idx {
			out = append(out, IncidentEdge{Peer: e.to, Conn: e.conn})
		}
	}
	return out
}

// HasVideoFramesEdges reports whether any edge carries the streaming
// VideoFrames type.
func (g *Graph) HasVideoFramesEdges() bool {
	for _, e := range g.edges {
		if e.conn.PortType == node.PortVideoFrames {
			return true
		}
	}
	return false
}

// ExecutionOrder computes a topological order over all nodes using Kahn's
// algorithm. Ties are broken by insertion order so execution, default
// resolution, and debug events are deterministic.
func (g *Graph) ExecutionOrder() ([]int, error) {
	inDegree := make([]int, len(g.nodes))
	for _, e := range g.edges {
		inDegree[e.to]++
	}

	var ready []int
	for idx := range g.nodes {
		if inDegree[idx] == 0 {
			ready = append(ready, idx)
		}
	}

	order := make([]int, 0, len(g.nodes))
	for len(ready) > 0 {
		sort.Ints(ready)
		next := ready[0]
		ready = ready[1:]
		order = append(order, next)

		for _, e := range g.edges {
			if e.from != next {
				continue
			}
			inDegree[e.to]--
			if inDegree[e.to] == 0 {
				ready = append(ready, e.to)
			}
		}
	}

	if len(order) != len(g.nodes) {
		return nil, fmt.Errorf("%w: processed %d/%d nodes", ErrCycle, len(order), len(g.nodes))
	}
	return order, nil
}

// Validate checks the graph against a registry: every node must be
// instantiable and every edge endpoint must name a declared port of the
// matching type. VideoFrames endpoints are matched like any other port.
func (g *Graph) Validate(registry *node.Registry) error {
	ports := make([]portSets, len(g.nodes))
	for idx, instance := range g.nodes {
		n, err := registry.Create(instance.NodeType, instance.Params)
		if err != nil {
			return fmt.Errorf("node '%s': %w", instance.ID, err)
		}
		ports[idx] = portSetsOf(n)
	}

	for _, e := range g.edges {
		srcType, ok := ports[e.from].outputs[e.conn.SourcePort]
		if !ok {
			return fmt.Errorf("%w: node '%s' has no output port %q",
				ErrMissingPort, g.nodes[e.from].ID, e.conn.SourcePort)
		}
		dstType, ok := ports[e.to].inputs[e.conn.TargetPort]
		if !ok {
			return fmt.Errorf("%w: node '%s' has no input port %q",
				ErrMissingPort, g.nodes[e.to].ID, e.conn.TargetPort)
		}
		if srcType != e.conn.PortType || dstType != e.conn.PortType {
			return fmt.Errorf("%w: edge %s.%s -> %s.%s declared %s (source %s, target %s)",
				ErrPortTypeMismatch,
				g.nodes[e.from].ID, e.conn.SourcePort,
				g.nodes[e.to].ID, e.conn.TargetPort,
				e.conn.PortType, srcType, dstType)
		}
	}
	return nil
}

type portSets struct {
	inputs  map[string]node.PortType
	outputs map[string]node.PortType
}

func portSetsOf(n node.Node) portSets {
	ps := portSets{
		inputs:  make(map[string]node.PortType),
		outputs: make(map[string]node.PortType),
	}
	for _, p := range n.InputPorts() {
		ps.inputs[p.Name] = p.PortType
	}
	for _, p := range n.OutputPorts() {
		ps.outputs[p.Name] = p.PortType
	}
	return ps
}
