// Package workflow implements workflow-as-function: WorkflowInput exposes
// injected parameters, WorkflowOutput collects results, and Workflow loads
// and executes a nested workflow document with circular-reference detection
// and a nesting-depth limit.
package workflow

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/upscalarr/upscalarr/internal/graph"
	"github.com/upscalarr/upscalarr/internal/node"
	"github.com/upscalarr/upscalarr/internal/pipeline/compile"
)

// MaxNestingDepth bounds nested workflow execution.
const MaxNestingDepth = 10

// RegistryProvider supplies the registry used for nested workflow
// execution. Installed by the nodes package to avoid an import cycle.
var RegistryProvider func() *node.Registry

// InputNode is the entry point of a parameterized workflow. Its output
// ports are configured dynamically; values come from injected params,
// node params, or port defaults.
type InputNode struct {
	ports    []node.PortDefinition
	injected map[string]json.RawMessage
}

// NewInput creates a WorkflowInput with no ports.
func NewInput() *InputNode {
	return &InputNode{injected: map[string]json.RawMessage{}}
}

// NewInputWithPorts creates a WorkflowInput with explicit ports.
func NewInputWithPorts(ports []node.PortDefinition) *InputNode {
	return &InputNode{ports: ports, injected: map[string]json.RawMessage{}}
}

// InputFromParams constructs the node for the registry. The "ports" param
// declares the port list; every other param is an injected value.
func InputFromParams(params map[string]json.RawMessage) (node.Node, error) {
	n := NewInput()
	if raw, ok := params["ports"]; ok {
		ports, err := parsePortDefinitions(raw)
		if err != nil {
			return nil, err
		}
		n.ports = ports
	}
	for key, value := range params {
		if key == "ports" {
			continue
		}
		n.injected[key] = value
	}
	return n, nil
}

// NodeType implements node.Node.
func (n *InputNode) NodeType() string { return "WorkflowInput" }

// InputPorts implements node.Node.
func (n *InputNode) InputPorts() []node.PortDefinition { return nil }

// OutputPorts implements node.Node.
func (n *InputNode) OutputPorts() []node.PortDefinition { return n.ports }

// Execute implements node.Node: each declared port resolves from the
// injected inputs, then injected params, then the port default.
func (n *InputNode) Execute(inputs map[string]node.PortData, _ *node.ExecutionContext) (map[string]node.PortData, error) {
	outputs := make(map[string]node.PortData, len(n.ports))
	for _, port := range n.ports {
		if data, ok := inputs[port.Name]; ok {
			outputs[port.Name] = data.Clone()
			continue
		}
		if raw, ok := n.injected[port.Name]; ok {
			data, err := node.PortDataFromJSON(port.PortType, raw)
			if err != nil {
				return nil, fmt.Errorf("parsing injected value for port %q: %w", port.Name, err)
			}
			outputs[port.Name] = data
			continue
		}
		if port.DefaultValue != nil {
			data, err := node.PortDataFromJSON(port.PortType, port.DefaultValue)
			if err != nil {
				return nil, fmt.Errorf("parsing default for port %q: %w", port.Name, err)
			}
			outputs[port.Name] = data
			continue
		}
		return nil, fmt.Errorf("%w: port %q has no value and no default", node.ErrMissingRequired, port.Name)
	}
	return outputs, nil
}

// OutputNode is the exit point of a parameterized workflow; it collects its
// inputs as the workflow's results.
type OutputNode struct {
	ports []node.PortDefinition
}

// NewOutput creates a WorkflowOutput with no ports.
func NewOutput() *OutputNode {
	return &OutputNode{}
}

// NewOutputWithPorts creates a WorkflowOutput with explicit ports.
func NewOutputWithPorts(ports []node.PortDefinition) *OutputNode {
	return &OutputNode{ports: ports}
}

// OutputFromParams constructs the node for the registry.
func OutputFromParams(params map[string]json.RawMessage) (node.Node, error) {
	n := NewOutput()
	if raw, ok := params["ports"]; ok {
		ports, err := parsePortDefinitions(raw)
		if err != nil {
			return nil, err
		}
		n.ports = ports
	}
	return n, nil
}

// NodeType implements node.Node.
func (n *OutputNode) NodeType() string { return "WorkflowOutput" }

// InputPorts implements node.Node.
func (n *OutputNode) InputPorts() []node.PortDefinition { return n.ports }

// OutputPorts implements node.Node.
func (n *OutputNode) OutputPorts() []node.PortDefinition { return nil }

// Execute implements node.Node.
func (n *OutputNode) Execute(inputs map[string]node.PortData, _ *node.ExecutionContext) (map[string]node.PortData, error) {
	results := make(map[string]node.PortData)
	for _, port := range n.ports {
		if data, ok := inputs[port.Name]; ok {
			results[port.Name] = data.Clone()
		}
	}
	return results, nil
}

// Node executes a nested workflow document as a single node. Input ports
// map to the inner WorkflowInput; output ports collect from the inner
// WorkflowOutput.
type Node struct {
	workflowPath     string
	interfaceInputs  []node.PortDefinition
	interfaceOutputs []node.PortDefinition
}

// FromParams constructs the node for the registry. Params: workflow_path,
// interface_inputs, interface_outputs.
func FromParams(params map[string]json.RawMessage) (node.Node, error) {
	n := &Node{}
	if raw, ok := params["workflow_path"]; ok {
		if err := json.Unmarshal(raw, &n.workflowPath); err != nil {
			return nil, fmt.Errorf("workflow_path must be a string: %w", err)
		}
	}
	if raw, ok := params["interface_inputs"]; ok {
		ports, err := parsePortDefinitions(raw)
		if err != nil {
			return nil, err
		}
		n.interfaceInputs = ports
	}
	if raw, ok := params["interface_outputs"]; ok {
		ports, err := parsePortDefinitions(raw)
		if err != nil {
			return nil, err
		}
		n.interfaceOutputs = ports
	}
	return n, nil
}

// NodeType implements node.Node.
func (n *Node) NodeType() string { return "Workflow" }

// InputPorts implements node.Node. workflow_path is a config param, not a
// connection port.
func (n *Node) InputPorts() []node.PortDefinition { return n.interfaceInputs }

// OutputPorts implements node.Node.
func (n *Node) OutputPorts() []node.PortDefinition { return n.interfaceOutputs }

// Execute loads the nested workflow, runs it with the node's inputs as
// parameters, and collects the interface outputs.
func (n *Node) Execute(inputs map[string]node.PortData, ctx *node.ExecutionContext) (map[string]node.PortData, error) {
	if n.workflowPath == "" {
		return nil, fmt.Errorf("workflow_path is empty")
	}
	if ctx == nil {
		ctx = node.NewExecutionContext()
	}
	if ctx.NestingDepth >= MaxNestingDepth {
		return nil, fmt.Errorf("maximum workflow nesting depth (%d) exceeded executing %q",
			MaxNestingDepth, n.workflowPath)
	}
	if _, executing := ctx.ExecutingWorkflows[n.workflowPath]; executing {
		return nil, fmt.Errorf("circular workflow reference detected: %q is already executing", n.workflowPath)
	}

	raw, err := os.ReadFile(n.workflowPath)
	if err != nil {
		return nil, fmt.Errorf("reading workflow %q: %w", n.workflowPath, err)
	}
	g, _, err := graph.ParseDocument(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing workflow %q: %w", n.workflowPath, err)
	}

	if RegistryProvider == nil {
		return nil, fmt.Errorf("no workflow registry provider installed")
	}
	registry := RegistryProvider()

	innerCtx := ctx.ChildContext(n.workflowPath)
	params := make(map[string]node.PortData, len(inputs))
	for key, value := range inputs {
		params[key] = value.Clone()
	}

	outputs, err := compile.ExecuteWithParams(g, registry, params, innerCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("executing workflow %q: %w", n.workflowPath, err)
	}

	results := make(map[string]node.PortData)
	for _, nodeOutputs := range outputs {
		for portName, data := range nodeOutputs {
			for _, p := range n.interfaceOutputs {
				if p.Name == portName {
					results[portName] = data.Clone()
				}
			}
		}
	}
	return results, nil
}

// parsePortDefinitions decodes a JSON port list. VideoFrames ports cannot
// be declared through scalar interfaces and are skipped.
func parsePortDefinitions(raw json.RawMessage) ([]node.PortDefinition, error) {
	var entries []struct {
		Name         string          `json:"name"`
		PortType     string          `json:"port_type"`
		DefaultValue json.RawMessage `json:"default_value"`
	}
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parsing port definitions: %w", err)
	}
	ports := make([]node.PortDefinition, 0, len(entries))
	for _, e := range entries {
		portType, ok := node.ParsePortType(e.PortType)
		if !ok {
			continue
		}
		ports = append(ports, node.PortDefinition{
			Name:         e.Name,
			PortType:     portType,
			Required:     false,
			DefaultValue: e.DefaultValue,
		})
	}
	return ports, nil
}
