// Package transform implements the scalar utility nodes: constants, string
// and path manipulation, type coercion, and the Print debug node. These run
// once at compile time and feed parameter plumbing.
package transform

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cast"

	"github.com/upscalarr/upscalarr/internal/node"
)

// ConstantNode emits a fixed value of a declared type.
type ConstantNode struct {
	portType node.PortType
	value    json.RawMessage
}

// ConstantFromParams constructs the node for the registry. Params:
// value (any JSON), value_type (port type name, default Str).
func ConstantFromParams(params map[string]json.RawMessage) (node.Node, error) {
	portType := node.PortStr
	if raw, ok := params["value_type"]; ok {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			return nil, fmt.Errorf("value_type must be a string: %w", err)
		}
		parsed, ok := node.ParsePortType(name)
		if !ok {
			return nil, fmt.Errorf("unsupported value_type %q", name)
		}
		portType = parsed
	}
	return &ConstantNode{portType: portType, value: params["value"]}, nil
}

// NodeType implements node.Node.
func (n *ConstantNode) NodeType() string { return "Constant" }

// InputPorts implements node.Node.
func (n *ConstantNode) InputPorts() []node.PortDefinition { return nil }

// OutputPorts implements node.Node.
func (n *ConstantNode) OutputPorts() []node.PortDefinition {
	return []node.PortDefinition{{Name: "value", PortType: n.portType, Required: true}}
}

// Execute implements node.Node.
func (n *ConstantNode) Execute(_ map[string]node.PortData, _ *node.ExecutionContext) (map[string]node.PortData, error) {
	if n.value == nil {
		return nil, fmt.Errorf("%w: value", node.ErrMissingRequired)
	}
	data, err := node.PortDataFromJSON(n.portType, n.value)
	if err != nil {
		return nil, err
	}
	return map[string]node.PortData{"value": data}, nil
}

// PrintNode passes a string through and triggers a debug value event.
type PrintNode struct{}

// PrintFromParams constructs the node for the registry.
func PrintFromParams(_ map[string]json.RawMessage) (node.Node, error) {
	return &PrintNode{}, nil
}

// NodeType implements node.Node.
func (n *PrintNode) NodeType() string { return "Print" }

// InputPorts implements node.Node.
func (n *PrintNode) InputPorts() []node.PortDefinition {
	return []node.PortDefinition{{Name: "value", PortType: node.PortStr, Required: true}}
}

// OutputPorts implements node.Node.
func (n *PrintNode) OutputPorts() []node.PortDefinition {
	return []node.PortDefinition{{Name: "value", PortType: node.PortStr, Required: true}}
}

// Execute implements node.Node.
func (n *PrintNode) Execute(inputs map[string]node.PortData, _ *node.ExecutionContext) (map[string]node.PortData, error) {
	value, ok := inputs["value"]
	if !ok {
		return nil, fmt.Errorf("%w: value", node.ErrMissingRequired)
	}
	if value.Type != node.PortStr {
		return nil, fmt.Errorf("%w: value must be a Str", node.ErrTypeMismatch)
	}
	return map[string]node.PortData{"value": value.Clone()}, nil
}

// PathDividerNode splits a path into directory, filename, stem, and
// extension.
type PathDividerNode struct{}

// PathDividerFromParams constructs the node for the registry.
func PathDividerFromParams(_ map[string]json.RawMessage) (node.Node, error) {
	return &PathDividerNode{}, nil
}

// NodeType implements node.Node.
func (n *PathDividerNode) NodeType() string { return "PathDivider" }

// InputPorts implements node.Node.
func (n *PathDividerNode) InputPorts() []node.PortDefinition {
	return []node.PortDefinition{{Name: "path", PortType: node.PortPath, Required: true}}
}

// OutputPorts implements node.Node.
func (n *PathDividerNode) OutputPorts() []node.PortDefinition {
	return []node.PortDefinition{
		{Name: "directory", PortType: node.PortPath, Required: true},
		{Name: "filename", PortType: node.PortStr, Required: true},
		{Name: "stem", PortType: node.PortStr, Required: true},
		{Name: "extension", PortType: node.PortStr, Required: true},
	}
}

// Execute implements node.Node.
func (n *PathDividerNode) Execute(inputs map[string]node.PortData, _ *node.ExecutionContext) (map[string]node.PortData, error) {
	path, ok := inputs["path"]
	if !ok {
		return nil, fmt.Errorf("%w: path", node.ErrMissingRequired)
	}
	filename := filepath.Base(path.Path)
	ext := filepath.Ext(filename)
	return map[string]node.PortData{
		"directory": node.PathData(filepath.Dir(path.Path)),
		"filename":  node.StrData(filename),
		"stem":      node.StrData(strings.TrimSuffix(filename, ext)),
		"extension": node.StrData(ext),
	}, nil
}

// PathJoinerNode joins a base path with a segment.
type PathJoinerNode struct{}

// PathJoinerFromParams constructs the node for the registry.
func PathJoinerFromParams(_ map[string]json.RawMessage) (node.Node, error) {
	return &PathJoinerNode{}, nil
}

// NodeType implements node.Node.
func (n *PathJoinerNode) NodeType() string { return "PathJoiner" }

// InputPorts implements node.Node.
func (n *PathJoinerNode) InputPorts() []node.PortDefinition {
	return []node.PortDefinition{
		{Name: "base", PortType: node.PortPath, Required: true},
		{Name: "segment", PortType: node.PortStr, Required: true},
	}
}

// OutputPorts implements node.Node.
func (n *PathJoinerNode) OutputPorts() []node.PortDefinition {
	return []node.PortDefinition{{Name: "path", PortType: node.PortPath, Required: true}}
}

// Execute implements node.Node.
func (n *PathJoinerNode) Execute(inputs map[string]node.PortData, _ *node.ExecutionContext) (map[string]node.PortData, error) {
	base, ok := inputs["base"]
	if !ok {
		return nil, fmt.Errorf("%w: base", node.ErrMissingRequired)
	}
	segment, ok := inputs["segment"]
	if !ok {
		return nil, fmt.Errorf("%w: segment", node.ErrMissingRequired)
	}
	return map[string]node.PortData{
		"path": node.PathData(filepath.Join(base.Path, segment.Str)),
	}, nil
}

// StringReplaceNode replaces every occurrence of a substring.
type StringReplaceNode struct{}

// StringReplaceFromParams constructs the node for the registry.
func StringReplaceFromParams(_ map[string]json.RawMessage) (node.Node, error) {
	return &StringReplaceNode{}, nil
}

// NodeType implements node.Node.
func (n *StringReplaceNode) NodeType() string { return "StringReplace" }

// InputPorts implements node.Node.
func (n *StringReplaceNode) InputPorts() []node.PortDefinition {
	return []node.PortDefinition{
		{Name: "input", PortType: node.PortStr, Required: true},
		{Name: "find", PortType: node.PortStr, Required: true},
		{Name: "replace", PortType: node.PortStr, DefaultValue: json.RawMessage(`""`)},
	}
}

// OutputPorts implements node.Node.
func (n *StringReplaceNode) OutputPorts() []node.PortDefinition {
	return []node.PortDefinition{{Name: "result", PortType: node.PortStr, Required: true}}
}

// Execute implements node.Node.
func (n *StringReplaceNode) Execute(inputs map[string]node.PortData, _ *node.ExecutionContext) (map[string]node.PortData, error) {
	input, ok := inputs["input"]
	if !ok {
		return nil, fmt.Errorf("%w: input", node.ErrMissingRequired)
	}
	find, ok := inputs["find"]
	if !ok {
		return nil, fmt.Errorf("%w: find", node.ErrMissingRequired)
	}
	replace := inputs["replace"]
	return map[string]node.PortData{
		"result": node.StrData(strings.ReplaceAll(input.Str, find.Str, replace.Str)),
	}, nil
}

// StringTemplateNode substitutes {name} placeholders in a template from its
// dynamically declared string inputs.
type StringTemplateNode struct {
	ports []string
}

// StringTemplateFromParams constructs the node for the registry. The
// "ports" param lists the placeholder input names.
func StringTemplateFromParams(params map[string]json.RawMessage) (node.Node, error) {
	var ports []string
	if raw, ok := params["ports"]; ok {
		if err := json.Unmarshal(raw, &ports); err != nil {
			return nil, fmt.Errorf("ports must be an array of strings: %w", err)
		}
	}
	return &StringTemplateNode{ports: ports}, nil
}

// NodeType implements node.Node.
func (n *StringTemplateNode) NodeType() string { return "StringTemplate" }

// InputPorts implements node.Node.
func (n *StringTemplateNode) InputPorts() []node.PortDefinition {
	defs := []node.PortDefinition{
		{Name: "template", PortType: node.PortStr, Required: true},
	}
	for _, name := range n.ports {
		defs = append(defs, node.PortDefinition{Name: name, PortType: node.PortStr, Required: true})
	}
	return defs
}

// OutputPorts implements node.Node.
func (n *StringTemplateNode) OutputPorts() []node.PortDefinition {
	return []node.PortDefinition{{Name: "result", PortType: node.PortStr, Required: true}}
}

// Execute implements node.Node.
func (n *StringTemplateNode) Execute(inputs map[string]node.PortData, _ *node.ExecutionContext) (map[string]node.PortData, error) {
	template, ok := inputs["template"]
	if !ok {
		return nil, fmt.Errorf("%w: template", node.ErrMissingRequired)
	}
	result := template.Str
	for _, name := range n.ports {
		value, ok := inputs[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", node.ErrMissingRequired, name)
		}
		result = strings.ReplaceAll(result, "{"+name+"}", value.Str)
	}
	return map[string]node.PortData{"result": node.StrData(result)}, nil
}

// TypeConversionNode coerces a value between port types.
type TypeConversionNode struct {
	from node.PortType
	to   node.PortType
}

// TypeConversionFromParams constructs the node for the registry. Params:
// from and to (port type names, default Str).
func TypeConversionFromParams(params map[string]json.RawMessage) (node.Node, error) {
	parse := func(key string) (node.PortType, error) {
		if raw, ok := params[key]; ok {
			var name string
			if err := json.Unmarshal(raw, &name); err != nil {
				return "", fmt.Errorf("%s must be a string: %w", key, err)
			}
			parsed, ok := node.ParsePortType(name)
			if !ok {
				return "", fmt.Errorf("unsupported %s type %q", key, name)
			}
			return parsed, nil
		}
		return node.PortStr, nil
	}

	from, err := parse("from")
	if err != nil {
		return nil, err
	}
	to, err := parse("to")
	if err != nil {
		return nil, err
	}
	return &TypeConversionNode{from: from, to: to}, nil
}

// NodeType implements node.Node.
func (n *TypeConversionNode) NodeType() string { return "TypeConversion" }

// InputPorts implements node.Node.
func (n *TypeConversionNode) InputPorts() []node.PortDefinition {
	return []node.PortDefinition{{Name: "value", PortType: n.from, Required: true}}
}

// OutputPorts implements node.Node.
func (n *TypeConversionNode) OutputPorts() []node.PortDefinition {
	return []node.PortDefinition{{Name: "result", PortType: n.to, Required: true}}
}

// Execute implements node.Node.
func (n *TypeConversionNode) Execute(inputs map[string]node.PortData, _ *node.ExecutionContext) (map[string]node.PortData, error) {
	value, ok := inputs["value"]
	if !ok {
		return nil, fmt.Errorf("%w: value", node.ErrMissingRequired)
	}

	raw := nativeValue(value)
	var result node.PortData
	switch n.to {
	case node.PortInt:
		v, err := cast.ToInt64E(raw)
		if err != nil {
			return nil, fmt.Errorf("converting %v to Int: %w", raw, err)
		}
		result = node.IntData(v)
	case node.PortFloat:
		v, err := cast.ToFloat64E(raw)
		if err != nil {
			return nil, fmt.Errorf("converting %v to Float: %w", raw, err)
		}
		result = node.FloatData(v)
	case node.PortBool:
		v, err := cast.ToBoolE(raw)
		if err != nil {
			return nil, fmt.Errorf("converting %v to Bool: %w", raw, err)
		}
		result = node.BoolData(v)
	case node.PortStr:
		v, err := cast.ToStringE(raw)
		if err != nil {
			return nil, fmt.Errorf("converting %v to Str: %w", raw, err)
		}
		result = node.StrData(v)
	case node.PortPath, node.PortWorkflowPath:
		v, err := cast.ToStringE(raw)
		if err != nil {
			return nil, fmt.Errorf("converting %v to Path: %w", raw, err)
		}
		result = node.PathData(v)
	default:
		return nil, fmt.Errorf("unsupported conversion target %q", n.to)
	}
	return map[string]node.PortData{"result": result}, nil
}

func nativeValue(d node.PortData) any {
	switch d.Type {
	case node.PortInt:
		return d.Int
	case node.PortFloat:
		return d.Float
	case node.PortBool:
		return d.Bool
	case node.PortPath, node.PortWorkflowPath:
		return d.Path
	default:
		return d.Str
	}
}
