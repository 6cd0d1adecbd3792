// Package videoio implements the VideoInput and VideoOutput graph nodes.
// They carry the scalar plumbing for media I/O: probing metadata on the
// way in, encoder settings on the way out. The codec subprocess work itself
// lives behind the codec package's factory interfaces.
package videoio

import (
	"encoding/json"
	"fmt"

	"github.com/upscalarr/upscalarr/internal/node"
)

// Node type keys.
const (
	InputNodeType  = "VideoInput"
	OutputNodeType = "VideoOutput"
)

// Prober inspects a media file and returns its metadata. The production
// prober shells out to ffprobe and is installed by the calling layer; the
// default returns a minimal record so scalar execution works without media
// tooling present.
type Prober interface {
	Probe(path string) (*node.MediaMetadata, error)
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(path string) (*node.MediaMetadata, error)

// Probe implements Prober.
func (f ProberFunc) Probe(path string) (*node.MediaMetadata, error) { return f(path) }

var defaultProber Prober = ProberFunc(func(path string) (*node.MediaMetadata, error) {
	return &node.MediaMetadata{SourcePath: path}, nil
})

// SetProber installs the process-wide media prober.
func SetProber(p Prober) {
	if p != nil {
		defaultProber = p
	}
}

// InputNode is the pipeline's video source node.
type InputNode struct {
	prober Prober
}

// NewInput creates a VideoInput node using the installed prober.
func NewInput() *InputNode {
	return &InputNode{prober: defaultProber}
}

// InputFromParams constructs the node for the registry.
func InputFromParams(_ map[string]json.RawMessage) (node.Node, error) {
	return NewInput(), nil
}

// NodeType implements node.Node.
func (n *InputNode) NodeType() string { return InputNodeType }

// InputPorts implements node.Node.
func (n *InputNode) InputPorts() []node.PortDefinition {
	return []node.PortDefinition{
		{Name: "path", PortType: node.PortPath, Required: true},
	}
}

// OutputPorts implements node.Node.
func (n *InputNode) OutputPorts() []node.PortDefinition {
	return []node.PortDefinition{
		{Name: "frames", PortType: node.PortVideoFrames, Required: true},
		{Name: "metadata", PortType: node.PortMetadata, Required: false},
		{Name: "source_path", PortType: node.PortPath, Required: false},
	}
}

// Execute probes the source file and exposes its metadata and path for
// downstream parameter plumbing.
func (n *InputNode) Execute(inputs map[string]node.PortData, _ *node.ExecutionContext) (map[string]node.PortData, error) {
	path, ok := inputs["path"]
	if !ok {
		return nil, fmt.Errorf("%w: path", node.ErrMissingRequired)
	}
	if path.Type != node.PortPath {
		return nil, fmt.Errorf("%w: path must be a Path", node.ErrTypeMismatch)
	}

	metadata, err := n.prober.Probe(path.Path)
	if err != nil {
		return nil, fmt.Errorf("probing %q: %w", path.Path, err)
	}

	return map[string]node.PortData{
		"metadata":    node.MetadataData(metadata),
		"source_path": node.PathData(path.Path),
	}, nil
}

// OutputNode is the pipeline's video sink node.
type OutputNode struct{}

// NewOutput creates a VideoOutput node.
func NewOutput() *OutputNode {
	return &OutputNode{}
}

// OutputFromParams constructs the node for the registry.
func OutputFromParams(_ map[string]json.RawMessage) (node.Node, error) {
	return NewOutput(), nil
}

// NodeType implements node.Node.
func (n *OutputNode) NodeType() string { return OutputNodeType }

// InputPorts implements node.Node.
func (n *OutputNode) InputPorts() []node.PortDefinition {
	return []node.PortDefinition{
		{Name: "frames", PortType: node.PortVideoFrames, Required: true},
		{Name: "source_path", PortType: node.PortPath, Required: false},
		{Name: "metadata", PortType: node.PortMetadata, Required: false},
		{Name: "output_path", PortType: node.PortPath, Required: true},
		{Name: "codec", PortType: node.PortStr, DefaultValue: json.RawMessage(`"libx264"`)},
		{Name: "crf", PortType: node.PortInt, DefaultValue: json.RawMessage(`18`)},
		{Name: "pixel_format", PortType: node.PortStr, DefaultValue: json.RawMessage(`"yuv420p"`)},
		{Name: "width", PortType: node.PortInt, Required: false},
		{Name: "height", PortType: node.PortInt, Required: false},
		{Name: "fps", PortType: node.PortStr, Required: false},
	}
}

// OutputPorts implements node.Node.
func (n *OutputNode) OutputPorts() []node.PortDefinition {
	return []node.PortDefinition{
		{Name: "output_path", PortType: node.PortPath, Required: true},
	}
}

// Execute validates the encoder settings and passes them through for the
// encoder factory. The settings travel on the outputs map so the factory
// sees resolved values, not raw params.
func (n *OutputNode) Execute(inputs map[string]node.PortData, _ *node.ExecutionContext) (map[string]node.PortData, error) {
	outputPath, ok := inputs["output_path"]
	if !ok {
		return nil, fmt.Errorf("%w: output_path", node.ErrMissingRequired)
	}
	if outputPath.Type != node.PortPath {
		return nil, fmt.Errorf("%w: output_path must be a Path", node.ErrTypeMismatch)
	}

	outputs := map[string]node.PortData{
		"output_path": outputPath.Clone(),
	}
	for _, name := range []string{"source_path", "metadata", "codec", "crf", "pixel_format", "width", "height", "fps"} {
		if v, ok := inputs[name]; ok {
			outputs[name] = v.Clone()
		}
	}
	return outputs, nil
}
