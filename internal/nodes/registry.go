// Package nodes assembles the built-in node set: it builds the default
// registry and provides the production compile context that expands NN
// nodes into micro-stages.
package nodes

import (
	"encoding/json"

	"github.com/upscalarr/upscalarr/internal/node"
	"github.com/upscalarr/upscalarr/internal/nodes/interpolation"
	"github.com/upscalarr/upscalarr/internal/nodes/superres"
	"github.com/upscalarr/upscalarr/internal/nodes/transform"
	"github.com/upscalarr/upscalarr/internal/nodes/videoio"
	"github.com/upscalarr/upscalarr/internal/nodes/workflow"
)

func init() {
	// Nested workflow execution reuses the standard node set.
	workflow.RegistryProvider = BuildDefaultRegistry
}

// RegistryOptions configures the built-in node constructors.
type RegistryOptions struct {
	// TRTCacheDir is handed to NN nodes for TensorRT engine caching.
	TRTCacheDir string
}

// BuildDefaultRegistry registers every built-in node type with default
// options.
func BuildDefaultRegistry() *node.Registry {
	return BuildRegistry(RegistryOptions{})
}

// BuildRegistry registers every built-in node type.
func BuildRegistry(opts RegistryOptions) *node.Registry {
	registry := node.NewRegistry()

	registry.Register(videoio.InputNodeType, videoio.InputFromParams)
	registry.Register(videoio.OutputNodeType, videoio.OutputFromParams)

	registry.Register(superres.NodeType, func(params map[string]json.RawMessage) (node.Node, error) {
		n, err := superres.FromParams(params)
		if err != nil {
			return nil, err
		}
		if opts.TRTCacheDir != "" {
			n.(*superres.Node).SetTRTCacheDir(opts.TRTCacheDir)
		}
		return n, nil
	})
	registry.Register(interpolation.NodeType, func(params map[string]json.RawMessage) (node.Node, error) {
		n, err := interpolation.FromParams(params)
		if err != nil {
			return nil, err
		}
		if opts.TRTCacheDir != "" {
			n.(*interpolation.Node).SetTRTCacheDir(opts.TRTCacheDir)
		}
		return n, nil
	})

	registry.Register("WorkflowInput", workflow.InputFromParams)
	registry.Register("WorkflowOutput", workflow.OutputFromParams)
	registry.Register("Workflow", workflow.FromParams)

	registry.Register("Constant", transform.ConstantFromParams)
	registry.Register("Print", transform.PrintFromParams)
	registry.Register("PathDivider", transform.PathDividerFromParams)
	registry.Register("PathJoiner", transform.PathJoinerFromParams)
	registry.Register("StringReplace", transform.StringReplaceFromParams)
	registry.Register("StringTemplate", transform.StringTemplateFromParams)
	registry.Register("TypeConversion", transform.TypeConversionFromParams)
	registry.Register("Downloader", transform.DownloaderFromParams)
	registry.Register("HttpRequest", transform.HTTPRequestFromParams)

	return registry
}
