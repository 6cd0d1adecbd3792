// Package compile translates a validated dataflow graph into a linear
// streaming pipeline: it classifies nodes into source, processing stages,
// and sink, resolves scalar parameter plumbing in topological order, and
// delegates decoder/encoder/stage construction to a caller-supplied Context.
package compile

import (
	"errors"
	"fmt"

	"github.com/upscalarr/upscalarr/internal/graph"
	"github.com/upscalarr/upscalarr/internal/node"
	"github.com/upscalarr/upscalarr/internal/pipeline/stream"
)

// Compile-time rejection sentinels.
var (
	// ErrNotAVideoPipeline indicates the graph has no VideoFrames edge.
	ErrNotAVideoPipeline = errors.New("graph is not a VideoFrames pipeline")

	// ErrFanIn indicates a node with more than one incoming VideoFrames edge.
	ErrFanIn = errors.New("fan-in detected: only linear pipelines are supported")

	// ErrFanOut indicates a node with more than one outgoing VideoFrames edge.
	ErrFanOut = errors.New("fan-out detected: only linear pipelines are supported")

	// ErrMissingSource indicates no node produces VideoFrames without consuming them.
	ErrMissingSource = errors.New("no source node found in VideoFrames pipeline")

	// ErrMissingSink indicates no node consumes VideoFrames without producing them.
	ErrMissingSink = errors.New("no sink node found in VideoFrames pipeline")

	// ErrMultipleSources indicates more than one source node.
	ErrMultipleSources = errors.New("multiple source nodes detected")

	// ErrMultipleSinks indicates more than one sink node.
	ErrMultipleSinks = errors.New("multiple sink nodes detected")
)

// CompiledPipeline is the executable form handed to the streaming executor.
type CompiledPipeline struct {
	Source stream.FrameSource
	Stages []stream.PipelineStage
	Sink   stream.FrameSink

	// TotalInputFrames is the expected frame count from the source probe.
	TotalInputFrames *uint64

	// TotalOutputFrames is the expected encoded frame count after
	// interpolation expansion; equals TotalInputFrames when no interpolator
	// is present.
	TotalOutputFrames *uint64
}

// Context bridges compiled node instances to concrete decoder, encoder, and
// stage implementations. The caller owns codec and inference concerns; the
// compiler only orchestrates.
type Context interface {
	// CreateDecoder turns the source node and its execute() outputs into a
	// frame source and an optional total input frame count.
	CreateDecoder(n node.Node, outputs map[string]node.PortData) (stream.FrameSource, *uint64, error)

	// CreateEncoder turns the sink node and its execute() outputs into a
	// frame sink.
	CreateEncoder(n node.Node, outputs map[string]node.PortData) (stream.FrameSink, error)

	// CreateStages produces one or more streaming stages for a processing
	// node. This is the extension point that lets a context expand one node
	// into several micro-stages. DefaultStages provides the one-node,
	// one-stage behaviour.
	CreateStages(n node.Node, inputs map[string]node.PortData, isInterpolator bool) ([]stream.PipelineStage, error)

	// IsInterpolatorType reports whether the node type is pair-based.
	IsInterpolatorType(nodeType string) bool

	// TotalOutputFrames returns the pre-computed output frame count, if the
	// context knows one (set by interpolator factories).
	TotalOutputFrames() *uint64
}

// DefaultStages implements the one-node, one-stage mapping: the node itself
// must implement FrameProcessor or stream.FrameInterpolator.
func DefaultStages(n node.Node, isInterpolator bool) ([]stream.PipelineStage, error) {
	if isInterpolator {
		interpolator, ok := n.(stream.FrameInterpolator)
		if !ok {
			return nil, fmt.Errorf("node type %q does not implement FrameInterpolator", n.NodeType())
		}
		return []stream.PipelineStage{stream.InterpolatorStage(interpolator)}, nil
	}
	processor, ok := n.(node.FrameProcessor)
	if !ok {
		return nil, fmt.Errorf("node type %q does not implement FrameProcessor", n.NodeType())
	}
	return []stream.PipelineStage{stream.ProcessorStage(processor)}, nil
}

// Compile translates a graph into a CompiledPipeline.
func Compile(g *graph.Graph, registry *node.Registry, ctx Context) (*CompiledPipeline, error) {
	return CompileWithDebugHook(g, registry, ctx, nil)
}

// CompileWithDebugHook is Compile with an optional per-execute debug event
// callback. The compiler emits Print-node events unthrottled; throttling is
// a concern of the run layer.
func CompileWithDebugHook(g *graph.Graph, registry *node.Registry, ctx Context, debug DebugCallback) (*CompiledPipeline, error) {
	order, err := g.ExecutionOrder()
	if err != nil {
		return nil, err
	}

	if !g.HasVideoFramesEdges() {
		return nil, ErrNotAVideoPipeline
	}

	if err := validateLinearTopology(g, order); err != nil {
		return nil, err
	}

	sourceIdx, sinkIdx := -1, -1
	var processingOrder []int

	for _, idx := range order {
		incoming := countVideoFramesEdges(g.ConnectionsTo(idx))
		outgoing := countVideoFramesEdges(g.ConnectionsFrom(idx))

		switch {
		case incoming == 0 && outgoing > 0:
			if sourceIdx >= 0 {
				return nil, fmt.Errorf("%w: '%s' and '%s'",
					ErrMultipleSources, g.Node(sourceIdx).ID, g.Node(idx).ID)
			}
			sourceIdx = idx
		case incoming > 0 && outgoing == 0:
			if sinkIdx >= 0 {
				return nil, fmt.Errorf("%w: '%s' and '%s'",
					ErrMultipleSinks, g.Node(sinkIdx).ID, g.Node(idx).ID)
			}
			sinkIdx = idx
		case incoming > 0 && outgoing > 0:
			processingOrder = append(processingOrder, idx)
		}
	}

	if sourceIdx < 0 {
		return nil, ErrMissingSource
	}
	if sinkIdx < 0 {
		return nil, ErrMissingSink
	}

	execCtx := node.NewExecutionContext()
	outputsByNode := make(map[string]map[string]node.PortData)

	// Parameter nodes (no VideoFrames edges) run once; their scalar outputs
	// feed downstream input resolution.
	for _, idx := range order {
		incoming := countVideoFramesEdges(g.ConnectionsTo(idx))
		outgoing := countVideoFramesEdges(g.ConnectionsFrom(idx))
		if incoming > 0 || outgoing > 0 {
			continue
		}
		instance := g.Node(idx)
		n, err := registry.Create(instance.NodeType, instance.Params)
		if err != nil {
			return nil, fmt.Errorf("instantiating param node '%s': %w", instance.ID, err)
		}
		inputs, err := resolveInputs(g, registry, idx, outputsByNode)
		if err != nil {
			return nil, err
		}
		outputs, err := n.Execute(inputs, execCtx)
		if err != nil {
			return nil, node.NewExecuteError(instance.ID, err)
		}
		emitPrintDebugEvent(instance.ID, instance.NodeType, outputs, debug)
		outputsByNode[instance.ID] = outputs
	}

	// Source node.
	sourceInstance := g.Node(sourceIdx)
	sourceNode, err := registry.Create(sourceInstance.NodeType, sourceInstance.Params)
	if err != nil {
		return nil, fmt.Errorf("instantiating source node '%s': %w", sourceInstance.ID, err)
	}
	sourceInputs, err := resolveInputs(g, registry, sourceIdx, outputsByNode)
	if err != nil {
		return nil, err
	}
	sourceOutputs, err := sourceNode.Execute(sourceInputs, execCtx)
	if err != nil {
		return nil, node.NewExecuteError(sourceInstance.ID, err)
	}
	emitPrintDebugEvent(sourceInstance.ID, sourceInstance.NodeType, sourceOutputs, debug)

	source, totalFrames, err := ctx.CreateDecoder(sourceNode, sourceOutputs)
	if err != nil {
		return nil, fmt.Errorf("creating decoder for node '%s': %w", sourceInstance.ID, err)
	}
	outputsByNode[sourceInstance.ID] = sourceOutputs

	// Processing nodes, in topological order.
	var stages []stream.PipelineStage
	for _, idx := range processingOrder {
		instance := g.Node(idx)
		n, err := registry.Create(instance.NodeType, instance.Params)
		if err != nil {
			return nil, fmt.Errorf("instantiating node '%s': %w", instance.ID, err)
		}
		inputs, err := resolveInputs(g, registry, idx, outputsByNode)
		if err != nil {
			return nil, err
		}
		outputs, err := n.Execute(inputs, execCtx)
		if err != nil {
			return nil, node.NewExecuteError(instance.ID, err)
		}
		emitPrintDebugEvent(instance.ID, instance.NodeType, outputs, debug)
		outputsByNode[instance.ID] = outputs

		isInterpolator := ctx.IsInterpolatorType(instance.NodeType)
		nodeStages, err := ctx.CreateStages(n, inputs, isInterpolator)
		if err != nil {
			return nil, fmt.Errorf("creating stages for node '%s': %w", instance.ID, err)
		}
		stages = append(stages, nodeStages...)
	}

	// Sink node. Execute failures are fatal: there is no silent fallback
	// to param guessing.
	sinkInstance := g.Node(sinkIdx)
	sinkNode, err := registry.Create(sinkInstance.NodeType, sinkInstance.Params)
	if err != nil {
		return nil, fmt.Errorf("instantiating sink node '%s': %w", sinkInstance.ID, err)
	}
	sinkInputs, err := resolveInputs(g, registry, sinkIdx, outputsByNode)
	if err != nil {
		return nil, err
	}
	sinkOutputs, err := sinkNode.Execute(sinkInputs, execCtx)
	if err != nil {
		return nil, node.NewExecuteError(sinkInstance.ID, err)
	}
	emitPrintDebugEvent(sinkInstance.ID, sinkInstance.NodeType, sinkOutputs, debug)
	outputsByNode[sinkInstance.ID] = sinkOutputs

	sink, err := ctx.CreateEncoder(sinkNode, sinkOutputs)
	if err != nil {
		return nil, fmt.Errorf("creating encoder for node '%s': %w", sinkInstance.ID, err)
	}

	totalOutput := ctx.TotalOutputFrames()
	if totalOutput == nil {
		totalOutput = totalFrames
	}

	return &CompiledPipeline{
		Source:            source,
		Stages:            stages,
		Sink:              sink,
		TotalInputFrames:  totalFrames,
		TotalOutputFrames: totalOutput,
	}, nil
}

// validateLinearTopology rejects fan-in and fan-out on VideoFrames edges.
func validateLinearTopology(g *graph.Graph, order []int) error {
	for _, idx := range order {
		incoming := countVideoFramesEdges(g.ConnectionsTo(idx))
		outgoing := countVideoFramesEdges(g.ConnectionsFrom(idx))
		if incoming > 1 {
			return fmt.Errorf("%w: node '%s' has %d incoming VideoFrames edges",
				ErrFanIn, g.Node(idx).ID, incoming)
		}
		if outgoing > 1 {
			return fmt.Errorf("%w: node '%s' has %d outgoing VideoFrames edges",
				ErrFanOut, g.Node(idx).ID, outgoing)
		}
	}
	return nil
}

func countVideoFramesEdges(edges []graph.IncidentEdge) int {
	count := 0
	for _, e := range edges {
		if e.Conn.PortType == node.PortVideoFrames {
			count++
		}
	}
	return count
}

// resolveInputs builds the scalar input map for a node. Precedence is
// identical in all execution paths: edge > node params > port default >
// error (for required ports).
func resolveInputs(
	g *graph.Graph,
	registry *node.Registry,
	idx int,
	outputsByNode map[string]map[string]node.PortData,
) (map[string]node.PortData, error) {
	instance := g.Node(idx)
	n, err := registry.Create(instance.NodeType, instance.Params)
	if err != nil {
		return nil, fmt.Errorf("instantiating node '%s' for input resolution: %w", instance.ID, err)
	}

	inputs := make(map[string]node.PortData)

	for _, e := range g.ConnectionsTo(idx) {
		// VideoFrames connections flow through the streaming pipeline, not
		// through execute() parameter passing.
		if e.Conn.PortType == node.PortVideoFrames {
			continue
		}

		sourceID := g.Node(e.Peer).ID
		sourceOutputs, ok := outputsByNode[sourceID]
		if !ok {
			return nil, fmt.Errorf("missing outputs for upstream node '%s'", sourceID)
		}
		data, ok := sourceOutputs[e.Conn.SourcePort]
		if !ok {
			return nil, fmt.Errorf("upstream node '%s' did not produce output '%s'",
				sourceID, e.Conn.SourcePort)
		}
		inputs[e.Conn.TargetPort] = data.Clone()
	}

	for _, port := range n.InputPorts() {
		if _, present := inputs[port.Name]; present {
			continue
		}

		if paramValue, ok := instance.Params[port.Name]; ok {
			decoded, err := node.PortDataFromJSON(port.PortType, paramValue)
			if err != nil {
				return nil, fmt.Errorf("failed to decode param value for '%s.%s': %w",
					instance.ID, port.Name, err)
			}
			inputs[port.Name] = decoded
			continue
		}

		if port.DefaultValue != nil {
			decoded, err := node.PortDataFromJSON(port.PortType, port.DefaultValue)
			if err != nil {
				return nil, fmt.Errorf("failed to decode default value for '%s.%s': %w",
					instance.ID, port.Name, err)
			}
			inputs[port.Name] = decoded
			continue
		}

		if port.Required && port.PortType != node.PortVideoFrames {
			return nil, fmt.Errorf("%w: '%s.%s'", node.ErrMissingRequired, instance.ID, port.Name)
		}
	}

	return inputs, nil
}
