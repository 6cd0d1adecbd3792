package compile

import (
	"context"
	"errors"
	"fmt"

	"github.com/upscalarr/upscalarr/internal/graph"
	"github.com/upscalarr/upscalarr/internal/node"
	"github.com/upscalarr/upscalarr/internal/pipeline/stream"
)

// ErrContextRequired indicates a VideoFrames graph was executed without a
// compile Context.
var ErrContextRequired = errors.New("VideoFrames pipeline requires a compile context")

// SequentialOptions configures a sequential execution run.
type SequentialOptions struct {
	// Context is required for graphs with VideoFrames edges.
	Context Context

	// Progress observes encoded frames during streaming runs.
	Progress stream.ProgressFunc

	// Debug receives Print-node events (unthrottled).
	Debug DebugCallback

	// BufferSize overrides the streaming channel capacity (default 4).
	BufferSize int
}

// ExecuteSequential runs a graph. Non-streaming graphs execute scalar nodes
// in topological order and return per-node outputs. Graphs with VideoFrames
// edges are compiled and run through the streaming executor; the returned
// output map is empty in that case.
func ExecuteSequential(
	ctx context.Context,
	g *graph.Graph,
	registry *node.Registry,
	opts SequentialOptions,
) (map[string]map[string]node.PortData, error) {
	if err := g.Validate(registry); err != nil {
		return nil, err
	}

	order, err := g.ExecutionOrder()
	if err != nil {
		return nil, err
	}

	if g.HasVideoFramesEdges() {
		if opts.Context == nil {
			return nil, ErrContextRequired
		}
		compiled, err := CompileWithDebugHook(g, registry, opts.Context, opts.Debug)
		if err != nil {
			return nil, err
		}

		bufferSize := opts.BufferSize
		if bufferSize <= 0 {
			bufferSize = stream.DefaultBufferSize
		}
		executor := stream.New(bufferSize)
		if err := executor.ExecutePipelineStages(
			ctx,
			compiled.Source,
			compiled.Stages,
			compiled.Sink,
			compiled.TotalInputFrames,
			compiled.TotalOutputFrames,
			opts.Progress,
		); err != nil {
			return nil, err
		}
		return map[string]map[string]node.PortData{}, nil
	}

	return executeScalarNodes(g, registry, order, nil, node.NewExecutionContext(), opts.Debug)
}

// ExecuteWithParams runs a scalar graph with injected parameters, used for
// workflow-as-function nesting: WorkflowInput nodes receive the params as
// inputs, and the outer context's workflow set and nesting depth carry over.
func ExecuteWithParams(
	g *graph.Graph,
	registry *node.Registry,
	params map[string]node.PortData,
	outerCtx *node.ExecutionContext,
	debug DebugCallback,
) (map[string]map[string]node.PortData, error) {
	if err := g.Validate(registry); err != nil {
		return nil, err
	}

	order, err := g.ExecutionOrder()
	if err != nil {
		return nil, err
	}

	execCtx := node.NewExecutionContext()
	if outerCtx != nil {
		for p := range outerCtx.ExecutingWorkflows {
			execCtx.ExecutingWorkflows[p] = struct{}{}
		}
		execCtx.NestingDepth = outerCtx.NestingDepth
	}

	return executeScalarNodes(g, registry, order, params, execCtx, debug)
}

func executeScalarNodes(
	g *graph.Graph,
	registry *node.Registry,
	order []int,
	workflowParams map[string]node.PortData,
	execCtx *node.ExecutionContext,
	debug DebugCallback,
) (map[string]map[string]node.PortData, error) {
	outputsByNode := make(map[string]map[string]node.PortData)

	for _, idx := range order {
		instance := g.Node(idx)
		n, err := registry.Create(instance.NodeType, instance.Params)
		if err != nil {
			return nil, fmt.Errorf("instantiating node '%s': %w", instance.ID, err)
		}

		inputs, err := resolveInputs(g, registry, idx, outputsByNode)
		if err != nil {
			return nil, err
		}

		// Injected workflow params override node params and defaults, but a
		// connected edge still wins, same precedence as everywhere else.
		if n.NodeType() == "WorkflowInput" {
			edgeBound := make(map[string]struct{})
			for _, e := range g.ConnectionsTo(idx) {
				edgeBound[e.Conn.TargetPort] = struct{}{}
			}
			for key, value := range workflowParams {
				if _, bound := edgeBound[key]; bound {
					continue
				}
				inputs[key] = value.Clone()
			}
		}

		outputs, err := n.Execute(inputs, execCtx)
		if err != nil {
			return nil, node.NewExecuteError(instance.ID, err)
		}
		emitPrintDebugEvent(instance.ID, instance.NodeType, outputs, debug)
		outputsByNode[instance.ID] = outputs
	}

	return outputsByNode, nil
}
