package nodes

import (
	"fmt"

	"github.com/upscalarr/upscalarr/internal/codec"
	"github.com/upscalarr/upscalarr/internal/graph"
	"github.com/upscalarr/upscalarr/internal/node"
	"github.com/upscalarr/upscalarr/internal/nodes/interpolation"
	"github.com/upscalarr/upscalarr/internal/nodes/superres"
	"github.com/upscalarr/upscalarr/internal/pipeline/compile"
	"github.com/upscalarr/upscalarr/internal/pipeline/stream"
)

// VideoContextOptions configures the production compile context.
type VideoContextOptions struct {
	// SplitMicroStages expands eligible NN nodes into preprocess /
	// inference / postprocess stages for CPU/GPU overlap.
	SplitMicroStages bool

	// TensorPassthrough lets adjacent NN stages exchange tensors directly,
	// skipping the CPU RGB round-trip between them.
	TensorPassthrough bool
}

// VideoContext is the compile.Context used for real video pipelines. It
// bridges source/sink nodes to the codec factories and expands NN nodes
// into micro-stages where eligible.
type VideoContext struct {
	decoders codec.DecoderFactory
	encoders codec.EncoderFactory
	opts     VideoContextOptions

	// processingTypes is the VideoFrames processing-node type sequence in
	// topological order; cursor tracks CreateStages calls so each node can
	// see its downstream neighbour for tensor pass-through decisions.
	processingTypes []string
	cursor          int

	totalInput  *uint64
	totalOutput *uint64
}

// NewVideoContext builds a context for one compilation of g.
func NewVideoContext(g *graph.Graph, decoders codec.DecoderFactory, encoders codec.EncoderFactory, opts VideoContextOptions) (*VideoContext, error) {
	order, err := g.ExecutionOrder()
	if err != nil {
		return nil, err
	}

	var types []string
	for _, idx := range order {
		incoming := countVF(g.ConnectionsTo(idx))
		outgoing := countVF(g.ConnectionsFrom(idx))
		if incoming > 0 && outgoing > 0 {
			types = append(types, g.Node(idx).NodeType)
		}
	}

	return &VideoContext{
		decoders:        decoders,
		encoders:        encoders,
		opts:            opts,
		processingTypes: types,
	}, nil
}

func countVF(edges []graph.IncidentEdge) int {
	count := 0
	for _, e := range edges {
		if e.Conn.PortType == node.PortVideoFrames {
			count++
		}
	}
	return count
}

// CreateDecoder implements compile.Context.
func (c *VideoContext) CreateDecoder(n node.Node, outputs map[string]node.PortData) (stream.FrameSource, *uint64, error) {
	source, total, err := c.decoders.OpenDecoder(n, outputs)
	if err != nil {
		return nil, nil, err
	}
	c.totalInput = total
	return source, total, nil
}

// CreateEncoder implements compile.Context.
func (c *VideoContext) CreateEncoder(n node.Node, outputs map[string]node.PortData) (stream.FrameSink, error) {
	return c.encoders.OpenEncoder(n, outputs)
}

// IsInterpolatorType implements compile.Context.
func (c *VideoContext) IsInterpolatorType(nodeType string) bool {
	return nodeType == interpolation.NodeType
}

// TotalOutputFrames implements compile.Context.
func (c *VideoContext) TotalOutputFrames() *uint64 {
	return c.totalOutput
}

// nextProcessingType peeks at the type of the stage after the current one.
func (c *VideoContext) nextProcessingType() string {
	if c.cursor+1 < len(c.processingTypes) {
		return c.processingTypes[c.cursor+1]
	}
	return ""
}

// CreateStages implements compile.Context. SuperResolution nodes with an
// FP16 model and no tiling split into three micro-stages; FrameInterpolation
// nodes with a concatenated-format model do the same. With tensor
// pass-through enabled, a SuperResolution postprocess stage feeding directly
// into FrameInterpolation is dropped and the interpolation preprocess
// consumes the tensor; a FrameInterpolation postprocess feeding
// SuperResolution is kept and emits a tensor instead of RGB. Unsplit nodes
// get their emit-tensor flag set instead (SuperResolution only with an FP16
// model and no tiling).
func (c *VideoContext) CreateStages(n node.Node, inputs map[string]node.PortData, isInterpolator bool) ([]stream.PipelineStage, error) {
	defer func() { c.cursor++ }()

	switch typed := n.(type) {
	case *superres.Node:
		return c.superResStages(typed), nil
	case *interpolation.Node:
		return c.interpolationStages(typed), nil
	default:
		return compile.DefaultStages(n, isInterpolator)
	}
}

func (c *VideoContext) superResStages(n *superres.Node) []stream.PipelineStage {
	passthrough := c.opts.TensorPassthrough && c.nextProcessingType() == interpolation.NodeType

	if c.opts.SplitMicroStages {
		if micro := n.IntoMicroStages(); micro != nil {
			stages := []stream.PipelineStage{
				stream.ProcessorStage(micro.Preprocess),
				stream.ProcessorStage(micro.Inference),
			}
			if !passthrough {
				// The downstream interpolation preprocess consumes NchwF16
				// directly; converting back to RGB here would waste the lap.
				stages = append(stages, stream.ProcessorStage(micro.Postprocess))
			}
			return stages
		}
	}

	if passthrough && n.IsFP16() && n.TileSize() == 0 {
		n.SetEmitTensor(true)
	}
	return []stream.PipelineStage{stream.ProcessorStage(n)}
}

func (c *VideoContext) interpolationStages(n *interpolation.Node) []stream.PipelineStage {
	c.recordInterpolatorTotals(n.Multiplier())

	passthrough := c.opts.TensorPassthrough && c.nextProcessingType() == superres.NodeType

	if c.opts.SplitMicroStages {
		if micro := n.IntoMicroStages(); micro != nil {
			micro.Postprocess.EmitTensor = passthrough
			return []stream.PipelineStage{
				stream.ProcessorStage(micro.Preprocess),
				stream.InterpolatorStage(micro.Inference),
				stream.ProcessorStage(micro.Postprocess),
			}
		}
	}

	if passthrough {
		n.SetEmitTensor(true)
	}
	return []stream.PipelineStage{stream.InterpolatorStage(n)}
}

// recordInterpolatorTotals pre-computes the expected output frame count:
// (total_in - 1) * multiplier + 1.
func (c *VideoContext) recordInterpolatorTotals(multiplier int) {
	if c.totalInput == nil {
		return
	}
	in := *c.totalInput
	if in == 0 {
		zero := uint64(0)
		c.totalOutput = &zero
		return
	}
	out := (in-1)*uint64(multiplier) + 1
	c.totalOutput = &out
}

// Ensure VideoContext implements compile.Context.
var _ compile.Context = (*VideoContext)(nil)

// DescribeStages renders the processing-type sequence, used in logs.
func (c *VideoContext) DescribeStages() string {
	return fmt.Sprintf("%v", c.processingTypes)
}
