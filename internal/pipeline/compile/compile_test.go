package compile

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upscalarr/upscalarr/internal/frame"
	"github.com/upscalarr/upscalarr/internal/graph"
	"github.com/upscalarr/upscalarr/internal/node"
	"github.com/upscalarr/upscalarr/internal/pipeline/stream"
)

// ---------------------------------------------------------------------------
// Mock nodes
// ---------------------------------------------------------------------------

type mockVideoNode struct {
	nodeType string
	inputs   []node.PortDefinition
	outputs  []node.PortDefinition
	execErr  error
}

func (n *mockVideoNode) NodeType() string                   { return n.nodeType }
func (n *mockVideoNode) InputPorts() []node.PortDefinition  { return n.inputs }
func (n *mockVideoNode) OutputPorts() []node.PortDefinition { return n.outputs }
func (n *mockVideoNode) Execute(_ map[string]node.PortData, _ *node.ExecutionContext) (map[string]node.PortData, error) {
	if n.execErr != nil {
		return nil, n.execErr
	}
	return map[string]node.PortData{}, nil
}

func (n *mockVideoNode) ProcessFrame(f frame.Frame, _ *node.ExecutionContext) (frame.Frame, error) {
	return f, nil
}

func framesPort() node.PortDefinition {
	return node.PortDefinition{Name: "frames", PortType: node.PortVideoFrames, Required: true}
}

func newMockSource() *mockVideoNode {
	return &mockVideoNode{
		nodeType: "mock_source",
		outputs:  []node.PortDefinition{framesPort()},
	}
}

func newMockProcessor() *mockVideoNode {
	return &mockVideoNode{
		nodeType: "mock_processor",
		inputs:   []node.PortDefinition{framesPort()},
		outputs:  []node.PortDefinition{framesPort()},
	}
}

func newMockInterpolator() *mockVideoNode {
	return &mockVideoNode{
		nodeType: "mock_interpolator",
		inputs:   []node.PortDefinition{framesPort()},
		outputs:  []node.PortDefinition{framesPort()},
	}
}

func newMockSink(execErr error) *mockVideoNode {
	return &mockVideoNode{
		nodeType: "mock_sink",
		inputs:   []node.PortDefinition{framesPort()},
		execErr:  execErr,
	}
}

// intOnlyNode is a scalar node with one Int input and/or output.
type intOnlyNode struct {
	nodeTypeName string
	hasInput     bool
	hasOutput    bool
}

func (n *intOnlyNode) NodeType() string { return n.nodeTypeName }
func (n *intOnlyNode) InputPorts() []node.PortDefinition {
	if !n.hasInput {
		return nil
	}
	return []node.PortDefinition{{Name: "in", PortType: node.PortInt, Required: true}}
}
func (n *intOnlyNode) OutputPorts() []node.PortDefinition {
	if !n.hasOutput {
		return nil
	}
	return []node.PortDefinition{{Name: "out", PortType: node.PortInt, Required: true}}
}
func (n *intOnlyNode) Execute(inputs map[string]node.PortData, _ *node.ExecutionContext) (map[string]node.PortData, error) {
	out := map[string]node.PortData{}
	if n.hasOutput {
		var v int64
		if in, ok := inputs["in"]; ok {
			v = in.Int
		}
		out["out"] = node.IntData(v)
	}
	return out, nil
}

// printCompileNode mirrors the Print node in each of the four execution
// roles: param, source, processing, sink.
type printCompileNode struct {
	role         string
	defaultValue string
}

func (n *printCompileNode) NodeType() string { return "Print" }

func (n *printCompileNode) InputPorts() []node.PortDefinition {
	value := node.PortDefinition{Name: "value", PortType: node.PortStr, Required: true}
	switch n.role {
	case "param":
		return nil
	case "source":
		return []node.PortDefinition{value}
	default:
		return []node.PortDefinition{framesPort(), value}
	}
}

func (n *printCompileNode) OutputPorts() []node.PortDefinition {
	value := node.PortDefinition{Name: "value", PortType: node.PortStr, Required: true}
	switch n.role {
	case "param":
		return []node.PortDefinition{value}
	case "sink":
		return []node.PortDefinition{value}
	default:
		return []node.PortDefinition{framesPort(), value}
	}
}

func (n *printCompileNode) Execute(inputs map[string]node.PortData, _ *node.ExecutionContext) (map[string]node.PortData, error) {
	value := n.defaultValue
	if v, ok := inputs["value"]; ok && v.Type == node.PortStr {
		value = v.Str
	}
	return map[string]node.PortData{"value": node.StrData(value)}, nil
}

func (n *printCompileNode) ProcessFrame(f frame.Frame, _ *node.ExecutionContext) (frame.Frame, error) {
	return f, nil
}

// precedenceProbeNode has one optional Int input with a default of 3.
type precedenceProbeNode struct{}

func (n *precedenceProbeNode) NodeType() string { return "precedence_probe" }
func (n *precedenceProbeNode) InputPorts() []node.PortDefinition {
	return []node.PortDefinition{{
		Name:         "value",
		PortType:     node.PortInt,
		Required:     false,
		DefaultValue: json.RawMessage(`3`),
	}}
}
func (n *precedenceProbeNode) OutputPorts() []node.PortDefinition {
	return []node.PortDefinition{{Name: "result", PortType: node.PortInt, Required: true}}
}
func (n *precedenceProbeNode) Execute(inputs map[string]node.PortData, _ *node.ExecutionContext) (map[string]node.PortData, error) {
	v, ok := inputs["value"]
	if !ok {
		return nil, errors.New("expected integer input on port 'value'")
	}
	return map[string]node.PortData{"result": node.IntData(v.Int)}, nil
}

// inputNode emits a configured integer.
type inputNode struct {
	value int64
}

func (n *inputNode) NodeType() string                  { return "input" }
func (n *inputNode) InputPorts() []node.PortDefinition { return nil }
func (n *inputNode) OutputPorts() []node.PortDefinition {
	return []node.PortDefinition{{Name: "out", PortType: node.PortInt, Required: true}}
}
func (n *inputNode) Execute(_ map[string]node.PortData, _ *node.ExecutionContext) (map[string]node.PortData, error) {
	return map[string]node.PortData{"out": node.IntData(n.value)}, nil
}

// ---------------------------------------------------------------------------
// Registry / context fixtures
// ---------------------------------------------------------------------------

func buildVideoRegistry() *node.Registry {
	registry := node.NewRegistry()
	registry.Register("mock_source", func(_ map[string]json.RawMessage) (node.Node, error) {
		return newMockSource(), nil
	})
	registry.Register("mock_processor", func(_ map[string]json.RawMessage) (node.Node, error) {
		return newMockProcessor(), nil
	})
	registry.Register("mock_interpolator", func(_ map[string]json.RawMessage) (node.Node, error) {
		return newMockInterpolator(), nil
	})
	registry.Register("mock_sink", func(_ map[string]json.RawMessage) (node.Node, error) {
		return newMockSink(nil), nil
	})
	registry.Register("failing_sink", func(_ map[string]json.RawMessage) (node.Node, error) {
		sink := newMockSink(errors.New("sink refused to execute"))
		sink.nodeType = "failing_sink"
		return sink, nil
	})
	registry.Register("int_source", func(_ map[string]json.RawMessage) (node.Node, error) {
		return &intOnlyNode{nodeTypeName: "int_source", hasOutput: true}, nil
	})
	registry.Register("int_process", func(_ map[string]json.RawMessage) (node.Node, error) {
		return &intOnlyNode{nodeTypeName: "int_process", hasInput: true, hasOutput: true}, nil
	})
	registry.Register("int_sink", func(_ map[string]json.RawMessage) (node.Node, error) {
		return &intOnlyNode{nodeTypeName: "int_sink", hasInput: true}, nil
	})
	registry.Register("precedence_probe", func(_ map[string]json.RawMessage) (node.Node, error) {
		return &precedenceProbeNode{}, nil
	})
	registry.Register("input", func(params map[string]json.RawMessage) (node.Node, error) {
		var value int64
		if raw, ok := params["value"]; ok {
			if err := json.Unmarshal(raw, &value); err != nil {
				return nil, err
			}
		}
		return &inputNode{value: value}, nil
	})
	registry.Register("Print", func(params map[string]json.RawMessage) (node.Node, error) {
		role := "processing"
		if raw, ok := params["role"]; ok {
			_ = json.Unmarshal(raw, &role)
		}
		defaultValue := "print-default"
		if raw, ok := params["default_value"]; ok {
			_ = json.Unmarshal(raw, &defaultValue)
		}
		return &printCompileNode{role: role, defaultValue: defaultValue}, nil
	})
	return registry
}

// collectSink records frame first bytes.
type collectSink struct {
	values   []byte
	finished int
}

func (s *collectSink) WriteFrame(f *frame.Frame) error {
	s.values = append(s.values, f.Bytes[0])
	return nil
}

func (s *collectSink) Finish() error {
	s.finished++
	return nil
}

// memSource yields n index frames.
type memSource struct {
	total int
	next  int
}

func (s *memSource) Next() (stream.SourceFrame, bool, error) {
	if s.next >= s.total {
		return stream.SourceFrame{}, false, nil
	}
	v := byte(s.next)
	s.next++
	return stream.SourceFrame{Frame: frame.NewCPURGB([]byte{v, v, v}, 1, 1, 8)}, true, nil
}

// mockCompileContext serves in-memory frames and pass-through stages.
type mockCompileContext struct {
	numFrames int
	sink      *collectSink
}

func newMockCompileContext(numFrames int) *mockCompileContext {
	return &mockCompileContext{numFrames: numFrames, sink: &collectSink{}}
}

func (c *mockCompileContext) CreateDecoder(_ node.Node, _ map[string]node.PortData) (stream.FrameSource, *uint64, error) {
	total := uint64(c.numFrames)
	return &memSource{total: c.numFrames}, &total, nil
}

func (c *mockCompileContext) CreateEncoder(_ node.Node, _ map[string]node.PortData) (stream.FrameSink, error) {
	return c.sink, nil
}

func (c *mockCompileContext) CreateStages(n node.Node, _ map[string]node.PortData, isInterpolator bool) ([]stream.PipelineStage, error) {
	if isInterpolator {
		return []stream.PipelineStage{stream.InterpolatorStage(stream.InterpolatorFunc(
			func(previous, _ *frame.Frame, _ bool, _ *node.ExecutionContext) ([]frame.Frame, error) {
				return []frame.Frame{previous.Clone()}, nil
			}))}, nil
	}
	return DefaultStages(n, false)
}

func (c *mockCompileContext) IsInterpolatorType(nodeType string) bool {
	return nodeType == "mock_interpolator"
}

func (c *mockCompileContext) TotalOutputFrames() *uint64 { return nil }

// ---------------------------------------------------------------------------
// Graph builders
// ---------------------------------------------------------------------------

func addNode(t *testing.T, g *graph.Graph, id, nodeType string, params map[string]json.RawMessage) {
	t.Helper()
	_, err := g.AddNode(graph.NodeInstance{ID: id, NodeType: nodeType, Params: params})
	require.NoError(t, err)
}

func connectFrames(t *testing.T, g *graph.Graph, from, to string) {
	t.Helper()
	require.NoError(t, g.AddConnection(from, graph.PortConnection{
		SourcePort: "frames",
		TargetPort: "frames",
		PortType:   node.PortVideoFrames,
	}, to))
}

func connect(t *testing.T, g *graph.Graph, from, fromPort, to, toPort string, portType node.PortType) {
	t.Helper()
	require.NoError(t, g.AddConnection(from, graph.PortConnection{
		SourcePort: fromPort,
		TargetPort: toPort,
		PortType:   portType,
	}, to))
}

func linearVideoGraph(t *testing.T) *graph.Graph {
	g := graph.New()
	addNode(t, g, "source", "mock_source", nil)
	addNode(t, g, "processor", "mock_processor", nil)
	addNode(t, g, "sink", "mock_sink", nil)
	connectFrames(t, g, "source", "processor")
	connectFrames(t, g, "processor", "sink")
	return g
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestCompileLinearThreeNodeGraph(t *testing.T) {
	registry := buildVideoRegistry()
	ctx := newMockCompileContext(5)
	g := linearVideoGraph(t)

	compiled, err := Compile(g, registry, ctx)
	require.NoError(t, err)

	assert.Len(t, compiled.Stages, 1, "should have exactly 1 processing stage")
	assert.NotNil(t, compiled.Stages[0].Processor, "stage should be a Processor")
	require.NotNil(t, compiled.TotalInputFrames)
	assert.Equal(t, uint64(5), *compiled.TotalInputFrames)
	require.NotNil(t, compiled.TotalOutputFrames)
	assert.Equal(t, uint64(5), *compiled.TotalOutputFrames)
}

func TestCompileGraphWithInterpolator(t *testing.T) {
	registry := buildVideoRegistry()
	ctx := newMockCompileContext(10)

	g := graph.New()
	addNode(t, g, "source", "mock_source", nil)
	addNode(t, g, "processor", "mock_processor", nil)
	addNode(t, g, "interpolator", "mock_interpolator", nil)
	addNode(t, g, "sink", "mock_sink", nil)
	connectFrames(t, g, "source", "processor")
	connectFrames(t, g, "processor", "interpolator")
	connectFrames(t, g, "interpolator", "sink")

	compiled, err := Compile(g, registry, ctx)
	require.NoError(t, err)

	require.Len(t, compiled.Stages, 2)
	assert.NotNil(t, compiled.Stages[0].Processor)
	assert.NotNil(t, compiled.Stages[1].Interpolator)
}

func TestCompileRejectsFanOut(t *testing.T) {
	registry := buildVideoRegistry()
	ctx := newMockCompileContext(5)

	g := graph.New()
	addNode(t, g, "source", "mock_source", nil)
	addNode(t, g, "proc_a", "mock_processor", nil)
	addNode(t, g, "proc_b", "mock_processor", nil)
	addNode(t, g, "sink", "mock_sink", nil)
	connectFrames(t, g, "source", "proc_a")
	connectFrames(t, g, "source", "proc_b")
	connectFrames(t, g, "proc_a", "sink")

	_, err := Compile(g, registry, ctx)
	assert.ErrorIs(t, err, ErrFanOut)
}

func TestCompileRejectsFanIn(t *testing.T) {
	registry := buildVideoRegistry()
	ctx := newMockCompileContext(5)

	g := graph.New()
	addNode(t, g, "source_a", "mock_source", nil)
	addNode(t, g, "source_b", "mock_source", nil)
	addNode(t, g, "sink", "mock_sink", nil)
	connectFrames(t, g, "source_a", "sink")
	connectFrames(t, g, "source_b", "sink")

	_, err := Compile(g, registry, ctx)
	assert.ErrorIs(t, err, ErrFanIn)
}

func TestCompileRejectsNonVideoGraph(t *testing.T) {
	registry := buildVideoRegistry()
	ctx := newMockCompileContext(5)

	g := graph.New()
	addNode(t, g, "src", "int_source", nil)
	addNode(t, g, "proc", "int_process", nil)
	addNode(t, g, "snk", "int_sink", nil)
	connect(t, g, "src", "out", "proc", "in", node.PortInt)
	connect(t, g, "proc", "out", "snk", "in", node.PortInt)

	_, err := Compile(g, registry, ctx)
	assert.ErrorIs(t, err, ErrNotAVideoPipeline)
}

func TestCompileRejectsGraphWithoutSource(t *testing.T) {
	registry := buildVideoRegistry()
	ctx := newMockCompileContext(5)

	g := graph.New()
	addNode(t, g, "sink", "mock_sink", nil)

	_, err := Compile(g, registry, ctx)
	assert.ErrorIs(t, err, ErrNotAVideoPipeline)
}

func TestCompileRejectsCycle(t *testing.T) {
	registry := buildVideoRegistry()
	ctx := newMockCompileContext(5)

	g := graph.New()
	addNode(t, g, "a", "mock_processor", nil)
	addNode(t, g, "b", "mock_processor", nil)
	connectFrames(t, g, "a", "b")
	connectFrames(t, g, "b", "a")

	_, err := Compile(g, registry, ctx)
	assert.ErrorIs(t, err, graph.ErrCycle)
}

func TestCompileSourceToSinkNoProcessingStages(t *testing.T) {
	registry := buildVideoRegistry()
	ctx := newMockCompileContext(3)

	g := graph.New()
	addNode(t, g, "source", "mock_source", nil)
	addNode(t, g, "sink", "mock_sink", nil)
	connectFrames(t, g, "source", "sink")

	compiled, err := Compile(g, registry, ctx)
	require.NoError(t, err)
	assert.Empty(t, compiled.Stages)
	require.NotNil(t, compiled.TotalInputFrames)
	assert.Equal(t, uint64(3), *compiled.TotalInputFrames)
}

func TestSinkExecuteFailureIsFatal(t *testing.T) {
	registry := buildVideoRegistry()
	ctx := newMockCompileContext(3)

	g := graph.New()
	addNode(t, g, "source", "mock_source", nil)
	addNode(t, g, "sink", "failing_sink", nil)
	connectFrames(t, g, "source", "sink")

	_, err := Compile(g, registry, ctx)
	require.Error(t, err)
	var execErr *node.ExecuteError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "sink", execErr.NodeID)
}

func TestCompiledPipelineRunsEndToEnd(t *testing.T) {
	registry := buildVideoRegistry()
	ctx := newMockCompileContext(5)
	g := linearVideoGraph(t)

	outputs, err := ExecuteSequential(context.Background(), g, registry, SequentialOptions{Context: ctx})
	require.NoError(t, err)
	assert.Empty(t, outputs, "streaming runs return no scalar outputs")

	assert.Equal(t, []byte{0, 1, 2, 3, 4}, ctx.sink.values)
	assert.Equal(t, 1, ctx.sink.finished)
}

func TestSequentialRequiresContextForVideoGraphs(t *testing.T) {
	registry := buildVideoRegistry()
	g := linearVideoGraph(t)

	_, err := ExecuteSequential(context.Background(), g, registry, SequentialOptions{})
	assert.ErrorIs(t, err, ErrContextRequired)
}

func TestPrintNodesEmitDebugEventsForAllExecutionSites(t *testing.T) {
	registry := buildVideoRegistry()
	ctx := newMockCompileContext(2)

	jsonStr := func(s string) json.RawMessage { return json.RawMessage(`"` + s + `"`) }

	g := graph.New()
	addNode(t, g, "print_param", "Print", map[string]json.RawMessage{
		"role":          jsonStr("param"),
		"default_value": jsonStr("preview-value"),
	})
	addNode(t, g, "print_source", "Print", map[string]json.RawMessage{"role": jsonStr("source")})
	addNode(t, g, "print_processing", "Print", map[string]json.RawMessage{"role": jsonStr("processing")})
	addNode(t, g, "print_sink", "Print", map[string]json.RawMessage{"role": jsonStr("sink")})

	connect(t, g, "print_param", "value", "print_source", "value", node.PortStr)
	connect(t, g, "print_source", "value", "print_processing", "value", node.PortStr)
	connect(t, g, "print_processing", "value", "print_sink", "value", node.PortStr)
	connectFrames(t, g, "print_source", "print_processing")
	connectFrames(t, g, "print_processing", "print_sink")

	var events []NodeDebugValueEvent
	compiled, err := CompileWithDebugHook(g, registry, ctx, func(e NodeDebugValueEvent) {
		events = append(events, e)
	})
	require.NoError(t, err)
	assert.Len(t, compiled.Stages, 1)

	require.Len(t, events, 4, "param/source/processing/sink should all emit events")
	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.NodeID
		assert.Equal(t, "Print", e.NodeType)
		assert.Equal(t, "preview-value", e.ValuePreview)
		assert.False(t, e.Truncated)
		assert.Equal(t, PrintPreviewMaxChars, e.PreviewMaxChars)
	}
	assert.Equal(t, []string{"print_param", "print_source", "print_processing", "print_sink"}, ids)
}

func TestPrintPreviewTruncatesWithFlag(t *testing.T) {
	long := strings.Repeat("x", PrintPreviewMaxChars+17)
	preview, truncated := FormatPortDataPreview(node.StrData(long), PrintPreviewMaxChars)
	assert.True(t, truncated)
	assert.Len(t, preview, PrintPreviewMaxChars)
	assert.True(t, strings.HasPrefix(long, preview))
}

func TestNonPrintNodesDoNotEmitDebugEvents(t *testing.T) {
	registry := buildVideoRegistry()

	g := graph.New()
	addNode(t, g, "input", "input", map[string]json.RawMessage{"value": json.RawMessage(`40`)})
	addNode(t, g, "probe", "precedence_probe", nil)
	connect(t, g, "input", "out", "probe", "value", node.PortInt)

	var events []NodeDebugValueEvent
	_, err := ExecuteSequential(context.Background(), g, registry, SequentialOptions{
		Debug: func(e NodeDebugValueEvent) { events = append(events, e) },
	})
	require.NoError(t, err)
	assert.Empty(t, events)
}

// ---------------------------------------------------------------------------
// Input resolution precedence: edge > params > default > error
// ---------------------------------------------------------------------------

func precedenceResult(t *testing.T, params map[string]json.RawMessage, edgeValue *int64) int64 {
	t.Helper()
	registry := buildVideoRegistry()
	g := graph.New()
	addNode(t, g, "probe", "precedence_probe", params)
	if edgeValue != nil {
		addNode(t, g, "input", "input", map[string]json.RawMessage{
			"value": json.RawMessage(jsonInt(*edgeValue)),
		})
		connect(t, g, "input", "out", "probe", "value", node.PortInt)
	}

	outputs, err := ExecuteSequential(context.Background(), g, registry, SequentialOptions{})
	require.NoError(t, err)
	result, ok := outputs["probe"]["result"]
	require.True(t, ok, "probe should expose result")
	return result.Int
}

func jsonInt(v int64) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}

func TestPrecedenceEdgeOverParamAndDefault(t *testing.T) {
	edge := int64(7)
	result := precedenceResult(t, map[string]json.RawMessage{"value": json.RawMessage(`20`)}, &edge)
	assert.Equal(t, int64(7), result, "connected edge input must win over params/default")
}

func TestPrecedenceParamOverDefault(t *testing.T) {
	result := precedenceResult(t, map[string]json.RawMessage{"value": json.RawMessage(`20`)}, nil)
	assert.Equal(t, int64(20), result, "node params must win over default when no edge")
}

func TestPrecedenceDefaultWhenMissingEdgeAndParam(t *testing.T) {
	result := precedenceResult(t, nil, nil)
	assert.Equal(t, int64(3), result, "default must be used when edge/param are missing")
}

func TestPrecedenceMatchesParamsEntrypoint(t *testing.T) {
	registry := buildVideoRegistry()

	build := func(params map[string]json.RawMessage, edgeValue *int64) *graph.Graph {
		g := graph.New()
		addNode(t, g, "probe", "precedence_probe", params)
		if edgeValue != nil {
			addNode(t, g, "input", "input", map[string]json.RawMessage{
				"value": json.RawMessage(jsonInt(*edgeValue)),
			})
			connect(t, g, "input", "out", "probe", "value", node.PortInt)
		}
		return g
	}

	run := func(g *graph.Graph) int64 {
		outputs, err := ExecuteWithParams(g, registry, nil, node.NewExecutionContext(), nil)
		require.NoError(t, err)
		return outputs["probe"]["result"].Int
	}

	edge := int64(7)
	assert.Equal(t, int64(7), run(build(map[string]json.RawMessage{"value": json.RawMessage(`20`)}, &edge)))
	assert.Equal(t, int64(20), run(build(map[string]json.RawMessage{"value": json.RawMessage(`20`)}, nil)))
	assert.Equal(t, int64(3), run(build(nil, nil)))
}

func TestRequiredInputMissingFails(t *testing.T) {
	registry := buildVideoRegistry()
	g := graph.New()
	addNode(t, g, "proc", "int_process", nil)

	_, err := ExecuteSequential(context.Background(), g, registry, SequentialOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, node.ErrMissingRequired)
}
