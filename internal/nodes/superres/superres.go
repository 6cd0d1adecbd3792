// Package superres implements the super-resolution stage: single-frame
// upscaling by an integer factor through an ONNX model, full-frame or tiled,
// in FP32 or FP16, with optional tensor pass-through to an adjacent
// inference stage.
//
// Supports FP32 models working in the 0–255 range (Real-ESRGAN family) and
// FP16 models working in the 0–1 range (AnimeJaNai family).
package superres

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/upscalarr/upscalarr/internal/frame"
	"github.com/upscalarr/upscalarr/internal/inference"
	"github.com/upscalarr/upscalarr/internal/node"
	"github.com/upscalarr/upscalarr/internal/tensor"
)

// NodeType is the registry key for the super-resolution node.
const NodeType = "SuperResolution"

// tileOverlap is the fixed per-side tile overlap in pixels. Overlap regions
// are discarded on assembly to prevent seam artifacts.
const tileOverlap = 16

// padAlign is the spatial alignment the model requires.
const padAlign = 4

// Node is the monolithic super-resolution stage. Execute loads the model;
// ProcessFrame upscales one frame.
type Node struct {
	session    *inference.SharedSession
	scale      int
	tileSize   int
	backend    inference.Backend
	trtCache   string
	inputName  string
	outputName string
	fp16Model  bool

	// Reusable scratch buffers, keyed by the unpadded frame shape. Reused
	// only when the shape matches; reallocated otherwise.
	f32Buf           []float32
	f32BufH, f32BufW int
	f16Buf           []uint16
	f16BufH, f16BufW int

	// emitTensor makes the stage output NchwF16 instead of CpuRgb when the
	// downstream stage accepts tensor input. Set by the compile context;
	// effective only for FP16 models with tile_size == 0.
	emitTensor bool
}

// New creates an unloaded super-resolution node.
func New() *Node {
	return &Node{
		scale:   4,
		backend: inference.DefaultBackend,
	}
}

// FromParams constructs the node for the registry.
func FromParams(_ map[string]json.RawMessage) (node.Node, error) {
	return New(), nil
}

// SetEmitTensor toggles tensor pass-through output.
func (n *Node) SetEmitTensor(emit bool) { n.emitTensor = emit }

// EmitTensor reports whether tensor pass-through is enabled.
func (n *Node) EmitTensor() bool { return n.emitTensor }

// SetTRTCacheDir sets the TensorRT engine cache directory.
func (n *Node) SetTRTCacheDir(dir string) { n.trtCache = dir }

// IsFP16 reports whether the loaded model takes half-precision input.
func (n *Node) IsFP16() bool { return n.fp16Model }

// TileSize returns the configured tile size (0 = full-frame).
func (n *Node) TileSize() int { return n.tileSize }

// Scale returns the configured upscale factor.
func (n *Node) Scale() int { return n.scale }

// NodeType implements node.Node.
func (n *Node) NodeType() string { return NodeType }

// InputPorts implements node.Node. The frames port is the streaming edge;
// it never carries scalar data through Execute.
func (n *Node) InputPorts() []node.PortDefinition {
	return []node.PortDefinition{
		{Name: "model_path", PortType: node.PortPath, Required: true},
		{Name: "scale", PortType: node.PortInt, DefaultValue: json.RawMessage(`4`)},
		{Name: "tile_size", PortType: node.PortInt, DefaultValue: json.RawMessage(`0`)},
		{Name: "backend", PortType: node.PortStr, DefaultValue: json.RawMessage(`"cuda"`)},
		{Name: "frames", PortType: node.PortVideoFrames, Required: true},
	}
}

// OutputPorts implements node.Node.
func (n *Node) OutputPorts() []node.PortDefinition {
	return []node.PortDefinition{
		{Name: "frames", PortType: node.PortVideoFrames, Required: true},
	}
}

// Execute loads the ONNX model and inspects its IO: input/output names and
// whether the first input's element type is FP16.
func (n *Node) Execute(inputs map[string]node.PortData, _ *node.ExecutionContext) (map[string]node.PortData, error) {
	modelPath, ok := inputs["model_path"]
	if !ok {
		return nil, fmt.Errorf("%w: model_path", node.ErrMissingRequired)
	}
	if modelPath.Type != node.PortPath {
		return nil, fmt.Errorf("%w: model_path must be a Path", node.ErrTypeMismatch)
	}

	if scale, ok := inputs["scale"]; ok && scale.Type == node.PortInt {
		if scale.Int < 1 {
			return nil, fmt.Errorf("scale must be positive, got %d", scale.Int)
		}
		n.scale = int(scale.Int)
	}
	if tile, ok := inputs["tile_size"]; ok && tile.Type == node.PortInt {
		n.tileSize = int(tile.Int)
	}
	if backend, ok := inputs["backend"]; ok && backend.Type == node.PortStr {
		n.backend = inference.ParseBackend(backend.Str)
	}
	if n.tileSize > 0 && n.tileSize <= 2*tileOverlap {
		return nil, fmt.Errorf("tile_size (%d) is too small for overlap (%d)", n.tileSize, tileOverlap)
	}

	slog.Debug("loading super-resolution model",
		slog.String("model", modelPath.Path),
		slog.Int("scale", n.scale),
		slog.Int("tile_size", n.tileSize),
		slog.String("backend", n.backend.String()),
	)

	session, err := inference.NewSession(inference.Config{
		ModelPath:   modelPath.Path,
		Backend:     n.backend,
		TRTCacheDir: n.trtCache,
	})
	if err != nil {
		return nil, err
	}

	modelInputs := session.Inputs()
	modelOutputs := session.Outputs()
	if len(modelInputs) == 0 || len(modelOutputs) == 0 {
		return nil, fmt.Errorf("model %q declares no inputs or outputs", modelPath.Path)
	}
	n.inputName = modelInputs[0].Name
	n.outputName = modelOutputs[0].Name
	n.fp16Model = modelInputs[0].Type == inference.F16
	n.session = inference.NewSharedSession(session)

	slog.Debug("super-resolution model loaded",
		slog.String("input", n.inputName),
		slog.String("output", n.outputName),
		slog.Bool("fp16", n.fp16Model),
	)
	return map[string]node.PortData{}, nil
}

// ProcessFrame implements node.FrameProcessor: upscale one frame.
func (n *Node) ProcessFrame(f frame.Frame, _ *node.ExecutionContext) (frame.Frame, error) {
	if n.session == nil {
		return frame.Frame{}, inference.ErrModelNotLoaded
	}

	switch f.Kind {
	case frame.KindCPURGB:
		if n.fp16Model {
			return n.processRGBFP16(f)
		}
		return n.processRGBFP32(f)
	case frame.KindNCHWF32:
		if n.fp16Model {
			return n.processTensorFP16(f)
		}
		return n.processTensorFP32(f)
	default:
		return frame.Frame{}, fmt.Errorf("SuperResolution only supports CpuRgb or NchwF32 input, got %s", f.Kind)
	}
}

func (n *Node) processRGBFP16(f frame.Frame) (frame.Frame, error) {
	h := int(f.Height)
	w := int(f.Width)

	unpadded, err := rgbToNCHWF16(f, n.takeF16Buf(h, w))
	if err != nil {
		return frame.Frame{}, err
	}
	n.storeF16Buf(unpadded, h, w)

	padded, ph, pw, err := tensor.ReflectPadF16(unpadded, h, w, padAlign)
	if err != nil {
		return frame.Frame{}, err
	}

	output, err := n.runF16(padded, ph, pw, h, w)
	if err != nil {
		return frame.Frame{}, err
	}
	return n.finishF16(output, h*n.scale, w*n.scale)
}

func (n *Node) processRGBFP32(f frame.Frame) (frame.Frame, error) {
	h := int(f.Height)
	w := int(f.Width)

	unpadded, err := rgbToNCHWF32(f, n.takeF32Buf(h, w))
	if err != nil {
		return frame.Frame{}, err
	}
	n.storeF32Buf(unpadded, h, w)

	padded, ph, pw, err := tensor.ReflectPadF32(unpadded, h, w, padAlign)
	if err != nil {
		return frame.Frame{}, err
	}

	output, err := n.runF32(padded, ph, pw, h, w)
	if err != nil {
		return frame.Frame{}, err
	}

	outH := h * n.scale
	outW := w * n.scale
	rgb := nchwF32ToRGB(output, outH, outW, 1)
	return frame.NewCPURGB(rgb, uint32(outW), uint32(outH), 8), nil
}

func (n *Node) processTensorFP16(f frame.Frame) (frame.Frame, error) {
	h := int(f.Height)
	w := int(f.Width)
	if len(f.F32) != 3*h*w {
		return frame.Frame{}, fmt.Errorf("NchwF32 length mismatch: expected %d (3x%dx%d), got %d",
			3*h*w, h, w, len(f.F32))
	}

	f16Data := f32ToF16Bits(f.F32)
	padded, ph, pw, err := tensor.ReflectPadF16(f16Data, h, w, padAlign)
	if err != nil {
		return frame.Frame{}, err
	}

	output, err := n.runF16(padded, ph, pw, h, w)
	if err != nil {
		return frame.Frame{}, err
	}
	return n.finishF16(output, h*n.scale, w*n.scale)
}

func (n *Node) processTensorFP32(f frame.Frame) (frame.Frame, error) {
	h := int(f.Height)
	w := int(f.Width)
	if len(f.F32) != 3*h*w {
		return frame.Frame{}, fmt.Errorf("NchwF32 length mismatch: expected %d (3x%dx%d), got %d",
			3*h*w, h, w, len(f.F32))
	}

	// FP32 models expect the 0–255 range; tensor frames carry 0–1.
	rescaled := make([]float32, len(f.F32))
	for i, v := range f.F32 {
		rescaled[i] = v * 255
	}
	padded, ph, pw, err := tensor.ReflectPadF32(rescaled, h, w, padAlign)
	if err != nil {
		return frame.Frame{}, err
	}

	output, err := n.runF32(padded, ph, pw, h, w)
	if err != nil {
		return frame.Frame{}, err
	}

	outH := h * n.scale
	outW := w * n.scale
	rgb := nchwF32ToRGB(output, outH, outW, 1)
	return frame.NewCPURGB(rgb, uint32(outW), uint32(outH), 8), nil
}

// finishF16 converts the cropped FP16 inference output into the configured
// output form. In tensor mode the crop to unpadded RGB is skipped entirely.
func (n *Node) finishF16(output []uint16, outH, outW int) (frame.Frame, error) {
	if n.emitTensor && n.tileSize == 0 {
		return frame.NewNCHWF16(output, uint32(outH), uint32(outW)), nil
	}
	rgb := f16NCHWToRGB(output, outH, outW)
	return frame.NewCPURGB(rgb, uint32(outW), uint32(outH), 8), nil
}

// runF32 runs FP32 inference over the padded input, tiled when configured,
// and crops the result to (h*scale, w*scale).
func (n *Node) runF32(padded []float32, ph, pw, h, w int) ([]float32, error) {
	if n.tileSize > 0 {
		return n.runTiledF32(padded, ph, pw, h, w)
	}

	outputs, err := n.session.Run(map[string]*inference.Tensor{
		n.inputName: inference.NewF32Tensor([]int{1, 3, ph, pw}, padded),
	})
	if err != nil {
		return nil, fmt.Errorf("super-resolution inference: %w", err)
	}
	out, err := extractF32(outputs, n.outputName)
	if err != nil {
		return nil, err
	}
	return tensor.CropF32(out, ph*n.scale, pw*n.scale, h*n.scale, w*n.scale)
}

// runF16 is runF32 for half-precision payloads.
func (n *Node) runF16(padded []uint16, ph, pw, h, w int) ([]uint16, error) {
	if n.tileSize > 0 {
		return n.runTiledF16(padded, ph, pw, h, w)
	}

	outputs, err := n.session.Run(map[string]*inference.Tensor{
		n.inputName: inference.NewF16Tensor([]int{1, 3, ph, pw}, padded),
	})
	if err != nil {
		return nil, fmt.Errorf("super-resolution inference: %w", err)
	}
	out, err := extractF16(outputs, n.outputName)
	if err != nil {
		return nil, err
	}
	return tensor.CropF16(out, ph*n.scale, pw*n.scale, h*n.scale, w*n.scale)
}

func (n *Node) takeF32Buf(h, w int) []float32 {
	if n.f32Buf != nil && n.f32BufH == h && n.f32BufW == w {
		buf := n.f32Buf
		n.f32Buf = nil
		return buf
	}
	return make([]float32, 3*h*w)
}

func (n *Node) storeF32Buf(buf []float32, h, w int) {
	n.f32Buf = buf
	n.f32BufH = h
	n.f32BufW = w
}

func (n *Node) takeF16Buf(h, w int) []uint16 {
	if n.f16Buf != nil && n.f16BufH == h && n.f16BufW == w {
		buf := n.f16Buf
		n.f16Buf = nil
		return buf
	}
	return make([]uint16, 3*h*w)
}

func (n *Node) storeF16Buf(buf []uint16, h, w int) {
	n.f16Buf = buf
	n.f16BufH = h
	n.f16BufW = w
}

func extractF32(outputs map[string]*inference.Tensor, name string) ([]float32, error) {
	out, ok := outputs[name]
	if !ok {
		return nil, fmt.Errorf("model did not produce output %q", name)
	}
	if out.Type != inference.F32 {
		return nil, fmt.Errorf("expected float32 output, got %s", out.Type)
	}
	return out.F32, nil
}

func extractF16(outputs map[string]*inference.Tensor, name string) ([]uint16, error) {
	out, ok := outputs[name]
	if !ok {
		return nil, fmt.Errorf("model did not produce output %q", name)
	}
	if out.Type != inference.F16 {
		return nil, fmt.Errorf("expected float16 output, got %s", out.Type)
	}
	return out.F16, nil
}
