// Package interpolation implements the frame-interpolation stage: pair-based
// multi-timestep inference that synthesizes multiplier-1 intermediate frames
// between consecutive frames.
//
// Two ONNX model formats are auto-detected at load time:
//   - ThreeInput: separate img0, img1, timestep tensors (RIFE v4.6 and earlier)
//   - Concatenated: one [1,7,H,W] tensor of img0_rgb + img1_rgb +
//     timestep_broadcast (RIFE v4.22+), detected when the model has exactly
//     one input named "input"
package interpolation

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/upscalarr/upscalarr/internal/frame"
	"github.com/upscalarr/upscalarr/internal/inference"
	"github.com/upscalarr/upscalarr/internal/node"
	"github.com/upscalarr/upscalarr/internal/tensor"
)

// NodeType is the registry key for the frame-interpolation node.
const NodeType = "FrameInterpolation"

// padAlign matches the model's internal stride.
const padAlign = 32

// Model tensor names.
const (
	inputImg0     = "img0"
	inputImg1     = "img1"
	inputTimestep = "timestep"
	inputConcat   = "input"
	outputName    = "output"
)

// ModelFormat is the ONNX input layout detected at load time.
type ModelFormat uint8

const (
	// FormatThreeInput uses separate img0/img1/timestep tensors.
	FormatThreeInput ModelFormat = iota
	// FormatConcatenated uses a single [1,7,H,W] tensor.
	FormatConcatenated
)

// String returns the format name.
func (f ModelFormat) String() string {
	if f == FormatConcatenated {
		return "concatenated"
	}
	return "three-input"
}

// Node is the monolithic frame-interpolation stage.
type Node struct {
	session     *inference.SharedSession
	multiplier  int
	backend     inference.Backend
	trtCache    string
	modelFormat ModelFormat

	// concatBuf is the reusable [1,7,PH,PW] buffer for the concatenated
	// format; rebuilding it per inference is the dominant CPU cost.
	concatBuf []float32

	// nchwBuf0/nchwBuf1 are reusable padded preprocessing buffers for img0
	// and img1.
	nchwBuf0 []float32
	nchwBuf1 []float32

	// cachedImg1 holds the previous pair's preprocessed img1. In the
	// sliding-window traversal (F_n, F_n+1) -> (F_n+1, F_n+2) it becomes
	// the next pair's img0; reused only when dimensions match.
	cachedImg1 *nchwTensor

	// emitTensor makes outputs NchwF32 (unpadded payload) instead of CpuRgb.
	emitTensor bool
}

// New creates an unloaded frame-interpolation node.
func New() *Node {
	return &Node{
		multiplier: 2,
		backend:    inference.DefaultBackend,
	}
}

// FromParams constructs the node for the registry.
func FromParams(_ map[string]json.RawMessage) (node.Node, error) {
	return New(), nil
}

// SetEmitTensor toggles tensor pass-through output.
func (n *Node) SetEmitTensor(emit bool) { n.emitTensor = emit }

// SetTRTCacheDir sets the TensorRT engine cache directory.
func (n *Node) SetTRTCacheDir(dir string) { n.trtCache = dir }

// Multiplier returns the frame-rate multiplication factor.
func (n *Node) Multiplier() int { return n.multiplier }

// ModelFormat returns the detected model input layout.
func (n *Node) ModelFormat() ModelFormat { return n.modelFormat }

// Timesteps returns the inference timesteps for the configured multiplier:
// {1/N, 2/N, ..., (N-1)/N}.
func (n *Node) Timesteps() []float32 {
	return timestepsForMultiplier(n.multiplier)
}

func timestepsForMultiplier(multiplier int) []float32 {
	steps := make([]float32, 0, multiplier-1)
	for i := 1; i < multiplier; i++ {
		steps = append(steps, float32(i)/float32(multiplier))
	}
	return steps
}

// NodeType implements node.Node.
func (n *Node) NodeType() string { return NodeType }

// InputPorts implements node.Node. The frames port is the streaming edge;
// it never carries scalar data through Execute.
func (n *Node) InputPorts() []node.PortDefinition {
	return []node.PortDefinition{
		{Name: "model_path", PortType: node.PortPath, Required: true},
		{Name: "multiplier", PortType: node.PortInt, DefaultValue: json.RawMessage(`2`)},
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

// Execute loads the ONNX model and detects its input format.
func (n *Node) Execute(inputs map[string]node.PortData, _ *node.ExecutionContext) (map[string]node.PortData, error) {
	modelPath, ok := inputs["model_path"]
	if !ok {
		return nil, fmt.Errorf("%w: model_path", node.ErrMissingRequired)
	}
	if modelPath.Type != node.PortPath {
		return nil, fmt.Errorf("%w: model_path must be a Path", node.ErrTypeMismatch)
	}

	if m, ok := inputs["multiplier"]; ok && m.Type == node.PortInt {
		if m.Int < 2 {
			return nil, fmt.Errorf("multiplier must be >= 2, got %d", m.Int)
		}
		n.multiplier = int(m.Int)
	}
	if backend, ok := inputs["backend"]; ok && backend.Type == node.PortStr {
		n.backend = inference.ParseBackend(backend.Str)
	}

	slog.Debug("loading frame-interpolation model",
		slog.String("model", modelPath.Path),
		slog.Int("multiplier", n.multiplier),
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

	n.modelFormat = detectModelFormat(session)
	n.session = inference.NewSharedSession(session)

	slog.Debug("frame-interpolation model loaded",
		slog.String("format", n.modelFormat.String()),
	)
	return map[string]node.PortData{}, nil
}

func detectModelFormat(session inference.Session) ModelFormat {
	inputs := session.Inputs()
	if len(inputs) == 1 && inputs[0].Name == inputConcat {
		return FormatConcatenated
	}
	return FormatThreeInput
}

// StageName implements stream.FrameInterpolator.
func (n *Node) StageName() string { return NodeType }

// Interpolate implements stream.FrameInterpolator.
func (n *Node) Interpolate(previous, current *frame.Frame, isSceneChange bool, _ *node.ExecutionContext) ([]frame.Frame, error) {
	return n.ProcessFramePair(previous, current, isSceneChange)
}

// ProcessFramePair synthesizes multiplier-1 frames between a consecutive
// pair. On a scene change the model is bypassed entirely and the previous
// frame is duplicated: blending across a cut produces ghosting, duplication
// does not.
func (n *Node) ProcessFramePair(frame0, frame1 *frame.Frame, sceneChange bool) ([]frame.Frame, error) {
	steps := n.Timesteps()

	if sceneChange {
		// Still refresh the img1 cache so the next pair's img0 hits it.
		if frame1.Kind == frame.KindCPURGB {
			img1, err := rgbToNCHWPadded(*frame1, n.nchwBuf1)
			if err != nil {
				return nil, err
			}
			n.nchwBuf1 = nil
			n.cachedImg1 = &img1
		}
		return duplicateFrame(frame0, len(steps))
	}

	if n.session == nil {
		return nil, inference.ErrModelNotLoaded
	}

	img0, img1, reuse, err := n.preprocessPair(frame0, frame1)
	if err != nil {
		return nil, err
	}

	results := make([]frame.Frame, 0, len(steps))

	switch n.modelFormat {
	case FormatConcatenated:
		phw := img0.ph * img0.pw
		size := 7 * phw
		concat := n.concatBuf
		if len(concat) != size {
			concat = make([]float32, size)
		}
		copy(concat[:3*phw], img0.data)
		copy(concat[3*phw:6*phw], img1.data)

		for _, t := range steps {
			ts := concat[6*phw:]
			for i := range ts {
				ts[i] = t
			}

			output, err := n.runConcatenated(concat, img0.ph, img0.pw)
			if err != nil {
				return nil, err
			}
			out, err := n.finishOutput(output, img0)
			if err != nil {
				return nil, err
			}
			results = append(results, out)
		}
		n.concatBuf = concat

	case FormatThreeInput:
		for _, t := range steps {
			output, err := n.runThreeInput(img0, img1, t)
			if err != nil {
				return nil, err
			}
			out, err := n.finishOutput(output, img0)
			if err != nil {
				return nil, err
			}
			results = append(results, out)
		}
	}

	if reuse {
		n.nchwBuf0 = img0.data
		n.cachedImg1 = &img1
	}

	return results, nil
}

// preprocessPair converts both frames to padded NCHW, reusing the previous
// pair's img1 as this pair's img0 when the dimensions match.
func (n *Node) preprocessPair(frame0, frame1 *frame.Frame) (nchwTensor, nchwTensor, bool, error) {
	if frame0.Kind == frame.KindCPURGB && frame1.Kind == frame.KindCPURGB {
		origH := int(frame0.Height)
		origW := int(frame0.Width)

		var img0 nchwTensor
		cached := n.cachedImg1
		n.cachedImg1 = nil
		if cached != nil && cached.h == origH && cached.w == origW {
			slog.Debug("interpolation cache hit: reusing cached img1 as img0")
			img0 = *cached
		} else {
			if cached != nil {
				slog.Debug("interpolation cache miss: dimension mismatch")
			}
			converted, err := rgbToNCHWPadded(*frame0, n.nchwBuf0)
			if err != nil {
				return nchwTensor{}, nchwTensor{}, false, err
			}
			n.nchwBuf0 = nil
			img0 = converted
		}

		img1, err := rgbToNCHWPadded(*frame1, n.nchwBuf1)
		if err != nil {
			return nchwTensor{}, nchwTensor{}, false, err
		}
		n.nchwBuf1 = nil
		return img0, img1, true, nil
	}

	img0, err := frameToNCHW(frame0)
	if err != nil {
		return nchwTensor{}, nchwTensor{}, false, err
	}
	img1, err := frameToNCHW(frame1)
	if err != nil {
		return nchwTensor{}, nchwTensor{}, false, err
	}
	return img0, img1, false, nil
}

// runConcatenated executes one inference over the [1,7,PH,PW] buffer.
func (n *Node) runConcatenated(concat []float32, ph, pw int) ([]float32, error) {
	outputs, err := n.session.Run(map[string]*inference.Tensor{
		inputConcat: inference.NewF32Tensor([]int{1, 7, ph, pw}, concat),
	})
	if err != nil {
		return nil, fmt.Errorf("frame-interpolation inference: %w", err)
	}
	return extractOutput(outputs)
}

// runThreeInput executes one inference with separate tensors.
func (n *Node) runThreeInput(img0, img1 nchwTensor, timestep float32) ([]float32, error) {
	outputs, err := n.session.Run(map[string]*inference.Tensor{
		inputImg0:     inference.NewF32Tensor([]int{1, 3, img0.ph, img0.pw}, img0.data),
		inputImg1:     inference.NewF32Tensor([]int{1, 3, img1.ph, img1.pw}, img1.data),
		inputTimestep: inference.NewF32Tensor([]int{1, 1, 1, 1}, []float32{timestep}),
	})
	if err != nil {
		return nil, fmt.Errorf("frame-interpolation inference: %w", err)
	}
	return extractOutput(outputs)
}

func extractOutput(outputs map[string]*inference.Tensor) ([]float32, error) {
	out, ok := outputs[outputName]
	if !ok {
		return nil, fmt.Errorf("model did not produce output %q", outputName)
	}
	if out.Type != inference.F32 {
		return nil, fmt.Errorf("expected float32 output, got %s", out.Type)
	}
	return out.F32, nil
}

// finishOutput crops a padded inference output to the logical size and
// converts it to the configured output form.
func (n *Node) finishOutput(output []float32, img0 nchwTensor) (frame.Frame, error) {
	cropped, err := tensor.CropF32(output, img0.ph, img0.pw, img0.h, img0.w)
	if err != nil {
		return frame.Frame{}, err
	}
	if n.emitTensor {
		out := make([]float32, len(cropped))
		copy(out, cropped)
		return frame.NewNCHWF32(out, uint32(img0.h), uint32(img0.w)), nil
	}
	rgb := nchwToRGB(cropped, img0.h, img0.w)
	return frame.NewCPURGB(rgb, uint32(img0.w), uint32(img0.h), 8), nil
}

// duplicateFrame returns count deep copies of the frame.
func duplicateFrame(f *frame.Frame, count int) ([]frame.Frame, error) {
	switch f.Kind {
	case frame.KindCPURGB, frame.KindNCHWF32, frame.KindNCHWF16:
		out := make([]frame.Frame, count)
		for i := range out {
			out[i] = f.Clone()
		}
		return out, nil
	default:
		return nil, fmt.Errorf("frame interpolation does not support %s input", f.Kind)
	}
}
