package interpolation

import (
	"fmt"

	"github.com/x448/float16"

	"github.com/upscalarr/upscalarr/internal/frame"
	"github.com/upscalarr/upscalarr/internal/inference"
	"github.com/upscalarr/upscalarr/internal/node"
	"github.com/upscalarr/upscalarr/internal/tensor"
)

// MicroStages is the result of splitting a loaded Concatenated-format node
// into three pipeline-parallel stages sharing one session.
type MicroStages struct {
	Preprocess  *Preprocess
	Inference   *Inference
	Postprocess *Postprocess
}

// IntoMicroStages consumes the node and splits it. Returns nil for the
// ThreeInput format, which does not benefit from the split.
func (n *Node) IntoMicroStages() *MicroStages {
	if n.modelFormat != FormatConcatenated || n.session == nil {
		return nil
	}
	return &MicroStages{
		Preprocess: &Preprocess{},
		Inference: &Inference{
			session:    n.session,
			multiplier: n.multiplier,
			concatBuf:  n.concatBuf,
		},
		Postprocess: &Postprocess{},
	}
}

// Preprocess converts CpuRgb (or NchwF16 tensor pass-through from an
// upstream super-resolution stage) into padded NchwF32. The frame's
// dimensions stay the logical content size; the payload carries padded data.
type Preprocess struct {
	nchwBuf []float32
}

// NodeType implements node.Node.
func (p *Preprocess) NodeType() string { return "FrameInterpolationPreprocess" }

// InputPorts implements node.Node.
func (p *Preprocess) InputPorts() []node.PortDefinition { return nil }

// OutputPorts implements node.Node.
func (p *Preprocess) OutputPorts() []node.PortDefinition { return nil }

// Execute implements node.Node.
func (p *Preprocess) Execute(_ map[string]node.PortData, _ *node.ExecutionContext) (map[string]node.PortData, error) {
	return map[string]node.PortData{}, nil
}

// ProcessFrame implements node.FrameProcessor.
func (p *Preprocess) ProcessFrame(f frame.Frame, _ *node.ExecutionContext) (frame.Frame, error) {
	switch f.Kind {
	case frame.KindCPURGB:
		converted, err := rgbToNCHWPadded(f, p.nchwBuf)
		if err != nil {
			return frame.Frame{}, err
		}
		out := make([]float32, len(converted.data))
		copy(out, converted.data)
		p.nchwBuf = converted.data
		return frame.NewNCHWF32(out, f.Height, f.Width), nil

	case frame.KindNCHWF16:
		h := int(f.Height)
		w := int(f.Width)
		if len(f.F16) != 3*h*w {
			return frame.Frame{}, fmt.Errorf("FrameInterpolationPreprocess: NchwF16 length mismatch: expected %d, got %d",
				3*h*w, len(f.F16))
		}
		f32Data := make([]float32, len(f.F16))
		for i, bits := range f.F16 {
			f32Data[i] = float16.Frombits(bits).Float32()
		}
		padded, _, _, err := tensor.ReflectPadF32(f32Data, h, w, padAlign)
		if err != nil {
			return frame.Frame{}, err
		}
		return frame.NewNCHWF32(padded, f.Height, f.Width), nil

	default:
		return frame.Frame{}, fmt.Errorf("FrameInterpolationPreprocess: expected CpuRgb or NchwF16, got %s", f.Kind)
	}
}

// Inference consumes consecutive padded NchwF32 frames pairwise,
// concatenates them with the timestep channel, and emits cropped NchwF32
// outputs per timestep. The session is shared with the sibling micro-stages.
type Inference struct {
	session    *inference.SharedSession
	multiplier int
	concatBuf  []float32
}

// NodeType implements node.Node.
func (s *Inference) NodeType() string { return "FrameInterpolationInference" }

// InputPorts implements node.Node.
func (s *Inference) InputPorts() []node.PortDefinition { return nil }

// OutputPorts implements node.Node.
func (s *Inference) OutputPorts() []node.PortDefinition { return nil }

// Execute implements node.Node.
func (s *Inference) Execute(_ map[string]node.PortData, _ *node.ExecutionContext) (map[string]node.PortData, error) {
	return map[string]node.PortData{}, nil
}

// StageName implements stream.FrameInterpolator.
func (s *Inference) StageName() string { return "FrameInterpolationInference" }

// Interpolate implements stream.FrameInterpolator.
func (s *Inference) Interpolate(previous, current *frame.Frame, isSceneChange bool, _ *node.ExecutionContext) ([]frame.Frame, error) {
	steps := timestepsForMultiplier(s.multiplier)

	if isSceneChange {
		return duplicateFrame(previous, len(steps))
	}

	prevData, origH, origW, err := extractPaddedF32(previous, "previous")
	if err != nil {
		return nil, err
	}
	currData, _, _, err := extractPaddedF32(current, "current")
	if err != nil {
		return nil, err
	}

	ph := origH + tensor.PadAmount(origH, padAlign)
	pw := origW + tensor.PadAmount(origW, padAlign)
	phw := ph * pw
	if len(prevData) != 3*phw || len(currData) != 3*phw {
		return nil, fmt.Errorf("FrameInterpolationInference: padded payload mismatch for %dx%d", origH, origW)
	}

	size := 7 * phw
	concat := s.concatBuf
	if len(concat) != size {
		concat = make([]float32, size)
	}
	copy(concat[:3*phw], prevData)
	copy(concat[3*phw:6*phw], currData)

	results := make([]frame.Frame, 0, len(steps))
	for _, t := range steps {
		ts := concat[6*phw:]
		for i := range ts {
			ts[i] = t
		}

		outputs, err := s.session.Run(map[string]*inference.Tensor{
			inputConcat: inference.NewF32Tensor([]int{1, 7, ph, pw}, concat),
		})
		if err != nil {
			return nil, fmt.Errorf("frame-interpolation inference: %w", err)
		}
		output, err := extractOutput(outputs)
		if err != nil {
			return nil, err
		}
		cropped, err := tensor.CropF32(output, ph, pw, origH, origW)
		if err != nil {
			return nil, err
		}
		results = append(results, frame.NewNCHWF32(cropped, uint32(origH), uint32(origW)))
	}

	s.concatBuf = concat
	return results, nil
}

func extractPaddedF32(f *frame.Frame, label string) ([]float32, int, int, error) {
	if f.Kind != frame.KindNCHWF32 {
		return nil, 0, 0, fmt.Errorf("FrameInterpolationInference: expected NchwF32 for %s, got %s", label, f.Kind)
	}
	return f.F32, int(f.Height), int(f.Width), nil
}

// Postprocess converts NchwF32 outputs to CpuRgb, or passes tensors through
// in emit-tensor mode. It accepts either cropped or still-padded payloads
// and reconstructs the unpadded form.
type Postprocess struct {
	// EmitTensor keeps the output as an unpadded NchwF32 tensor.
	EmitTensor bool
}

// NodeType implements node.Node.
func (p *Postprocess) NodeType() string { return "FrameInterpolationPostprocess" }

// InputPorts implements node.Node.
func (p *Postprocess) InputPorts() []node.PortDefinition { return nil }

// OutputPorts implements node.Node.
func (p *Postprocess) OutputPorts() []node.PortDefinition { return nil }

// Execute implements node.Node.
func (p *Postprocess) Execute(_ map[string]node.PortData, _ *node.ExecutionContext) (map[string]node.PortData, error) {
	return map[string]node.PortData{}, nil
}

// ProcessFrame implements node.FrameProcessor.
func (p *Postprocess) ProcessFrame(f frame.Frame, _ *node.ExecutionContext) (frame.Frame, error) {
	if f.Kind != frame.KindNCHWF32 {
		return frame.Frame{}, fmt.Errorf("FrameInterpolationPostprocess: expected NchwF32, got %s", f.Kind)
	}

	h := int(f.Height)
	w := int(f.Width)
	unpadded, err := unpaddedPayload(f.F32, h, w)
	if err != nil {
		return frame.Frame{}, err
	}

	if p.EmitTensor {
		return frame.NewNCHWF32(unpadded, f.Height, f.Width), nil
	}
	rgb := nchwToRGB(unpadded, h, w)
	return frame.NewCPURGB(rgb, f.Width, f.Height, 8), nil
}

// unpaddedPayload accepts a cropped or padded [1,3,·,·] payload for logical
// size h×w and returns the cropped form.
func unpaddedPayload(data []float32, h, w int) ([]float32, error) {
	if len(data) == 3*h*w {
		return data, nil
	}
	ph := h + tensor.PadAmount(h, padAlign)
	pw := w + tensor.PadAmount(w, padAlign)
	if len(data) != 3*ph*pw {
		return nil, fmt.Errorf("payload length %d matches neither cropped (%d) nor padded (%d) for %dx%d",
			len(data), 3*h*w, 3*ph*pw, w, h)
	}
	return tensor.CropF32(data, ph, pw, h, w)
}
