package superres

import (
	"fmt"

	"github.com/upscalarr/upscalarr/internal/frame"
	"github.com/upscalarr/upscalarr/internal/inference"
	"github.com/upscalarr/upscalarr/internal/node"
	"github.com/upscalarr/upscalarr/internal/tensor"
)

// MicroStages is the result of splitting a loaded FP16 full-frame node into
// three pipeline-parallel stages sharing one session. CPU pre/postprocessing
// of different frames overlaps with GPU inference.
type MicroStages struct {
	Preprocess  *Preprocess
	Inference   *Inference
	Postprocess *Postprocess
}

// IntoMicroStages consumes the node and splits it into micro-stages.
// Returns nil for FP32 models or tiled configurations; callers fall back to
// using the node as a single stage.
func (n *Node) IntoMicroStages() *MicroStages {
	if !n.fp16Model || n.tileSize > 0 || n.session == nil {
		return nil
	}
	return &MicroStages{
		Preprocess: &Preprocess{},
		Inference: &Inference{
			session:    n.session,
			scale:      n.scale,
			inputName:  n.inputName,
			outputName: n.outputName,
		},
		Postprocess: &Postprocess{},
	}
}

// Preprocess converts CpuRgb (or NchwF32) frames to unpadded NchwF16:
// u8 → f16 with ÷255 normalization and HWC → CHW deinterleave. Padding is
// the inference stage's concern.
type Preprocess struct {
	f16Buf           []uint16
	f16BufH, f16BufW int
}

// NodeType implements node.Node.
func (p *Preprocess) NodeType() string { return "SuperResPreprocess" }

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
	h := int(f.Height)
	w := int(f.Width)

	switch f.Kind {
	case frame.KindCPURGB:
		buf := p.takeBuf(h, w)
		converted, err := rgbToNCHWF16(f, buf)
		if err != nil {
			return frame.Frame{}, err
		}
		out := make([]uint16, len(converted))
		copy(out, converted)
		p.storeBuf(converted, h, w)
		return frame.NewNCHWF16(out, f.Height, f.Width), nil

	case frame.KindNCHWF32:
		if len(f.F32) != 3*h*w {
			return frame.Frame{}, fmt.Errorf("SuperResPreprocess: NchwF32 length mismatch: expected %d (3x%dx%d), got %d",
				3*h*w, h, w, len(f.F32))
		}
		return frame.NewNCHWF16(f32ToF16Bits(f.F32), f.Height, f.Width), nil

	default:
		return frame.Frame{}, fmt.Errorf("SuperResPreprocess: expected CpuRgb or NchwF32, got %s", f.Kind)
	}
}

func (p *Preprocess) takeBuf(h, w int) []uint16 {
	if p.f16Buf != nil && p.f16BufH == h && p.f16BufW == w {
		buf := p.f16Buf
		p.f16Buf = nil
		return buf
	}
	return make([]uint16, 3*h*w)
}

func (p *Preprocess) storeBuf(buf []uint16, h, w int) {
	p.f16Buf = buf
	p.f16BufH = h
	p.f16BufW = w
}

// Inference runs FP16 inference: pad → session run → crop to
// (scale*h, scale*w). The session is shared with the sibling micro-stages;
// runs are serialised by its lock.
type Inference struct {
	session    *inference.SharedSession
	scale      int
	inputName  string
	outputName string
}

// NodeType implements node.Node.
func (s *Inference) NodeType() string { return "SuperResInference" }

// InputPorts implements node.Node.
func (s *Inference) InputPorts() []node.PortDefinition { return nil }

// OutputPorts implements node.Node.
func (s *Inference) OutputPorts() []node.PortDefinition { return nil }

// Execute implements node.Node.
func (s *Inference) Execute(_ map[string]node.PortData, _ *node.ExecutionContext) (map[string]node.PortData, error) {
	return map[string]node.PortData{}, nil
}

// ProcessFrame implements node.FrameProcessor.
func (s *Inference) ProcessFrame(f frame.Frame, _ *node.ExecutionContext) (frame.Frame, error) {
	if f.Kind != frame.KindNCHWF16 {
		return frame.Frame{}, fmt.Errorf("SuperResInference: expected NchwF16, got %s", f.Kind)
	}
	h := int(f.Height)
	w := int(f.Width)

	padded, ph, pw, err := tensor.ReflectPadF16(f.F16, h, w, padAlign)
	if err != nil {
		return frame.Frame{}, err
	}

	outputs, err := s.session.Run(map[string]*inference.Tensor{
		s.inputName: inference.NewF16Tensor([]int{1, 3, ph, pw}, padded),
	})
	if err != nil {
		return frame.Frame{}, fmt.Errorf("super-resolution inference: %w", err)
	}
	out, err := extractF16(outputs, s.outputName)
	if err != nil {
		return frame.Frame{}, err
	}

	outH := h * s.scale
	outW := w * s.scale
	cropped, err := tensor.CropF16(out, ph*s.scale, pw*s.scale, outH, outW)
	if err != nil {
		return frame.Frame{}, err
	}
	return frame.NewNCHWF16(cropped, uint32(outH), uint32(outW)), nil
}

// Postprocess converts NchwF16 back to CpuRgb: f16 → u8 with ×255
// denormalization and CHW → HWC interleave.
type Postprocess struct{}

// NodeType implements node.Node.
func (p *Postprocess) NodeType() string { return "SuperResPostprocess" }

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
	if f.Kind != frame.KindNCHWF16 {
		return frame.Frame{}, fmt.Errorf("SuperResPostprocess: expected NchwF16, got %s", f.Kind)
	}
	h := int(f.Height)
	w := int(f.Width)
	if len(f.F16) != 3*h*w {
		return frame.Frame{}, fmt.Errorf("SuperResPostprocess: f16 data length mismatch: expected %d, got %d",
			3*h*w, len(f.F16))
	}
	rgb := f16NCHWToRGB(f.F16, h, w)
	return frame.NewCPURGB(rgb, f.Width, f.Height, 8), nil
}
