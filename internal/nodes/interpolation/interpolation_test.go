package interpolation

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upscalarr/upscalarr/internal/frame"
	"github.com/upscalarr/upscalarr/internal/inference"
	"github.com/upscalarr/upscalarr/internal/node"
	"github.com/upscalarr/upscalarr/internal/tensor"
)

// fakeBlendSession linearly blends img0 and img1 at the requested timestep,
// standing in for a real interpolation model.
type fakeBlendSession struct {
	concatenated bool
	runs         int
}

func (s *fakeBlendSession) Inputs() []inference.IOInfo {
	if s.concatenated {
		return []inference.IOInfo{{Name: "input", Type: inference.F32}}
	}
	return []inference.IOInfo{
		{Name: "img0", Type: inference.F32},
		{Name: "img1", Type: inference.F32},
		{Name: "timestep", Type: inference.F32},
	}
}

func (s *fakeBlendSession) Outputs() []inference.IOInfo {
	return []inference.IOInfo{{Name: "output", Type: inference.F32}}
}

func (s *fakeBlendSession) Run(inputs map[string]*inference.Tensor) (map[string]*inference.Tensor, error) {
	s.runs++
	if s.concatenated {
		in, ok := inputs["input"]
		if !ok {
			return nil, errors.New("missing input 'input'")
		}
		if len(in.Shape) != 4 || in.Shape[1] != 7 {
			return nil, fmt.Errorf("expected [1,7,H,W] input, got %v", in.Shape)
		}
		phw := in.Shape[2] * in.Shape[3]
		t := in.F32[6*phw]
		out := make([]float32, 3*phw)
		for i := range out {
			out[i] = (1-t)*in.F32[i] + t*in.F32[3*phw+i]
		}
		return map[string]*inference.Tensor{
			"output": inference.NewF32Tensor([]int{1, 3, in.Shape[2], in.Shape[3]}, out),
		}, nil
	}

	img0 := inputs["img0"]
	img1 := inputs["img1"]
	ts := inputs["timestep"]
	if img0 == nil || img1 == nil || ts == nil {
		return nil, errors.New("missing three-input tensors")
	}
	t := ts.F32[0]
	out := make([]float32, len(img0.F32))
	for i := range out {
		out[i] = (1-t)*img0.F32[i] + t*img1.F32[i]
	}
	return map[string]*inference.Tensor{
		"output": inference.NewF32Tensor([]int{1, 3, img0.Shape[2], img0.Shape[3]}, out),
	}, nil
}

func (s *fakeBlendSession) Close() error { return nil }

func installFakeBuilder(t *testing.T, session inference.Session) {
	t.Helper()
	inference.SetBuilder(func(_ inference.Config) (inference.Session, error) {
		return session, nil
	})
	t.Cleanup(func() { inference.SetBuilder(nil) })
}

func loadedNode(t *testing.T, session inference.Session, multiplier int) *Node {
	t.Helper()
	installFakeBuilder(t, session)
	n := New()
	_, err := n.Execute(map[string]node.PortData{
		"model_path": node.PathData("models/rife_v4.22.onnx"),
		"multiplier": node.IntData(int64(multiplier)),
	}, node.NewExecutionContext())
	require.NoError(t, err)
	return n
}

func solidRGB(value byte, w, h int) frame.Frame {
	data := make([]byte, w*h*3)
	for i := range data {
		data[i] = value
	}
	return frame.NewCPURGB(data, uint32(w), uint32(h), 8)
}

func TestTimestepsForMultipliers(t *testing.T) {
	assert.Equal(t, []float32{0.5}, timestepsForMultiplier(2))

	steps3 := timestepsForMultiplier(3)
	require.Len(t, steps3, 2)
	assert.InDelta(t, 1.0/3.0, steps3[0], 1e-6)
	assert.InDelta(t, 2.0/3.0, steps3[1], 1e-6)

	assert.Equal(t, []float32{0.25, 0.5, 0.75}, timestepsForMultiplier(4))
}

func TestNodePorts(t *testing.T) {
	n := New()
	assert.Equal(t, "FrameInterpolation", n.NodeType())

	inputs := n.InputPorts()
	require.Len(t, inputs, 4)
	assert.Equal(t, "model_path", inputs[0].Name)
	assert.True(t, inputs[0].Required)
	assert.Equal(t, "multiplier", inputs[1].Name)
	assert.Equal(t, "backend", inputs[2].Name)
	assert.Equal(t, node.PortVideoFrames, inputs[3].PortType)

	outputs := n.OutputPorts()
	require.Len(t, outputs, 1)
	assert.Equal(t, node.PortVideoFrames, outputs[0].PortType)
}

func TestExecuteRejectsMultiplierBelowTwo(t *testing.T) {
	installFakeBuilder(t, &fakeBlendSession{concatenated: true})
	n := New()
	_, err := n.Execute(map[string]node.PortData{
		"model_path": node.PathData("m.onnx"),
		"multiplier": node.IntData(1),
	}, node.NewExecutionContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "multiplier must be >= 2")
}

func TestModelFormatDetection(t *testing.T) {
	concat := loadedNode(t, &fakeBlendSession{concatenated: true}, 2)
	assert.Equal(t, FormatConcatenated, concat.ModelFormat())

	three := loadedNode(t, &fakeBlendSession{}, 2)
	assert.Equal(t, FormatThreeInput, three.ModelFormat())
}

func TestSceneChangeSkipsInterpolation(t *testing.T) {
	n := New() // no session needed: the model is bypassed entirely
	frame0 := solidRGB(100, 32, 32)
	frame1 := solidRGB(200, 32, 32)

	result, err := n.ProcessFramePair(&frame0, &frame1, true)
	require.NoError(t, err)
	require.Len(t, result, 1)
	for _, b := range result[0].Bytes {
		require.Equal(t, byte(100), b)
	}
}

func TestSceneChange4x(t *testing.T) {
	n := New()
	n.multiplier = 4
	frame0 := solidRGB(50, 32, 32)
	frame1 := solidRGB(200, 32, 32)

	result, err := n.ProcessFramePair(&frame0, &frame1, true)
	require.NoError(t, err)
	require.Len(t, result, 3)
	for i, f := range result {
		assert.Equal(t, frame.KindCPURGB, f.Kind)
		for _, b := range f.Bytes {
			require.Equal(t, byte(50), b, "intermediate %d must duplicate the first frame", i)
		}
	}
}

func TestSceneChangePreservesCache(t *testing.T) {
	n := New()
	frame0 := solidRGB(128, 64, 48)
	frame1 := solidRGB(200, 64, 48)

	result, err := n.ProcessFramePair(&frame0, &frame1, true)
	require.NoError(t, err)
	require.Len(t, result, 1)

	require.NotNil(t, n.cachedImg1, "img1 must be cached after a scene change")
	assert.Equal(t, 48, n.cachedImg1.h)
	assert.Equal(t, 64, n.cachedImg1.w)
	// 48 pads to 64 at align 32.
	assert.Equal(t, 64, n.cachedImg1.ph)
	assert.Equal(t, 64, n.cachedImg1.pw)
	assert.Len(t, n.cachedImg1.data, 3*64*64)
}

func TestConcatenatedBlending4x(t *testing.T) {
	n := loadedNode(t, &fakeBlendSession{concatenated: true}, 4)

	frame0 := solidRGB(100, 32, 32)
	frame1 := solidRGB(200, 32, 32)
	result, err := n.ProcessFramePair(&frame0, &frame1, false)
	require.NoError(t, err)
	require.Len(t, result, 3)

	expected := []byte{125, 150, 175}
	for i, f := range result {
		require.Equal(t, frame.KindCPURGB, f.Kind)
		assert.Equal(t, uint32(32), f.Width)
		for _, b := range f.Bytes {
			require.InDelta(t, float64(expected[i]), float64(b), 1, "timestep %d", i)
		}
	}
}

func TestThreeInputBlending2x(t *testing.T) {
	session := &fakeBlendSession{}
	n := loadedNode(t, session, 2)

	frame0 := solidRGB(0, 32, 32)
	frame1 := solidRGB(200, 32, 32)
	result, err := n.ProcessFramePair(&frame0, &frame1, false)
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, 1, session.runs, "one timestep, one inference")
	for _, b := range result[0].Bytes {
		require.InDelta(t, 100.0, float64(b), 1)
	}
}

func TestUnalignedInputCropsToLogicalSize(t *testing.T) {
	n := loadedNode(t, &fakeBlendSession{concatenated: true}, 2)

	frame0 := solidRGB(10, 50, 30)
	frame1 := solidRGB(20, 50, 30)
	result, err := n.ProcessFramePair(&frame0, &frame1, false)
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, uint32(50), result[0].Width)
	assert.Equal(t, uint32(30), result[0].Height)
	assert.Len(t, result[0].Bytes, 50*30*3)
}

func TestCrossPairCachePopulatedAndReused(t *testing.T) {
	n := loadedNode(t, &fakeBlendSession{concatenated: true}, 2)

	frame0 := solidRGB(10, 32, 32)
	frame1 := solidRGB(20, 32, 32)
	_, err := n.ProcessFramePair(&frame0, &frame1, false)
	require.NoError(t, err)

	require.NotNil(t, n.cachedImg1, "cache must be populated after a non-scene-change pair")
	cachedPtr := &n.cachedImg1.data[0]

	// Next pair's img0 has matching dimensions: the cached buffer is reused.
	frame2 := solidRGB(30, 32, 32)
	_, err = n.ProcessFramePair(&frame1, &frame2, false)
	require.NoError(t, err)
	require.NotNil(t, n.cachedImg1)
	assert.NotSame(t, cachedPtr, &n.cachedImg1.data[0],
		"the old cache entry became img0; img1 occupies a different buffer")
}

func TestCrossPairCacheDiscardedOnDimensionChange(t *testing.T) {
	n := loadedNode(t, &fakeBlendSession{concatenated: true}, 2)

	a0 := solidRGB(10, 32, 32)
	a1 := solidRGB(20, 32, 32)
	_, err := n.ProcessFramePair(&a0, &a1, false)
	require.NoError(t, err)
	require.NotNil(t, n.cachedImg1)

	b0 := solidRGB(10, 64, 64)
	b1 := solidRGB(20, 64, 64)
	_, err = n.ProcessFramePair(&b0, &b1, false)
	require.NoError(t, err)
	require.NotNil(t, n.cachedImg1)
	assert.Equal(t, 64, n.cachedImg1.h, "cache must track the new dimensions")
}

func TestEmitTensorOutputsNCHWF32(t *testing.T) {
	n := loadedNode(t, &fakeBlendSession{concatenated: true}, 2)
	n.SetEmitTensor(true)

	frame0 := solidRGB(100, 32, 32)
	frame1 := solidRGB(200, 32, 32)
	result, err := n.ProcessFramePair(&frame0, &frame1, false)
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, frame.KindNCHWF32, result[0].Kind)
	assert.Equal(t, uint32(32), result[0].Height)
	assert.Len(t, result[0].F32, 3*32*32, "tensor output carries unpadded data")
}

func TestInterpolateWithoutSessionFails(t *testing.T) {
	n := New()
	frame0 := solidRGB(1, 32, 32)
	frame1 := solidRGB(2, 32, 32)
	_, err := n.ProcessFramePair(&frame0, &frame1, false)
	assert.ErrorIs(t, err, inference.ErrModelNotLoaded)
}

func TestMicroStagesNilForThreeInput(t *testing.T) {
	n := loadedNode(t, &fakeBlendSession{}, 2)
	assert.Nil(t, n.IntoMicroStages())
}

func TestMicroStagesPipeline(t *testing.T) {
	n := loadedNode(t, &fakeBlendSession{concatenated: true}, 4)
	stages := n.IntoMicroStages()
	require.NotNil(t, stages)

	ctx := node.NewExecutionContext()
	frame0 := solidRGB(100, 32, 32)
	frame1 := solidRGB(200, 32, 32)

	pre0, err := stages.Preprocess.ProcessFrame(frame0, ctx)
	require.NoError(t, err)
	require.Equal(t, frame.KindNCHWF32, pre0.Kind)
	assert.Equal(t, uint32(32), pre0.Height)

	pre1, err := stages.Preprocess.ProcessFrame(frame1, ctx)
	require.NoError(t, err)

	mids, err := stages.Inference.Interpolate(&pre0, &pre1, false, ctx)
	require.NoError(t, err)
	require.Len(t, mids, 3)

	expected := []byte{125, 150, 175}
	for i, mid := range mids {
		require.Equal(t, frame.KindNCHWF32, mid.Kind)
		post, err := stages.Postprocess.ProcessFrame(mid, ctx)
		require.NoError(t, err)
		require.Equal(t, frame.KindCPURGB, post.Kind)
		for _, b := range post.Bytes {
			require.InDelta(t, float64(expected[i]), float64(b), 1)
		}
	}
}

func TestMicroInferenceSceneChangeDuplicates(t *testing.T) {
	n := loadedNode(t, &fakeBlendSession{concatenated: true}, 4)
	stages := n.IntoMicroStages()
	require.NotNil(t, stages)

	ctx := node.NewExecutionContext()
	prev := frame.NewNCHWF32(make([]float32, 3*32*32), 32, 32)
	curr := frame.NewNCHWF32(make([]float32, 3*32*32), 32, 32)

	result, err := stages.Inference.Interpolate(&prev, &curr, true, ctx)
	require.NoError(t, err)
	require.Len(t, result, 3)
	for _, f := range result {
		assert.Equal(t, frame.KindNCHWF32, f.Kind)
	}
}

func TestMicroPostprocessAcceptsPaddedAndCropped(t *testing.T) {
	ctx := node.NewExecutionContext()
	post := &Postprocess{}

	// Cropped payload for 30x50: 30 pads to 32, 50 pads to 64.
	cropped := frame.NewNCHWF32(make([]float32, 3*30*50), 30, 50)
	out, err := post.ProcessFrame(cropped, ctx)
	require.NoError(t, err)
	assert.Equal(t, frame.KindCPURGB, out.Kind)
	assert.Len(t, out.Bytes, 30*50*3)

	padded := frame.NewNCHWF32(make([]float32, 3*32*64), 30, 50)
	out, err = post.ProcessFrame(padded, ctx)
	require.NoError(t, err)
	assert.Len(t, out.Bytes, 30*50*3)

	// Neither cropped nor padded length is rejected.
	bogus := frame.NewNCHWF32(make([]float32, 99), 30, 50)
	_, err = post.ProcessFrame(bogus, ctx)
	assert.Error(t, err)
}

func TestMicroPostprocessEmitTensor(t *testing.T) {
	ctx := node.NewExecutionContext()
	post := &Postprocess{EmitTensor: true}

	padded := frame.NewNCHWF32(make([]float32, 3*32*64), 30, 50)
	out, err := post.ProcessFrame(padded, ctx)
	require.NoError(t, err)
	assert.Equal(t, frame.KindNCHWF32, out.Kind)
	assert.Len(t, out.F32, 3*30*50, "tensor mode reconstructs the unpadded payload")
}

func TestRGBToNCHWPaddedReflection(t *testing.T) {
	// 2x2 frame pads to 32x32; check normalization and reflection.
	f := frame.NewCPURGB([]byte{255, 0, 0, 0, 255, 0, 0, 0, 255, 128, 128, 128}, 2, 2, 8)
	out, err := rgbToNCHWPadded(f, nil)
	require.NoError(t, err)
	assert.Equal(t, 32, out.ph)
	assert.Equal(t, 32, out.pw)

	at := func(c, y, x int) float32 { return out.data[c*32*32+y*32+x] }
	assert.InDelta(t, 1.0, at(0, 0, 0), 1e-5)
	assert.InDelta(t, 1.0, at(1, 0, 1), 1e-5)
	assert.InDelta(t, 128.0/255.0, at(0, 1, 1), 1e-5)

	// Bottom reflection: row 2 mirrors row 1, row 3 mirrors row 0.
	assert.Equal(t, at(0, 1, 0), at(0, 2, 0))
	assert.Equal(t, at(0, 0, 0), at(0, 3, 0))
	// Right reflection: col 2 mirrors col 1.
	assert.Equal(t, at(1, 0, 1), at(1, 0, 2))
}

func TestRGBToNCHWPaddedHighBitDepth(t *testing.T) {
	data := make([]byte, 2*2*6)
	for p := 0; p < 4; p++ {
		data[p*6] = 0x00 // r low
		data[p*6+1] = 0x00
		data[p*6+2] = 0x00 // g = 512
		data[p*6+3] = 0x02
		data[p*6+4] = 0xFF // b = 1023
		data[p*6+5] = 0x03
	}
	f := frame.NewCPURGB(data, 2, 2, 10)
	out, err := rgbToNCHWPadded(f, nil)
	require.NoError(t, err)

	phw := out.ph * out.pw
	assert.InDelta(t, 0.0, out.data[0], 1e-5)
	assert.InDelta(t, 128.0/255.0, out.data[phw], 1e-3)
	assert.InDelta(t, 1.0, out.data[2*phw], 1e-5)
}

func TestDuplicateFrameVariants(t *testing.T) {
	rgb := solidRGB(42, 4, 4)
	dupes, err := duplicateFrame(&rgb, 3)
	require.NoError(t, err)
	require.Len(t, dupes, 3)
	dupes[0].Bytes[0] = 0
	assert.Equal(t, byte(42), rgb.Bytes[0], "duplicates must be deep copies")

	f32 := frame.NewNCHWF32([]float32{1, 2, 3}, 1, 1)
	dupes, err = duplicateFrame(&f32, 2)
	require.NoError(t, err)
	assert.Len(t, dupes, 2)

	f16 := frame.NewNCHWF16([]uint16{7}, 1, 1)
	dupes, err = duplicateFrame(&f16, 2)
	require.NoError(t, err)
	assert.Len(t, dupes, 2)
}

func TestFromParams(t *testing.T) {
	n, err := FromParams(map[string]json.RawMessage{})
	require.NoError(t, err)
	assert.Equal(t, "FrameInterpolation", n.NodeType())
}

func TestPadAlignIs32(t *testing.T) {
	assert.Equal(t, 0, tensor.PadAmount(1920, padAlign))
	assert.Equal(t, 8, tensor.PadAmount(1080, padAlign))
}
