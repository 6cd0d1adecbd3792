package superres

import (
	"encoding/binary"
	"fmt"

	"github.com/x448/float16"

	"github.com/upscalarr/upscalarr/internal/frame"
	"github.com/upscalarr/upscalarr/internal/tensor"
)

// rgbToNCHWF32 converts interleaved HWC RGB bytes to an unpadded [1,3,H,W]
// float32 tensor in the 0–255 range (FP32 models expect 0–255, not 0–1).
// High bit depths are quantized to 8-bit first; 16-bit is scaled linearly.
// dst must have length 3*H*W; it is filled and returned.
func rgbToNCHWF32(f frame.Frame, dst []float32) ([]float32, error) {
	if err := f.ValidateRGB(); err != nil {
		return nil, err
	}
	h := int(f.Height)
	w := int(f.Width)
	hw := h * w
	if len(dst) != 3*hw {
		return nil, fmt.Errorf("scratch buffer length mismatch: expected %d, got %d", 3*hw, len(dst))
	}
	data := f.Bytes

	switch {
	case f.BitDepth == 8:
		for i := 0; i < hw; i++ {
			src := i * 3
			dst[i] = float32(data[src])
			dst[hw+i] = float32(data[src+1])
			dst[2*hw+i] = float32(data[src+2])
		}
	case f.BitDepth == 16:
		const scale = 255.0 / 65535.0
		for i := 0; i < hw; i++ {
			src := i * 6
			dst[i] = float32(binary.LittleEndian.Uint16(data[src:])) * scale
			dst[hw+i] = float32(binary.LittleEndian.Uint16(data[src+2:])) * scale
			dst[2*hw+i] = float32(binary.LittleEndian.Uint16(data[src+4:])) * scale
		}
	default: // 9..15
		sourceMax := tensor.InferHighBitSourceMax(f.BitDepth, data)
		for i := 0; i < hw; i++ {
			src := i * 6
			r := tensor.QuantizeHighBitSample(uint32(binary.LittleEndian.Uint16(data[src:])), sourceMax)
			g := tensor.QuantizeHighBitSample(uint32(binary.LittleEndian.Uint16(data[src+2:])), sourceMax)
			b := tensor.QuantizeHighBitSample(uint32(binary.LittleEndian.Uint16(data[src+4:])), sourceMax)
			dst[i] = float32(r)
			dst[hw+i] = float32(g)
			dst[2*hw+i] = float32(b)
		}
	}
	return dst, nil
}

// rgbToNCHWF16 converts interleaved HWC RGB bytes to an unpadded [1,3,H,W]
// half-precision tensor in the 0–1 range (FP16 models expect 0–1).
func rgbToNCHWF16(f frame.Frame, dst []uint16) ([]uint16, error) {
	if err := f.ValidateRGB(); err != nil {
		return nil, err
	}
	h := int(f.Height)
	w := int(f.Width)
	hw := h * w
	if len(dst) != 3*hw {
		return nil, fmt.Errorf("scratch buffer length mismatch: expected %d, got %d", 3*hw, len(dst))
	}
	data := f.Bytes

	switch {
	case f.BitDepth == 8:
		for i := 0; i < hw; i++ {
			src := i * 3
			dst[i] = float16.Fromfloat32(float32(data[src]) / 255).Bits()
			dst[hw+i] = float16.Fromfloat32(float32(data[src+1]) / 255).Bits()
			dst[2*hw+i] = float16.Fromfloat32(float32(data[src+2]) / 255).Bits()
		}
	case f.BitDepth == 16:
		for i := 0; i < hw; i++ {
			src := i * 6
			dst[i] = float16.Fromfloat32(float32(binary.LittleEndian.Uint16(data[src:])) / 65535).Bits()
			dst[hw+i] = float16.Fromfloat32(float32(binary.LittleEndian.Uint16(data[src+2:])) / 65535).Bits()
			dst[2*hw+i] = float16.Fromfloat32(float32(binary.LittleEndian.Uint16(data[src+4:])) / 65535).Bits()
		}
	default: // 9..15
		sourceMax := tensor.InferHighBitSourceMax(f.BitDepth, data)
		for i := 0; i < hw; i++ {
			src := i * 6
			r := tensor.QuantizeHighBitSample(uint32(binary.LittleEndian.Uint16(data[src:])), sourceMax)
			g := tensor.QuantizeHighBitSample(uint32(binary.LittleEndian.Uint16(data[src+2:])), sourceMax)
			b := tensor.QuantizeHighBitSample(uint32(binary.LittleEndian.Uint16(data[src+4:])), sourceMax)
			dst[i] = float16.Fromfloat32(float32(r) / 255).Bits()
			dst[hw+i] = float16.Fromfloat32(float32(g) / 255).Bits()
			dst[2*hw+i] = float16.Fromfloat32(float32(b) / 255).Bits()
		}
	}
	return dst, nil
}

// nchwF32ToRGB interleaves a [1,3,H,W] float32 tensor into 8-bit RGB,
// clamping to 0–255. normalizer is 1 for FP32 models (already 0–255) and
// 255 for 0–1 payloads.
func nchwF32ToRGB(src []float32, h, w int, normalizer float32) []byte {
	hw := h * w
	rgb := make([]byte, hw*3)
	for i := 0; i < hw; i++ {
		rgb[i*3] = clampToByte(src[i] * normalizer)
		rgb[i*3+1] = clampToByte(src[hw+i] * normalizer)
		rgb[i*3+2] = clampToByte(src[2*hw+i] * normalizer)
	}
	return rgb
}

// f16NCHWToRGB interleaves a [1,3,H,W] half tensor (0–1 range) into 8-bit
// RGB with ×255 denormalization.
func f16NCHWToRGB(src []uint16, h, w int) []byte {
	hw := h * w
	rgb := make([]byte, hw*3)
	for i := 0; i < hw; i++ {
		rgb[i*3] = clampToByte(float16.Frombits(src[i]).Float32() * 255)
		rgb[i*3+1] = clampToByte(float16.Frombits(src[hw+i]).Float32() * 255)
		rgb[i*3+2] = clampToByte(float16.Frombits(src[2*hw+i]).Float32() * 255)
	}
	return rgb
}

func clampToByte(v float32) byte {
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return byte(v)
}

// f32ToF16Bits converts a float32 slice to raw binary16 bit patterns.
func f32ToF16Bits(src []float32) []uint16 {
	out := make([]uint16, len(src))
	for i, v := range src {
		out[i] = float16.Fromfloat32(v).Bits()
	}
	return out
}
