package interpolation

import (
	"encoding/binary"
	"fmt"

	"github.com/x448/float16"

	"github.com/upscalarr/upscalarr/internal/frame"
	"github.com/upscalarr/upscalarr/internal/tensor"
)

// nchwTensor is a padded [1,3,PH,PW] float32 tensor together with the
// logical (unpadded) content size it was built from.
type nchwTensor struct {
	data   []float32
	ph, pw int
	h, w   int
}

// rgbToNCHWPadded scatters interleaved RGB directly into a padded-size NCHW
// buffer normalised to 0–1, then applies reflection padding in place. The
// provided buffer is reused when its shape matches.
func rgbToNCHWPadded(f frame.Frame, buf []float32) (nchwTensor, error) {
	if err := f.ValidateRGB(); err != nil {
		return nchwTensor{}, err
	}
	h := int(f.Height)
	w := int(f.Width)
	ph := h + tensor.PadAmount(h, padAlign)
	pw := w + tensor.PadAmount(w, padAlign)
	size := 3 * ph * pw

	dst := buf
	if len(dst) != size {
		dst = make([]float32, size)
	}

	phw := ph * pw
	data := f.Bytes

	switch {
	case f.BitDepth == 8:
		for y := 0; y < h; y++ {
			rowSrc := y * w * 3
			rowDst := y * pw
			for x := 0; x < w; x++ {
				src := rowSrc + x*3
				dst[rowDst+x] = float32(data[src]) / 255
				dst[phw+rowDst+x] = float32(data[src+1]) / 255
				dst[2*phw+rowDst+x] = float32(data[src+2]) / 255
			}
		}
	case f.BitDepth == 16:
		for y := 0; y < h; y++ {
			rowSrc := y * w * 6
			rowDst := y * pw
			for x := 0; x < w; x++ {
				src := rowSrc + x*6
				dst[rowDst+x] = float32(binary.LittleEndian.Uint16(data[src:])) / 65535
				dst[phw+rowDst+x] = float32(binary.LittleEndian.Uint16(data[src+2:])) / 65535
				dst[2*phw+rowDst+x] = float32(binary.LittleEndian.Uint16(data[src+4:])) / 65535
			}
		}
	default: // 9..15
		sourceMax := tensor.InferHighBitSourceMax(f.BitDepth, data)
		for y := 0; y < h; y++ {
			rowSrc := y * w * 6
			rowDst := y * pw
			for x := 0; x < w; x++ {
				src := rowSrc + x*6
				r := tensor.QuantizeHighBitSample(uint32(binary.LittleEndian.Uint16(data[src:])), sourceMax)
				g := tensor.QuantizeHighBitSample(uint32(binary.LittleEndian.Uint16(data[src+2:])), sourceMax)
				b := tensor.QuantizeHighBitSample(uint32(binary.LittleEndian.Uint16(data[src+4:])), sourceMax)
				dst[rowDst+x] = float32(r) / 255
				dst[phw+rowDst+x] = float32(g) / 255
				dst[2*phw+rowDst+x] = float32(b) / 255
			}
		}
	}

	// Reflection padding in place: bottom rows mirror interior rows, then
	// right columns mirror interior columns across all padded rows.
	padH := ph - h
	padW := pw - w
	if padH > 0 || padW > 0 {
		for c := 0; c < 3; c++ {
			plane := dst[c*phw : (c+1)*phw]
			for y := 0; y < padH; y++ {
				srcY := mirrorIndex(h, y)
				copy(plane[(h+y)*pw:(h+y)*pw+w], plane[srcY*pw:srcY*pw+w])
			}
			for x := 0; x < padW; x++ {
				srcX := mirrorIndex(w, x)
				for row := 0; row < ph; row++ {
					plane[row*pw+w+x] = plane[row*pw+srcX]
				}
			}
		}
	}

	return nchwTensor{data: dst, ph: ph, pw: pw, h: h, w: w}, nil
}

// frameToNCHW converts any supported frame variant to a padded NCHW tensor.
func frameToNCHW(f *frame.Frame) (nchwTensor, error) {
	switch f.Kind {
	case frame.KindCPURGB:
		return rgbToNCHWPadded(*f, nil)
	case frame.KindNCHWF32:
		return f32ToNCHWPadded(f.F32, int(f.Height), int(f.Width))
	case frame.KindNCHWF16:
		h := int(f.Height)
		w := int(f.Width)
		if len(f.F16) != 3*h*w {
			return nchwTensor{}, fmt.Errorf("NchwF16 length mismatch: expected %d (3x%dx%d), got %d",
				3*h*w, h, w, len(f.F16))
		}
		f32Data := make([]float32, len(f.F16))
		for i, bits := range f.F16 {
			f32Data[i] = float16.Frombits(bits).Float32()
		}
		return f32ToNCHWPadded(f32Data, h, w)
	default:
		return nchwTensor{}, fmt.Errorf("frame interpolation does not support %s input", f.Kind)
	}
}

// f32ToNCHWPadded pads an unpadded 0–1 tensor; the ÷255 normalization is
// skipped since tensor data is already normalised.
func f32ToNCHWPadded(data []float32, h, w int) (nchwTensor, error) {
	padded, ph, pw, err := tensor.ReflectPadF32(data, h, w, padAlign)
	if err != nil {
		return nchwTensor{}, err
	}
	return nchwTensor{data: padded, ph: ph, pw: pw, h: h, w: w}, nil
}

// nchwToRGB interleaves a cropped [1,3,h,w] 0–1 tensor into 8-bit RGB with
// rounding and clamping.
func nchwToRGB(src []float32, h, w int) []byte {
	hw := h * w
	rgb := make([]byte, hw*3)
	for i := 0; i < hw; i++ {
		rgb[i*3] = roundToByte(src[i] * 255)
		rgb[i*3+1] = roundToByte(src[hw+i] * 255)
		rgb[i*3+2] = roundToByte(src[2*hw+i] * 255)
	}
	return rgb
}

// mirrorIndex reflects the i-th padding position across the content edge,
// clamped to the first row/column when the pad exceeds the content.
func mirrorIndex(size, i int) int {
	idx := size - 1 - i
	if idx < 0 {
		return 0
	}
	return idx
}

func roundToByte(v float32) byte {
	v += 0.5
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return byte(v)
}
