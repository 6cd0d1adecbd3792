// Package tensor provides the planar-tensor primitives shared by the ML
// stages: reflection padding, cropping, and high-bit-depth quantization.
// Tensors are [1,3,H,W] contiguous slices (channel planes of H*W values).
package tensor

import (
	"encoding/binary"
	"fmt"
)

// PadAmount returns how many rows/columns must be added so dim becomes a
// multiple of align.
func PadAmount(dim, align int) int {
	return (align - (dim % align)) % align
}

// ReflectPadF32 reflection-pads a [1,3,h,w] float32 tensor so both spatial
// dimensions are multiples of align. The boundary row/column is repeated:
// padded row h+i copies row h-1-i (columns likewise). Returns the (possibly
// shared) buffer plus the padded dimensions.
func ReflectPadF32(src []float32, h, w, align int) ([]float32, int, int, error) {
	if len(src) != 3*h*w {
		return nil, 0, 0, fmt.Errorf("tensor length mismatch: expected %d (3x%dx%d), got %d",
			3*h*w, h, w, len(src))
	}
	padH := PadAmount(h, align)
	padW := PadAmount(w, align)
	if padH == 0 && padW == 0 {
		return src, h, w, nil
	}

	newH := h + padH
	newW := w + padW
	dst := make([]float32, 3*newH*newW)

	for c := 0; c < 3; c++ {
		srcPlane := src[c*h*w : (c+1)*h*w]
		dstPlane := dst[c*newH*newW : (c+1)*newH*newW]

		for y := 0; y < h; y++ {
			copy(dstPlane[y*newW:y*newW+w], srcPlane[y*w:(y+1)*w])
		}
		// Bottom edge mirrors the nearest interior rows.
		for y := 0; y < padH; y++ {
			srcY := mirrorIndex(h, y)
			copy(dstPlane[(h+y)*newW:(h+y)*newW+w], srcPlane[srcY*w:(srcY+1)*w])
		}
		// Right edge mirrors the nearest interior columns across all rows,
		// including the freshly written bottom padding.
		for x := 0; x < padW; x++ {
			srcX := mirrorIndex(w, x)
			for y := 0; y < newH; y++ {
				dstPlane[y*newW+w+x] = dstPlane[y*newW+srcX]
			}
		}
	}
	return dst, newH, newW, nil
}

// mirrorIndex returns the interior index reflected across the content edge
// for the i-th padding position, clamped to the first row/column when the
// pad exceeds the content.
func mirrorIndex(size, i int) int {
	idx := size - 1 - i
	if idx < 0 {
		return 0
	}
	return idx
}

// ReflectPadF16 is ReflectPadF32 for raw binary16 payloads.
func ReflectPadF16(src []uint16, h, w, align int) ([]uint16, int, int, error) {
	if len(src) != 3*h*w {
		return nil, 0, 0, fmt.Errorf("tensor length mismatch: expected %d (3x%dx%d), got %d",
			3*h*w, h, w, len(src))
	}
	padH := PadAmount(h, align)
	padW := PadAmount(w, align)
	if padH == 0 && padW == 0 {
		return src, h, w, nil
	}

	newH := h + padH
	newW := w + padW
	dst := make([]uint16, 3*newH*newW)

	for c := 0; c < 3; c++ {
		srcPlane := src[c*h*w : (c+1)*h*w]
		dstPlane := dst[c*newH*newW : (c+1)*newH*newW]

		for y := 0; y < h; y++ {
			copy(dstPlane[y*newW:y*newW+w], srcPlane[y*w:(y+1)*w])
		}
		for y := 0; y < padH; y++ {
			srcY := mirrorIndex(h, y)
			copy(dstPlane[(h+y)*newW:(h+y)*newW+w], srcPlane[srcY*w:(srcY+1)*w])
		}
		for x := 0; x < padW; x++ {
			srcX := mirrorIndex(w, x)
			for y := 0; y < newH; y++ {
				dstPlane[y*newW+w+x] = dstPlane[y*newW+srcX]
			}
		}
	}
	return dst, newH, newW, nil
}

// CropF32 extracts the top-left [..h,..w] region from a [1,3,srcH,srcW]
// tensor. When no crop is needed the source is returned as-is.
func CropF32(src []float32, srcH, srcW, h, w int) ([]float32, error) {
	if len(src) != 3*srcH*srcW {
		return nil, fmt.Errorf("tensor length mismatch: expected %d (3x%dx%d), got %d",
			3*srcH*srcW, srcH, srcW, len(src))
	}
	if srcH == h && srcW == w {
		return src, nil
	}
	if h > srcH || w > srcW {
		return nil, fmt.Errorf("crop %dx%d exceeds source %dx%d", h, w, srcH, srcW)
	}
	dst := make([]float32, 3*h*w)
	for c := 0; c < 3; c++ {
		srcPlane := src[c*srcH*srcW : (c+1)*srcH*srcW]
		dstPlane := dst[c*h*w : (c+1)*h*w]
		for y := 0; y < h; y++ {
			copy(dstPlane[y*w:(y+1)*w], srcPlane[y*srcW:y*srcW+w])
		}
	}
	return dst, nil
}

// CropF16 is CropF32 for raw binary16 payloads.
func CropF16(src []uint16, srcH, srcW, h, w int) ([]uint16, error) {
	if len(src) != 3*srcH*srcW {
		return nil, fmt.Errorf("tensor length mismatch: expected %d (3x%dx%d), got %d",
			3*srcH*srcW, srcH, srcW, len(src))
	}
	if srcH == h && srcW == w {
		return src, nil
	}
	if h > srcH || w > srcW {
		return nil, fmt.Errorf("crop %dx%d exceeds source %dx%d", h, w, srcH, srcW)
	}
	dst := make([]uint16, 3*h*w)
	for c := 0; c < 3; c++ {
		srcPlane := src[c*srcH*srcW : (c+1)*srcH*srcW]
		dstPlane := dst[c*h*w : (c+1)*h*w]
		for y := 0; y < h; y++ {
			copy(dstPlane[y*w:(y+1)*w], srcPlane[y*srcW:y*srcW+w])
		}
	}
	return dst, nil
}

// InferHighBitSourceMax picks the quantization denominator for 9..15-bit
// sources: the native maximum, unless any sample exceeds it, in which case
// the data is assumed to span the full 16-bit range.
func InferHighBitSourceMax(bitDepth uint8, data []byte) uint32 {
	nativeMax := uint32(1)<<bitDepth - 1
	for i := 0; i+1 < len(data); i += 2 {
		if uint32(binary.LittleEndian.Uint16(data[i:])) > nativeMax {
			return 65535
		}
	}
	return nativeMax
}

// QuantizeHighBitSample maps a high-bit sample onto 0..255 with rounding.
func QuantizeHighBitSample(sample, sourceMax uint32) uint8 {
	if sample > sourceMax {
		sample = sourceMax
	}
	return uint8((sample*255 + sourceMax/2) / sourceMax)
}
