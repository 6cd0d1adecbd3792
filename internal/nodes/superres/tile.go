package superres

import (
	"fmt"

	"github.com/upscalarr/upscalarr/internal/inference"
	"github.com/upscalarr/upscalarr/internal/tensor"
)

// runTiledF32 runs FP32 inference tile by tile over the padded input. The
// grid walks at stride tile_size - 2*overlap; each tile reads a window of up
// to tile_size pixels starting at max(0, pos-overlap), and only the inner
// usable region is written to the output.
func (n *Node) runTiledF32(padded []float32, ph, pw, h, w int) ([]float32, error) {
	outH := h * n.scale
	outW := w * n.scale
	output := make([]float32, 3*outH*outW)

	step := n.tileSize - 2*tileOverlap
	if step <= 0 {
		return nil, fmt.Errorf("tile_size (%d) is too small for overlap (%d)", n.tileSize, tileOverlap)
	}

	for y := 0; y < h; y += step {
		for x := 0; x < w; x += step {
			inY0 := max(0, y-tileOverlap)
			inX0 := max(0, x-tileOverlap)
			inY1 := min(y+n.tileSize, ph)
			inX1 := min(x+n.tileSize, pw)
			tileH := inY1 - inY0
			tileW := inX1 - inX0

			tile := windowF32(padded, ph, pw, inY0, inX0, tileH, tileW)
			tilePadded, tph, tpw, err := tensor.ReflectPadF32(tile, tileH, tileW, padAlign)
			if err != nil {
				return nil, err
			}

			outputs, err := n.session.Run(map[string]*inference.Tensor{
				n.inputName: inference.NewF32Tensor([]int{1, 3, tph, tpw}, tilePadded),
			})
			if err != nil {
				return nil, fmt.Errorf("tiled inference at (%d,%d): %w", y, x, err)
			}
			tileOut, err := extractF32(outputs, n.outputName)
			if err != nil {
				return nil, err
			}

			if err := assembleTileF32(output, outH, outW, tileOut, tph*n.scale, tpw*n.scale,
				y, x, inY0, inX0, tileH, tileW, h, w, n.scale); err != nil {
				return nil, err
			}
		}
	}
	return output, nil
}

// runTiledF16 is runTiledF32 for half-precision payloads.
func (n *Node) runTiledF16(padded []uint16, ph, pw, h, w int) ([]uint16, error) {
	outH := h * n.scale
	outW := w * n.scale
	output := make([]uint16, 3*outH*outW)

	step := n.tileSize - 2*tileOverlap
	if step <= 0 {
		return nil, fmt.Errorf("tile_size (%d) is too small for overlap (%d)", n.tileSize, tileOverlap)
	}

	for y := 0; y < h; y += step {
		for x := 0; x < w; x += step {
			inY0 := max(0, y-tileOverlap)
			inX0 := max(0, x-tileOverlap)
			inY1 := min(y+n.tileSize, ph)
			inX1 := min(x+n.tileSize, pw)
			tileH := inY1 - inY0
			tileW := inX1 - inX0

			tile := windowF16(padded, ph, pw, inY0, inX0, tileH, tileW)
			tilePadded, tph, tpw, err := tensor.ReflectPadF16(tile, tileH, tileW, padAlign)
			if err != nil {
				return nil, err
			}

			outputs, err := n.session.Run(map[string]*inference.Tensor{
				n.inputName: inference.NewF16Tensor([]int{1, 3, tph, tpw}, tilePadded),
			})
			if err != nil {
				return nil, fmt.Errorf("tiled inference at (%d,%d): %w", y, x, err)
			}
			tileOut, err := extractF16(outputs, n.outputName)
			if err != nil {
				return nil, err
			}

			if err := assembleTileF16(output, outH, outW, tileOut, tph*n.scale, tpw*n.scale,
				y, x, inY0, inX0, tileH, tileW, h, w, n.scale); err != nil {
				return nil, err
			}
		}
	}
	return output, nil
}

// windowF32 copies the [y0:y0+th, x0:x0+tw] window out of a [1,3,H,W] tensor.
func windowF32(src []float32, srcH, srcW, y0, x0, th, tw int) []float32 {
	out := make([]float32, 3*th*tw)
	for c := 0; c < 3; c++ {
		srcPlane := src[c*srcH*srcW : (c+1)*srcH*srcW]
		outPlane := out[c*th*tw : (c+1)*th*tw]
		for y := 0; y < th; y++ {
			copy(outPlane[y*tw:(y+1)*tw], srcPlane[(y0+y)*srcW+x0:(y0+y)*srcW+x0+tw])
		}
	}
	return out
}

func windowF16(src []uint16, srcH, srcW, y0, x0, th, tw int) []uint16 {
	out := make([]uint16, 3*th*tw)
	for c := 0; c < 3; c++ {
		srcPlane := src[c*srcH*srcW : (c+1)*srcH*srcW]
		outPlane := out[c*th*tw : (c+1)*th*tw]
		for y := 0; y < th; y++ {
			copy(outPlane[y*tw:(y+1)*tw], srcPlane[(y0+y)*srcW+x0:(y0+y)*srcW+x0+tw])
		}
	}
	return out
}

// assembleTileF32 writes a tile's usable (non-overlap) output region into
// the assembled frame.
func assembleTileF32(output []float32, outH, outW int, tileOut []float32, tileOutH, tileOutW int,
	y, x, inY0, inX0, tileH, tileW, h, w, scale int) error {
	outY0 := y * scale
	outX0 := x * scale
	cropY0 := (y - inY0) * scale
	cropX0 := (x - inX0) * scale

	usableH := min(tileH-(y-inY0), h-y)
	usableW := min(tileW-(x-inX0), w-x)

	endY := min(outY0+usableH*scale, outH)
	endX := min(outX0+usableW*scale, outW)
	actualH := endY - outY0
	actualW := endX - outX0

	if cropY0+actualH > tileOutH || cropX0+actualW > tileOutW {
		return fmt.Errorf("tile output %dx%d too small for crop (%d,%d)+(%d,%d)",
			tileOutH, tileOutW, cropY0, cropX0, actualH, actualW)
	}

	for c := 0; c < 3; c++ {
		outPlane := output[c*outH*outW : (c+1)*outH*outW]
		tilePlane := tileOut[c*tileOutH*tileOutW : (c+1)*tileOutH*tileOutW]
		for row := 0; row < actualH; row++ {
			src := (cropY0+row)*tileOutW + cropX0
			dst := (outY0+row)*outW + outX0
			copy(outPlane[dst:dst+actualW], tilePlane[src:src+actualW])
		}
	}
	return nil
}

func assembleTileF16(output []uint16, outH, outW int, tileOut []uint16, tileOutH, tileOutW int,
	y, x, inY0, inX0, tileH, tileW, h, w, scale int) error {
	outY0 := y * scale
	outX0 := x * scale
	cropY0 := (y - inY0) * scale
	cropX0 := (x - inX0) * scale

	usableH := min(tileH-(y-inY0), h-y)
	usableW := min(tileW-(x-inX0), w-x)

	endY := min(outY0+usableH*scale, outH)
	endX := min(outX0+usableW*scale, outW)
	actualH := endY - outY0
	actualW := endX - outX0

	if cropY0+actualH > tileOutH || cropX0+actualW > tileOutW {
		return fmt.Errorf("tile output %dx%d too small for crop (%d,%d)+(%d,%d)",
			tileOutH, tileOutW, cropY0, cropX0, actualH, actualW)
	}

	for c := 0; c < 3; c++ {
		outPlane := output[c*outH*outW : (c+1)*outH*outW]
		tilePlane := tileOut[c*tileOutH*tileOutW : (c+1)*tileOutH*tileOutW]
		for row := 0; row < actualH; row++ {
			src := (cropY0+row)*tileOutW + cropX0
			dst := (outY0+row)*outW + outX0
			copy(outPlane[dst:dst+actualW], tilePlane[src:src+actualW])
		}
	}
	return nil
}
