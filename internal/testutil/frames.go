// Package testutil provides sample frame data for tests.
package testutil

import (
	"github.com/upscalarr/upscalarr/internal/frame"
)

// SolidRGB builds an 8-bit RGB frame with every byte set to value.
func SolidRGB(value byte, width, height int) frame.Frame {
	data := make([]byte, width*height*3)
	for i := range data {
		data[i] = value
	}
	return frame.NewCPURGB(data, uint32(width), uint32(height), 8)
}

// GradientRGB builds an 8-bit RGB frame with a deterministic byte ramp.
func GradientRGB(width, height int) frame.Frame {
	data := make([]byte, width*height*3)
	for i := range data {
		data[i] = byte((i * 5) % 256)
	}
	return frame.NewCPURGB(data, uint32(width), uint32(height), 8)
}

// IndexFrames builds count 1x1 frames whose first byte is the frame index,
// the standard shape for executor ordering tests.
func IndexFrames(count int) []frame.Frame {
	frames := make([]frame.Frame, count)
	for i := range frames {
		v := byte(i % 256)
		frames[i] = frame.NewCPURGB([]byte{v, v, v}, 1, 1, 8)
	}
	return frames
}

// FirstBytes extracts the first byte of each RGB frame.
func FirstBytes(frames []frame.Frame) []byte {
	out := make([]byte, len(frames))
	for i, f := range frames {
		out[i] = f.Bytes[0]
	}
	return out
}
