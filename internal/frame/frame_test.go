package frame

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindString(t *testing.T) {
	assert.Equal(t, "CpuRgb", KindCPURGB.String())
	assert.Equal(t, "NchwF32", KindNCHWF32.String())
	assert.Equal(t, "NchwF16", KindNCHWF16.String())
	assert.Equal(t, "CpuTensor", KindCPUTensor.String())
}

func TestCloneIsDeep(t *testing.T) {
	original := NewCPURGB([]byte{1, 2, 3}, 1, 1, 8)
	clone := original.Clone()

	clone.Bytes[0] = 99
	assert.Equal(t, byte(1), original.Bytes[0], "clone must not alias the original payload")
	assert.Equal(t, original.Width, clone.Width)
	assert.Equal(t, original.BitDepth, clone.BitDepth)
}

func TestCloneTensorVariants(t *testing.T) {
	f32 := NewNCHWF32([]float32{0.5, 0.25, 0.75}, 1, 1)
	c32 := f32.Clone()
	c32.F32[0] = 0
	assert.Equal(t, float32(0.5), f32.F32[0])

	f16 := NewNCHWF16([]uint16{0x3c00}, 1, 1)
	c16 := f16.Clone()
	c16.F16[0] = 0
	assert.Equal(t, uint16(0x3c00), f16.F16[0])
}

func TestBytesPerPixel(t *testing.T) {
	tests := []struct {
		bitDepth uint8
		want     int
		wantErr  bool
	}{
		{8, 3, false},
		{9, 6, false},
		{10, 6, false},
		{16, 6, false},
		{7, 0, true},
		{17, 0, true},
	}
	for _, tc := range tests {
		f := Frame{Kind: KindCPURGB, BitDepth: tc.bitDepth}
		got, err := f.BytesPerPixel()
		if tc.wantErr {
			assert.Error(t, err, "bit depth %d", tc.bitDepth)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "bit depth %d", tc.bitDepth)
	}
}

func TestValidateRGB(t *testing.T) {
	ok := NewCPURGB(make([]byte, 2*2*3), 2, 2, 8)
	assert.NoError(t, ok.ValidateRGB())

	short := NewCPURGB(make([]byte, 5), 2, 2, 8)
	assert.Error(t, short.ValidateRGB())

	highBit := NewCPURGB(make([]byte, 2*2*6), 2, 2, 10)
	assert.NoError(t, highBit.ValidateRGB())

	tensor := NewNCHWF32(nil, 2, 2)
	assert.Error(t, tensor.ValidateRGB())
}
