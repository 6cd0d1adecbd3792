package codec

import (
	"fmt"
	"io"
	"os"

	"github.com/upscalarr/upscalarr/internal/frame"
	"github.com/upscalarr/upscalarr/internal/node"
	"github.com/upscalarr/upscalarr/internal/pipeline/stream"
)

// RawRGBFactory reads and writes headerless 8-bit RGB24 frame streams.
// It exists so pipelines can run without the subprocess codec bridge: pipe
// media through `ffmpeg -pix_fmt rgb24 -f rawvideo` on either side.
type RawRGBFactory struct {
	// Width and Height describe the input frames; rawvideo carries no
	// header to probe.
	Width  uint32
	Height uint32
}

// OpenDecoder implements DecoderFactory. The source node's resolved
// source_path output names the file.
func (f *RawRGBFactory) OpenDecoder(_ node.Node, outputs map[string]node.PortData) (stream.FrameSource, *uint64, error) {
	if f.Width == 0 || f.Height == 0 {
		return nil, nil, fmt.Errorf("raw rgb decoder requires explicit frame dimensions")
	}
	pathData, ok := outputs["source_path"]
	if !ok {
		return nil, nil, fmt.Errorf("source node produced no source_path output")
	}

	file, err := os.Open(pathData.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening raw video %q: %w", pathData.Path, err)
	}

	var total *uint64
	if info, err := file.Stat(); err == nil {
		frameSize := int64(f.Width) * int64(f.Height) * 3
		if frameSize > 0 && info.Size()%frameSize == 0 {
			count := uint64(info.Size() / frameSize)
			total = &count
		}
	}

	return &rawRGBSource{file: file, width: f.Width, height: f.Height}, total, nil
}

// OpenEncoder implements EncoderFactory. The sink node's resolved
// output_path output names the file.
func (f *RawRGBFactory) OpenEncoder(_ node.Node, outputs map[string]node.PortData) (stream.FrameSink, error) {
	pathData, ok := outputs["output_path"]
	if !ok {
		return nil, fmt.Errorf("sink node produced no output_path output")
	}
	file, err := os.Create(pathData.Path)
	if err != nil {
		return nil, fmt.Errorf("creating raw video %q: %w", pathData.Path, err)
	}
	return &rawRGBSink{file: file}, nil
}

type rawRGBSource struct {
	file   *os.File
	width  uint32
	height uint32
	closed bool
}

// Next implements stream.FrameSource.
func (s *rawRGBSource) Next() (stream.SourceFrame, bool, error) {
	if s.closed {
		return stream.SourceFrame{}, false, nil
	}

	buf := make([]byte, int(s.width)*int(s.height)*3)
	_, err := io.ReadFull(s.file, buf)
	if err == io.EOF {
		s.closed = true
		_ = s.file.Close()
		return stream.SourceFrame{}, false, nil
	}
	if err != nil {
		s.closed = true
		_ = s.file.Close()
		return stream.SourceFrame{}, false, fmt.Errorf("reading raw frame: %w", err)
	}

	return stream.SourceFrame{
		Frame: frame.NewCPURGB(buf, s.width, s.height, 8),
	}, true, nil
}

type rawRGBSink struct {
	file *os.File
}

// WriteFrame implements stream.FrameSink. Only 8-bit RGB frames can be
// serialised as rawvideo.
func (s *rawRGBSink) WriteFrame(f *frame.Frame) error {
	if f.Kind != frame.KindCPURGB || f.BitDepth != 8 {
		return fmt.Errorf("raw rgb sink requires 8-bit CpuRgb frames, got %s (bit depth %d)", f.Kind, f.BitDepth)
	}
	if _, err := s.file.Write(f.Bytes); err != nil {
		return fmt.Errorf("writing raw frame: %w", err)
	}
	return nil
}

// Finish implements stream.FrameSink.
func (s *rawRGBSink) Finish() error {
	if err := s.file.Close(); err != nil {
		return fmt.Errorf("closing raw video output: %w", err)
	}
	return nil
}
