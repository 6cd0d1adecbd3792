// Package codec defines the bridge between the streaming core and media
// I/O. The real decoder and encoder are subprocess-backed (FFmpeg) and live
// outside the core; this package holds the factory contracts plus in-memory
// implementations used by tests and tooling. The core never learns about
// subprocesses.
package codec

import (
	"fmt"
	"sync"

	"github.com/upscalarr/upscalarr/internal/frame"
	"github.com/upscalarr/upscalarr/internal/node"
	"github.com/upscalarr/upscalarr/internal/pipeline/stream"
)

// DecoderFactory opens a frame source for a compiled source node. It
// returns the source plus the probed total frame count, when known.
type DecoderFactory interface {
	OpenDecoder(sourceNode node.Node, outputs map[string]node.PortData) (stream.FrameSource, *uint64, error)
}

// EncoderFactory opens a frame sink for a compiled sink node.
type EncoderFactory interface {
	OpenEncoder(sinkNode node.Node, outputs map[string]node.PortData) (stream.FrameSink, error)
}

// MemorySource serves frames from memory. Used by tests and by preview
// tooling that already has decoded frames.
type MemorySource struct {
	frames []stream.SourceFrame
	next   int
}

// NewMemorySource builds a source over the given frames.
func NewMemorySource(frames []stream.SourceFrame) *MemorySource {
	return &MemorySource{frames: frames}
}

// NewMemorySourceFromFrames wraps bare frames without timestamps.
func NewMemorySourceFromFrames(frames []frame.Frame) *MemorySource {
	wrapped := make([]stream.SourceFrame, len(frames))
	for i, f := range frames {
		wrapped[i] = stream.SourceFrame{Frame: f}
	}
	return NewMemorySource(wrapped)
}

// Len returns the total number of frames the source will produce.
func (s *MemorySource) Len() int { return len(s.frames) }

// Next implements stream.FrameSource.
func (s *MemorySource) Next() (stream.SourceFrame, bool, error) {
	if s.next >= len(s.frames) {
		return stream.SourceFrame{}, false, nil
	}
	f := s.frames[s.next]
	s.next++
	return f, true, nil
}

// MemorySink collects written frames in memory.
type MemorySink struct {
	mu       sync.Mutex
	frames   []frame.Frame
	finished bool
}

// NewMemorySink creates an empty sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// WriteFrame implements stream.FrameSink.
func (s *MemorySink) WriteFrame(f *frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return fmt.Errorf("write after finish")
	}
	s.frames = append(s.frames, f.Clone())
	return nil
}

// Finish implements stream.FrameSink.
func (s *MemorySink) Finish() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return fmt.Errorf("finish called twice")
	}
	s.finished = true
	return nil
}

// Frames returns a snapshot of the written frames.
func (s *MemorySink) Frames() []frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]frame.Frame, len(s.frames))
	copy(out, s.frames)
	return out
}

// Finished reports whether Finish was called.
func (s *MemorySink) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finished
}
