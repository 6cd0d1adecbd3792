// Package stream implements the multi-stage streaming executor: one blocking
// worker per stage, bounded channels between stages for backpressure,
// cooperative cancellation, and fail-fast error propagation.
package stream

import (
	"time"

	"github.com/upscalarr/upscalarr/internal/frame"
	"github.com/upscalarr/upscalarr/internal/node"
)

// DefaultBufferSize is the default bounded-channel capacity between stages.
const DefaultBufferSize = 4

// IndexedFrame is the unit flowing between stage workers.
type IndexedFrame struct {
	Index         uint64
	Timestamp     *time.Duration
	Frame         frame.Frame
	IsSceneChange bool
}

// NewIndexedFrame wraps a frame with an index and no timestamp.
func NewIndexedFrame(index uint64, f frame.Frame) IndexedFrame {
	return IndexedFrame{Index: index, Frame: f}
}

// SourceFrame is one decoded frame with its optional presentation timestamp
// and scene-change hint. Indices are assigned by the decoder stage.
type SourceFrame struct {
	Frame         frame.Frame
	Timestamp     *time.Duration
	IsSceneChange bool
}

// FrameSource is a lazy finite sequence of decoded frames in presentation
// order. Next returns ok=false on clean end of stream; a non-nil error
// aborts the pipeline.
type FrameSource interface {
	Next() (SourceFrame, bool, error)
}

// FrameSink consumes encoded frames in order. WriteFrame is called exactly
// once per emitted frame; Finish is called once after the last frame on
// clean termination (and at most once on cancellation).
type FrameSink interface {
	WriteFrame(f *frame.Frame) error
	Finish() error
}

// FrameInterpolator is a pair-in-N-out streaming stage.
type FrameInterpolator interface {
	// StageName identifies the stage in errors and logs.
	StageName() string

	// Interpolate synthesizes the intermediate frames between previous and
	// current. On a scene change, implementations duplicate previous
	// instead of blending.
	Interpolate(previous, current *frame.Frame, isSceneChange bool, ctx *node.ExecutionContext) ([]frame.Frame, error)
}

// InterpolatorFunc adapts a function to the FrameInterpolator interface.
type InterpolatorFunc func(previous, current *frame.Frame, isSceneChange bool, ctx *node.ExecutionContext) ([]frame.Frame, error)

// StageName implements FrameInterpolator.
func (f InterpolatorFunc) StageName() string { return "FrameInterpolator" }

// Interpolate implements FrameInterpolator.
func (f InterpolatorFunc) Interpolate(previous, current *frame.Frame, isSceneChange bool, ctx *node.ExecutionContext) ([]frame.Frame, error) {
	return f(previous, current, isSceneChange, ctx)
}

// PipelineStage is a tagged variant: exactly one of Processor or
// Interpolator is set. Each stage uniquely owns its stateful resources.
type PipelineStage struct {
	Processor    node.FrameProcessor
	Interpolator FrameInterpolator
}

// ProcessorStage wraps a one-in-one-out processor.
func ProcessorStage(p node.FrameProcessor) PipelineStage {
	return PipelineStage{Processor: p}
}

// InterpolatorStage wraps a pair-in-N-out interpolator.
func InterpolatorStage(i FrameInterpolator) PipelineStage {
	return PipelineStage{Interpolator: i}
}

// Name returns the stage's display name.
func (s PipelineStage) Name() string {
	switch {
	case s.Processor != nil:
		return s.Processor.NodeType()
	case s.Interpolator != nil:
		return s.Interpolator.StageName()
	default:
		return "empty"
	}
}

// ProgressFunc observes encoding progress after each written frame.
type ProgressFunc func(current uint64, totalOutput, totalInput *uint64)

// interpolateTimestamp computes the linear timestamp for the i-th of
// totalSegments positions between previous and current. Missing endpoints
// yield no timestamp; a backwards pair clamps to previous.
func interpolateTimestamp(previous, current *time.Duration, position, totalSegments int) *time.Duration {
	if position >= totalSegments {
		return nil
	}
	if previous == nil || current == nil {
		return nil
	}
	if *current < *previous {
		ts := *previous
		return &ts
	}
	delta := *current - *previous
	fraction := float64(position) / float64(totalSegments)
	ts := *previous + time.Duration(float64(delta)*fraction)
	return &ts
}
