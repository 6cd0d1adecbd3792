package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upscalarr/upscalarr/internal/node"
)

// Executor runs a compiled pipeline to completion or cooperative
// cancellation. Each stage gets a dedicated worker goroutine; bounded
// channels between stages provide backpressure, so at most
// (stages+1)*bufferSize frames wait in channels, plus the frames the workers
// themselves hold.
type Executor struct {
	bufferSize int
	logger     *slog.Logger
}

// New creates an executor with the given channel capacity (minimum 1).
func New(bufferSize int) *Executor {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Executor{bufferSize: bufferSize, logger: slog.Default()}
}

// NewWithLogger creates an executor with an explicit logger.
func NewWithLogger(bufferSize int, logger *slog.Logger) *Executor {
	e := New(bufferSize)
	if logger != nil {
		e.logger = logger
	}
	return e
}

// ExecutePipeline runs a processors-only pipeline. Total output frames equal
// total input frames.
func (e *Executor) ExecutePipeline(
	ctx context.Context,
	source FrameSource,
	processors []node.FrameProcessor,
	sink FrameSink,
	totalFrames *uint64,
	progress ProgressFunc,
) error {
	stages := make([]PipelineStage, 0, len(processors))
	for _, p := range processors {
		stages = append(stages, ProcessorStage(p))
	}
	return e.ExecutePipelineStages(ctx, source, stages, sink, totalFrames, totalFrames, progress)
}

// ExecutePipelineStages runs a pipeline of arbitrary stages. It returns nil
// on clean completion or external cancellation, and the first stage error
// otherwise. Cancellation is cooperative: in-flight per-frame work runs to
// completion and no frame is partially written.
func (e *Executor) ExecutePipelineStages(
	ctx context.Context,
	source FrameSource,
	stages []PipelineStage,
	sink FrameSink,
	totalFrames *uint64,
	totalOutputFrames *uint64,
	progress ProgressFunc,
) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return nil
	}

	run := &pipelineRun{
		logger:   e.logger,
		cancelCh: make(chan struct{}),
		// One slot per worker is enough: each worker reports at most one
		// error before draining.
		errCh: make(chan error, len(stages)+2),
	}

	// Bridge the caller's cancellation into the shared flag.
	watcherDone := make(chan struct{})
	watcherStop := make(chan struct{})
	go func() {
		defer close(watcherDone)
		select {
		case <-ctx.Done():
			run.signalCancel()
		case <-watcherStop:
		}
	}()

	var wg sync.WaitGroup

	firstCh := make(chan IndexedFrame, e.bufferSize)
	run.spawn(&wg, "decoder", func() error {
		defer close(firstCh)
		return run.decoderLoop(source, firstCh)
	})

	upstream := firstCh
	for _, stage := range stages {
		nextCh := make(chan IndexedFrame, e.bufferSize)
		in := upstream
		switch {
		case stage.Processor != nil:
			processor := stage.Processor
			name := processor.NodeType()
			run.spawn(&wg, fmt.Sprintf("processor '%s'", name), func() error {
				defer close(nextCh)
				return run.processorLoop(processor, name, in, nextCh, totalFrames)
			})
		case stage.Interpolator != nil:
			interpolator := stage.Interpolator
			name := interpolator.StageName()
			run.spawn(&wg, fmt.Sprintf("interpolator '%s'", name), func() error {
				defer close(nextCh)
				return run.interpolatorLoop(interpolator, name, in, nextCh, totalFrames)
			})
		default:
			close(nextCh)
		}
		upstream = nextCh
	}

	encoderIn := upstream
	run.spawn(&wg, "encoder", func() error {
		return run.encoderLoop(sink, encoderIn, totalOutputFrames, totalFrames, progress)
	})

	wg.Wait()
	close(watcherStop)
	<-watcherDone

	run.signalCancel()

	close(run.errCh)
	for err := range run.errCh {
		// First published error wins; the rest are dropped.
		return err
	}
	return nil
}

// pipelineRun holds the shared cancel/error plumbing for one execution.
type pipelineRun struct {
	logger     *slog.Logger
	cancelled  atomic.Bool
	cancelOnce sync.Once
	cancelCh   chan struct{}
	errCh      chan error
}

func (r *pipelineRun) signalCancel() {
	r.cancelled.Store(true)
	r.cancelOnce.Do(func() { close(r.cancelCh) })
}

func (r *pipelineRun) shouldCancel() bool {
	return r.cancelled.Load()
}

func (r *pipelineRun) reportError(err error) {
	r.signalCancel()
	select {
	case r.errCh <- err:
	default:
	}
}

// spawn runs a worker body on its own goroutine, converting panics into
// WorkerPanicError errors and publishing failures to the error channel.
func (r *pipelineRun) spawn(wg *sync.WaitGroup, label string, body func() error) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if rec := recover(); rec != nil {
				r.reportError(&WorkerPanicError{Stage: label, Payload: rec})
			}
		}()
		if err := body(); err != nil {
			r.reportError(fmt.Errorf("%s stage failed: %w", label, err))
		}
	}()
}

// send delivers a frame downstream, blocking on backpressure. It returns
// false when the run was cancelled.
func (r *pipelineRun) send(out chan<- IndexedFrame, f IndexedFrame) bool {
	select {
	case out <- f:
		return true
	case <-r.cancelCh:
		return false
	}
}

// recv takes the next frame from upstream. ok=false means the channel was
// drained or the run was cancelled.
func (r *pipelineRun) recv(in <-chan IndexedFrame) (IndexedFrame, bool) {
	select {
	case f, ok := <-in:
		return f, ok
	case <-r.cancelCh:
		// Prefer a pending frame over the cancel signal so already-queued
		// work is not dropped mid-channel on racy wakeups.
		select {
		case f, ok := <-in:
			return f, ok
		default:
			return IndexedFrame{}, false
		}
	}
}

func (r *pipelineRun) decoderLoop(source FrameSource, out chan<- IndexedFrame) error {
	var index uint64
	var totalDecode, totalSend time.Duration
	start := time.Now()

	for {
		if r.shouldCancel() {
			break
		}

		tDecode := time.Now()
		sf, ok, err := source.Next()
		if err != nil {
			return &DecodeError{Index: index, Err: err}
		}
		if !ok {
			break
		}
		totalDecode += time.Since(tDecode)

		indexed := IndexedFrame{
			Index:         index,
			Timestamp:     sf.Timestamp,
			Frame:         sf.Frame,
			IsSceneChange: sf.IsSceneChange,
		}

		tSend := time.Now()
		if !r.send(out, indexed) {
			break
		}
		totalSend += time.Since(tSend)
		index++
	}

	if index > 0 {
		r.logger.Debug("decoder stage summary",
			slog.Uint64("frames", index),
			slog.Duration("total_decode", totalDecode),
			slog.Duration("total_send_wait", totalSend),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
	return nil
}

func (r *pipelineRun) processorLoop(
	processor node.FrameProcessor,
	name string,
	in <-chan IndexedFrame,
	out chan<- IndexedFrame,
	totalFrames *uint64,
) error {
	ctx := node.NewExecutionContext()
	ctx.TotalFrames = totalFrames

	var frameCount uint64
	var totalProcess time.Duration

	for {
		if r.shouldCancel() {
			break
		}

		indexed, ok := r.recv(in)
		if !ok {
			break
		}

		ctx.CurrentFrame = indexed.Index
		tProcess := time.Now()
		processed, err := processor.ProcessFrame(indexed.Frame, ctx)
		if err != nil {
			return &InferenceError{Stage: name, FrameIndex: indexed.Index, Err: err}
		}
		totalProcess += time.Since(tProcess)
		indexed.Frame = processed

		if !r.send(out, indexed) {
			break
		}
		frameCount++
	}

	if frameCount > 0 {
		r.logger.Debug("processor stage summary",
			slog.String("stage", name),
			slog.Uint64("frames", frameCount),
			slog.Duration("total_process", totalProcess),
		)
	}
	return nil
}

func (r *pipelineRun) interpolatorLoop(
	interpolator FrameInterpolator,
	name string,
	in <-chan IndexedFrame,
	out chan<- IndexedFrame,
	totalFrames *uint64,
) error {
	ctx := node.NewExecutionContext()
	ctx.TotalFrames = totalFrames

	var previous *IndexedFrame
	var outputIndex uint64
	var pairsProcessed uint64

	for {
		if r.shouldCancel() {
			break
		}

		current, ok := r.recv(in)
		if !ok {
			break
		}

		if previous == nil {
			previous = &current
			continue
		}

		prev := *previous
		ctx.CurrentFrame = prev.Index

		interpolated, err := interpolator.Interpolate(&prev.Frame, &current.Frame, current.IsSceneChange, ctx)
		if err != nil {
			return &InferenceError{
				Stage:      name,
				FrameIndex: prev.Index,
				Err:        fmt.Errorf("pair %d -> %d: %w", prev.Index, current.Index, err),
			}
		}
		pairsProcessed++

		previousOut := IndexedFrame{
			Index:         outputIndex,
			Timestamp:     prev.Timestamp,
			Frame:         prev.Frame,
			IsSceneChange: prev.IsSceneChange,
		}
		if !r.send(out, previousOut) {
			return nil
		}
		outputIndex++

		segments := len(interpolated) + 1
		for position, f := range interpolated {
			ts := interpolateTimestamp(prev.Timestamp, current.Timestamp, position+1, segments)
			mid := IndexedFrame{
				Index:         outputIndex,
				Timestamp:     ts,
				Frame:         f,
				IsSceneChange: current.IsSceneChange,
			}
			if !r.send(out, mid) {
				return nil
			}
			outputIndex++
		}

		previous = &current
	}

	// Flush the retained frame on clean end of stream.
	if !r.shouldCancel() && previous != nil {
		final := IndexedFrame{
			Index:         outputIndex,
			Timestamp:     previous.Timestamp,
			Frame:         previous.Frame,
			IsSceneChange: previous.IsSceneChange,
		}
		r.send(out, final)
		outputIndex++
	}

	if pairsProcessed > 0 {
		r.logger.Debug("interpolator stage summary",
			slog.String("stage", name),
			slog.Uint64("pairs", pairsProcessed),
			slog.Uint64("output_frames", outputIndex),
		)
	}
	return nil
}

func (r *pipelineRun) encoderLoop(
	sink FrameSink,
	in <-chan IndexedFrame,
	totalOutputFrames *uint64,
	totalInputFrames *uint64,
	progress ProgressFunc,
) error {
	var written uint64
	var totalEncode time.Duration

	for {
		if r.shouldCancel() {
			break
		}

		indexed, ok := r.recv(in)
		if !ok {
			break
		}

		tEncode := time.Now()
		if err := sink.WriteFrame(&indexed.Frame); err != nil {
			return &EncodeError{Index: indexed.Index, Err: err}
		}
		totalEncode += time.Since(tEncode)
		written++

		if progress != nil {
			progress(written, totalOutputFrames, totalInputFrames)
		}
	}

	// Finish is always called once. A finalize error after a user cancel is
	// swallowed; the user asked for the abort.
	if err := sink.Finish(); err != nil {
		if r.shouldCancel() {
			return nil
		}
		return &FinalizeError{Err: err}
	}

	if written > 0 {
		r.logger.Debug("encoder stage summary",
			slog.Uint64("frames", written),
			slog.Duration("total_encode", totalEncode),
		)
	}
	return nil
}
