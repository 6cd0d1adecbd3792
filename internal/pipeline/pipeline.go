// Package pipeline ties the compiler and the streaming executor into a
// single run entry point: GPU admission, debug-event throttling, progress
// bridging, telemetry sampling, and cancellation all live here.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/upscalarr/upscalarr/internal/graph"
	"github.com/upscalarr/upscalarr/internal/node"
	"github.com/upscalarr/upscalarr/internal/pipeline/compile"
	"github.com/upscalarr/upscalarr/internal/pipeline/stream"
	"github.com/upscalarr/upscalarr/internal/telemetry"
)

// gpuPermit serialises GPU-using pipeline runs process-wide: only one
// pipeline touches the GPU at a time.
var gpuPermit = semaphore.NewWeighted(1)

// RunOptions configures one pipeline run.
type RunOptions struct {
	// BufferSize is the bounded-channel capacity between stages
	// (default stream.DefaultBufferSize).
	BufferSize int

	// Progress observes every encoded frame.
	Progress stream.ProgressFunc

	// Debug receives Print-node events, throttled per node to one event
	// per 150 ms sliding window.
	Debug compile.DebugCallback

	// UseGPU acquires the process-wide GPU permit for the duration of the
	// run, including model loading during compilation.
	UseGPU bool

	// TelemetryInterval enables periodic host/GPU telemetry sampling for
	// the duration of the run; zero disables it. Samples are logged and
	// handed to TelemetrySink when set.
	TelemetryInterval time.Duration

	// TelemetrySink receives telemetry samples in addition to the log.
	TelemetrySink func(telemetry.Sample)

	// Logger overrides the default logger.
	Logger *slog.Logger
}

// Run validates, compiles, and executes a graph to completion or
// cancellation. The returned error is the validation, GPU-admission,
// compile, or first stage error. Cancellation while waiting for the GPU
// permit returns the admission error; cancellation after that returns nil.
func Run(ctx context.Context, g *graph.Graph, registry *node.Registry, compileCtx compile.Context, opts RunOptions) error {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := g.Validate(registry); err != nil {
		return fmt.Errorf("validating graph: %w", err)
	}

	if opts.UseGPU {
		// Admission is cancellable while another GPU pipeline runs.
		if err := gpuPermit.Acquire(ctx, 1); err != nil {
			return fmt.Errorf("acquiring gpu permit: %w", err)
		}
		defer gpuPermit.Release(1)
	}

	if opts.TelemetryInterval > 0 {
		stopTelemetry := startTelemetry(ctx, logger, opts.TelemetryInterval, opts.TelemetrySink)
		defer stopTelemetry()
	}

	debug := opts.Debug
	if debug != nil {
		throttle := compile.NewDebugEventThrottle(compile.DebugThrottleWindow)
		debug = throttle.Throttled(debug)
	}

	compiled, err := compile.CompileWithDebugHook(g, registry, compileCtx, debug)
	if err != nil {
		return err
	}

	logger.Info("pipeline compiled",
		slog.Int("stages", len(compiled.Stages)),
		slog.Any("total_input_frames", derefU64(compiled.TotalInputFrames)),
		slog.Any("total_output_frames", derefU64(compiled.TotalOutputFrames)),
	)

	bufferSize := opts.BufferSize
	if bufferSize <= 0 {
		bufferSize = stream.DefaultBufferSize
	}

	executor := stream.NewWithLogger(bufferSize, logger)
	if err := executor.ExecutePipelineStages(
		ctx,
		compiled.Source,
		compiled.Stages,
		compiled.Sink,
		compiled.TotalInputFrames,
		compiled.TotalOutputFrames,
		opts.Progress,
	); err != nil {
		logger.Error("pipeline failed", slog.String("error", err.Error()))
		return err
	}

	logger.Info("pipeline completed")
	return nil
}

// startTelemetry samples host and GPU utilisation every interval until the
// run ends. Each sample's metrics map is logged; an optional sink observes
// the raw samples.
func startTelemetry(ctx context.Context, logger *slog.Logger, interval time.Duration, sink func(telemetry.Sample)) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})
	pid := int32(os.Getpid())

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sample := telemetry.Collect(pid)
				logger.Debug("telemetry sample", slog.Any("metrics", sample.Metrics()))
				if sink != nil {
					sink(sample)
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

func derefU64(v *uint64) any {
	if v == nil {
		return nil
	}
	return *v
}
