package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/upscalarr/upscalarr/internal/codec"
	"github.com/upscalarr/upscalarr/internal/graph"
	"github.com/upscalarr/upscalarr/internal/inference/onnxrt"
	"github.com/upscalarr/upscalarr/internal/nodes"
	"github.com/upscalarr/upscalarr/internal/pipeline"
	"github.com/upscalarr/upscalarr/internal/pipeline/compile"
	"github.com/upscalarr/upscalarr/internal/service/progress"
)

var (
	runWidth  uint32
	runHeight uint32
	runCPU    bool
)

// runCmd executes a workflow document.
var runCmd = &cobra.Command{
	Use:   "run <workflow.json>",
	Short: "Execute a workflow",
	Long: `Execute a workflow document. Video pipelines read and write headerless
rawvideo RGB24 streams; pipe media through ffmpeg on either side:

  ffmpeg -i in.mkv -f rawvideo -pix_fmt rgb24 in.rgb
  upscalarr run workflow.json --width 1920 --height 1080
  ffmpeg -f rawvideo -pix_fmt rgb24 -s 3840x2160 -i out.rgb out.mkv`,
	Args: cobra.ExactArgs(1),
	RunE: func(cobraCmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("reading workflow %q: %w", args[0], err)
		}
		g, _, err := graph.ParseDocument(raw)
		if err != nil {
			return err
		}

		registry := nodes.BuildRegistry(nodes.RegistryOptions{
			TRTCacheDir: cfg.Inference.TRTCacheDir,
		})

		if cfg.Inference.LibraryPath != "" {
			onnxrt.SetSharedLibraryPath(cfg.Inference.LibraryPath)
		}
		onnxrt.Install()

		ctx, stop := signal.NotifyContext(cobraCmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if !g.HasVideoFramesEdges() {
			// Scalar workflow: run the nodes once and report their outputs.
			outputs, err := compile.ExecuteSequential(ctx, g, registry, compile.SequentialOptions{
				Debug: printDebugEvent,
			})
			if err != nil {
				return err
			}
			for nodeID, ports := range outputs {
				for port, value := range ports {
					slog.Info("workflow output",
						slog.String("node", nodeID),
						slog.String("port", port),
						slog.String("value", value.String()),
					)
				}
			}
			return nil
		}

		factory := &codec.RawRGBFactory{Width: runWidth, Height: runHeight}
		videoCtx, err := nodes.NewVideoContext(g, factory, factory, nodes.VideoContextOptions{
			SplitMicroStages:  cfg.Pipeline.SplitMicroStages,
			TensorPassthrough: cfg.Pipeline.TensorPassthrough,
		})
		if err != nil {
			return err
		}

		tracker := progress.NewTracker(slog.Default())
		job, err := tracker.Track(progress.NewJobID(), filepath.Base(args[0]))
		if err != nil {
			return err
		}
		removeWatch := job.Watch(printSnapshot)
		defer removeWatch()

		var telemetryInterval time.Duration
		if cfg.Telemetry.Enabled {
			telemetryInterval = cfg.Telemetry.Interval
		}

		runErr := pipeline.Run(ctx, g, registry, videoCtx, pipeline.RunOptions{
			BufferSize:        cfg.Pipeline.ChannelCapacity,
			UseGPU:            !runCPU,
			Debug:             printDebugEvent,
			Progress:          progress.StreamProgress(job),
			TelemetryInterval: telemetryInterval,
		})
		job.Finish(runErr, errors.Is(ctx.Err(), context.Canceled))
		fmt.Fprintln(os.Stderr)
		return runErr
	},
}

// printSnapshot renders one progress line per update on stderr.
func printSnapshot(s progress.Snapshot) {
	switch {
	case s.TotalOutputFrames != nil:
		fmt.Fprintf(os.Stderr, "\r%s: frame %d/%d (%.1f%%, %.1f fps)",
			s.Phase, s.FramesWritten, *s.TotalOutputFrames, s.Percent, s.FPS)
	default:
		fmt.Fprintf(os.Stderr, "\r%s: frame %d (%.1f fps)", s.Phase, s.FramesWritten, s.FPS)
	}
}

func printDebugEvent(event compile.NodeDebugValueEvent) {
	slog.Info("print node",
		slog.String("node_id", event.NodeID),
		slog.String("value", event.ValuePreview),
		slog.Bool("truncated", event.Truncated),
	)
}

func init() {
	runCmd.Flags().Uint32Var(&runWidth, "width", 0, "input frame width for rawvideo sources")
	runCmd.Flags().Uint32Var(&runHeight, "height", 0, "input frame height for rawvideo sources")
	runCmd.Flags().BoolVar(&runCPU, "cpu", false, "skip the process-wide GPU permit")
	rootCmd.AddCommand(runCmd)
}
