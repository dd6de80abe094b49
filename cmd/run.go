package cmd

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/andresmejia3/facemask/internal/config"
	"github.com/andresmejia3/facemask/internal/detect"
	"github.com/andresmejia3/facemask/internal/gfx"
	"github.com/andresmejia3/facemask/internal/mask"
	"github.com/andresmejia3/facemask/internal/metrics"
	"github.com/andresmejia3/facemask/internal/pipeline"
	"github.com/andresmejia3/facemask/internal/store"
	"github.com/andresmejia3/facemask/internal/utils"
	"github.com/andresmejia3/facemask/internal/worker"
)

// Options holds the run command's flags.
type Options struct {
	InputPath      string
	OutputPath     string
	MaskFile       string
	SettingsPath   string
	Detector       string
	DetectorScript string
	Record         bool
	MetricsAddr    string
	DetectWidth    int
	BufferSize     int
	DrawFDRect     bool
	SyncDisplay    bool
	DebugEvery     int
}

// frameBuffers bounds how many decoded frames are in flight between the
// decoder, the render loop and the encoder.
const frameBuffers = 3

var runOpts Options

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Overlay a face mask on every frame of a video",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runRun(cmd.Context(), runOpts, cmd.Flags().Changed)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runOpts.InputPath, "input", "i", "", "Path to input video")
	runCmd.Flags().StringVarP(&runOpts.OutputPath, "output", "o", "masked.mp4", "Path to output video")
	runCmd.Flags().StringVarP(&runOpts.MaskFile, "mask", "m", "", "Mask bundle (.json) to overlay")
	runCmd.Flags().StringVarP(&runOpts.SettingsPath, "settings", "s", "", "YAML settings file, reloaded when it changes")
	runCmd.Flags().StringVarP(&runOpts.Detector, "detector", "d", "python", "Face detector: python, static, none")
	runCmd.Flags().StringVar(&runOpts.DetectorScript, "detector-script", "python/detector.py", "Script run by the python detector")
	runCmd.Flags().BoolVar(&runOpts.Record, "record", false, "Record the session, detections and mask loads in PostgreSQL")
	runCmd.Flags().StringVar(&runOpts.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	runCmd.Flags().IntVar(&runOpts.DetectWidth, "detect-width", 320, "Width of the frame handed to the detector")
	runCmd.Flags().IntVar(&runOpts.BufferSize, "buffer-size", 4, "Frame and result ring capacity")
	runCmd.Flags().BoolVar(&runOpts.DrawFDRect, "draw-fd-rect", false, "Draw detector rectangles")
	runCmd.Flags().BoolVar(&runOpts.SyncDisplay, "sync-display", false, "Show the frame the current detection was computed from")

	runCmd.Flags().IntVar(&runOpts.DebugEvery, "debug-frames", 0, "Save every Nth rendered frame as PNG under "+debugFramesDir+" (0 disables)")

	runCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(runCmd)
}

// applyFlags copies explicitly set flags over s. Flags win over the settings file.
func applyFlags(s *config.Settings, opts Options, changed func(string) bool) {
	if changed("mask") {
		s.MaskFile = opts.MaskFile
	}
	if changed("detect-width") {
		s.DetectWidth = opts.DetectWidth
	}
	if changed("buffer-size") {
		s.BufferSize = opts.BufferSize
	}
	if changed("draw-fd-rect") {
		s.DrawFDRect = opts.DrawFDRect
	}
	if changed("sync-display") {
		s.SyncDisplay = opts.SyncDisplay
	}
}

// settingsSource yields the settings snapshot for each tick.
type settingsSource func() config.Settings

func runRun(ctx context.Context, opts Options, changed func(string) bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := validateRunFlags(&opts); err != nil {
		return err
	}

	// Background services run until the video is done, then get cancelled.
	svcCtx, stopServices := context.WithCancel(ctx)
	defer stopServices()
	services, svcCtx := errgroup.WithContext(svcCtx)

	// 1. Settings
	var current settingsSource
	var initial config.Settings
	if opts.SettingsPath != "" {
		w, err := config.NewWatcher(log, opts.SettingsPath, func(s *config.Settings) { applyFlags(s, opts, changed) })
		if err != nil {
			utils.ShowError("Failed to load settings", err, nil)
			return err
		}
		services.Go(func() error { return w.Run(svcCtx) })
		current = w.Current
	} else {
		s := config.Default()
		applyFlags(&s, opts, changed)
		if err := s.Validate(); err != nil {
			utils.ShowError("Invalid settings", err, nil)
			return err
		}
		current = func() config.Settings { return s }
	}
	initial = current()

	// 2. Video geometry
	fps, err := utils.GetVideoFPS(ctx, opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to determine video FPS", err, nil)
		return err
	}
	width, height, err := utils.GetVideoDimensions(ctx, opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to determine video dimensions", err, nil)
		return err
	}
	totalFrames := utils.GetTotalFrames(ctx, opts.InputPath)

	// 3. Detector
	det, closeDetector, err := newDetector(opts)
	if err != nil {
		utils.ShowError("Detector startup failed", err, nil)
		return err
	}
	defer closeDetector()

	// 4. Pipeline
	g := gfx.NewContext()
	orch, err := pipeline.New(log, g, det, nil, initial)
	if err != nil {
		utils.ShowError("Invalid pipeline settings", err, nil)
		return err
	}

	// 5. Recording
	var rec *store.Recorder
	var sessionID uuid.UUID
	if opts.Record {
		if err := openDB(ctx); err != nil {
			utils.ShowError("Recording requested but the database is unreachable", err, nil)
			return err
		}
		videoID, err := utils.GenerateVideoID(opts.InputPath)
		if err != nil {
			utils.ShowError("Failed to generate video ID", err, nil)
			return err
		}
		sessionID, err = DB.CreateSession(ctx, videoID, opts.InputPath, initial.MaskFile)
		if err != nil {
			utils.ShowError("Failed to register session", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "📼 Recording session %s (video %s)\n", sessionID, videoID[:12])

		rec = store.NewRecorder(DB, log, store.RecorderOptions{})
		services.Go(func() error { return rec.Run(svcCtx) })
		orch.OnPublish(func(p detect.Publication) {
			rec.SubmitDetection(store.DetectionRecord{
				Session: sessionID,
				Stamp:   uint64(p.Stamp),
				Faces:   p.Faces,
				Skipped: p.Skipped,
				Latency: p.Latency,
				At:      time.Now(),
			})
		})
	}

	// 6. Mask notices
	services.Go(func() error {
		for {
			select {
			case <-svcCtx.Done():
				return nil
			case n := <-orch.MaskNotices():
				reportNotice(n)
				if rec == nil {
					continue
				}
				if r, ok := maskLoadRecord(sessionID, n, time.Now()); ok {
					rec.SubmitMaskLoad(r)
				}
			}
		}
	})

	// 7. Metrics
	if opts.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: opts.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		services.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		services.Go(func() error {
			<-svcCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
		fmt.Fprintf(os.Stderr, "📈 Metrics on http://%s/metrics\n", opts.MetricsAddr)
	}

	if err := orch.Start(); err != nil {
		utils.ShowError("Pipeline startup failed", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "🎭 Masking %s (%dx%d @ %.2f fps, detector: %s)\n", filepath.Base(opts.InputPath), width, height, fps, opts.Detector)

	// 8. decode -> render -> encode
	runErr := streamVideo(ctx, orch, current, opts, fps, width, height, totalFrames)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), current().ShutdownTimeout)
	defer cancelShutdown()
	stopErr := orch.Stop(shutdownCtx)
	if stopErr != nil {
		log.Warn("pipeline did not stop cleanly", zap.Error(stopErr))
	}
	stats := orch.Stats()

	stopServices()
	svcErr := services.Wait()

	if opts.Record {
		err := DB.FinishSession(context.Background(), sessionID, store.SessionStats{
			Frames:        int64(stats.Frames),
			FramesSkipped: int64(stats.Skipped),
			StaleTicks:    int64(stats.StaleTicks),
		})
		if err != nil {
			utils.ShowError("Failed to finish session", err, nil)
		}
		if n := rec.Dropped(); n > 0 {
			fmt.Fprintf(os.Stderr, "⚠️  %d records dropped under load\n", n)
		}
	}

	printSummary(stats)
	if runErr != nil {
		return runErr
	}
	return svcErr
}

// newDetector builds the configured detector and its cleanup.
func newDetector(opts Options) (detect.Detector, func(), error) {
	switch opts.Detector {
	case "python":
		if _, err := os.Stat(opts.DetectorScript); err != nil {
			return nil, nil, fmt.Errorf("detector script: %w", err)
		}
		sup := worker.NewSupervisor(log, worker.PythonSpawner(opts.DetectorScript))
		return sup, func() {
			if err := sup.Close(); err != nil {
				log.Debug("detector process exit", zap.Error(err))
			}
		}, nil
	case "static":
		return detect.Static{}, func() {}, nil
	case "none":
		return detect.None{}, func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown detector %q", opts.Detector)
}

// streamVideo pipes decoded frames through the orchestrator into the encoder.
// The render loop is the only goroutine that touches orch.
func streamVideo(ctx context.Context, orch *pipeline.Orchestrator, current settingsSource, opts Options, fps float64, width, height, totalFrames int) error {
	group, ctx := errgroup.WithContext(ctx)

	decoder := utils.NewFFmpegRawDecoder(ctx, opts.InputPath)
	decoderOut, err := decoder.StdoutPipe()
	if err != nil {
		utils.ShowError("Failed to create decoder pipe", err, nil)
		return err
	}
	if err := decoder.Start(); err != nil {
		utils.ShowError("Failed to start decoder", err, nil)
		return err
	}

	encoder := utils.NewFFmpegEncoder(ctx, opts.OutputPath, fps, width, height)
	encoderIn, err := encoder.StdinPipe()
	if err != nil {
		utils.ShowError("Failed to create encoder pipe", err, nil)
		return err
	}
	if err := encoder.Start(); err != nil {
		utils.ShowError("Failed to start encoder", err, nil)
		return err
	}

	var barTotal int64 = int64(totalFrames)
	if barTotal <= 0 {
		barTotal = -1 // spinner
	}
	bar := progressbar.NewOptions64(barTotal,
		progressbar.OptionSetDescription("🎭 Masking"),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionShowCount(),
	)

	free := make(chan *image.RGBA, frameBuffers)
	for i := 0; i < frameBuffers; i++ {
		free <- image.NewRGBA(image.Rect(0, 0, width, height))
	}
	decoded := make(chan *image.RGBA, frameBuffers)
	rendered := make(chan *image.RGBA, frameBuffers)

	group.Go(func() error {
		defer close(decoded)
		for {
			var frame *image.RGBA
			select {
			case frame = <-free:
			case <-ctx.Done():
				return ctx.Err()
			}
			if _, err := io.ReadFull(decoderOut, frame.Pix); err != nil {
				if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
					return nil
				}
				return fmt.Errorf("reading decoded frame: %w", err)
			}
			select {
			case decoded <- frame:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	group.Go(func() error {
		defer close(rendered)
		for frame := range decoded {
			orch.Tick(current())
			out, err := orch.Render(ctx, frame)
			if err != nil && !errors.Is(err, gfx.ErrContextUnavailable) {
				return err
			}
			select {
			case rendered <- out:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	debugDir := filepath.Join(debugFramesDir, strings.TrimSuffix(filepath.Base(opts.InputPath), filepath.Ext(opts.InputPath)))
	group.Go(func() error {
		idx := 0
		for frame := range rendered {
			if _, err := encoderIn.Write(frame.Pix); err != nil {
				return fmt.Errorf("writing encoded frame: %w", err)
			}
			if opts.DebugEvery > 0 && idx%opts.DebugEvery == 0 {
				if err := saveDebugFrame(debugDir, idx, frame); err != nil {
					log.Warn("failed to save debug frame", zap.Int("frame", idx), zap.Error(err))
				}
			}
			idx++
			free <- frame
			bar.Add(1)
		}
		return encoderIn.Close()
	})

	if err := group.Wait(); err != nil {
		encoderIn.Close()
		_ = decoder.Wait()
		_ = encoder.Wait()
		if ctx.Err() != nil && errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, "\n🛑 Interrupted")
		}
		return err
	}
	bar.Finish()

	if err := encoder.Wait(); err != nil {
		utils.ShowError("Encoder process failed", err, nil)
		return err
	}
	if err := decoder.Wait(); err != nil {
		utils.ShowError("Decoder process failed", err, nil)
		return err
	}
	return nil
}

// saveDebugFrame writes img as dir/frame_<idx>.png.
func saveDebugFrame(dir string, idx int, img *image.RGBA) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	f, err := os.Create(filepath.Join(dir, fmt.Sprintf("frame_%06d.png", idx)))
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// maskLoadRecord turns a load outcome into a row for mask_loads. Unloads are not
// loads and produce no row.
func maskLoadRecord(session uuid.UUID, n mask.Notice, at time.Time) (store.MaskLoadRecord, bool) {
	if n.Kind == mask.NoticeUnloaded {
		return store.MaskLoadRecord{}, false
	}
	r := store.MaskLoadRecord{Session: session, Filename: n.Filename, Took: n.Took, At: at}
	if n.Err != nil {
		r.Err = n.Err.Error()
	}
	return r, true
}

func reportNotice(n mask.Notice) {
	switch n.Kind {
	case mask.NoticeLoaded:
		fmt.Fprintf(os.Stderr, "\n🎭 Mask loaded: %s (%s)\n", n.Filename, n.Took.Round(time.Millisecond))
	case mask.NoticeUnloaded:
		fmt.Fprintln(os.Stderr, "\n🎭 Mask removed")
	case mask.NoticeFailed:
		fmt.Fprintf(os.Stderr, "\n⚠️  Mask %s failed to load, keeping the previous one: %v\n", n.Filename, n.Err)
	}
}

func printSummary(s pipeline.Stats) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "📊 RUN SUMMARY\n")
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🎞️  Frames rendered:        %d\n", s.Frames)
	fmt.Fprintf(os.Stderr, "🔍 Detection passes:       %d\n", s.Detections)
	fmt.Fprintf(os.Stderr, "⏭️  Frames skipped:         %d\n", s.Skipped)
	fmt.Fprintf(os.Stderr, "🕰️  Stale ticks:            %d\n", s.StaleTicks)
	fmt.Fprintf(os.Stderr, "🚧 Undrawn (gfx busy):     %d\n", s.Undrawn)
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// validateRunFlags checks arguments before any process is started.
func validateRunFlags(opts *Options) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			utils.ShowError("Input file does not exist", err, nil)
			return err
		}
		utils.ShowError("Unable to access input file", err, nil)
		return err
	}
	if info.IsDir() {
		err := fmt.Errorf("is a directory")
		utils.ShowError("Input path is a directory, expected a video file", err, nil)
		return err
	}

	// Overwriting the input while decoding it corrupts both.
	inAbs, _ := filepath.Abs(opts.InputPath)
	outAbs, _ := filepath.Abs(opts.OutputPath)
	if inAbs == outAbs {
		err := fmt.Errorf("input and output paths must be different")
		utils.ShowError("Configuration Error", err, nil)
		return err
	}

	switch opts.Detector {
	case "python", "static", "none":
	default:
		err := fmt.Errorf("invalid detector '%s'. Must be one of: python, static, none", opts.Detector)
		utils.ShowError("Configuration Error", err, nil)
		return err
	}

	if opts.MaskFile != "" {
		if _, err := os.Stat(opts.MaskFile); err != nil {
			utils.ShowError("Mask file is not readable", err, nil)
			return err
		}
	}
	if opts.DetectWidth < 16 || opts.DetectWidth > 4096 {
		err := fmt.Errorf("must be between 16 and 4096, got %d", opts.DetectWidth)
		utils.ShowError("Invalid detect-width", err, nil)
		return err
	}
	if opts.BufferSize < 1 || opts.BufferSize > 64 {
		err := fmt.Errorf("must be between 1 and 64, got %d", opts.BufferSize)
		utils.ShowError("Invalid buffer-size", err, nil)
		return err
	}
	if opts.DebugEvery < 0 {
		err := fmt.Errorf("must be >= 0, got %d", opts.DebugEvery)
		utils.ShowError("Invalid debug-frames interval", err, nil)
		return err
	}
	return nil
}
