package cmd

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/J1nWo0/Visitor-Monitoring-System/internal/config"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/display"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/logging"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/pipeline"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/synthetic"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/types"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/utils"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// runOptions mirrors the run flags before they are folded into the config.
type runOptions struct {
	Source      string
	Demo        bool
	Interval    string
	PreviewAddr string
	Frames      int
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Count visitors on a source and archive each new face once",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := buildRunConfig(appCfg, runOpts, cmd.Flags().Changed)
		if err != nil {
			return err
		}
		cmd.SilenceUsage = true
		return runPipeline(cmd.Context(), cfg)
	},
}

func init() {
	runCmd.Flags().StringVarP(&runOpts.Source, "source", "s", "", "Video file, camera index, or stream URL")
	runCmd.Flags().BoolVar(&runOpts.Demo, "demo", false, "Use the built-in synthetic counter instead of the external one")
	runCmd.Flags().StringVar(&runOpts.Interval, "interval", "30ms", "Consumer cadence")
	runCmd.Flags().StringVar(&runOpts.PreviewAddr, "preview-addr", ":8080", "Address for the MJPEG preview (empty disables it)")
	runCmd.Flags().IntVarP(&runOpts.Frames, "frames", "n", 0, "Demo only: stop after this many frames (0 runs until interrupted)")
	rootCmd.AddCommand(runCmd)
}

// buildRunConfig folds explicitly set flags over the loaded config and validates the result.
func buildRunConfig(base *config.Config, opts runOptions, changed func(string) bool) (*config.Config, error) {
	cfg := config.Default()
	if base != nil {
		copied := *base
		cfg = &copied
	}
	if changed("source") {
		cfg.Source = opts.Source
	}
	if changed("demo") {
		cfg.Demo = opts.Demo
	}
	if changed("interval") {
		cfg.Interval = opts.Interval
	}
	if changed("preview-addr") {
		cfg.Preview.Addr = opts.PreviewAddr
	}
	if changed("frames") {
		cfg.Frames = opts.Frames
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid run configuration: %w", err)
	}
	if cfg.Frames > 0 && !cfg.Demo {
		return nil, errors.New("--frames only applies to --demo runs")
	}
	return cfg, nil
}

// runStats is filled by the tick observer and read for the summary.
type runStats struct {
	mu       sync.Mutex
	frames   int
	archived int
	errors   int
	lastDir  string
}

// observe records one tick and returns the archived total so far.
func (s *runStats) observe(rep pipeline.TickReport) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rep.Fresh {
		s.frames++
	}
	s.archived += len(rep.Archived)
	s.errors += len(rep.Errors)
	if n := len(rep.Archived); n > 0 {
		s.lastDir = filepath.Dir(rep.Archived[n-1].Path)
	}
	return s.archived
}

// runPipeline wires the controller to its collaborators and blocks until the
// source is exhausted, the counter fails, or ctx is cancelled.
func runPipeline(ctx context.Context, cfg *config.Config) error {
	log := logging.New("run")
	size := cfg.PreviewSize()
	interval := cfg.IntervalDuration
	if interval <= 0 {
		interval = pipeline.DefaultInterval
	}

	var surface pipeline.Display = display.Nop{}
	var mj *display.MJPEG
	if cfg.Preview.Addr != "" {
		mj = display.NewMJPEG(display.Config{PreviewSize: size})
		surface = mj
	}

	// Remember the live counter so its crash logs can be shown.
	var lastCounter *worker.Algorithm
	factory, regions := counterFactory(cfg, size, interval, &lastCounter)

	// A nil *store.Store must not become a non-nil Journal.
	var journal pipeline.Journal
	if DB != nil {
		journal = DB
	}

	stats := &runStats{}
	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("👀 Watching"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
	)

	ctrl, err := pipeline.New(pipeline.Config{
		Source:      cfg.Source,
		Interval:    interval,
		StopTimeout: cfg.StopTimeoutDuration,
		PreviewSize: size,
		JPEGQuality: cfg.JPEGQuality,
		Logger:      logging.New("pipeline"),
	}, pipeline.Deps{
		Factory: factory,
		Regions: regions,
		Display: surface,
		Journal: journal,
		OnTick: func(rep pipeline.TickReport) {
			total := stats.observe(rep)
			if rep.Fresh {
				bar.Add(1)
			}
			if len(rep.Archived) > 0 {
				bar.Describe(fmt.Sprintf("👀 Watching (%d new faces)", total))
			}
		},
	})
	if err != nil {
		return err
	}

	source := cfg.Source
	if cfg.Demo {
		source = "synthetic"
	}
	fmt.Fprintf(os.Stderr, "📼 Source: %s\n", source)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if mj != nil {
		ln, err := net.Listen("tcp", cfg.Preview.Addr)
		if err != nil {
			return fmt.Errorf("preview server: %w", err)
		}
		fmt.Fprintf(os.Stderr, "📺 Preview at http://%s/\n", ln.Addr())
		srv := &http.Server{Handler: mj.Handler(), ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("preview server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
			defer done()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		// Whatever happens, stop the preview server once the pipeline is done.
		defer cancel()
		return watch(gctx, ctrl, log)
	})

	err = g.Wait()
	bar.Finish()
	if err != nil {
		var fault *pipeline.ProducerFault
		if errors.As(err, &fault) {
			var sc *utils.SafeCommand
			if lastCounter != nil {
				sc = lastCounter.Cmd
			}
			utils.ShowError("Counter failed", err, sc)
		}
		return err
	}

	stats.mu.Lock()
	defer stats.mu.Unlock()
	fmt.Fprintf(os.Stderr, "\n🏁 Run complete. %d frames shown, %d faces archived", stats.frames, stats.archived)
	if stats.lastDir != "" {
		fmt.Fprintf(os.Stderr, " to %s", stats.lastDir)
	}
	fmt.Fprintln(os.Stderr, ".")
	if stats.errors > 0 {
		fmt.Fprintf(os.Stderr, "⚠️  %d tick errors, see the log for details.\n", stats.errors)
	}
	return nil
}

// watch starts the controller and waits for the run to end.
func watch(ctx context.Context, ctrl *pipeline.Controller, log *slog.Logger) error {
	if err := ctrl.Start(ctx); err != nil {
		if errors.Is(err, pipeline.ErrCoordinatesNotSet) {
			fmt.Fprintln(os.Stderr, "⚠️  Coordinates not set.")
			return nil
		}
		return err
	}
	done := ctrl.Done()

	select {
	case <-ctx.Done():
		log.Info("interrupted, stopping")
	case <-done:
	}

	// One last tick so the final frame, or a fault, is consumed.
	if _, err := ctrl.Tick(context.Background()); err != nil {
		return err
	}
	if err := ctrl.LastError(); err != nil {
		return err
	}
	if ctrl.Exhausted() {
		log.Info("source exhausted")
	}
	return ctrl.Stop()
}

// counterFactory picks the synthetic or the external counter, and the matching region source.
func counterFactory(cfg *config.Config, size image.Point, pace time.Duration, last **worker.Algorithm) (pipeline.AlgorithmFactory, pipeline.RegionCapturer) {
	var regions pipeline.RegionCapturer
	a, b := cfg.FixedRegions()
	switch {
	case len(a) > 0 && len(b) > 0:
		regions = pipeline.StaticRegions{A: types.Region{Points: a}, B: types.Region{Points: b}}
	case cfg.Demo:
		regions = pipeline.StaticRegions(synthetic.StaticRegions(size))
	default:
		regions = worker.RegionCapturer{Command: cfg.Engine.RegionsCommand}
	}

	if cfg.Demo {
		return func(context.Context, string, types.Regions, image.Point) (pipeline.Algorithm, error) {
			return synthetic.New(synthetic.Config{
				Frames: cfg.Frames,
				Width:  size.X,
				Height: size.Y,
				Pace:   pace,
			}), nil
		}, regions
	}

	return func(ctx context.Context, source string, r types.Regions, sz image.Point) (pipeline.Algorithm, error) {
		a, err := worker.NewAlgorithm(ctx, worker.Config{
			Command:     cfg.Engine.Command,
			ReadTimeout: cfg.ReadTimeoutDuration,
			Logger:      logging.New("worker"),
		}, source, r, sz)
		if err != nil {
			return nil, err
		}
		*last = a
		return a, nil
	}, regions
}
