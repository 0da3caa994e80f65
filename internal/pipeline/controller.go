package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/J1nWo0/Visitor-Monitoring-System/internal/archive"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/producer"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/slot"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/types"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/utils"
	"github.com/google/uuid"
)

const (
	DefaultInterval    = 30 * time.Millisecond
	DefaultStopTimeout = 2 * time.Second
)

// Config holds the controller's tunables.
type Config struct {
	Source string
	// Interval is the consumer cadence. Zero means the host drives Tick itself.
	Interval    time.Duration
	StopTimeout time.Duration
	PreviewSize image.Point
	ArchiveRoot string
	JPEGQuality int
	Now         func() time.Time
	Logger      *slog.Logger
}

// Deps are the collaborators the controller drives.
type Deps struct {
	Factory AlgorithmFactory
	Regions RegionCapturer
	Display Display
	Journal Journal
	// OnTick observes every tick report. It runs with the controller locked
	// and must not call back into the controller.
	OnTick func(TickReport)
}

type run struct {
	id       string
	algo     Algorithm
	producer *producer.Producer
	consumer *Consumer
	archiver *archive.Archiver
	cancel   context.CancelFunc
	stopTick chan struct{}
}

// Controller owns the lifecycle Idle → Configuring → Running → Stopping → Idle.
// Start, Stop and Tick are the entire host contract and may be called from
// any goroutine; they are serialised internally.
type Controller struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	mu      sync.Mutex
	state   types.PipelineState
	run     *run
	lastErr error
	runs    int

	active atomic.Int32
}

// New validates the configuration and returns an idle controller.
func New(cfg Config, deps Deps) (*Controller, error) {
	if deps.Factory == nil {
		return nil, errors.New("pipeline: algorithm factory is required")
	}
	if deps.Regions == nil {
		return nil, errors.New("pipeline: region capturer is required")
	}
	if deps.Display == nil {
		deps.Display = NopDisplay{}
	}
	if cfg.Interval < 0 {
		return nil, fmt.Errorf("pipeline: negative interval %s", cfg.Interval)
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.ArchiveRoot == "" {
		root, err := archive.DefaultRoot()
		if err != nil {
			return nil, fmt.Errorf("pipeline: resolve archive root: %w", err)
		}
		cfg.ArchiveRoot = root
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Controller{cfg: cfg, deps: deps, log: log}, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() types.PipelineState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError returns the producer fault that ended the previous run, if any.
func (c *Controller) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// ActiveProducers is the number of live producer goroutines. Never above 1.
func (c *Controller) ActiveProducers() int { return int(c.active.Load()) }

// RunID returns the id of the current run, or "" when idle.
func (c *Controller) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return ""
	}
	return c.run.id
}

// Runs counts how many runs have been started.
func (c *Controller) Runs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs
}

var closedCh = func() chan struct{} { ch := make(chan struct{}); close(ch); return ch }()

// Done is closed when the current run's producer has exited (exhaustion or
// fault). When idle it returns an already-closed channel.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return closedCh
	}
	return c.run.producer.Done()
}

// Exhausted reports whether the current run's generator has run dry.
func (c *Controller) Exhausted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run != nil && c.run.producer.Exhausted()
}

// Start configures and launches a new run. A running pipeline is fully
// stopped first. ctx bounds the whole run.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.run != nil {
		if err := c.stopLocked(); err != nil {
			c.log.Warn("previous run did not stop cleanly", "err", err)
		}
	}
	if n := c.active.Load(); n > 0 {
		return fmt.Errorf("%w (%d alive)", ErrProducerBusy, n)
	}

	c.state = types.Configuring
	c.lastErr = nil
	c.deps.Display.Clear()

	regions, err := c.deps.Regions.CaptureRegions(ctx, c.cfg.Source, c.cfg.PreviewSize)
	if err != nil {
		c.state = types.Idle
		return fmt.Errorf("capture regions: %w", err)
	}
	if !regions.A.IsSet() || !regions.B.IsSet() {
		c.state = types.Idle
		c.log.Warn("coordinates not set")
		return ErrCoordinatesNotSet
	}

	// Always a fresh instance: no tracking memory may leak across runs.
	algo, err := c.deps.Factory(ctx, c.cfg.Source, regions, c.cfg.PreviewSize)
	if err != nil {
		c.state = types.Idle
		return fmt.Errorf("start algorithm: %w", err)
	}

	r := &run{id: uuid.NewString(), algo: algo}
	runLog := c.log.With("run", r.id)

	var rec archive.Recorder
	if c.deps.Journal != nil {
		rec = c.deps.Journal
		info := RunInfo{
			ID:        r.id,
			Source:    c.cfg.Source,
			SourceID:  utils.GenerateSourceID(c.cfg.Source),
			StartedAt: c.cfg.Now(),
		}
		if err := c.deps.Journal.BeginRun(ctx, info); err != nil {
			runLog.Warn("failed to journal run start", "err", err)
		}
	}

	r.archiver = archive.New(archive.Config{
		Root:     c.cfg.ArchiveRoot,
		RunID:    r.id,
		Quality:  c.cfg.JPEGQuality,
		Recorder: rec,
		Now:      c.cfg.Now,
		Logger:   runLog.With("component", "archive"),
	})

	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	s := slot.New()
	r.consumer = NewConsumer(s, c.deps.Display, r.archiver, runLog.With("component", "consumer"))
	r.producer = producer.Start(runCtx, algo.Frames(), s, producer.Options{
		Active: &c.active,
		Logger: runLog.With("component", "producer"),
	})

	if c.cfg.Interval > 0 {
		r.stopTick = make(chan struct{})
		go c.tickLoop(runCtx, r)
	}

	c.run = r
	c.runs++
	c.state = types.Running
	runLog.Info("pipeline running", "source", c.cfg.Source, "interval", c.cfg.Interval)
	return nil
}

func (c *Controller) tickLoop(ctx context.Context, r *run) {
	t := time.NewTicker(c.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-r.stopTick:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			c.mu.Lock()
			if c.run == r {
				c.tickLocked(ctx)
			}
			c.mu.Unlock()
		}
	}
}

// Tick runs one consumer step. It is a no-op unless Running. If the producer
// has faulted, the pipeline is stopped and the fault returned.
func (c *Controller) Tick(ctx context.Context) (TickReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickLocked(ctx)
}

func (c *Controller) tickLocked(ctx context.Context) (TickReport, error) {
	if c.state != types.Running || c.run == nil {
		return TickReport{}, nil
	}
	r := c.run
	rep := r.consumer.Tick(ctx)
	if c.deps.OnTick != nil {
		c.deps.OnTick(rep)
	}

	select {
	case <-r.producer.Done():
		if err := r.producer.Err(); err != nil {
			c.log.Error("producer failed, stopping pipeline", "run", r.id, "err", err)
			if serr := c.stopLocked(); serr != nil {
				c.log.Warn("stop after fault", "err", serr)
			}
			c.lastErr = err
			return rep, err
		}
	default:
	}
	return rep, nil
}

// Stop ends the current run and clears the display. Safe to call when idle.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked()
}

func (c *Controller) stopLocked() error {
	r := c.run
	if r == nil {
		c.deps.Display.Clear()
		c.state = types.Idle
		return nil
	}
	c.state = types.Stopping

	if r.stopTick != nil {
		close(r.stopTick)
	}

	var errs []error
	if err := r.producer.Stop(c.cfg.StopTimeout); err != nil {
		errs = append(errs, err)
	}
	r.cancel()
	if err := r.algo.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close algorithm: %w", err))
	}

	c.deps.Display.Clear()

	if c.deps.Journal != nil {
		// Use Background here because the run context is already cancelled
		// and we still need to close the run in the journal.
		jctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.deps.Journal.EndRun(jctx, r.id, c.cfg.Now()); err != nil {
			c.log.Warn("failed to journal run end", "run", r.id, "err", err)
		}
		cancel()
	}

	c.log.Info("pipeline stopped", "run", r.id, "frames", r.producer.Pulled(), "archived", r.archiver.Count())
	c.run = nil
	c.state = types.Idle
	return errors.Join(errs...)
}
