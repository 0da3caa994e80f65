package pipeline

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/J1nWo0/Visitor-Monitoring-System/internal/archive"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/producer"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/types"
)

var (
	// ErrCoordinatesNotSet is returned by Start when region capture was aborted.
	ErrCoordinatesNotSet = errors.New("coordinates not set")
	// ErrProducerBusy means a previous producer is still alive and a new run can't start yet.
	ErrProducerBusy = errors.New("previous producer is still running")
)

// ProducerFault is the error surfaced when the algorithm's generator fails mid-run.
type ProducerFault = producer.Fault

// Display is the surface the host renders to. Slots are numbered 1..3.
type Display interface {
	ShowPreview(img types.Image) error
	ShowSlot(n int, img types.Image) error
	Clear()
}

// RegionCapturer is the one-shot configuration step run before each start.
// An unset region in the result means the user aborted.
type RegionCapturer interface {
	CaptureRegions(ctx context.Context, source string, size image.Point) (types.Regions, error)
}

// Algorithm is one instance of the external counting algorithm.
type Algorithm interface {
	Frames() producer.Generator
	Close() error
}

// AlgorithmFactory builds a fresh Algorithm for every run.
type AlgorithmFactory func(ctx context.Context, source string, regions types.Regions, size image.Point) (Algorithm, error)

// RunInfo describes a run to the journal.
type RunInfo struct {
	ID        string
	Source    string
	SourceID  string
	StartedAt time.Time
}

// Journal records run boundaries and captures. Optional.
type Journal interface {
	archive.Recorder
	BeginRun(ctx context.Context, info RunInfo) error
	EndRun(ctx context.Context, runID string, stoppedAt time.Time) error
}

// StaticRegions returns preconfigured regions, standing in for interactive capture.
type StaticRegions types.Regions

func (s StaticRegions) CaptureRegions(context.Context, string, image.Point) (types.Regions, error) {
	return types.Regions(s), nil
}

// NopDisplay discards everything.
type NopDisplay struct{}

func (NopDisplay) ShowPreview(types.Image) error  { return nil }
func (NopDisplay) ShowSlot(int, types.Image) error { return nil }
func (NopDisplay) Clear()                          {}
