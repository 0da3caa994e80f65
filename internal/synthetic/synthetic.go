// Package synthetic is a deterministic stand-in for the external counter.
// It renders moving gradient frames and lets a new identity enter every few
// frames, so the whole pipeline can run without a camera or Python.
package synthetic

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/J1nWo0/Visitor-Monitoring-System/internal/codec"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/producer"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/types"
)

const (
	DefaultWidth      = 320
	DefaultHeight     = 240
	DefaultEnterEvery = 15
	DefaultKeep       = 8
	cropSize          = 48
)

// Config tunes the generated stream.
type Config struct {
	// Frames is how many frames to emit before exhausting. Zero never exhausts.
	Frames int
	Width  int
	Height int
	// EnterEvery is the number of frames between two arrivals.
	EnterEvery int
	// Keep caps how many entered identities a frame reports.
	Keep int
	// Pace is the delay before each frame. Zero emits as fast as pulled.
	Pace time.Duration
	Now  func() time.Time
}

func (c *Config) defaults() {
	if c.Width <= 0 {
		c.Width = DefaultWidth
	}
	if c.Height <= 0 {
		c.Height = DefaultHeight
	}
	if c.EnterEvery <= 0 {
		c.EnterEvery = DefaultEnterEvery
	}
	if c.Keep <= 0 {
		c.Keep = DefaultKeep
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Algorithm is one synthetic run. A fresh instance has no remembered identities.
type Algorithm struct {
	cfg Config

	mu       sync.Mutex
	seq      uint64
	nextID   types.IdentityID
	entering types.EnteringDetails

	closeOnce sync.Once
	closed    chan struct{}
}

// New returns a ready algorithm.
func New(cfg Config) *Algorithm {
	cfg.defaults()
	return &Algorithm{cfg: cfg, nextID: 1, closed: make(chan struct{})}
}

func (a *Algorithm) Frames() producer.Generator { return a }

// Next paces, then renders the next frame.
func (a *Algorithm) Next(ctx context.Context) (*types.ResultFrame, error) {
	if a.cfg.Pace > 0 {
		t := time.NewTimer(a.cfg.Pace)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-a.closed:
			return nil, producer.ErrExhausted
		case <-t.C:
		}
	}
	select {
	case <-a.closed:
		return nil, producer.ErrExhausted
	default:
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cfg.Frames > 0 && a.seq >= uint64(a.cfg.Frames) {
		return nil, producer.ErrExhausted
	}
	a.seq++

	if a.seq%uint64(a.cfg.EnterEvery) == 0 {
		if err := a.enter(); err != nil {
			return nil, err
		}
	}

	return &types.ResultFrame{
		Seq:      a.seq,
		Primary:  Gradient(a.cfg.Width, a.cfg.Height, int(a.seq)),
		Entering: a.entering,
	}, nil
}

func (a *Algorithm) enter() error {
	id := a.nextID
	a.nextID++
	blob, err := codec.Encode(Face(id))
	if err != nil {
		return fmt.Errorf("encode crop for identity %d: %w", id, err)
	}
	a.entering = append(a.entering, types.Entry{ID: id, Record: types.PersonRecord{
		CompressedCrop: blob,
		ObservedAt:     a.cfg.Now(),
		Attributes:     map[string]string{"source": "synthetic"},
	}})
	if len(a.entering) > a.cfg.Keep {
		// Copy so frames already handed out keep their view of the list.
		a.entering = append(types.EnteringDetails(nil), a.entering[len(a.entering)-a.cfg.Keep:]...)
	}
	return nil
}

// Close ends the stream. Further pulls report exhaustion.
func (a *Algorithm) Close() error {
	a.closeOnce.Do(func() { close(a.closed) })
	return nil
}

// Gradient renders a w x h RGB frame whose diagonal bands shift with phase.
func Gradient(w, h, phase int) types.Image {
	img := types.Image{Width: w, Height: h, Channels: 3, Pix: make([]byte, w*h*3)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 3
			img.Pix[i] = byte(x + phase)
			img.Pix[i+1] = byte(y + phase*2)
			img.Pix[i+2] = byte(x + y)
		}
	}
	return img
}

// Face renders a small crop whose colour is derived from id.
func Face(id types.IdentityID) types.Image {
	r, g, b := byte(id*67), byte(id*131), byte(id*29)
	img := types.Image{Width: cropSize, Height: cropSize, Channels: 3, Pix: make([]byte, cropSize*cropSize*3)}
	c := cropSize / 2
	for y := 0; y < cropSize; y++ {
		for x := 0; x < cropSize; x++ {
			i := (y*cropSize + x) * 3
			dx, dy := x-c, y-c
			if dx*dx+dy*dy <= (c-4)*(c-4) {
				img.Pix[i], img.Pix[i+1], img.Pix[i+2] = r, g, b
			} else {
				img.Pix[i], img.Pix[i+1], img.Pix[i+2] = 20, 20, 20
			}
		}
	}
	return img
}

// StaticRegions returns two horizontal counting lines at a third and two
// thirds of the frame height.
func StaticRegions(size image.Point) types.Regions {
	if size.X <= 0 || size.Y <= 0 {
		size = image.Pt(DefaultWidth, DefaultHeight)
	}
	a, b := size.Y/3, 2*size.Y/3
	return types.Regions{
		A: types.Region{Points: []image.Point{{0, a}, {size.X - 1, a}}},
		B: types.Region{Points: []image.Point{{0, b}, {size.X - 1, b}}},
	}
}
