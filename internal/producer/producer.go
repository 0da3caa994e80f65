// Package producer runs the pull loop that drains the counting algorithm's
// generator into the latest-frame slot.
package producer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/J1nWo0/Visitor-Monitoring-System/internal/slot"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/types"
)

// ErrExhausted may be returned by a Generator that has no more frames.
// io.EOF is accepted as well.
var ErrExhausted = errors.New("generator exhausted")

// ErrStopTimeout means the pull loop did not exit within the stop deadline,
// typically because the generator is blocked in an uninterruptible read.
var ErrStopTimeout = errors.New("producer did not stop in time")

// Generator is a pull-based source of analyzed frames.
// Next should return promptly once ctx is cancelled.
type Generator interface {
	Next(ctx context.Context) (*types.ResultFrame, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context) (*types.ResultFrame, error)

func (f GeneratorFunc) Next(ctx context.Context) (*types.ResultFrame, error) { return f(ctx) }

// Fault wraps an unexpected generator error. It ends the producer but
// must never take the host process down with it.
type Fault struct {
	Pulled uint64 // frames successfully pulled before the failure
	Err    error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("producer fault after %d frames: %v", f.Pulled, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// Options tunes a Producer.
type Options struct {
	// Active, if set, is incremented while the pull goroutine is alive.
	Active *atomic.Int32
	Logger *slog.Logger
}

// Producer owns one pull goroutine.
type Producer struct {
	gen    Generator
	slot   *slot.Slot
	log    *slog.Logger
	cancel context.CancelFunc
	done   chan struct{}

	stopOnce sync.Once
	stopErr  error

	pulled    atomic.Uint64
	err       error // set before done is closed
	exhausted bool
}

// Start launches the pull loop. The loop ends when ctx is cancelled, Stop is
// called, the generator is exhausted or the generator fails.
func Start(ctx context.Context, gen Generator, s *slot.Slot, opts Options) *Producer {
	ctx, cancel := context.WithCancel(ctx)
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	p := &Producer{
		gen:    gen,
		slot:   s,
		log:    log,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if opts.Active != nil {
		opts.Active.Add(1)
	}
	go func() {
		defer close(p.done)
		if opts.Active != nil {
			defer opts.Active.Add(-1)
		}
		p.loop(ctx)
	}()
	return p
}

func (p *Producer) loop(ctx context.Context) {
	for {
		// Cooperative cancellation between pulls.
		if ctx.Err() != nil {
			p.log.Debug("producer cancelled", "pulled", p.pulled.Load())
			return
		}

		frame, err := p.gen.Next(ctx)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF) || errors.Is(err, ErrExhausted):
				p.exhausted = true
				p.log.Info("generator exhausted", "pulled", p.pulled.Load())
			case ctx.Err() != nil:
				// The generator gave up because we asked it to.
				p.log.Debug("producer cancelled mid-pull", "pulled", p.pulled.Load())
			default:
				p.err = &Fault{Pulled: p.pulled.Load(), Err: err}
				p.log.Error("generator failed", "err", err, "pulled", p.pulled.Load())
			}
			return
		}
		if frame == nil {
			continue
		}

		// Copy before publishing so a generator that reuses buffers can't race the consumer.
		p.slot.Publish(frame.Clone())
		p.pulled.Add(1)
	}
}

// Done is closed once the pull goroutine has exited.
func (p *Producer) Done() <-chan struct{} { return p.done }

// Err returns the fault that ended the loop, if any. Valid after Done is closed.
func (p *Producer) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Exhausted reports whether the loop ended because the generator ran dry.
func (p *Producer) Exhausted() bool {
	select {
	case <-p.done:
		return p.exhausted
	default:
		return false
	}
}

// Pulled returns how many frames have been published so far.
func (p *Producer) Pulled() uint64 { return p.pulled.Load() }

// Stop signals the loop and waits up to timeout for it to exit
// (timeout <= 0 waits forever). Safe to call more than once.
func (p *Producer) Stop(timeout time.Duration) error {
	p.stopOnce.Do(func() {
		p.cancel()
		if timeout <= 0 {
			<-p.done
			return
		}
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-p.done:
		case <-t.C:
			p.stopErr = ErrStopTimeout
		}
	})
	if p.stopErr != nil {
		// A late exit still counts as stopped.
		select {
		case <-p.done:
			return nil
		default:
		}
	}
	return p.stopErr
}
