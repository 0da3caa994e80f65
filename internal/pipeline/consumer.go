package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/J1nWo0/Visitor-Monitoring-System/internal/archive"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/codec"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/slot"
	"github.com/J1nWo0/Visitor-Monitoring-System/internal/types"
)

// DisplaySlots is the number of "recent identity" thumbnails.
const DisplaySlots = 3

// TickReport summarises one consumer tick.
type TickReport struct {
	Fresh      bool   // a new frame was taken from the slot
	Seq        uint64 // sequence of that frame
	Suppressed bool   // first tick of the run: preview only
	Displayed  []types.IdentityID
	Archived   []archive.Capture
	Errors     []error
}

// Consumer turns the newest frame into display updates and archived crops.
// It belongs to a single run and is not safe for concurrent use.
type Consumer struct {
	slot     *slot.Slot
	display  Display
	archiver *archive.Archiver
	log      *slog.Logger
	suppress bool
}

// NewConsumer returns a consumer with the first-tick suppression window armed.
func NewConsumer(s *slot.Slot, d Display, a *archive.Archiver, log *slog.Logger) *Consumer {
	if d == nil {
		d = NopDisplay{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{slot: s, display: d, archiver: a, log: log, suppress: true}
}

// Tick runs one cadence step.
func (c *Consumer) Tick(ctx context.Context) TickReport {
	var rep TickReport

	frame, ok := c.slot.Take()
	if !ok {
		return rep
	}
	rep.Fresh = true
	rep.Seq = frame.Seq

	if !frame.Primary.Empty() {
		if err := c.display.ShowPreview(frame.Primary); err != nil {
			c.log.Warn("failed to show preview", "seq", frame.Seq, "err", err)
			rep.Errors = append(rep.Errors, fmt.Errorf("preview: %w", err))
		}
	}

	// The first frame of a run isn't stable enough to act on.
	if c.suppress {
		c.suppress = false
		rep.Suppressed = true
		return rep
	}

	rep.Displayed, rep.Errors = c.showRecent(frame.Entering, rep.Errors)

	if c.archiver != nil {
		ar := c.archiver.Persist(ctx, frame.Entering)
		rep.Archived = ar.Written
		rep.Errors = append(rep.Errors, ar.Errors...)
	}
	return rep
}

// showRecent renders the newest identities into slots 1..3. Slots without a
// matching identity keep whatever they showed before.
func (c *Consumer) showRecent(details types.EnteringDetails, errs []error) ([]types.IdentityID, []error) {
	var shown []types.IdentityID
	for i, e := range details.Newest(DisplaySlots) {
		img, err := codec.Decode(e.Record.CompressedCrop)
		if err != nil {
			c.log.Warn("failed to decode face crop", "identity", int(e.ID), "err", err)
			errs = append(errs, fmt.Errorf("display identity %d: %w", e.ID, err))
			continue
		}
		if err := c.display.ShowSlot(i+1, img); err != nil {
			c.log.Warn("failed to show face crop", "identity", int(e.ID), "slot", i+1, "err", err)
			errs = append(errs, fmt.Errorf("display slot %d: %w", i+1, err))
			continue
		}
		shown = append(shown, e.ID)
	}
	return shown, errs
}
