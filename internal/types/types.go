package types

import (
	"fmt"
	"image"
	"time"
)

// IdentityID is the stable id the counting algorithm assigns to a tracked person.
type IdentityID int

// Image is an interleaved 8-bit pixel buffer (height x width x channels).
// Channels is 1 (gray), 3 (RGB) or 4 (RGBA).
type Image struct {
	Width    int
	Height   int
	Channels int
	Pix      []byte
}

// Validate checks that the buffer length matches the declared shape.
func (im Image) Validate() error {
	if im.Width <= 0 || im.Height <= 0 {
		return fmt.Errorf("invalid image size %dx%d", im.Width, im.Height)
	}
	switch im.Channels {
	case 1, 3, 4:
	default:
		return fmt.Errorf("unsupported channel count %d", im.Channels)
	}
	if want := im.Width * im.Height * im.Channels; len(im.Pix) != want {
		return fmt.Errorf("pixel buffer has %d bytes, want %d", len(im.Pix), want)
	}
	return nil
}

// Empty reports whether the image carries no pixels.
func (im Image) Empty() bool { return len(im.Pix) == 0 }

// Clone returns a deep copy so the result never aliases the producer's buffer.
func (im Image) Clone() Image {
	out := im
	if im.Pix != nil {
		out.Pix = make([]byte, len(im.Pix))
		copy(out.Pix, im.Pix)
	}
	return out
}

// PersonRecord holds the per-identity details of one tick.
// Records are read-only once the algorithm has emitted them.
type PersonRecord struct {
	CompressedCrop []byte
	ObservedAt     time.Time
	Attributes     map[string]string // algorithm-specific extras, passed through untouched
}

// Entry pairs an identity with its record.
type Entry struct {
	ID     IdentityID
	Record PersonRecord
}

// EnteringDetails is the ordered snapshot of identities currently entering,
// in the order the algorithm inserted them. It behaves as an insertion-ordered
// map keyed by ID: a repeated ID keeps its first position and its last record.
type EnteringDetails []Entry

// Unique returns one entry per ID with the mapping semantics above. The
// receiver is returned as-is when it holds no duplicates.
func (d EnteringDetails) Unique() EnteringDetails {
	pos := make(map[IdentityID]int, len(d))
	var out EnteringDetails
	for i, e := range d {
		j, seen := pos[e.ID]
		if !seen {
			pos[e.ID] = len(pos)
			if out != nil {
				out = append(out, e)
			}
			continue
		}
		if out == nil {
			out = make(EnteringDetails, i, len(d))
			copy(out, d[:i])
		}
		out[j].Record = e.Record
	}
	if out == nil {
		return d
	}
	return out
}

// Newest returns up to n distinct entries, most recently inserted first.
func (d EnteringDetails) Newest(n int) []Entry {
	d = d.Unique()
	if n > len(d) {
		n = len(d)
	}
	out := make([]Entry, 0, n)
	for i := len(d) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, d[i])
	}
	return out
}

// ResultFrame is one (frame, result) pair pulled from the algorithm.
type ResultFrame struct {
	Seq      uint64
	Primary  Image
	Entering EnteringDetails
}

// Clone deep-copies the primary image and the entering snapshot.
func (f *ResultFrame) Clone() *ResultFrame {
	if f == nil {
		return nil
	}
	out := &ResultFrame{Seq: f.Seq, Primary: f.Primary.Clone()}
	if f.Entering != nil {
		out.Entering = make(EnteringDetails, len(f.Entering))
		for i, e := range f.Entering {
			rec := e.Record
			rec.CompressedCrop = append([]byte(nil), e.Record.CompressedCrop...)
			if e.Record.Attributes != nil {
				rec.Attributes = make(map[string]string, len(e.Record.Attributes))
				for k, v := range e.Record.Attributes {
					rec.Attributes[k] = v
				}
			}
			out.Entering[i] = Entry{ID: e.ID, Record: rec}
		}
	}
	return out
}

// Region is a polygon drawn over the source, in display coordinates.
type Region struct {
	Points []image.Point `json:"points"`
}

// IsSet reports whether the region was actually captured.
func (r Region) IsSet() bool { return len(r.Points) > 0 }

// Regions are the two counting lines/areas the algorithm needs.
type Regions struct {
	A Region
	B Region
}

// PipelineState is the lifecycle state of the controller.
type PipelineState int

const (
	Idle PipelineState = iota
	Configuring
	Running
	Stopping
)

func (s PipelineState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Configuring:
		return "configuring"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}
