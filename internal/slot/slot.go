// Package slot implements the single-slot, overwrite-on-publish hand-off
// between the frame producer and the cadence-driven consumer.
//
// It is deliberately not a queue: a slow consumer sees the newest frame and
// older unread frames are dropped.
package slot

import (
	"sync"

	"github.com/J1nWo0/Visitor-Monitoring-System/internal/types"
)

// Stats is a snapshot of slot counters.
type Stats struct {
	Published uint64
	Taken     uint64
	Dropped   uint64 // frames overwritten before anyone took them
}

// Slot holds at most one unread frame. The zero value is ready to use.
type Slot struct {
	mu     sync.Mutex
	frame  *types.ResultFrame
	unread bool
	stats  Stats
}

// New returns an empty slot.
func New() *Slot { return &Slot{} }

// Publish stores frame, replacing any unread one. Never blocks.
// The caller must not modify frame afterwards.
func (s *Slot) Publish(frame *types.ResultFrame) {
	s.mu.Lock()
	if s.unread {
		s.stats.Dropped++
	}
	s.frame = frame
	s.unread = true
	s.stats.Published++
	s.mu.Unlock()
}

// Take returns the newest frame if one was published since the last Take.
func (s *Slot) Take() (*types.ResultFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.unread {
		return nil, false
	}
	f := s.frame
	s.frame = nil
	s.unread = false
	s.stats.Taken++
	return f, true
}

// Stats returns the current counters.
func (s *Slot) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
