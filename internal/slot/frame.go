package slot

import (
	"sync"
	"time"
)

// Frame is one captured image. Data is opaque to the pipeline (typically an
// encoded PNG or JPEG) and is copied whenever it crosses the slot boundary.
type Frame struct {
	Data       []byte
	MIME       string
	Seq        uint64
	CapturedAt time.Time
}

// Clone returns a deep copy of f.
func (f Frame) Clone() Frame {
	out := f
	if f.Data != nil {
		out.Data = make([]byte, len(f.Data))
		copy(out.Data, f.Data)
	}
	return out
}

// FrameStats is a snapshot of FrameSlot counters.
type FrameStats struct {
	Writes uint64
	Takes  uint64
	// Drops counts frames that were overwritten before anyone took them.
	Drops uint64
}

// FrameSlot is the producer-to-pipeline hand-off cell. The producer writes at
// its own frame rate; the pipeline takes a copy only once enough writes have
// accumulated, which decouples the sampling rate from the capture rate.
type FrameSlot struct {
	mu        sync.Mutex
	frame     Frame
	has       bool
	untaken   bool
	writes    uint64
	lastTaken uint64
	takes     uint64
	drops     uint64
}

// NewFrameSlot returns an empty frame slot.
func NewFrameSlot() *FrameSlot {
	return &FrameSlot{}
}

// Write stores a copy of f, replacing any previous frame. The slot assigns
// f.Seq from its write counter; a zero CapturedAt is set to now.
func (s *FrameSlot) Write(f Frame) {
	f = f.Clone()
	if f.CapturedAt.IsZero() {
		f.CapturedAt = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.untaken {
		s.drops++
	}
	s.writes++
	f.Seq = s.writes
	s.frame = f
	s.has = true
	s.untaken = true
}

// Read returns a copy of the latest frame without affecting sampling.
func (s *FrameSlot) Read() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.has {
		return Frame{}, false
	}
	return s.frame.Clone(), true
}

// TryTakeIfDue returns a copy of the latest frame when the write counter has
// advanced by at least skipN since the last successful take. The first frame
// ever written is due immediately. skipN below 1 is treated as 1.
func (s *FrameSlot) TryTakeIfDue(skipN int) (Frame, bool) {
	if skipN < 1 {
		skipN = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.has {
		return Frame{}, false
	}
	if s.takes > 0 && s.writes-s.lastTaken < uint64(skipN) {
		return Frame{}, false
	}

	s.lastTaken = s.writes
	s.takes++
	s.untaken = false
	return s.frame.Clone(), true
}

// Pending reports how many writes happened since the last successful take.
func (s *FrameSlot) Pending() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes - s.lastTaken
}

func (s *FrameSlot) Stats() FrameStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return FrameStats{Writes: s.writes, Takes: s.takes, Drops: s.drops}
}
