package ring

import (
	"errors"
	"fmt"

	"github.com/ardnew/usbssp/device/hal"
	"github.com/ardnew/usbssp/trb"
)

// SegmentAlign is the bus address alignment of every segment.
const SegmentAlign = 64

// Segment is one fixed-length array of TRBs in DMA memory. Segments of a ring
// are linked into a cycle through arena indices; on non-event rings the last
// slot of every segment holds the link TRB to the next one.
type Segment struct {
	mem    hal.Mem
	trbs   []byte
	n      int
	next   int
	bounce hal.Mem
}

func allocSegment(a hal.Allocator, n int, cycle bool, bounceLen int) (*Segment, error) {
	mem, err := a.Alloc(n*trb.Size, SegmentAlign)
	if err != nil {
		return nil, fmt.Errorf("segment: %w", err)
	}
	s := &Segment{mem: mem, trbs: mem.Bytes()[:n*trb.Size], n: n, next: -1}
	if !cycle {
		// Until the producer writes a slot with cycle 0, the slot must not
		// look consumer-owned.
		for i := 0; i < n; i++ {
			trb.StoreControl(s.slot(i), trb.Cycle)
		}
	}
	if bounceLen > 0 {
		s.bounce, err = a.Alloc(bounceLen, SegmentAlign)
		if err != nil {
			mem.Close()
			return nil, fmt.Errorf("bounce buffer: %w", err)
		}
	}
	return s, nil
}

func (s *Segment) free() error {
	var errs []error
	if s.bounce != nil {
		errs = append(errs, s.bounce.Close())
		s.bounce = nil
	}
	if s.mem != nil {
		errs = append(errs, s.mem.Close())
		s.mem = nil
	}
	return errors.Join(errs...)
}

func (s *Segment) slot(i int) []byte {
	return s.trbs[i*trb.Size : (i+1)*trb.Size]
}

// Len returns the number of TRB slots in the segment.
func (s *Segment) Len() int { return s.n }

// Base returns the bus address of the first TRB.
func (s *Segment) Base() uint64 { return s.mem.DMA() }

// DMA returns the bus address of slot i.
func (s *Segment) DMA(i int) uint64 { return s.mem.DMA() + uint64(i*trb.Size) }

// Load reads the TRB in slot i.
func (s *Segment) Load(i int) trb.TRB { return trb.Load(s.slot(i)) }

// Store writes t to slot i, control word last.
func (s *Segment) Store(i int, t trb.TRB) { trb.Store(s.slot(i), t) }

// Next returns the arena index of the following segment.
func (s *Segment) Next() int { return s.next }

// Bounce returns the segment's bounce buffer, or nil if it has none.
func (s *Segment) Bounce() hal.Mem { return s.bounce }

// index returns the slot holding addr, or -1.
func (s *Segment) index(addr uint64) int {
	base := s.mem.DMA()
	if addr < base || addr&(trb.Size-1) != 0 {
		return -1
	}
	i := int((addr - base) / trb.Size)
	if i >= s.n {
		return -1
	}
	return i
}
