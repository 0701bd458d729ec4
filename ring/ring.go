package ring

import (
	"errors"
	"fmt"

	"github.com/ardnew/usbssp/device/hal"
	"github.com/ardnew/usbssp/pkg"
	"github.com/ardnew/usbssp/trb"
)

// Type is the kind of traffic a ring carries.
type Type uint8

// Ring types.
const (
	TypeControl Type = iota
	TypeIsoc
	TypeBulk
	TypeInterrupt
	TypeStream
	TypeCommand
	TypeEvent
)

var typeNames = [...]string{"control", "isoc", "bulk", "interrupt", "stream", "command", "event"}

// String returns the ring type name.
func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("ring(%d)", uint8(t))
}

// MinTRBsPerSegment is the smallest supported segment length.
const MinTRBsPerSegment = 16

// Cursor addresses one TRB slot: a segment arena index and a slot index.
type Cursor struct {
	Seg int
	Idx int
}

// Ring is a circular list of segments with a producer (enqueue) and a
// consumer (dequeue) cursor.
//
// For rings software produces (transfer and command rings) the enqueue
// cycle state is the cycle bit written into new TRBs, and the dequeue cycle
// state tracks the cycle bit the consumer expects at the dequeue cursor. For
// the event ring software is the consumer and only the dequeue side is used.
//
// Ring is not safe for concurrent use.
type Ring struct {
	alloc     hal.Allocator
	typ       Type
	segs      []*Segment
	first     int
	last      int
	numSegs   int
	perSeg    int
	bounceLen int

	enq      Cursor
	deq      Cursor
	cycle    bool
	deqCycle bool
	free     int

	// StreamID is the stream this ring serves, or 0.
	StreamID uint16
}

// Allocate builds a ring of numSegs segments with perSeg TRB slots each.
// When cycle is false every slot is pre-set to cycle 1 so the first pass of
// the producer is not mistaken for valid TRBs. Transfer rings get a bounce
// buffer of maxPacket bytes per segment. On failure everything allocated so
// far is released and no ring is returned.
func Allocate(a hal.Allocator, numSegs, perSeg int, cycle bool, typ Type, maxPacket int) (*Ring, error) {
	if numSegs < 1 || perSeg < MinTRBsPerSegment || perSeg%4 != 0 {
		return nil, fmt.Errorf("ring geometry %dx%d: %w", numSegs, perSeg, pkg.ErrInvalidParameter)
	}
	r := &Ring{alloc: a, typ: typ, perSeg: perSeg}
	if typ != TypeCommand && typ != TypeEvent {
		r.bounceLen = maxPacket
	}
	first, last, err := r.allocSegments(numSegs, cycle)
	if err != nil {
		return nil, err
	}
	r.first, r.last = first, last
	r.numSegs = numSegs
	if typ != TypeEvent {
		r.linkSegments(last, first)
		r.setToggle(last, true)
	}
	r.init(cycle)
	pkg.LogDebug(pkg.ComponentRing, "ring allocated",
		"type", typ, "segments", numSegs, "trbs", perSeg, "cycle", cycle)
	return r, nil
}

// allocSegments appends n linked segments to the arena and returns the
// first and last of the run. A failure releases the whole run.
func (r *Ring) allocSegments(n int, cycle bool) (first, last int, err error) {
	base := len(r.segs)
	for i := 0; i < n; i++ {
		s, err := allocSegment(r.alloc, r.perSeg, cycle, r.bounceLen)
		if err != nil {
			for _, s := range r.segs[base:] {
				s.free()
			}
			clear(r.segs[base:])
			r.segs = r.segs[:base]
			return -1, -1, fmt.Errorf("allocate segment %d of %d: %w", i+1, n, errors.Join(pkg.ErrNoMemory, err))
		}
		r.segs = append(r.segs, s)
		if i > 0 {
			r.linkSegments(base+i-1, base+i)
		}
	}
	return base, base + n - 1, nil
}

// linkSegments points prev at next. On non-event rings the link TRB in the
// last slot of prev is rewritten, keeping its cycle and toggle bits.
func (r *Ring) linkSegments(prev, next int) {
	r.segs[prev].next = next
	if r.typ == TypeEvent {
		return
	}
	p := r.segs[prev]
	link := p.n - 1
	ctrl := trb.LoadControl(p.slot(link)) & (trb.Cycle | trb.LinkToggle)
	t := trb.Link(r.segs[next].Base(), false)
	t[3] |= ctrl
	p.Store(link, t)
}

func (r *Ring) setToggle(seg int, on bool) {
	s := r.segs[seg]
	b := s.slot(s.n - 1)
	ctrl := trb.LoadControl(b)
	if on {
		ctrl |= trb.LinkToggle
	} else {
		ctrl &^= trb.LinkToggle
	}
	trb.StoreControl(b, ctrl)
}

func (r *Ring) init(cycle bool) {
	r.enq = Cursor{r.first, 0}
	r.deq = r.enq
	r.cycle = cycle
	r.deqCycle = cycle
	// One slot always stays empty so a full ring is distinguishable from
	// an empty one.
	r.free = r.numSegs*(r.perSeg-1) - 1
}

// Reset rewrites every slot as unowned, keeping the links, and moves both
// cursors back to the first segment.
func (r *Ring) Reset(cycle bool) {
	var fill uint32
	if !cycle {
		fill = trb.Cycle
	}
	seg := r.first
	for range r.numSegs {
		s := r.segs[seg]
		n := s.n
		if r.typ != TypeEvent {
			n--
		}
		for i := 0; i < n; i++ {
			s.Store(i, trb.TRB{0, 0, 0, fill})
		}
		if r.typ != TypeEvent {
			ctrl := trb.LoadControl(s.slot(s.n-1))&^trb.Cycle | fill
			trb.StoreControl(s.slot(s.n-1), ctrl)
		}
		seg = s.next
	}
	r.init(cycle)
}

// Free releases every segment. The ring must not be used afterwards.
func (r *Ring) Free() error {
	var errs []error
	for _, s := range r.segs {
		if s != nil {
			errs = append(errs, s.free())
		}
	}
	r.segs = nil
	r.numSegs = 0
	return errors.Join(errs...)
}

// Expand grows the ring so that at least n more TRBs fit. New segments are
// spliced in directly after the enqueue segment. The command ring has a
// fixed size and cannot be expanded.
func (r *Ring) Expand(n int) error {
	if r.typ == TypeCommand || r.typ == TypeEvent {
		return fmt.Errorf("expand %s ring: %w", r.typ, pkg.ErrRingFull)
	}
	needed := (n + r.perSeg - 2) / (r.perSeg - 1)
	add := max(r.numSegs, needed)
	// New slots must read as unowned to a consumer still on the old cycle.
	first, last, err := r.allocSegments(add, r.cycle)
	if err != nil {
		return fmt.Errorf("expand %s ring: %w", r.typ, err)
	}

	after := r.segs[r.enq.Seg].next
	r.linkSegments(r.enq.Seg, first)
	r.linkSegments(last, after)
	r.numSegs += add
	r.free += (r.perSeg - 1) * add

	if r.enq.Seg == r.last {
		r.setToggle(r.last, false)
		r.setToggle(last, true)
		r.last = last
	}
	pkg.LogDebug(pkg.ComponentRing, "ring expanded",
		"type", r.typ, "added", add, "segments", r.numSegs, "free", r.free)
	return nil
}

// Type returns the ring type.
func (r *Ring) Type() Type { return r.typ }

// NumSegments returns the number of segments in the ring.
func (r *Ring) NumSegments() int { return r.numSegs }

// TRBsPerSegment returns the number of slots per segment.
func (r *Ring) TRBsPerSegment() int { return r.perSeg }

// Segment returns the segment at arena index i.
func (r *Ring) Segment(i int) *Segment { return r.segs[i] }

// First returns the arena index of the first segment.
func (r *Ring) First() int { return r.first }

// FreeTRBs returns the number of free TRB slots.
func (r *Ring) FreeTRBs() int { return r.free }

// Enqueue returns the enqueue cursor.
func (r *Ring) Enqueue() Cursor { return r.enq }

// Dequeue returns the dequeue cursor.
func (r *Ring) Dequeue() Cursor { return r.deq }

// Cycle returns the producer cycle state.
func (r *Ring) Cycle() bool { return r.cycle }

// DequeueCycle returns the cycle state expected at the dequeue cursor.
func (r *Ring) DequeueCycle() bool { return r.deqCycle }

// Empty reports whether no TRB is pending between dequeue and enqueue.
func (r *Ring) Empty() bool { return r.enq == r.deq }

// Load reads the TRB at c.
func (r *Ring) Load(c Cursor) trb.TRB { return r.segs[c.Seg].Load(c.Idx) }

// Store writes t at c.
func (r *Ring) Store(c Cursor, t trb.TRB) { r.segs[c.Seg].Store(c.Idx, t) }

// DMA returns the bus address of the slot at c.
func (r *Ring) DMA(c Cursor) uint64 { return r.segs[c.Seg].DMA(c.Idx) }

// Locate maps a bus address back to the cursor of the slot holding it.
func (r *Ring) Locate(addr uint64) (Cursor, bool) {
	seg := r.first
	for range r.numSegs {
		if i := r.segs[seg].index(addr); i >= 0 {
			return Cursor{seg, i}, true
		}
		seg = r.segs[seg].next
	}
	return Cursor{}, false
}

// IsLink reports whether c is the link slot of its segment.
func (r *Ring) IsLink(c Cursor) bool {
	return r.typ != TypeEvent && c.Idx == r.segs[c.Seg].n-1
}

func (r *Ring) togglesCycle(c Cursor) bool {
	return trb.LoadControl(r.segs[c.Seg].slot(c.Idx))&trb.LinkToggle != 0
}

// Next returns the slot after c. On non-event rings the link slot is a
// position of its own; stepping off it moves to the next segment.
func (r *Ring) Next(c Cursor) Cursor {
	if c.Idx == r.segs[c.Seg].n-1 {
		return Cursor{r.segs[c.Seg].next, 0}
	}
	return Cursor{c.Seg, c.Idx + 1}
}
