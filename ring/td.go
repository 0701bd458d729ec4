package ring

import (
	"fmt"

	"github.com/ardnew/usbssp/pkg"
	"github.com/ardnew/usbssp/trb"
)

// TRBInTD returns the arena index of the segment holding addr if addr lies
// between the TD's first and last TRB inclusive. A TD whose last TRB comes
// before its first in the same segment wraps around the whole ring.
func (r *Ring) TRBInTD(first, last Cursor, addr uint64) (int, bool) {
	seg, from := first.Seg, first.Idx
	for n := 0; n <= r.numSegs; n++ {
		s := r.segs[seg]
		to := s.n - 1
		end := seg == last.Seg && (n > 0 || last.Idx >= from)
		if end {
			to = last.Idx
		}
		if addr >= s.DMA(from) && addr <= s.DMA(to) && addr&(trb.Size-1) == 0 {
			return seg, true
		}
		if end {
			break
		}
		seg, from = s.next, 0
	}
	return -1, false
}

// FindNewDequeue computes where the consumer must resume to skip a TD that
// ends at last, given the position and cycle state the consumer has saved in
// its context. Starting at the software dequeue cursor it walks the ring
// until both the saved position and the TD's last TRB have been passed,
// flipping the cycle state at toggle links after the saved position. The
// returned cursor never rests on a link TRB.
func (r *Ring) FindNewDequeue(hwDeq uint64, hwCycle bool, last Cursor) (Cursor, bool, error) {
	hwDeq &^= 0xf
	pos := r.deq
	cycle := hwCycle
	cycleFound, lastFound := false, false
	for {
		if !cycleFound && r.DMA(pos) == hwDeq {
			cycleFound = true
			if lastFound {
				break
			}
		}
		if pos == last {
			lastFound = true
		}
		if cycleFound && r.IsLink(pos) && r.togglesCycle(pos) {
			cycle = !cycle
		}
		pos = r.Next(pos)
		if pos == r.deq {
			return Cursor{}, false, fmt.Errorf("new dequeue state for %#x: %w", hwDeq, pkg.ErrNotFound)
		}
		if cycleFound && lastFound {
			break
		}
	}
	for r.IsLink(pos) {
		if r.togglesCycle(pos) {
			cycle = !cycle
		}
		pos = r.Next(pos)
	}
	return pos, cycle, nil
}

// ToNoop rewrites the TRB at c as a no-op of the ring's kind, keeping its
// cycle bit. Link TRBs only lose their chain bit.
func (r *Ring) ToNoop(c Cursor) {
	b := r.segs[c.Seg].slot(c.Idx)
	if r.IsLink(c) {
		trb.StoreControl(b, trb.LoadControl(b)&^trb.Chain)
		return
	}
	ty := trb.TypeNoOp
	if r.typ == TypeCommand {
		ty = trb.TypeCommandNoOp
	}
	ctrl := trb.LoadControl(b)&trb.Cycle | trb.TypeField(ty)
	trb.Store(b, trb.TRB{0, 0, 0, ctrl})
}

// TDToNoop turns every TRB of the TD from first to last into a no-op. With
// flip set the cycle bits of the interior TRBs are inverted as well.
func (r *Ring) TDToNoop(first, last Cursor, flip bool) {
	for c := first; ; c = r.Next(c) {
		r.ToNoop(c)
		if flip && c != first && c != last {
			b := r.segs[c.Seg].slot(c.Idx)
			trb.StoreControl(b, trb.LoadControl(b)^trb.Cycle)
		}
		if c == last {
			return
		}
	}
}
