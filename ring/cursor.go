package ring

import (
	"fmt"

	"github.com/ardnew/usbssp/pkg"
	"github.com/ardnew/usbssp/trb"
)

// Write stores t, cycle bit as given, at the enqueue cursor and advances it.
// It returns the cursor t was written to. See [Ring.AdvanceEnqueue] for the
// meaning of more.
func (r *Ring) Write(t trb.TRB, more bool) Cursor {
	at := r.enq
	r.Store(at, t)
	r.AdvanceEnqueue(more)
	return at
}

// Queue is [Ring.Write] with the cycle bit set to the producer cycle state,
// handing t to the consumer immediately.
func (r *Ring) Queue(t trb.TRB, more bool) Cursor {
	t.SetCycle(r.cycle)
	return r.Write(t, more)
}

// AdvanceEnqueue moves the enqueue cursor past the slot just written.
//
// When the cursor lands on a link TRB it is handed to the consumer and
// followed only if the TRB just written is chained or more is true.
// Otherwise the link stays with the producer until [Ring.HandOverLink], so
// the consumer cannot run onto a segment the producer has not filled.
func (r *Ring) AdvanceEnqueue(more bool) {
	chain := uint32(0)
	if !r.IsLink(r.enq) {
		chain = trb.LoadControl(r.segs[r.enq.Seg].slot(r.enq.Idx)) & trb.Chain
		r.free--
	}
	r.enq = r.Next(r.enq)
	for r.IsLink(r.enq) {
		if chain == 0 && !more {
			break
		}
		r.giveLink(chain)
	}
}

// HandOverLink hands a link TRB left pending at the enqueue cursor to the
// consumer and moves to the next segment. It must be called before a new TD
// is written.
func (r *Ring) HandOverLink() {
	for r.IsLink(r.enq) {
		r.giveLink(0)
	}
}

func (r *Ring) giveLink(chain uint32) {
	b := r.segs[r.enq.Seg].slot(r.enq.Idx)
	ctrl := trb.LoadControl(b)
	toggle := ctrl&trb.LinkToggle != 0
	ctrl = ctrl&^(trb.Chain|trb.Cycle) | chain
	if r.cycle {
		ctrl |= trb.Cycle
	}
	trb.StoreControl(b, ctrl)
	if r.deq == r.enq {
		// Empty ring: the consumer follows the link straight away.
		if toggle {
			r.deqCycle = !r.deqCycle
		}
		r.deq = r.Next(r.deq)
	}
	if toggle {
		r.cycle = !r.cycle
	}
	r.enq = r.Next(r.enq)
}

// AdvanceDequeue moves the dequeue cursor one TRB forward.
//
// The event ring has no link TRBs; its cycle state flips when the cursor
// wraps past the last slot of the last segment. Other rings step over link
// TRBs, following their toggle flag.
func (r *Ring) AdvanceDequeue() {
	if r.typ == TypeEvent {
		s := r.segs[r.deq.Seg]
		if r.deq.Idx < s.n-1 {
			r.deq.Idx++
			return
		}
		if r.deq.Seg == r.last {
			r.deqCycle = !r.deqCycle
		}
		r.deq = Cursor{s.next, 0}
		return
	}
	if !r.IsLink(r.deq) {
		r.deq.Idx++
		r.free++
	}
	for r.IsLink(r.deq) && r.deq != r.enq {
		if r.togglesCycle(r.deq) {
			r.deqCycle = !r.deqCycle
		}
		r.deq = r.Next(r.deq)
	}
}

// AdvanceDequeuePast moves the dequeue cursor to the slot after last. It
// fails without passing the enqueue cursor if last is not pending.
func (r *Ring) AdvanceDequeuePast(last Cursor) error {
	for r.deq != r.enq {
		done := r.deq == last
		r.AdvanceDequeue()
		if done {
			return nil
		}
	}
	return fmt.Errorf("dequeue past %v on %s ring: %w", last, r.typ, pkg.ErrNotFound)
}

// AdvanceDequeueTo moves the dequeue cursor forward until it reaches c,
// returning every slot passed over to the producer. It fails without passing
// the enqueue cursor if c is not between the two.
func (r *Ring) AdvanceDequeueTo(c Cursor) error {
	if r.IsLink(c) {
		c = r.Next(c)
	}
	for r.deq != c {
		if r.deq == r.enq {
			return fmt.Errorf("dequeue to %v on %s ring: %w", c, r.typ, pkg.ErrNotFound)
		}
		r.AdvanceDequeue()
	}
	return nil
}

// RoomOnRing reports whether n TRBs can be enqueued. Transfer rings also
// keep the enqueue cursor from running into the dequeue segment.
func (r *Ring) RoomOnRing(n int) bool {
	if r.free < n {
		return false
	}
	if r.typ != TypeCommand && r.typ != TypeEvent {
		if r.free < n+r.deq.Idx {
			return false
		}
	}
	return true
}

// Prepare makes room for n TRBs, expanding transfer rings when needed, and
// hands over any link TRB pending at the enqueue cursor.
func (r *Ring) Prepare(n int) error {
	if !r.RoomOnRing(n) {
		if r.typ == TypeCommand {
			return fmt.Errorf("%s ring: %d TRBs requested, %d free: %w", r.typ, n, r.free, pkg.ErrRingFull)
		}
		pkg.LogDebug(pkg.ComponentRing, "ring full, expanding", "type", r.typ, "need", n, "free", r.free)
		if err := r.Expand(n); err != nil {
			return err
		}
	}
	r.HandOverLink()
	return nil
}

// Peek returns the TRB at the dequeue cursor if the consumer owns it.
func (r *Ring) Peek() (trb.TRB, bool) {
	t := r.Load(r.deq)
	if t.Cycle() != r.deqCycle {
		return trb.TRB{}, false
	}
	return t, true
}

// SetCycle sets the cycle bit of the slot at c, handing it over or taking it
// back.
func (r *Ring) SetCycle(c Cursor, cycle bool) {
	b := r.segs[c.Seg].slot(c.Idx)
	ctrl := trb.LoadControl(b) &^ trb.Cycle
	if cycle {
		ctrl |= trb.Cycle
	}
	trb.StoreControl(b, ctrl)
}

// Pending returns the number of non-link TRBs between dequeue and enqueue.
func (r *Ring) Pending() int {
	n := 0
	for c := r.deq; c != r.enq; c = r.Next(c) {
		if !r.IsLink(c) {
			n++
		}
	}
	return n
}
