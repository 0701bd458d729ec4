package ring

import (
	"errors"
	"fmt"

	"github.com/ardnew/usbssp/device/hal"
	"github.com/ardnew/usbssp/pkg"
)

// ERSTEntrySize is the size of one event ring segment table entry.
const ERSTEntrySize = 16

// ERST is the event ring segment table: one {base, size} entry per event
// ring segment, in ring order. Software owns it exclusively; the controller
// only reads it.
type ERST struct {
	mem     hal.Mem
	entries int
}

// NewERST builds the segment table describing r, which must be an event ring.
func NewERST(a hal.Allocator, r *Ring) (*ERST, error) {
	if r.typ != TypeEvent {
		return nil, fmt.Errorf("segment table for %s ring: %w", r.typ, pkg.ErrInvalidParameter)
	}
	mem, err := a.Alloc(r.numSegs*ERSTEntrySize, SegmentAlign)
	if err != nil {
		return nil, fmt.Errorf("segment table: %w", errors.Join(pkg.ErrNoMemory, err))
	}
	t := &ERST{mem: mem, entries: r.numSegs}
	b := mem.Bytes()
	seg := r.first
	for i := range r.numSegs {
		s := r.segs[seg]
		e := b[i*ERSTEntrySize:]
		pkg.StoreLE64(e[0:], s.Base())
		pkg.StoreLE32(e[8:], uint32(s.n))
		pkg.StoreLE32(e[12:], 0)
		seg = s.next
	}
	return t, nil
}

// DMA returns the bus address of the table.
func (t *ERST) DMA() uint64 { return t.mem.DMA() }

// Len returns the number of entries.
func (t *ERST) Len() int { return t.entries }

// Entry returns the segment base and size of entry i.
func (t *ERST) Entry(i int) (base uint64, size int) {
	e := t.mem.Bytes()[i*ERSTEntrySize:]
	return pkg.LoadLE64(e[0:]), int(pkg.LoadLE32(e[8:]) & 0xffff)
}

// Free releases the table.
func (t *ERST) Free() error {
	if t.mem == nil {
		return nil
	}
	err := t.mem.Close()
	t.mem = nil
	return err
}
