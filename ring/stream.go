package ring

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/ardnew/usbssp/device/hal"
	"github.com/ardnew/usbssp/pkg"
)

// StreamContextSize is the size of one stream context entry.
const StreamContextSize = 16

// Stream context type for a primary transfer ring.
const sctPrimaryRing = 1

// StreamInfo owns the rings of a stream-capable endpoint and the stream
// context array the controller reads their dequeue pointers from. Stream 0
// is reserved; streams 1 through NumStreams()-1 each have their own ring.
type StreamInfo struct {
	rings []*Ring
	ctx   hal.Mem
}

// NewStreamInfo allocates a context array for numStreams streams (rounded
// up to a power of two, including reserved stream 0) and one ring per
// stream. A failure releases everything allocated so far.
func NewStreamInfo(a hal.Allocator, numStreams, numSegs, perSeg, maxPacket int) (*StreamInfo, error) {
	if numStreams < 2 {
		return nil, fmt.Errorf("%d streams: %w", numStreams, pkg.ErrInvalidParameter)
	}
	n := 1 << bits.Len(uint(numStreams-1))
	ctx, err := a.Alloc(n*StreamContextSize, SegmentAlign)
	if err != nil {
		return nil, fmt.Errorf("stream context array: %w", errors.Join(pkg.ErrNoMemory, err))
	}
	si := &StreamInfo{rings: make([]*Ring, n), ctx: ctx}
	for id := 1; id < n; id++ {
		r, err := Allocate(a, numSegs, perSeg, true, TypeStream, maxPacket)
		if err != nil {
			si.Free()
			return nil, fmt.Errorf("stream %d: %w", id, err)
		}
		r.StreamID = uint16(id)
		si.rings[id] = r
		si.WriteContext(uint16(id))
	}
	pkg.LogDebug(pkg.ComponentRing, "stream rings allocated", "streams", n-1)
	return si, nil
}

// NumStreams returns the size of the stream context array.
func (si *StreamInfo) NumStreams() int { return len(si.rings) }

// ContextDMA returns the bus address of the stream context array.
func (si *StreamInfo) ContextDMA() uint64 { return si.ctx.DMA() }

// Ring returns the ring for stream id, or nil.
func (si *StreamInfo) Ring(id uint16) *Ring {
	if int(id) >= len(si.rings) {
		return nil
	}
	return si.rings[id]
}

// Rings returns every stream ring in stream ID order.
func (si *StreamInfo) Rings() []*Ring {
	return si.rings[1:]
}

// Lookup returns the stream ring containing the TRB at addr.
func (si *StreamInfo) Lookup(addr uint64) (*Ring, bool) {
	for _, r := range si.rings[1:] {
		if r == nil {
			continue
		}
		if _, ok := r.Locate(addr); ok {
			return r, true
		}
	}
	return nil, false
}

func (si *StreamInfo) entry(id uint16) []byte {
	off := int(id) * StreamContextSize
	return si.ctx.Bytes()[off : off+StreamContextSize]
}

// WriteContext publishes the ring's dequeue cursor and cycle state in the
// context entry of stream id.
func (si *StreamInfo) WriteContext(id uint16) {
	r := si.rings[id]
	v := r.DMA(r.deq) | sctPrimaryRing<<1
	if r.deqCycle {
		v |= 1
	}
	pkg.StoreLE64(si.entry(id), v)
}

// ContextDequeue returns the dequeue pointer and cycle state saved in the
// context entry of stream id.
func (si *StreamInfo) ContextDequeue(id uint16) (uint64, bool) {
	v := pkg.LoadLE64(si.entry(id))
	return v &^ 0xf, v&1 != 0
}

// Free releases every stream ring and the context array.
func (si *StreamInfo) Free() error {
	var errs []error
	for i, r := range si.rings {
		if r != nil {
			errs = append(errs, r.Free())
			si.rings[i] = nil
		}
	}
	if si.ctx != nil {
		errs = append(errs, si.ctx.Close())
		si.ctx = nil
	}
	return errors.Join(errs...)
}
