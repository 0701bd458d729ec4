package device

import (
	"fmt"
	"sync"

	"github.com/ardnew/usbssp/device/hal"
	"github.com/ardnew/usbssp/pkg"
	"github.com/ardnew/usbssp/ring"
)

// RequestCallback is called when a request is given back.
type RequestCallback func(r *Request)

// Request is one transfer queued on an endpoint. A request may be queued
// again once it has been given back.
type Request struct {
	// Data buffer. IN requests send it; OUT requests receive into it.
	Buf []byte

	// SG replaces Buf with a scatter-gather list. Each entry is moved by
	// its own TD, so a short packet ends only the entry it lands in.
	SG [][]byte

	// Zero appends a zero-length packet when len(Buf) is a non-zero
	// multiple of the endpoint's max packet size.
	Zero bool

	// ShortNotOK reports a short OUT transfer as [pkg.ErrShortPacket].
	ShortNotOK bool

	// StreamID selects the stream ring of a stream endpoint.
	StreamID uint16

	// Callback runs after completion, without the controller lock held.
	Callback RequestCallback

	// Status
	Actual int
	Status pkg.TransferStatus
	Err    error

	// Internal state, guarded by the controller lock
	ep         *Endpoint
	ring       *ring.Ring
	buf        *dmaBuffer
	length     int
	in         bool
	tds        []*td
	tdsDone    int
	gen        uint64
	queued     bool
	cancelling bool

	doneMu sync.Mutex
	done   chan struct{} // written under both locks
}

// Done returns a channel closed when the request is given back. Once the
// request is queued again, Done returns the channel of the new round.
func (r *Request) Done() <-chan struct{} {
	r.doneMu.Lock()
	defer r.doneMu.Unlock()
	return r.done
}

func (r *Request) reset(ep *Endpoint) {
	r.Actual = 0
	r.Status = pkg.TransferStatusSuccess
	r.Err = nil
	r.ep = ep
	r.gen++
	r.tds = nil
	r.tdsDone = 0
	r.cancelling = false
	r.doneMu.Lock()
	r.done = make(chan struct{})
	r.doneMu.Unlock()
}

// sgLen returns the bytes of the scatter-gather list, or -1 if an entry is
// empty.
func sgLen(sg [][]byte) int {
	n := 0
	for _, e := range sg {
		if len(e) == 0 {
			return -1
		}
		n += len(e)
	}
	return n
}

// scatter copies what each TD received into its scatter-gather entry.
func (r *Request) scatter() {
	for _, t := range r.tds {
		if n := min(t.actual, t.length); n > 0 && r.buf.live {
			copy(r.SG[t.entry], r.buf.bytes(t.off, n))
		}
	}
}

// giveback is a request given back and the done channel of that round. The
// callback may queue the request again, replacing r.done.
type giveback struct {
	r    *Request
	done chan struct{}
}

func (g giveback) complete() {
	if g.r.Callback != nil {
		g.r.Callback(g.r)
	}
	close(g.done)
}

// dmaBuffer is the controller-visible copy of a request buffer. It is
// released exactly once, when the request is given back.
type dmaBuffer struct {
	mem  hal.Mem
	live bool
}

// mapBuffer allocates one DMA region for the parts laid end to end. Data
// flowing to the host is copied in immediately.
func mapBuffer(a hal.Allocator, toHost bool, parts ...[]byte) (*dmaBuffer, error) {
	b := &dmaBuffer{live: true}
	size := 0
	for _, p := range parts {
		size += len(p)
	}
	if size == 0 {
		return b, nil
	}
	mem, err := a.Alloc(size, 64)
	if err != nil {
		return nil, fmt.Errorf("map %d byte buffer: %w", size, err)
	}
	if toHost {
		off := 0
		for _, p := range parts {
			off += copy(mem.Bytes()[off:], p)
		}
	}
	b.mem = mem
	return b, nil
}

// DMA returns the bus address of the buffer, or 0 for an empty one.
func (b *dmaBuffer) DMA() uint64 {
	if b.mem == nil {
		return 0
	}
	return b.mem.DMA()
}

// bytes returns n bytes of the mapping starting at off.
func (b *dmaBuffer) bytes(off, n int) []byte {
	if b.mem == nil {
		return nil
	}
	return b.mem.Bytes()[off : off+n]
}

// release copies the first n received bytes into dst, when dst is not nil,
// and frees the mapping.
func (b *dmaBuffer) release(dst []byte, n int) error {
	if !b.live {
		return pkg.ErrDoubleRelease
	}
	b.live = false
	if b.mem == nil {
		return nil
	}
	if dst != nil {
		copy(dst[:n], b.mem.Bytes()[:n])
	}
	err := b.mem.Close()
	b.mem = nil
	return err
}
