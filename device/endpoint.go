package device

import (
	"fmt"
	"slices"

	"github.com/ardnew/usbssp/device/hal"
	"github.com/ardnew/usbssp/pkg"
	"github.com/ardnew/usbssp/ring"
)

// Endpoint transfer types (USB 2.0 Spec Table 9-13).
const (
	EndpointTypeControl     = 0x00 // Control transfer
	EndpointTypeIsochronous = 0x01 // Isochronous transfer
	EndpointTypeBulk        = 0x02 // Bulk transfer
	EndpointTypeInterrupt   = 0x03 // Interrupt transfer
)

// Endpoint directions.
const (
	EndpointDirectionOut = 0x00 // Host to device
	EndpointDirectionIn  = 0x80 // Device to host
)

// Endpoint is one endpoint context of the device slot together with its
// transfer ring, or the rings of its streams.
type Endpoint struct {
	c     *Controller
	cfg   hal.EndpointConfig
	index int
	mps   int

	// Runtime state, guarded by the controller lock
	state          EndpointState
	wedged         bool
	stopPending    bool
	setDeqPending  bool
	disablePending bool
	recovering     bool
	epoch          uint64 // bumped on flush; stale command handlers back off

	ring    *ring.Ring
	streams *ring.StreamInfo

	queue   []*Request // requests in submission order
	tds     []*td      // TDs on the rings, in ring order per ring
	stalled *td        // TD the endpoint halted on, skipped when the halt clears
	bounce  map[hal.Mem]*td
}

func newEndpoint(c *Controller, cfg hal.EndpointConfig) *Endpoint {
	return &Endpoint{
		c:      c,
		cfg:    cfg,
		index:  hal.EndpointIndex(cfg.Address),
		mps:    int(cfg.MaxPacketSize),
		bounce: make(map[hal.Mem]*td),
	}
}

// Address returns the endpoint address including the direction bit.
func (e *Endpoint) Address() uint8 {
	return e.cfg.Address
}

// Number returns the endpoint number (0-15).
func (e *Endpoint) Number() uint8 {
	return e.cfg.Number()
}

// Index returns the device context index of the endpoint.
func (e *Endpoint) Index() int {
	return e.index
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *Endpoint) IsIn() bool {
	return e.cfg.IsIn()
}

// TransferType returns the transfer type (Control, Isochronous, Bulk, or Interrupt).
func (e *Endpoint) TransferType() uint8 {
	return e.cfg.TransferType()
}

// IsIsochronous returns true if this is an isochronous endpoint.
func (e *Endpoint) IsIsochronous() bool {
	return e.TransferType() == EndpointTypeIsochronous
}

// MaxPacketSize returns the maximum packet size.
func (e *Endpoint) MaxPacketSize() int {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	return e.mps
}

// NumStreams returns the number of usable stream IDs, 0 without streams.
func (e *Endpoint) NumStreams() int {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	if e.streams == nil {
		return 0
	}
	return e.streams.NumStreams() - 1
}

// State returns the transfer state.
func (e *Endpoint) State() EndpointState {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	return e.state
}

// Wedged reports whether the endpoint stays halted when the host clears it.
func (e *Endpoint) Wedged() bool {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	return e.wedged
}

// Pending returns the number of requests queued and not given back.
func (e *Endpoint) Pending() int {
	e.c.mu.Lock()
	defer e.c.mu.Unlock()
	return len(e.queue)
}

func (e *Endpoint) String() string {
	dir := "out"
	if e.IsIn() {
		dir = "in"
	}
	return fmt.Sprintf("ep%d%s", e.Number(), dir)
}

// ringFor returns the ring a request on stream id is queued to.
func (e *Endpoint) ringFor(id uint16) (*ring.Ring, error) {
	if e.streams == nil {
		if id != 0 {
			return nil, fmt.Errorf("%s has no streams: %w", e, pkg.ErrInvalidParameter)
		}
		return e.ring, nil
	}
	if id == 0 || int(id) >= e.streams.NumStreams() {
		return nil, fmt.Errorf("%s stream %d: %w", e, id, pkg.ErrInvalidParameter)
	}
	return e.streams.Ring(id), nil
}

// ringOf returns the ring holding the TRB at addr.
func (e *Endpoint) ringOf(addr uint64) (*ring.Ring, bool) {
	if e.streams != nil {
		return e.streams.Lookup(addr)
	}
	if _, ok := e.ring.Locate(addr); ok {
		return e.ring, true
	}
	return nil, false
}

// findTD returns the position in e.tds of the TD on r containing addr.
func (e *Endpoint) findTD(r *ring.Ring, addr uint64) int {
	for i, t := range e.tds {
		if t.ring != r {
			continue
		}
		if _, ok := r.TRBInTD(t.first, t.last, addr); ok {
			return i
		}
	}
	return -1
}

func (e *Endpoint) removeTD(t *td) {
	if i := slices.Index(e.tds, t); i >= 0 {
		e.tds = slices.Delete(e.tds, i, i+1)
	}
}

func (e *Endpoint) removeRequest(r *Request) {
	if i := slices.Index(e.queue, r); i >= 0 {
		e.queue = slices.Delete(e.queue, i, i+1)
	}
}

// pendingRings returns the rings with TDs queued, in first-use order.
func (e *Endpoint) pendingRings() []*ring.Ring {
	var rings []*ring.Ring
	for _, t := range e.tds {
		if !slices.Contains(rings, t.ring) {
			rings = append(rings, t.ring)
		}
	}
	return rings
}

// resetRings returns every ring of e to the empty state and republishes
// stream dequeue pointers.
func (e *Endpoint) resetRings() {
	if e.ring != nil {
		e.ring.Reset(true)
	}
	if e.streams != nil {
		for id, r := range e.streams.Rings() {
			r.Reset(true)
			e.streams.WriteContext(uint16(id + 1))
		}
	}
	clear(e.bounce)
}

// freeRings releases the memory of every ring of e.
func (e *Endpoint) freeRings() error {
	var err error
	if e.ring != nil {
		err = e.ring.Free()
		e.ring = nil
	}
	if e.streams != nil {
		if serr := e.streams.Free(); serr != nil && err == nil {
			err = serr
		}
		e.streams = nil
	}
	return err
}
