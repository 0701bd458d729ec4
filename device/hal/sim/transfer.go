package sim

import (
	"slices"

	"github.com/ardnew/usbssp/device/hal"
	"github.com/ardnew/usbssp/pkg"
	"github.com/ardnew/usbssp/trb"
)

type slot struct {
	id    uint8
	state hal.SlotState
	eps   [hal.NumEndpointContexts]*endpoint
}

// endpoint is the consumer side of one endpoint context.
type endpoint struct {
	index int
	typ   hal.EndpointType
	mps   int
	state hal.EndpointContextState

	ring       *tring // nil for stream endpoints
	streamCtx  uint64
	numStreams int
	streams    map[uint16]*tring
	active     []*tring // rings rung and not yet drained

	hold     bool
	budget   int
	inject   trb.CompletionCode
	executed int
	stalled  bool

	in     [][]byte // completed IN transfers not yet read by the host
	out    [][]byte // OUT packets not yet consumed
	outOff int
}

// tring is the consumer state of one transfer ring.
type tring struct {
	stream  uint16
	deq     uint64
	cycle   bool
	trbDone int    // bytes moved into the TRB at deq
	inTD    bool   // a TRB of the current TD has completed
	buf     []byte // IN data of the current TD
}

func (r *tring) resetTD() {
	r.trbDone = 0
	r.inTD = false
	r.buf = nil
}

func newEndpoint(i int, c hal.EndpointContext) *endpoint {
	ep := &endpoint{
		index: i,
		typ:   c.Type(),
		mps:   int(c.MaxPacket()),
		state: hal.EPCtxRunning,
	}
	deq, cycle := c.Dequeue()
	if n := c.MaxPStreams(); n > 0 {
		ep.streamCtx = deq
		ep.numStreams = 1 << (n + 1)
		ep.streams = make(map[uint16]*tring)
	} else {
		ep.ring = &tring{deq: deq, cycle: cycle}
	}
	return ep
}

func (h *HAL) ringFor(ep *endpoint, stream uint16) *tring {
	if ep.streamCtx == 0 {
		if stream != 0 {
			return nil
		}
		return ep.ring
	}
	if stream == 0 || int(stream) >= ep.numStreams {
		return nil
	}
	if r, ok := ep.streams[stream]; ok {
		return r
	}
	b := h.mem(ep.streamCtx+uint64(stream)*16, 16)
	if b == nil {
		return nil
	}
	v := pkg.LoadLE64(b)
	r := &tring{stream: stream, deq: v &^ 0xf, cycle: v&1 != 0}
	ep.streams[stream] = r
	return r
}

func (h *HAL) syncEndpoint(ep *endpoint) {
	if h.slot == nil {
		return
	}
	if out := h.outputContext(h.slot); out != nil {
		out.Endpoint(ep.index).SetState(ep.state)
		h.saveDequeue(out, ep)
	}
}

func (h *HAL) ringEndpoint(ep *endpoint, stream uint16) {
	switch ep.state {
	case hal.EPCtxRunning:
	case hal.EPCtxStopped:
		ep.state = hal.EPCtxRunning
		h.syncEndpoint(ep)
	default:
		return
	}
	r := h.ringFor(ep, stream)
	if r == nil {
		pkg.LogWarn(pkg.ComponentSim, "doorbell for unknown stream", "ep", ep.index, "stream", stream)
		return
	}
	if !slices.Contains(ep.active, r) {
		ep.active = append(ep.active, r)
	}
	h.process(ep)
}

type progress int

const (
	stepped progress = iota // one TRB consumed
	idle                    // no TRB owned by the consumer
	blocked                 // waiting on the host, halted or held
)

// process runs the rings of ep until they are empty or blocked.
func (h *HAL) process(ep *endpoint) {
	for len(ep.active) > 0 {
		r := ep.active[0]
		for {
			if ep.hold {
				if ep.budget == 0 {
					return
				}
				ep.budget--
			}
			p := h.step(ep, r)
			if p == stepped {
				continue
			}
			if ep.hold {
				ep.budget++
			}
			if p == blocked {
				return
			}
			break
		}
		ep.active = ep.active[1:]
	}
}

// fetch returns the TRB at the dequeue position, following link TRBs.
func (h *HAL) fetch(r *tring) (trb.TRB, uint64, bool) {
	for range 64 {
		b := h.mem(r.deq, trb.Size)
		if b == nil {
			return trb.TRB{}, 0, false
		}
		t := trb.Load(b)
		if t.Cycle() != r.cycle {
			return trb.TRB{}, 0, false
		}
		if !t.IsLink() {
			return t, r.deq, true
		}
		if t.Has(trb.LinkToggle) {
			r.cycle = !r.cycle
		}
		r.deq = t.Pointer()
	}
	return trb.TRB{}, 0, false
}

func (h *HAL) advance(r *tring) {
	r.deq += trb.Size
	r.trbDone = 0
}

// skipTD moves past the rest of the TD whose current TRB is t.
func (h *HAL) skipTD(r *tring, t trb.TRB) {
	for {
		chain := t.Has(trb.Chain)
		h.advance(r)
		if !chain {
			break
		}
		next, _, ok := h.fetch(r)
		if !ok {
			break
		}
		t = next
	}
	r.resetTD()
}

func (h *HAL) transferEvent(ep *endpoint, addr uint64, remaining int, code trb.CompletionCode) {
	h.emit(trb.TransferEvent(addr, remaining, code, h.slot.id, ep.index))
}

func (h *HAL) haltOnError(ep *endpoint) {
	ep.state = hal.EPCtxHalted
	h.syncEndpoint(ep)
	h.notify()
}

func (h *HAL) step(ep *endpoint, r *tring) progress {
	if ep.state != hal.EPCtxRunning {
		return blocked
	}
	t, addr, ok := h.fetch(r)
	if !ok {
		return idle
	}
	if code := ep.inject; code != 0 {
		ep.inject = 0
		h.transferEvent(ep, addr, t.Length()-r.trbDone, code)
		if code.HaltsEndpoint() {
			h.haltOnError(ep)
			return blocked
		}
		h.skipTD(r, t)
		return stepped
	}

	switch t.Type() {
	case trb.TypeNoOp:
		h.advance(r)
		if t.Has(trb.IOC) {
			h.transferEvent(ep, addr, 0, trb.CodeSuccess)
		}
		return stepped
	case trb.TypeNormal, trb.TypeIsoch, trb.TypeData, trb.TypeStatus:
	default:
		h.advance(r)
		h.transferEvent(ep, addr, 0, trb.CodeTRB)
		return stepped
	}

	switch {
	case ep.index == 0:
		return h.stepControl(ep, r, t, addr)
	case ep.typ.IsIn():
		return h.stepIn(ep, r, t, addr)
	default:
		return h.stepOut(ep, r, t, addr)
	}
}

func (h *HAL) stepIn(ep *endpoint, r *tring, t trb.TRB, addr uint64) progress {
	if n := t.Length(); n > 0 {
		b := h.mem(t.Pointer(), n)
		if b == nil {
			h.transferEvent(ep, addr, n, trb.CodeDataBuffer)
			h.skipTD(r, t)
			return stepped
		}
		r.buf = append(r.buf, b...)
	}
	ep.executed++
	h.advance(r)
	if t.Has(trb.Chain) {
		r.inTD = true
	} else {
		ep.in = append(ep.in, r.buf)
		r.resetTD()
		h.notify()
	}
	if t.Has(trb.IOC) {
		h.transferEvent(ep, addr, 0, trb.CodeSuccess)
	}
	return stepped
}

// stepOut fills the TRB at the dequeue position from host packets. A packet
// shorter than max packet ends the TD; a packet that does not fit in the
// last TRB of a TD is babble.
func (h *HAL) stepOut(ep *endpoint, r *tring, t trb.TRB, addr uint64) progress {
	last := !t.Has(trb.Chain)
	size := t.Length()
	var dst []byte
	if size > 0 {
		if dst = h.mem(t.Pointer(), size); dst == nil {
			h.transferEvent(ep, addr, size, trb.CodeDataBuffer)
			h.skipTD(r, t)
			return stepped
		}
	}
	for (size == 0 && last) || r.trbDone < size {
		if len(ep.out) == 0 {
			return blocked
		}
		pkt := ep.out[0]
		left := len(pkt) - ep.outOff
		space := size - r.trbDone
		if last && left > space {
			ep.out = ep.out[1:]
			ep.outOff = 0
			h.transferEvent(ep, addr, space, trb.CodeBabble)
			h.haltOnError(ep)
			return blocked
		}
		n := min(left, space)
		copy(dst[r.trbDone:], pkt[ep.outOff:ep.outOff+n])
		r.trbDone += n
		ep.outOff += n
		if ep.outOff < len(pkt) {
			continue
		}
		ep.out = ep.out[1:]
		ep.outOff = 0
		if len(pkt) < ep.mps {
			if remaining := size - r.trbDone; remaining > 0 || !last {
				ep.executed++
				if t.Has(trb.ISP) || t.Has(trb.IOC) {
					h.transferEvent(ep, addr, remaining, trb.CodeShortPacket)
				}
				h.skipTD(r, t)
				return stepped
			}
			break
		}
		if size == 0 {
			break
		}
	}
	ep.executed++
	h.advance(r)
	r.inTD = !last
	if t.Has(trb.IOC) {
		h.transferEvent(ep, addr, 0, trb.CodeSuccess)
	}
	return stepped
}

// stepControl runs a data or status stage TRB against the control transfer
// the host has in progress. Stages tagged for an older setup are rejected.
func (h *HAL) stepControl(ep *endpoint, r *tring, t trb.TRB, addr uint64) progress {
	c := h.ctl
	if c == nil || c.done || t.SetupID() != c.tag {
		h.advance(r)
		if t.Has(trb.IOC) || t.Has(trb.ISP) {
			h.transferEvent(ep, addr, t.Length(), trb.CodeTRB)
		}
		return stepped
	}
	switch t.Type() {
	case trb.TypeData:
		n := t.Length()
		moved := 0
		if t.Has(trb.DirIn) {
			moved = min(n, c.want-len(c.in))
			if moved > 0 {
				b := h.mem(t.Pointer(), moved)
				if b == nil {
					moved = 0
				} else {
					c.in = append(c.in, b...)
				}
			}
		} else {
			moved = min(n, len(c.out)-c.outOff)
			if moved > 0 {
				if b := h.mem(t.Pointer(), moved); b != nil {
					copy(b, c.out[c.outOff:c.outOff+moved])
				}
				c.outOff += moved
			}
		}
		ep.executed++
		h.advance(r)
		switch rem := n - moved; {
		case rem > 0 && t.Has(trb.ISP):
			h.transferEvent(ep, addr, rem, trb.CodeShortPacket)
		case t.Has(trb.IOC):
			h.transferEvent(ep, addr, 0, trb.CodeSuccess)
		}
	case trb.TypeStatus:
		ep.executed++
		h.advance(r)
		if t.Has(trb.IOC) {
			h.transferEvent(ep, addr, 0, trb.CodeSuccess)
		}
		c.finish(nil)
		h.notify()
	default:
		h.advance(r)
		h.transferEvent(ep, addr, t.Length(), trb.CodeTRB)
	}
	return stepped
}

// stopEndpoint reports a TD interrupted by a Stop Endpoint command.
func (h *HAL) stopEndpoint(s *slot, ep *endpoint) {
	for _, r := range h.endpointRings(ep) {
		if !r.inTD && r.trbDone == 0 {
			continue
		}
		t, addr, ok := h.fetch(r)
		if !ok {
			continue
		}
		h.emit(trb.TransferEvent(addr, t.Length()-r.trbDone, trb.CodeStopped, s.id, ep.index))
	}
	ep.state = hal.EPCtxStopped
}

func (h *HAL) endpointRings(ep *endpoint) []*tring {
	if ep.ring != nil {
		return []*tring{ep.ring}
	}
	rings := make([]*tring, 0, len(ep.streams))
	for _, r := range ep.streams {
		rings = append(rings, r)
	}
	slices.SortFunc(rings, func(a, b *tring) int { return int(a.stream) - int(b.stream) })
	return rings
}
