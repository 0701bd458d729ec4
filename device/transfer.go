package device

import (
	"fmt"

	"github.com/ardnew/usbssp/device/hal"
	"github.com/ardnew/usbssp/pkg"
	"github.com/ardnew/usbssp/ring"
	"github.com/ardnew/usbssp/trb"
)

// td is one transfer descriptor: the contiguous run of TRBs, link TRBs
// aside, that moves one part of a request.
type td struct {
	req    *Request
	gen    uint64
	ring   *ring.Ring
	first  ring.Cursor
	last   ring.Cursor
	spans  []span
	off    int // offset of the TD's data in the request buffer
	entry  int // scatter-gather entry the TD moves
	length int
	actual int

	cancelled bool
	cancelErr error
	done      bool

	bounce *bounceUse
}

// span is the part of a TD's data one TRB moves.
type span struct {
	at  ring.Cursor
	off int // relative to the TD
	n   int
}

// bounceUse records a TRB that points at a segment bounce buffer instead of
// the request buffer.
type bounceUse struct {
	mem hal.Mem
	off int // relative to the TD
	n   int
}

// progress returns the bytes the TD moved up to and including the TRB at
// addr, given the bytes that TRB left untransferred.
func (t *td) progress(addr uint64, remaining int) int {
	at, ok := t.ring.Locate(addr)
	if !ok {
		return 0
	}
	for _, s := range t.spans {
		if s.at == at {
			return s.off + max(s.n-remaining, 0)
		}
	}
	return 0
}

// chunkLen returns the length of the TRB starting off bytes into a buffer
// of length bytes at addr. TRBs never cross a 64 KiB boundary. With align
// set, a TRB that does not end the TD is shortened so the bytes queued so
// far are a multiple of mps; when that would leave nothing, bounce is
// reported and the TRB covers up to the next packet boundary instead.
func chunkLen(addr uint64, off, length, mps int, align, canBounce bool) (n int, bounce bool) {
	n = trb.MaxTRBLength - int((addr+uint64(off))%trb.MaxTRBLength)
	n = min(n, length-off)
	if !align || mps <= 0 || off+n >= length {
		return n, false
	}
	unalign := (off + n) % mps
	switch {
	case unalign == 0:
		return n, false
	case n > unalign:
		return n - unalign, false
	case canBounce:
		return min(mps-off%mps, length-off), true
	}
	return n, false
}

// tdRemainder returns the TD size field: the packets still to move after
// the TRB covering off..off+n, capped at 31, and 0 for the last TRB.
func tdRemainder(off, n, total, mps int, last bool) int {
	if last || mps <= 0 {
		return 0
	}
	left := total - (off + n)
	return min((left+mps-1)/mps, 31)
}

// countTRBs bounds the TRBs a buffer needs, allowing for one alignment
// split per segment boundary crossed.
func countTRBs(addr uint64, length, perSeg int) int {
	n := (length + int(addr%trb.MaxTRBLength) + trb.MaxTRBLength - 1) / trb.MaxTRBLength
	n = max(n, 1)
	return n + n/(perSeg-1) + 1
}

// trbMaker builds TRB i of a TD.
type trbMaker func(i int, addr uint64, n, tdSize int, flags uint32) trb.TRB

// writeTD queues the TRBs for length bytes at offset off of req's buffer as
// one TD on r. The first TRB is written with the wrong cycle bit and
// handed over only once the whole TD is in place.
func (c *Controller) writeTD(ep *Endpoint, r *ring.Ring, req *Request, off, length int, mk trbMaker, more bool) *td {
	t := &td{req: req, gen: req.gen, ring: r, off: off, length: length}
	start := r.Cycle()
	base := req.buf.DMA() + uint64(off)
	if length == 0 {
		base = 0
	}
	done := 0
	for i := 0; ; i++ {
		at := r.Enqueue()
		beforeLink := r.IsLink(r.Next(at))
		bounce := r.Segment(at.Seg).Bounce()
		canBounce := bounce != nil && ep.bounce[bounce] == nil && length > 0
		n, useBounce := chunkLen(base, done, length, ep.mps, beforeLink, canBounce)
		last := done+n >= length

		addr := base + uint64(done)
		if useBounce {
			if req.in {
				copy(bounce.Bytes(), req.buf.bytes(off+done, n))
			}
			addr = bounce.DMA()
			t.bounce = &bounceUse{mem: bounce, off: done, n: n}
			ep.bounce[bounce] = t
		}

		flags := trb.ISP
		if last {
			flags |= trb.IOC
		} else {
			flags |= trb.Chain
		}
		tr := mk(i, addr, n, tdRemainder(done, n, length, ep.mps, last), flags)
		if i == 0 {
			tr.SetCycle(!start)
			at = r.Write(tr, more && last)
		} else {
			at = r.Queue(tr, more && last)
		}
		t.spans = append(t.spans, span{at: at, off: done, n: n})
		done += n
		if last {
			break
		}
	}
	t.first = t.spans[0].at
	t.last = t.spans[len(t.spans)-1].at
	r.SetCycle(t.first, start)
	req.tds = append(req.tds, t)
	ep.tds = append(ep.tds, t)
	return t
}

func normalTRB(_ int, addr uint64, n, tdSize int, flags uint32) trb.TRB {
	return trb.Normal(addr, n, tdSize, flags)
}

func isochTRB(i int, addr uint64, n, tdSize int, flags uint32) trb.TRB {
	if i == 0 {
		return trb.Isoch(addr, n, tdSize, flags|trb.SIA)
	}
	return trb.Normal(addr, n, tdSize, flags)
}

// Enqueue queues req on ep and rings the doorbell unless the endpoint is
// halted or a stop or dequeue update is pending. Requests on endpoint 0
// answer the setup packet the gadget is handling; the controller adds the
// status stage.
func (c *Controller) Enqueue(ep *Endpoint, req *Request) error {
	c.mu.Lock()
	defer c.unlock()
	return c.enqueueLocked(ep, req)
}

func (c *Controller) enqueueLocked(ep *Endpoint, req *Request) error {
	if err := c.usable(); err != nil {
		return err
	}
	if err := c.checkEndpoint(ep); err != nil {
		return err
	}
	if ep.disablePending {
		return fmt.Errorf("enqueue on %s: drop pending: %w", ep, pkg.ErrInvalidState)
	}
	if req == nil {
		return fmt.Errorf("enqueue on %s: nil request: %w", ep, pkg.ErrInvalidParameter)
	}
	if req.queued {
		return fmt.Errorf("enqueue on %s: request already queued: %w", ep, pkg.ErrBusy)
	}
	r, err := ep.ringFor(req.StreamID)
	if err != nil {
		return err
	}

	length, in := len(req.Buf), ep.IsIn()
	if req.SG != nil {
		if length = sgLen(req.SG); length <= 0 || req.Buf != nil || ep.index == 0 {
			return fmt.Errorf("enqueue on %s: scatter-gather list: %w", ep, pkg.ErrInvalidParameter)
		}
	}
	var setup hal.SetupPacket
	var tag uint8
	if ep.index == 0 {
		if !c.ep0.pending {
			return fmt.Errorf("enqueue on %s: no setup packet pending: %w", ep, pkg.ErrInvalidState)
		}
		setup, tag = c.ep0.setup, c.ep0.tag
		in = setup.IsDeviceToHost()
		length = min(length, int(setup.Length))
	}

	parts := req.SG
	if parts == nil {
		parts = [][]byte{req.Buf[:length]}
	}
	buf, err := mapBuffer(c.hal, in, parts...)
	if err != nil {
		return err
	}
	req.reset(ep)
	req.ring, req.buf, req.length, req.in = r, buf, length, in

	need, off := 1, 0
	for _, p := range parts {
		need += countTRBs(buf.DMA()+uint64(off), len(p), r.TRBsPerSegment())
		off += len(p)
	}
	segs := r.NumSegments()
	if err := r.Prepare(need); err != nil {
		buf.release(nil, 0)
		req.ep = nil
		return fmt.Errorf("enqueue on %s: %w", ep, err)
	}
	if r.NumSegments() > segs {
		c.metrics.RingExpansions.Inc()
	}

	switch {
	case ep.index == 0:
		c.queueControl(ep, r, req, length, in, tag)
	default:
		mk := normalTRB
		if ep.IsIsochronous() {
			mk = isochTRB
		}
		zlp := req.Zero && in && length > 0 && length%ep.mps == 0 && !ep.IsIsochronous()
		off := 0
		for i, p := range parts {
			t := c.writeTD(ep, r, req, off, len(p), mk, zlp || i < len(parts)-1)
			t.entry = i
			off += len(p)
		}
		if zlp {
			c.writeTD(ep, r, req, length, 0, normalTRB, false)
		}
	}

	req.queued = true
	ep.queue = append(ep.queue, req)
	c.metrics.PendingRequests.Inc()
	pkg.LogDebug(pkg.ComponentTransfer, "request queued",
		"ep", ep, "len", length, "tds", len(req.tds), "stream", req.StreamID)
	c.ringDoorbell(ep, req.StreamID)
	return nil
}

// queueControl builds the data stage TD, if any, and the status stage TD
// for the setup packet tagged tag. The status stage runs opposite to the
// data stage, or IN when there is none.
func (c *Controller) queueControl(ep *Endpoint, r *ring.Ring, req *Request, length int, in bool, tag uint8) {
	statusIn := true
	if length > 0 {
		c.writeTD(ep, r, req, 0, length, func(i int, addr uint64, n, tdSize int, flags uint32) trb.TRB {
			if i == 0 {
				return trb.DataStage(addr, n, tdSize, in, tag, flags)
			}
			return trb.Normal(addr, n, tdSize, flags)
		}, true)
		statusIn = !in
	}
	c.writeTD(ep, r, req, length, 0, func(int, uint64, int, int, uint32) trb.TRB {
		return trb.StatusStage(statusIn, tag, trb.IOC)
	}, false)
	c.ep0.pending = false
}

// ringDoorbell tells the controller to look at the ring of stream on ep.
func (c *Controller) ringDoorbell(ep *Endpoint, stream uint16) {
	if c.dying || ep.stopPending || ep.setDeqPending || ep.recovering {
		return
	}
	switch ep.state {
	case EndpointHalted, EndpointDisabled:
		return
	case EndpointStopped, EndpointError:
		ep.state = EndpointRunning
	}
	c.hal.Write32(c.db+4*uint32(c.slotID), hal.DoorbellValue(ep.index, stream))
}

// restartEndpoint rings the doorbell of every ring of ep with TDs queued.
func (c *Controller) restartEndpoint(ep *Endpoint) {
	for _, r := range ep.pendingRings() {
		c.ringDoorbell(ep, r.StreamID)
	}
}

// handleTransferEvent matches a transfer event to the TD it reports on.
func (c *Controller) handleTransferEvent(ev trb.TRB) {
	idx := ev.EndpointIndex()
	if ev.SlotID() != c.slotID || idx < 0 || idx > hal.MaxEndpointIndex || c.eps[idx] == nil {
		c.throttle.Warn(pkg.ComponentEvent, "transfer event for unknown endpoint",
			"slot", ev.SlotID(), "index", idx)
		return
	}
	ep := c.eps[idx]
	code := ev.CompletionCode()
	addr := ev.Pointer()

	switch code {
	case trb.CodeRingUnderrun, trb.CodeRingOverrun:
		pkg.LogDebug(pkg.ComponentTransfer, "isochronous ring "+code.String(), "ep", ep)
		return
	}

	r, ok := ep.ringOf(addr)
	if !ok {
		c.throttle.Warn(pkg.ComponentTransfer, "transfer event outside endpoint rings",
			"ep", ep, "addr", fmt.Sprintf("%#x", addr), "code", code)
		return
	}
	i := ep.findTD(r, addr)
	if i < 0 {
		if !code.IsStopped() {
			c.throttle.Warn(pkg.ComponentTransfer, "transfer event matches no TD",
				"ep", ep, "addr", fmt.Sprintf("%#x", addr), "code", code)
		}
		return
	}
	t := ep.tds[i]

	// TDs on the same ring ahead of t were passed without being reported.
	var skipped []*td
	for _, s := range ep.tds[:i] {
		if s.ring == r {
			skipped = append(skipped, s)
		}
	}
	for _, s := range skipped {
		err := pkg.ErrProtocol
		if ep.IsIsochronous() {
			err = pkg.ErrMissedService
		}
		c.throttle.Warn(pkg.ComponentTransfer, "TD skipped by controller", "ep", ep)
		c.finishTD(ep, s, err)
	}

	remaining := ev.Remaining()
	switch {
	case code.IsStopped():
		if code != trb.CodeStoppedLengthInvalid {
			t.actual = t.progress(addr, remaining)
		}
	case code == trb.CodeSuccess:
		if at, _ := r.Locate(addr); at != t.last {
			t.actual = t.progress(addr, remaining)
			return
		}
		t.actual = t.length
		c.finishTD(ep, t, nil)
	case code == trb.CodeShortPacket:
		t.actual = t.progress(addr, remaining)
		var err error
		if t.req.ShortNotOK && ep.index != 0 {
			err = pkg.ErrShortPacket
		}
		c.finishTD(ep, t, err)
	case code.HaltsEndpoint():
		t.actual = t.progress(addr, remaining)
		c.haltedTD(ep, t, code)
	default:
		t.actual = t.progress(addr, remaining)
		c.finishTD(ep, t, code.Err())
	}
}

// finishTD retires t: the ring dequeue cursor moves past it and its request
// is given back once its last TD is done or on the first error.
func (c *Controller) finishTD(ep *Endpoint, t *td, err error) {
	if aerr := t.ring.AdvanceDequeuePast(t.last); aerr != nil {
		pkg.LogError(pkg.ComponentTransfer, "dequeue bookkeeping lost", "ep", ep, "error", aerr)
	}
	c.retireTD(ep, t)
	req := t.req
	if !req.queued || t.gen != req.gen {
		return
	}
	req.Actual += t.actual
	req.tdsDone++
	switch {
	case req.tdsDone == len(req.tds):
		c.giveback(req, err)
	case err != nil && !req.cancelling:
		// The TDs behind it come off the ring before the request is
		// given back with err.
		c.cancelRequest(ep, req, err)
	}
}

// retireTD drops t from the endpoint and copies bounced data home.
func (c *Controller) retireTD(ep *Endpoint, t *td) {
	t.done = true
	ep.removeTD(t)
	if b := t.bounce; b != nil {
		if !t.req.in && t.req.buf.live {
			n := min(b.n, max(t.actual-b.off, 0))
			copy(t.req.buf.bytes(t.off+b.off, n), b.mem.Bytes()[:n])
		}
		delete(ep.bounce, b.mem)
		t.bounce = nil
	}
}

// giveback completes req with err. The callback runs once the lock is
// released.
func (c *Controller) giveback(req *Request, err error) {
	if !req.queued {
		return
	}
	req.queued = false
	ep := req.ep
	ep.removeRequest(req)
	if req.Actual > req.length {
		pkg.LogWarn(pkg.ComponentTransfer, "actual length exceeds request, reporting zero",
			"ep", ep, "actual", req.Actual, "length", req.length)
		req.Actual = 0
	}
	var dst []byte
	switch {
	case req.in:
	case req.SG != nil:
		req.scatter()
	default:
		dst = req.Buf
	}
	if rerr := req.buf.release(dst, req.Actual); rerr != nil {
		pkg.LogError(pkg.ComponentTransfer, "release request buffer", "ep", ep, "error", rerr)
	}
	req.Err = err
	req.Status = pkg.StatusOf(err)
	c.metrics.RequestsCompleted.WithLabelValues(req.Status.String()).Inc()
	c.metrics.PendingRequests.Dec()
	pkg.LogDebug(pkg.ComponentTransfer, "request given back",
		"ep", ep, "actual", req.Actual, "status", req.Status)
	c.givebacks = append(c.givebacks, giveback{r: req, done: req.done})
}
