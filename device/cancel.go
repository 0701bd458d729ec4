package device

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/ardnew/usbssp/device/hal"
	"github.com/ardnew/usbssp/pkg"
	"github.com/ardnew/usbssp/ring"
	"github.com/ardnew/usbssp/trb"
)

// errFlushed is reported to waiters whose endpoint was flushed while their
// command was in flight.
var errFlushed = fmt.Errorf("endpoint flushed: %w", pkg.ErrConnReset)

// Dequeue cancels req and waits until it has been given back or ctx is
// done. A request that already completed is not an error.
func (c *Controller) Dequeue(ctx context.Context, ep *Endpoint, req *Request) error {
	c.mu.Lock()
	if req == nil || req.ep == nil || req.ep != ep {
		c.unlock()
		return fmt.Errorf("dequeue: request not queued on %v: %w", ep, pkg.ErrInvalidParameter)
	}
	if !req.queued {
		c.unlock()
		return nil
	}
	if !req.cancelling {
		c.cancelRequest(ep, req, pkg.ErrCancelled)
	}
	done := req.done
	c.unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cancelRequest marks the TDs of req cancelled and starts taking them off
// the ring. When a stop, dequeue update or recovery is already in flight
// its completion picks the TDs up.
func (c *Controller) cancelRequest(ep *Endpoint, req *Request, err error) {
	req.cancelling = true
	for _, t := range req.tds {
		if !t.done {
			t.cancelled = true
			t.cancelErr = err
		}
	}
	pkg.LogDebug(pkg.ComponentEndpoint, "cancelling request", "ep", ep, "state", ep.state, "error", err)
	if ep.stopPending || ep.setDeqPending || ep.recovering {
		return
	}
	if ep.state == EndpointRunning {
		if err := c.stopEndpoint(ep, func(error) { c.invalidateCancelled(ep) }); err != nil {
			pkg.LogWarn(pkg.ComponentEndpoint, "cannot stop endpoint, dropping cancelled TDs in place",
				"ep", ep, "error", err)
			c.dropCancelled(ep)
		}
		return
	}
	c.invalidateCancelled(ep)
}

// stopEndpoint queues Stop Endpoint for ep. then runs when the command
// completes; it is not called when the command cannot be queued.
func (c *Controller) stopEndpoint(ep *Endpoint, then func(error)) error {
	epoch := ep.epoch
	_, err := c.queueCommand(trb.StopEndpoint(c.slotID, ep.index, false), func(cmd *command) {
		if ep.epoch != epoch || c.dying {
			then(errFlushed)
			return
		}
		ep.stopPending = false
		err := cmd.err()
		switch {
		case err == nil:
			ep.state = EndpointStopped
		case cmd.code == trb.CodeContextState:
			// Already halted or stopped by the controller.
			ep.state = c.contextState(ep)
			err = nil
		default:
			pkg.LogWarn(pkg.ComponentEndpoint, "stop endpoint failed", "ep", ep, "error", err)
		}
		then(err)
	}, true)
	if err != nil {
		return err
	}
	ep.stopPending = true
	return nil
}

// invalidateCancelled takes cancelled TDs off a stopped or halted endpoint.
// TDs the controller has not reached become no-ops; the TD the controller
// is parked in is skipped with Set TR Dequeue Pointer. The endpoint is
// restarted once nothing is left pending.
func (c *Controller) invalidateCancelled(ep *Endpoint) {
	if c.dying || ep.stopPending || ep.setDeqPending || ep.recovering {
		return
	}
	for _, t := range slices.Clone(ep.tds) {
		if !t.cancelled || t.done {
			continue
		}
		hwDeq, hwCycle := c.hwDequeue(ep, t.ring)
		if _, in := t.ring.TRBInTD(t.first, t.last, hwDeq); !in {
			t.ring.TDToNoop(t.first, t.last, false)
			c.retireCancelled(ep, t)
			continue
		}
		if ep.setDeqPending {
			// Moved past once the pending update completes.
			continue
		}
		if ep.state == EndpointHalted {
			c.cancelHalted(ep, t, hwDeq)
			continue
		}
		target, cycle, err := t.ring.FindNewDequeue(hwDeq, hwCycle, t.last)
		if err != nil {
			pkg.LogError(pkg.ComponentEndpoint, "no dequeue position past cancelled TD", "ep", ep, "error", err)
			t.ring.TDToNoop(t.first, t.last, false)
			c.retireCancelled(ep, t)
			continue
		}
		err = c.setDequeue(ep, t.ring, target, cycle, func(err error) {
			if errors.Is(err, errFlushed) {
				return
			}
			if err != nil {
				t.ring.TDToNoop(t.first, t.last, false)
			}
			c.retireCancelled(ep, t)
			c.invalidateCancelled(ep)
		})
		if err != nil {
			pkg.LogWarn(pkg.ComponentEndpoint, "cannot move dequeue past cancelled TD", "ep", ep, "error", err)
			t.ring.TDToNoop(t.first, t.last, false)
			c.retireCancelled(ep, t)
		}
	}
	if !ep.setDeqPending && ep.state != EndpointHalted {
		c.restartEndpoint(ep)
	}
}

// cancelHalted takes a cancelled TD the controller is parked in off a
// halted endpoint. A TD not started becomes no-ops in place; one the
// controller is inside is skipped with the halted TD when the halt clears.
// The request is given back at once, as a wedge may hold the halt forever.
func (c *Controller) cancelHalted(ep *Endpoint, t *td, hwDeq uint64) {
	switch {
	case hwDeq == t.ring.DMA(t.first):
		t.ring.TDToNoop(t.first, t.last, false)
	case ep.stalled == nil:
		ep.stalled = &td{ring: t.ring, first: t.first, last: t.last}
	default:
		t.ring.TDToNoop(t.first, t.last, false)
	}
	c.retireCancelled(ep, t)
}

// dropCancelled turns cancelled TDs into no-ops without stopping the
// endpoint. Used only when no command can be queued.
func (c *Controller) dropCancelled(ep *Endpoint) {
	for _, t := range slices.Clone(ep.tds) {
		if t.cancelled && !t.done {
			t.ring.TDToNoop(t.first, t.last, false)
			c.retireCancelled(ep, t)
		}
	}
}

// retireCancelled retires a cancelled TD and gives its request back once
// none of the request's TDs remain on a ring.
func (c *Controller) retireCancelled(ep *Endpoint, t *td) {
	c.retireTD(ep, t)
	req := t.req
	if !req.queued || t.gen != req.gen {
		return
	}
	req.Actual += t.actual
	if slices.ContainsFunc(req.tds, func(t *td) bool { return !t.done }) {
		return
	}
	c.giveback(req, t.cancelErr)
}

// setDequeue moves the controller's dequeue pointer for r to target.
// done runs when the command completes, with errFlushed if the endpoint was
// flushed meanwhile.
func (c *Controller) setDequeue(ep *Endpoint, r *ring.Ring, target ring.Cursor, cycle bool, done func(error)) error {
	var sct uint8
	if ep.streams != nil {
		sct = 1 // primary stream ring
	}
	epoch := ep.epoch
	t := trb.SetDequeue(c.slotID, ep.index, r.StreamID, r.DMA(target), cycle, sct)
	_, err := c.queueCommand(t, func(cmd *command) {
		if ep.epoch != epoch || c.dying {
			done(errFlushed)
			return
		}
		ep.setDeqPending = false
		err := cmd.err()
		if err == nil {
			if aerr := r.AdvanceDequeueTo(target); aerr != nil {
				pkg.LogError(pkg.ComponentEndpoint, "dequeue bookkeeping lost", "ep", ep, "error", aerr)
			}
		} else {
			pkg.LogWarn(pkg.ComponentEndpoint, "set dequeue failed", "ep", ep, "error", err)
		}
		done(err)
	}, true)
	if err != nil {
		return err
	}
	ep.setDeqPending = true
	return nil
}

// hwDequeue returns the dequeue pointer the controller last saved for r.
func (c *Controller) hwDequeue(ep *Endpoint, r *ring.Ring) (uint64, bool) {
	if ep.streams != nil {
		return ep.streams.ContextDequeue(r.StreamID)
	}
	return hal.DeviceContext(c.outCtx.Bytes()).Endpoint(ep.index).Dequeue()
}

// contextState returns the endpoint state the controller last saved.
func (c *Controller) contextState(ep *Endpoint) EndpointState {
	switch hal.DeviceContext(c.outCtx.Bytes()).Endpoint(ep.index).State() {
	case hal.EPCtxRunning:
		return EndpointRunning
	case hal.EPCtxHalted:
		return EndpointHalted
	case hal.EPCtxStopped:
		return EndpointStopped
	case hal.EPCtxError:
		return EndpointError
	}
	return EndpointDisabled
}

// flushEndpoint gives back every request on ep with err and empties its
// rings. Commands in flight for ep find the epoch moved and back off.
func (c *Controller) flushEndpoint(ep *Endpoint, err error) {
	for _, req := range slices.Clone(ep.queue) {
		for _, t := range req.tds {
			if !t.done {
				c.retireTD(ep, t)
			}
		}
		c.giveback(req, err)
	}
	ep.tds = nil
	ep.stalled = nil
	ep.stopPending = false
	ep.setDeqPending = false
	ep.recovering = false
	ep.epoch++
	ep.resetRings()
}
