package device

import (
	"errors"
	"fmt"
	"slices"

	"github.com/ardnew/usbssp/pkg"
	"github.com/ardnew/usbssp/trb"
)

// SetHalt sets or clears the halt feature of ep. Setting it stalls the
// endpoint; clearing it resets the endpoint and resumes queued requests.
// Clearing also removes a wedge.
func (c *Controller) SetHalt(ep *Endpoint, halt bool) error {
	c.mu.Lock()
	defer c.unlock()
	if err := c.usable(); err != nil {
		return err
	}
	if err := c.checkEndpoint(ep); err != nil {
		return err
	}
	if halt {
		return c.haltLocked(ep)
	}
	ep.wedged = false
	return c.clearHaltLocked(ep)
}

// SetWedge halts ep and keeps it halted when the host clears the halt.
func (c *Controller) SetWedge(ep *Endpoint) error {
	c.mu.Lock()
	defer c.unlock()
	if err := c.usable(); err != nil {
		return err
	}
	if err := c.checkEndpoint(ep); err != nil {
		return err
	}
	ep.wedged = true
	return c.haltLocked(ep)
}

// ClearHaltFromHost handles CLEAR_FEATURE(ENDPOINT_HALT) from the host. A
// wedged endpoint stays halted.
func (c *Controller) ClearHaltFromHost(ep *Endpoint) error {
	c.mu.Lock()
	defer c.unlock()
	if err := c.usable(); err != nil {
		return err
	}
	if err := c.checkEndpoint(ep); err != nil {
		return err
	}
	if ep.wedged {
		pkg.LogDebug(pkg.ComponentEndpoint, "endpoint wedged, keeping halt", "ep", ep)
		return nil
	}
	return c.clearHaltLocked(ep)
}

// haltLocked stops ep and issues Halt Endpoint. Requests still queued on
// endpoint 0 are given back with [pkg.ErrStall] first.
func (c *Controller) haltLocked(ep *Endpoint) error {
	if ep.state == EndpointHalted {
		if ep.index == 0 {
			c.ep0.pending = false
		}
		return nil
	}
	if ep.index != 0 && ep.IsIn() && len(ep.queue) > 0 {
		return fmt.Errorf("halt %s: requests queued: %w", ep, pkg.ErrBusy)
	}
	if ep.stopPending || ep.setDeqPending || ep.recovering {
		return fmt.Errorf("halt %s: endpoint command in flight: %w", ep, pkg.ErrBusy)
	}
	epoch, seq := ep.epoch, c.ep0.seq

	if ep.index == 0 && len(ep.queue) > 0 {
		var dones []chan struct{}
		for _, req := range slices.Clone(ep.queue) {
			dones = append(dones, req.done)
			if !req.cancelling {
				c.cancelRequest(ep, req, pkg.ErrStall)
			}
		}
		c.unlock()
		for _, done := range dones {
			<-done
		}
		c.mu.Lock()
		if err := c.recheck(ep, epoch); err != nil {
			return err
		}
	}

	if ep.state == EndpointRunning {
		err := c.await(func(done func(error)) {
			if err := c.stopEndpoint(ep, done); err != nil {
				done(err)
			}
		})
		if err != nil {
			return fmt.Errorf("halt %s: %w", ep, err)
		}
		if err := c.recheck(ep, epoch); err != nil {
			return err
		}
	}
	if ep.state == EndpointHalted || ep.index == 0 && c.ep0.seq != seq {
		return nil
	}

	if _, err := c.runCommand(trb.HaltEndpoint(c.slotID, ep.index)); err != nil {
		return fmt.Errorf("halt %s: %w", ep, err)
	}
	if err := c.recheck(ep, epoch); err != nil {
		return err
	}
	if ep.index == 0 && c.ep0.seq != seq {
		// A setup packet behind the stall already cleared it.
		return nil
	}
	ep.state = EndpointHalted
	if ep.index == 0 {
		c.ep0.pending = false
	}
	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint halted", "ep", ep, "wedged", ep.wedged)
	c.invalidateCancelled(ep)
	return nil
}

// recheck reports whether ep survived a wait without the lock.
func (c *Controller) recheck(ep *Endpoint, epoch uint64) error {
	if err := c.usable(); err != nil {
		return err
	}
	if err := c.checkEndpoint(ep); err != nil {
		return err
	}
	if ep.epoch != epoch {
		return fmt.Errorf("%s: %w", ep, errFlushed)
	}
	return nil
}

func (c *Controller) clearHaltLocked(ep *Endpoint) error {
	if ep.state != EndpointHalted {
		return nil
	}
	if ep.recovering {
		return fmt.Errorf("clear halt %s: recovery in flight: %w", ep, pkg.ErrBusy)
	}
	err := c.await(func(done func(error)) {
		if err := c.recoverEndpoint(ep, done); err != nil {
			done(err)
		}
	})
	if err != nil {
		return fmt.Errorf("clear halt %s: %w", ep, err)
	}
	pkg.LogDebug(pkg.ComponentEndpoint, "halt cleared", "ep", ep)
	return nil
}

// haltedTD handles a TD the controller halted the endpoint on. The request
// is given back with the error for code and the TD is remembered so the
// ring skips it when the halt clears. Errors other than a stall are
// recovered from at once; a stall waits for the host to clear it, except on
// isochronous endpoints which never stall.
func (c *Controller) haltedTD(ep *Endpoint, t *td, code trb.CompletionCode) {
	ep.state = EndpointHalted
	req := t.req

	last := t
	for _, s := range req.tds {
		if s.ring == t.ring && !s.done {
			last = s
		}
	}
	ep.stalled = &td{ring: t.ring, first: t.first, last: last.last}
	if ep.index == 0 {
		// The next setup packet restarts endpoint 0 where it halted.
		t.ring.TDToNoop(t.first, last.last, false)
		ep.stalled = nil
	}

	req.Actual += t.actual
	for _, s := range slices.Clone(req.tds) {
		if !s.done {
			c.retireTD(ep, s)
		}
	}
	pkg.LogDebug(pkg.ComponentTransfer, "endpoint halted by transfer error", "ep", ep, "code", code)
	c.giveback(req, code.Err())

	if code == trb.CodeStall && !ep.IsIsochronous() {
		return
	}
	if err := c.recoverEndpoint(ep, nil); err != nil {
		pkg.LogError(pkg.ComponentEndpoint, "cannot recover halted endpoint", "ep", ep, "error", err)
	}
}

// recoverEndpoint resets a halted endpoint, moves its dequeue pointer past
// the TD it halted on and restarts it. done, if set, runs at the end.
func (c *Controller) recoverEndpoint(ep *Endpoint, done func(error)) error {
	if done == nil {
		done = func(error) {}
	}
	epoch := ep.epoch
	_, err := c.queueCommand(trb.ResetEndpoint(c.slotID, ep.index, false), func(cmd *command) {
		if ep.epoch != epoch || c.dying {
			done(errFlushed)
			return
		}
		finish := func(err error) {
			ep.recovering = false
			c.invalidateCancelled(ep)
			done(err)
		}
		err := cmd.err()
		switch {
		case err == nil:
			ep.state = EndpointStopped
		case cmd.code == trb.CodeContextState:
			ep.state = c.contextState(ep)
		default:
			pkg.LogWarn(pkg.ComponentEndpoint, "reset endpoint failed", "ep", ep, "error", err)
			ep.recovering = false
			done(err)
			return
		}
		c.skipStalled(ep, finish)
	}, true)
	if err != nil {
		return err
	}
	ep.recovering = true
	return nil
}

// skipStalled moves the dequeue pointer past the TD ep halted on.
func (c *Controller) skipStalled(ep *Endpoint, then func(error)) {
	t := ep.stalled
	ep.stalled = nil
	if t == nil {
		then(nil)
		return
	}
	hwDeq, hwCycle := c.hwDequeue(ep, t.ring)
	if _, in := t.ring.TRBInTD(t.first, t.last, hwDeq); !in {
		t.ring.TDToNoop(t.first, t.last, false)
		then(nil)
		return
	}
	target, cycle, err := t.ring.FindNewDequeue(hwDeq, hwCycle, t.last)
	if err != nil {
		pkg.LogError(pkg.ComponentEndpoint, "no dequeue position past halted TD", "ep", ep, "error", err)
		t.ring.TDToNoop(t.first, t.last, false)
		then(nil)
		return
	}
	if err := c.setDequeue(ep, t.ring, target, cycle, func(err error) {
		if err != nil && !errors.Is(err, errFlushed) {
			t.ring.TDToNoop(t.first, t.last, false)
		}
		then(err)
	}); err != nil {
		t.ring.TDToNoop(t.first, t.last, false)
		then(err)
	}
}
