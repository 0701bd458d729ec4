package device

import (
	"fmt"

	"github.com/ardnew/usbssp/device/hal"
	"github.com/ardnew/usbssp/pkg"
	"github.com/ardnew/usbssp/trb"
)

// handleInterrupt acknowledges the interrupter and drains the event ring.
// Called with the lock held.
func (c *Controller) handleInterrupt() {
	if !c.running || c.dying {
		return
	}
	sts := c.hal.Read32(c.op + hal.RegUSBSts)
	switch {
	case sts == hal.Removed:
		c.died("status reads as removed")
		return
	case sts&hal.StsFatal != 0:
		c.died("host system error")
		return
	case sts&hal.StsHCE != 0:
		c.died("controller internal error")
		return
	}
	c.hal.Write32(c.op+hal.RegUSBSts, hal.StsEINT|sts&hal.StsPCD)
	c.hal.Write32(c.ir+hal.RegIMAN, hal.IMANPending|hal.IMANEnable)

	n := 0
	for {
		ev, ok := c.evtRing.Peek()
		if !ok {
			break
		}
		c.dispatchEvent(ev)
		if c.dying || !c.running {
			return
		}
		c.evtRing.AdvanceDequeue()
		n++
	}
	if n == 0 {
		return
	}
	c.hal.Write64(c.ir+hal.RegERDP, c.evtRing.DMA(c.evtRing.Dequeue())|hal.ERDPBusy)
}

func (c *Controller) dispatchEvent(ev trb.TRB) {
	typ := ev.Type()
	c.metrics.EventsHandled.WithLabelValues(typ.String()).Inc()
	switch typ {
	case trb.TypeCommandCompletion:
		c.handleCommandCompletion(ev)
	case trb.TypeTransferEvent:
		c.handleTransferEvent(ev)
	case trb.TypePortStatusChange:
		c.latchPort()
	case trb.TypeSetupEvent:
		c.handleSetupEvent(ev)
	case trb.TypeControllerEvent:
		c.handleControllerEvent(ev)
	case trb.TypeMFIndexWrap:
	default:
		c.throttle.Warn(pkg.ComponentEvent, "unexpected event", "type", typ)
	}
}

// handleSetupEvent latches the setup packet for the worker. A newer setup
// packet supersedes one still being answered; stages queued for the old
// one carry a stale tag and fail.
func (c *Controller) handleSetupEvent(ev trb.TRB) {
	ep0 := c.eps[0]
	if ev.SlotID() != c.slotID || c.slotID == 0 || ep0 == nil {
		c.throttle.Warn(pkg.ComponentEvent, "setup event without a slot", "slot", ev.SlotID())
		return
	}
	raw := ev.SetupPacket()
	var setup hal.SetupPacket
	if err := hal.ParseSetupPacket(raw[:], &setup); err != nil {
		pkg.LogWarn(pkg.ComponentEvent, "bad setup packet", "error", err)
		return
	}
	c.ep0.setup = setup
	c.ep0.tag = ev.SetupID()
	c.ep0.pending = true
	c.ep0.seq++
	if ep0.state == EndpointHalted {
		// The setup packet clears a protocol stall.
		ep0.state = EndpointRunning
		ep0.stalled = nil
	}
	pkg.LogDebug(pkg.ComponentEvent, "setup packet",
		"type", fmt.Sprintf("%#02x", setup.RequestType), "request", setup.Request,
		"value", setup.Value, "index", setup.Index, "length", setup.Length, "tag", c.ep0.tag)
	c.queueWork(workSetup)
}

func (c *Controller) handleControllerEvent(ev trb.TRB) {
	code := ev.CompletionCode()
	if code == trb.CodeUndefined {
		c.died("controller reported an undefined error")
		return
	}
	c.throttle.Warn(pkg.ComponentEvent, "controller event", "code", code)
}
