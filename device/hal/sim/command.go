package sim

import (
	"github.com/ardnew/usbssp/device/hal"
	"github.com/ardnew/usbssp/pkg"
	"github.com/ardnew/usbssp/trb"
)

type cmdRing struct {
	shadow  uint64 // CRCR as last written
	deq     uint64
	cycle   bool
	running bool
	hung    uint64 // address of a command that never completes
}

func (h *HAL) writeCRCR(v uint64) {
	h.cmd.shadow = v &^ (hal.CRCRStop | hal.CRCRAbort | hal.CRCRRunning)
	if h.cmd.running {
		switch {
		case v&hal.CRCRAbort != 0:
			h.stopCommands(true)
		case v&hal.CRCRStop != 0:
			h.stopCommands(false)
		}
		return
	}
	h.cmd.deq = v & hal.CRCRPtrMask
	h.cmd.cycle = v&hal.CRCRCycle != 0
}

func (h *HAL) kickCommands() {
	h.cmd.running = true
	h.runCommands()
	h.notify()
}

// followCommandLinks moves past link TRBs the consumer owns.
func (h *HAL) followCommandLinks() bool {
	for range 64 {
		b := h.mem(h.cmd.deq, trb.Size)
		if b == nil {
			return false
		}
		t := trb.Load(b)
		if t.Cycle() != h.cmd.cycle || !t.IsLink() {
			return true
		}
		if t.Has(trb.LinkToggle) {
			h.cmd.cycle = !h.cmd.cycle
		}
		h.cmd.deq = t.Pointer()
	}
	return false
}

func (h *HAL) runCommands() {
	for h.cmd.running && h.cmd.hung == 0 && h.running() {
		if !h.followCommandLinks() {
			h.cmd.running = false
			return
		}
		t := trb.Load(h.mem(h.cmd.deq, trb.Size))
		if t.Cycle() != h.cmd.cycle {
			return
		}
		if h.faults.hangNext {
			h.faults.hangNext = false
			h.cmd.hung = h.cmd.deq
			pkg.LogDebug(pkg.ComponentSim, "command hung", "type", t.Type())
			return
		}
		addr := h.cmd.deq
		h.cmd.deq += trb.Size
		code, slotID := h.execute(t)
		h.stats.Commands = append(h.stats.Commands, t.Type())
		pkg.LogDebug(pkg.ComponentSim, "command", "type", t.Type(), "code", code)
		h.emit(trb.CommandCompletionEvent(addr, code, slotID, 0))
	}
}

// stopCommands stops the command ring. With abort set a command in
// progress completes as aborted; otherwise the ring stops after it.
func (h *HAL) stopCommands(abort bool) {
	if h.faults.ignoreAbort {
		pkg.LogDebug(pkg.ComponentSim, "ignoring command ring stop")
		return
	}
	if h.faults.quietStop {
		// Stopped where it was, with no event for the command or the ring.
		h.faults.quietStop = false
		h.cmd.hung = 0
		h.cmd.running = false
		if abort {
			h.stats.Aborts++
		}
		h.notify()
		return
	}
	if h.cmd.hung != 0 {
		if !abort {
			return
		}
		h.emit(trb.CommandCompletionEvent(h.cmd.hung, trb.CodeCommandAborted, 0, 0))
		h.cmd.deq = h.cmd.hung + trb.Size
		h.cmd.hung = 0
	}
	if abort {
		h.stats.Aborts++
	}
	h.followCommandLinks()
	h.cmd.running = false
	h.emit(trb.CommandCompletionEvent(h.cmd.deq, trb.CodeCommandRingStopped, 0, 0))
	h.notify()
}

func (h *HAL) execute(t trb.TRB) (trb.CompletionCode, uint8) {
	if code := h.faults.failNext; code != 0 {
		h.faults.failNext = 0
		return code, t.SlotID()
	}
	switch t.Type() {
	case trb.TypeCommandNoOp:
		return trb.CodeSuccess, 0
	case trb.TypeEnableSlot:
		if h.slot != nil {
			return trb.CodeNoSlots, 0
		}
		h.slot = &slot{id: 1, state: hal.SlotDisabled}
		return trb.CodeSuccess, h.slot.id
	}

	s := h.slot
	if s == nil || s.id != t.SlotID() {
		return trb.CodeSlotNotEnabled, t.SlotID()
	}
	out := h.outputContext(s)
	if out == nil {
		return trb.CodeParameter, s.id
	}

	var code trb.CompletionCode
	switch t.Type() {
	case trb.TypeDisableSlot:
		code = h.disableSlot(out)
	case trb.TypeAddressDevice:
		code = h.addressDevice(s, out, t)
	case trb.TypeConfigureEP:
		code = h.configureEndpoints(s, out, t)
	case trb.TypeEvaluateContext:
		code = h.evaluateContext(s, out, t)
	case trb.TypeResetEP, trb.TypeStopRing, trb.TypeHaltEP, trb.TypeSetDequeue:
		code = h.endpointCommand(s, out, t)
	case trb.TypeResetDevice:
		code = h.resetDevice(s, out)
	default:
		code = trb.CodeTRB
	}
	return code, s.id
}

func (h *HAL) outputContext(s *slot) hal.DeviceContext {
	if h.dcbaap == 0 {
		return nil
	}
	entry := h.mem(h.dcbaap+8*uint64(s.id), 8)
	if entry == nil {
		return nil
	}
	ptr := pkg.LoadLE64(entry)
	if ptr == 0 {
		return nil
	}
	return hal.DeviceContext(h.mem(ptr, hal.DeviceContextSize))
}

func (h *HAL) inputContext(t trb.TRB) hal.InputContext {
	b := h.mem(t.Pointer(), hal.InputContextSize)
	if b == nil {
		return nil
	}
	return hal.InputContext(b)
}

func (h *HAL) disableSlot(out hal.DeviceContext) trb.CompletionCode {
	out.Slot().SetState(hal.SlotDisabled)
	for i := range hal.NumEndpointContexts {
		out.Endpoint(i).SetState(hal.EPCtxDisabled)
	}
	h.slot = nil
	if h.ctl != nil {
		h.ctl.finish(pkg.ErrShutdown)
		h.ctl = nil
	}
	return trb.CodeSuccess
}

func (h *HAL) addressDevice(s *slot, out hal.DeviceContext, t trb.TRB) trb.CompletionCode {
	in := h.inputContext(t)
	if in == nil {
		return trb.CodeTRB
	}
	need := hal.SlotAddFlag | hal.AddFlag(0)
	if in.AddFlags()&need != need {
		return trb.CodeParameter
	}
	bsr := t.Has(trb.BSR)
	if s.state == hal.SlotConfigured || (s.state == hal.SlotAddressed && bsr) {
		return trb.CodeContextState
	}
	ep0 := in.Endpoint(0)
	if ep0.Type() != hal.EPTypeControl || ep0.MaxPacket() == 0 {
		return trb.CodeParameter
	}
	if deq, _ := ep0.Dequeue(); deq == 0 {
		return trb.CodeParameter
	}

	out.Slot().CopyFrom(in.Slot())
	out.Endpoint(0).CopyFrom(ep0)
	out.Endpoint(0).SetState(hal.EPCtxRunning)
	if bsr {
		s.state = hal.SlotDefault
		out.Slot().SetAddress(0)
	} else {
		s.state = hal.SlotAddressed
	}
	out.Slot().SetState(s.state)
	out.Slot().SetContextEntries(1)
	s.eps[0] = newEndpoint(0, ep0)
	return trb.CodeSuccess
}

func (h *HAL) configureEndpoints(s *slot, out hal.DeviceContext, t trb.TRB) trb.CompletionCode {
	if s.state != hal.SlotAddressed && s.state != hal.SlotConfigured {
		return trb.CodeContextState
	}
	if t.Has(trb.DC) {
		for i := 1; i < hal.NumEndpointContexts; i++ {
			h.disableEndpoint(s, out, i)
		}
		h.updateSlot(s, out)
		return trb.CodeSuccess
	}
	in := h.inputContext(t)
	if in == nil {
		return trb.CodeTRB
	}
	drop, add := in.DropFlags(), in.AddFlags()
	for i := 1; i < hal.NumEndpointContexts; i++ {
		if add&hal.AddFlag(i) == 0 {
			continue
		}
		c := in.Endpoint(i)
		switch c.Type() {
		case hal.EPTypeInvalid, hal.EPTypeControl:
			return trb.CodeParameter
		}
		if c.MaxPacket() == 0 {
			return trb.CodeParameter
		}
		if deq, _ := c.Dequeue(); deq == 0 {
			return trb.CodeParameter
		}
		if c.MaxPStreams() > 0 && c.Type() != hal.EPTypeBulkIn && c.Type() != hal.EPTypeBulkOut {
			return trb.CodeInvalidStreamType
		}
	}
	for i := 1; i < hal.NumEndpointContexts; i++ {
		if drop&hal.AddFlag(i) != 0 {
			h.disableEndpoint(s, out, i)
		}
	}
	for i := 1; i < hal.NumEndpointContexts; i++ {
		if add&hal.AddFlag(i) == 0 {
			continue
		}
		c := out.Endpoint(i)
		c.CopyFrom(in.Endpoint(i))
		c.SetState(hal.EPCtxRunning)
		s.eps[i] = newEndpoint(i, c)
	}
	h.updateSlot(s, out)
	return trb.CodeSuccess
}

func (h *HAL) disableEndpoint(s *slot, out hal.DeviceContext, i int) {
	if s.eps[i] != nil {
		s.eps[i].state = hal.EPCtxDisabled
		s.eps[i] = nil
	}
	out.Endpoint(i).Clear()
}

func (h *HAL) updateSlot(s *slot, out hal.DeviceContext) {
	entries := 1
	for i := hal.MaxEndpointIndex; i > 0; i-- {
		if s.eps[i] != nil {
			entries = i + 1
			break
		}
	}
	if entries > 1 {
		s.state = hal.SlotConfigured
	} else {
		s.state = hal.SlotAddressed
	}
	out.Slot().SetContextEntries(entries)
	out.Slot().SetState(s.state)
}

func (h *HAL) evaluateContext(s *slot, out hal.DeviceContext, t trb.TRB) trb.CompletionCode {
	in := h.inputContext(t)
	if in == nil {
		return trb.CodeTRB
	}
	if s.state == hal.SlotDisabled {
		return trb.CodeContextState
	}
	if in.AddFlags()&hal.AddFlag(0) != 0 {
		mps := in.Endpoint(0).MaxPacket()
		if mps == 0 {
			return trb.CodeParameter
		}
		out.Endpoint(0).SetMaxPacket(mps)
		if ep0 := s.eps[0]; ep0 != nil {
			ep0.mps = int(mps)
		}
	}
	return trb.CodeSuccess
}

func (h *HAL) endpointCommand(s *slot, out hal.DeviceContext, t trb.TRB) trb.CompletionCode {
	idx := t.EndpointIndex()
	if idx < 0 || idx > hal.MaxEndpointIndex {
		return trb.CodeTRB
	}
	ep := s.eps[idx]
	if ep == nil || ep.state == hal.EPCtxDisabled {
		return trb.CodeEndpointNotEnabled
	}
	switch t.Type() {
	case trb.TypeResetEP:
		if ep.state != hal.EPCtxHalted {
			return trb.CodeContextState
		}
		ep.state = hal.EPCtxStopped
		ep.stalled = false
	case trb.TypeStopRing:
		switch ep.state {
		case hal.EPCtxRunning:
			h.stopEndpoint(s, ep)
		case hal.EPCtxStopped:
		default:
			return trb.CodeContextState
		}
	case trb.TypeHaltEP:
		if ep.state != hal.EPCtxRunning && ep.state != hal.EPCtxStopped {
			return trb.CodeContextState
		}
		ep.state = hal.EPCtxHalted
		ep.stalled = true
		if idx == 0 && h.ctl != nil {
			h.ctl.finish(pkg.ErrStall)
		}
	case trb.TypeSetDequeue:
		if ep.state != hal.EPCtxStopped && ep.state != hal.EPCtxError {
			return trb.CodeContextState
		}
		r := h.ringFor(ep, t.StreamID())
		if r == nil {
			return trb.CodeInvalidStreamID
		}
		ptr := t.Pointer()
		r.deq = ptr &^ 0xf
		r.cycle = ptr&1 != 0
		r.resetTD()
		h.stats.SetDequeues = append(h.stats.SetDequeues, r.deq)
	}
	out.Endpoint(idx).SetState(ep.state)
	h.saveDequeue(out, ep)
	return trb.CodeSuccess
}

func (h *HAL) resetDevice(s *slot, out hal.DeviceContext) trb.CompletionCode {
	if s.state == hal.SlotDisabled {
		return trb.CodeContextState
	}
	for i := 1; i < hal.NumEndpointContexts; i++ {
		h.disableEndpoint(s, out, i)
	}
	s.state = hal.SlotDefault
	out.Slot().SetAddress(0)
	out.Slot().SetState(s.state)
	out.Slot().SetContextEntries(1)
	return trb.CodeSuccess
}

// saveDequeue writes the consumer position of ep back to its context, or
// to the stream context array for a stream endpoint.
func (h *HAL) saveDequeue(out hal.DeviceContext, ep *endpoint) {
	if ep.streamCtx == 0 {
		out.Endpoint(ep.index).SetDequeue(ep.ring.deq, ep.ring.cycle)
		return
	}
	for id, r := range ep.streams {
		b := h.mem(ep.streamCtx+uint64(id)*16, 16)
		if b == nil {
			continue
		}
		v := pkg.LoadLE64(b)&0xe | r.deq&^0xf
		if r.cycle {
			v |= 1
		}
		pkg.StoreLE64(b, v)
	}
}
