package sim

import (
	"github.com/ardnew/usbssp/device/hal"
	"github.com/ardnew/usbssp/pkg"
	"github.com/ardnew/usbssp/trb"
)

// producer is the model's enqueue position on the event ring.
type producer struct {
	entry int
	idx   int
	cycle bool
	full  bool
}

func (h *HAL) erstEntry(i int) (base uint64, size int, ok bool) {
	b := h.mem(h.erstba+uint64(i*16), 16)
	if b == nil {
		return 0, 0, false
	}
	return pkg.LoadLE64(b), int(pkg.LoadLE32(b[8:]) & 0xffff), true
}

// emit writes t to the event ring and raises the interrupter. When only one
// slot is left the event is replaced by an event ring full error and
// everything after it is dropped until software moves the dequeue pointer.
func (h *HAL) emit(t trb.TRB) {
	if !h.running() || h.erstsz == 0 || h.erstba == 0 {
		h.stats.EventsLost++
		return
	}
	if h.evt.full {
		h.stats.EventsLost++
		return
	}
	base, size, ok := h.erstEntry(h.evt.entry)
	if !ok || size == 0 {
		h.stats.EventsLost++
		return
	}

	next := h.evt
	next.idx++
	if next.idx == size {
		next.idx = 0
		next.entry++
		if next.entry == int(h.erstsz) {
			next.entry = 0
			next.cycle = !next.cycle
		}
	}
	nbase, _, ok := h.erstEntry(next.entry)
	if !ok {
		h.stats.EventsLost++
		return
	}
	if nbase+uint64(next.idx*trb.Size) == h.erdp&hal.ERDPPtrMask {
		pkg.LogWarn(pkg.ComponentSim, "event ring full", "dropped", t.Type())
		t = trb.ControllerEvent(trb.CodeEventRingFull)
		next.full = true
		h.stats.EventsLost++
	}

	slot := h.mem(base+uint64(h.evt.idx*trb.Size), trb.Size)
	if slot == nil {
		return
	}
	t.SetCycle(h.evt.cycle)
	trb.Store(slot, t)
	h.evt = next
	h.stats.Events++

	h.iman |= hal.IMANPending
	h.usbsts |= hal.StsEINT
	h.erdp |= hal.ERDPBusy
	if h.iman&hal.IMANEnable != 0 && h.usbcmd&hal.CmdINTE != 0 {
		select {
		case h.irq <- struct{}{}:
		default:
		}
	}
}

func (h *HAL) writeERDP(v uint64) {
	busy := h.erdp & hal.ERDPBusy
	if v&hal.ERDPBusy != 0 {
		busy = 0
	}
	h.erdp = v&^(hal.ERDPBusy|0x7) | busy
	// Software writes the dequeue pointer only after draining, so the
	// ring has room again.
	h.evt.full = false
}

// RaiseControllerEvent writes a device controller event with code, as the
// hardware does when it detects an internal error.
func (h *HAL) RaiseControllerEvent(code trb.CompletionCode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.emit(trb.ControllerEvent(code))
}
