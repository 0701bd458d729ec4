package sim

import (
	"context"
	"fmt"

	"github.com/ardnew/usbssp/device/hal"
	"github.com/ardnew/usbssp/pkg"
	"github.com/ardnew/usbssp/trb"
)

// control is a control transfer the modelled host has in progress.
type control struct {
	tag    uint8
	setup  hal.SetupPacket
	want   int
	in     []byte
	out    []byte
	outOff int
	done   bool
	err    error
}

func (c *control) finish(err error) {
	if c.done {
		return
	}
	c.done = true
	c.err = err
}

func (h *HAL) portEvent() {
	h.usbsts |= hal.StsPCD
	h.emit(trb.PortStatusChangeEvent(1))
	h.notify()
}

// Connect attaches the port to a host at speed.
func (h *HAL) Connect(speed hal.Speed) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.portsc = h.portsc&^(hal.PortSpeedMask|hal.PortLinkMask) |
		hal.PortConnect | hal.PortEnabled | hal.PortConnectChg |
		uint32(speed)<<hal.PortSpeedShift | hal.LinkU0<<hal.PortLinkShift
	pkg.LogDebug(pkg.ComponentSim, "connect", "speed", speed)
	h.portEvent()
}

// Disconnect detaches the port. A control transfer in progress fails.
func (h *HAL) Disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.portsc = h.portsc&^(hal.PortConnect|hal.PortEnabled|hal.PortSpeedMask|hal.PortLinkMask) |
		hal.PortConnectChg | hal.LinkRxDetect<<hal.PortLinkShift
	if h.ctl != nil {
		h.ctl.finish(pkg.ErrShutdown)
	}
	pkg.LogDebug(pkg.ComponentSim, "disconnect")
	h.portEvent()
}

// BusReset models a bus reset issued by the host on a connected port.
func (h *HAL) BusReset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.portsc&hal.PortConnect == 0 {
		return
	}
	h.portsc |= hal.PortResetChg | hal.PortEnabled
	if h.ctl != nil {
		h.ctl.finish(pkg.ErrShutdown)
	}
	h.portEvent()
}

// Suspend moves the link to U3.
func (h *HAL) Suspend() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setLink(hal.LinkU3)
	h.portEvent()
}

// Resume returns the link to U0.
func (h *HAL) Resume() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setLink(hal.LinkU0)
	h.portEvent()
}

// HostControl runs a control transfer from the host side: it delivers setup
// as a setup event and blocks until the device completes the status stage
// or stalls. For an IN transfer the data stage bytes are returned.
func (h *HAL) HostControl(ctx context.Context, setup hal.SetupPacket, data []byte) ([]byte, error) {
	err := h.wait(ctx, func() (bool, error) {
		if h.portsc&hal.PortConnect == 0 {
			return false, pkg.ErrShutdown
		}
		return h.slot != nil && h.slot.eps[0] != nil, nil
	})
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.tag = (h.tag + 1) & 3
	c := &control{tag: h.tag, setup: setup}
	if setup.IsDeviceToHost() {
		c.want = int(setup.Length)
	} else {
		c.out = append([]byte(nil), data...)
	}
	if h.ctl != nil {
		h.ctl.finish(pkg.ErrCancelled)
	}
	h.ctl = c
	ep0 := h.slot.eps[0]
	if ep0.state == hal.EPCtxHalted {
		// A setup packet clears a protocol stall on the default endpoint.
		ep0.state = hal.EPCtxRunning
		ep0.stalled = false
		h.syncEndpoint(ep0)
	}
	var raw [hal.SetupPacketSize]byte
	setup.MarshalTo(raw[:])
	h.emit(trb.SetupEvent(raw, c.tag, h.slot.id))
	h.process(ep0)
	h.mu.Unlock()

	if err := h.wait(ctx, func() (bool, error) { return c.done, nil }); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return c.in, c.err
}

func (h *HAL) endpointByAddr(addr uint8) (*endpoint, error) {
	if h.slot == nil {
		return nil, pkg.ErrShutdown
	}
	ep := h.slot.eps[hal.EndpointIndex(addr)]
	if ep == nil || ep.state == hal.EPCtxDisabled {
		return nil, fmt.Errorf("endpoint %#02x: %w", addr, pkg.ErrInvalidEndpoint)
	}
	return ep, nil
}

// HostSend queues OUT data from the host on endpoint addr, split into
// max-packet sized packets. Data of an exact multiple of max packet is not
// terminated; use [HAL.HostSendZero] for that.
func (h *HAL) HostSend(addr uint8, data []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ep, err := h.endpointByAddr(addr)
	if err != nil {
		return err
	}
	if ep.index == 0 || ep.typ.IsIn() {
		return fmt.Errorf("send on %#02x: %w", addr, pkg.ErrInvalidEndpoint)
	}
	for len(data) > 0 {
		n := min(ep.mps, len(data))
		ep.out = append(ep.out, append([]byte(nil), data[:n]...))
		data = data[n:]
	}
	h.process(ep)
	return nil
}

// HostSendZero queues a zero-length packet on endpoint addr.
func (h *HAL) HostSendZero(addr uint8) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ep, err := h.endpointByAddr(addr)
	if err != nil {
		return err
	}
	ep.out = append(ep.out, []byte{})
	h.process(ep)
	return nil
}

// HostReceive returns the data of the next IN transfer completed on
// endpoint addr, blocking until there is one. A halted endpoint reports
// [pkg.ErrStall].
func (h *HAL) HostReceive(ctx context.Context, addr uint8) ([]byte, error) {
	var data []byte
	err := h.wait(ctx, func() (bool, error) {
		ep, err := h.endpointByAddr(addr)
		if err != nil {
			return false, err
		}
		if len(ep.in) > 0 {
			data = ep.in[0]
			ep.in = ep.in[1:]
			return true, nil
		}
		if ep.stalled {
			return false, pkg.ErrStall
		}
		return false, nil
	})
	return data, err
}

// Remove makes the controller vanish: every register reads as all ones and
// writes are ignored. The interrupt line fires once so the driver notices.
func (h *HAL) Remove() {
	h.mu.Lock()
	h.removed = true
	h.notify()
	h.mu.Unlock()
	select {
	case h.irq <- struct{}{}:
	default:
	}
}

// HangNextCommand makes the next command never complete, until the command
// ring is aborted.
func (h *HAL) HangNextCommand() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults.hangNext = true
}

// IgnoreAbort makes the command ring ignore stop and abort requests.
func (h *HAL) IgnoreAbort(on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults.ignoreAbort = on
}

// QuietStop makes the next command ring stop or abort leave the ring
// stopped without any completion event, the hung command included.
func (h *HAL) QuietStop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults.quietStop = true
}

// CommandHung reports whether a command is hung on the command ring.
func (h *HAL) CommandHung() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cmd.hung != 0
}

// FailNextCommand completes the next command with code without executing it.
func (h *HAL) FailNextCommand(code trb.CompletionCode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.faults.failNext = code
}

// InjectTransferError completes the next TRB executed on endpoint addr with
// code. Codes that halt an endpoint halt it.
func (h *HAL) InjectTransferError(addr uint8, code trb.CompletionCode) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ep, err := h.endpointByAddr(addr)
	if err != nil {
		return err
	}
	ep.inject = code
	return nil
}

// Hold stops endpoint addr from consuming TRBs except through [HAL.Step].
// Releasing the hold resumes the endpoint.
func (h *HAL) Hold(addr uint8, on bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ep, err := h.endpointByAddr(addr)
	if err != nil {
		return err
	}
	ep.hold = on
	ep.budget = 0
	if !on {
		h.process(ep)
	}
	return nil
}

// Step lets a held endpoint consume up to n TRBs and returns how many it did.
func (h *HAL) Step(addr uint8, n int) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ep, err := h.endpointByAddr(addr)
	if err != nil {
		return 0, err
	}
	ep.budget = n
	h.process(ep)
	done := n - ep.budget
	ep.budget = 0
	return done, nil
}

// Executed returns the number of transfer TRBs endpoint addr has consumed.
func (h *HAL) Executed(addr uint8) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	ep, err := h.endpointByAddr(addr)
	if err != nil {
		return 0
	}
	return ep.executed
}

// EndpointState returns the state of endpoint addr as the controller sees it.
func (h *HAL) EndpointState(addr uint8) hal.EndpointContextState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.slot == nil {
		return hal.EPCtxDisabled
	}
	ep := h.slot.eps[hal.EndpointIndex(addr)]
	if ep == nil {
		return hal.EPCtxDisabled
	}
	return ep.state
}

// EndpointDequeue returns the consumer position of a ring of endpoint addr.
func (h *HAL) EndpointDequeue(addr uint8, stream uint16) (uint64, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ep, err := h.endpointByAddr(addr)
	if err != nil {
		return 0, false, err
	}
	r := h.ringFor(ep, stream)
	if r == nil {
		return 0, false, fmt.Errorf("stream %d: %w", stream, pkg.ErrNotFound)
	}
	return r.deq, r.cycle, nil
}

// SlotState returns the state of the enabled slot.
func (h *HAL) SlotState() hal.SlotState {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.slot == nil {
		return hal.SlotDisabled
	}
	return h.slot.state
}

// WaitSlot blocks until the slot reaches state.
func (h *HAL) WaitSlot(ctx context.Context, state hal.SlotState) error {
	return h.wait(ctx, func() (bool, error) {
		return h.slot != nil && h.slot.state == state, nil
	})
}

// WaitEndpoint blocks until endpoint addr reaches state.
func (h *HAL) WaitEndpoint(ctx context.Context, addr uint8, state hal.EndpointContextState) error {
	return h.wait(ctx, func() (bool, error) {
		if h.slot == nil {
			return state == hal.EPCtxDisabled, nil
		}
		ep := h.slot.eps[hal.EndpointIndex(addr)]
		if ep == nil {
			return state == hal.EPCtxDisabled, nil
		}
		return ep.state == state, nil
	})
}
