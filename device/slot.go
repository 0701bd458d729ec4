package device

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/ardnew/usbssp/device/hal"
	"github.com/ardnew/usbssp/pkg"
	"github.com/ardnew/usbssp/ring"
	"github.com/ardnew/usbssp/trb"
)

// staging is the endpoint diff waiting for the next Configure Endpoint.
type staging struct {
	add  [hal.NumEndpointContexts]*Endpoint
	drop uint32 // input control context drop flags
}

func (s *staging) empty() bool {
	if s.drop != 0 {
		return false
	}
	for _, ep := range s.add {
		if ep != nil {
			return false
		}
	}
	return true
}

// discard frees staged rings and cancels staged drops.
func (s *staging) discard(c *Controller) error {
	var errs []error
	for i, ep := range s.add {
		if ep != nil {
			errs = append(errs, ep.freeRings())
			s.add[i] = nil
		}
	}
	for i, ep := range c.eps {
		if ep != nil && s.drop&hal.AddFlag(i) != 0 {
			ep.disablePending = false
		}
	}
	s.drop = 0
	return errors.Join(errs...)
}

func (c *Controller) newInputContext() (hal.Mem, hal.InputContext, error) {
	mem, err := c.hal.Alloc(hal.InputContextSize, hal.ContextAlign)
	if err != nil {
		return nil, nil, fmt.Errorf("input context: %w", errors.Join(pkg.ErrNoMemory, err))
	}
	return mem, hal.InputContext(mem.Bytes()), nil
}

func closeContext(mem hal.Mem) {
	if err := mem.Close(); err != nil {
		pkg.LogError(pkg.ComponentController, "release input context", "error", err)
	}
}

// EnableSlot obtains a device slot from the controller.
func (c *Controller) EnableSlot() (uint8, error) {
	c.mu.Lock()
	defer c.unlock()
	if err := c.usable(); err != nil {
		return 0, err
	}
	return c.enableSlotLocked()
}

func (c *Controller) enableSlotLocked() (uint8, error) {
	if c.slotID != 0 {
		return 0, fmt.Errorf("enable slot: slot %d already enabled: %w", c.slotID, pkg.ErrBusy)
	}
	cmd, err := c.runCommand(trb.EnableSlot())
	if err != nil {
		return 0, fmt.Errorf("enable slot: %w", err)
	}
	id := cmd.slotID
	if id == 0 || int(id) > c.maxSlots {
		return 0, fmt.Errorf("enable slot: controller returned slot %d: %w", id, pkg.ErrProtocol)
	}
	clear(c.outCtx.Bytes())
	pkg.StoreLE64(c.dcbaa.Bytes()[8*int(id):], c.outCtx.DMA())
	c.slotID = id
	pkg.LogDebug(pkg.ComponentController, "slot enabled", "slot", id)
	return id, nil
}

// AddressDevice issues Address Device for endpoint 0 at the current speed.
// With bsr set the slot moves to the default state without a SET_ADDRESS
// on the bus.
func (c *Controller) AddressDevice(bsr bool, addr uint8) error {
	c.mu.Lock()
	defer c.unlock()
	if err := c.usable(); err != nil {
		return err
	}
	if c.slotID == 0 {
		return fmt.Errorf("address device: no slot: %w", pkg.ErrInvalidState)
	}
	if err := c.addressDeviceLocked(bsr, addr); err != nil {
		return err
	}
	c.address = addr
	return nil
}

func (c *Controller) addressDeviceLocked(bsr bool, addr uint8) error {
	ep0 := c.eps[0]
	c.flushEndpoint(ep0, pkg.ErrConnReset)
	mem, in, err := c.newInputContext()
	if err != nil {
		return err
	}
	defer closeContext(mem)

	in.SetFlags(0, hal.SlotAddFlag|hal.AddFlag(0))
	slot := in.Slot()
	slot.SetSpeed(c.speed)
	slot.SetContextEntries(1)
	slot.SetRootPort(1)
	slot.SetAddress(addr)
	c.fillEP0(in.Endpoint(0), ep0.mps)

	if _, err := c.runCommand(trb.AddressDevice(mem.DMA(), c.slotID, bsr)); err != nil {
		return fmt.Errorf("address device: %w", err)
	}
	ep0.state = EndpointRunning
	pkg.LogDebug(pkg.ComponentController, "device addressed", "slot", c.slotID, "bsr", bsr, "address", addr)
	return nil
}

func (c *Controller) fillEP0(ctx hal.EndpointContext, mps int) {
	r := c.eps[0].ring
	ctx.SetType(hal.EPTypeControl)
	ctx.SetMaxPacket(uint16(mps))
	ctx.SetErrorCount(3)
	ctx.SetAvgTRBLength(8)
	ctx.SetDequeue(r.DMA(r.Dequeue()), r.DequeueCycle())
}

// EvaluateEP0 changes the max packet size of endpoint 0.
func (c *Controller) EvaluateEP0(mps int) error {
	c.mu.Lock()
	defer c.unlock()
	if err := c.usable(); err != nil {
		return err
	}
	if c.slotID == 0 {
		return fmt.Errorf("evaluate context: no slot: %w", pkg.ErrInvalidState)
	}
	if mps <= 0 || mps > 1024 {
		return fmt.Errorf("evaluate context: max packet %d: %w", mps, pkg.ErrInvalidParameter)
	}
	mem, in, err := c.newInputContext()
	if err != nil {
		return err
	}
	defer closeContext(mem)
	in.SetFlags(0, hal.AddFlag(0))
	c.fillEP0(in.Endpoint(0), mps)
	if _, err := c.runCommand(trb.EvaluateContext(mem.DMA(), c.slotID)); err != nil {
		return fmt.Errorf("evaluate context: %w", err)
	}
	c.eps[0].mps = mps
	return nil
}

// ResetDevice returns the slot to the default state. Every endpoint but
// endpoint 0 is dropped and its requests given back with
// [pkg.ErrConnReset].
func (c *Controller) ResetDevice() error {
	c.mu.Lock()
	defer c.unlock()
	if err := c.usable(); err != nil {
		return err
	}
	if c.slotID == 0 {
		return fmt.Errorf("reset device: no slot: %w", pkg.ErrInvalidState)
	}
	if err := c.resetDeviceLocked(); err != nil {
		return err
	}
	c.devState = StateDefault
	return nil
}

func (c *Controller) resetDeviceLocked() error {
	c.dropEndpoints(pkg.ErrConnReset)
	c.flushEndpoint(c.eps[0], pkg.ErrConnReset)
	c.address = 0
	c.ep0.pending = false
	if _, err := c.runCommand(trb.ResetDevice(c.slotID)); err != nil {
		return fmt.Errorf("reset device: %w", err)
	}
	return nil
}

// dropEndpoints gives back the requests of every endpoint but endpoint 0
// with err and forgets the endpoints, staged ones included.
func (c *Controller) dropEndpoints(err error) {
	for i := 1; i < len(c.eps); i++ {
		ep := c.eps[i]
		if ep == nil {
			continue
		}
		c.flushEndpoint(ep, err)
		if ferr := ep.freeRings(); ferr != nil {
			pkg.LogError(pkg.ComponentEndpoint, "free endpoint rings", "ep", ep, "error", ferr)
		}
		ep.state = EndpointDisabled
		c.eps[i] = nil
	}
	if derr := c.staged.discard(c); derr != nil {
		pkg.LogError(pkg.ComponentEndpoint, "free staged rings", "error", derr)
	}
}

// DisableSlot releases the device slot. Outstanding requests are given
// back with [pkg.ErrShutdown].
func (c *Controller) DisableSlot() error {
	c.mu.Lock()
	defer c.unlock()
	if err := c.usable(); err != nil {
		return err
	}
	if c.slotID == 0 {
		return nil
	}
	err := c.disableSlotLocked()
	c.devState = StatePowered
	return err
}

func (c *Controller) disableSlotLocked() error {
	id := c.slotID
	c.dropEndpoints(pkg.ErrShutdown)
	ep0 := c.eps[0]
	c.flushEndpoint(ep0, pkg.ErrShutdown)
	ep0.state = EndpointDisabled
	c.ep0.pending = false

	_, err := c.runCommand(trb.DisableSlot(id))
	if c.slotID == id {
		pkg.StoreLE64(c.dcbaa.Bytes()[8*int(id):], 0)
		c.slotID = 0
		c.address = 0
	}
	if err != nil {
		return fmt.Errorf("disable slot: %w", err)
	}
	pkg.LogDebug(pkg.ComponentController, "slot disabled", "slot", id)
	return nil
}

func ringType(cfg *hal.EndpointConfig) ring.Type {
	switch cfg.TransferType() {
	case EndpointTypeControl:
		return ring.TypeControl
	case EndpointTypeIsochronous:
		return ring.TypeIsoc
	case EndpointTypeBulk:
		return ring.TypeBulk
	}
	return ring.TypeInterrupt
}

// AddEndpoint stages an endpoint for the next [Controller.CheckBandwidth]
// and allocates its ring, or a ring per stream for a bulk endpoint asking
// for streams the controller supports.
func (c *Controller) AddEndpoint(cfg hal.EndpointConfig) (*Endpoint, error) {
	c.mu.Lock()
	defer c.unlock()
	if err := c.usable(); err != nil {
		return nil, err
	}
	if c.slotID == 0 {
		return nil, fmt.Errorf("add endpoint: no slot: %w", pkg.ErrInvalidState)
	}
	idx := hal.EndpointIndex(cfg.Address)
	switch {
	case idx == 0:
		return nil, fmt.Errorf("add endpoint %#02x: %w", cfg.Address, pkg.ErrInvalidEndpoint)
	case cfg.MaxPacketSize&0x7ff == 0:
		return nil, fmt.Errorf("add endpoint %#02x: zero max packet size: %w", cfg.Address, pkg.ErrInvalidParameter)
	case c.staged.add[idx] != nil:
		return nil, fmt.Errorf("add endpoint %#02x: already staged: %w", cfg.Address, pkg.ErrBusy)
	case c.eps[idx] != nil && c.staged.drop&hal.AddFlag(idx) == 0:
		return nil, fmt.Errorf("add endpoint %#02x: already enabled: %w", cfg.Address, pkg.ErrBusy)
	}

	ep := newEndpoint(c, cfg)
	var err error
	if cfg.TransferType() == EndpointTypeBulk && cfg.MaxStreams > 0 && c.cfg.MaxStreams > 0 && c.maxPSA > 0 {
		n := min(int(cfg.MaxStreams), c.cfg.MaxStreams, 1<<(c.maxPSA+1)-1)
		ep.streams, err = ring.NewStreamInfo(c.hal, n+1, c.cfg.SegmentsPerRing, c.cfg.TRBsPerSegment, ep.mps)
	} else {
		ep.ring, err = ring.Allocate(c.hal, c.cfg.SegmentsPerRing, c.cfg.TRBsPerSegment, true, ringType(&cfg), ep.mps)
	}
	if err != nil {
		return nil, fmt.Errorf("add endpoint %#02x: %w", cfg.Address, err)
	}
	c.staged.add[idx] = ep
	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint staged", "ep", ep, "mps", ep.mps, "streams", ep.streams != nil)
	return ep, nil
}

// DropEndpoint stages the removal of the endpoint at addr. A staged add is
// simply forgotten.
func (c *Controller) DropEndpoint(addr uint8) error {
	c.mu.Lock()
	defer c.unlock()
	if err := c.usable(); err != nil {
		return err
	}
	idx := hal.EndpointIndex(addr)
	if idx == 0 {
		return fmt.Errorf("drop endpoint %#02x: %w", addr, pkg.ErrInvalidEndpoint)
	}
	if ep := c.staged.add[idx]; ep != nil {
		c.staged.add[idx] = nil
		return ep.freeRings()
	}
	ep := c.eps[idx]
	if ep == nil {
		return fmt.Errorf("drop endpoint %#02x: not enabled: %w", addr, pkg.ErrInvalidEndpoint)
	}
	ep.disablePending = true
	c.staged.drop |= hal.AddFlag(idx)
	return nil
}

// ResetBandwidth discards the staged endpoint changes.
func (c *Controller) ResetBandwidth() error {
	c.mu.Lock()
	defer c.unlock()
	return c.staged.discard(c)
}

// CheckBandwidth commits the staged endpoint changes with Configure
// Endpoint. On failure the staged rings are freed and the enabled
// endpoints are left as they were.
func (c *Controller) CheckBandwidth() error {
	c.mu.Lock()
	defer c.unlock()
	if err := c.usable(); err != nil {
		return err
	}
	if c.slotID == 0 {
		return fmt.Errorf("configure endpoints: no slot: %w", pkg.ErrInvalidState)
	}
	if c.staged.empty() {
		return nil
	}

	mem, in, err := c.newInputContext()
	if err != nil {
		return err
	}
	defer closeContext(mem)

	staged := c.staged
	c.staged = staging{}
	add := hal.SlotAddFlag
	entries := 1
	for i := 1; i < hal.NumEndpointContexts; i++ {
		switch {
		case staged.add[i] != nil:
			add |= hal.AddFlag(i)
			c.fillEndpointContext(in.Endpoint(i), staged.add[i])
			entries = i + 1
		case c.eps[i] != nil && staged.drop&hal.AddFlag(i) == 0:
			entries = i + 1
		}
	}
	in.SetFlags(staged.drop, add)
	out := hal.DeviceContext(c.outCtx.Bytes())
	in.Slot().CopyFrom(out.Slot())
	in.Slot().SetContextEntries(entries)

	if _, err := c.runCommand(trb.ConfigureEndpoint(mem.DMA(), c.slotID, false)); err != nil {
		if derr := staged.discard(c); derr != nil {
			pkg.LogError(pkg.ComponentEndpoint, "free staged rings", "error", derr)
		}
		return fmt.Errorf("configure endpoints: %w", err)
	}
	if c.slotID == 0 {
		if derr := staged.discard(c); derr != nil {
			pkg.LogError(pkg.ComponentEndpoint, "free staged rings", "error", derr)
		}
		return fmt.Errorf("configure endpoints: slot lost: %w", pkg.ErrConnReset)
	}

	for i := 1; i < hal.NumEndpointContexts; i++ {
		if staged.drop&hal.AddFlag(i) == 0 {
			continue
		}
		if ep := c.eps[i]; ep != nil {
			c.flushEndpoint(ep, pkg.ErrShutdown)
			if ferr := ep.freeRings(); ferr != nil {
				pkg.LogError(pkg.ComponentEndpoint, "free endpoint rings", "ep", ep, "error", ferr)
			}
			ep.state = EndpointDisabled
			ep.disablePending = false
			c.eps[i] = nil
		}
	}
	configured := false
	for i := 1; i < hal.NumEndpointContexts; i++ {
		if ep := staged.add[i]; ep != nil {
			ep.state = EndpointRunning
			c.eps[i] = ep
			staged.add[i] = nil
		}
		configured = configured || c.eps[i] != nil
	}
	switch {
	case configured:
		c.devState = StateConfigured
	case c.devState == StateConfigured:
		c.devState = StateAddress
	}
	pkg.LogDebug(pkg.ComponentController, "endpoints configured", "state", c.devState)
	return nil
}

// fillEndpointContext writes the input endpoint context for ep.
func (c *Controller) fillEndpointContext(ctx hal.EndpointContext, ep *Endpoint) {
	cfg := &ep.cfg
	ctx.SetType(cfg.ContextType())
	ctx.SetMaxPacket(uint16(ep.mps & 0x7ff))
	ctx.SetMaxBurst(cfg.MaxBurst)
	ctx.SetMult(cfg.Mult)
	ctx.SetInterval(cfg.Interval)
	var errCount uint8 = 3
	if ep.IsIsochronous() {
		errCount = 0
	}
	ctx.SetErrorCount(errCount)
	switch cfg.TransferType() {
	case EndpointTypeControl:
		ctx.SetAvgTRBLength(8)
	case EndpointTypeInterrupt:
		ctx.SetAvgTRBLength(1024)
	default:
		ctx.SetAvgTRBLength(3072)
	}
	if ep.streams != nil {
		ctx.SetMaxPStreams(uint8(bits.Len(uint(ep.streams.NumStreams())) - 2))
		ctx.SetLSA(true)
		ctx.SetDequeue(ep.streams.ContextDMA(), false)
		return
	}
	ctx.SetDequeue(ep.ring.DMA(ep.ring.Dequeue()), ep.ring.DequeueCycle())
}
