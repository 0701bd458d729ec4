package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/tomb.v2"

	"github.com/ardnew/usbssp/device/hal"
	"github.com/ardnew/usbssp/pkg"
	"github.com/ardnew/usbssp/ring"
	"github.com/ardnew/usbssp/trb"
)

// Controller timing.
const (
	resetTimeout = time.Second // controller reset and run/halt transitions
	ep0Bounce    = 512         // bounce buffer per endpoint 0 ring segment
)

// Gadget is the function layer above the controller. Its methods are called
// from the controller worker, one at a time and without the controller lock
// held. They must not call [Controller.Stop].
type Gadget interface {
	// Connect reports a host on the port. Endpoint 0 is usable.
	Connect(speed hal.Speed)
	// Disconnect reports the host gone. Every endpoint but endpoint 0 is
	// dropped and outstanding requests are given back.
	Disconnect()
	// Reset reports a bus reset. The device is back in the default state.
	Reset(speed hal.Speed)
	Suspend()
	Resume()
	// Setup handles a control request other than SET_ADDRESS. The gadget
	// answers by queueing a request on endpoint 0, or stalls by returning
	// an error.
	Setup(setup hal.SetupPacket) error
}

// workMask is the set of deferred work items waiting for the worker.
type workMask uint8

const (
	workDied workMask = 1 << iota
	workPort
	workSetup
)

// Controller drives one device controller through a [hal.DeviceHAL].
//
// All ring and device state is guarded by one mutex. The interrupt task
// drains the event ring with the mutex held; the worker runs port and setup
// handling, dropping the mutex while it waits for commands.
type Controller struct {
	cfg      Config
	hal      hal.DeviceHAL
	gadget   Gadget
	metrics  *pkg.Metrics
	throttle *pkg.Throttle

	mu sync.Mutex

	// Register blocks
	op, rt, db, ir uint32
	maxSlots       int
	maxPSA         int
	erstMax        int

	running bool
	dying   bool

	// Command ring
	cmdRing    *ring.Ring
	cmdState   cmdRingState
	cmds       []*command
	cmdTimer   *time.Timer
	cmdGen     uint64
	cmdStopped chan struct{}

	// Event ring and device memory
	evtRing *ring.Ring
	erst    *ring.ERST
	dcbaa   hal.Mem
	outCtx  hal.Mem

	// Device
	slotID    uint8
	devState  State
	prevState State
	speed     hal.Speed
	address   uint8
	eps       [hal.NumEndpointContexts]*Endpoint
	staged    staging

	// Latched setup packet awaiting an answer on endpoint 0
	ep0 struct {
		pending bool
		setup   hal.SetupPacket
		tag     uint8
		seq     uint64 // setup packets seen
	}

	// Latched port changes
	portChanges uint32
	portStatus  uint32

	// Deferred work
	t         *tomb.Tomb
	work      chan struct{}
	pending   workMask
	notes     []func(Gadget)
	givebacks []giveback
}

// New returns a stopped controller for h. Zero fields of cfg take their
// defaults. Metrics are registered with reg, or with a private registry
// when reg is nil.
func New(h hal.DeviceHAL, g Gadget, cfg Config, reg prometheus.Registerer) (*Controller, error) {
	if h == nil {
		return nil, fmt.Errorf("nil hal: %w", pkg.ErrInvalidParameter)
	}
	if err := cfg.withDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		cfg:      cfg,
		hal:      h,
		gadget:   g,
		metrics:  pkg.NewMetrics(reg),
		throttle: pkg.NewThrottle(time.Second, 10),
		devState: StateAttached,
	}, nil
}

// Metrics returns the controller's collectors.
func (c *Controller) Metrics() *pkg.Metrics {
	return c.metrics
}

// Config returns the configuration in effect.
func (c *Controller) Config() Config {
	return c.cfg
}

// State returns the device state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.devState
}

// Speed returns the speed of the current connection.
func (c *Controller) Speed() hal.Speed {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// Address returns the USB address assigned by the host.
func (c *Controller) Address() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.address
}

// SlotID returns the enabled device slot, or 0.
func (c *Controller) SlotID() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slotID
}

// Dying reports whether the controller has failed for good.
func (c *Controller) Dying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dying
}

// EP0 returns the default control endpoint.
func (c *Controller) EP0() *Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eps[0]
}

// Endpoint returns the enabled endpoint with address addr, or nil.
func (c *Controller) Endpoint(addr uint8) *Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep := c.eps[hal.EndpointIndex(addr)]
	if ep == nil || ep.index != 0 && ep.Address() != addr {
		return nil
	}
	return ep
}

// unlock releases the lock and then runs the callbacks of requests given
// back while it was held.
func (c *Controller) unlock() {
	gbs := c.givebacks
	c.givebacks = nil
	c.mu.Unlock()
	for _, g := range gbs {
		g.complete()
	}
}

func (c *Controller) usable() error {
	if c.dying {
		return pkg.ErrShutdown
	}
	if !c.running {
		return pkg.ErrNotRunning
	}
	return nil
}

func (c *Controller) checkEndpoint(ep *Endpoint) error {
	if ep == nil || ep.c != c || c.eps[ep.index] != ep || ep.state == EndpointDisabled {
		return fmt.Errorf("endpoint %v: %w", ep, pkg.ErrInvalidEndpoint)
	}
	return nil
}

// notify queues a gadget callback for the worker.
func (c *Controller) notify(fn func(Gadget)) {
	if c.gadget != nil {
		c.notes = append(c.notes, fn)
	}
}

func (c *Controller) queueWork(w workMask) {
	c.pending |= w
	select {
	case c.work <- struct{}{}:
	default:
	}
}

// Start resets the controller, programs its rings and starts the interrupt
// task and the worker. The tasks stop when ctx is cancelled or on Stop.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.unlock()
	switch {
	case c.running:
		return pkg.ErrAlreadyRunning
	case c.dying:
		return pkg.ErrShutdown
	}

	if err := c.hal.Init(ctx); err != nil {
		return fmt.Errorf("init hal: %w", err)
	}
	if err := c.readCapabilities(); err != nil {
		return err
	}
	if err := c.resetHardware(); err != nil {
		return err
	}
	if err := c.allocate(); err != nil {
		c.release()
		return err
	}
	c.program()

	c.hal.Write32(c.op+hal.RegUSBCmd, hal.CmdRun|hal.CmdINTE|hal.CmdDevEn)
	if err := hal.Handshake(c.hal, c.op+hal.RegUSBSts, hal.StsHalt, 0, resetTimeout); err != nil {
		c.release()
		return fmt.Errorf("run controller: %w", err)
	}

	c.running = true
	c.cmdState = cmdRunning
	c.devState = StatePowered
	c.pending = 0
	c.work = make(chan struct{}, c.cfg.WorkerQueue)
	c.t, _ = tomb.WithContext(ctx)
	c.t.Go(c.irqLoop)
	c.t.Go(c.worker)
	c.latchPort()

	pkg.LogInfo(pkg.ComponentController, "controller started",
		"slots", c.maxSlots, "erst_max", c.erstMax, "max_psa", c.maxPSA)
	return nil
}

func (c *Controller) readCapabilities() error {
	capLen := c.hal.Read32(hal.RegCapLength)
	if capLen == hal.Removed {
		return fmt.Errorf("read capabilities: %w", pkg.ErrNoDevice)
	}
	c.op = capLen & 0xff
	c.db = c.hal.Read32(hal.RegDBOff) &^ 0x3
	c.rt = c.hal.Read32(hal.RegRTSOff) &^ 0x1f
	c.ir = c.rt + hal.RegIR0 + uint32(c.cfg.Interrupter)*hal.InterrupterSize

	hcs1 := c.hal.Read32(hal.RegHCSParams1)
	c.maxSlots = int(hcs1 & 0xff)
	if intrs := int(hcs1>>8) & 0x7ff; c.cfg.Interrupter >= intrs {
		return fmt.Errorf("interrupter %d of %d: %w", c.cfg.Interrupter, intrs, pkg.ErrInvalidParameter)
	}
	if c.maxSlots == 0 {
		return fmt.Errorf("controller has no slots: %w", pkg.ErrNoSlots)
	}
	c.erstMax = 1 << ((c.hal.Read32(hal.RegHCSParams2) >> 4) & 0xf)
	c.maxPSA = int(c.hal.Read32(hal.RegHCCParams1)>>12) & 0xf
	return nil
}

// resetHardware halts and resets the controller.
func (c *Controller) resetHardware() error {
	c.hal.Write32(c.op+hal.RegUSBCmd, 0)
	if err := hal.Handshake(c.hal, c.op+hal.RegUSBSts, hal.StsHalt, hal.StsHalt, resetTimeout); err != nil {
		return fmt.Errorf("halt controller: %w", err)
	}
	c.hal.Write32(c.op+hal.RegUSBCmd, hal.CmdReset)
	if err := hal.Handshake(c.hal, c.op+hal.RegUSBCmd, hal.CmdReset, 0, resetTimeout); err != nil {
		return fmt.Errorf("reset controller: %w", err)
	}
	if err := hal.Handshake(c.hal, c.op+hal.RegUSBSts, hal.StsCNR, 0, resetTimeout); err != nil {
		return fmt.Errorf("controller not ready: %w", err)
	}
	return nil
}

func (c *Controller) allocate() error {
	var err error
	if c.dcbaa, err = c.hal.Alloc(8*(c.maxSlots+1), ring.SegmentAlign); err != nil {
		return fmt.Errorf("device context array: %w", errors.Join(pkg.ErrNoMemory, err))
	}
	if c.outCtx, err = c.hal.Alloc(hal.DeviceContextSize, hal.ContextAlign); err != nil {
		return fmt.Errorf("output context: %w", errors.Join(pkg.ErrNoMemory, err))
	}
	if c.cmdRing, err = ring.Allocate(c.hal, c.cfg.CommandRingSegments, c.cfg.TRBsPerSegment,
		true, ring.TypeCommand, 0); err != nil {
		return fmt.Errorf("command ring: %w", err)
	}
	segs := min(c.cfg.EventRingSegments, c.erstMax)
	if c.evtRing, err = ring.Allocate(c.hal, segs, c.cfg.TRBsPerSegment, true, ring.TypeEvent, 0); err != nil {
		return fmt.Errorf("event ring: %w", err)
	}
	if c.erst, err = ring.NewERST(c.hal, c.evtRing); err != nil {
		return fmt.Errorf("event ring segment table: %w", err)
	}

	ep0 := newEndpoint(c, hal.EndpointConfig{MaxPacketSize: hal.SpeedSuper.EP0MaxPacket()})
	if ep0.ring, err = ring.Allocate(c.hal, c.cfg.SegmentsPerRing, c.cfg.TRBsPerSegment,
		true, ring.TypeControl, ep0Bounce); err != nil {
		return fmt.Errorf("endpoint 0 ring: %w", err)
	}
	c.eps[0] = ep0
	return nil
}

// program points the controller at the device context array, the command
// ring and the event ring.
func (c *Controller) program() {
	c.hal.Write32(c.op+hal.RegConfig, uint32(c.maxSlots))
	c.hal.Write64(c.op+hal.RegDCBAAP, c.dcbaa.DMA())
	c.hal.Write64(c.op+hal.RegCRCR, c.cmdRing.DMA(c.cmdRing.Enqueue())|hal.CRCRCycle)
	c.hal.Write32(c.ir+hal.RegERSTSZ, uint32(c.erst.Len()))
	c.hal.Write64(c.ir+hal.RegERDP, c.evtRing.DMA(c.evtRing.Dequeue()))
	c.hal.Write64(c.ir+hal.RegERSTBA, c.erst.DMA())
	c.hal.Write32(c.ir+hal.RegIMAN, hal.IMANPending|hal.IMANEnable)
}

// release frees every ring and context. Called with the controller halted.
func (c *Controller) release() {
	var errs []error
	for i, ep := range c.eps {
		if ep != nil {
			errs = append(errs, ep.freeRings())
			ep.state = EndpointDisabled
			c.eps[i] = nil
		}
	}
	errs = append(errs, c.staged.discard(c))
	if c.erst != nil {
		errs = append(errs, c.erst.Free())
		c.erst = nil
	}
	if c.evtRing != nil {
		errs = append(errs, c.evtRing.Free())
		c.evtRing = nil
	}
	if c.cmdRing != nil {
		errs = append(errs, c.cmdRing.Free())
		c.cmdRing = nil
	}
	for _, m := range []*hal.Mem{&c.outCtx, &c.dcbaa} {
		if *m != nil {
			errs = append(errs, (*m).Close())
			*m = nil
		}
	}
	if err := errors.Join(errs...); err != nil {
		pkg.LogError(pkg.ComponentController, "release controller memory", "error", err)
	}
}

// Stop halts the controller, stops its tasks and gives back every
// outstanding request with [pkg.ErrShutdown].
func (c *Controller) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.unlock()
		return nil
	}
	c.running = false
	c.stopCommandTimer()
	if !c.dying {
		c.hal.Write32(c.op+hal.RegUSBCmd, 0)
		if err := hal.Handshake(c.hal, c.op+hal.RegUSBSts, hal.StsHalt, hal.StsHalt, resetTimeout); err != nil {
			pkg.LogWarn(pkg.ComponentController, "controller did not halt", "error", err)
		}
	}
	c.signalStopped()
	c.completeCommands(trb.CodeCommandAborted)
	t := c.t
	c.unlock()

	t.Kill(nil)
	err := t.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	c.mu.Lock()
	for _, ep := range c.eps {
		if ep != nil {
			c.flushEndpoint(ep, pkg.ErrShutdown)
		}
	}
	c.release()
	c.slotID = 0
	c.address = 0
	c.ep0.pending = false
	c.devState = StateAttached
	c.unlock()
	pkg.LogInfo(pkg.ComponentController, "controller stopped")
	return err
}

// died moves the controller to the dying state: in-flight commands
// complete as aborted, every request is given back with
// [pkg.ErrConnReset] and no register is written again.
func (c *Controller) died(reason string) {
	if c.dying {
		return
	}
	c.dying = true
	c.metrics.ControllerDeaths.Inc()
	pkg.LogError(pkg.ComponentController, "controller died", "reason", reason)
	c.stopCommandTimer()
	c.signalStopped()
	c.completeCommands(trb.CodeCommandAborted)
	for _, ep := range c.eps {
		if ep != nil {
			c.flushEndpoint(ep, pkg.ErrConnReset)
		}
	}
	c.queueWork(workDied)
}

func (c *Controller) irqLoop() error {
	irq := c.hal.Interrupt()
	for {
		select {
		case <-c.t.Dying():
			return nil
		case <-irq:
		}
		c.mu.Lock()
		c.handleInterrupt()
		c.unlock()
	}
}

func (c *Controller) worker() error {
	for {
		select {
		case <-c.t.Dying():
			return nil
		case <-c.work:
		}
		c.mu.Lock()
		w := c.pending
		c.pending = 0
		switch {
		case w&workDied != 0:
			c.handleDied()
		case w&workPort != 0:
			c.handlePortWork()
		}
		c.runNotes()
		if w&workSetup != 0 {
			c.handleSetupWork()
		}
	}
}

// runNotes releases the lock and delivers queued gadget callbacks.
func (c *Controller) runNotes() {
	notes := c.notes
	c.notes = nil
	c.unlock()
	for _, fn := range notes {
		fn(c.gadget)
	}
}

func (c *Controller) handleDied() {
	c.portChanges = 0
	c.ep0.pending = false
	if c.slotID == 0 {
		return
	}
	c.slotID = 0
	c.devState = StatePowered
	c.notify(Gadget.Disconnect)
}

// latchPort reads and acknowledges the port change bits and queues them for
// the worker.
func (c *Controller) latchPort() {
	off := c.op + hal.RegPortSC
	v := c.hal.Read32(off)
	if v == hal.Removed {
		c.died("port status reads as removed")
		return
	}
	changes := v & hal.PortChangeMask
	if changes == 0 {
		return
	}
	c.hal.Write32(off, v&hal.PortPower|changes)
	c.portChanges |= changes
	c.portStatus = v
	c.queueWork(workPort)
}

func (c *Controller) handlePortWork() {
	changes, status := c.portChanges, c.portStatus
	c.portChanges = 0
	if c.dying {
		return
	}
	connected := status&hal.PortConnect != 0
	speed := hal.Speed((status & hal.PortSpeedMask) >> hal.PortSpeedShift)
	link := (status & hal.PortLinkMask) >> hal.PortLinkShift
	pkg.LogDebug(pkg.ComponentController, "port change",
		"changes", fmt.Sprintf("%#x", changes), "connected", connected, "speed", speed, "link", link)

	if changes&hal.PortConnectChg != 0 {
		switch {
		case connected && c.slotID == 0:
			c.connectLocked(speed)
			return
		case !connected && c.slotID != 0:
			c.disconnectLocked()
			return
		}
	}
	if changes&(hal.PortResetChg|hal.PortWarmResetCh) != 0 && connected && c.slotID != 0 {
		c.busResetLocked(speed)
		return
	}
	if changes&hal.PortLinkChg != 0 {
		switch {
		case link == hal.LinkU3 && c.devState != StateSuspended:
			c.prevState = c.devState
			c.devState = StateSuspended
			pkg.LogDebug(pkg.ComponentController, "suspended")
			c.notify(Gadget.Suspend)
		case link == hal.LinkU0 && c.devState == StateSuspended:
			c.devState = c.prevState
			pkg.LogDebug(pkg.ComponentController, "resumed", "state", c.devState)
			c.notify(Gadget.Resume)
		}
	}
}

func (c *Controller) connectLocked(speed hal.Speed) {
	c.speed = speed
	c.eps[0].mps = int(speed.EP0MaxPacket())
	if _, err := c.enableSlotLocked(); err != nil {
		pkg.LogError(pkg.ComponentController, "connect: enable slot", "error", err)
		return
	}
	if err := c.addressDeviceLocked(true, 0); err != nil {
		pkg.LogError(pkg.ComponentController, "connect: address device", "error", err)
		if err := c.disableSlotLocked(); err != nil {
			pkg.LogWarn(pkg.ComponentController, "connect: disable slot", "error", err)
		}
		return
	}
	c.devState = StateDefault
	pkg.LogInfo(pkg.ComponentController, "connected", "speed", speed, "slot", c.slotID)
	c.notify(func(g Gadget) { g.Connect(speed) })
}

func (c *Controller) disconnectLocked() {
	if err := c.disableSlotLocked(); err != nil {
		pkg.LogWarn(pkg.ComponentController, "disconnect: disable slot", "error", err)
	}
	c.devState = StatePowered
	c.speed = hal.SpeedUnknown
	pkg.LogInfo(pkg.ComponentController, "disconnected")
	c.notify(Gadget.Disconnect)
}

func (c *Controller) busResetLocked(speed hal.Speed) {
	if err := c.resetDeviceLocked(); err != nil {
		pkg.LogError(pkg.ComponentController, "bus reset: reset device", "error", err)
		return
	}
	c.speed = speed
	c.eps[0].mps = int(speed.EP0MaxPacket())
	if err := c.addressDeviceLocked(true, 0); err != nil {
		pkg.LogError(pkg.ComponentController, "bus reset: address device", "error", err)
		return
	}
	c.devState = StateDefault
	pkg.LogInfo(pkg.ComponentController, "bus reset", "speed", speed)
	c.notify(func(g Gadget) { g.Reset(speed) })
}

// Wakeup drives the link from U3 back to U0 to signal remote wakeup.
func (c *Controller) Wakeup() error {
	c.mu.Lock()
	defer c.unlock()
	if err := c.usable(); err != nil {
		return err
	}
	off := c.op + hal.RegPortSC
	v := c.hal.Read32(off)
	if v == hal.Removed {
		c.died("port status reads as removed")
		return pkg.ErrNoDevice
	}
	if (v&hal.PortLinkMask)>>hal.PortLinkShift != hal.LinkU3 {
		return fmt.Errorf("wakeup: link not suspended: %w", pkg.ErrInvalidState)
	}
	c.hal.Write32(off, v&hal.PortPower|hal.LinkU0<<hal.PortLinkShift|hal.PortLinkStrobe)
	return nil
}

// isSetAddress reports a standard SET_ADDRESS request to the device.
func isSetAddress(s hal.SetupPacket) bool {
	return s.RequestType == 0x00 && s.Request == 0x05
}

func (c *Controller) handleSetupWork() {
	c.mu.Lock()
	if !c.ep0.pending || c.slotID == 0 || c.dying {
		c.unlock()
		return
	}
	setup, seq := c.ep0.setup, c.ep0.seq
	if isSetAddress(setup) {
		c.setAddressLocked(setup)
		c.unlock()
		return
	}
	c.unlock()

	err := pkg.ErrNotSupported
	if c.gadget != nil {
		err = c.gadget.Setup(setup)
	}
	if err == nil {
		return
	}
	pkg.LogDebug(pkg.ComponentController, "stalling control request",
		"type", fmt.Sprintf("%#02x", setup.RequestType), "request", setup.Request, "error", err)
	c.mu.Lock()
	defer c.unlock()
	if c.ep0.seq != seq || c.usable() != nil || c.slotID == 0 {
		return
	}
	c.stallEP0Locked()
}

// setAddressLocked answers SET_ADDRESS with a full Address Device command
// followed by the status stage.
func (c *Controller) setAddressLocked(setup hal.SetupPacket) {
	addr := uint8(setup.Value & 0x7f)
	if setup.Value > 127 || setup.Length != 0 || c.devState == StateConfigured {
		c.stallEP0Locked()
		return
	}
	if addr != 0 {
		if err := c.addressDeviceLocked(false, addr); err != nil {
			pkg.LogError(pkg.ComponentController, "set address", "address", addr, "error", err)
			c.stallEP0Locked()
			return
		}
	}
	if err := c.enqueueLocked(c.eps[0], &Request{}); err != nil {
		pkg.LogError(pkg.ComponentController, "set address status stage", "error", err)
		return
	}
	c.address = addr
	if addr == 0 {
		c.devState = StateDefault
	} else {
		c.devState = StateAddress
	}
	pkg.LogInfo(pkg.ComponentController, "address assigned", "address", addr)
}

func (c *Controller) stallEP0Locked() {
	if err := c.haltLocked(c.eps[0]); err != nil {
		pkg.LogWarn(pkg.ComponentController, "stall endpoint 0", "error", err)
	}
}
