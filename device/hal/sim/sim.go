package sim

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/usbssp/device/hal"
	"github.com/ardnew/usbssp/pkg"
	"github.com/ardnew/usbssp/trb"
)

// Register window layout of the model.
const (
	capLength = 0x20
	rtBase    = 0x1000
	dbBase    = 0x2000
	dbEnd     = dbBase + 4*256
	portBase  = capLength + hal.RegPortSC
	irBase    = rtBase + hal.RegIR0
)

// Config sizes the model.
type Config struct {
	MaxSlots int    // device slots advertised in HCSPARAMS1 (default 8)
	ERSTMax  int    // log2 of the segment table entries accepted (default 4)
	DMABase  uint64 // first bus address of the DMA pool
}

func (c *Config) setDefaults() {
	if c.MaxSlots <= 0 {
		c.MaxSlots = 8
	}
	if c.ERSTMax <= 0 {
		c.ERSTMax = 4
	}
}

// HAL is a software model of the device controller implementing
// [hal.DeviceHAL]. Register writes take effect synchronously: ringing a
// doorbell runs the addressed ring until it is empty or blocked on the host.
type HAL struct {
	cfg   Config
	alloc *hal.MmapAllocator
	irq   chan struct{}

	mu      sync.Mutex
	changed chan struct{}
	closed  bool
	removed bool

	usbcmd uint32
	usbsts uint32
	dnctrl uint32
	config uint32
	dcbaap uint64
	mfidx  uint32

	cmd cmdRing

	iman   uint32
	imod   uint32
	erstsz uint32
	erstba uint64
	erdp   uint64
	evt    producer

	portsc uint32
	slot   *slot
	ctl    *control
	tag    uint8

	faults faults
	stats  Stats
}

// Stats counts what the model has done, for tests.
type Stats struct {
	Commands    []trb.Type // executed commands, in order
	Aborts      int        // command ring aborts honoured
	Events      int        // events written
	EventsLost  int        // events dropped while the event ring was full
	Doorbells   int        // endpoint doorbell writes
	SetDequeues []uint64   // Set TR Dequeue targets, in order
}

type faults struct {
	hangNext    bool
	ignoreAbort bool
	quietStop   bool
	failNext    trb.CompletionCode
}

// New returns a powered, halted controller model.
func New(cfg Config) *HAL {
	cfg.setDefaults()
	h := &HAL{
		cfg:     cfg,
		alloc:   hal.NewMmapAllocator(cfg.DMABase),
		irq:     make(chan struct{}, 1),
		changed: make(chan struct{}),
	}
	h.resetLocked()
	return h
}

// Init implements [hal.DeviceHAL].
func (h *HAL) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return pkg.ErrNotRunning
	}
	return ctx.Err()
}

// Interrupt implements [hal.DeviceHAL].
func (h *HAL) Interrupt() <-chan struct{} { return h.irq }

// Alloc implements [hal.Allocator].
func (h *HAL) Alloc(size, align int) (hal.Mem, error) { return h.alloc.Alloc(size, align) }

// Allocator returns the DMA pool, for leak checks.
func (h *HAL) Allocator() *hal.MmapAllocator { return h.alloc }

// Close implements [hal.DeviceHAL]. Memory still allocated is unmapped.
func (h *HAL) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.notify()
	h.mu.Unlock()
	return h.alloc.Close()
}

// Stats returns a snapshot of the model's counters.
func (h *HAL) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	s := h.stats
	s.Commands = append([]trb.Type(nil), s.Commands...)
	s.SetDequeues = append([]uint64(nil), s.SetDequeues...)
	return s
}

func (h *HAL) resetLocked() {
	h.usbcmd = 0
	h.usbsts = hal.StsHalt
	h.dnctrl = 0
	h.config = 0
	h.dcbaap = 0
	h.cmd = cmdRing{}
	h.iman = 0
	h.imod = 0
	h.erstsz = 0
	h.erstba = 0
	h.erdp = 0
	h.evt = producer{}
	// A reset keeps the cable state; a connected port reports it again.
	h.portsc = h.portsc&(hal.PortConnect|hal.PortEnabled|hal.PortSpeedMask|hal.PortLinkMask) | hal.PortPower
	if h.portsc&hal.PortConnect != 0 {
		h.portsc |= hal.PortConnectChg
	}
	h.slot = nil
	h.ctl = nil
}

// notify wakes every goroutine blocked in wait. Called with mu held.
func (h *HAL) notify() {
	close(h.changed)
	h.changed = make(chan struct{})
}

// wait blocks until cond, evaluated with mu held, is true.
func (h *HAL) wait(ctx context.Context, cond func() (bool, error)) error {
	for {
		h.mu.Lock()
		ok, err := cond()
		if !ok && err == nil && h.closed {
			err = pkg.ErrNotRunning
		}
		ch := h.changed
		h.mu.Unlock()
		if ok || err != nil {
			return err
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *HAL) running() bool {
	return h.usbcmd&hal.CmdRun != 0 && h.usbsts&hal.StsHalt == 0
}

// mem translates a bus address to memory, or returns nil.
func (h *HAL) mem(addr uint64, n int) []byte {
	b, ok := h.alloc.Resolve(addr, n)
	if !ok {
		pkg.LogWarn(pkg.ComponentSim, "dma fault", "addr", fmt.Sprintf("%#x", addr), "len", n)
		h.usbsts |= hal.StsHCE
		return nil
	}
	return b
}

// Read32 implements [hal.Registers].
func (h *HAL) Read32(off uint32) uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.read32(off)
}

// Read64 implements [hal.Registers].
func (h *HAL) Read64(off uint32) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return uint64(h.read32(off)) | uint64(h.read32(off+4))<<32
}

func (h *HAL) read32(off uint32) uint32 {
	if h.removed {
		return hal.Removed
	}
	switch {
	case off < capLength:
		return h.readCap(off)
	case off >= dbBase:
		return 0
	case off >= irBase:
		return h.readInterrupter(off - irBase)
	case off >= rtBase:
		if off-rtBase == hal.RegMFIndex {
			h.mfidx = (h.mfidx + 1) & 0x3fff
			return h.mfidx
		}
		return 0
	default:
		return h.readOp(off - capLength)
	}
}

func (h *HAL) readCap(off uint32) uint32 {
	switch off {
	case hal.RegCapLength:
		return 0x0110_0000 | capLength
	case hal.RegHCSParams1:
		return uint32(h.cfg.MaxSlots) | 1<<8 | 1<<24
	case hal.RegHCSParams2:
		return uint32(h.cfg.ERSTMax) << 4
	case hal.RegHCCParams1:
		return 1 | 0x7<<12 // 64-bit addressing, up to 256 primary streams
	case hal.RegDBOff:
		return dbBase
	case hal.RegRTSOff:
		return rtBase
	}
	return 0
}

func (h *HAL) readOp(off uint32) uint32 {
	switch off {
	case hal.RegUSBCmd:
		return h.usbcmd
	case hal.RegUSBSts:
		return h.usbsts
	case hal.RegPageSize:
		return 1
	case hal.RegDNCtrl:
		return h.dnctrl
	case hal.RegCRCR:
		if h.cmd.running {
			return uint32(hal.CRCRRunning)
		}
		return 0
	case hal.RegDCBAAP:
		return uint32(h.dcbaap)
	case hal.RegDCBAAP + 4:
		return uint32(h.dcbaap >> 32)
	case hal.RegConfig:
		return h.config
	case hal.RegPortSC:
		return h.portsc
	}
	return 0
}

func (h *HAL) readInterrupter(off uint32) uint32 {
	switch off {
	case hal.RegIMAN:
		return h.iman
	case hal.RegIMOD:
		return h.imod
	case hal.RegERSTSZ:
		return h.erstsz
	case hal.RegERSTBA:
		return uint32(h.erstba)
	case hal.RegERSTBA + 4:
		return uint32(h.erstba >> 32)
	case hal.RegERDP:
		return uint32(h.erdp)
	case hal.RegERDP + 4:
		return uint32(h.erdp >> 32)
	}
	return 0
}

// Write32 implements [hal.Registers]. A write to either half of a 64-bit
// register takes effect with the other half as last written.
func (h *HAL) Write32(off uint32, v uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.removed || h.closed {
		return
	}
	if base, hi, ok := wide(off); ok {
		cur := h.shadow64(base)
		if hi {
			cur = cur&0xffff_ffff | uint64(v)<<32
		} else {
			cur = cur&^0xffff_ffff | uint64(v)
		}
		h.write64(base, cur)
		return
	}
	h.write32(off, v)
}

// Write64 implements [hal.Registers].
func (h *HAL) Write64(off uint32, v uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.removed || h.closed {
		return
	}
	if base, _, ok := wide(off); ok && base == off {
		h.write64(off, v)
		return
	}
	h.write32(off, uint32(v))
	h.write32(off+4, uint32(v>>32))
}

// wide maps an offset inside a 64-bit register to the register's base.
func wide(off uint32) (base uint32, hi bool, ok bool) {
	for _, b := range []uint32{
		capLength + hal.RegCRCR,
		capLength + hal.RegDCBAAP,
		irBase + hal.RegERSTBA,
		irBase + hal.RegERDP,
	} {
		switch off {
		case b:
			return b, false, true
		case b + 4:
			return b, true, true
		}
	}
	return 0, false, false
}

func (h *HAL) shadow64(base uint32) uint64 {
	switch base {
	case capLength + hal.RegCRCR:
		return h.cmd.shadow
	case capLength + hal.RegDCBAAP:
		return h.dcbaap
	case irBase + hal.RegERSTBA:
		return h.erstba
	case irBase + hal.RegERDP:
		return h.erdp
	}
	return 0
}

func (h *HAL) write64(base uint32, v uint64) {
	switch base {
	case capLength + hal.RegCRCR:
		h.writeCRCR(v)
	case capLength + hal.RegDCBAAP:
		h.dcbaap = v &^ 0x3f
	case irBase + hal.RegERSTBA:
		h.erstba = v &^ 0x3f
		h.evt = producer{cycle: true}
	case irBase + hal.RegERDP:
		h.writeERDP(v)
	}
}

func (h *HAL) write32(off uint32, v uint32) {
	switch {
	case off < capLength:
	case off >= dbBase && off < dbEnd:
		h.doorbell((off-dbBase)/4, v)
	case off >= irBase:
		h.writeInterrupter(off-irBase, v)
	case off >= rtBase:
	default:
		h.writeOp(off-capLength, v)
	}
}

func (h *HAL) writeOp(off uint32, v uint32) {
	switch off {
	case hal.RegUSBCmd:
		h.writeUSBCmd(v)
	case hal.RegUSBSts:
		h.usbsts &^= v & (hal.StsFatal | hal.StsEINT | hal.StsPCD)
	case hal.RegDNCtrl:
		h.dnctrl = v
	case hal.RegConfig:
		h.config = v & 0xff
	case hal.RegPortSC:
		h.writePortSC(v)
	}
}

func (h *HAL) writeUSBCmd(v uint32) {
	if v&hal.CmdReset != 0 {
		pkg.LogDebug(pkg.ComponentSim, "controller reset")
		h.resetLocked()
		h.notify()
		return
	}
	was := h.usbcmd&hal.CmdRun != 0
	h.usbcmd = v
	switch run := v&hal.CmdRun != 0; {
	case run && !was:
		h.usbsts &^= hal.StsHalt
		pkg.LogDebug(pkg.ComponentSim, "controller running")
	case !run && was:
		h.usbsts |= hal.StsHalt
		h.cmd.running = false
		pkg.LogDebug(pkg.ComponentSim, "controller halted")
	}
	h.notify()
}

func (h *HAL) writeInterrupter(off uint32, v uint32) {
	switch off {
	case hal.RegIMAN:
		h.iman = h.iman&^(v&hal.IMANPending)&^hal.IMANEnable | v&hal.IMANEnable
	case hal.RegIMOD:
		h.imod = v
	case hal.RegERSTSZ:
		h.erstsz = v & 0xffff
	}
}

func (h *HAL) writePortSC(v uint32) {
	h.portsc &^= v & hal.PortChangeMask
	h.portsc = h.portsc&^hal.PortPower | v&hal.PortPower
	if v&hal.PortLinkStrobe == 0 {
		return
	}
	link := (v & hal.PortLinkMask) >> hal.PortLinkShift
	cur := (h.portsc & hal.PortLinkMask) >> hal.PortLinkShift
	if cur == hal.LinkU3 && link == hal.LinkU0 {
		// Remote wakeup: the host resumes the link.
		h.setLink(hal.LinkU0)
		h.portEvent()
	}
}

func (h *HAL) setLink(state uint32) {
	h.portsc = h.portsc&^hal.PortLinkMask | state<<hal.PortLinkShift | hal.PortLinkChg
}

func (h *HAL) doorbell(target, v uint32) {
	if !h.running() {
		return
	}
	if target == 0 {
		if v == hal.DoorbellCommand {
			h.kickCommands()
		}
		return
	}
	s := h.slot
	if s == nil || uint32(s.id) != target {
		return
	}
	h.stats.Doorbells++
	idx := int(v&0xff) - 1
	stream := uint16(v >> 16)
	if idx < 0 || idx > hal.MaxEndpointIndex {
		return
	}
	if ep := s.eps[idx]; ep != nil {
		h.ringEndpoint(ep, stream)
	}
}
