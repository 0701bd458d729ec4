//go:build linux

package uio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"

	"github.com/ardnew/usbssp/device/hal"
	"github.com/ardnew/usbssp/pkg"
)

// Config selects the UIO device.
type Config struct {
	// Name is the device name the platform driver registered, as found in
	// /sys/class/uio/uioN/name, or the node name itself ("uio0").
	Name string `yaml:"name"`
	// Map is the index of the memory map holding the registers.
	Map int `yaml:"map"`
}

// HAL implements [hal.DeviceHAL] over a UIO device.
type HAL struct {
	node   node
	fd     int
	regs   []byte
	epfd   int
	wakefd int
	irq    chan struct{}
	live   atomic.Int64

	mu      sync.Mutex
	t       tomb.Tomb
	started bool
	closed  bool
}

var _ hal.DeviceHAL = (*HAL)(nil)

// Open maps the registers of the UIO device cfg names.
func Open(cfg Config) (*HAL, error) {
	n, err := findNode(cfg.Name, cfg.Map)
	if err != nil {
		return nil, err
	}
	fd, err := unix.Open(n.dev, unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", n.dev, err)
	}
	h := &HAL{node: n, fd: fd, epfd: -1, wakefd: -1, irq: make(chan struct{}, 1)}
	// The kernel selects map N by an mmap offset of N pages.
	h.regs, err = unix.Mmap(fd, int64(cfg.Map*unix.Getpagesize()), n.mapSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		h.release()
		return nil, fmt.Errorf("map %s registers: %w", n.dev, err)
	}
	if h.epfd, err = unix.EpollCreate1(unix.EPOLL_CLOEXEC); err != nil {
		h.release()
		return nil, fmt.Errorf("epoll: %w", err)
	}
	if h.wakefd, err = unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC); err != nil {
		h.release()
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	for _, fd := range []int{h.fd, h.wakefd} {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(h.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			h.release()
			return nil, fmt.Errorf("epoll add: %w", err)
		}
	}
	pkg.LogInfo(pkg.ComponentHAL, "uio device mapped", "dev", n.dev, "name", n.name, "size", n.mapSize)
	return h, nil
}

// Init starts interrupt delivery. It is a no-op once running.
func (h *HAL) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return pkg.ErrShutdown
	}
	if !h.started {
		h.started = true
		h.t.Go(h.irqLoop)
	}
	return nil
}

func (h *HAL) Interrupt() <-chan struct{} { return h.irq }

// Close stops interrupt delivery and unmaps the registers. DMA regions
// still open stay valid until closed.
func (h *HAL) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	started := h.started
	h.mu.Unlock()

	var errs []error
	if started {
		h.t.Kill(nil)
		var one [8]byte
		binary.NativeEndian.PutUint64(one[:], 1)
		if _, err := unix.Write(h.wakefd, one[:]); err != nil {
			errs = append(errs, fmt.Errorf("wake irq loop: %w", err))
		}
		errs = append(errs, h.t.Wait())
	}
	errs = append(errs, h.release())
	return errors.Join(errs...)
}

func (h *HAL) release() error {
	var errs []error
	if h.regs != nil {
		errs = append(errs, unix.Munmap(h.regs))
		h.regs = nil
	}
	for _, fd := range []*int{&h.wakefd, &h.epfd, &h.fd} {
		if *fd >= 0 {
			errs = append(errs, unix.Close(*fd))
			*fd = -1
		}
	}
	return errors.Join(errs...)
}

// irqLoop re-arms the interrupt, waits for it and forwards it.
func (h *HAL) irqLoop() error {
	var count [4]byte
	events := make([]unix.EpollEvent, 2)
	for {
		if err := h.unmask(); err != nil {
			return err
		}
		n, err := unix.EpollWait(h.epfd, events, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return fmt.Errorf("epoll wait: %w", err)
		}
		for _, ev := range events[:n] {
			if int(ev.Fd) == h.wakefd {
				return nil
			}
			if _, err := unix.Read(h.fd, count[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
				return fmt.Errorf("read %s: %w", h.node.dev, err)
			}
			select {
			case h.irq <- struct{}{}:
			default:
			}
		}
		select {
		case <-h.t.Dying():
			return nil
		default:
		}
	}
}

// unmask writes 1 to the device node, which enables the interrupt again.
func (h *HAL) unmask() error {
	var one [4]byte
	binary.NativeEndian.PutUint32(one[:], 1)
	if _, err := unix.Write(h.fd, one[:]); err != nil {
		return fmt.Errorf("unmask %s: %w", h.node.dev, err)
	}
	return nil
}

func (h *HAL) word(off uint32) *uint32 {
	if int(off)+4 > len(h.regs) || off&3 != 0 {
		return nil
	}
	return (*uint32)(unsafe.Pointer(&h.regs[off]))
}

func (h *HAL) Read32(off uint32) uint32 {
	w := h.word(off)
	if w == nil {
		return hal.Removed
	}
	return atomic.LoadUint32(w)
}

func (h *HAL) Write32(off uint32, v uint32) {
	if w := h.word(off); w != nil {
		atomic.StoreUint32(w, v)
	}
}

func (h *HAL) Read64(off uint32) uint64 {
	lo := h.Read32(off)
	return uint64(h.Read32(off+4))<<32 | uint64(lo)
}

func (h *HAL) Write64(off uint32, v uint64) {
	h.Write32(off, uint32(v))
	h.Write32(off+4, uint32(v>>32))
}
