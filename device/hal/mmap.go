//go:build unix

package hal

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ardnew/usbssp/pkg"
)

// DefaultDMABase is the first bus address handed out by [MmapAllocator].
const DefaultDMABase uint64 = 0x1000_0000

// MmapAllocator allocates page-backed memory with anonymous mappings and
// assigns each region a synthetic bus address. It stands in for a DMA pool
// when the controller is modelled in software: the model translates bus
// addresses back to memory with [MmapAllocator.Resolve].
type MmapAllocator struct {
	mu      sync.Mutex
	next    uint64
	regions []*mmapMem // sorted by dma
	page    int
}

// NewMmapAllocator returns an allocator whose bus addresses start at base.
func NewMmapAllocator(base uint64) *MmapAllocator {
	if base == 0 {
		base = DefaultDMABase
	}
	return &MmapAllocator{next: base, page: unix.Getpagesize()}
}

type mmapMem struct {
	owner  *MmapAllocator
	buf    []byte // full mapping
	size   int
	dma    uint64
	closed bool
}

func (m *mmapMem) Bytes() []byte { return m.buf[:m.size] }
func (m *mmapMem) DMA() uint64   { return m.dma }

func (m *mmapMem) Close() error {
	return m.owner.release(m)
}

// Alloc implements [Allocator].
func (a *MmapAllocator) Alloc(size, align int) (Mem, error) {
	if size <= 0 {
		return nil, fmt.Errorf("alloc %d bytes: %w", size, pkg.ErrInvalidParameter)
	}
	if align <= 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return nil, fmt.Errorf("alloc alignment %d: %w", align, pkg.ErrInvalidParameter)
	}
	mapped := roundUp(size, a.page)
	buf, err := unix.Mmap(-1, 0, mapped,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("map %d bytes: %w", mapped, errors.Join(pkg.ErrNoMemory, err))
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	step := uint64(max(align, a.page))
	dma := (a.next + step - 1) &^ (step - 1)
	// One unmapped page between regions so an overrun does not resolve.
	a.next = dma + uint64(mapped) + uint64(a.page)
	m := &mmapMem{owner: a, buf: buf, size: size, dma: dma}
	a.regions = append(a.regions, m)
	pkg.LogDebug(pkg.ComponentHAL, "dma alloc", "dma", fmt.Sprintf("%#x", dma), "size", size)
	return m, nil
}

func (a *MmapAllocator) release(m *mmapMem) error {
	a.mu.Lock()
	if m.closed {
		a.mu.Unlock()
		return fmt.Errorf("release dma %#x: %w", m.dma, pkg.ErrDoubleRelease)
	}
	m.closed = true
	if i, ok := a.find(m.dma); ok {
		a.regions = slices.Delete(a.regions, i, i+1)
	}
	a.mu.Unlock()

	if err := unix.Munmap(m.buf); err != nil {
		return fmt.Errorf("unmap dma %#x: %w", m.dma, err)
	}
	return nil
}

func (a *MmapAllocator) find(dma uint64) (int, bool) {
	return slices.BinarySearchFunc(a.regions, dma, func(m *mmapMem, t uint64) int {
		switch {
		case m.dma < t:
			return -1
		case m.dma > t:
			return 1
		}
		return 0
	})
}

// Resolve returns the n bytes of memory at bus address addr. It returns
// false if the range is not entirely inside one live allocation.
func (a *MmapAllocator) Resolve(addr uint64, n int) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i, ok := a.find(addr)
	if !ok {
		// addr lies inside the region before the insertion point, if any.
		if i == 0 {
			return nil, false
		}
		i--
	}
	m := a.regions[i]
	off := addr - m.dma
	if off+uint64(n) > uint64(m.size) {
		return nil, false
	}
	return m.buf[off : off+uint64(n)], true
}

// Live returns the number of allocations not yet released.
func (a *MmapAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.regions)
}

// Close unmaps every live allocation. Memory handed out earlier must not be
// used afterwards.
func (a *MmapAllocator) Close() error {
	a.mu.Lock()
	regions := a.regions
	a.regions = nil
	for _, m := range regions {
		m.closed = true
	}
	a.mu.Unlock()

	var errs []error
	for _, m := range regions {
		if err := unix.Munmap(m.buf); err != nil {
			errs = append(errs, fmt.Errorf("unmap dma %#x: %w", m.dma, err))
		}
	}
	return errors.Join(errs...)
}

func roundUp(n, to int) int {
	return (n + to - 1) &^ (to - 1)
}
