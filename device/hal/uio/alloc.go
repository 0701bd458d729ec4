//go:build linux

package uio

import (
	"errors"
	"fmt"
	"sync/atomic"

	"periph.io/x/host/v3/pmem"

	"github.com/ardnew/usbssp/device/hal"
	"github.com/ardnew/usbssp/pkg"
)

// pageSize is the granularity pmem allocates in.
const pageSize = 4096

// region is a slice of a locked physical allocation.
type region struct {
	owner  *HAL
	m      *pmem.MemAlloc
	buf    []byte
	dma    uint64
	closed atomic.Bool
}

func (r *region) Bytes() []byte { return r.buf }
func (r *region) DMA() uint64   { return r.dma }

func (r *region) Close() error {
	if r.closed.Swap(true) {
		return fmt.Errorf("dma %#x: %w", r.dma, pkg.ErrDoubleRelease)
	}
	r.owner.live.Add(-1)
	return r.m.Close()
}

// Alloc implements [hal.Allocator] with physically contiguous pages.
// Alignments above a page are met by over-allocating.
func (h *HAL) Alloc(size, align int) (hal.Mem, error) {
	if size <= 0 {
		return nil, fmt.Errorf("alloc %d bytes: %w", size, pkg.ErrInvalidParameter)
	}
	if align <= 0 {
		align = 1
	}
	if align&(align-1) != 0 {
		return nil, fmt.Errorf("alloc alignment %d: %w", align, pkg.ErrInvalidParameter)
	}
	extra := max(align-pageSize, 0)
	m, err := pmem.Alloc(roundUp(size+extra, pageSize))
	if err != nil {
		return nil, fmt.Errorf("alloc %d bytes: %w", size, errors.Join(pkg.ErrNoMemory, err))
	}
	off := alignOffset(m.PhysAddr(), align)
	r := &region{owner: h, m: m, buf: m.Bytes()[off : off+size], dma: m.PhysAddr() + uint64(off)}
	clear(r.buf)
	h.live.Add(1)
	pkg.LogDebug(pkg.ComponentHAL, "dma alloc", "dma", fmt.Sprintf("%#x", r.dma), "size", size)
	return r, nil
}

// Live returns the number of regions not yet closed.
func (h *HAL) Live() int {
	return int(h.live.Load())
}

// alignOffset returns how far past addr the next multiple of align lies.
func alignOffset(addr uint64, align int) int {
	a := uint64(align)
	return int((a - addr%a) % a)
}

func roundUp(n, to int) int {
	return (n + to - 1) / to * to
}
