//go:build unix

package hal

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbssp/pkg"
)

func TestMmapAllocator(t *testing.T) {
	a := NewMmapAllocator(0)
	t.Cleanup(func() { a.Close() })

	m1, err := a.Alloc(4096, 64)
	require.NoError(t, err)
	m2, err := a.Alloc(100, 1<<16)
	require.NoError(t, err)

	assert.Equal(t, DefaultDMABase, m1.DMA())
	assert.Zero(t, m2.DMA()%(1<<16))
	assert.Len(t, m2.Bytes(), 100)
	assert.Equal(t, 2, a.Live())

	m1.Bytes()[10] = 0xaa
	b, ok := a.Resolve(m1.DMA()+10, 1)
	require.True(t, ok)
	assert.Equal(t, byte(0xaa), b[0])

	_, ok = a.Resolve(m2.DMA()+96, 8)
	assert.False(t, ok, "range past the end of the allocation")
	_, ok = a.Resolve(m1.DMA()-1, 1)
	assert.False(t, ok)

	require.NoError(t, m1.Close())
	assert.True(t, errors.Is(m1.Close(), pkg.ErrDoubleRelease))
	assert.Equal(t, 1, a.Live())
	_, ok = a.Resolve(m1.DMA(), 1)
	assert.False(t, ok, "released memory must not resolve")
}

func TestMmapAllocator_Invalid(t *testing.T) {
	a := NewMmapAllocator(0)
	_, err := a.Alloc(0, 64)
	assert.True(t, errors.Is(err, pkg.ErrInvalidParameter))
	_, err = a.Alloc(64, 48)
	assert.True(t, errors.Is(err, pkg.ErrInvalidParameter))
	assert.Zero(t, a.Live())
}
