package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbssp/device/hal"
	"github.com/ardnew/usbssp/pkg"
)

func TestChunkLen(t *testing.T) {
	tests := []struct {
		name      string
		addr      uint64
		off, n    int
		align     bool
		canBounce bool
		want      int
		bounce    bool
	}{
		{"whole buffer", 0, 0, 1000, false, false, 1000, false},
		{"64k boundary", 0xfff0, 0, 100, false, false, 16, false},
		{"last trb unaligned", 0, 0, 1000, true, false, 1000, false},
		{"trimmed to packet", 0xfd00, 0, 1000, true, false, 512, false},
		{"too short to trim", 0xff00, 0, 1000, true, false, 256, false},
		{"bounced", 0xff00, 0, 1000, true, true, 512, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, bounce := chunkLen(tt.addr, tt.off, tt.n, 512, tt.align, tt.canBounce)
			assert.Equal(t, tt.want, n)
			assert.Equal(t, tt.bounce, bounce)
		})
	}
}

func TestTDRemainder(t *testing.T) {
	assert.Equal(t, 3, tdRemainder(0, 512, 2048, 512, false))
	assert.Equal(t, 1, tdRemainder(0, 512, 600, 512, false))
	assert.Equal(t, 0, tdRemainder(0, 512, 2048, 512, true))
	assert.Equal(t, 31, tdRemainder(0, 512, 1<<20, 512, false))
}

func TestCountTRBs(t *testing.T) {
	assert.Equal(t, 2, countTRBs(0, 0, 64))
	assert.Equal(t, 2, countTRBs(0, 4096, 64))
	assert.Equal(t, 3, countTRBs(0, 2<<16, 64))
	assert.Equal(t, 3, countTRBs(0xfff0, 4096, 64))
}

func TestDMABufferRelease(t *testing.T) {
	a := hal.NewMmapAllocator(0x4000_0000)
	defer a.Close()

	b, err := mapBuffer(a, true, []byte{1, 2}, []byte{3, 4})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, b.bytes(0, 4))
	assert.Equal(t, 1, a.Live())

	dst := make([]byte, 4)
	require.NoError(t, b.release(dst, 2))
	assert.Equal(t, []byte{1, 2, 0, 0}, dst)
	assert.Zero(t, a.Live())
	assert.ErrorIs(t, b.release(nil, 0), pkg.ErrDoubleRelease)

	empty, err := mapBuffer(a, false)
	require.NoError(t, err)
	assert.Zero(t, empty.DMA())
	require.NoError(t, empty.release(nil, 0))
	assert.ErrorIs(t, empty.release(nil, 0), pkg.ErrDoubleRelease)
}
