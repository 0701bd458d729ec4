package ring

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbssp/pkg"
	"github.com/ardnew/usbssp/trb"
)

func TestStreamInfo(t *testing.T) {
	a := newAlloc(t)
	si, err := NewStreamInfo(a, 3, 1, 16, 512)
	require.NoError(t, err)

	assert.Equal(t, 4, si.NumStreams(), "rounded up to a power of two")
	assert.Nil(t, si.Ring(0), "stream 0 is reserved")
	assert.Nil(t, si.Ring(9))
	require.Len(t, si.Rings(), 3)

	for id := uint16(1); id < 4; id++ {
		r := si.Ring(id)
		require.NotNil(t, r)
		assert.Equal(t, id, r.StreamID)
		assert.Equal(t, TypeStream, r.Type())

		deq, cycle := si.ContextDequeue(id)
		assert.Equal(t, r.DMA(r.Dequeue()), deq)
		assert.True(t, cycle)

		raw := pkg.LoadLE64(si.ctx.Bytes()[int(id)*StreamContextSize:])
		assert.Equal(t, uint64(sctPrimaryRing<<1|1), raw&0xf)
	}

	r2 := si.Ring(2)
	c := r2.Queue(trb.Normal(0x1000, 64, 0, trb.IOC), false)
	got, ok := si.Lookup(r2.DMA(c))
	require.True(t, ok)
	assert.Same(t, r2, got)
	_, ok = si.Lookup(0xdead0000)
	assert.False(t, ok)

	r2.AdvanceDequeue()
	si.WriteContext(2)
	deq, _ := si.ContextDequeue(2)
	assert.Equal(t, r2.DMA(r2.Dequeue()), deq)

	require.NoError(t, si.Free())
	assert.Zero(t, a.Live())
}

func TestStreamInfo_RollsBack(t *testing.T) {
	a := newAlloc(t)
	// Context array plus one stream ring (segment and bounce buffer) fit.
	_, err := NewStreamInfo(&failAlloc{Allocator: a, ok: 3}, 4, 1, 16, 64)
	require.Error(t, err)
	assert.True(t, errors.Is(err, pkg.ErrNoMemory))
	assert.Zero(t, a.Live())

	_, err = NewStreamInfo(a, 1, 1, 16, 64)
	assert.True(t, errors.Is(err, pkg.ErrInvalidParameter))
}

func TestERST(t *testing.T) {
	a := newAlloc(t)
	r, err := Allocate(a, 3, 16, true, TypeEvent, 0)
	require.NoError(t, err)
	defer r.Free()

	tbl, err := NewERST(a, r)
	require.NoError(t, err)
	defer tbl.Free()

	assert.Equal(t, 3, tbl.Len())
	seg := r.First()
	for i := 0; i < 3; i++ {
		base, size := tbl.Entry(i)
		assert.Equal(t, r.Segment(seg).Base(), base)
		assert.Equal(t, 16, size)
		seg = r.Segment(seg).Next()
	}

	cmd, err := Allocate(a, 1, 16, true, TypeCommand, 0)
	require.NoError(t, err)
	defer cmd.Free()
	_, err = NewERST(a, cmd)
	assert.True(t, errors.Is(err, pkg.ErrInvalidParameter))
}
