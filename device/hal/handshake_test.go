package hal

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbssp/pkg"
)

// flipRegs returns from after reads reads and to before that.
type flipRegs struct {
	reads    atomic.Int32
	after    int32
	from, to uint32
}

func (r *flipRegs) Read32(uint32) uint32 {
	if r.reads.Add(1) > r.after {
		return r.to
	}
	return r.from
}
func (r *flipRegs) Write32(uint32, uint32) {}
func (r *flipRegs) Read64(off uint32) uint64 {
	return uint64(r.Read32(off))
}
func (r *flipRegs) Write64(uint32, uint64) {}

func TestHandshake(t *testing.T) {
	t.Run("succeeds once bits settle", func(t *testing.T) {
		regs := &flipRegs{after: 3, from: 0x8, to: 0x0}
		require.NoError(t, Handshake(regs, RegCRCR, 0x8, 0, time.Second))
		assert.GreaterOrEqual(t, regs.reads.Load(), int32(4))
	})

	t.Run("times out", func(t *testing.T) {
		regs := &flipRegs{after: 1 << 30, from: 0x8}
		start := time.Now()
		err := Handshake(regs, RegCRCR, 0x8, 0, 20*time.Millisecond)
		assert.True(t, errors.Is(err, pkg.ErrTimeout), "got %v", err)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("removed hardware", func(t *testing.T) {
		regs := &flipRegs{from: Removed, to: Removed}
		err := Handshake(regs, RegUSBSts, StsHalt, StsHalt, time.Second)
		assert.True(t, errors.Is(err, pkg.ErrNoDevice), "got %v", err)
	})

	t.Run("polls at a fixed interval", func(t *testing.T) {
		defer func(d time.Duration) { HandshakePoll = d }(HandshakePoll)
		HandshakePoll = 5 * time.Millisecond
		regs := &flipRegs{after: 1 << 30, from: 0x8}
		err := Handshake(regs, RegCRCR, 0x8, 0, 50*time.Millisecond)
		assert.ErrorIs(t, err, pkg.ErrTimeout)
		reads := regs.reads.Load()
		assert.GreaterOrEqual(t, reads, int32(5), "polls slowed down")
		assert.LessOrEqual(t, reads, int32(12), "polls sped up")
	})

	t.Run("64-bit", func(t *testing.T) {
		regs := &flipRegs{after: 2, from: uint32(CRCRRunning), to: 0}
		require.NoError(t, Handshake64(regs, RegCRCR, CRCRRunning, 0, time.Second))
	})
}
