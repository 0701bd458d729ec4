package hal

import (
	"fmt"
	"time"

	"gopkg.in/retry.v1"

	"github.com/ardnew/usbssp/pkg"
)

// HandshakePoll is the interval between register reads in [Handshake].
var HandshakePoll = 10 * time.Microsecond

// handshakeStrategy reads every HandshakePoll until timeout.
func handshakeStrategy(timeout time.Duration) retry.Strategy {
	return retry.Regular{Total: timeout, Delay: HandshakePoll}
}

// Handshake polls the 32-bit register at off until (value & mask) == want or
// the timeout expires. It returns an error wrapping [pkg.ErrTimeout] on
// expiry and [pkg.ErrNoDevice] when the register reads as [Removed].
func Handshake(regs Registers, off uint32, mask, want uint32, timeout time.Duration) error {
	strategy := handshakeStrategy(timeout)
	var v uint32
	for a := retry.Start(strategy, nil); a.Next(); {
		v = regs.Read32(off)
		if v == Removed {
			return fmt.Errorf("register 0x%x: %w", off, pkg.ErrNoDevice)
		}
		if v&mask == want {
			return nil
		}
	}
	return fmt.Errorf("register 0x%x = 0x%08x, want 0x%08x under mask 0x%08x: %w",
		off, v, want, mask, pkg.ErrTimeout)
}

// Handshake64 is [Handshake] for a 64-bit register.
func Handshake64(regs Registers, off uint32, mask, want uint64, timeout time.Duration) error {
	strategy := handshakeStrategy(timeout)
	var v uint64
	for a := retry.Start(strategy, nil); a.Next(); {
		v = regs.Read64(off)
		if v == ^uint64(0) {
			return fmt.Errorf("register 0x%x: %w", off, pkg.ErrNoDevice)
		}
		if v&mask == want {
			return nil
		}
	}
	return fmt.Errorf("register 0x%x = 0x%016x, want 0x%016x under mask 0x%016x: %w",
		off, v, want, mask, pkg.ErrTimeout)
}
